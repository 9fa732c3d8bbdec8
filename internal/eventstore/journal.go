package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Journal queues timeline entries and writes them from one goroutine so callers on
// the hot path (playback transitions, dispatch) never wait on SQLite.
type Journal struct {
	store *Store
	queue chan Event
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropped metric.Int64Counter
}

func NewJournal(parent context.Context, store *Store, size int, logger *slog.Logger) *Journal {
	if size <= 0 {
		size = 256
	}
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("github.com/loqalabs/loqa-glasses/internal/eventstore")
	dropped, _ := meter.Int64Counter("glasses.eventstore.dropped")
	return &Journal{
		store:   store,
		queue:   make(chan Event, size),
		log:     logger.With(slog.String("component", "journal")),
		ctx:     ctx,
		cancel:  cancel,
		dropped: dropped,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.run()
}

// Close stops accepting entries, writes what is already queued and returns.
func (j *Journal) Close() {
	j.cancel()
	j.wg.Wait()
}

// Record queues an entry. payload is JSON encoded; a full queue drops the entry.
func (j *Journal) Record(sessionID, kind, entryType, refID string, payload any, failed bool) {
	var data []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			j.log.Warn("failed to encode timeline payload", slog.String("type", entryType), slogError(err))
		} else {
			data = encoded
		}
	}
	evt := Event{
		SessionID: sessionID,
		Kind:      kind,
		Type:      entryType,
		RefID:     refID,
		Payload:   data,
		Failed:    failed,
		CreatedAt: time.Now(),
	}
	select {
	case <-j.ctx.Done():
		return
	default:
	}
	select {
	case j.queue <- evt:
	default:
		if j.dropped != nil {
			j.dropped.Add(context.Background(), 1)
		}
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	for {
		select {
		case evt := <-j.queue:
			j.write(evt)
		case <-j.ctx.Done():
			for {
				select {
				case evt := <-j.queue:
					j.write(evt)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := j.store.AppendEvent(ctx, evt); err != nil {
		j.log.Warn("failed to append timeline entry",
			slog.String("kind", evt.Kind),
			slog.String("type", evt.Type),
			slogError(err))
	}
}
