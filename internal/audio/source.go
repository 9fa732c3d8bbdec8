package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/bus"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Source yields fixed-duration frames until ctx is cancelled or the stream ends.
// The returned channel is closed when the source stops.
type Source interface {
	Frames(ctx context.Context) (<-chan protocol.AudioFrame, error)
}

// New builds the source selected by cfg.Source.
func New(cfg config.AudioConfig, busClient *bus.Client, logger *slog.Logger) (Source, error) {
	switch cfg.Source {
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("bus audio source requires a bus connection")
		}
		return NewBusSource(cfg, busClient, logger), nil
	case "file":
		return &WAVSource{Path: cfg.File, FrameDurationMS: cfg.FrameDurationMS, Realtime: true}, nil
	default:
		return nil, fmt.Errorf("unsupported audio source %q", cfg.Source)
	}
}

// BusSource reads AudioFrame payloads published on audio.frame.<device>.
type BusSource struct {
	cfg     config.AudioConfig
	bus     *bus.Client
	log     *slog.Logger
	dropped metric.Int64Counter
}

func NewBusSource(cfg config.AudioConfig, busClient *bus.Client, logger *slog.Logger) *BusSource {
	meter := otel.Meter("github.com/loqalabs/loqa-glasses/internal/audio")
	dropped, _ := meter.Int64Counter("glasses.audio.dropped_frames")
	return &BusSource{
		cfg:     cfg,
		bus:     busClient,
		log:     logger.With(slog.String("component", "audio")),
		dropped: dropped,
	}
}

func (s *BusSource) Frames(ctx context.Context) (<-chan protocol.AudioFrame, error) {
	queue := s.cfg.QueueSize
	if queue <= 0 {
		queue = 8
	}
	out := make(chan protocol.AudioFrame, queue)
	framers := make(map[string]*Framer)
	var mu sync.Mutex
	closed := false

	emit := func(frame protocol.AudioFrame) {
		select {
		case out <- frame:
		default:
			if s.dropped != nil {
				s.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("session_id", frame.SessionID)))
			}
		}
	}

	handler := func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.log.Warn("failed to decode audio frame", slogError(err))
			return
		}
		if frame.SessionID == "" {
			frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
		}
		if frame.SampleRate != 0 && frame.SampleRate != s.cfg.SampleRate {
			s.log.Warn("dropping frame with unexpected sample rate",
				slog.String("session_id", frame.SessionID),
				slog.Int("sample_rate", frame.SampleRate))
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		framer := framers[frame.SessionID]
		if framer == nil {
			framer = NewFramer(frame.SessionID, s.cfg.SampleRate, s.cfg.Channels, s.cfg.FrameDurationMS)
			framers[frame.SessionID] = framer
		}
		for _, f := range framer.Write(frame.PCM) {
			emit(f)
		}
		if frame.Final {
			emit(framer.Flush())
			delete(framers, frame.SessionID)
		}
	}

	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// WAVSource replays a 16-bit PCM WAV file as a single session.
type WAVSource struct {
	Path            string
	SessionID       string
	FrameDurationMS int
	// Realtime paces frames at their natural duration.
	Realtime bool
}

func (s *WAVSource) Frames(ctx context.Context) (<-chan protocol.AudioFrame, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	pcm, rate, channels, err := ReadWAV(file)
	file.Close()
	if err != nil {
		return nil, err
	}
	duration := s.FrameDurationMS
	if duration <= 0 {
		duration = 30
	}
	session := s.SessionID
	if session == "" {
		session = "file"
	}

	framer := NewFramer(session, rate, channels, duration)
	frames := framer.Write(pcm)
	frames = append(frames, framer.Flush())

	out := make(chan protocol.AudioFrame)
	go func() {
		defer close(out)
		var ticker *time.Ticker
		if s.Realtime {
			ticker = time.NewTicker(time.Duration(duration) * time.Millisecond)
			defer ticker.Stop()
		}
		for _, frame := range frames {
			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
		}
	}()
	return out, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
