package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "glasses-1"
	if err := es.AppendSession(context.Background(), sessionID, "glasses"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Kind: KindEvent, Type: "receive_speech", Payload: []byte(`{"speech":"hello"}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Kind: KindAction, Type: "tts", RefID: "a-1", Failed: true}); err != nil {
		t.Fatalf("append action: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if string(events[0].Payload) != `{"speech":"hello"}` || events[0].Kind != KindEvent {
		t.Fatalf("unexpected first entry: %+v", events[0])
	}
	if events[1].RefID != "a-1" || !events[1].Failed || events[1].CreatedAt.IsZero() {
		t.Fatalf("unexpected second entry: %+v", events[1])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", "glasses"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Kind: KindMode, Type: "mode_changed"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", "glasses"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestJournalWritesQueuedEntriesOnClose(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	j := NewJournal(context.Background(), es, 16, newLogger())
	j.Start()
	j.Record("glasses-1", KindPlayback, "speaking", "pb-1", map[string]string{"utterance_id": "u-1"}, false)
	j.Record("glasses-1", KindPlayback, "cancelled", "pb-1", map[string]string{"reason": "interrupted"}, false)
	j.Close()
	j.Record("glasses-1", KindPlayback, "late", "pb-1", nil, false)

	events, err := es.ListSessionEvents(context.Background(), "glasses-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != "speaking" || events[1].Type != "cancelled" {
		t.Fatalf("unexpected journal entries %+v", events)
	}
	if string(events[1].Payload) != `{"reason":"interrupted"}` {
		t.Fatalf("unexpected payload %s", events[1].Payload)
	}
}
