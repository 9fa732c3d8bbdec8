package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/eventstore"
	"github.com/loqalabs/loqa-glasses/internal/session"
)

func newTestAPI(t *testing.T) (*api, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	machine, err := session.New(cfg.Session, log)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	storeCfg := cfg.EventStore
	storeCfg.Path = filepath.Join(t.TempDir(), "events.db")
	store, err := eventstore.Open(context.Background(), storeCfg, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	a := &api{session: machine, store: store, device: "glasses-1", started: time.Now(), ready: func() bool { return true }, log: log}
	mux := http.NewServeMux()
	a.register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return a, srv
}

func getJSON(t *testing.T, url string, target any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestModeEndpointChangesState(t *testing.T) {
	a, srv := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/mode", "application/json", strings.NewReader(`{"mode":"sheep"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if a.session.Mode() != "sheep" {
		t.Fatalf("mode not applied: %s", a.session.Mode())
	}

	resp, err = http.Post(srv.URL+"/mode", "application/json", strings.NewReader(`{"mode":"disco"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", resp.StatusCode)
	}

	var state struct {
		State struct {
			Mode string `json:"mode"`
		} `json:"state"`
		SessionInfo struct {
			TotalCommands int `json:"total_commands"`
		} `json:"session_info"`
	}
	if code := getJSON(t, srv.URL+"/state", &state); code != http.StatusOK {
		t.Fatalf("state: %d", code)
	}
	if state.State.Mode != "sheep" || state.SessionInfo.TotalCommands != 1 {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestHistoryHonorsLimit(t *testing.T) {
	a, srv := newTestAPI(t)
	for _, text := range []string{"one", "two", "three"} {
		a.session.RecordSpeech(text)
	}

	var body struct {
		History []session.HistoryEntry `json:"history"`
		Count   int                    `json:"count"`
	}
	if code := getJSON(t, srv.URL+"/history?limit=2", &body); code != http.StatusOK {
		t.Fatalf("history: %d", code)
	}
	if body.Count != 2 || body.History[1].Data["speech"] != "three" {
		t.Fatalf("unexpected history %+v", body)
	}
	if code := getJSON(t, srv.URL+"/history?limit=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", code)
	}
}

func TestTimelineAndProbes(t *testing.T) {
	a, srv := newTestAPI(t)
	err := a.store.AppendEvent(context.Background(), eventstore.Event{
		SessionID: "glasses-1",
		Kind:      eventstore.KindAction,
		Type:      "tts",
		RefID:     "a-1",
		Payload:   []byte(`{"speech":"hi"}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	var timeline struct {
		Entries []timelineEntry `json:"entries"`
	}
	if code := getJSON(t, srv.URL+"/timeline", &timeline); code != http.StatusOK {
		t.Fatalf("timeline: %d", code)
	}
	if len(timeline.Entries) != 1 || timeline.Entries[0].RefID != "a-1" || string(timeline.Entries[0].Payload) != `{"speech":"hi"}` {
		t.Fatalf("unexpected timeline %+v", timeline)
	}

	var health map[string]any
	if code := getJSON(t, srv.URL+"/healthz", &health); code != http.StatusOK || health["mode"] != "conversational" {
		t.Fatalf("unexpected health %d %+v", code, health)
	}
	a.ready = func() bool { return false }
	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", code)
	}
}
