package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/eventstore"
	"github.com/loqalabs/loqa-glasses/internal/presence"
	"github.com/loqalabs/loqa-glasses/internal/session"
)

// api serves health probes and the session inspection endpoints.
type api struct {
	session  *session.Machine
	store    *eventstore.Store
	presence *presence.Registry
	device   string
	started  time.Time
	ready    func() bool
	log      *slog.Logger
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.HandleFunc("GET /state", a.handleState)
	mux.HandleFunc("GET /history", a.handleHistory)
	mux.HandleFunc("POST /mode", a.handleMode)
	mux.HandleFunc("GET /devices", a.handleDevices)
	mux.HandleFunc("GET /timeline", a.handleTimeline)
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"mode":           a.session.Mode(),
		"uptime_seconds": int(time.Since(a.started).Seconds()),
	})
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleState(w http.ResponseWriter, _ *http.Request) {
	stats := a.session.Stats()
	a.writeJSON(w, http.StatusOK, map[string]any{
		"state": a.session.Snapshot(),
		"session_info": map[string]any{
			"session_duration": stats.Duration.Seconds(),
			"total_commands":   stats.TotalCommands,
		},
	})
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 10)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	history := a.session.History(limit)
	a.writeJSON(w, http.StatusOK, map[string]any{"history": history, "count": len(history)})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (a *api) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	changed, err := a.session.SetMode(req.Mode, session.SourceExternal)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrInvalidMode) {
			status = http.StatusBadRequest
		}
		a.writeError(w, status, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"mode": a.session.Mode(), "changed": changed})
}

func (a *api) handleDevices(w http.ResponseWriter, _ *http.Request) {
	var devices []presence.Device
	if a.presence != nil {
		devices = a.presence.Devices()
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type timelineEntry struct {
	Kind      string          `json:"kind"`
	Type      string          `json:"type"`
	RefID     string          `json:"ref_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Failed    bool            `json:"failed"`
	CreatedAt time.Time       `json:"created_at"`
}

func (a *api) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = a.device
	}
	events, err := a.store.ListSessionEvents(r.Context(), sessionID, limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]timelineEntry, 0, len(events))
	for _, e := range events {
		entry := timelineEntry{Kind: e.Kind, Type: e.Type, RefID: e.RefID, Failed: e.Failed, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			entry.Payload = e.Payload
		}
		out = append(out, entry)
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "entries": out})
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.log.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}
