// Package session holds the assistant's mode, output preferences and command history.
// Machine is the only writer; everyone else reads snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/loqalabs/loqa-glasses/internal/textnorm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrInvalidMode = errors.New("invalid mode")

// Mode change sources.
const (
	SourceAction   = "action"
	SourceExternal = "external"
	SourceWake     = "wake"
)

// Config is the set of output preferences applied to every spoken action.
type Config struct {
	Voice    string  `json:"voice_type"`
	Volume   float64 `json:"volume"`
	Captions bool    `json:"captions"`
}

// Update carries a partial Config change. Nil fields are left untouched.
type Update struct {
	Voice    *string
	Volume   *float64
	Captions *bool
}

type HistoryEntry struct {
	Timestamp    time.Time      `json:"timestamp"`
	CommandType  string         `json:"command_type"`
	Data         map[string]any `json:"data,omitempty"`
	Mode         protocol.Mode  `json:"mode"`
	Success      bool           `json:"success"`
	ResponseTime time.Duration  `json:"response_time,omitempty"`
}

// State is a deep copy of the machine taken at one instant.
type State struct {
	Mode    protocol.Mode  `json:"mode"`
	Config  Config         `json:"config"`
	History []HistoryEntry `json:"recent_history"`
}

// Stats summarizes the session for the generator context.
type Stats struct {
	Duration      time.Duration `json:"session_duration"`
	TotalCommands int           `json:"total_commands"`
}

func (s Stats) String() string {
	return fmt.Sprintf("duration=%ds commands=%d", int(s.Duration.Seconds()), s.TotalCommands)
}

// ModeListener is told about every mode change after it has been applied.
type ModeListener func(protocol.ModeChanged)

type Machine struct {
	contextSize int
	historySize int
	wakeCues    []string
	log         *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	mode      protocol.Mode
	cfg       Config
	history   []HistoryEntry
	total     int
	firstSeen time.Time
	listeners []ModeListener

	modeChanges metric.Int64Counter
	commands    metric.Int64Counter
}

func New(cfg config.SessionConfig, logger *slog.Logger) (*Machine, error) {
	mode, err := protocol.ParseMode(cfg.InitialMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 50
	}
	contextSize := cfg.ContextSize
	if contextSize <= 0 || contextSize > historySize {
		contextSize = historySize
	}
	cues := make([]string, 0, len(cfg.WakeCues))
	for _, c := range cfg.WakeCues {
		if n := normalize(c); n != "" {
			cues = append(cues, n)
		}
	}
	meter := otel.Meter("github.com/loqalabs/loqa-glasses/internal/session")
	modeChanges, _ := meter.Int64Counter("glasses.session.mode_changes")
	commands, _ := meter.Int64Counter("glasses.session.commands")
	return &Machine{
		contextSize: contextSize,
		historySize: historySize,
		wakeCues:    cues,
		log:         logger.With(slog.String("component", "session")),
		now:         time.Now,
		mode:        mode,
		cfg: Config{
			Voice:    cfg.DefaultVoice,
			Volume:   clampVolume(cfg.Volume),
			Captions: cfg.Captions,
		},
		modeChanges: modeChanges,
		commands:    commands,
	}, nil
}

// SetClock overrides the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// OnModeChange registers a listener for mode transitions.
func (m *Machine) OnModeChange(fn ModeListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Snapshot returns a deep copy of the mode, config and the most recent history.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Mode: m.mode, Config: m.cfg, History: m.recentLocked(m.contextSize)}
}

// History returns up to limit of the most recent entries, oldest first.
func (m *Machine) History(limit int) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentLocked(limit)
}

func (m *Machine) Mode() protocol.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Machine) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetMode validates and applies a mode. It reports whether the mode changed;
// setting the current mode again is a no-op.
func (m *Machine) SetMode(mode, source string) (bool, error) {
	next, err := protocol.ParseMode(mode)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}

	m.mu.Lock()
	prev := m.mode
	if prev == next {
		m.mu.Unlock()
		return false, nil
	}
	m.mode = next
	at := m.now()
	m.appendLocked(HistoryEntry{
		Timestamp:   at,
		CommandType: "mode_changed",
		Data:        map[string]any{"mode": string(next), "previous": string(prev), "source": source},
		Mode:        next,
		Success:     true,
	})
	listeners := append([]ModeListener(nil), m.listeners...)
	m.mu.Unlock()

	if m.modeChanges != nil {
		m.modeChanges.Add(context.Background(), 1, metric.WithAttributes(attribute.String("mode", string(next))))
	}
	m.log.Info("mode changed",
		slog.String("mode", string(next)),
		slog.String("previous", string(prev)),
		slog.String("source", source))
	evt := protocol.ModeChanged{Mode: string(next), Previous: string(prev), Source: source, Timestamp: at.UTC()}
	for _, fn := range listeners {
		fn(evt)
	}
	return true, nil
}

// IsWakeCue reports whether text contains one of the configured wake phrases.
func (m *Machine) IsWakeCue(text string) bool {
	padded := " " + normalize(text) + " "
	for _, cue := range m.wakeCues {
		if strings.Contains(padded, " "+cue+" ") {
			return true
		}
	}
	return false
}

// Wake leaves zzz mode when text carries a wake phrase. It reports whether the
// assistant woke up.
func (m *Machine) Wake(text string) bool {
	if m.Mode() != protocol.ModeZzz || !m.IsWakeCue(text) {
		return false
	}
	changed, err := m.SetMode(string(protocol.ModeConversational), SourceWake)
	return err == nil && changed
}

// RecordSpeech appends an inbound utterance.
func (m *Machine) RecordSpeech(text string) {
	m.record("receive_speech", map[string]any{"speech": text}, true, 0)
}

// RecordAction appends an outbound action as sent_<action>.
func (m *Machine) RecordAction(a protocol.Action, success bool) {
	data := make(map[string]any, len(a.Data)+1)
	for k, v := range a.Data {
		data[k] = v
	}
	data["action_id"] = a.ActionID
	m.record("sent_"+string(a.Action), data, success, 0)
}

// DoneCommand records completion of a dispatched command. Any status other than
// completed, success or ok is recorded as a failure. It returns the success flag.
func (m *Machine) DoneCommand(commandID, status string, took time.Duration) bool {
	ok := status == "completed" || status == "success" || status == "ok"
	m.record("done_command", map[string]any{"command_id": commandID, "status": status}, ok, took)
	return ok
}

// DoneStory records that a story finished rendering on the glasses.
func (m *Machine) DoneStory(storyID string, took time.Duration) {
	m.record("done_story", map[string]any{"story_id": storyID}, true, took)
}

// ApplyConfig merges an update atomically and returns the resulting Config.
// Volume is clamped to 0..1.
func (m *Machine) ApplyConfig(u Update) Config {
	m.mu.Lock()
	data := map[string]any{}
	if u.Voice != nil && strings.TrimSpace(*u.Voice) != "" {
		m.cfg.Voice = strings.TrimSpace(*u.Voice)
		data["voice_type"] = m.cfg.Voice
	}
	if u.Volume != nil {
		m.cfg.Volume = clampVolume(*u.Volume)
		data["volume"] = m.cfg.Volume
	}
	if u.Captions != nil {
		m.cfg.Captions = *u.Captions
		data["captions"] = m.cfg.Captions
	}
	cfg := m.cfg
	m.appendLocked(HistoryEntry{Timestamp: m.now(), CommandType: "config_send", Data: data, Mode: m.mode, Success: true})
	m.mu.Unlock()
	return cfg
}

// Stats reports the time since the first recorded command and the total number of
// commands seen, including those already evicted from history.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var d time.Duration
	if !m.firstSeen.IsZero() {
		d = m.now().Sub(m.firstSeen)
	}
	return Stats{Duration: d, TotalCommands: m.total}
}

func (m *Machine) record(kind string, data map[string]any, success bool, took time.Duration) {
	m.mu.Lock()
	m.appendLocked(HistoryEntry{
		Timestamp:    m.now(),
		CommandType:  kind,
		Data:         data,
		Mode:         m.mode,
		Success:      success,
		ResponseTime: took,
	})
	m.mu.Unlock()
	if m.commands != nil {
		m.commands.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", kind)))
	}
}

func (m *Machine) appendLocked(e HistoryEntry) {
	if m.firstSeen.IsZero() {
		m.firstSeen = e.Timestamp
	}
	m.total++
	if len(m.history) == m.historySize {
		copy(m.history, m.history[1:])
		m.history = m.history[:len(m.history)-1]
	}
	m.history = append(m.history, e)
}

func (m *Machine) recentLocked(limit int) []HistoryEntry {
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	src := m.history[len(m.history)-limit:]
	out := make([]HistoryEntry, len(src))
	for i, e := range src {
		out[i] = e
		if e.Data != nil {
			data := make(map[string]any, len(e.Data))
			for k, v := range e.Data {
				data[k] = v
			}
			out[i].Data = data
		}
	}
	return out
}

func clampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func normalize(s string) string {
	return textnorm.Phrase(s)
}
