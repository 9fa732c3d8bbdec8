// Package dispatch turns generator output into validated outbound actions and hands
// them to the transport.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/llm"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/loqalabs/loqa-glasses/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const recentActions = 256

// ErrLocalOnly accompanies error actions that record a delivery failure. They are
// observed but never transmitted.
var ErrLocalOnly = errors.New("recorded locally, not transmitted")

// Transport delivers one action to the glasses.
type Transport interface {
	Send(ctx context.Context, a protocol.Action) error
}

// Recorder keeps the command history.
type Recorder interface {
	RecordAction(a protocol.Action, success bool)
}

// Observer sees every action the dispatcher attempted, with the transport error if any.
type Observer func(a protocol.Action, err error)

// Sent describes a recently dispatched action.
type Sent struct {
	Action protocol.ActionType
	At     time.Time
}

// directives the model is allowed to request.
var modelActions = map[protocol.ActionType]bool{
	protocol.ActionTTS:          true,
	protocol.ActionPlaySong:     true,
	protocol.ActionPlayVideo:    true,
	protocol.ActionCreateVisual: true,
	protocol.ActionChangeMode:   true,
}

type Dispatcher struct {
	transport Transport
	recorder  Recorder
	timeout   time.Duration
	log       *slog.Logger
	now       func() time.Time
	observers []Observer
	recent    *lru.Cache[string, Sent]

	sent     metric.Int64Counter
	failures metric.Int64Counter
}

// New builds a dispatcher. recorder may be nil.
func New(cfg config.DispatchConfig, transport Transport, recorder Recorder, logger *slog.Logger) *Dispatcher {
	recent, _ := lru.New[string, Sent](recentActions)
	meter := otel.Meter("github.com/loqalabs/loqa-glasses/internal/dispatch")
	sent, _ := meter.Int64Counter("glasses.dispatch.actions")
	failures, _ := meter.Int64Counter("glasses.dispatch.transmit_failures")
	return &Dispatcher{
		transport: transport,
		recorder:  recorder,
		timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		log:       logger.With(slog.String("component", "dispatch")),
		now:       time.Now,
		recent:    recent,
		sent:      sent,
		failures:  failures,
	}
}

// SetClock overrides the timestamp source.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Observe registers an observer. Not safe to call once actions are flowing.
func (d *Dispatcher) Observe(fn Observer) { d.observers = append(d.observers, fn) }

func (d *Dispatcher) newAction(t protocol.ActionType, data map[string]any) protocol.Action {
	return protocol.Action{Action: t, Data: data, Timestamp: d.now().UTC(), ActionID: uuid.NewString()}
}

// TTS builds a speech action carrying the current output preferences.
func (d *Dispatcher) TTS(speech string, cfg session.Config) protocol.Action {
	return d.newAction(protocol.ActionTTS, map[string]any{
		"speech":     speech,
		"voice_type": cfg.Voice,
		"volume":     cfg.Volume,
		"captions":   cfg.Captions,
	})
}

// Acknowledge confirms a cancellation. ref names the cancelled playback.
func (d *Dispatcher) Acknowledge(message, ref string) protocol.Action {
	data := map[string]any{"message": message}
	if ref != "" {
		data["ref"] = ref
	}
	return d.newAction(protocol.ActionAcknowledge, data)
}

func (d *Dispatcher) Error(message, code string) protocol.Action {
	return d.newAction(protocol.ActionError, map[string]any{"error_message": message, "error_code": code})
}

func (d *Dispatcher) ChangeMode(mode protocol.Mode) protocol.Action {
	return d.newAction(protocol.ActionChangeMode, map[string]any{"mode": string(mode)})
}

// ConfigSend echoes the applied output preferences back to the glasses.
func (d *Dispatcher) ConfigSend(cfg session.Config) protocol.Action {
	return d.newAction(protocol.ActionConfigSend, map[string]any{
		"voice_type": cfg.Voice,
		"volume":     cfg.Volume,
		"captions":   cfg.Captions,
	})
}

// Build maps the reply's directives to actions in generation order. A directive that
// is unknown or fails its schema becomes an invalid_action error in its place. Speech
// directives contribute only their text and speed; voice, volume and captions always
// come from cfg.
func (d *Dispatcher) Build(reply llm.Reply, cfg session.Config) []protocol.Action {
	out := make([]protocol.Action, 0, len(reply.Directives))
	for _, dir := range reply.Directives {
		t := protocol.ActionType(dir.Action)
		var data map[string]any
		if t == protocol.ActionTTS {
			data = speechData(dir.Data, cfg)
		} else {
			data = make(map[string]any, len(dir.Data))
			for k, v := range dir.Data {
				data[k] = v
			}
		}
		a := d.newAction(t, data)
		err := protocol.ValidateAction(a)
		if err == nil && !modelActions[t] {
			err = fmt.Errorf("%w: %s cannot be requested by the model", protocol.ErrInvalidAction, t)
		}
		if err != nil {
			d.log.Warn("dropping invalid directive", slog.String("action", dir.Action), slogError(err))
			out = append(out, d.Error(err.Error(), protocol.ErrCodeInvalidAct))
			continue
		}
		out = append(out, a)
	}
	return out
}

// Send validates and transmits an action within the configured timeout. A failure is
// logged, counted and recorded as an unsent error action; it is never retried.
func (d *Dispatcher) Send(ctx context.Context, a protocol.Action) error {
	if err := protocol.ValidateAction(a); err != nil {
		d.finish(a, err)
		return err
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	err := d.transport.Send(ctx, a)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		err = fmt.Errorf("send %s: %w", a.Action, err)
	}
	d.finish(a, err)
	return err
}

// SendAll sends actions in order, continuing past failures. It returns the joined errors.
func (d *Dispatcher) SendAll(ctx context.Context, actions []protocol.Action) error {
	var errs []error
	for _, a := range actions {
		if err := d.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns a recently sent action by id.
func (d *Dispatcher) Lookup(actionID string) (Sent, bool) {
	return d.recent.Get(actionID)
}

func (d *Dispatcher) finish(a protocol.Action, err error) {
	attrs := metric.WithAttributes(attribute.String("action", string(a.Action)))
	if err == nil {
		d.recent.Add(a.ActionID, Sent{Action: a.Action, At: a.Timestamp})
		if d.sent != nil {
			d.sent.Add(context.Background(), 1, attrs)
		}
		d.log.Debug("action sent", slog.String("action", string(a.Action)), slog.String("action_id", a.ActionID))
	} else {
		if d.failures != nil {
			d.failures.Add(context.Background(), 1, attrs)
		}
		local := d.Error(err.Error(), protocol.ErrCodeTransmit)
		if errors.Is(err, protocol.ErrInvalidAction) {
			local = d.Error(err.Error(), protocol.ErrCodeInvalidAct)
		}
		d.log.Warn("action not delivered",
			slog.String("action", string(a.Action)),
			slog.String("action_id", a.ActionID),
			slog.String("error_code", local.Data["error_code"].(string)),
			slogError(err))
		for _, fn := range d.observers {
			fn(local, ErrLocalOnly)
		}
	}
	if d.recorder != nil {
		d.recorder.RecordAction(a, err == nil)
	}
	for _, fn := range d.observers {
		fn(a, err)
	}
}

func speechData(directive map[string]any, cfg session.Config) map[string]any {
	data := map[string]any{
		"voice_type": cfg.Voice,
		"volume":     cfg.Volume,
		"captions":   cfg.Captions,
	}
	for _, key := range []string{"speech", "speed"} {
		if v, ok := directive[key]; ok {
			data[key] = v
		}
	}
	return data
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
