// Package playback owns the lifecycle of spoken responses: at most one is ever
// speaking, and a cancellation always wins over a completion not yet recorded.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/interrupt"
	"github.com/loqalabs/loqa-glasses/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrDiscarded is returned when a synthesis result arrives for a session that is no
// longer current and pending.
var ErrDiscarded = errors.New("playback result discarded")

var errSynthTimeout = errors.New("synthesis produced no audio in time")

// Cancellation reasons.
const (
	ReasonInterrupted = "interrupted"
	ReasonPreempted   = "preempted"
	ReasonFailed      = "failed"
	ReasonShutdown    = "shutdown"
)

type State int

const (
	Pending State = iota
	Speaking
	Cancelled
	Completed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Speaking:
		return "speaking"
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Cancelled || s == Completed }

// Session is one spoken response from creation to release.
type Session struct {
	ID          string
	UtteranceID string
	StartedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	mu     *sync.Mutex
	state  State
	reason string
	watch  chan struct{}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session was cancelled, if it was.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Context is cancelled as soon as the session reaches a terminal state. Work done on
// behalf of the session (generation, synthesis) should run under it.
func (s *Session) Context() context.Context { return s.ctx }

// Transition is handed to observers for every state change. Creation is reported
// with From and To both Pending.
type Transition struct {
	SessionID   string
	UtteranceID string
	From        State
	To          State
	Reason      string
	At          time.Time
}

// Observer receives transitions in order. It runs under the controller lock and must
// not call back into the controller.
type Observer func(Transition)

// Notifier emits the user-visible side effects of cancellations and failures.
type Notifier interface {
	Acknowledge(s *Session, reason string)
	PlaybackFailed(s *Session, err error)
}

// Watcher listens for interruption cues while a session is speaking.
type Watcher interface {
	Watch(ctx context.Context, sessionID string) (interrupt.Interruption, bool)
}

// Sink receives synthesized audio. Write must return promptly once ctx is done.
type Sink interface {
	Write(ctx context.Context, playbackID string, chunk tts.SynthChunk) error
}

type Controller struct {
	cfg      config.PlaybackConfig
	synth    tts.Synthesizer
	sink     Sink
	watcher  Watcher
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	active      *Session
	observers   []Observer
	onInterrupt func(interrupt.Interruption)
	closed      bool

	wg sync.WaitGroup

	transitions   metric.Int64Counter
	interruptions metric.Int64Counter
	failures      metric.Int64Counter
}

// NewController wires a controller. watcher and notifier may be nil.
func NewController(cfg config.PlaybackConfig, synth tts.Synthesizer, sink Sink, watcher Watcher, notifier Notifier, logger *slog.Logger) *Controller {
	meter := otel.Meter("github.com/loqalabs/loqa-glasses/internal/playback")
	transitions, _ := meter.Int64Counter("glasses.playback.transitions")
	interruptions, _ := meter.Int64Counter("glasses.playback.interruptions")
	failures, _ := meter.Int64Counter("glasses.playback.failures")
	return &Controller{
		cfg:           cfg,
		synth:         synth,
		sink:          sink,
		watcher:       watcher,
		notifier:      notifier,
		log:           logger.With(slog.String("component", "playback")),
		now:           time.Now,
		transitions:   transitions,
		interruptions: interruptions,
		failures:      failures,
	}
}

// Observe registers an observer for every future transition.
func (c *Controller) Observe(fn Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// OnInterrupt registers the handler for cues detected while speaking. It runs after
// the acknowledgment has been emitted.
func (c *Controller) OnInterrupt(fn func(interrupt.Interruption)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInterrupt = fn
}

// Active returns the current non-terminal session, if any.
func (c *Controller) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Speaking reports whether a response is being spoken right now.
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.state == Speaking
}

// Begin creates a pending session for an utterance, cancelling whatever was active.
func (c *Controller) Begin(utteranceID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:          uuid.NewString(),
		UtteranceID: utteranceID,
		ctx:         ctx,
		cancel:      cancel,
		mu:          &c.mu,
		state:       Pending,
	}

	c.mu.Lock()
	s.StartedAt = c.now()
	prev := c.active
	preempted := prev != nil && c.transitionLocked(prev, Cancelled, ReasonPreempted)
	if c.closed {
		c.transitionLocked(s, Cancelled, ReasonShutdown)
	} else {
		c.active = s
		c.emitLocked(s, Pending, Pending, "")
	}
	c.mu.Unlock()

	if preempted {
		c.acknowledge(prev, ReasonPreempted)
	}
	return s
}

// Interrupt cancels the active session. It returns the cancelled session, or nil when
// nothing was active.
func (c *Controller) Interrupt(reason string) *Session {
	c.mu.Lock()
	s := c.active
	cancelled := s != nil && c.transitionLocked(s, Cancelled, reason)
	c.mu.Unlock()
	if !cancelled {
		return nil
	}
	c.acknowledge(s, reason)
	return s
}

// Release completes a pending session that produced no speech.
func (c *Controller) Release(s *Session) {
	c.mu.Lock()
	if s.state == Pending {
		c.transitionLocked(s, Completed, "no_speech")
	}
	c.mu.Unlock()
}

// Speak synthesizes req and streams it to the sink under the session context. It
// returns the state the session ended in.
func (c *Controller) Speak(s *Session, req tts.SynthRequest) (State, error) {
	chunks, errs := c.synth.Synthesize(s.ctx, req)

	var firstChunk <-chan time.Time
	if c.cfg.SynthTimeoutMS > 0 {
		timer := time.NewTimer(time.Duration(c.cfg.SynthTimeoutMS) * time.Millisecond)
		defer timer.Stop()
		firstChunk = timer.C
	}

	started := false
	var failure error
loop:
	for {
		select {
		case <-firstChunk:
			failure = errSynthTimeout
			break loop
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if !started {
				firstChunk = nil
				if !c.startSpeaking(s) {
					c.waitWatch(s)
					return s.State(), ErrDiscarded
				}
				started = true
			}
			if err := c.sink.Write(s.ctx, s.ID, chunk); err != nil {
				if s.ctx.Err() == nil {
					failure = fmt.Errorf("sink: %w", err)
				}
				break loop
			}
		}
	}
	if failure == nil {
		if err := <-errs; err != nil && s.ctx.Err() == nil {
			failure = fmt.Errorf("synthesize: %w", err)
		}
	}

	if failure != nil {
		c.fail(s, failure)
		c.waitWatch(s)
		return s.State(), failure
	}

	c.mu.Lock()
	switch s.state {
	case Speaking:
		c.transitionLocked(s, Completed, "")
	case Pending:
		// Nothing was synthesized.
		c.transitionLocked(s, Completed, "no_speech")
	}
	state := s.state
	c.mu.Unlock()
	c.waitWatch(s)

	if !started && state == Cancelled {
		return state, ErrDiscarded
	}
	return state, nil
}

// Close cancels the active session without acknowledgment and waits for watchers.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.active != nil {
		c.transitionLocked(c.active, Cancelled, ReasonShutdown)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) startSpeaking(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != s || s.state != Pending {
		return false
	}
	c.transitionLocked(s, Speaking, "")
	if c.watcher != nil {
		s.watch = make(chan struct{})
		c.wg.Add(1)
		go c.watchSession(s)
	}
	return true
}

func (c *Controller) watchSession(s *Session) {
	defer c.wg.Done()
	defer close(s.watch)
	in, ok := c.watcher.Watch(s.ctx, s.ID)
	if !ok {
		return
	}
	c.mu.Lock()
	cancelled := c.transitionLocked(s, Cancelled, ReasonInterrupted)
	handler := c.onInterrupt
	c.mu.Unlock()
	if !cancelled {
		return
	}
	if c.interruptions != nil {
		c.interruptions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cue", in.Cue)))
	}
	c.acknowledge(s, ReasonInterrupted)
	if handler != nil {
		handler(in)
	}
}

// waitWatch joins the session's watcher, which exits once the session context is
// cancelled on its terminal transition.
func (c *Controller) waitWatch(s *Session) {
	c.mu.Lock()
	done := s.watch
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Controller) fail(s *Session, err error) {
	c.mu.Lock()
	failed := c.transitionLocked(s, Cancelled, ReasonFailed)
	c.mu.Unlock()
	if !failed {
		return
	}
	if c.failures != nil {
		c.failures.Add(context.Background(), 1)
	}
	c.log.Warn("playback failed", slog.String("playback_id", s.ID), slogError(err))
	if c.notifier != nil {
		c.notifier.PlaybackFailed(s, err)
	}
}

func (c *Controller) acknowledge(s *Session, reason string) {
	c.log.Info("playback cancelled",
		slog.String("playback_id", s.ID),
		slog.String("utterance_id", s.UtteranceID),
		slog.String("reason", reason))
	if c.notifier != nil {
		c.notifier.Acknowledge(s, reason)
	}
}

// transitionLocked moves s into a terminal or speaking state. It is the only place a
// session state changes, and it refuses to leave a terminal state.
func (c *Controller) transitionLocked(s *Session, to State, reason string) bool {
	from := s.state
	if from.Terminal() {
		return false
	}
	switch to {
	case Speaking:
		if from != Pending {
			return false
		}
	case Cancelled, Completed:
	default:
		return false
	}
	s.state = to
	if to.Terminal() {
		s.reason = reason
		s.cancel()
		if c.active == s {
			c.active = nil
		}
	}
	c.emitLocked(s, from, to, reason)
	return true
}

func (c *Controller) emitLocked(s *Session, from, to State, reason string) {
	if c.transitions != nil {
		c.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("to", to.String()),
			attribute.String("reason", reason)))
	}
	t := Transition{SessionID: s.ID, UtteranceID: s.UtteranceID, From: from, To: to, Reason: reason, At: c.now()}
	for _, fn := range c.observers {
		fn(t)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
