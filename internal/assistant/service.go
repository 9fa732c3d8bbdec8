// Package assistant drives one pair of glasses: it segments the microphone stream,
// answers each utterance and inbound event, and keeps playback interruptible.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/audio"
	"github.com/loqalabs/loqa-glasses/internal/bus"
	"github.com/loqalabs/loqa-glasses/internal/classifier"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/dispatch"
	"github.com/loqalabs/loqa-glasses/internal/eventstore"
	"github.com/loqalabs/loqa-glasses/internal/interrupt"
	"github.com/loqalabs/loqa-glasses/internal/llm"
	"github.com/loqalabs/loqa-glasses/internal/playback"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/loqalabs/loqa-glasses/internal/session"
	"github.com/loqalabs/loqa-glasses/internal/stt"
	"github.com/loqalabs/loqa-glasses/internal/tts"
	"github.com/loqalabs/loqa-glasses/internal/vad"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Deps are the components the assistant coordinates. Bus, Source and Journal may be nil.
type Deps struct {
	Bus         *bus.Client
	Source      audio.Source
	Segmenter   *vad.Segmenter
	Monitor     *interrupt.Monitor
	Transcriber *stt.Transcriber
	Classifier  *classifier.Classifier
	Responder   *llm.Responder
	Playback    *playback.Controller
	Session     *session.Machine
	Dispatcher  *dispatch.Dispatcher
	Journal     *eventstore.Journal
}

// job is one unit of work for the request worker: an utterance to transcribe, a
// transcript, or an inbound event.
type job struct {
	utterance *vad.Utterance
	sessionID string
	text      string
	event     protocol.EventType
	payload   any
	received  time.Time
}

type Service struct {
	cfg    config.Config
	deps   Deps
	device string
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  chan job
	subs   []*nats.Subscription

	mu         sync.Mutex
	lastCancel time.Time
	handedOff  bool

	utterances  metric.Int64Counter
	dropped     metric.Int64Counter
	genFailures metric.Int64Counter
	latency     metric.Float64Histogram
}

func New(parent context.Context, cfg config.Config, deps Deps, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	size := cfg.Audio.QueueSize
	if size <= 0 {
		size = 8
	}
	device := cfg.Gateway.DeviceID
	if device == "" {
		device = cfg.RuntimeName
	}
	meter := otel.Meter("github.com/loqalabs/loqa-glasses/internal/assistant")
	utterances, _ := meter.Int64Counter("glasses.assistant.requests")
	dropped, _ := meter.Int64Counter("glasses.assistant.dropped_requests")
	genFailures, _ := meter.Int64Counter("glasses.assistant.generation_failures")
	latency, _ := meter.Float64Histogram("glasses.assistant.response_latency_ms")

	s := &Service{
		cfg:         cfg,
		deps:        deps,
		device:      device,
		log:         logger.With(slog.String("component", "assistant")),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-glasses/internal/assistant"),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan job, size),
		utterances:  utterances,
		dropped:     dropped,
		genFailures: genFailures,
		latency:     latency,
	}
	deps.Playback.OnInterrupt(s.handleInterruption)
	deps.Playback.Observe(s.recordTransition)
	deps.Dispatcher.Observe(s.recordAction)
	deps.Session.OnModeChange(s.publishModeChange)
	return s
}

// Start launches the request worker, the frame loop when an audio source is set, and
// the inbound bus subscriptions when a bus is set.
func (s *Service) Start() error {
	s.wg.Add(1)
	go s.worker()

	if s.deps.Source != nil {
		frames, err := s.deps.Source.Frames(s.ctx)
		if err != nil {
			return fmt.Errorf("open audio source: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Run(s.ctx, frames)
		}()
	}

	if s.deps.Bus == nil {
		return nil
	}
	conn := s.deps.Bus.Conn()
	sub, err := conn.Subscribe(protocol.SubjectEventPrefix+".*", s.handleEventMsg)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	s.subs = append(s.subs, sub)
	partials, err := conn.Subscribe(protocol.SubjectTranscriptPartial, s.handlePartial)
	if err != nil {
		return fmt.Errorf("subscribe partial transcripts: %w", err)
	}
	s.subs = append(s.subs, partials)
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.deps.Playback.Close()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ctx.Err() == nil && (s.deps.Bus == nil || len(s.subs) == 2)
}

// Run is the frame loop. Every frame goes to the interruption monitor and the
// segmenter; completed utterances are queued for the worker. It never waits on the
// request path.
func (s *Service) Run(ctx context.Context, frames <-chan protocol.AudioFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if u, _ := s.deps.Segmenter.Flush(); u != nil {
					s.enqueue(job{utterance: u, sessionID: u.SessionID})
				}
				return
			}
			s.deps.Monitor.Feed(frame)
			u, _ := s.deps.Segmenter.Push(frame)
			if u == nil && frame.Final {
				u, _ = s.deps.Segmenter.Flush()
			}
			if u != nil {
				s.enqueue(job{utterance: u, sessionID: u.SessionID})
			}
		}
	}
}

// Say queues a transcript as if the user had spoken it.
func (s *Service) Say(sessionID, text string) {
	s.enqueue(job{sessionID: sessionID, text: text})
}

// HandleEvent validates and queues an inbound glasses event.
func (s *Service) HandleEvent(eventType protocol.EventType, data []byte) error {
	evt, err := protocol.DecodeEvent(eventType, data)
	if err != nil {
		s.record(eventstore.KindEvent, eventType, nil, true)
		return err
	}
	s.record(eventstore.KindEvent, eventType, evt, false)

	if speech, ok := evt.(protocol.ReceiveSpeech); ok {
		if s.interruptWithText(speech.Speech) {
			return nil
		}
	}
	s.enqueue(job{sessionID: s.sessionFor(evt), event: eventType, payload: evt})
	return nil
}

func (s *Service) handleEventMsg(msg *nats.Msg) {
	eventType := protocol.EventType(strings.TrimPrefix(msg.Subject, protocol.SubjectEventPrefix+"."))
	if err := s.HandleEvent(eventType, msg.Data); err != nil {
		s.log.Warn("rejected inbound event", slog.String("event", string(eventType)), slogError(err))
	}
}

func (s *Service) handlePartial(msg *nats.Msg) {
	var t protocol.Transcript
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		return
	}
	s.deps.Monitor.ObserveTranscript(t.Text)
}

// interruptWithText treats recognized speech carrying a cue as an interruption when
// something is playing. It reports whether the text was consumed that way.
func (s *Service) interruptWithText(text string) bool {
	if s.deps.Playback.Active() == nil {
		return false
	}
	cue, rest, ok := s.deps.Monitor.Cues().Match(text)
	if !ok {
		return false
	}
	cancelled := s.deps.Playback.Interrupt(playback.ReasonInterrupted)
	if cancelled == nil {
		return false
	}
	s.handleInterruption(interrupt.Interruption{SessionID: cancelled.ID, Cue: cue, Remainder: rest, Transcript: text, Final: true, At: s.now()})
	return true
}

// handleInterruption runs after the cancelled playback was acknowledged. A remainder
// from a complete transcript is a new request. A partial match only cancels: the
// segmenter still delivers the whole utterance, which afterCancel strips of its cue.
func (s *Service) handleInterruption(in interrupt.Interruption) {
	rest := strings.TrimSpace(in.Remainder)
	handOff := in.Final && rest != ""
	s.mu.Lock()
	s.lastCancel = s.now()
	s.handedOff = handOff
	s.mu.Unlock()
	if handOff {
		s.log.Info("continuing with speech after cue", slog.String("cue", in.Cue))
		s.enqueue(job{sessionID: s.device, text: rest})
	}
}

func (s *Service) enqueue(j job) {
	j.received = s.now()
	select {
	case <-s.ctx.Done():
	case s.queue <- j:
	default:
		if s.dropped != nil {
			s.dropped.Add(context.Background(), 1)
		}
		s.log.Warn("request queue full, dropping", slog.String("event", string(j.event)))
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.queue:
			s.process(j)
		}
	}
}

func (s *Service) process(j job) {
	switch {
	case j.utterance != nil:
		u := j.utterance
		res, err := s.deps.Transcriber.Final(s.ctx, u.SessionID, u.ID, u.PCM(), u.SampleRate, u.Channels)
		if err != nil {
			s.log.Warn("transcription failed", slog.String("utterance_id", u.ID), slogError(err))
			return
		}
		u.Transcript = res.Text
		text, ok := s.afterCancel(res.Text)
		if !ok {
			return
		}
		s.respond(j.sessionID, u.ID, text, j.received)
	case j.event != "":
		s.processEvent(j)
	default:
		s.respond(j.sessionID, "", j.text, j.received)
	}
}

// afterCancel drops or trims an utterance that carried the cue which just cancelled
// playback, so the cue is not answered twice.
func (s *Service) afterCancel(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	cues := s.deps.Monitor.Cues()
	if _, _, ok := cues.Match(text); !ok {
		return text, true
	}
	s.mu.Lock()
	recent := !s.lastCancel.IsZero() && s.now().Sub(s.lastCancel) <= time.Duration(s.cfg.Playback.RecentCancelMS)*time.Millisecond
	handedOff := s.handedOff
	if recent {
		// Only the utterance that carried the cue is affected.
		s.lastCancel = time.Time{}
		s.handedOff = false
	}
	s.mu.Unlock()
	if !recent {
		return text, true
	}
	if handedOff {
		return "", false
	}
	rest := strings.TrimSpace(cues.StripCue(text))
	return rest, rest != ""
}

func (s *Service) processEvent(j job) {
	switch evt := j.payload.(type) {
	case protocol.ReceiveSpeech:
		if evt.Mode != "" {
			s.setMode(evt.Mode, session.SourceExternal)
		}
		s.respond(j.sessionID, "", evt.Speech, j.received)
	case protocol.DoneCommand:
		took := time.Duration(evt.Duration * float64(time.Second))
		if sent, ok := s.deps.Dispatcher.Lookup(evt.CommandID); ok {
			took = s.now().Sub(sent.At)
		}
		if !s.deps.Session.DoneCommand(evt.CommandID, evt.Status, took) {
			s.followUp(j.sessionID, string(protocol.EventDoneCommand), evt.Status)
		}
	case protocol.DoneStory:
		s.deps.Session.DoneStory(evt.StoryID, time.Duration(evt.Duration*float64(time.Second)))
		s.followUp(j.sessionID, string(protocol.EventDoneStory), "")
	case protocol.ConfigSend:
		cfg := s.deps.Session.ApplyConfig(session.Update{Voice: evt.VoiceType, Volume: evt.Volume, Captions: evt.Captions})
		s.send(s.deps.Dispatcher.ConfigSend(cfg))
	case protocol.ModeSet:
		s.setMode(evt.Mode, session.SourceExternal)
	}
}

// respond answers one transcript: classify, generate under a fresh playback session,
// dispatch the directives and speak the reply.
func (s *Service) respond(sessionID, utteranceID, text string, received time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	ctx, span := s.tracer.Start(s.ctx, "assistant.respond", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("utterance_id", utteranceID)))
	defer span.End()

	s.deps.Session.RecordSpeech(text)
	if s.deps.Session.Wake(text) {
		s.log.Info("woke from zzz", slog.String("session_id", sessionID))
	}
	snap := s.deps.Session.Snapshot()
	result := s.deps.Classifier.Classify(text, snap.Mode)
	span.SetAttributes(attribute.String("category", string(result.Category)), attribute.Int("budget", result.Budget))
	if s.utterances != nil {
		s.utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("category", string(result.Category))))
	}

	pb := s.deps.Playback.Begin(utteranceID)
	reply, err := s.deps.Responder.Respond(pb.Context(), sessionID, llm.Prompt{
		Transcript: text,
		Category:   string(result.Category),
		Budget:     result.Budget,
		Mode:       string(snap.Mode),
		History:    describe(snap.History),
		Stats:      s.deps.Session.Stats().String(),
	})
	s.deliver(ctx, pb, reply, err, snap.Config, received)
}

// followUp asks for a reply to a completion event.
func (s *Service) followUp(sessionID, event, detail string) {
	ctx, span := s.tracer.Start(s.ctx, "assistant.follow_up", trace.WithAttributes(attribute.String("event", event)))
	defer span.End()

	snap := s.deps.Session.Snapshot()
	pb := s.deps.Playback.Begin("")
	reply, err := s.deps.Responder.Respond(pb.Context(), sessionID, llm.Prompt{
		Transcript: detail,
		Category:   string(classifier.Conversation),
		Budget:     s.deps.Classifier.Budget(classifier.Conversation, snap.Mode),
		Mode:       string(snap.Mode),
		Event:      event,
		History:    describe(snap.History),
		Stats:      s.deps.Session.Stats().String(),
	})
	s.deliver(ctx, pb, reply, err, snap.Config, s.now())
}

func (s *Service) deliver(ctx context.Context, pb *playback.Session, reply llm.Reply, err error, cfg session.Config, received time.Time) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		if pb.Context().Err() != nil {
			s.log.Debug("discarding reply for cancelled playback", slog.String("playback_id", pb.ID))
			return
		}
		if s.genFailures != nil {
			s.genFailures.Add(ctx, 1)
		}
		span.RecordError(err)
		s.log.Warn("generation failed", slog.String("playback_id", pb.ID), slogError(err))
		s.deps.Playback.Release(pb)
		s.send(s.deps.Dispatcher.Error("I couldn't come up with a reply. Please try again.", protocol.ErrCodeGeneration))
		return
	}
	if pb.State().Terminal() {
		s.log.Debug("discarding reply for cancelled playback", slog.String("playback_id", pb.ID))
		return
	}

	for _, a := range s.deps.Dispatcher.Build(reply, cfg) {
		if a.Action == protocol.ActionChangeMode {
			if mode, ok := a.Data["mode"].(string); ok {
				s.setMode(mode, session.SourceAction)
			}
		}
		s.send(a)
	}
	if s.latency != nil {
		s.latency.Record(ctx, float64(s.now().Sub(received).Milliseconds()))
	}

	if reply.Speech == "" {
		s.deps.Playback.Release(pb)
		return
	}
	if pb.State().Terminal() {
		return
	}
	// Preferences may have changed while generating.
	cfg = s.deps.Session.Config()
	s.send(s.deps.Dispatcher.TTS(reply.Speech, cfg))
	req := tts.SynthRequest{SessionID: pb.ID, Text: reply.Speech, Voice: cfg.Voice, Volume: cfg.Volume}

	// Speech runs beside the worker so the next request can preempt it.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, span := s.tracer.Start(ctx, "assistant.speak", trace.WithAttributes(attribute.String("playback_id", pb.ID)))
		defer span.End()
		state, err := s.deps.Playback.Speak(pb, req)
		switch {
		case errors.Is(err, playback.ErrDiscarded):
			s.log.Debug("speech discarded", slog.String("playback_id", pb.ID))
		case err != nil:
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("playback_state", state.String()))
	}()
}

func (s *Service) setMode(mode, source string) {
	if _, err := s.deps.Session.SetMode(mode, source); err != nil {
		s.log.Warn("mode change rejected", slog.String("mode", mode), slogError(err))
	}
}

func (s *Service) send(a protocol.Action) {
	// Failures are recorded by the dispatcher.
	_ = s.deps.Dispatcher.Send(s.ctx, a)
}

func (s *Service) sessionFor(evt any) string {
	var id string
	switch e := evt.(type) {
	case protocol.ReceiveSpeech:
		id = e.SessionID
	case protocol.DoneCommand:
		id = e.SessionID
	case protocol.DoneStory:
		id = e.SessionID
	case protocol.ConfigSend:
		id = e.SessionID
	case protocol.ModeSet:
		id = e.SessionID
	}
	if id == "" {
		return s.device
	}
	return id
}

func (s *Service) publishModeChange(evt protocol.ModeChanged) {
	s.record(eventstore.KindMode, protocol.EventType(evt.Mode), evt, false)
	if s.deps.Bus == nil {
		return
	}
	if err := s.deps.Bus.PublishJSON(protocol.SubjectModeChanged, evt); err != nil {
		s.log.Warn("failed to publish mode change", slogError(err))
	}
}

func (s *Service) recordTransition(t playback.Transition) {
	if s.deps.Journal == nil {
		return
	}
	s.deps.Journal.Record(s.device, eventstore.KindPlayback, t.To.String(), t.SessionID, map[string]any{
		"utterance_id": t.UtteranceID,
		"from":         t.From.String(),
		"to":           t.To.String(),
		"reason":       t.Reason,
	}, t.Reason == playback.ReasonFailed)
}

func (s *Service) recordAction(a protocol.Action, err error) {
	if s.deps.Journal == nil {
		return
	}
	s.deps.Journal.Record(s.device, eventstore.KindAction, string(a.Action), a.ActionID, a, err != nil && !errors.Is(err, dispatch.ErrLocalOnly))
}

func (s *Service) record(kind string, eventType protocol.EventType, payload any, failed bool) {
	if s.deps.Journal == nil {
		return
	}
	s.deps.Journal.Record(s.device, kind, string(eventType), "", payload, failed)
}

// describe renders history entries as short lines for the generator context.
func describe(history []session.HistoryEntry) []string {
	out := make([]string, 0, len(history))
	for _, h := range history {
		line := fmt.Sprintf("%s %s", h.Timestamp.UTC().Format(time.TimeOnly), h.CommandType)
		if speech, ok := h.Data["speech"].(string); ok && speech != "" {
			line += fmt.Sprintf(" %q", speech)
		}
		if !h.Success {
			line += " (failed)"
		}
		out = append(out, line)
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
