// Package vad segments a continuous frame stream into utterances.
package vad

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-glasses/internal/audio"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Event reports what a single Push did to the segmenter state.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
	EventNoise
)

func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventNoise:
		return "noise"
	default:
		return "none"
	}
}

// Utterance is one contiguous span of speech. Transcript is filled by the consumer.
type Utterance struct {
	ID         string
	SessionID  string
	Frames     []protocol.AudioFrame
	SampleRate int
	Channels   int
	Start      time.Time
	End        time.Time
	Duration   time.Duration
	Transcript string
}

// PCM concatenates the utterance frames.
func (u *Utterance) PCM() []byte {
	size := 0
	for _, f := range u.Frames {
		size += len(f.PCM)
	}
	out := make([]byte, 0, size)
	for _, f := range u.Frames {
		out = append(out, f.PCM...)
	}
	return out
}

type Options struct {
	EnergyThreshold   float64
	StartFrames       int
	FrameDurationMS   int
	PreBufferMS       int
	SilenceDurationMS int
	MinUtteranceMS    int
	MaxUtteranceMS    int
}

func OptionsFromConfig(vadCfg config.VADConfig, audioCfg config.AudioConfig) Options {
	return Options{
		EnergyThreshold:   vadCfg.EnergyThreshold,
		StartFrames:       vadCfg.StartFrames,
		FrameDurationMS:   audioCfg.FrameDurationMS,
		PreBufferMS:       vadCfg.PreBufferMS,
		SilenceDurationMS: vadCfg.SilenceDurationMS,
		MinUtteranceMS:    vadCfg.MinUtteranceMS,
	}
}

// Segmenter is a step function over frames. It is owned by a single goroutine.
type Segmenter struct {
	opts       Options
	classifier Classifier
	log        *slog.Logger
	now        func() time.Time

	preFrames     int
	silenceFrames int
	minVoiced     int
	maxFrames     int
	frameDur      time.Duration

	sessionID string
	base      time.Time
	seen      int

	ring         []protocol.AudioFrame
	ringStart    int
	voicedRun    int
	inSpeech     bool
	current      *Utterance
	voicedFrames int
	silenceRun   int

	utterances metric.Int64Counter
	rejects    metric.Int64Counter
	faults     metric.Int64Counter
}

func NewSegmenter(opts Options, classifier Classifier, logger *slog.Logger) *Segmenter {
	if opts.FrameDurationMS <= 0 {
		opts.FrameDurationMS = 30
	}
	if opts.StartFrames <= 0 {
		opts.StartFrames = 1
	}
	if opts.MaxUtteranceMS <= 0 {
		opts.MaxUtteranceMS = 30000
	}
	meter := otel.Meter("github.com/loqalabs/loqa-glasses/internal/vad")
	utterances, _ := meter.Int64Counter("glasses.vad.utterances")
	rejects, _ := meter.Int64Counter("glasses.vad.noise_rejects")
	faults, _ := meter.Int64Counter("glasses.vad.faults")

	return &Segmenter{
		opts:          opts,
		classifier:    classifier,
		log:           logger.With(slog.String("component", "vad")),
		now:           time.Now,
		preFrames:     opts.PreBufferMS / opts.FrameDurationMS,
		silenceFrames: ceilDiv(opts.SilenceDurationMS, opts.FrameDurationMS),
		minVoiced:     ceilDiv(opts.MinUtteranceMS, opts.FrameDurationMS),
		maxFrames:     ceilDiv(opts.MaxUtteranceMS, opts.FrameDurationMS),
		frameDur:      time.Duration(opts.FrameDurationMS) * time.Millisecond,
		utterances:    utterances,
		rejects:       rejects,
		faults:        faults,
	}
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// SetClock replaces the wall clock used to anchor utterance timestamps.
func (s *Segmenter) SetClock(now func() time.Time) {
	s.now = now
}

// Reset drops any in-progress speech and starts a fresh session.
func (s *Segmenter) Reset() {
	s.sessionID = ""
	s.seen = 0
	s.ring = s.ring[:0]
	s.ringStart = 0
	s.voicedRun = 0
	s.inSpeech = false
	s.current = nil
	s.voicedFrames = 0
	s.silenceRun = 0
}

// InSpeech reports whether an utterance is currently open.
func (s *Segmenter) InSpeech() bool {
	return s.inSpeech
}

// Push advances the segmenter by one frame. A non-nil utterance is returned
// only with EventSpeechEnd.
func (s *Segmenter) Push(frame protocol.AudioFrame) (*Utterance, Event) {
	if s.sessionID != frame.SessionID {
		if s.sessionID != "" {
			s.log.Debug("session changed, resetting segmenter",
				slog.String("previous", s.sessionID),
				slog.String("session_id", frame.SessionID))
		}
		s.Reset()
		s.sessionID = frame.SessionID
	}
	if s.seen == 0 {
		s.base = s.now()
	}
	index := s.seen
	s.seen++

	voiced := s.voiced(frame)

	if !s.inSpeech {
		s.remember(frame, index)
		if voiced {
			s.voicedRun++
		} else {
			s.voicedRun = 0
		}
		if s.voicedRun < s.opts.StartFrames {
			return nil, EventNone
		}
		s.open(frame)
		return nil, EventSpeechStart
	}

	s.current.Frames = append(s.current.Frames, frame)
	if voiced {
		s.voicedFrames++
		s.silenceRun = 0
	} else {
		s.silenceRun++
	}
	if s.silenceRun >= s.silenceFrames || len(s.current.Frames) >= s.maxFrames {
		return s.close()
	}
	return nil, EventNone
}

// Flush closes an in-progress utterance at end of stream.
func (s *Segmenter) Flush() (*Utterance, Event) {
	if !s.inSpeech {
		return nil, EventNone
	}
	return s.close()
}

// Run drives the segmenter from a frame channel and emits completed utterances.
// The output channel closes when frames closes or ctx is done.
func (s *Segmenter) Run(ctx context.Context, frames <-chan protocol.AudioFrame) <-chan *Utterance {
	out := make(chan *Utterance)
	go func() {
		defer close(out)
		send := func(u *Utterance) bool {
			if u == nil {
				return true
			}
			select {
			case out <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					u, _ := s.Flush()
					send(u)
					return
				}
				u, _ := s.Push(frame)
				if !send(u) {
					return
				}
				if frame.Final {
					u, _ := s.Flush()
					if !send(u) {
						return
					}
				}
			}
		}
	}()
	return out
}

func (s *Segmenter) voiced(frame protocol.AudioFrame) bool {
	loud := audio.RMS(frame.PCM) >= s.opts.EnergyThreshold
	if s.classifier == nil {
		return loud
	}
	// The classifier sees every frame so its noise floor tracks quiet stretches too.
	ok, err := s.classifier.IsSpeech(frame.PCM, frame.SampleRate)
	if err != nil {
		s.log.Debug("frame classification failed, treating as silence",
			slog.String("session_id", frame.SessionID),
			slog.Int("sequence", frame.Sequence),
			slog.String("code", protocol.ErrCodeSegmentation),
			slogError(err))
		if s.faults != nil {
			s.faults.Add(context.Background(), 1)
		}
		return false
	}
	return loud && ok
}

func (s *Segmenter) remember(frame protocol.AudioFrame, index int) {
	capacity := s.preFrames + s.opts.StartFrames
	if len(s.ring) == 0 {
		s.ringStart = index
	}
	s.ring = append(s.ring, frame)
	if len(s.ring) > capacity {
		drop := len(s.ring) - capacity
		s.ring = append(s.ring[:0], s.ring[drop:]...)
		s.ringStart += drop
	}
}

func (s *Segmenter) open(frame protocol.AudioFrame) {
	frames := make([]protocol.AudioFrame, len(s.ring))
	copy(frames, s.ring)
	s.current = &Utterance{
		ID:         uuid.NewString(),
		SessionID:  frame.SessionID,
		Frames:     frames,
		SampleRate: frame.SampleRate,
		Channels:   frame.Channels,
		Start:      s.base.Add(time.Duration(s.ringStart) * s.frameDur),
	}
	s.inSpeech = true
	s.voicedFrames = s.voicedRun
	s.silenceRun = 0
	s.voicedRun = 0
	s.ring = s.ring[:0]
	s.log.Debug("speech started",
		slog.String("session_id", frame.SessionID),
		slog.String("utterance_id", s.current.ID))
}

func (s *Segmenter) close() (*Utterance, Event) {
	u := s.current
	trailing := s.silenceRun
	if trailing > len(u.Frames) {
		trailing = len(u.Frames)
	}
	u.Frames = u.Frames[:len(u.Frames)-trailing]
	u.Duration = time.Duration(len(u.Frames)) * s.frameDur
	u.End = u.Start.Add(u.Duration)

	voiced := s.voicedFrames
	s.inSpeech = false
	s.current = nil
	s.voicedFrames = 0
	s.silenceRun = 0
	s.voicedRun = 0

	if voiced < s.minVoiced {
		if s.rejects != nil {
			s.rejects.Add(context.Background(), 1)
		}
		s.log.Debug("discarding short burst as noise",
			slog.String("utterance_id", u.ID),
			slog.Int("voiced_frames", voiced))
		return nil, EventNoise
	}
	if s.utterances != nil {
		s.utterances.Add(context.Background(), 1)
	}
	s.log.Debug("utterance complete",
		slog.String("utterance_id", u.ID),
		slog.Duration("duration", u.Duration))
	return u, EventSpeechEnd
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
