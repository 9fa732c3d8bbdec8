package interrupt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/audio"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/loqalabs/loqa-glasses/internal/stt"
	"github.com/loqalabs/loqa-glasses/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Interruption is raised once per watch when a cue is recognized. Final is set when
// the transcript covers the whole utterance; otherwise Remainder is only the part
// heard so far.
type Interruption struct {
	SessionID  string
	Cue        string
	Remainder  string
	Transcript string
	Final      bool
	At         time.Time
}

// Spotter runs a lightweight recognition pass over in-progress speech.
type Spotter interface {
	Spot(ctx context.Context, sessionID string, pcm []byte, sampleRate, channels int) (string, error)
}

// RecognizerSpotter spots cues with the STT backend in partial mode.
type RecognizerSpotter struct {
	Transcriber *stt.Transcriber
}

func (s RecognizerSpotter) Spot(ctx context.Context, sessionID string, pcm []byte, sampleRate, channels int) (string, error) {
	res, err := s.Transcriber.Partial(ctx, sessionID, pcm, sampleRate, channels)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

type Options struct {
	EnergyThreshold float64
	StartFrames     int
	SilenceMS       int
	PartialEveryMS  int
	MaxSpeechMS     int
	BufferFrames    int
}

func OptionsFromConfig(cfg config.InterruptConfig, vadCfg config.VADConfig) Options {
	return Options{
		EnergyThreshold: vadCfg.EnergyThreshold,
		StartFrames:     2,
		SilenceMS:       300,
		PartialEveryMS:  cfg.PartialEveryMS,
		MaxSpeechMS:     cfg.MaxSpeechMS,
		BufferFrames:    cfg.BufferFrames,
	}
}

// Monitor watches live frames for cue words while a response is speaking.
// It is dormant unless Watch is running.
type Monitor struct {
	cues       CueSet
	spotter    Spotter
	classifier vad.Classifier
	opts       Options
	log        *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	active *watch

	detections metric.Int64Counter
	dropped    metric.Int64Counter
	latency    metric.Float64Histogram
}

type watch struct {
	sessionID   string
	frames      chan protocol.AudioFrame
	transcripts chan string
}

// NewMonitor builds a monitor. classifier may be nil, in which case the energy
// threshold alone decides which frames count as speech.
func NewMonitor(cues CueSet, spotter Spotter, classifier vad.Classifier, opts Options, logger *slog.Logger) *Monitor {
	if opts.StartFrames <= 0 {
		opts.StartFrames = 1
	}
	if opts.BufferFrames <= 0 {
		opts.BufferFrames = 64
	}
	if opts.PartialEveryMS <= 0 {
		opts.PartialEveryMS = 300
	}
	if opts.SilenceMS <= 0 {
		opts.SilenceMS = 300
	}
	meter := otel.Meter("github.com/loqalabs/loqa-glasses/internal/interrupt")
	detections, _ := meter.Int64Counter("glasses.interrupt.detections")
	dropped, _ := meter.Int64Counter("glasses.interrupt.dropped_frames")
	latency, _ := meter.Float64Histogram("glasses.interrupt.latency_ms")
	return &Monitor{
		cues:       cues,
		spotter:    spotter,
		classifier: classifier,
		opts:       opts,
		log:        logger.With(slog.String("component", "interrupt")),
		now:        time.Now,
		detections: detections,
		dropped:    dropped,
		latency:    latency,
	}
}

// Cues exposes the configured cue set.
func (m *Monitor) Cues() CueSet {
	return m.cues
}

// Active reports whether a watch is running.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Feed hands a frame to the running watch. It never blocks: when dormant it is a
// no-op and when the watch is behind the frame is dropped.
func (m *Monitor) Feed(frame protocol.AudioFrame) {
	m.mu.Lock()
	w := m.active
	m.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.frames <- frame:
	default:
		if m.dropped != nil {
			m.dropped.Add(context.Background(), 1)
		}
	}
}

// ObserveTranscript checks a partial transcript produced elsewhere. A match it makes
// is never Final.
func (m *Monitor) ObserveTranscript(text string) {
	m.mu.Lock()
	w := m.active
	m.mu.Unlock()
	if w == nil || text == "" {
		return
	}
	select {
	case w.transcripts <- text:
	default:
	}
}

type spotResult struct {
	text  string
	final bool
	err   error
}

// Watch runs until a cue is detected or ctx is done. It returns the interruption
// and true on detection.
func (m *Monitor) Watch(ctx context.Context, sessionID string) (Interruption, bool) {
	w := &watch{
		sessionID:   sessionID,
		frames:      make(chan protocol.AudioFrame, m.opts.BufferFrames),
		transcripts: make(chan string, 4),
	}
	m.mu.Lock()
	m.active = w
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.active == w {
			m.active = nil
		}
		m.mu.Unlock()
	}()

	m.log.Debug("watching for interruption", slog.String("session_id", sessionID))

	results := make(chan spotResult, 1)
	var (
		inflight    bool
		pending     []byte
		speaking    bool
		voicedRun   int
		silentMS    int
		buffer      []byte
		sinceSpot   int
		speechStart time.Time
		sampleRate  int
		channels    int
	)

	// spot runs one recognition pass; final marks the pass over a finished utterance.
	spot := func(pcm []byte, final bool) {
		if m.spotter == nil || len(pcm) == 0 || inflight {
			return
		}
		inflight = true
		sinceSpot = 0
		rate, ch := sampleRate, channels
		go func() {
			text, err := m.spotter.Spot(ctx, sessionID, pcm, rate, ch)
			results <- spotResult{text: text, final: final, err: err}
		}()
	}

	check := func(text string, final bool) (Interruption, bool) {
		cue, rest, ok := m.cues.Match(text)
		if !ok {
			return Interruption{}, false
		}
		at := m.now()
		in := Interruption{SessionID: sessionID, Cue: cue, Remainder: rest, Transcript: text, Final: final, At: at}
		if m.detections != nil {
			m.detections.Add(ctx, 1, metric.WithAttributes(attribute.String("cue", cue)))
		}
		if m.latency != nil && !speechStart.IsZero() {
			m.latency.Record(ctx, float64(at.Sub(speechStart).Milliseconds()))
		}
		m.log.Info("interruption cue detected",
			slog.String("session_id", sessionID),
			slog.String("cue", cue))
		return in, true
	}

	for {
		select {
		case <-ctx.Done():
			return Interruption{}, false
		case text := <-w.transcripts:
			if in, ok := check(text, false); ok {
				return in, true
			}
		case res := <-results:
			inflight = false
			if res.err != nil {
				if ctx.Err() != nil {
					return Interruption{}, false
				}
				m.log.Debug("cue spotting failed", slogError(res.err))
			} else if in, ok := check(res.text, res.final); ok {
				return in, true
			}
			if pending != nil {
				pcm := pending
				pending = nil
				spot(pcm, true)
			}
		case frame := <-w.frames:
			sampleRate, channels = frame.SampleRate, frame.Channels
			frameMS := audio.DurationMS(len(frame.PCM), frame.SampleRate, frame.Channels)
			voiced := m.isSpeech(frame)

			if !speaking {
				if !voiced {
					voicedRun = 0
					buffer = buffer[:0]
					continue
				}
				voicedRun++
				buffer = append(buffer, frame.PCM...)
				if voicedRun >= m.opts.StartFrames {
					speaking = true
					silentMS = 0
					sinceSpot = voicedRun * frameMS
					speechStart = m.now()
				}
				continue
			}

			if voiced {
				silentMS = 0
			} else {
				silentMS += frameMS
			}
			if m.opts.MaxSpeechMS <= 0 || audio.DurationMS(len(buffer), sampleRate, channels) < m.opts.MaxSpeechMS {
				buffer = append(buffer, frame.PCM...)
				sinceSpot += frameMS
			}

			if silentMS >= m.opts.SilenceMS {
				// Speech ended: one last pass over everything heard, then start over.
				speaking = false
				voicedRun = 0
				heard := append([]byte(nil), buffer...)
				buffer = buffer[:0]
				if inflight {
					pending = heard
					continue
				}
				spot(heard, true)
				continue
			}
			if sinceSpot >= m.opts.PartialEveryMS {
				spot(append([]byte(nil), buffer...), false)
			}
		}
	}
}

func (m *Monitor) isSpeech(frame protocol.AudioFrame) bool {
	loud := audio.RMS(frame.PCM) >= m.opts.EnergyThreshold
	if m.classifier == nil {
		return loud
	}
	ok, err := m.classifier.IsSpeech(frame.PCM, frame.SampleRate)
	if err != nil {
		return false
	}
	return loud && ok
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
