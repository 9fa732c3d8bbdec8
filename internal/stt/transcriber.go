package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/bus"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
)

// Transcriber runs recognition with a deadline and mirrors results on the bus.
type Transcriber struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger
}

// NewTranscriber wraps recognizer. busClient may be nil, in which case nothing is published.
func NewTranscriber(cfg config.STTConfig, recognizer Recognizer, busClient *bus.Client, logger *slog.Logger) *Transcriber {
	return &Transcriber{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        logger.With(slog.String("component", "stt")),
	}
}

// Final transcribes a completed utterance.
func (t *Transcriber) Final(ctx context.Context, sessionID, utteranceID string, pcm []byte, sampleRate, channels int) (TranscriptResult, error) {
	return t.run(ctx, sessionID, utteranceID, pcm, sampleRate, channels, true)
}

// Partial transcribes in-progress speech. It is used for cue spotting.
func (t *Transcriber) Partial(ctx context.Context, sessionID string, pcm []byte, sampleRate, channels int) (TranscriptResult, error) {
	return t.run(ctx, sessionID, "", pcm, sampleRate, channels, false)
}

func (t *Transcriber) run(ctx context.Context, sessionID, utteranceID string, pcm []byte, sampleRate, channels int, final bool) (TranscriptResult, error) {
	if t.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	result, err := t.recognizer.Transcribe(ctx, pcm, sampleRate, channels, final)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("transcribe: %w", err)
	}
	result.Text = strings.TrimSpace(result.Text)
	t.publish(sessionID, utteranceID, result, final)
	return result, nil
}

func (t *Transcriber) publish(sessionID, utteranceID string, result TranscriptResult, final bool) {
	if t.bus == nil || result.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:   sessionID,
		UtteranceID: utteranceID,
		Text:        result.Text,
		Partial:     !final,
		Timestamp:   time.Now().UTC(),
		Confidence:  result.Confidence,
	}
	if err := t.bus.PublishJSON(subject, msg); err != nil {
		t.log.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
