package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-glasses/internal/config"
)

type failingRecognizer struct{}

func (failingRecognizer) Transcribe(context.Context, []byte, int, int, bool) (TranscriptResult, error) {
	return TranscriptResult{}, errors.New("backend down")
}

func TestTranscriberTrimsScriptedText(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := NewMockRecognizer("  tell me a story about the ocean ")
	tr := NewTranscriber(config.STTConfig{TimeoutMS: 1000}, rec, nil, logger)

	res, err := tr.Final(context.Background(), "glasses-1", "utt-1", make([]byte, 960), 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "tell me a story about the ocean" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	res, _ = tr.Partial(context.Background(), "glasses-1", make([]byte, 960), 16000, 1)
	if res.Text != "[partial transcript length=960]" {
		t.Fatalf("expected placeholder once script is exhausted, got %q", res.Text)
	}
	if rec.Calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", rec.Calls())
	}
}

func TestTranscriberWrapsErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewTranscriber(config.STTConfig{}, failingRecognizer{}, nil, logger)
	if _, err := tr.Final(context.Background(), "s", "u", nil, 16000, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.STTConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := New(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for empty exec command")
	}
}
