package stt

import (
	"context"
	"fmt"
	"sync"
)

// MockRecognizer returns scripted transcripts in order, then falls back to a
// length placeholder once the script is exhausted.
type MockRecognizer struct {
	mu     sync.Mutex
	script []string
	calls  int
}

func NewMockRecognizer(script ...string) *MockRecognizer {
	return &MockRecognizer{script: script}
}

func (m *MockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.script) > 0 {
		text := m.script[0]
		m.script = m.script[1:]
		return TranscriptResult{Text: text, Confidence: 1}, nil
	}
	mode := "partial"
	if final {
		mode = "final"
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript length=%d]", mode, len(pcm)),
		Confidence: 0,
	}, nil
}

// Calls reports how many transcriptions were requested.
func (m *MockRecognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
