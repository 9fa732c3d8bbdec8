package tts

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/audio"
)

// wordDuration is how long the mock voice spends on each word.
const wordDuration = 60 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
	chunkMS    int
	delay      time.Duration
}

// NewMockSynth returns a synthesizer that renders a quiet tone whose length follows
// the word count of the text, split into chunkMS sized chunks.
func NewMockSynth(sampleRate, channels, chunkMS int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	if chunkMS <= 0 {
		chunkMS = 400
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunkMS: chunkMS, delay: 5 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		words := len(strings.Fields(req.Text))
		if words == 0 {
			words = 1
		}
		total := time.Duration(words) * wordDuration
		pcm := tone(m.sampleRate, m.channels, total)
		step := audio.FrameBytes(m.sampleRate, m.channels, m.chunkMS)

		for seq, offset := 0, 0; offset < len(pcm); seq++ {
			end := offset + step
			if end > len(pcm) {
				end = len(pcm)
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(m.delay):
			}
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   seq,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm[offset:end],
				Final:      end == len(pcm),
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
			offset = end
		}
	}()
	return chunks, errs
}

func tone(sampleRate, channels int, d time.Duration) []byte {
	n := int(int64(sampleRate) * d.Milliseconds() / 1000)
	samples := make([]int16, n*channels)
	for i := 0; i < n; i++ {
		v := int16(800 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			samples[i*channels+c] = v
		}
	}
	return audio.EncodeSamples(samples)
}
