package playback

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/audio"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
	"github.com/loqalabs/loqa-glasses/internal/tts"
)

// Publisher is the slice of the bus client the sink needs.
type Publisher interface {
	PublishJSON(subject string, payload any) error
}

// BusSink publishes synthesized audio to the glasses speaker subject in real time,
// one tick of audio at a time, so a cancelled playback goes quiet within a tick.
// Each playback keeps a deadline across writes; a write returns once the audio it
// published has had time to play.
type BusSink struct {
	pub    Publisher
	target string
	tick   time.Duration

	mu  sync.Mutex
	seq map[string]int
	due map[string]time.Time
}

func NewBusSink(pub Publisher, target string, tickMS int) *BusSink {
	if tickMS <= 0 {
		tickMS = 20
	}
	return &BusSink{
		pub:    pub,
		target: target,
		tick:   time.Duration(tickMS) * time.Millisecond,
		seq:    make(map[string]int),
		due:    make(map[string]time.Time),
	}
}

func (b *BusSink) Write(ctx context.Context, playbackID string, chunk tts.SynthChunk) error {
	step := audio.FrameBytes(chunk.SampleRate, chunk.Channels, int(b.tick/time.Millisecond))
	if step <= 0 {
		step = len(chunk.PCM)
	}

	pcm := chunk.PCM
	for {
		if err := ctx.Err(); err != nil {
			b.forget(playbackID)
			return err
		}
		n := step
		if n > len(pcm) {
			n = len(pcm)
		}
		last := n == len(pcm)
		packet := protocol.AudioChunk{
			SessionID:  chunk.SessionID,
			PlaybackID: playbackID,
			Target:     b.target,
			SampleRate: chunk.SampleRate,
			Channels:   chunk.Channels,
			Sequence:   b.next(playbackID),
			PCM:        pcm[:n],
			Final:      chunk.Final && last,
		}
		if err := b.pub.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
			return err
		}
		pcm = pcm[n:]

		due := b.advance(playbackID, playTime(n, chunk.SampleRate, chunk.Channels))
		if err := sleepUntil(ctx, due); err != nil {
			b.forget(playbackID)
			return err
		}
		if packet.Final {
			b.forget(playbackID)
		}
		if last {
			return nil
		}
	}
}

// advance moves the playback deadline on by d. A deadline more than a tick in the
// past (synthesis fell behind) restarts from now instead of bursting to catch up.
func (b *BusSink) advance(playbackID string, d time.Duration) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	due, ok := b.due[playbackID]
	if !ok || now.Sub(due) > b.tick {
		due = now
	}
	due = due.Add(d)
	b.due[playbackID] = due
	return due
}

func (b *BusSink) next(playbackID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.seq[playbackID]
	b.seq[playbackID] = n + 1
	return n
}

func (b *BusSink) forget(playbackID string) {
	b.mu.Lock()
	delete(b.seq, playbackID)
	delete(b.due, playbackID)
	b.mu.Unlock()
}

func playTime(pcmLen, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := pcmLen / audio.BytesPerSample / channels
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

func sleepUntil(ctx context.Context, due time.Time) error {
	wait := time.Until(due)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
