package audio

import "github.com/loqalabs/loqa-glasses/internal/protocol"

// Framer re-chunks arbitrarily sized PCM payloads into fixed-duration frames.
// It is not safe for concurrent use; each stream owns one.
type Framer struct {
	sessionID  string
	sampleRate int
	channels   int
	frameBytes int
	pending    []byte
	sequence   int
}

func NewFramer(sessionID string, sampleRate, channels, durationMS int) *Framer {
	return &Framer{
		sessionID:  sessionID,
		sampleRate: sampleRate,
		channels:   channels,
		frameBytes: FrameBytes(sampleRate, channels, durationMS),
	}
}

// FrameBytes is the size of every frame the framer emits.
func (f *Framer) FrameBytes() int {
	return f.frameBytes
}

// Write appends pcm and returns every complete frame now available.
func (f *Framer) Write(pcm []byte) []protocol.AudioFrame {
	f.pending = append(f.pending, pcm...)
	var frames []protocol.AudioFrame
	for len(f.pending) >= f.frameBytes {
		chunk := make([]byte, f.frameBytes)
		copy(chunk, f.pending[:f.frameBytes])
		f.pending = f.pending[f.frameBytes:]
		frames = append(frames, f.frame(chunk, false))
	}
	return frames
}

// Flush pads the remainder with silence and returns it as the final frame.
func (f *Framer) Flush() protocol.AudioFrame {
	chunk := make([]byte, f.frameBytes)
	copy(chunk, f.pending)
	f.pending = f.pending[:0]
	return f.frame(chunk, true)
}

func (f *Framer) frame(pcm []byte, final bool) protocol.AudioFrame {
	f.sequence++
	return protocol.AudioFrame{
		SessionID:  f.sessionID,
		Sequence:   f.sequence,
		SampleRate: f.sampleRate,
		Channels:   f.channels,
		PCM:        pcm,
		Final:      final,
	}
}
