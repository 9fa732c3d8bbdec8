// Package audio turns microphone streams into fixed-duration 16-bit PCM frames.
package audio

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the width of one signed 16-bit little-endian sample.
const BytesPerSample = 2

// FrameBytes returns the byte size of one frame of the given duration.
func FrameBytes(sampleRate, channels, durationMS int) int {
	return sampleRate * channels * durationMS / 1000 * BytesPerSample
}

// Samples decodes 16-bit little-endian PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodeSamples is the inverse of Samples.
func EncodeSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS computes the root-mean-square amplitude of a PCM block in sample units.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// ZeroCrossingRate returns the fraction of adjacent samples that change sign.
func ZeroCrossingRate(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n < 2 {
		return 0
	}
	crossings := 0
	prev := int16(binary.LittleEndian.Uint16(pcm))
	for i := 1; i < n; i++ {
		cur := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if (prev >= 0) != (cur >= 0) {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(n-1)
}

// DurationMS returns the playback length in milliseconds of a PCM block.
func DurationMS(pcmLen, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return pcmLen / BytesPerSample / channels * 1000 / sampleRate
}
