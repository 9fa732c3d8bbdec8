package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes 16-bit PCM into a WAV container.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := Samples(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV decodes a 16-bit PCM WAV stream and returns its samples as little-endian bytes.
func ReadWAV(r io.ReadSeeker) (pcm []byte, sampleRate int, channels int, err error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return EncodeSamples(samples), int(dec.SampleRate), int(dec.NumChans), nil
}
