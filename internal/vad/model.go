package vad

import (
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-glasses/internal/audio"
)

// Classifier decides whether a single frame contains voice.
type Classifier interface {
	IsSpeech(pcm []byte, sampleRate int) (bool, error)
}

// Per-aggressiveness limits: minimum ratio over the noise floor and maximum zero-crossing rate.
var (
	snrRatios = [4]float64{1.5, 2.0, 2.5, 3.0}
	maxZCR    = [4]float64{0.5, 0.4, 0.3, 0.25}
)

const (
	minNoiseFloor = 10.0
	floorAdapt    = 0.05
	floorCreep    = 0.002
)

// EnergyModel is a frame classifier that tracks the ambient noise floor and
// rejects frames whose energy does not clear it or whose zero-crossing rate
// looks like broadband noise. Aggressiveness 0 is the most permissive, 3 the strictest.
type EnergyModel struct {
	mu             sync.Mutex
	aggressiveness int
	floor          float64
}

func NewEnergyModel(aggressiveness int) (*EnergyModel, error) {
	if aggressiveness < 0 || aggressiveness > 3 {
		return nil, fmt.Errorf("aggressiveness %d out of range 0..3", aggressiveness)
	}
	return &EnergyModel{aggressiveness: aggressiveness, floor: minNoiseFloor}, nil
}

func (m *EnergyModel) IsSpeech(pcm []byte, sampleRate int) (bool, error) {
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return false, fmt.Errorf("unsupported sample rate %d", sampleRate)
	}
	if len(pcm) < audio.BytesPerSample*2 || len(pcm)%audio.BytesPerSample != 0 {
		return false, fmt.Errorf("invalid frame length %d", len(pcm))
	}

	rms := audio.RMS(pcm)
	zcr := audio.ZeroCrossingRate(pcm)

	m.mu.Lock()
	defer m.mu.Unlock()
	voiced := rms >= m.floor*snrRatios[m.aggressiveness] && zcr <= maxZCR[m.aggressiveness]
	if voiced {
		m.floor += floorCreep * (rms - m.floor)
	} else {
		m.floor += floorAdapt * (rms - m.floor)
	}
	if m.floor < minNoiseFloor {
		m.floor = minNoiseFloor
	}
	return voiced, nil
}

// NoiseFloor reports the current ambient estimate.
func (m *EnergyModel) NoiseFloor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.floor
}

// Reset forgets the learned noise floor.
func (m *EnergyModel) Reset() {
	m.mu.Lock()
	m.floor = minNoiseFloor
	m.mu.Unlock()
}
