package vad

import (
	"context"
	"math"
)

// EnergyEngine is a local scorer that maps short-term RMS energy onto a
// pseudo-probability. It is far less accurate than a model-based scorer but
// has no external dependency, which makes it the degraded-mode fallback and
// the default for tests.
type EnergyEngine struct {
	// NoiseFloor is the RMS level treated as certain silence. Defaults to 250.
	NoiseFloor float64

	// SpeechLevel is the RMS level treated as certain speech. Defaults to 2500.
	SpeechLevel float64
}

// NewSession implements Engine.
func (e *EnergyEngine) NewSession(cfg Config) (Session, error) {
	floor := e.NoiseFloor
	if floor <= 0 {
		floor = 250
	}
	level := e.SpeechLevel
	if level <= floor {
		level = 2500
	}
	return &energySession{floor: floor, level: level}, nil
}

var _ Engine = (*EnergyEngine)(nil)

type energySession struct {
	floor float64
	level float64
}

// Score maps the chunk's RMS linearly between the noise floor and the
// speech level.
func (s *energySession) Score(_ context.Context, chunk []byte) (float64, error) {
	samples := len(chunk) / 2
	if samples == 0 {
		return 0, nil
	}
	var sum float64
	for i := 0; i < samples; i++ {
		v := float64(int16(chunk[i*2]) | int16(chunk[i*2+1])<<8)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(samples))

	switch {
	case rms <= s.floor:
		return 0, nil
	case rms >= s.level:
		return 1, nil
	default:
		return (rms - s.floor) / (s.level - s.floor), nil
	}
}

func (s *energySession) Reset() {}

func (s *energySession) Close() error { return nil }

var _ Session = (*energySession)(nil)
