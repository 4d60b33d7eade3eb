package vad

import (
	"context"
	"testing"
)

func chunkWithAmplitude(amp int16) []byte {
	b := make([]byte, ChunkSamples*2)
	for i := 0; i < ChunkSamples; i++ {
		b[i*2] = byte(amp)
		b[i*2+1] = byte(amp >> 8)
	}
	return b
}

func TestEnergySessionScore(t *testing.T) {
	eng := &EnergyEngine{}
	sess, err := eng.NewSession(Config{SampleRate: 16000, Threshold: 0.5})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	tests := []struct {
		name      string
		amplitude int16
		wantLow   bool
	}{
		{name: "silence", amplitude: 0, wantLow: true},
		{name: "below noise floor", amplitude: 100, wantLow: true},
		{name: "loud speech", amplitude: 8000, wantLow: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := sess.Score(context.Background(), chunkWithAmplitude(tt.amplitude))
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if tt.wantLow && p >= 0.5 {
				t.Errorf("probability = %v, want < 0.5", p)
			}
			if !tt.wantLow && p < 0.5 {
				t.Errorf("probability = %v, want >= 0.5", p)
			}
		})
	}
}

func TestEnergySessionEmptyChunk(t *testing.T) {
	sess, _ := (&EnergyEngine{}).NewSession(Config{})
	p, err := sess.Score(context.Background(), nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if p != 0 {
		t.Errorf("probability = %v, want 0", p)
	}
}
