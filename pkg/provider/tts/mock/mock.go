// Package mock provides a test double for the tts package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/echobridge/echobridge/pkg/provider/tts"
	"github.com/echobridge/echobridge/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesizer.Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice types.VoiceProfile
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Clip is returned by every Synthesize call.
	Clip tts.Clip

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SynthesizeCalls records every call in order.
	SynthesizeCalls []SynthesizeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Synthesize records the call and returns Clip, SynthesizeErr.
func (s *Synthesizer) Synthesize(_ context.Context, text string, voice types.VoiceProfile) (tts.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	if s.SynthesizeErr != nil {
		return tts.Clip{}, s.SynthesizeErr
	}
	return s.Clip, nil
}

// Close records the call and returns CloseErr.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Calls returns a snapshot of the recorded Synthesize calls.
func (s *Synthesizer) Calls() []SynthesizeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SynthesizeCall, len(s.SynthesizeCalls))
	copy(out, s.SynthesizeCalls)
	return out
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)
