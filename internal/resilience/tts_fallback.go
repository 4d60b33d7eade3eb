package resilience

import (
	"context"
	"errors"

	"github.com/echobridge/echobridge/pkg/provider/tts"
	"github.com/echobridge/echobridge/pkg/types"
)

// TTSFallback implements [tts.Synthesizer] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

// Compile-time interface assertion.
var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesizer as a fallback.
func (f *TTSFallback) AddFallback(name string, synth tts.Synthesizer) {
	f.group.AddFallback(name, synth)
}

// Synthesize renders text against the first healthy synthesizer. A fallback
// voice may sound different from the primary; the pool treats the clip the
// same either way.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Clip, error) {
	return ExecuteWithResult(f.group, func(s tts.Synthesizer) (tts.Clip, error) {
		return s.Synthesize(ctx, text, voice)
	})
}

// Close closes every backend, returning the joined errors.
func (f *TTSFallback) Close() error {
	var errs []error
	for i := range f.group.entries {
		if err := f.group.entries[i].value.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
