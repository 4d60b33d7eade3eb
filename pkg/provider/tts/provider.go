// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// A Synthesizer turns one response segment into device-ready opus frames.
// Implementations may hold a persistent upstream connection (the
// bidirectional wire client does); the synthesis pool warms a fixed number
// of them and leases them to connections per turn.
package tts

import (
	"context"

	"github.com/echobridge/echobridge/pkg/types"
)

// Clip is the synthesized audio for one segment.
type Clip struct {
	// Frames are 60 ms opus packets in the device link format.
	Frames [][]byte
}

// Synthesizer is the abstraction over any TTS backend.
//
// Implementations must be safe for sequential reuse; a single Synthesizer
// is never called concurrently (the pool serializes per slot) but is reused
// across many segments and sessions.
type Synthesizer interface {
	// Synthesize renders text with the given voice. An empty text returns
	// an empty clip without an upstream round trip.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (Clip, error)

	// Close releases the upstream connection, if any.
	Close() error
}

// Factory creates a warmed Synthesizer. The pool calls it once per slot.
type Factory func(ctx context.Context) (Synthesizer, error)
