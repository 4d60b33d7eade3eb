// Package asr defines the Provider interface for speech recognition backends.
//
// Unlike a streaming transcriber, an ASR provider here works on complete
// utterances: the voice gate releases a full speech turn as PCM and the
// provider returns the final text in one call. Implementations live in
// subpackages (whisper for local whisper.cpp inference, funasr for a
// websocket recognition server) plus a mock subpackage for tests.
package asr

import (
	"context"
	"time"
)

// Result is a completed transcription.
type Result struct {
	// Text is the recognized utterance text, trimmed.
	Text string

	// Language is the detected or configured language tag, when reported.
	Language string

	// Took is the provider-side processing time, when reported.
	Took time.Duration
}

// Provider is the abstraction over any speech recognition backend.
//
// Implementations must be safe for concurrent use; utterances from
// different connections may be transcribed simultaneously.
type Provider interface {
	// Transcribe recognizes one complete utterance of 16 kHz mono
	// little-endian 16-bit PCM. An empty Result.Text means the provider
	// heard no speech.
	Transcribe(ctx context.Context, pcm []byte) (Result, error)
}
