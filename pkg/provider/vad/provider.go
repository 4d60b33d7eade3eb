// Package vad defines the voice activity scoring interface used by the
// connection gate.
//
// A Session scores fixed-size PCM chunks and returns a speech probability.
// The gate owns all windowing and silence bookkeeping; sessions only answer
// "how likely is this chunk to contain speech". Implementations live in
// subpackages (silero for the remote scoring service, energy here for the
// local fallback) plus a mock subpackage for tests.
package vad

import "context"

// ChunkSamples is the scoring window size in samples. Scorers are fed
// exactly this many 16-bit samples (1024 bytes) per call.
const ChunkSamples = 512

// Config holds the scoring parameters for a session.
type Config struct {
	// SampleRate of the PCM chunks in Hz.
	SampleRate int

	// Threshold is the speech probability cutoff (0.0–1.0).
	Threshold float64
}

// Engine creates scoring sessions. One session per device connection.
type Engine interface {
	// NewSession creates a scoring session with the given configuration.
	NewSession(cfg Config) (Session, error)
}

// Session scores PCM chunks for a single connection.
type Session interface {
	// Score returns the speech probability (0.0–1.0) for one chunk of
	// little-endian int16 PCM. The chunk is exactly ChunkSamples samples.
	Score(ctx context.Context, chunk []byte) (float64, error)

	// Reset clears internal state between utterances.
	Reset()

	// Close releases session resources.
	Close() error
}
