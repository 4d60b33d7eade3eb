// Package voiceprint defines the Identifier interface for speaker
// recognition backends.
//
// An Identifier answers "who is talking" for one completed utterance. The
// utterance pipeline runs identification in parallel with transcription and
// tolerates failure: an unidentified turn simply proceeds unattributed.
package voiceprint

import (
	"context"

	"github.com/echobridge/echobridge/pkg/types"
)

// Identifier is the abstraction over any speaker recognition backend.
//
// Implementations must be safe for concurrent use.
type Identifier interface {
	// Identify matches one utterance of 16 kHz mono 16-bit PCM against the
	// enrolled speakers. A zero-value SpeakerMatch means no speaker matched.
	Identify(ctx context.Context, pcm []byte) (types.SpeakerMatch, error)

	// Close flushes speaker statistics and releases resources.
	Close() error
}
