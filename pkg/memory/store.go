// Package memory defines the long-term memory layer for voice sessions.
//
// A Store holds per-device memories that outlive a single connection. During
// a turn the pipeline calls Digest to retrieve the memories most relevant to
// the current utterance; the digest string is woven into the system prompt.
// On session close the dialogue is condensed into a new memory through the
// LLM and written back.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"

	"github.com/echobridge/echobridge/pkg/types"
)

// Record is one stored memory row.
type Record struct {
	// ID is the unique identifier for this record.
	ID string

	// DeviceID scopes the memory to one device.
	DeviceID string

	// SpeakerID is the identified speaker this memory belongs to, empty when
	// the exchange was unattributed.
	SpeakerID string

	// Content is the memory text.
	Content string

	// CreatedAt is when the memory was recorded.
	CreatedAt time.Time
}

// Store is the abstraction over any long-term memory backend.
type Store interface {
	// AddExchange records one raw user/assistant exchange.
	AddExchange(ctx context.Context, userText, assistantText, speakerID string) error

	// Digest returns a short text block of the memories most relevant to
	// query, ready for system-prompt enrichment. An empty string means no
	// relevant memories exist.
	Digest(ctx context.Context, query string) (string, error)

	// Summarize condenses the given dialogue history into a single memory
	// record. Called on session close.
	Summarize(ctx context.Context, history []types.Message) error

	// LastSeenSpeaker returns the speaker of the most recent memory for the
	// device, or empty when none exists.
	LastSeenSpeaker(ctx context.Context) (string, error)

	// Close releases backend resources.
	Close() error
}
