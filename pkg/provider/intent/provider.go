// Package intent defines the Recognizer interface for pre-chat intent
// detection.
//
// The utterance pipeline consults a Recognizer before handing a transcript to
// the LLM. A recognized intent short-circuits the turn: exit phrases close the
// session, device commands are routed to the client directly. Everything else
// falls through to the normal chat path.
package intent

import "context"

// Kind classifies a recognized intent.
type Kind int

const (
	// KindNone means the transcript carries no special intent and the turn
	// proceeds to the LLM.
	KindNone Kind = iota

	// KindExit means the user asked to end the conversation.
	KindExit

	// KindCommand means the transcript matched a configured device command.
	KindCommand
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindExit:
		return "exit"
	case KindCommand:
		return "command"
	default:
		return "none"
	}
}

// Result is the outcome of intent recognition for one transcript.
type Result struct {
	// Kind classifies the intent. KindNone means unhandled.
	Kind Kind

	// Command is the canonical command name for KindCommand results.
	Command string

	// Reply is an optional spoken acknowledgement for handled intents.
	Reply string

	// Score is the match confidence in [0, 1].
	Score float64
}

// Handled reports whether the turn should skip the LLM.
func (r Result) Handled() bool { return r.Kind != KindNone }

// Recognizer is the abstraction over any intent detection backend.
//
// Implementations must be safe for concurrent use.
type Recognizer interface {
	// Recognize classifies one transcript. A zero-value Result means no
	// intent matched.
	Recognize(ctx context.Context, text string) (Result, error)
}
