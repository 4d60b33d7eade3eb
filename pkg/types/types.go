// Package types defines the shared types used across all EchoBridge packages.
//
// These types form the lingua franca between the device transport, the voice
// gate, providers, and the dialogue engine. They are intentionally minimal:
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// ID is a unique identifier assigned when the message enters the dialogue.
	ID string

	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string

	// Timestamp is when the message was recorded.
	Timestamp time.Time
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice or speaker identifier.
	ID string

	// Provider identifies which synthesizer this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// Utterance is a complete user speech turn released by the voice gate.
type Utterance struct {
	// Frames are the captured opus packets, pre-roll included.
	Frames [][]byte

	// PCM is the decoded 16 kHz mono 16-bit audio for ASR and voiceprint.
	PCM []byte

	// Start marks when voice onset was detected.
	Start time.Time

	// Duration is the voiced length of the utterance.
	Duration time.Duration
}

// SpeakerMatch is a voiceprint identification result.
type SpeakerMatch struct {
	// Name is the enrolled speaker name, empty when no print matched.
	Name string

	// Score is the cosine similarity against the best matching print.
	Score float64
}

// Segment is one speakable slice of an assistant response.
type Segment struct {
	// Index is the 1-based position of this segment within the turn.
	Index int

	// Text is the segment content after punctuation and emoji stripping.
	Text string
}
