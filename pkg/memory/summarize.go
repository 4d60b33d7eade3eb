package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/echobridge/echobridge/pkg/provider/llm"
	"github.com/echobridge/echobridge/pkg/types"
)

// summaryPrompt instructs the LLM to condense a dialogue into a memory note.
// The note is stored verbatim and later retrieved into the system prompt, so
// it must be compact and self-contained.
const summaryPrompt = `You condense a finished voice conversation into a memory note ` +
	`for future sessions with the same user. Keep only durable facts: names, ` +
	`preferences, plans, commitments, and emotionally significant moments. ` +
	`Write 1-5 short lines in the language of the conversation. Output the ` +
	`note only, with no preamble or commentary. If nothing is worth ` +
	`remembering, output exactly: NONE`

// SummarizeHistory condenses the user/assistant turns of history into one
// memory note through provider. It returns an empty string when the model
// found nothing worth keeping.
func SummarizeHistory(ctx context.Context, provider llm.Provider, history []types.Message) (string, error) {
	transcript := renderHistory(history)
	if transcript == "" {
		return "", nil
	}

	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		Messages: []types.Message{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("memory: summarize history: %w", err)
	}

	note := strings.TrimSpace(resp.Content)
	if note == "" || note == "NONE" {
		return "", nil
	}
	return note, nil
}

// renderHistory flattens the spoken turns into "User: ... / Assistant: ..."
// lines. System messages, tool messages and tool-call-only assistant turns
// are omitted.
func renderHistory(history []types.Message) string {
	var b strings.Builder
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case "user":
			b.WriteString("User: ")
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(msg.Content)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}
