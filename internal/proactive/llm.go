package proactive

import (
	"context"
	"fmt"
	"strings"

	"github.com/echobridge/echobridge/pkg/provider/llm"
	"github.com/echobridge/echobridge/pkg/types"
)

const composePrompt = `You are a voice companion re-opening a conversation after a silence.
Write ONE short, warm sentence in Chinese that gently restarts the chat around the topic "%s".
Do not apologize for the silence and do not ask more than one question.`

// LLMComposer generates follow-ups with the dialogue model, falling back to
// the canned lines when the model returns nothing.
type LLMComposer struct {
	provider llm.Provider
	fallback Canned
}

// NewLLMComposer wraps provider.
func NewLLMComposer(provider llm.Provider) *LLMComposer {
	return &LLMComposer{provider: provider}
}

// Compose asks the model for a follow-up line about topic, giving it the
// recent user texts as context.
func (c *LLMComposer) Compose(ctx context.Context, topic string, recent []string) (string, error) {
	messages := []types.Message{{Role: "system", Content: fmt.Sprintf(composePrompt, topic)}}
	if len(recent) > 0 {
		messages = append(messages, types.Message{
			Role:    "user",
			Content: "The user recently said:\n" + strings.Join(recent, "\n"),
		})
	} else {
		messages = append(messages, types.Message{Role: "user", Content: "There is no recent context."})
	}

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{Messages: messages, Temperature: 0.9, MaxTokens: 80})
	if err != nil {
		return "", fmt.Errorf("proactive: compose follow-up: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return c.fallback.Compose(ctx, topic, recent)
	}
	return text, nil
}
