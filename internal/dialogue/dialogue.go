// Package dialogue holds the ordered message history of one connection.
//
// A single writer (the connection's turn loop) appends; concurrent readers
// (the proactive loop, the session-close summary) take copies through view
// methods. The underlying history is never mutated by view construction.
package dialogue

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/echobridge/echobridge/pkg/types"
)

const defaultMaxHistory = 20

// memoryPreamble introduces the retrieved memory block inside the enriched
// system prompt.
const memoryPreamble = "Relevant memories from earlier conversations:\n"

// Dialogue is the per-connection message history.
type Dialogue struct {
	mu           sync.Mutex
	messages     []types.Message
	turns        int
	lastActivity time.Time
	maxHistory   int
}

// Option is a functional option for Dialogue.
type Option func(*Dialogue)

// WithMaxHistory caps the number of user/assistant turns included in LLM
// views. The stored history is never trimmed. Default: 20.
func WithMaxHistory(n int) Option {
	return func(d *Dialogue) { d.maxHistory = n }
}

// New creates a dialogue seeded with the system prompt.
func New(systemPrompt string, opts ...Option) *Dialogue {
	d := &Dialogue{
		maxHistory:   defaultMaxHistory,
		lastActivity: time.Now(),
	}
	for _, o := range opts {
		o(d)
	}
	d.messages = append(d.messages, types.Message{
		ID:        newMessageID(),
		Role:      "system",
		Content:   systemPrompt,
		Timestamp: time.Now(),
	})
	return d
}

// Put appends one message. Missing IDs and timestamps are filled in. User
// messages advance the turn count.
func (d *Dialogue) Put(msg types.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	d.messages = append(d.messages, msg)
	d.lastActivity = msg.Timestamp
	if msg.Role == "user" {
		d.turns++
	}
}

// UpdateSystem replaces the system message text in place.
func (d *Dialogue) UpdateSystem(prompt string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.messages {
		if d.messages[i].Role == "system" {
			d.messages[i].Content = prompt
			return
		}
	}
	d.messages = append([]types.Message{{
		ID:        newMessageID(),
		Role:      "system",
		Content:   prompt,
		Timestamp: time.Now(),
	}}, d.messages...)
}

// System returns the current system prompt.
func (d *Dialogue) System() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

// View returns the LLM-facing message slice with the plain system prompt.
// Tool messages and tool-call carriers are preserved so function-call
// round trips keep their correlation.
func (d *Dialogue) View() []types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trimmed(d.messages)
}

// ViewWithMemory returns the LLM-facing slice with the system prompt
// enriched by the memory digest. Tool messages and assistant messages that
// only carry tool calls are skipped: they belong to finished rounds and
// would confuse the next one. An empty digest falls back to View.
func (d *Dialogue) ViewWithMemory(memoryDigest string) []types.Message {
	if strings.TrimSpace(memoryDigest) == "" {
		return d.View()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]types.Message, 0, len(d.messages))
	for _, m := range d.messages {
		switch {
		case m.Role == "system":
			enriched := m
			enriched.Content = fmt.Sprintf("%s\n\n%s%s", m.Content, memoryPreamble, memoryDigest)
			out = append(out, enriched)
		case m.Role == "tool":
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
		default:
			out = append(out, m)
		}
	}
	return d.trimmed(out)
}

// History returns a copy of the full stored history, for the end-of-session
// summary.
func (d *Dialogue) History() []types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// RecentUserTexts returns up to n most recent user message contents, oldest
// first. Used by the proactive loop to build its follow-up prompt.
func (d *Dialogue) RecentUserTexts(n int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for i := len(d.messages) - 1; i >= 0 && len(out) < n; i-- {
		if d.messages[i].Role == "user" && d.messages[i].Content != "" {
			out = append(out, d.messages[i].Content)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// TurnCount returns the number of user turns so far.
func (d *Dialogue) TurnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.turns
}

// LastActivity returns the timestamp of the most recent message.
func (d *Dialogue) LastActivity() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActivity
}

// trimmed drops the oldest non-system messages beyond maxHistory user turns.
// Caller holds the lock.
func (d *Dialogue) trimmed(msgs []types.Message) []types.Message {
	turns := 0
	for _, m := range msgs {
		if m.Role == "user" {
			turns++
		}
	}
	if turns <= d.maxHistory {
		out := make([]types.Message, len(msgs))
		copy(out, msgs)
		return out
	}

	drop := turns - d.maxHistory
	out := make([]types.Message, 0, len(msgs))
	dropping := true
	for _, m := range msgs {
		if m.Role == "system" {
			out = append(out, m)
			continue
		}
		if dropping {
			if m.Role == "user" {
				if drop == 0 {
					dropping = false
					out = append(out, m)
					continue
				}
				drop--
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

func newMessageID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("dialogue: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
