// Package respond streams one LLM turn into speakable segments.
//
// The streamer consumes the chunk stream, cuts the accumulated tail at the
// rightmost punctuation, and hands each segment to the synthesizer with a
// monotonically increasing text index. The very first segment of a turn is
// cut early at a natural pause so playback starts before the model finishes
// its first sentence. Tool calls collected by the provider are dispatched
// through the registry; a REQLLM outcome feeds the result back to the model
// and re-enters the stream with the same index sequence.
package respond

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/echobridge/echobridge/internal/dialogue"
	"github.com/echobridge/echobridge/internal/observe"
	"github.com/echobridge/echobridge/internal/tools"
	"github.com/echobridge/echobridge/pkg/provider/llm"
	"github.com/echobridge/echobridge/pkg/types"
)

const (
	// firstPausePos is the default rune position of the early first cut.
	firstPausePos = 10

	// minFirstPause is the earliest allowed pivot-based first cut.
	minFirstPause = 6

	// maxToolRounds bounds REQLLM recursion within one turn.
	maxToolRounds = 5
)

// cutRunes are the punctuation marks a segment may end on.
const cutRunes = "。，？！；：.,?!;:"

// llmErrorReply is spoken and stored in place of the answer when the model
// fails mid-turn.
const llmErrorReply = "抱歉，我现在无法正常回答，请稍后再试。"

// pivotRunes mark natural pause points for the early first cut.
var pivotRunes = map[rune]bool{
	'我': true, '你': true, '他': true, '的': true,
	'是': true, '她': true, '它': true, '有': true,
}

// Speaker receives cut segments in order. The pool lease implements it.
type Speaker interface {
	Synthesize(ctx context.Context, text string, index int) error
}

// Dispatcher resolves tool calls. *tools.Registry implements it.
type Dispatcher interface {
	Definitions() []types.ToolDefinition
	Dispatch(ctx context.Context, call types.ToolCall, inv tools.Invocation) (tools.Outcome, error)
}

// Turn reports the index bookkeeping of one completed turn.
type Turn struct {
	// FirstIndex is the index of the first spoken segment, 0 when the turn
	// produced no speech.
	FirstIndex int

	// LastIndex is the index of the final spoken segment.
	LastIndex int
}

// Streamer drives LLM turns for one connection.
type Streamer struct {
	provider    llm.Provider
	registry    Dispatcher
	speaker     Speaker
	logger      *slog.Logger
	metrics     *observe.Metrics
	temperature float64
	aborted     func() bool
}

// Option is a functional option for Streamer.
type Option func(*Streamer)

// WithTemperature sets the sampling temperature. Default: 0.7.
func WithTemperature(t float64) Option {
	return func(s *Streamer) { s.temperature = t }
}

// WithAbort installs the barge-in check consulted between chunks.
func WithAbort(aborted func() bool) Option {
	return func(s *Streamer) { s.aborted = aborted }
}

// WithLogger sets the streamer logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Streamer) { s.logger = l }
}

// WithMetrics installs completion and tool call instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Streamer) { s.metrics = m }
}

// New creates a streamer over the given provider, tool registry, and
// synthesis target.
func New(provider llm.Provider, registry Dispatcher, speaker Speaker, opts ...Option) *Streamer {
	s := &Streamer{
		provider:    provider,
		registry:    registry,
		speaker:     speaker,
		logger:      slog.Default(),
		temperature: 0.7,
		aborted:     func() bool { return false },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// turnState carries index bookkeeping across REQLLM recursion.
type turnState struct {
	index      int
	firstIndex int
	rounds     int
}

// Stream runs one turn. The user message must already be in the dialogue;
// memoryDigest enriches the system prompt when non-empty. The assistant's
// spoken text is appended to the dialogue before returning.
func (s *Streamer) Stream(ctx context.Context, d *dialogue.Dialogue, memoryDigest string, inv tools.Invocation) (Turn, error) {
	state := &turnState{}
	err := s.run(ctx, d, d.ViewWithMemory(memoryDigest), inv, state)
	return Turn{FirstIndex: state.firstIndex, LastIndex: state.index}, err
}

func (s *Streamer) run(ctx context.Context, d *dialogue.Dialogue, messages []types.Message, inv tools.Invocation, state *turnState) error {
	req := llm.CompletionRequest{
		Messages:    messages,
		Tools:       s.registry.Definitions(),
		Temperature: s.temperature,
	}
	ctx, span := observe.StartSpan(ctx, "llm.stream")
	defer span.End()

	requested := time.Now()
	stream, err := s.provider.StreamCompletion(ctx, req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordProviderError(ctx, "llm", "stream")
		}
		s.logger.Error("completion request failed", "session_id", inv.SessionID, "error", err)
		s.emit(ctx, llmErrorReply, state)
		d.Put(types.Message{Role: "assistant", Content: llmErrorReply})
		return nil
	}

	var (
		tail      []rune
		spoken    []string
		toolCalls []types.ToolCall
		probing   bool // tail looks like an embedded JSON tool call
		streamErr error
		first     = true
	)

	for chunk := range stream {
		if first {
			first = false
			if s.metrics != nil {
				s.metrics.LLMFirstChunk.Record(ctx, time.Since(requested).Seconds())
			}
		}
		if s.aborted() {
			for range stream {
			}
			s.logger.Info("completion stream abandoned on barge-in", "session_id", inv.SessionID)
			break
		}
		if chunk.FinishReason == "error" {
			streamErr = fmt.Errorf("respond: completion stream failed: %s", chunk.Text)
			break
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}
		if chunk.Text == "" {
			continue
		}

		tail = append(tail, []rune(chunk.Text)...)
		if state.index == 0 && len(spoken) == 0 &&
			strings.HasPrefix(strings.TrimSpace(string(tail)), "{") {
			probing = true
		}
		if probing {
			continue
		}

		for {
			end, ok := s.cut(tail, state.index == 0)
			if !ok {
				break
			}
			raw := string(tail[:end])
			tail = tail[end:]
			s.emit(ctx, raw, state)
			spoken = append(spoken, raw)
		}
	}
	if streamErr != nil {
		if s.metrics != nil {
			s.metrics.RecordProviderError(ctx, "llm", "stream")
		}
		s.logger.Error("completion stream failed", "session_id", inv.SessionID, "error", streamErr)
		s.emit(ctx, llmErrorReply, state)
		spoken = append(spoken, llmErrorReply)
		d.Put(types.Message{Role: "assistant", Content: strings.Join(spoken, "")})
		return nil
	}

	if probing {
		if call, ok := extractToolCall(string(tail)); ok {
			toolCalls = append(toolCalls, call)
			tail = nil
		}
	}

	// Flush whatever the final chunk left behind. A barge-in suppresses the
	// speech but the text still belongs to the stored assistant message.
	if len(tail) > 0 {
		raw := string(tail)
		if !s.aborted() {
			s.emit(ctx, raw, state)
		}
		spoken = append(spoken, raw)
	}

	if len(spoken) > 0 {
		d.Put(types.Message{Role: "assistant", Content: strings.Join(spoken, "")})
	}

	if len(toolCalls) > 0 && !s.aborted() {
		return s.handleToolCalls(ctx, d, toolCalls, inv, state)
	}
	return nil
}

// handleToolCalls dispatches the accumulated calls and continues the turn
// according to each outcome.
func (s *Streamer) handleToolCalls(ctx context.Context, d *dialogue.Dialogue, calls []types.ToolCall, inv tools.Invocation, state *turnState) error {
	for _, call := range calls {
		started := time.Now()
		out, err := s.registry.Dispatch(ctx, call, inv)
		if s.metrics != nil {
			s.metrics.ToolExecutionDuration.Record(ctx, time.Since(started).Seconds())
			status := "ok"
			if err != nil {
				status = "error"
			}
			s.metrics.RecordToolCall(ctx, call.Name, status)
		}
		if err != nil {
			s.logger.Error("tool dispatch failed", "tool", call.Name, "error", err)
			continue
		}
		switch out.Action {
		case tools.ActionResponse:
			d.Put(types.Message{Role: "assistant", Content: out.Response})
			s.emit(ctx, out.Response, state)
		case tools.ActionReqLLM:
			if state.rounds >= maxToolRounds {
				s.logger.Warn("tool round limit reached", "tool", call.Name)
				continue
			}
			state.rounds++
			d.Put(types.Message{Role: "assistant", ToolCalls: []types.ToolCall{call}})
			d.Put(types.Message{Role: "tool", ToolCallID: call.ID, Content: out.Result})
			if err := s.run(ctx, d, d.View(), inv, state); err != nil {
				return err
			}
		default:
			s.emit(ctx, out.Result, state)
		}
	}
	return nil
}

// emit strips one raw segment and hands it to the speaker. Segments that
// strip to nothing are skipped without consuming an index. A synthesis
// failure loses that segment's audio only; the rest of the turn continues.
func (s *Streamer) emit(ctx context.Context, raw string, state *turnState) {
	text := CleanText(raw)
	if text == "" {
		return
	}
	state.index++
	if state.firstIndex == 0 {
		state.firstIndex = state.index
	}
	if err := s.speaker.Synthesize(ctx, text, state.index); err != nil {
		s.logger.Warn("segment synthesis failed", "index", state.index, "error", err)
	}
}

// cut returns the exclusive rune end of the next segment in tail. For the
// first segment of a turn the cut happens early: at punctuation inside the
// first pause window, else at the latest first occurrence of a pivot rune
// (clamped to at least minFirstPause) once the window has filled. A window
// with no pause point falls back to ordinary punctuation cutting. Later
// segments cut only at the rightmost punctuation seen so far.
func (s *Streamer) cut(tail []rune, first bool) (int, bool) {
	if first {
		window := tail
		if len(window) > firstPausePos {
			window = window[:firstPausePos]
		}
		if p := lastPunct(window); p >= 0 {
			return p + 1, true
		}
		if len(tail) < firstPausePos {
			return 0, false
		}
		if pause := latestFirstPivot(window); pause >= 0 {
			if pause < minFirstPause {
				pause = minFirstPause
			}
			return pause, true
		}
	}

	if p := lastPunct(tail); p >= 0 {
		return p + 1, true
	}
	return 0, false
}

// latestFirstPivot returns the largest index among the first occurrences of
// each pivot rune in the window, -1 when the window holds none.
func latestFirstPivot(window []rune) int {
	seen := map[rune]bool{}
	pause := -1
	for i, r := range window {
		if !pivotRunes[r] || seen[r] {
			continue
		}
		seen[r] = true
		pause = i
	}
	return pause
}

// lastPunct returns the rune index of the rightmost cut punctuation, -1 when
// there is none.
func lastPunct(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if strings.ContainsRune(cutRunes, runes[i]) {
			return i
		}
	}
	return -1
}

// CleanText strips leading/trailing punctuation and whitespace and removes
// emoji. The downlink transcript frames use the same normalization.
func CleanText(s string) string {
	runes := []rune(strings.TrimSpace(s))
	out := make([]rune, 0, len(runes))
	for _, r := range runes {
		if isEmoji(r) {
			continue
		}
		out = append(out, r)
	}
	trimSet := cutRunes + " \t\n~…“”‘’\"'"
	return strings.Trim(string(out), trimSet)
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r == 0xFE0F || r == 0x200D:
		return true
	}
	return false
}

// embeddedCall is the shape some models emit as plain content instead of a
// structured tool call.
type embeddedCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// extractToolCall probes content for an embedded {"name","arguments"} call
// and assigns it a fresh id.
func extractToolCall(content string) (types.ToolCall, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return types.ToolCall{}, false
	}
	var call embeddedCall
	if err := json.Unmarshal([]byte(content[start:end+1]), &call); err != nil || call.Name == "" {
		return types.ToolCall{}, false
	}
	args := "{}"
	if len(call.Arguments) > 0 {
		args = string(call.Arguments)
	}
	return types.ToolCall{ID: newCallID(), Name: call.Name, Arguments: args}, true
}

func newCallID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("respond: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
