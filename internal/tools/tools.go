// Package tools is the function registry offered to the LLM during a
// dialogue turn.
//
// A tool is a named handler with a JSON-schema parameter definition. The
// registry holds built-in voice tools and tools bridged from external MCP
// servers, surfaces them to the LLM as types.ToolDefinition values, and
// dispatches accumulated tool calls. Every dispatch yields an Outcome whose
// Action tells the response streamer how to continue the turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/echobridge/echobridge/pkg/types"
)

// Action tells the streamer what to do with a tool outcome.
type Action int

const (
	// ActionNotFound marks a call to an unregistered tool.
	ActionNotFound Action = iota

	// ActionResponse carries text that is spoken as-is.
	ActionResponse

	// ActionReqLLM feeds the result back to the LLM for another round.
	ActionReqLLM
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionResponse:
		return "RESPONSE"
	case ActionReqLLM:
		return "REQLLM"
	default:
		return "NOTFOUND"
	}
}

// Outcome is the result of one tool dispatch.
type Outcome struct {
	// Action selects how the streamer continues the turn.
	Action Action

	// Response is the text spoken directly when Action is ActionResponse.
	Response string

	// Result is the raw tool output fed back to the LLM when Action is
	// ActionReqLLM, or a diagnostic string otherwise.
	Result string
}

// Invocation carries the connection context a handler may need.
type Invocation struct {
	// SessionID identifies the calling connection.
	SessionID string

	// Speaker is the voiceprint-identified speaker name, empty when the
	// current utterance was not attributed.
	Speaker string

	// Args holds the decoded call arguments.
	Args map[string]any
}

// Handler is one registered tool.
type Handler struct {
	// Definition is the descriptor surfaced to the LLM.
	Definition types.ToolDefinition

	// Admin restricts the tool to configured admin speakers.
	Admin bool

	// Run executes the tool.
	Run func(ctx context.Context, inv Invocation) (Outcome, error)
}

// Registry holds the tools available to one server process.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	admins   map[string]bool
}

// Option is a functional option for Registry.
type Option func(*Registry)

// WithAdmins sets the speaker names allowed to run admin-gated tools.
func WithAdmins(names []string) Option {
	return func(r *Registry) {
		for _, n := range names {
			r.admins[n] = true
		}
	}
}

// WithLogger sets the registry logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:   slog.Default(),
		handlers: map[string]Handler{},
		admins:   map[string]bool{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a handler. A tool with the same name is replaced.
func (r *Registry) Register(h Handler) error {
	if h.Definition.Name == "" {
		return fmt.Errorf("tools: handler must have a non-empty name")
	}
	if h.Run == nil {
		return fmt.Errorf("tools: handler %q must have a non-nil Run", h.Definition.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Definition.Name] = h
	return nil
}

// Merge copies every handler from src into r. Existing handlers with the
// same name are replaced. Used to share the process-wide MCP tools with the
// per-connection registries.
func (r *Registry) Merge(src *Registry) {
	src.mu.RLock()
	handlers := make([]Handler, 0, len(src.handlers))
	for _, h := range src.handlers {
		handlers = append(handlers, h)
	}
	src.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range handlers {
		r.handlers[h.Definition.Name] = h
	}
}

// Unregister removes the named handler, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Definitions returns the tool descriptors for the LLM request, sorted by
// name for a stable prompt.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsAdmin reports whether the speaker may run admin-gated tools.
func (r *Registry) IsAdmin(speaker string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admins[speaker]
}

// Dispatch runs the tool named by call. Unknown tools yield ActionNotFound;
// admin-gated tools called by a non-admin speaker yield a spoken refusal.
// Handler errors are returned to the caller, who reports them at the call's
// text index.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall, inv Invocation) (Outcome, error) {
	r.mu.RLock()
	h, ok := r.handlers[call.Name]
	admin := r.admins[inv.Speaker]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("tool call to unknown tool", "tool", call.Name, "session_id", inv.SessionID)
		return Outcome{Action: ActionNotFound, Result: fmt.Sprintf("tool %q is not available", call.Name)}, nil
	}
	if h.Admin && !admin {
		r.logger.Info("admin tool refused", "tool", call.Name, "speaker", inv.Speaker)
		return Outcome{Action: ActionResponse, Response: "抱歉，这个操作需要管理员权限。"}, nil
	}

	inv.Args = map[string]any{}
	if call.Arguments != "" && call.Arguments != "{}" {
		if err := json.Unmarshal([]byte(call.Arguments), &inv.Args); err != nil {
			return Outcome{}, fmt.Errorf("tools: invalid arguments for %q: %w", call.Name, err)
		}
	}

	r.logger.Debug("dispatching tool call", "tool", call.Name, "session_id", inv.SessionID)
	out, err := h.Run(ctx, inv)
	if err != nil {
		return Outcome{}, fmt.Errorf("tools: %s: %w", call.Name, err)
	}
	return out, nil
}
