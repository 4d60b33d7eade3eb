package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/echobridge/echobridge/pkg/provider/asr"
	"github.com/echobridge/echobridge/pkg/provider/embeddings"
	"github.com/echobridge/echobridge/pkg/provider/intent"
	"github.com/echobridge/echobridge/pkg/provider/llm"
	"github.com/echobridge/echobridge/pkg/provider/tts"
	"github.com/echobridge/echobridge/pkg/provider/vad"
	"github.com/echobridge/echobridge/pkg/provider/voiceprint"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	asr        map[string]func(ProviderEntry) (asr.Provider, error)
	tts        map[string]func(ProviderEntry) (tts.Factory, error)
	vad        map[string]func(ProviderEntry) (vad.Engine, error)
	voiceprint map[string]func(ProviderEntry) (voiceprint.Identifier, error)
	intent     map[string]func(ProviderEntry) (intent.Recognizer, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		asr:        make(map[string]func(ProviderEntry) (asr.Provider, error)),
		tts:        make(map[string]func(ProviderEntry) (tts.Factory, error)),
		vad:        make(map[string]func(ProviderEntry) (vad.Engine, error)),
		voiceprint: make(map[string]func(ProviderEntry) (voiceprint.Identifier, error)),
		intent:     make(map[string]func(ProviderEntry) (intent.Recognizer, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterASR registers a transcription provider factory under name.
func (r *Registry) RegisterASR(name string, factory func(ProviderEntry) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// RegisterTTS registers a synthesizer factory under name. The factory
// produces a [tts.Factory] rather than a single synthesizer because the pool
// warms one backend connection per slot.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Factory, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterVoiceprint registers a speaker identifier factory under name.
func (r *Registry) RegisterVoiceprint(name string, factory func(ProviderEntry) (voiceprint.Identifier, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voiceprint[name] = factory
}

// RegisterIntent registers an intent recognizer factory under name.
func (r *Registry) RegisterIntent(name string, factory func(ProviderEntry) (intent.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intent[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateASR instantiates a transcription provider using the factory
// registered under entry.Name.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS builds a synthesizer factory using the registration under
// entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Factory, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under
// entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVoiceprint instantiates a speaker identifier using the factory
// registered under entry.Name.
func (r *Registry) CreateVoiceprint(entry ProviderEntry) (voiceprint.Identifier, error) {
	r.mu.RLock()
	factory, ok := r.voiceprint[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voiceprint/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateIntent instantiates an intent recognizer using the factory registered
// under entry.Name.
func (r *Registry) CreateIntent(entry ProviderEntry) (intent.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.intent[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: intent/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
