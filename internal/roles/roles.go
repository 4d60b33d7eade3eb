// Package roles manages the configured assistant personas.
//
// Personas are defined in a YAML file loaded at startup. Each role carries
// the system prompt, the TTS voice, an optional greeting, and the interest
// tags the proactive loop weighs when choosing a follow-up topic. A
// connection starts on the default role and may switch through the
// change_role tool.
package roles

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/echobridge/echobridge/pkg/types"
)

// ErrNotFound is returned by Get when no role with that name exists.
var ErrNotFound = errors.New("roles: role not found")

// File is the top-level structure of a roles YAML file.
//
// Example:
//
//	default: 小艾
//	roles:
//	  - name: 小艾
//	    prompt: "你是小艾，一个温柔的语音助手。"
//	    greeting: "我在呢。"
//	    voice:
//	      id: zh_female_wanwanxiaohe
//	    interests: [music, life]
type File struct {
	Default string `yaml:"default"`
	Roles   []Role `yaml:"roles"`
}

// Role is one configured persona.
type Role struct {
	// Name is the unique persona name used by the change_role tool.
	Name string `yaml:"name"`

	// Prompt is the system prompt installed when the role is active.
	Prompt string `yaml:"prompt"`

	// Greeting is spoken when a connection opens with this role active.
	Greeting string `yaml:"greeting,omitempty"`

	// Voice selects the synthesis voice.
	Voice VoiceConfig `yaml:"voice"`

	// Interests are topic tags weighed by the proactive loop.
	Interests []string `yaml:"interests,omitempty"`
}

// VoiceConfig is the YAML shape of a role's voice.
type VoiceConfig struct {
	ID          string  `yaml:"id"`
	Provider    string  `yaml:"provider,omitempty"`
	SpeedFactor float64 `yaml:"speed_factor,omitempty"`
}

// Profile converts the config into the provider-facing voice profile.
func (v VoiceConfig) Profile() types.VoiceProfile {
	speed := v.SpeedFactor
	if speed == 0 {
		speed = 1.0
	}
	return types.VoiceProfile{ID: v.ID, Provider: v.Provider, SpeedFactor: speed}
}

// Validate checks a role for required fields.
func Validate(r Role) error {
	var errs []error
	if r.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if r.Prompt == "" {
		errs = append(errs, errors.New("prompt must not be empty"))
	}
	if r.Voice.ID == "" {
		errs = append(errs, errors.New("voice id must not be empty"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// LoadFile reads and parses a roles YAML file from disk.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("roles: open roles file %q: %w", path, err)
	}
	defer f.Close()

	rf, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("roles: parse roles file %q: %w", path, err)
	}
	return rf, nil
}

// LoadFromReader parses roles YAML from an io.Reader.
func LoadFromReader(r io.Reader) (*File, error) {
	var rf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("roles: decode roles yaml: %w", err)
	}
	return &rf, nil
}

// Library is the validated in-memory role set.
type Library struct {
	mu        sync.RWMutex
	roles     map[string]Role
	defaultRo string
}

// NewLibrary builds a library from a parsed file. Every role is validated;
// the default must name a defined role. A file with no roles is an error.
func NewLibrary(file *File) (*Library, error) {
	if file == nil || len(file.Roles) == 0 {
		return nil, errors.New("roles: at least one role must be defined")
	}
	lib := &Library{roles: map[string]Role{}}
	for i, r := range file.Roles {
		if err := Validate(r); err != nil {
			return nil, fmt.Errorf("roles: role %d (%q): %w", i, r.Name, err)
		}
		if _, ok := lib.roles[r.Name]; ok {
			return nil, fmt.Errorf("roles: duplicate role name %q", r.Name)
		}
		lib.roles[r.Name] = r
	}
	lib.defaultRo = file.Default
	if lib.defaultRo == "" {
		lib.defaultRo = file.Roles[0].Name
	}
	if _, ok := lib.roles[lib.defaultRo]; !ok {
		return nil, fmt.Errorf("roles: default role %q is not defined", lib.defaultRo)
	}
	return lib, nil
}

// Default returns the default role.
func (l *Library) Default() Role {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.roles[l.defaultRo]
}

// Get returns the named role.
func (l *Library) Get(name string) (Role, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.roles[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r, nil
}

// Names returns the defined role names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.roles))
	for name := range l.roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
