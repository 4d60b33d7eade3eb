package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"asr":        {"whisper", "funasr"},
	"tts":        {"httpapi", "bidir"},
	"vad":        {"silero", "energy"},
	"voiceprint": {"ecapa"},
	"intent":     {"fuzzy", "passthrough"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// envRef matches ${VAR} references. The bare $VAR form is left alone so
// values containing dollar signs survive unexpanded.
var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} references with the environment value. Unset
// variables expand to the empty string.
func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envRef.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadFromReader decodes a YAML config from r, expanding ${VAR} environment
// references, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation, warn for unknown names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("voiceprint", cfg.Providers.Voiceprint.Name)
	validateProviderName("intent", cfg.Providers.Intent.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for _, entry := range cfg.Providers.Fallbacks.LLM {
		validateProviderName("llm", entry.Name)
	}
	for _, entry := range cfg.Providers.Fallbacks.ASR {
		validateProviderName("asr", entry.Name)
	}
	for _, entry := range cfg.Providers.Fallbacks.TTS {
		validateProviderName("tts", entry.Name)
	}
	if cfg.Providers.Fallbacks.MaxFailures < 0 {
		errs = append(errs, errors.New("providers.fallbacks.max_failures must not be negative"))
	}
	if cfg.Providers.Fallbacks.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.fallbacks.reset_timeout must not be negative"))
	}

	// The voice path cannot run without these three stages.
	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts is required"))
	}
	if cfg.Providers.VAD.Name == "" {
		errs = append(errs, errors.New("providers.vad is required"))
	}

	// Gate
	if t := cfg.Gate.Threshold; t < 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("gate.threshold %.2f is out of range [0, 1)", t))
	}
	if cfg.Gate.MinSilence < 0 {
		errs = append(errs, errors.New("gate.min_silence must not be negative"))
	}
	if cfg.Gate.PrerollFrames < 0 {
		errs = append(errs, errors.New("gate.preroll_frames must not be negative"))
	}

	// Pool
	if cfg.Pool.Size < 0 {
		errs = append(errs, errors.New("pool.size must not be negative"))
	}

	// Memory
	if cfg.Memory.PostgresDSN != "" {
		if cfg.Providers.Embeddings.Name == "" {
			errs = append(errs, errors.New("memory.postgres_dsn requires providers.embeddings for semantic retrieval"))
		}
		if cfg.Memory.EmbeddingDimensions <= 0 {
			slog.Warn("memory.embedding_dimensions is not set; defaulting to 1536")
		}
	}

	// Roles
	if cfg.Roles.File == "" {
		errs = append(errs, errors.New("roles.file is required"))
	}

	// MCP servers
	serverNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case "streamable-http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
