package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/echobridge/echobridge/pkg/provider/llm"
	llmmock "github.com/echobridge/echobridge/pkg/provider/llm/mock"
	"github.com/echobridge/echobridge/pkg/provider/tts"
	ttsmock "github.com/echobridge/echobridge/pkg/provider/tts/mock"
)

const validYAML = `
server:
  listen_addr: ":8000"
  metrics_addr: ":9090"
  log_level: info
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  asr:
    name: whisper
    model: models/ggml-base.bin
  tts:
    name: httpapi
    base_url: http://localhost:9880
  vad:
    name: silero
    model: models/silero_vad.onnx
  voiceprint:
    name: ecapa
  intent:
    name: fuzzy
gate:
  threshold: 0.5
  min_silence: 700ms
  preroll_frames: 5
pool:
  size: 4
  idle_timeout: 3s
session:
  idle_timeout: 120s
proactive:
  enabled: true
  silence: 60s
  cooldown: 5m
memory:
roles:
  file: config/roles.yaml
  admins: [张三]
mcp:
  servers:
    - name: files
      transport: stdio
      command: mcp-files --root /srv
`

func TestLoadFromReaderValid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Gate.MinSilence != 700*time.Millisecond {
		t.Errorf("gate.min_silence = %v", cfg.Gate.MinSilence)
	}
	if cfg.Pool.Size != 4 {
		t.Errorf("pool.size = %d", cfg.Pool.Size)
	}
	if !cfg.Proactive.Enabled || cfg.Proactive.Cooldown != 5*time.Minute {
		t.Errorf("proactive = %+v", cfg.Proactive)
	}
	if len(cfg.Roles.Admins) != 1 || cfg.Roles.Admins[0] != "张三" {
		t.Errorf("roles.admins = %v", cfg.Roles.Admins)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].Transport != "stdio" {
		t.Errorf("mcp.servers = %+v", cfg.MCP.Servers)
	}
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-from-env")
	withEnv := strings.Replace(validYAML, "api_key: sk-test", "api_key: ${TEST_LLM_KEY}", 1)

	cfg, err := LoadFromReader(strings.NewReader(withEnv))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Providers.LLM.APIKey)
	}
}

func TestLoadParsesFallbacks(t *testing.T) {
	withFallbacks := strings.Replace(validYAML, "providers:\n",
		"providers:\n"+
			"  fallbacks:\n"+
			"    max_failures: 3\n"+
			"    llm:\n"+
			"      - name: ollama\n"+
			"        base_url: http://localhost:11434\n"+
			"        model: qwen2.5:7b\n", 1)

	cfg, err := LoadFromReader(strings.NewReader(withFallbacks))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.Fallbacks.MaxFailures != 3 {
		t.Errorf("fallbacks.max_failures = %d", cfg.Providers.Fallbacks.MaxFailures)
	}
	fb := cfg.Providers.Fallbacks.LLM
	if len(fb) != 1 || fb[0].Name != "ollama" || fb[0].Model != "qwen2.5:7b" {
		t.Errorf("fallbacks.llm = %+v", fb)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_adr: ':8000'\n"))
	if err == nil {
		t.Fatal("misspelled key was accepted")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.Server.LogLevel = "chatty" }, "log_level"},
		{"missing asr", func(c *Config) { c.Providers.ASR.Name = "" }, "providers.asr"},
		{"missing llm", func(c *Config) { c.Providers.LLM.Name = "" }, "providers.llm"},
		{"missing tts", func(c *Config) { c.Providers.TTS.Name = "" }, "providers.tts"},
		{"missing vad", func(c *Config) { c.Providers.VAD.Name = "" }, "providers.vad"},
		{"bad threshold", func(c *Config) { c.Gate.Threshold = 1.5 }, "gate.threshold"},
		{"missing roles file", func(c *Config) { c.Roles.File = "" }, "roles.file"},
		{"tls half configured", func(c *Config) { c.Server.TLS = &TLSConfig{CertFile: "a.pem"} }, "server.tls"},
		{"dsn without embeddings", func(c *Config) { c.Memory.PostgresDSN = "postgres://x" }, "embeddings"},
		{"mcp stdio without command", func(c *Config) {
			c.MCP.Servers = []MCPServerConfig{{Name: "x", Transport: "stdio"}}
		}, "command"},
		{"mcp bad transport", func(c *Config) {
			c.MCP.Servers = []MCPServerConfig{{Name: "x", Transport: "grpc"}}
		}, "transport"},
		{"duplicate mcp name", func(c *Config) {
			c.MCP.Servers = []MCPServerConfig{
				{Name: "x", Transport: "stdio", Command: "a"},
				{Name: "x", Transport: "stdio", Command: "b"},
			}
		}, "duplicate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadFromReader(strings.NewReader(validYAML))
			if err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			tc.mutate(cfg)
			err = Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestRegistryCreateAndMiss(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("mock", func(ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	r.RegisterTTS("mock", func(ProviderEntry) (tts.Factory, error) {
		return func(context.Context) (tts.Synthesizer, error) {
			return &ttsmock.Synthesizer{}, nil
		}, nil
	})

	if _, err := r.CreateLLM(ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateLLM: %v", err)
	}
	if _, err := r.CreateTTS(ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	_, err := r.CreateASR(ProviderEntry{Name: "nope"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateASR error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestDiff(t *testing.T) {
	base, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("base config: %v", err)
	}

	same := *base
	if d := Diff(base, &same); !d.Empty() {
		t.Errorf("identical configs diff = %+v", d)
	}

	logChanged := *base
	logChanged.Server.LogLevel = LogDebug
	d := Diff(base, &logChanged)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("log level diff = %+v", d)
	}

	gateChanged := *base
	gateChanged.Gate.Threshold = 0.7
	if d := Diff(base, &gateChanged); !d.GateChanged {
		t.Error("gate change not detected")
	}

	proactiveChanged := *base
	proactiveChanged.Proactive.Cooldown = time.Minute
	if d := Diff(base, &proactiveChanged); !d.ProactiveChanged {
		t.Error("proactive change not detected")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Int32
	w, err := NewWatcher(path, func(old, new *Config) {
		if old.Server.LogLevel == new.Server.LogLevel {
			t.Error("onChange called without a change")
		}
		fired.Add(1)
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().Server.LogLevel != LogInfo {
		t.Fatalf("initial log level = %q", w.Current().Server.LogLevel)
	}

	updated := strings.Replace(validYAML, "log_level: info", "log_level: debug", 1)
	// Ensure the mtime moves even on coarse filesystem clocks.
	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && fired.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("watcher never fired")
	}
	if w.Current().Server.LogLevel != LogDebug {
		t.Errorf("reloaded log level = %q", w.Current().Server.LogLevel)
	}
}

func TestWatcherKeepsOldConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if w.Current().Server.ListenAddr != ":8000" {
		t.Error("invalid file replaced the current config")
	}
}
