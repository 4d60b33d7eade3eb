// Command echobridge is the main entry point for the EchoBridge voice
// dialogue server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/echobridge/echobridge/internal/app"
	"github.com/echobridge/echobridge/internal/config"
	"github.com/echobridge/echobridge/internal/observe"
	"github.com/echobridge/echobridge/internal/resilience"
	"github.com/echobridge/echobridge/pkg/provider/asr"
	"github.com/echobridge/echobridge/pkg/provider/asr/funasr"
	"github.com/echobridge/echobridge/pkg/provider/asr/whisper"
	"github.com/echobridge/echobridge/pkg/provider/embeddings"
	ollamaembed "github.com/echobridge/echobridge/pkg/provider/embeddings/ollama"
	oaembed "github.com/echobridge/echobridge/pkg/provider/embeddings/openai"
	"github.com/echobridge/echobridge/pkg/provider/intent"
	"github.com/echobridge/echobridge/pkg/provider/intent/fuzzy"
	"github.com/echobridge/echobridge/pkg/provider/llm"
	"github.com/echobridge/echobridge/pkg/provider/llm/anyllm"
	oallm "github.com/echobridge/echobridge/pkg/provider/llm/openai"
	"github.com/echobridge/echobridge/pkg/provider/tts"
	"github.com/echobridge/echobridge/pkg/provider/tts/bidir"
	"github.com/echobridge/echobridge/pkg/provider/tts/httpapi"
	"github.com/echobridge/echobridge/pkg/provider/vad"
	"github.com/echobridge/echobridge/pkg/provider/vad/silero"
	"github.com/echobridge/echobridge/pkg/provider/voiceprint"
	"github.com/echobridge/echobridge/pkg/provider/voiceprint/ecapa"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload tunable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echobridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echobridge: %v\n", err)
		}
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "echobridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level var is shared with the app so config reloads can adjust
	// verbosity without replacing the handler.
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("echobridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "echobridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLogLevelVar(logLevel),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
			application.ApplyConfig(next)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// defaultExitPhrases end the session when the fuzzy recognizer matches one.
var defaultExitPhrases = []string{"再见", "拜拜", "退出", "关机", "休息吧"}

// defaultCommands are the device commands the fuzzy recognizer ships with.
var defaultCommands = []fuzzy.Command{
	{Name: "volume_up", Phrases: []string{"大声一点", "声音大一点", "调大音量"}, Reply: "好的，音量调大了"},
	{Name: "volume_down", Phrases: []string{"小声一点", "声音小一点", "调小音量"}, Reply: "好的，音量调小了"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai speaks through the official SDK; the rest route through any-llm
	// with the shared APIKey + BaseURL pattern.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("whisper", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.Model, opts...)
	})

	reg.RegisterASR("funasr", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []funasr.Option
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, funasr.WithTimeout(d))
		}
		return funasr.New(entry.BaseURL, opts...), nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	// TTS registrations produce a tts.Factory: the pool warms one backend
	// connection per slot, so construction is deferred to pool init.

	reg.RegisterTTS("httpapi", func(entry config.ProviderEntry) (tts.Factory, error) {
		return func(context.Context) (tts.Synthesizer, error) {
			var opts []httpapi.Option
			if entry.APIKey != "" {
				opts = append(opts, httpapi.WithAPIKey(entry.APIKey))
			}
			if speaker := optString(entry.Options, "speaker"); speaker != "" {
				opts = append(opts, httpapi.WithSpeaker(speaker))
			}
			if d := optDuration(entry.Options, "timeout"); d > 0 {
				opts = append(opts, httpapi.WithTimeout(d))
			}
			return httpapi.New(entry.BaseURL, opts...)
		}, nil
	})

	reg.RegisterTTS("bidir", func(entry config.ProviderEntry) (tts.Factory, error) {
		creds := bidir.Credentials{
			AppKey:     optString(entry.Options, "app_key"),
			AccessKey:  entry.APIKey,
			ResourceID: optString(entry.Options, "resource_id"),
		}
		return func(ctx context.Context) (tts.Synthesizer, error) {
			var opts []bidir.Option
			if speaker := optString(entry.Options, "speaker"); speaker != "" {
				opts = append(opts, bidir.WithSpeaker(speaker))
			}
			if d := optDuration(entry.Options, "timeout"); d > 0 {
				opts = append(opts, bidir.WithTimeout(d))
			}
			return bidir.Dial(ctx, entry.BaseURL, creds, opts...)
		}, nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		return silero.New(entry.BaseURL)
	})

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return &vad.EnergyEngine{}, nil
	})

	// ── Voiceprint ────────────────────────────────────────────────────────────

	reg.RegisterVoiceprint("ecapa", func(entry config.ProviderEntry) (voiceprint.Identifier, error) {
		var opts []ecapa.Option
		if t := optFloat(entry.Options, "threshold"); t > 0 {
			opts = append(opts, ecapa.WithThreshold(t))
		}
		return ecapa.New(entry.BaseURL, optString(entry.Options, "store_dir"), opts...)
	})

	// ── Intent ────────────────────────────────────────────────────────────────

	reg.RegisterIntent("fuzzy", func(entry config.ProviderEntry) (intent.Recognizer, error) {
		var opts []fuzzy.Option
		if t := optFloat(entry.Options, "threshold"); t > 0 {
			opts = append(opts, fuzzy.WithThreshold(t))
		}
		if reply := optString(entry.Options, "exit_reply"); reply != "" {
			opts = append(opts, fuzzy.WithExitReply(reply))
		}
		return fuzzy.New(defaultExitPhrases, defaultCommands, opts...), nil
	})

	reg.RegisterIntent("passthrough", func(config.ProviderEntry) (intent.Recognizer, error) {
		return intent.Passthrough{}, nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := cfg.Memory.EmbeddingDimensions; dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. LLM, ASR, TTS, and VAD are required; the rest are optional and
// skipped when unnamed.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	fallbackCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Providers.Fallbacks.MaxFailures,
			ResetTimeout: cfg.Providers.Fallbacks.ResetTimeout,
		},
	}

	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = llmProvider
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if entries := cfg.Providers.Fallbacks.LLM; len(entries) > 0 {
		wrapped := resilience.NewLLMFallback(llmProvider, cfg.Providers.LLM.Name, fallbackCfg)
		for _, entry := range entries {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			wrapped.AddFallback(entry.Name, p)
			slog.Info("fallback registered", "kind", "llm", "name", entry.Name)
		}
		ps.LLM = wrapped
	}

	asrProvider, err := reg.CreateASR(cfg.Providers.ASR)
	if err != nil {
		return nil, fmt.Errorf("create asr provider %q: %w", cfg.Providers.ASR.Name, err)
	}
	ps.ASR = asrProvider
	slog.Info("provider created", "kind", "asr", "name", cfg.Providers.ASR.Name)

	if entries := cfg.Providers.Fallbacks.ASR; len(entries) > 0 {
		wrapped := resilience.NewASRFallback(asrProvider, cfg.Providers.ASR.Name, fallbackCfg)
		for _, entry := range entries {
			p, err := reg.CreateASR(entry)
			if err != nil {
				return nil, fmt.Errorf("create asr fallback %q: %w", entry.Name, err)
			}
			wrapped.AddFallback(entry.Name, p)
			slog.Info("fallback registered", "kind", "asr", "name", entry.Name)
		}
		ps.ASR = wrapped
	}

	ttsFactory, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = ttsFactory
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if entries := cfg.Providers.Fallbacks.TTS; len(entries) > 0 {
		fallbackFactories := make([]tts.Factory, 0, len(entries))
		for _, entry := range entries {
			f, err := reg.CreateTTS(entry)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
			}
			fallbackFactories = append(fallbackFactories, f)
			slog.Info("fallback registered", "kind", "tts", "name", entry.Name)
		}
		// Each pool slot gets its own failover chain so backend connections
		// are never shared across slots.
		primaryName := cfg.Providers.TTS.Name
		fallbackNames := entries
		ps.TTS = func(ctx context.Context) (tts.Synthesizer, error) {
			primary, err := ttsFactory(ctx)
			if err != nil {
				return nil, err
			}
			wrapped := resilience.NewTTSFallback(primary, primaryName, fallbackCfg)
			for i, f := range fallbackFactories {
				synth, err := f(ctx)
				if err != nil {
					_ = wrapped.Close()
					return nil, fmt.Errorf("warm tts fallback %q: %w", fallbackNames[i].Name, err)
				}
				wrapped.AddFallback(fallbackNames[i].Name, synth)
			}
			return wrapped, nil
		}
	}

	vadEngine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	ps.VAD = vadEngine
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	if name := cfg.Providers.Voiceprint.Name; name != "" {
		p, err := reg.CreateVoiceprint(cfg.Providers.Voiceprint)
		if err != nil {
			return nil, fmt.Errorf("create voiceprint provider %q: %w", name, err)
		}
		ps.Voiceprint = p
		slog.Info("provider created", "kind", "voiceprint", "name", name)
	}

	if name := cfg.Providers.Intent.Name; name != "" {
		p, err := reg.CreateIntent(cfg.Providers.Intent)
		if err != nil {
			return nil, fmt.Errorf("create intent provider %q: %w", name, err)
		}
		ps.Intent = p
		slog.Info("provider created", "kind", "intent", "name", name)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       EchoBridge — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Voiceprint", cfg.Providers.Voiceprint.Name, "")
	printProvider("Intent", cfg.Providers.Intent.Name, "")
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.Memory.PostgresDSN != "" {
		fmt.Printf("║  Memory          : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Memory          : %-19s ║\n", "in-process")
	}
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a float value, tolerating the int that YAML produces for
// whole numbers.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// optDuration parses a duration string such as "30s".
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
