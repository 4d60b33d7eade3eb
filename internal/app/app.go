// Package app wires all EchoBridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects the
// process-wide subsystems (role library, synthesizer pool, MCP tools,
// session manager, listeners), Run serves until the context is cancelled,
// and Shutdown tears everything down in order. Per-connection wiring
// happens in newSession, which the websocket front door calls for every
// accepted device.
//
// For testing, inject doubles via functional options (WithRoles,
// WithMemoryFactory, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/echobridge/echobridge/internal/config"
	"github.com/echobridge/echobridge/internal/dialogue"
	"github.com/echobridge/echobridge/internal/downlink"
	"github.com/echobridge/echobridge/internal/gate"
	"github.com/echobridge/echobridge/internal/health"
	"github.com/echobridge/echobridge/internal/observe"
	"github.com/echobridge/echobridge/internal/pipeline"
	"github.com/echobridge/echobridge/internal/proactive"
	"github.com/echobridge/echobridge/internal/respond"
	"github.com/echobridge/echobridge/internal/roles"
	"github.com/echobridge/echobridge/internal/server"
	"github.com/echobridge/echobridge/internal/session"
	"github.com/echobridge/echobridge/internal/sink"
	"github.com/echobridge/echobridge/internal/tools"
	"github.com/echobridge/echobridge/internal/ttspool"
	"github.com/echobridge/echobridge/pkg/audio"
	"github.com/echobridge/echobridge/pkg/memory"
	"github.com/echobridge/echobridge/pkg/memory/local"
	"github.com/echobridge/echobridge/pkg/memory/postgres"
	"github.com/echobridge/echobridge/pkg/provider/asr"
	"github.com/echobridge/echobridge/pkg/provider/embeddings"
	"github.com/echobridge/echobridge/pkg/provider/intent"
	"github.com/echobridge/echobridge/pkg/provider/llm"
	"github.com/echobridge/echobridge/pkg/provider/tts"
	"github.com/echobridge/echobridge/pkg/provider/vad"
	"github.com/echobridge/echobridge/pkg/provider/voiceprint"
)

const defaultPoolSize = 2

// Providers holds one value per provider slot, populated by main via the
// config registry. LLM, ASR, TTS, and VAD are required; the rest degrade
// gracefully when nil.
type Providers struct {
	LLM        llm.Provider
	ASR        asr.Provider
	TTS        tts.Factory
	VAD        vad.Engine
	Voiceprint voiceprint.Identifier
	Intent     intent.Recognizer
	Embeddings embeddings.Provider
}

// MemoryFactory opens the long-term memory store for one device. The
// returned closer runs when the device's session ends.
type MemoryFactory func(ctx context.Context, deviceID string) (memory.Store, func() error, error)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	roles         *roles.Library
	pool          *ttspool.Pool
	manager       *session.Manager
	mcpTools      *tools.Registry
	mcpHost       *tools.MCPHost
	metrics       *observe.Metrics
	memoryFactory MemoryFactory
	logLevel      *slog.LevelVar

	srv        *server.Server
	metricsSrv *http.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithRoles injects a role library instead of loading one from the
// configured file.
func WithRoles(lib *roles.Library) Option {
	return func(a *App) { a.roles = lib }
}

// WithMemoryFactory injects a memory store factory instead of building one
// from the config.
func WithMemoryFactory(f MemoryFactory) Option {
	return func(a *App) { a.memoryFactory = f }
}

// WithLogLevelVar hands the app the level var backing the process logger so
// config reloads can adjust verbosity.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// New wires the process-wide subsystems. Per-connection wiring is deferred
// to the session factory.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if a.roles == nil {
		file, err := roles.LoadFile(cfg.Roles.File)
		if err != nil {
			return nil, fmt.Errorf("app: load roles: %w", err)
		}
		lib, err := roles.NewLibrary(file)
		if err != nil {
			return nil, fmt.Errorf("app: role library: %w", err)
		}
		a.roles = lib
	}

	if err := a.initPool(ctx); err != nil {
		return nil, err
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, err
	}
	if a.memoryFactory == nil {
		a.memoryFactory = a.defaultMemoryFactory()
	}

	a.manager = session.NewManager(a.logger)

	srvOpts := []server.Option{server.WithLogger(a.logger)}
	if len(cfg.Server.AuthTokens) > 0 {
		srvOpts = append(srvOpts, server.WithAuthTokens(cfg.Server.AuthTokens))
	}
	a.srv = server.New(cfg.Server.ListenAddr, a.newSession, srvOpts...)

	if cfg.Server.MetricsAddr != "" {
		a.metricsSrv = a.buildMetricsServer()
	}

	return a, nil
}

// initPool pre-warms the synthesizer pool.
func (a *App) initPool(ctx context.Context) error {
	size := a.cfg.Pool.Size
	if size <= 0 {
		size = defaultPoolSize
	}
	poolOpts := []ttspool.Option{
		ttspool.WithLogger(a.logger),
		ttspool.WithMetrics(a.metrics),
	}
	if a.cfg.Pool.IdleTimeout > 0 {
		poolOpts = append(poolOpts, ttspool.WithIdleTimeout(a.cfg.Pool.IdleTimeout))
	}
	pool, err := ttspool.New(ctx, a.providers.TTS, size, poolOpts...)
	if err != nil {
		return fmt.Errorf("app: warm synthesizer pool: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	return nil
}

// initMCP connects the configured MCP servers and bridges their tools into
// the shared registry.
func (a *App) initMCP(ctx context.Context) error {
	a.mcpTools = tools.NewRegistry(tools.WithLogger(a.logger))
	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	a.mcpHost = tools.NewMCPHost(a.mcpTools)
	a.closers = append(a.closers, a.mcpHost.Close)
	for _, srv := range a.cfg.MCP.Servers {
		err := a.mcpHost.RegisterServer(ctx, tools.ServerConfig{
			Name:        srv.Name,
			Transport:   srv.Transport,
			Command:     srv.Command,
			URL:         srv.URL,
			Env:         srv.Env,
			CallTimeout: srv.CallTimeout,
		})
		if err != nil {
			return fmt.Errorf("app: register mcp server %q: %w", srv.Name, err)
		}
		a.logger.Info("registered mcp server", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

// defaultMemoryFactory opens the pgvector store when a DSN is configured
// and falls back to the in-process store otherwise.
func (a *App) defaultMemoryFactory() MemoryFactory {
	if dsn := a.cfg.Memory.PostgresDSN; dsn != "" {
		return func(ctx context.Context, deviceID string) (memory.Store, func() error, error) {
			store, err := postgres.NewStore(ctx, dsn, deviceID, a.providers.Embeddings, a.providers.LLM)
			if err != nil {
				return nil, nil, err
			}
			return store, store.Close, nil
		}
	}
	return func(_ context.Context, deviceID string) (memory.Store, func() error, error) {
		store := local.New(deviceID, a.providers.LLM)
		return store, store.Close, nil
	}
}

// buildMetricsServer assembles the side listener: Prometheus scrape
// endpoint plus health, readiness, and status probes.
func (a *App) buildMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	h := health.New(health.StatusSource{
		ActiveSessions: a.manager.Count,
		IdleSynthSlots: a.pool.IdleSlots,
	})
	h.Register(mux)
	return &http.Server{
		Addr:              a.cfg.Server.MetricsAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run serves until ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("app: metrics listener: %w", err)
			}
		}()
		a.logger.Info("metrics listening", "addr", a.cfg.Server.MetricsAddr)
	}

	go func() {
		var err error
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			err = a.srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("app: listener: %w", err)
		}
	}()
	a.logger.Info("echobridge listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ApplyConfig picks up the hot-reloadable settings from a config change.
// Structural settings (providers, pool size, listeners) need a restart; the
// watcher logs what it could not apply.
func (a *App) ApplyConfig(next *config.Config) {
	diff := config.Diff(a.cfg, next)
	if diff.Empty() {
		return
	}
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Level())
		a.logger.Info("log level changed", "level", diff.NewLogLevel)
	}
	// Gate, session, and proactive settings apply to connections opened
	// after the swap; live connections keep the parameters they started
	// with.
	a.cfg = next
	a.logger.Info("configuration reloaded",
		"gate", diff.GateChanged, "session", diff.SessionChanged, "proactive", diff.ProactiveChanged)
}

// Shutdown stops the listeners, closes every live session, and tears the
// subsystems down in reverse init order.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: stop listener: %w", err))
		}
		if a.metricsSrv != nil {
			if err := a.metricsSrv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: stop metrics listener: %w", err))
			}
		}
		a.manager.CloseAll()
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// Manager exposes the session manager, for status surfaces and tests.
func (a *App) Manager() *session.Manager { return a.manager }

// newSession is the websocket session factory: it builds the full
// per-connection stack and blocks in the connection's read loop until the
// device leaves.
func (a *App) newSession(ctx context.Context, ws *websocket.Conn, id server.Identity) error {
	sessionID := session.NewID()
	logger := a.logger.With("session_id", sessionID, "device_id", id.DeviceID)

	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(ctx, -1)

	messenger := downlink.NewMessenger(ws, sessionID)

	decoder, err := audio.NewDecoder()
	if err != nil {
		return fmt.Errorf("app: opus decoder: %w", err)
	}
	vadSession, err := a.providers.VAD.NewSession(vad.Config{
		SampleRate: audio.SampleRate,
		Threshold:  a.cfg.Gate.Threshold,
	})
	if err != nil {
		return fmt.Errorf("app: vad session: %w", err)
	}
	defer vadSession.Close()

	g := gate.New(decoder, vadSession, a.gateOptions(logger)...)
	snk := sink.New(ctx, messenger, a.sinkOptions(logger)...)

	role := a.roles.Default()
	dlgOpts := []dialogue.Option{}
	if a.cfg.Session.MaxHistory > 0 {
		dlgOpts = append(dlgOpts, dialogue.WithMaxHistory(a.cfg.Session.MaxHistory))
	}
	dlg := dialogue.New(role.Prompt, dlgOpts...)

	store, closeStore, err := a.memoryFactory(ctx, id.DeviceID)
	if err != nil {
		return fmt.Errorf("app: open memory store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("memory store close failed", "error", err)
		}
	}()

	registry := tools.NewRegistry(
		tools.WithAdmins(a.cfg.Roles.Admins),
		tools.WithLogger(logger),
	)
	registry.Merge(a.mcpTools)

	// The proactive loop speaks through the connection, which does not
	// exist yet; its closures bind the variable assigned just below.
	var conn *session.Connection
	loop := a.buildProactive(dlg,
		func() bool { return !snk.Speaking() },
		func(ctx context.Context, text string) error { return conn.Speak(ctx, text) },
	)

	conn = session.New(sessionID, session.Config{
		DeviceID:  id.DeviceID,
		ClientID:  id.ClientID,
		Conn:      ws,
		Messenger: messenger,
		Gate:      g,
		Sink:      snk,
		PoolSink:  snk,
		Pool:      session.PoolAdapter{Pool: a.pool},
		Dialogue:  dlg,
		Memory:    store,
		Roles:     a.roles,
		Proactive: loop,
		Manager:   a.manager,
		Logger:    a.logger,
	}, a.sessionOptions()...)

	if err := tools.RegisterBuiltins(registry, conn, time.Now); err != nil {
		return fmt.Errorf("app: register builtins: %w", err)
	}

	streamer := respond.New(a.providers.LLM, registry, conn,
		respond.WithAbort(conn.Aborted),
		respond.WithLogger(logger),
		respond.WithMetrics(a.metrics),
	)
	conn.BindPipeline(pipeline.New(pipeline.Config{
		SessionID:  sessionID,
		ASR:        a.providers.ASR,
		Voiceprint: a.providers.Voiceprint,
		Intents:    a.providers.Intent,
		Memory:     store,
		Dialogue:   dlg,
		Messenger:  messenger,
		Streamer:   streamer,
		Sink:       snk,
		Hooks: pipeline.Hooks{
			Speak:     conn.Speak,
			OnExit:    func() { conn.RequestExit("") },
			OnCommand: deviceCommand(conn),
		},
	}, pipeline.WithLogger(logger), pipeline.WithMetrics(a.metrics)))

	a.manager.Register(id.DeviceID, conn)
	logger.Info("session started", "client_id", id.ClientID)
	return conn.Run(ctx)
}

// gateOptions translates the gate config section, keeping package defaults
// for zero values.
func (a *App) gateOptions(logger *slog.Logger) []gate.Option {
	opts := []gate.Option{gate.WithLogger(logger)}
	if t := a.cfg.Gate.Threshold; t > 0 {
		opts = append(opts, gate.WithThreshold(t))
	}
	if d := a.cfg.Gate.MinSilence; d > 0 {
		opts = append(opts, gate.WithMinSilence(d))
	}
	if n := a.cfg.Gate.PrerollFrames; n > 0 {
		opts = append(opts, gate.WithPrerollFrames(n))
	}
	if n := a.cfg.Gate.MinUtteranceFrames; n > 0 {
		opts = append(opts, gate.WithMinUtteranceFrames(n))
	}
	return opts
}

func (a *App) sinkOptions(logger *slog.Logger) []sink.Option {
	opts := []sink.Option{sink.WithLogger(logger)}
	if n := a.cfg.Sink.PrebufferFrames; n > 0 {
		opts = append(opts, sink.WithPrebuffer(n))
	}
	if n := a.cfg.Sink.BatchFrames; n > 0 {
		opts = append(opts, sink.WithBatch(n))
	}
	return opts
}

func (a *App) sessionOptions() []session.Option {
	opts := []session.Option{session.WithMetrics(a.metrics)}
	if d := a.cfg.Session.IdleTimeout; d > 0 {
		opts = append(opts, session.WithIdleTimeout(d))
	}
	return opts
}

// buildProactive assembles the follow-up loop for one connection, or nil
// when the feature is off.
func (a *App) buildProactive(dlg *dialogue.Dialogue, idle func() bool, speak func(ctx context.Context, text string) error) *proactive.Loop {
	if !a.cfg.Proactive.Enabled {
		return nil
	}
	var composer proactive.Composer = &proactive.Canned{}
	if a.cfg.Proactive.UseLLM {
		composer = proactive.NewLLMComposer(a.providers.LLM)
	}
	return proactive.New(dlg, composer, idle, speak, a.proactiveOptions()...)
}

func (a *App) proactiveOptions() []proactive.Option {
	opts := []proactive.Option{proactive.WithLogger(a.logger), proactive.WithMetrics(a.metrics)}
	if d := a.cfg.Proactive.Silence; d > 0 {
		opts = append(opts, proactive.WithSilence(d))
	}
	if d := a.cfg.Proactive.Cooldown; d > 0 {
		opts = append(opts, proactive.WithCooldown(d))
	}
	return opts
}

// deviceCommand maps recognized intent commands onto the connection.
func deviceCommand(conn *session.Connection) func(ctx context.Context, command string) error {
	return func(ctx context.Context, command string) error {
		switch command {
		case "volume_up":
			return conn.SetVolume(ctx, clampVolume(conn.Volume()+10))
		case "volume_down":
			return conn.SetVolume(ctx, clampVolume(conn.Volume()-10))
		default:
			return fmt.Errorf("app: unknown device command %q", command)
		}
	}
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
