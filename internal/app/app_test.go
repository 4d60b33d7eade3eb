package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/echobridge/echobridge/internal/config"
	"github.com/echobridge/echobridge/internal/downlink"
	"github.com/echobridge/echobridge/internal/roles"
	"github.com/echobridge/echobridge/internal/session"
	"github.com/echobridge/echobridge/pkg/memory"
	memmock "github.com/echobridge/echobridge/pkg/memory/mock"
	asrmock "github.com/echobridge/echobridge/pkg/provider/asr/mock"
	llmmock "github.com/echobridge/echobridge/pkg/provider/llm/mock"
	"github.com/echobridge/echobridge/pkg/provider/tts"
	ttsmock "github.com/echobridge/echobridge/pkg/provider/tts/mock"
	vadmock "github.com/echobridge/echobridge/pkg/provider/vad/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Pool:   config.PoolConfig{Size: 2},
	}
}

func testProviders() *Providers {
	return &Providers{
		LLM: &llmmock.Provider{},
		ASR: &asrmock.Provider{},
		TTS: func(context.Context) (tts.Synthesizer, error) {
			return &ttsmock.Synthesizer{}, nil
		},
		VAD: &vadmock.Engine{},
	}
}

func testRoles(t *testing.T) *roles.Library {
	t.Helper()
	lib, err := roles.NewLibrary(&roles.File{
		Default: "小艾",
		Roles: []roles.Role{
			{Name: "小艾", Prompt: "你是小艾。", Voice: roles.VoiceConfig{ID: "voice-a"}},
		},
	})
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	return lib
}

func testMemoryFactory(store *memmock.Store) MemoryFactory {
	return func(context.Context, string) (memory.Store, func() error, error) {
		return store, func() error { return nil }, nil
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, testProviders(),
		WithLogger(slog.Default()),
		WithRoles(testRoles(t)),
		WithMemoryFactory(testMemoryFactory(&memmock.Store{})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNewWiresSubsystems(t *testing.T) {
	a := newTestApp(t, testConfig())

	if a.Manager() == nil {
		t.Fatal("manager not created")
	}
	if got := a.pool.IdleSlots(); got != 2 {
		t.Errorf("idle slots = %d, want 2", got)
	}
	if a.metricsSrv != nil {
		t.Error("metrics server created without metrics_addr")
	}
}

func TestNewFailsOnMissingRolesFile(t *testing.T) {
	cfg := testConfig()
	cfg.Roles.File = "does/not/exist.yaml"

	_, err := New(context.Background(), cfg, testProviders())
	if err == nil {
		t.Fatal("New error = nil, want roles load failure")
	}
	if !strings.Contains(err.Error(), "load roles") {
		t.Errorf("error = %v", err)
	}
}

func TestDefaultMemoryFactoryUsesLocalStore(t *testing.T) {
	a := newTestApp(t, testConfig())

	factory := a.defaultMemoryFactory()
	store, closeStore, err := factory(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if store == nil {
		t.Fatal("store = nil")
	}
	if err := closeStore(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestMetricsServerServesProbes(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MetricsAddr = "127.0.0.1:0"
	a := newTestApp(t, cfg)

	if a.metricsSrv == nil {
		t.Fatal("metrics server not created")
	}

	for _, path := range []string{"/healthz", "/readyz", "/statusz", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		a.metricsSrv.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestStatuszReportsPoolSlots(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MetricsAddr = "127.0.0.1:0"
	a := newTestApp(t, cfg)

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	a.metricsSrv.Handler.ServeHTTP(rec, req)

	var body struct {
		IdleSynthSlots int `json:"idle_synth_slots"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.IdleSynthSlots != 2 {
		t.Errorf("idle_synth_slots = %d, want 2", body.IdleSynthSlots)
	}
}

func TestApplyConfigChangesLogLevel(t *testing.T) {
	level := new(slog.LevelVar)
	cfg := testConfig()
	cfg.Server.LogLevel = config.LogInfo

	a, err := New(context.Background(), cfg, testProviders(),
		WithRoles(testRoles(t)),
		WithMemoryFactory(testMemoryFactory(&memmock.Store{})),
		WithLogLevelVar(level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	a.ApplyConfig(&next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if a.cfg.Server.LogLevel != config.LogDebug {
		t.Error("config snapshot not swapped")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := newTestApp(t, testConfig())

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

// iotTransport records downlink writes so device command tests can assert
// on the IoT messages without a real websocket.
type iotTransport struct {
	payloads []string
}

func (f *iotTransport) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.payloads = append(f.payloads, string(p))
	return nil
}

func TestDeviceCommandAdjustsVolume(t *testing.T) {
	transport := &iotTransport{}
	conn := session.New("s1", session.Config{
		Messenger: downlink.NewMessenger(transport, "s1"),
	})

	cmd := deviceCommand(conn)
	if err := cmd(context.Background(), "volume_up"); err != nil {
		t.Fatalf("volume_up: %v", err)
	}
	if conn.Volume() != 60 {
		t.Errorf("volume = %d, want 60", conn.Volume())
	}
	if err := cmd(context.Background(), "volume_down"); err != nil {
		t.Fatalf("volume_down: %v", err)
	}
	if conn.Volume() != 50 {
		t.Errorf("volume = %d, want 50", conn.Volume())
	}
	if err := cmd(context.Background(), "self_destruct"); err == nil {
		t.Error("unknown command did not error")
	}
	if len(transport.payloads) != 2 {
		t.Errorf("iot messages = %d, want 2", len(transport.payloads))
	}
}

func TestClampVolume(t *testing.T) {
	if got := clampVolume(130); got != 100 {
		t.Errorf("clamp(130) = %d", got)
	}
	if got := clampVolume(-5); got != 0 {
		t.Errorf("clamp(-5) = %d", got)
	}
	if got := clampVolume(55); got != 55 {
		t.Errorf("clamp(55) = %d", got)
	}
}
