// Package session owns the per-device connection: the websocket frame
// router, the turn lifecycle flags, the idle watchdog, and the close path.
//
// A Connection glues the voice gate, the utterance pipeline, the audio sink,
// and the proactive loop together. Binary frames feed the gate; text frames
// are JSON control messages. Everything a tool may mutate on the connection
// (role, volume, exit request) goes through the Connection so the registry's
// Host interface has a single implementation.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/echobridge/echobridge/internal/dialogue"
	"github.com/echobridge/echobridge/internal/downlink"
	"github.com/echobridge/echobridge/internal/gate"
	"github.com/echobridge/echobridge/internal/observe"
	"github.com/echobridge/echobridge/internal/proactive"
	"github.com/echobridge/echobridge/internal/respond"
	"github.com/echobridge/echobridge/internal/roles"
	"github.com/echobridge/echobridge/internal/tools"
	"github.com/echobridge/echobridge/internal/ttspool"
	"github.com/echobridge/echobridge/pkg/memory"
	"github.com/echobridge/echobridge/pkg/types"
)

const (
	defaultIdleTimeout = 120 * time.Second
	defaultFarewell    = "时间不早了，我们下次再聊吧。再见。"
	summarizeTimeout   = 15 * time.Second
	watchdogTick       = 5 * time.Second
)

// Socket is the uplink surface of *websocket.Conn the connection reads and
// closes through. Downlink writes go through the Messenger.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Router is the voice gate surface the read loop feeds.
type Router interface {
	Feed(ctx context.Context, packet []byte) (gate.Result, error)
	Reset()
}

// TurnRunner is the utterance pipeline surface.
type TurnRunner interface {
	Run(ctx context.Context, utt *types.Utterance) error
	RunText(ctx context.Context, text string) error
	Active() bool
}

// Player is the audio sink surface the connection controls directly.
type Player interface {
	BeginTurn()
	FinishTurn(lastIndex int)
	Abort()
	Speaking() bool
	Close() error
}

// Lease is one checked-out synthesizer slot.
type Lease interface {
	Synthesize(ctx context.Context, text string, index int) error
}

// Pool is the synthesis pool surface used for role switches and teardown.
type Pool interface {
	Acquire(sessionID string, sink ttspool.Sink, voice types.VoiceProfile) (Lease, error)
	Release(sessionID string)
}

// PoolAdapter lifts *ttspool.Pool to the Pool interface.
type PoolAdapter struct {
	Pool *ttspool.Pool
}

func (a PoolAdapter) Acquire(sessionID string, sink ttspool.Sink, voice types.VoiceProfile) (Lease, error) {
	l, err := a.Pool.Acquire(sessionID, sink, voice)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (a PoolAdapter) Release(sessionID string) { a.Pool.Release(sessionID) }

// Deregistrar removes the connection from the manager on close.
type Deregistrar interface {
	Deregister(deviceID string)
}

// Config bundles the connection collaborators built by the server.
type Config struct {
	DeviceID  string
	ClientID  string
	Conn      Socket
	Messenger *downlink.Messenger
	Gate      Router
	Pipeline  TurnRunner
	Sink      Player
	PoolSink  ttspool.Sink
	Pool      Pool
	Dialogue  *dialogue.Dialogue
	Memory    memory.Store
	Roles     *roles.Library
	Proactive *proactive.Loop
	Manager   Deregistrar
	Logger    *slog.Logger
}

// Option is a functional option for Connection.
type Option func(*Connection)

// WithIdleTimeout sets how long the connection survives without client
// traffic. Default: 120 s.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Connection) { c.idleTimeout = d }
}

// WithFarewell sets the text spoken before an idle close.
func WithFarewell(text string) Option {
	return func(c *Connection) { c.farewell = text }
}

// WithMetrics installs abort instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Connection) { c.metrics = m }
}

var (
	_ tools.Host      = (*Connection)(nil)
	_ respond.Speaker = (*Connection)(nil)
)

// Connection is one device's live session.
type Connection struct {
	id        string
	deviceID  string
	clientID  string
	conn      Socket
	messenger *downlink.Messenger
	gate      Router
	pipeline  TurnRunner
	sink      Player
	poolSink  ttspool.Sink
	pool      Pool
	dialogue  *dialogue.Dialogue
	memory    memory.Store
	roles     *roles.Library
	proactive *proactive.Loop
	manager   Deregistrar
	logger    *slog.Logger
	metrics   *observe.Metrics

	idleTimeout time.Duration
	farewell    string

	roleMu sync.Mutex
	role   roles.Role
	lease  Lease

	clientAbort atomic.Bool
	closeAfter  atomic.Bool
	volume      atomic.Int64
	lastTraffic atomic.Int64 // unix nanos

	closeOnce sync.Once
	closed    chan struct{}
}

// NewID returns a fresh 32-hex session id.
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// New builds a connection around an accepted websocket. The initial role is
// the library default; the pool lease is acquired by Start.
func New(id string, cfg Config, opts ...Option) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		id:          id,
		deviceID:    cfg.DeviceID,
		clientID:    cfg.ClientID,
		conn:        cfg.Conn,
		messenger:   cfg.Messenger,
		gate:        cfg.Gate,
		pipeline:    cfg.Pipeline,
		sink:        cfg.Sink,
		poolSink:    cfg.PoolSink,
		pool:        cfg.Pool,
		dialogue:    cfg.Dialogue,
		memory:      cfg.Memory,
		roles:       cfg.Roles,
		proactive:   cfg.Proactive,
		manager:     cfg.Manager,
		logger:      logger.With("session_id", id, "device_id", cfg.DeviceID),
		idleTimeout: defaultIdleTimeout,
		farewell:    defaultFarewell,
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if cfg.Roles != nil {
		c.role = cfg.Roles.Default()
	}
	c.volume.Store(50)
	c.touch()
	return c
}

// BindPipeline installs the turn runner after construction. The pipeline's
// streamer speaks through the connection, so the connection has to exist
// first; callers bind before Run.
func (c *Connection) BindPipeline(p TurnRunner) { c.pipeline = p }

// ID returns the session id.
func (c *Connection) ID() string { return c.id }

// DeviceID returns the authenticated device id.
func (c *Connection) DeviceID() string { return c.deviceID }

// Aborted reports the client-abort flag; the streamer polls it between
// chunks.
func (c *Connection) Aborted() bool { return c.clientAbort.Load() }

// Run services the connection until the client leaves, the idle watchdog
// fires, or ctx is cancelled. It sends the hello, speaks the greeting,
// starts the proactive loop, and then blocks in the read loop.
func (c *Connection) Run(ctx context.Context) error {
	defer c.Close()

	if c.pool != nil {
		lease, err := c.pool.Acquire(c.id, c.poolSink, c.currentRole().Voice.Profile())
		if err != nil {
			return fmt.Errorf("session: acquire synthesizer: %w", err)
		}
		c.roleMu.Lock()
		c.lease = lease
		c.roleMu.Unlock()
	}

	if err := c.messenger.Hello(ctx, downlink.DefaultAudioParams()); err != nil {
		return fmt.Errorf("session: hello: %w", err)
	}
	if greeting := c.currentRole().Greeting; greeting != "" {
		if err := c.Speak(ctx, greeting); err != nil {
			c.logger.Warn("greeting failed", "error", err)
		}
	}
	if c.proactive != nil {
		c.proactive.Start(ctx)
	}

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	go c.watchdog(watchdogCtx)

	return c.readLoop(ctx)
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.logger.Info("client closed connection")
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("session: read: %w", err)
		}
		c.touch()

		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(ctx, data)
		case websocket.MessageText:
			c.handleControl(ctx, data)
		}
	}
}

// handleAudio feeds one uplink packet through the gate. Voice during
// playback is server-side barge-in; completed utterances start a pipeline
// turn unless one is already active.
func (c *Connection) handleAudio(ctx context.Context, packet []byte) {
	res, err := c.gate.Feed(ctx, packet)
	if err != nil {
		c.logger.Warn("gate scoring failed", "error", err)
		return
	}
	if res.Speech && c.sink.Speaking() {
		c.logger.Info("barge-in, voice during playback")
		c.abortResponse(ctx, "barge_in")
	}
	if res.Utterance == nil {
		return
	}
	if c.pipeline.Active() {
		c.logger.Debug("utterance dropped, turn in flight")
		return
	}
	c.clientAbort.Store(false)
	utt := res.Utterance
	go func() {
		if err := c.pipeline.Run(ctx, utt); err != nil {
			c.logger.Error("turn failed", "error", err)
		}
		c.maybeCloseAfterTurn()
	}()
}

// controlMessage is the uplink JSON envelope.
type controlMessage struct {
	Type  string `json:"type"`
	State string `json:"state,omitempty"`
	Text  string `json:"text,omitempty"`
}

func (c *Connection) handleControl(ctx context.Context, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("malformed control message", "error", err)
		return
	}
	switch msg.Type {
	case "hello":
		if err := c.messenger.Hello(ctx, downlink.DefaultAudioParams()); err != nil {
			c.logger.Warn("hello reply failed", "error", err)
		}
	case "abort":
		c.logger.Info("client abort")
		c.abortResponse(ctx, "client")
	case "listen":
		c.handleListen(ctx, msg)
	case "iot":
		// Device state reports; only the volume is tracked today.
	default:
		c.logger.Debug("ignoring unknown control message", "type", msg.Type)
	}
}

func (c *Connection) handleListen(ctx context.Context, msg controlMessage) {
	switch msg.State {
	case "start", "stop":
		c.gate.Reset()
	case "detect":
		if text := strings.TrimSpace(msg.Text); text != "" {
			c.clientAbort.Store(false)
			go func() {
				if err := c.pipeline.RunText(ctx, text); err != nil {
					c.logger.Error("detect turn failed", "error", err)
				}
				c.maybeCloseAfterTurn()
			}()
		}
	}
}

// abortResponse implements barge-in: flag the streamer, drop the sink
// queue, close the tts bracket, and re-arm the gate.
func (c *Connection) abortResponse(ctx context.Context, source string) {
	if c.metrics != nil {
		c.metrics.RecordAbort(ctx, source)
	}
	c.clientAbort.Store(true)
	c.sink.Abort()
	if err := c.messenger.TTSState(ctx, downlink.StateStop, ""); err != nil {
		c.logger.Warn("abort stop bracket failed", "error", err)
	}
	c.gate.Reset()
}

// Speak runs one direct sink-bracketed utterance outside the LLM path.
func (c *Connection) Speak(ctx context.Context, text string) error {
	c.roleMu.Lock()
	lease := c.lease
	c.roleMu.Unlock()
	if lease == nil {
		return fmt.Errorf("session: no synthesizer lease")
	}
	if err := c.messenger.TTSState(ctx, downlink.StateStart, ""); err != nil {
		return err
	}
	c.sink.BeginTurn()
	if err := lease.Synthesize(ctx, text, 1); err != nil {
		c.sink.FinishTurn(0)
		return fmt.Errorf("session: speak: %w", err)
	}
	c.sink.FinishTurn(1)
	return nil
}

// Synthesize routes streamer segments through the current lease, so a role
// switch mid-session picks up the new voice on the next segment.
func (c *Connection) Synthesize(ctx context.Context, text string, index int) error {
	c.roleMu.Lock()
	lease := c.lease
	c.roleMu.Unlock()
	if lease == nil {
		return fmt.Errorf("session: no synthesizer lease")
	}
	return lease.Synthesize(ctx, text, index)
}

// watchdog closes idle connections after a spoken farewell.
func (c *Connection) watchdog(ctx context.Context) {
	tick := watchdogTick
	if quarter := c.idleTimeout / 4; quarter > 0 && quarter < tick {
		tick = quarter
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastTraffic.Load()))
			if idle < c.idleTimeout {
				continue
			}
			if c.pipeline.Active() || c.sink.Speaking() {
				continue
			}
			c.logger.Info("closing idle connection", "idle", idle)
			if err := c.Speak(ctx, c.farewell); err != nil {
				c.logger.Warn("farewell failed", "error", err)
			}
			c.Close()
			return
		}
	}
}

func (c *Connection) touch() {
	c.lastTraffic.Store(time.Now().UnixNano())
}

func (c *Connection) currentRole() roles.Role {
	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	return c.role
}

func (c *Connection) maybeCloseAfterTurn() {
	if !c.closeAfter.Load() {
		return
	}
	// Let the farewell drain before tearing the link down.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) && c.sink.Speaking() {
		time.Sleep(50 * time.Millisecond)
	}
	c.Close()
}

// RequestExit marks the session to close once the current playback drains.
// Part of the tool host surface.
func (c *Connection) RequestExit(string) {
	c.closeAfter.Store(true)
}

// SetRole switches the persona: system prompt, voice, proactive interests.
// Part of the tool host surface.
func (c *Connection) SetRole(ctx context.Context, name string) error {
	if c.roles == nil {
		return fmt.Errorf("session: no role library configured")
	}
	role, err := c.roles.Get(name)
	if err != nil {
		return err
	}

	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	if c.pool != nil {
		c.pool.Release(c.id)
		lease, err := c.pool.Acquire(c.id, c.poolSink, role.Voice.Profile())
		if err != nil {
			return fmt.Errorf("session: re-acquire synthesizer for role %q: %w", name, err)
		}
		c.lease = lease
	}
	c.role = role
	c.dialogue.UpdateSystem(role.Prompt)
	c.logger.Info("role switched", "role", name)
	return nil
}

// RoleNames lists the configured personas. Part of the tool host surface.
func (c *Connection) RoleNames() []string {
	if c.roles == nil {
		return nil
	}
	return c.roles.Names()
}

// SetVolume pushes a volume change to the device. Part of the tool host
// surface.
func (c *Connection) SetVolume(ctx context.Context, level int) error {
	if err := c.messenger.IoT(ctx, "set_volume", map[string]any{"volume": level}); err != nil {
		return err
	}
	c.volume.Store(int64(level))
	return nil
}

// Volume returns the last pushed device volume. Part of the tool host
// surface.
func (c *Connection) Volume() int { return int(c.volume.Load()) }

// Close tears the session down exactly once: proactive loop, active
// response, pool slot, memory summary, websocket, manager registration.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.proactive != nil {
			c.proactive.Stop()
		}
		c.clientAbort.Store(true)
		c.sink.Abort()
		_ = c.sink.Close()
		if c.pool != nil {
			c.pool.Release(c.id)
		}
		c.flushSummary()
		_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
		if c.manager != nil {
			c.manager.Deregister(c.deviceID)
		}
		c.logger.Info("session closed", "turns", c.dialogue.TurnCount())
	})
}

// flushSummary writes the end-of-session memory note. Failures are logged,
// never fatal.
func (c *Connection) flushSummary() {
	if c.memory == nil || c.dialogue.TurnCount() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
	defer cancel()
	if err := c.memory.Summarize(ctx, c.dialogue.History()); err != nil {
		c.logger.Warn("session summary failed", "error", err)
	}
}
