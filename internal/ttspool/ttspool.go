// Package ttspool manages the process-wide pool of reusable synthesizer
// slots.
//
// Capacity is fixed at construction and every slot is pre-warmed, so each
// slot's upstream connection is negotiated once and reused across dialogue
// sessions. A session acquires at most one slot, keyed by session id;
// acquisition is non-blocking, and when the idle queue is empty the lease
// stays unbacked until a slot frees up, with each synthesis in between
// failing individually. A reaper returns slots whose session has gone quiet.
package ttspool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echobridge/echobridge/internal/observe"
	"github.com/echobridge/echobridge/pkg/provider/tts"
	"github.com/echobridge/echobridge/pkg/types"
)

const (
	defaultIdleTimeout  = 3 * time.Second
	defaultReapInterval = 3 * time.Second
)

// ErrExhausted is returned by Lease.Synthesize while every slot is keyed to
// another session.
var ErrExhausted = errors.New("ttspool: no idle synthesizer available")

// ErrClosed is returned when the pool has been shut down.
var ErrClosed = errors.New("ttspool: pool is closed")

// Sink receives synthesized segments in dispatch order. The audio sink
// implements it; tests use fakes.
type Sink interface {
	Enqueue(frames [][]byte, text string, index int) error
}

// slot pairs one warmed synthesizer with its usage bookkeeping. All fields
// are guarded by the pool mutex.
type slot struct {
	synth    tts.Synthesizer
	session  string
	sink     Sink
	voice    types.VoiceProfile
	lastUsed time.Time
	busy     bool
}

// Pool is the shared synthesizer pool.
type Pool struct {
	logger       *slog.Logger
	metrics      *observe.Metrics
	idleTimeout  time.Duration
	reapInterval time.Duration
	now          func() time.Time

	mu     sync.Mutex
	idle   []*slot
	inUse  map[string]*slot
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Option is a functional option for Pool.
type Option func(*Pool)

// WithIdleTimeout sets how long an acquired slot may sit unused before the
// reaper reclaims it. Default: 3 s.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) { p.idleTimeout = d }
}

// WithReapInterval sets the reaper tick. Default: 3 s.
func WithReapInterval(d time.Duration) Option {
	return func(p *Pool) { p.reapInterval = d }
}

// WithLogger sets the pool logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithMetrics installs slot occupancy and synthesis instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New pre-warms capacity synthesizers through factory and starts the reaper.
// A factory failure tears down the already-warmed slots.
func New(ctx context.Context, factory tts.Factory, capacity int, opts ...Option) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("ttspool: capacity %d, need at least 1", capacity)
	}
	p := &Pool{
		logger:       slog.Default(),
		idleTimeout:  defaultIdleTimeout,
		reapInterval: defaultReapInterval,
		now:          time.Now,
		inUse:        map[string]*slot{},
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	for i := 0; i < capacity; i++ {
		synth, err := factory(ctx)
		if err != nil {
			for _, s := range p.idle {
				_ = s.synth.Close()
			}
			return nil, fmt.Errorf("ttspool: warm slot %d: %w", i, err)
		}
		p.idle = append(p.idle, &slot{synth: synth})
	}

	if p.metrics != nil {
		p.metrics.IdleSynthSlots.Add(ctx, int64(len(p.idle)))
	}

	p.wg.Add(1)
	go p.reapLoop()
	return p, nil
}

// Lease is a session's handle on the pool. It survives reaper reclamation:
// a reaped slot is transparently re-acquired on the next synthesis.
type Lease struct {
	pool    *Pool
	session string
	sink    Sink
	voice   types.VoiceProfile
}

// Acquire returns a lease for sessionID. The slot already keyed to the
// session is reused with a refreshed last-used stamp; otherwise an idle slot
// is taken, re-keyed, and pointed at the caller's sink and voice. When every
// slot is keyed to another session the lease comes back unbacked: the session
// proceeds without speech, each synthesis fails with ErrExhausted, and the
// first synthesis after a slot frees up claims it transparently.
func (p *Pool) Acquire(sessionID string, sink Sink, voice types.VoiceProfile) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if _, err := p.slotLocked(sessionID, sink, voice); err != nil {
		p.logger.Warn("synthesizer pool exhausted, session starts without a slot",
			"session_id", sessionID)
	}
	return &Lease{pool: p, session: sessionID, sink: sink, voice: voice}, nil
}

// Release returns the session's slot to the idle queue. Idempotent.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(sessionID)
}

// IdleSlots returns the current idle queue length.
func (p *Pool) IdleSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close stops the reaper and closes every synthesizer. Leases become
// unusable.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := append([]*slot{}, p.idle...)
	for _, s := range p.inUse {
		slots = append(slots, s)
	}
	p.idle = nil
	p.inUse = map[string]*slot{}
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	var firstErr error
	for _, s := range slots {
		if err := s.synth.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Synthesize runs one segment through the lease's slot and enqueues the
// resulting frames on the sink. A synthesis failure, including an unbacked
// lease, still enqueues an empty clip so the sink's sentence brackets and
// stop bookkeeping stay aligned, and the error is returned for logging.
func (l *Lease) Synthesize(ctx context.Context, text string, index int) error {
	s, err := l.pool.checkout(l)
	if err != nil {
		if enqErr := l.sink.Enqueue(nil, text, index); enqErr != nil {
			return fmt.Errorf("ttspool: enqueue segment %d: %w", index, enqErr)
		}
		return fmt.Errorf("ttspool: segment %d: %w", index, err)
	}

	start := time.Now()
	clip, synthErr := s.synth.Synthesize(ctx, text, l.voice)
	l.pool.checkin(s)
	if m := l.pool.metrics; m != nil {
		m.TTSDuration.Record(ctx, time.Since(start).Seconds())
		if synthErr != nil {
			m.RecordProviderError(ctx, "tts", "synthesize")
		}
	}

	frames := clip.Frames
	if synthErr != nil {
		frames = nil
	}
	if err := l.sink.Enqueue(frames, text, index); err != nil {
		return fmt.Errorf("ttspool: enqueue segment %d: %w", index, err)
	}
	if synthErr != nil {
		return fmt.Errorf("ttspool: synthesize segment %d: %w", index, synthErr)
	}
	return nil
}

// Release returns the leased slot to the pool.
func (l *Lease) Release() {
	l.pool.Release(l.session)
}

// checkout resolves the lease to its slot, re-acquiring from the idle queue
// when the reaper took it, and marks the slot busy.
func (p *Pool) checkout(l *Lease) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	s, err := p.slotLocked(l.session, l.sink, l.voice)
	if err != nil {
		return nil, err
	}
	s.busy = true
	return s, nil
}

func (p *Pool) checkin(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.busy = false
	s.lastUsed = p.now()
}

// slotLocked returns the slot keyed to sessionID, taking one from the idle
// queue when needed. Caller holds the lock.
func (p *Pool) slotLocked(sessionID string, sink Sink, voice types.VoiceProfile) (*slot, error) {
	if s, ok := p.inUse[sessionID]; ok {
		s.lastUsed = p.now()
		return s, nil
	}
	if len(p.idle) == 0 {
		if p.metrics != nil {
			p.metrics.PoolExhausted.Add(context.Background(), 1)
		}
		return nil, ErrExhausted
	}
	s := p.idle[0]
	p.idle = p.idle[1:]
	if p.metrics != nil {
		p.metrics.IdleSynthSlots.Add(context.Background(), -1)
	}
	s.session = sessionID
	s.sink = sink
	s.voice = voice
	s.lastUsed = p.now()
	p.inUse[sessionID] = s
	return s, nil
}

func (p *Pool) releaseLocked(sessionID string) {
	s, ok := p.inUse[sessionID]
	if !ok {
		return
	}
	delete(p.inUse, sessionID)
	s.session = ""
	s.sink = nil
	s.voice = types.VoiceProfile{}
	p.idle = append(p.idle, s)
	if p.metrics != nil {
		p.metrics.IdleSynthSlots.Add(context.Background(), 1)
	}
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap returns acquired slots that have been idle past the timeout. Busy
// slots are skipped; they will age again after their synthesis finishes.
func (p *Pool) reap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for session, s := range p.inUse {
		if s.busy || now.Sub(s.lastUsed) <= p.idleTimeout {
			continue
		}
		p.logger.Info("reclaiming idle synthesizer slot", "session_id", session)
		p.releaseLocked(session)
	}
}
