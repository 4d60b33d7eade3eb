// Package sink plays synthesized segments to the device at speech rate.
//
// Segments arrive from the synthesis pool tagged with their turn index and
// are played strictly in order: a sentence_start bracket, the opus frames
// paced against a 60 ms frame clock, then sentence_end. The first frames of
// each segment are pre-buffered so the device never starves on jitter. The
// turn's tts stop bracket is sent only once the final indexed segment has
// played and the LLM round is known to be finished. Barge-in drops the
// queue and the remainder of the playing segment within one batch.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultFrameDuration = 60 * time.Millisecond
	defaultPrebuffer     = 8
	defaultBatch         = 3
)

// Messenger is the downlink surface the sink writes through. The connection
// messenger implements it.
type Messenger interface {
	TTSState(ctx context.Context, state, text string) error
	Audio(ctx context.Context, frame []byte) error
}

// Downlink bracket states, mirrored here to keep the package self-contained
// in tests.
const (
	stateSentenceStart = "sentence_start"
	stateSentenceEnd   = "sentence_end"
	stateStop          = "stop"
)

type segment struct {
	frames [][]byte
	text   string
	index  int
	gen    uint64
}

// Sink is the per-connection playback queue.
type Sink struct {
	ctx           context.Context
	messenger     Messenger
	logger        *slog.Logger
	frameDuration time.Duration
	prebuffer     int
	batch         int
	now           func() time.Time
	sleep         func(time.Duration)
	notify        [][]byte
	onIdle        func()

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []segment
	gen         uint64
	speaking    bool
	playing     bool
	llmFinished bool
	lastIndex   int
	lastPlayed  int
	stopSent    bool
	closed      bool

	wg sync.WaitGroup
}

// Option is a functional option for Sink.
type Option func(*Sink)

// WithFrameDuration sets the playback frame clock. Default: 60 ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Sink) { s.frameDuration = d }
}

// WithPrebuffer sets how many leading frames ship unpaced. Default: 8.
func WithPrebuffer(n int) Option {
	return func(s *Sink) { s.prebuffer = n }
}

// WithBatch sets the paced batch size. Default: 3.
func WithBatch(n int) Option {
	return func(s *Sink) { s.batch = n }
}

// WithNotifyClip sets opus frames played right before the turn's stop
// bracket, such as a chime marking the end of a proactive message.
func WithNotifyClip(frames [][]byte) Option {
	return func(s *Sink) { s.notify = frames }
}

// WithOnIdle installs a callback fired after each turn's stop bracket.
func WithOnIdle(fn func()) Option {
	return func(s *Sink) { s.onIdle = fn }
}

// WithLogger sets the sink logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithClock overrides the time source and sleeper, for tests.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(s *Sink) {
		s.now = now
		s.sleep = sleep
	}
}

// New creates the sink and starts its playback worker. ctx bounds all
// downlink writes; cancel it before Close on connection teardown.
func New(ctx context.Context, messenger Messenger, opts ...Option) *Sink {
	s := &Sink{
		ctx:           ctx,
		messenger:     messenger,
		logger:        slog.Default(),
		frameDuration: defaultFrameDuration,
		prebuffer:     defaultPrebuffer,
		batch:         defaultBatch,
		now:           time.Now,
		sleep:         time.Sleep,
	}
	for _, o := range opts {
		o(s)
	}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.run()
	return s
}

// BeginTurn resets the per-turn bookkeeping. Call before the first segment
// of a turn is enqueued.
func (s *Sink) BeginTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llmFinished = false
	s.lastIndex = 0
	s.lastPlayed = 0
	s.stopSent = false
}

// Enqueue adds one synthesized segment to the playback queue. Implements
// the pool's sink contract.
func (s *Sink) Enqueue(frames [][]byte, text string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink: closed")
	}
	s.queue = append(s.queue, segment{frames: frames, text: text, index: index, gen: s.gen})
	s.speaking = true
	s.cond.Signal()
	return nil
}

// FinishTurn marks the LLM round finished and records the final segment
// index. When everything already played (or the turn produced no speech)
// the stop bracket is sent inline.
func (s *Sink) FinishTurn(lastIndex int) {
	s.mu.Lock()
	s.llmFinished = true
	s.lastIndex = lastIndex
	done := !s.playing && len(s.queue) == 0 && s.lastPlayed >= lastIndex && !s.stopSent
	if done {
		s.stopSent = true
	}
	s.mu.Unlock()
	if done {
		s.finishPlayback()
	}
}

// Abort drops all queued segments and cuts the playing one short. The next
// enqueued segment belongs to a new generation.
func (s *Sink) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.queue = nil
	s.speaking = false
	// The connection's abort handler owns the stop bracket after barge-in.
	s.stopSent = true
	s.cond.Broadcast()
}

// Speaking reports whether playback is active or pending.
func (s *Sink) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking || s.playing || len(s.queue) > 0
}

// Close stops the worker. Queued segments are discarded.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		seg := s.queue[0]
		s.queue = s.queue[1:]
		s.playing = true
		s.mu.Unlock()

		s.play(seg)

		s.mu.Lock()
		s.playing = false
		s.lastPlayed = seg.index
		done := s.llmFinished && seg.index >= s.lastIndex && s.lastIndex > 0 &&
			len(s.queue) == 0 && !s.stopSent && seg.gen == s.gen
		if done {
			s.stopSent = true
		}
		s.mu.Unlock()
		if done {
			s.finishPlayback()
		}
	}
}

// play sends one segment's brackets and paced frames. An abort after
// dequeue stops the frame loop within one batch; the closing bracket is
// still sent so the device's state machine stays consistent.
func (s *Sink) play(seg segment) {
	if err := s.messenger.TTSState(s.ctx, stateSentenceStart, seg.text); err != nil {
		s.logger.Warn("sentence_start write failed", "error", err)
		return
	}

	origin := s.now()
	var position time.Duration

	pre := s.prebuffer
	if pre > len(seg.frames) {
		pre = len(seg.frames)
	}
	// The pre-buffered frames are the device's jitter cushion; the paced
	// schedule starts counting at the first batch.
	for _, frame := range seg.frames[:pre] {
		if s.sendFrame(frame, seg.gen) {
			break
		}
	}

	rest := seg.frames[pre:]
	for start := 0; start < len(rest); start += s.batch {
		if s.stale(seg.gen) {
			break
		}
		end := start + s.batch
		if end > len(rest) {
			end = len(rest)
		}
		batch := rest[start:end]

		base := time.Duration(len(batch)) * s.frameDuration
		delay := origin.Add(position).Sub(s.now())
		// A delay beyond the late bound means the clock slipped; fall back
		// to the early bound instead of bursting.
		if delay > base*11/10 {
			delay = base * 7 / 10
		}
		if delay > 0 {
			s.sleep(delay)
		}
		for _, frame := range batch {
			if s.sendFrame(frame, seg.gen) {
				break
			}
		}
		position += base
	}

	if err := s.messenger.TTSState(s.ctx, stateSentenceEnd, seg.text); err != nil {
		s.logger.Warn("sentence_end write failed", "error", err)
	}
}

// sendFrame writes one frame, reporting true when the segment went stale.
func (s *Sink) sendFrame(frame []byte, gen uint64) bool {
	if s.stale(gen) {
		return true
	}
	if err := s.messenger.Audio(s.ctx, frame); err != nil {
		s.logger.Warn("audio frame write failed", "error", err)
		return true
	}
	return false
}

func (s *Sink) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.gen || s.closed
}

// finishPlayback plays the notify clip, sends the stop bracket, and clears
// the speaking state.
func (s *Sink) finishPlayback() {
	for _, frame := range s.notify {
		if err := s.messenger.Audio(s.ctx, frame); err != nil {
			s.logger.Warn("notify frame write failed", "error", err)
			break
		}
		s.sleep(s.frameDuration)
	}
	if err := s.messenger.TTSState(s.ctx, stateStop, ""); err != nil {
		s.logger.Warn("tts stop write failed", "error", err)
	}
	s.mu.Lock()
	s.speaking = false
	s.mu.Unlock()
	if s.onIdle != nil {
		s.onIdle()
	}
}
