// Package gate converts the uplink audio packet stream into utterance
// boundaries.
//
// Each 20 ms opus packet is decoded to PCM and scored in fixed 512-sample
// chunks by the VAD provider. The gate tracks whether the current segment has
// seen voice, measures trailing silence, and hands a completed utterance
// (pre-roll included) to the caller once silence exceeds the configured
// minimum. Packets arriving before voice onset are kept in a small pre-roll
// ring so the first syllable is not clipped.
package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/echobridge/echobridge/pkg/audio"
	"github.com/echobridge/echobridge/pkg/provider/vad"
	"github.com/echobridge/echobridge/pkg/types"
)

const (
	defaultThreshold         = 0.5
	defaultMinSilence        = 700 * time.Millisecond
	defaultPrerollFrames     = 5
	defaultMinUtteranceFrame = 10

	packetDuration = 20 * time.Millisecond
)

// Decoder turns one opus packet into PCM samples. *audio.Decoder satisfies
// it; tests inject a fake.
type Decoder interface {
	Decode(packet []byte) ([]int16, error)
}

// Result is the outcome of feeding one packet.
type Result struct {
	// Speech reports whether the packet contained voiced chunks.
	Speech bool

	// Utterance is non-nil when trailing silence closed a segment of at
	// least the minimum frame count.
	Utterance *types.Utterance
}

// Gate is the per-connection utterance detector. Not safe for concurrent
// use; the read loop is its only caller.
type Gate struct {
	decoder   Decoder
	session   vad.Session
	logger    *slog.Logger
	threshold float64
	silence   time.Duration
	preroll   int
	minFrames int
	now       func() time.Time

	chunk     []int16  // partial scoring chunk carried between packets
	frames    [][]byte // encoded packets of the current segment (pre-roll included)
	pcm       []byte   // decoded PCM aligned with frames
	hadVoice  bool
	start     time.Time
	lastVoice time.Time
}

// Option is a functional option for Gate.
type Option func(*Gate)

// WithThreshold sets the speech probability cutoff. Default: 0.5.
func WithThreshold(t float64) Option {
	return func(g *Gate) { g.threshold = t }
}

// WithMinSilence sets the trailing silence that closes an utterance.
// Default: 700 ms.
func WithMinSilence(d time.Duration) Option {
	return func(g *Gate) { g.silence = d }
}

// WithPrerollFrames sets how many pre-voice packets are retained. Default: 5.
func WithPrerollFrames(n int) Option {
	return func(g *Gate) { g.preroll = n }
}

// WithMinUtteranceFrames sets the minimum packet count for a completed
// utterance; shorter segments are discarded. Default: 10.
func WithMinUtteranceFrames(n int) Option {
	return func(g *Gate) { g.minFrames = n }
}

// WithLogger sets the gate logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a gate over the given decoder and scoring session.
func New(decoder Decoder, session vad.Session, opts ...Option) *Gate {
	g := &Gate{
		decoder:   decoder,
		session:   session,
		logger:    slog.Default(),
		threshold: defaultThreshold,
		silence:   defaultMinSilence,
		preroll:   defaultPrerollFrames,
		minFrames: defaultMinUtteranceFrame,
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Feed processes one uplink opus packet. Malformed packets are logged and
// dropped without touching gate state. Scoring errors are returned; the
// caller decides whether to keep the connection alive.
func (g *Gate) Feed(ctx context.Context, packet []byte) (Result, error) {
	samples, err := g.decoder.Decode(packet)
	if err != nil {
		g.logger.Warn("dropping malformed audio packet", "error", err)
		return Result{}, nil
	}

	speech, err := g.score(ctx, samples)
	if err != nil {
		return Result{}, err
	}

	now := g.now()
	if speech {
		if !g.hadVoice {
			g.hadVoice = true
			g.start = now
		}
		g.lastVoice = now
	}

	// No voice yet in this segment: keep the packet in the pre-roll ring.
	if !speech && !g.hadVoice {
		g.retain(packet, samples)
		if len(g.frames) > g.preroll {
			g.trimToPreroll()
		}
		return Result{}, nil
	}

	g.retain(packet, samples)

	if g.hadVoice && !speech && now.Sub(g.lastVoice) >= g.silence {
		return Result{Speech: speech, Utterance: g.finish()}, nil
	}
	return Result{Speech: speech}, nil
}

// Reset discards the current segment and scoring state, re-arming the gate.
func (g *Gate) Reset() {
	g.chunk = nil
	g.frames = nil
	g.pcm = nil
	g.hadVoice = false
	g.session.Reset()
}

// score runs complete 512-sample chunks through the VAD session. Leftover
// samples wait for the next packet; the model is never fed a short chunk.
func (g *Gate) score(ctx context.Context, samples []int16) (bool, error) {
	g.chunk = append(g.chunk, samples...)
	speech := false
	for len(g.chunk) >= vad.ChunkSamples {
		prob, err := g.session.Score(ctx, audio.Int16sToBytes(g.chunk[:vad.ChunkSamples]))
		if err != nil {
			return false, err
		}
		if prob >= g.threshold {
			speech = true
		}
		g.chunk = g.chunk[vad.ChunkSamples:]
	}
	return speech, nil
}

func (g *Gate) retain(packet []byte, samples []int16) {
	frame := make([]byte, len(packet))
	copy(frame, packet)
	g.frames = append(g.frames, frame)
	g.pcm = append(g.pcm, audio.Int16sToBytes(samples)...)
}

// trimToPreroll drops the oldest retained packet and its PCM.
func (g *Gate) trimToPreroll() {
	bytesPerFrame := len(g.pcm) / len(g.frames)
	g.frames = g.frames[1:]
	g.pcm = g.pcm[bytesPerFrame:]
}

// finish closes the segment. Utterances below the minimum frame count are
// discarded.
func (g *Gate) finish() *types.Utterance {
	frames, pcm, start := g.frames, g.pcm, g.start
	g.Reset()
	if len(frames) < g.minFrames {
		g.logger.Debug("discarding short utterance", "frames", len(frames))
		return nil
	}
	return &types.Utterance{
		Frames:   frames,
		PCM:      pcm,
		Start:    start,
		Duration: time.Duration(len(frames)) * packetDuration,
	}
}
