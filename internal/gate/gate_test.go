package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	vadmock "github.com/echobridge/echobridge/pkg/provider/vad/mock"
)

// fakeDecoder returns 512 samples per packet so every packet scores exactly
// one chunk, keeping probability scripts aligned with packets.
type fakeDecoder struct {
	err error
}

func (f *fakeDecoder) Decode(packet []byte) ([]int16, error) {
	if f.err != nil {
		return nil, f.err
	}
	return make([]int16, 512), nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate(session *vadmock.Session, clock *fakeClock, opts ...Option) *Gate {
	opts = append([]Option{
		WithClock(clock.now),
		WithMinSilence(700 * time.Millisecond),
		WithPrerollFrames(5),
		WithMinUtteranceFrames(10),
	}, opts...)
	return New(&fakeDecoder{}, session, opts...)
}

func feed(t *testing.T, g *Gate, clock *fakeClock, n int) Result {
	t.Helper()
	var res Result
	for i := 0; i < n; i++ {
		var err error
		res, err = g.Feed(context.Background(), []byte{0x01})
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		clock.advance(20 * time.Millisecond)
	}
	return res
}

func TestPrerollRetention(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g := newTestGate(&vadmock.Session{Probability: 0.1}, clock)

	feed(t, g, clock, 12)
	if got := len(g.frames); got != 5 {
		t.Errorf("retained frames = %d, want preroll of 5", got)
	}
	if g.hadVoice {
		t.Error("hadVoice = true for all-silent input")
	}
}

func TestUtteranceCompletion(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	// 3 silent, 12 voiced, then silence.
	probs := make([]float64, 0, 60)
	for i := 0; i < 3; i++ {
		probs = append(probs, 0.1)
	}
	for i := 0; i < 12; i++ {
		probs = append(probs, 0.9)
	}
	session := &vadmock.Session{Probabilities: probs, Probability: 0.1}
	g := newTestGate(session, clock)

	feed(t, g, clock, 3)
	res := feed(t, g, clock, 12)
	if !res.Speech {
		t.Error("Speech = false during voiced packets")
	}
	if res.Utterance != nil {
		t.Fatal("utterance closed while voice ongoing")
	}

	// 700 ms of trailing silence is 35 packets at 20 ms.
	res = feed(t, g, clock, 40)
	if res.Utterance == nil {
		t.Fatal("utterance = nil after sustained silence")
	}

	// 3 preroll + 12 voiced + silence frames until the 700 ms cutoff hit.
	if got := len(res.Utterance.Frames); got < 15 {
		t.Errorf("utterance frames = %d, want at least preroll+voiced", got)
	}
	if len(res.Utterance.PCM) != len(res.Utterance.Frames)*1024 {
		t.Errorf("pcm bytes = %d, want %d", len(res.Utterance.PCM), len(res.Utterance.Frames)*1024)
	}
	if res.Utterance.Duration <= 0 {
		t.Error("utterance duration not set")
	}

	// The gate re-armed itself.
	if g.hadVoice || len(g.frames) != 0 {
		t.Error("gate state not reset after utterance")
	}
	if session.ResetCallCount == 0 {
		t.Error("session was not reset")
	}
}

func TestShortUtteranceDiscarded(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	probs := []float64{0.9, 0.9}
	session := &vadmock.Session{Probabilities: probs, Probability: 0.1}
	g := newTestGate(session, clock)

	feed(t, g, clock, 2)
	res := feed(t, g, clock, 40)
	if res.Utterance != nil {
		t.Errorf("short segment produced an utterance of %d frames", len(res.Utterance.Frames))
	}
	if g.hadVoice {
		t.Error("gate not re-armed after discarding short segment")
	}
}

func TestUtteranceNeverBelowMinFrames(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	session := &vadmock.Session{Probability: 0.9}
	g := newTestGate(session, clock, WithMinUtteranceFrames(10))

	// Alternate short voice bursts and long silences; no handed-off
	// utterance may ever be shorter than the minimum.
	for burst := 1; burst < 6; burst++ {
		session.Probabilities = nil
		for i := 0; i < burst; i++ {
			if res := feed(t, g, clock, 1); res.Utterance != nil && len(res.Utterance.Frames) < 10 {
				t.Fatalf("utterance of %d frames handed off", len(res.Utterance.Frames))
			}
		}
		session.Probability = 0.1
		for i := 0; i < 50; i++ {
			if res := feed(t, g, clock, 1); res.Utterance != nil && len(res.Utterance.Frames) < 10 {
				t.Fatalf("utterance of %d frames handed off", len(res.Utterance.Frames))
			}
		}
		session.Probability = 0.9
	}
}

func TestMalformedPacketIgnored(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	session := &vadmock.Session{Probability: 0.9}
	dec := &fakeDecoder{}
	g := New(dec, session, WithClock(clock.now))

	feed(t, g, clock, 3)
	framesBefore := len(g.frames)

	dec.err = errors.New("corrupt packet")
	res, err := g.Feed(context.Background(), []byte{0xFF})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if res.Speech || res.Utterance != nil {
		t.Errorf("malformed packet produced result %+v", res)
	}
	if len(g.frames) != framesBefore {
		t.Error("malformed packet mutated gate state")
	}
}

func TestScoreErrorSurfaced(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	session := &vadmock.Session{ScoreErr: errors.New("vad down")}
	g := newTestGate(session, clock)

	_, err := g.Feed(context.Background(), []byte{0x01})
	if err == nil {
		t.Fatal("Feed error = nil, want scoring error")
	}
}

func TestPartialChunksBuffered(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	session := &vadmock.Session{Probability: 0.1}
	// 320 samples per packet: a scoring chunk spans packets.
	dec := &shortDecoder{}
	g := New(dec, session, WithClock(clock.now))

	ctx := context.Background()
	if _, err := g.Feed(ctx, []byte{1}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(session.ScoreCalls) != 0 {
		t.Fatalf("score calls after 320 samples = %d, want 0", len(session.ScoreCalls))
	}
	if _, err := g.Feed(ctx, []byte{1}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(session.ScoreCalls) != 1 {
		t.Errorf("score calls after 640 samples = %d, want 1", len(session.ScoreCalls))
	}
	if got := len(session.ScoreCalls[0]); got != 1024 {
		t.Errorf("chunk bytes = %d, want 1024", got)
	}
}

type shortDecoder struct{}

func (shortDecoder) Decode([]byte) ([]int16, error) { return make([]int16, 320), nil }
