package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/echobridge/echobridge/pkg/provider/tts"
	ttsmock "github.com/echobridge/echobridge/pkg/provider/tts/mock"
	"github.com/echobridge/echobridge/pkg/types"
)

func TestTTSFallback_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Synthesizer{Clip: tts.Clip{Frames: [][]byte{{0x01}, {0x02}}}}
	secondary := &ttsmock.Synthesizer{Clip: tts.Clip{Frames: [][]byte{{0xFF}}}}

	fb := NewTTSFallback(primary, "httpapi", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("bidir", secondary)

	clip, err := fb.Synthesize(context.Background(), "你好", types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clip.Frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(clip.Frames))
	}
	if calls := primary.Calls(); len(calls) != 1 || calls[0].Voice.ID != "v1" {
		t.Fatalf("primary calls = %v", calls)
	}
	if len(secondary.Calls()) != 0 {
		t.Fatal("secondary was called although the primary succeeded")
	}
}

func TestTTSFallback_Failover(t *testing.T) {
	primary := &ttsmock.Synthesizer{SynthesizeErr: errors.New("upstream 502")}
	secondary := &ttsmock.Synthesizer{Clip: tts.Clip{Frames: [][]byte{{0xAA}}}}

	fb := NewTTSFallback(primary, "httpapi", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("bidir", secondary)

	clip, err := fb.Synthesize(context.Background(), "你好", types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clip.Frames) != 1 || clip.Frames[0][0] != 0xAA {
		t.Fatalf("clip = %v", clip)
	}
	// The fallback saw the same text and voice.
	if calls := secondary.Calls(); len(calls) != 1 || calls[0].Text != "你好" {
		t.Fatalf("secondary calls = %v", calls)
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	primary := &ttsmock.Synthesizer{SynthesizeErr: errors.New("down")}
	secondary := &ttsmock.Synthesizer{SynthesizeErr: errors.New("down too")}

	fb := NewTTSFallback(primary, "httpapi", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("bidir", secondary)

	_, err := fb.Synthesize(context.Background(), "你好", types.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("error = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_CloseClosesAllBackends(t *testing.T) {
	primary := &ttsmock.Synthesizer{}
	secondary := &ttsmock.Synthesizer{CloseErr: errors.New("already closed")}

	fb := NewTTSFallback(primary, "httpapi", FallbackConfig{})
	fb.AddFallback("bidir", secondary)

	if err := fb.Close(); err == nil {
		t.Fatal("Close did not surface the backend error")
	}
	if primary.CloseCallCount != 1 || secondary.CloseCallCount != 1 {
		t.Errorf("close counts = %d, %d", primary.CloseCallCount, secondary.CloseCallCount)
	}
}
