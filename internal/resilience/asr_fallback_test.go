package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/echobridge/echobridge/pkg/provider/asr"
	asrmock "github.com/echobridge/echobridge/pkg/provider/asr/mock"
)

func TestASRFallback_PrimarySuccess(t *testing.T) {
	primary := &asrmock.Provider{Result: asr.Result{Text: "今天天气怎么样"}}
	secondary := &asrmock.Provider{Result: asr.Result{Text: "fallback"}}

	fb := NewASRFallback(primary, "whisper", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("funasr", secondary)

	res, err := fb.Transcribe(context.Background(), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "今天天气怎么样" {
		t.Fatalf("text = %q", res.Text)
	}
	if len(secondary.TranscribeCalls) != 0 {
		t.Fatal("secondary was called although the primary succeeded")
	}
}

func TestASRFallback_Failover(t *testing.T) {
	primary := &asrmock.Provider{TranscribeErr: errors.New("whisper down")}
	secondary := &asrmock.Provider{Result: asr.Result{Text: "备用识别结果"}}

	fb := NewASRFallback(primary, "whisper", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("funasr", secondary)

	pcm := []byte{0x01, 0x02, 0x03}
	res, err := fb.Transcribe(context.Background(), pcm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "备用识别结果" {
		t.Fatalf("text = %q", res.Text)
	}
	// The fallback saw the same PCM buffer.
	if len(secondary.TranscribeCalls) != 1 || len(secondary.TranscribeCalls[0]) != 3 {
		t.Fatalf("secondary calls = %v", secondary.TranscribeCalls)
	}
}

func TestASRFallback_AllFail(t *testing.T) {
	primary := &asrmock.Provider{TranscribeErr: errors.New("down")}

	fb := NewASRFallback(primary, "whisper", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := fb.Transcribe(context.Background(), []byte{0x01})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("error = %v, want ErrAllFailed", err)
	}
}
