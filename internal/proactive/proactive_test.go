package proactive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/echobridge/echobridge/internal/dialogue"
	"github.com/echobridge/echobridge/pkg/provider/llm"
	llmmock "github.com/echobridge/echobridge/pkg/provider/llm/mock"
	"github.com/echobridge/echobridge/pkg/types"
)

type fixedComposer struct {
	text   string
	err    error
	topics []string
}

func (f *fixedComposer) Compose(_ context.Context, topic string, _ []string) (string, error) {
	f.topics = append(f.topics, topic)
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func TestTopInterest(t *testing.T) {
	cases := []struct {
		name  string
		texts []string
		boost []string
		want  string
	}{
		{"music keywords", []string{"最近在听歌", "这首歌的旋律真好"}, nil, "music"},
		{"weather keywords", []string{"今天下雨了吗", "好冷啊"}, nil, "weather"},
		{"no match defaults to life", []string{"嗯", "哦"}, nil, "life"},
		{"boost breaks silence", nil, []string{"technology"}, "technology"},
	}
	for _, c := range cases {
		if got := TopInterest(c.texts, c.boost); got != c.want {
			t.Errorf("%s: TopInterest = %q, want %q", c.name, got, c.want)
		}
	}
}

func newTestLoop(t *testing.T, d *dialogue.Dialogue, composer Composer, idle bool, now func() time.Time) (*Loop, *[]string) {
	t.Helper()
	var spoken []string
	speak := func(_ context.Context, text string) error {
		spoken = append(spoken, text)
		return nil
	}
	l := New(d, composer, func() bool { return idle }, speak,
		WithClock(now), WithSilence(60*time.Second), WithCooldown(5*time.Minute))
	return l, &spoken
}

func TestCheckFiresAfterSilence(t *testing.T) {
	base := time.Now()
	current := base
	d := dialogue.New("sys")
	d.Put(types.Message{Role: "user", Content: "随便聊聊", Timestamp: base})

	composer := &fixedComposer{text: "今天过得怎么样？"}
	l, spoken := newTestLoop(t, d, composer, true, func() time.Time { return current })

	// Inside the silence window: no turn.
	current = base.Add(30 * time.Second)
	l.Check(context.Background())
	if len(*spoken) != 0 {
		t.Fatal("fired before silence threshold")
	}

	current = base.Add(2 * time.Minute)
	l.Check(context.Background())
	if len(*spoken) != 1 || (*spoken)[0] != "今天过得怎么样？" {
		t.Fatalf("spoken = %v", *spoken)
	}

	// Cooldown suppresses an immediate second turn.
	current = current.Add(90 * time.Second)
	l.Check(context.Background())
	if len(*spoken) != 1 {
		t.Error("fired again inside cooldown")
	}

	// After the cooldown it may fire again.
	current = current.Add(5 * time.Minute)
	l.Check(context.Background())
	if len(*spoken) != 2 {
		t.Error("did not fire after cooldown elapsed")
	}
}

func TestCheckRequiresInteraction(t *testing.T) {
	current := time.Now().Add(time.Hour)
	d := dialogue.New("sys")
	composer := &fixedComposer{text: "聊聊吗？"}
	l, spoken := newTestLoop(t, d, composer, true, func() time.Time { return current })

	l.Check(context.Background())
	if len(*spoken) != 0 {
		t.Error("fired with zero user turns")
	}
}

func TestCheckRequiresIdleSink(t *testing.T) {
	base := time.Now()
	d := dialogue.New("sys")
	d.Put(types.Message{Role: "user", Content: "hi", Timestamp: base})
	composer := &fixedComposer{text: "聊聊吗？"}
	current := base.Add(10 * time.Minute)
	l, spoken := newTestLoop(t, d, composer, false, func() time.Time { return current })

	l.Check(context.Background())
	if len(*spoken) != 0 {
		t.Error("fired while the sink was busy")
	}
}

func TestComposeErrorDoesNotBurnCooldown(t *testing.T) {
	base := time.Now()
	d := dialogue.New("sys")
	d.Put(types.Message{Role: "user", Content: "hi", Timestamp: base})
	composer := &fixedComposer{err: errors.New("model down")}
	current := base.Add(10 * time.Minute)
	l, spoken := newTestLoop(t, d, composer, true, func() time.Time { return current })

	l.Check(context.Background())
	if len(*spoken) != 0 {
		t.Fatal("spoke despite compose failure")
	}

	composer.err = nil
	composer.text = "现在聊聊？"
	l.Check(context.Background())
	if len(*spoken) != 1 {
		t.Error("recovery attempt blocked by cooldown")
	}
}

func TestTopicReachesComposer(t *testing.T) {
	base := time.Now()
	d := dialogue.New("sys")
	d.Put(types.Message{Role: "user", Content: "推荐几首歌吧", Timestamp: base})
	d.Put(types.Message{Role: "assistant", Content: "好呀", Timestamp: base})

	composer := &fixedComposer{text: "想到一首歌。"}
	current := base.Add(10 * time.Minute)
	l, _ := newTestLoop(t, d, composer, true, func() time.Time { return current })

	l.Check(context.Background())
	if len(composer.topics) != 1 || composer.topics[0] != "music" {
		t.Errorf("composer topics = %v, want [music]", composer.topics)
	}
}

func TestCannedComposerKnowsEveryTopic(t *testing.T) {
	c := &Canned{}
	for topic := range interestKeywords {
		text, err := c.Compose(context.Background(), topic, nil)
		if err != nil || text == "" {
			t.Errorf("Compose(%s) = %q, %v", topic, text, err)
		}
	}
	if text, _ := c.Compose(context.Background(), "unknown", nil); text == "" {
		t.Error("unknown topic did not fall back")
	}
}

func TestLLMComposer(t *testing.T) {
	provider := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "  最近有没有发现好听的歌？  "}}
	c := NewLLMComposer(provider)

	text, err := c.Compose(context.Background(), "music", []string{"我喜欢周杰伦"})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if text != "最近有没有发现好听的歌？" {
		t.Errorf("text = %q", text)
	}
	if len(provider.CompletionRequests) != 1 {
		t.Fatalf("requests = %d", len(provider.CompletionRequests))
	}

	// An empty model reply falls back to the canned lines.
	provider.Response = &llm.CompletionResponse{Content: "   "}
	text, err = c.Compose(context.Background(), "music", nil)
	if err != nil || text == "" {
		t.Errorf("fallback = %q, %v", text, err)
	}
}
