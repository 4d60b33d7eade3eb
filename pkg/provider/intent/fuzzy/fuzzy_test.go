package fuzzy

import (
	"context"
	"testing"

	"github.com/echobridge/echobridge/pkg/provider/intent"
)

func newTestRecognizer() *Recognizer {
	return New(
		[]string{"退出", "再见", "goodbye"},
		[]Command{
			{Name: "volume_up", Phrases: []string{"大声一点", "turn up the volume"}, Reply: "好的"},
			{Name: "volume_down", Phrases: []string{"小声一点", "turn down the volume"}, Reply: "好的"},
		},
		WithExitReply("再见！"),
	)
}

func TestRecognize(t *testing.T) {
	r := newTestRecognizer()

	tests := []struct {
		name        string
		text        string
		wantKind    intent.Kind
		wantCommand string
	}{
		{name: "exact exit", text: "再见", wantKind: intent.KindExit},
		{name: "exit inside sentence", text: "好了我们再见吧", wantKind: intent.KindExit},
		{name: "english exit", text: "okay goodbye now", wantKind: intent.KindExit},
		{name: "exact command", text: "大声一点", wantKind: intent.KindCommand, wantCommand: "volume_up"},
		{name: "command inside sentence", text: "请你turn down the volume", wantKind: intent.KindCommand, wantCommand: "volume_down"},
		{name: "plain chat", text: "今天天气怎么样", wantKind: intent.KindNone},
		{name: "empty", text: "  ", wantKind: intent.KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Recognize(context.Background(), tt.text)
			if err != nil {
				t.Fatalf("Recognize(%q): %v", tt.text, err)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Command != tt.wantCommand {
				t.Errorf("command = %q, want %q", got.Command, tt.wantCommand)
			}
		})
	}
}

func TestRecognizePhoneticExit(t *testing.T) {
	r := newTestRecognizer()

	// "good bye" is not a substring of any phrase but sounds like "goodbye".
	got, err := r.Recognize(context.Background(), "good bye")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if got.Kind != intent.KindExit {
		t.Errorf("kind = %v, want KindExit", got.Kind)
	}
}

func TestRecognizeReply(t *testing.T) {
	r := newTestRecognizer()

	got, _ := r.Recognize(context.Background(), "再见")
	if got.Reply != "再见！" {
		t.Errorf("exit reply = %q, want 再见！", got.Reply)
	}

	got, _ = r.Recognize(context.Background(), "大声一点")
	if got.Reply != "好的" {
		t.Errorf("command reply = %q, want 好的", got.Reply)
	}
}

func TestLevenshteinSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"abc", "abc", 1},
		{"abc", "abd", 1 - 1.0/3},
		{"", "", 0},
		{"a", "", 0},
	}
	for _, tt := range tests {
		if got := levenshteinSimilarity(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshteinSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestPassthroughNeverMatches(t *testing.T) {
	var p intent.Passthrough
	got, err := p.Recognize(context.Background(), "退出")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if got.Handled() {
		t.Error("passthrough handled an intent, want none")
	}
}
