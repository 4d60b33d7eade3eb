package dialogue

import (
	"strings"
	"testing"

	"github.com/echobridge/echobridge/pkg/types"
)

func TestPutPreservesRoleAndContent(t *testing.T) {
	d := New("be helpful")
	d.Put(types.Message{Role: "user", Content: "你好"})
	d.Put(types.Message{Role: "assistant", Content: "你好，很高兴见到你。"})

	view := d.View()
	if len(view) != 3 {
		t.Fatalf("view length = %d, want 3", len(view))
	}
	if view[0].Role != "system" || view[0].Content != "be helpful" {
		t.Errorf("system message = %+v", view[0])
	}
	if view[1].Role != "user" || view[1].Content != "你好" {
		t.Errorf("user message = %+v", view[1])
	}
	if view[2].Role != "assistant" || view[2].Content != "你好，很高兴见到你。" {
		t.Errorf("assistant message = %+v", view[2])
	}
	if view[1].ID == "" || view[1].Timestamp.IsZero() {
		t.Error("Put did not assign id/timestamp")
	}
}

func TestViewKeepsToolCallDescriptors(t *testing.T) {
	d := New("sys")
	d.Put(types.Message{Role: "user", Content: "现在几点"})
	d.Put(types.Message{Role: "assistant", ToolCalls: []types.ToolCall{{ID: "c1", Name: "get_time", Arguments: "{}"}}})
	d.Put(types.Message{Role: "tool", ToolCallID: "c1", Content: "14:05"})

	view := d.View()
	if len(view) != 4 {
		t.Fatalf("view length = %d, want 4", len(view))
	}
	if len(view[2].ToolCalls) != 1 || view[2].ToolCalls[0].Name != "get_time" {
		t.Errorf("assistant tool calls = %+v", view[2].ToolCalls)
	}
	if view[3].ToolCallID != "c1" {
		t.Errorf("tool call id = %q, want c1", view[3].ToolCallID)
	}
}

func TestViewWithMemoryEnrichesSystemAndSkipsToolTraffic(t *testing.T) {
	d := New("base prompt")
	d.Put(types.Message{Role: "user", Content: "hi"})
	d.Put(types.Message{Role: "assistant", ToolCalls: []types.ToolCall{{ID: "c1", Name: "get_time"}}})
	d.Put(types.Message{Role: "tool", ToolCallID: "c1", Content: "14:05"})
	d.Put(types.Message{Role: "assistant", Content: "现在是十四点零五分。"})

	view := d.ViewWithMemory("[2026-08-01] user likes tea")
	if len(view) != 3 {
		t.Fatalf("view length = %d, want 3 (system, user, assistant)", len(view))
	}
	if !strings.Contains(view[0].Content, "base prompt") || !strings.Contains(view[0].Content, "user likes tea") {
		t.Errorf("enriched system = %q", view[0].Content)
	}
	for _, m := range view[1:] {
		if m.Role == "tool" || len(m.ToolCalls) > 0 {
			t.Errorf("tool traffic leaked into memory view: %+v", m)
		}
	}

	// The stored history must be untouched.
	if got := d.System(); got != "base prompt" {
		t.Errorf("stored system prompt = %q, want base prompt", got)
	}
	if n := len(d.History()); n != 5 {
		t.Errorf("history length = %d, want 5", n)
	}
}

func TestViewWithMemoryEmptyDigest(t *testing.T) {
	d := New("sys")
	d.Put(types.Message{Role: "user", Content: "hi"})

	view := d.ViewWithMemory("  ")
	if view[0].Content != "sys" {
		t.Errorf("system = %q, want plain prompt for empty digest", view[0].Content)
	}
}

func TestUpdateSystem(t *testing.T) {
	d := New("old prompt")
	d.Put(types.Message{Role: "user", Content: "hi"})
	d.UpdateSystem("new prompt")

	view := d.View()
	if view[0].Content != "new prompt" {
		t.Errorf("system = %q, want new prompt", view[0].Content)
	}
	if len(view) != 2 {
		t.Errorf("view length = %d, want 2 (update must not append)", len(view))
	}
}

func TestTrimKeepsSystemAndRecentTurns(t *testing.T) {
	d := New("sys", WithMaxHistory(2))
	for _, text := range []string{"one", "two", "three"} {
		d.Put(types.Message{Role: "user", Content: text})
		d.Put(types.Message{Role: "assistant", Content: "re: " + text})
	}

	view := d.View()
	if view[0].Role != "system" {
		t.Fatalf("first view message = %s, want system", view[0].Role)
	}
	if len(view) != 5 {
		t.Fatalf("view length = %d, want 5 (system + 2 turns)", len(view))
	}
	if view[1].Content != "two" {
		t.Errorf("oldest kept turn = %q, want two", view[1].Content)
	}

	// Full history is preserved for the end-of-session summary.
	if n := len(d.History()); n != 7 {
		t.Errorf("history length = %d, want 7", n)
	}
}

func TestRecentUserTexts(t *testing.T) {
	d := New("sys")
	for _, text := range []string{"a", "b", "c"} {
		d.Put(types.Message{Role: "user", Content: text})
		d.Put(types.Message{Role: "assistant", Content: "re"})
	}

	got := d.RecentUserTexts(2)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("recent texts = %v, want [b c]", got)
	}
}

func TestTurnCount(t *testing.T) {
	d := New("sys")
	d.Put(types.Message{Role: "user", Content: "hi"})
	d.Put(types.Message{Role: "assistant", Content: "hello"})
	d.Put(types.Message{Role: "user", Content: "bye"})

	if got := d.TurnCount(); got != 2 {
		t.Errorf("turn count = %d, want 2", got)
	}
}
