package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/echobridge/echobridge/pkg/types"
)

type fakeHost struct {
	exitFarewell string
	role         string
	roleErr      error
	volume       int
	volumeErr    error
}

func (f *fakeHost) RequestExit(farewell string) { f.exitFarewell = farewell }

func (f *fakeHost) SetRole(_ context.Context, name string) error {
	if f.roleErr != nil {
		return f.roleErr
	}
	f.role = name
	return nil
}

func (f *fakeHost) RoleNames() []string { return []string{"小艾", "管家"} }

func (f *fakeHost) SetVolume(_ context.Context, level int) error {
	if f.volumeErr != nil {
		return f.volumeErr
	}
	f.volume = level
	return nil
}

func (f *fakeHost) Volume() int { return f.volume }

func newTestRegistry(t *testing.T, host *fakeHost, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	fixed := func() time.Time {
		return time.Date(2026, 8, 24, 14, 5, 0, 0, time.FixedZone("CST", 8*3600))
	}
	if err := RegisterBuiltins(r, host, fixed); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return r
}

func dispatch(t *testing.T, r *Registry, name, args, speaker string) Outcome {
	t.Helper()
	out, err := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: name, Arguments: args}, Invocation{SessionID: "s1", Speaker: speaker})
	if err != nil {
		t.Fatalf("Dispatch %s: %v", name, err)
	}
	return out
}

func TestDefinitionsSortedAndComplete(t *testing.T) {
	r := newTestRegistry(t, &fakeHost{})
	defs := r.Definitions()
	if len(defs) != 5 {
		t.Fatalf("definitions = %d, want 5 builtins", len(defs))
	}
	for i := 1; i < len(defs); i++ {
		if defs[i-1].Name > defs[i].Name {
			t.Errorf("definitions not sorted: %s before %s", defs[i-1].Name, defs[i].Name)
		}
	}
}

func TestUnknownToolIsNotFound(t *testing.T) {
	r := newTestRegistry(t, &fakeHost{})
	out := dispatch(t, r, "search_web", "{}", "")
	if out.Action != ActionNotFound {
		t.Errorf("action = %s, want NOTFOUND", out.Action)
	}
}

func TestGetTime(t *testing.T) {
	r := newTestRegistry(t, &fakeHost{})
	out := dispatch(t, r, "get_time", "{}", "")
	if out.Action != ActionReqLLM {
		t.Fatalf("action = %s, want REQLLM", out.Action)
	}
	if !strings.Contains(out.Result, "2026年08月24日") || !strings.Contains(out.Result, "星期一") {
		t.Errorf("result = %q", out.Result)
	}
}

func TestGetLunar(t *testing.T) {
	r := newTestRegistry(t, &fakeHost{})
	out := dispatch(t, r, "get_lunar", "{}", "")
	if out.Action != ActionReqLLM {
		t.Fatalf("action = %s, want REQLLM", out.Action)
	}
	if !strings.Contains(out.Result, "生肖") {
		t.Errorf("result = %q", out.Result)
	}
}

func TestExitIntentRequestsClose(t *testing.T) {
	host := &fakeHost{}
	r := newTestRegistry(t, host)
	out := dispatch(t, r, "handle_exit_intent", `{"say_goodbye":"下次见啦"}`, "")
	if out.Action != ActionResponse || out.Response != "下次见啦" {
		t.Errorf("outcome = %+v", out)
	}
	if host.exitFarewell != "下次见啦" {
		t.Errorf("host farewell = %q", host.exitFarewell)
	}

	// Empty farewell falls back to the default.
	out = dispatch(t, r, "handle_exit_intent", "{}", "")
	if out.Response == "" || host.exitFarewell == "" {
		t.Error("default farewell not applied")
	}
}

func TestChangeRoleAdminGate(t *testing.T) {
	host := &fakeHost{}
	r := newTestRegistry(t, host, WithAdmins([]string{"张三"}))

	out := dispatch(t, r, "change_role", `{"role_name":"管家"}`, "李四")
	if out.Action != ActionResponse || host.role != "" {
		t.Errorf("non-admin changed role: outcome %+v, role %q", out, host.role)
	}

	out = dispatch(t, r, "change_role", `{"role_name":"管家"}`, "张三")
	if host.role != "管家" {
		t.Errorf("admin role change not applied, role = %q", host.role)
	}
	if out.Action != ActionResponse {
		t.Errorf("action = %s, want RESPONSE", out.Action)
	}
}

func TestChangeRoleUnknownListsRoles(t *testing.T) {
	host := &fakeHost{roleErr: errors.New("no such role")}
	r := newTestRegistry(t, host, WithAdmins([]string{"张三"}))
	out := dispatch(t, r, "change_role", `{"role_name":"博士"}`, "张三")
	if !strings.Contains(out.Response, "小艾") {
		t.Errorf("refusal does not list roles: %q", out.Response)
	}
}

func TestDeviceVolume(t *testing.T) {
	host := &fakeHost{volume: 40}
	r := newTestRegistry(t, host)

	out := dispatch(t, r, "handle_device", `{"action":"get"}`, "")
	if out.Action != ActionReqLLM || !strings.Contains(out.Result, "40") {
		t.Errorf("get outcome = %+v", out)
	}

	out = dispatch(t, r, "handle_device", `{"action":"set","volume":120}`, "")
	if host.volume != 100 {
		t.Errorf("volume = %d, want clamp to 100", host.volume)
	}
	if out.Action != ActionResponse {
		t.Errorf("set action = %s, want RESPONSE", out.Action)
	}
}

func TestBadArgumentsSurfaced(t *testing.T) {
	r := newTestRegistry(t, &fakeHost{})
	_, err := r.Dispatch(context.Background(), types.ToolCall{Name: "get_time", Arguments: "{bad"}, Invocation{})
	if err == nil {
		t.Fatal("Dispatch error = nil, want argument decode error")
	}
}

func TestMergeCopiesHandlers(t *testing.T) {
	shared := NewRegistry()
	if err := shared.Register(Handler{
		Definition: types.ToolDefinition{Name: "mcp_search"},
		Run: func(context.Context, Invocation) (Outcome, error) {
			return Outcome{Action: ActionReqLLM, Result: "found"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := newTestRegistry(t, &fakeHost{})
	before := len(r.Definitions())
	r.Merge(shared)

	if len(r.Definitions()) != before+1 {
		t.Fatalf("definitions = %d, want %d", len(r.Definitions()), before+1)
	}
	out := dispatch(t, r, "mcp_search", "{}", "")
	if out.Action != ActionReqLLM || out.Result != "found" {
		t.Errorf("outcome = %+v", out)
	}
}
