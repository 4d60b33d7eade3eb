package roles

import (
	"strings"
	"testing"
)

const sampleYAML = `
default: 小艾
roles:
  - name: 小艾
    prompt: "你是小艾，一个温柔的语音助手。"
    greeting: "我在呢。"
    voice:
      id: zh_female_wanwanxiaohe
      speed_factor: 1.1
    interests: [music, life]
  - name: 管家
    prompt: "你是一位严谨的英式管家。"
    voice:
      id: zh_male_guanjia
`

func loadSample(t *testing.T) *Library {
	t.Helper()
	file, err := LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	lib, err := NewLibrary(file)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	return lib
}

func TestLoadAndDefault(t *testing.T) {
	lib := loadSample(t)

	def := lib.Default()
	if def.Name != "小艾" || def.Greeting != "我在呢。" {
		t.Errorf("default role = %+v", def)
	}
	if got := def.Voice.Profile(); got.ID != "zh_female_wanwanxiaohe" || got.SpeedFactor != 1.1 {
		t.Errorf("voice profile = %+v", got)
	}
	if len(def.Interests) != 2 {
		t.Errorf("interests = %v", def.Interests)
	}
}

func TestGetAndNames(t *testing.T) {
	lib := loadSample(t)

	r, err := lib.Get("管家")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// An unset speed factor resolves to 1.0.
	if got := r.Voice.Profile().SpeedFactor; got != 1.0 {
		t.Errorf("speed factor = %v, want 1.0", got)
	}

	if _, err := lib.Get("博士"); err == nil {
		t.Error("Get unknown role error = nil")
	}

	names := lib.Names()
	if len(names) != 2 || names[0] > names[1] {
		t.Errorf("names = %v", names)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing prompt", "roles:\n  - name: a\n    voice:\n      id: v\n"},
		{"missing voice", "roles:\n  - name: a\n    prompt: p\n"},
		{"duplicate names", "roles:\n  - {name: a, prompt: p, voice: {id: v}}\n  - {name: a, prompt: p, voice: {id: v}}\n"},
		{"unknown default", "default: b\nroles:\n  - {name: a, prompt: p, voice: {id: v}}\n"},
		{"no roles", "roles: []\n"},
	}
	for _, c := range cases {
		file, err := LoadFromReader(strings.NewReader(c.yaml))
		if err != nil {
			continue // decode rejection also counts
		}
		if _, err := NewLibrary(file); err == nil {
			t.Errorf("%s: NewLibrary error = nil", c.name)
		}
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("rolez:\n  - name: a\n"))
	if err == nil {
		t.Error("LoadFromReader error = nil for unknown key")
	}
}

func TestFirstRoleIsFallbackDefault(t *testing.T) {
	file, err := LoadFromReader(strings.NewReader("roles:\n  - {name: a, prompt: p, voice: {id: v}}\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	lib, err := NewLibrary(file)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	if lib.Default().Name != "a" {
		t.Errorf("default = %q, want a", lib.Default().Name)
	}
}
