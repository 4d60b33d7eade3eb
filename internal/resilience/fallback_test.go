package resilience

import (
	"errors"
	"testing"
	"time"
)

func newStringGroup(primary string) *FallbackGroup[string] {
	return NewFallbackGroup(primary, primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
}

func TestGroupPrimarySuccess(t *testing.T) {
	fg := newStringGroup("primary")
	fg.AddFallback("backup", "backup")

	var used []string
	err := fg.Execute(func(s string) error {
		used = append(used, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(used) != 1 || used[0] != "primary" {
		t.Fatalf("called %v, want only the primary", used)
	}
}

func TestGroupFailsOverOnPrimaryError(t *testing.T) {
	fg := newStringGroup("primary")
	fg.AddFallback("backup", "backup")

	var used []string
	err := fg.Execute(func(s string) error {
		used = append(used, s)
		if s == "primary" {
			return errBackend
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(used) != 2 || used[1] != "backup" {
		t.Fatalf("called %v, want primary then backup", used)
	}
}

func TestGroupAllFail(t *testing.T) {
	fg := newStringGroup("primary")
	fg.AddFallback("backup", "backup")

	err := fg.Execute(func(string) error { return errBackend })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestGroupSkipsOpenBreaker(t *testing.T) {
	fg := newStringGroup("primary")
	fg.AddFallback("backup", "backup")

	// Two failing rounds open the primary's breaker (MaxFailures 2).
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(s string) error {
			if s == "primary" {
				return errBackend
			}
			return nil
		})
	}

	var used []string
	err := fg.Execute(func(s string) error {
		used = append(used, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(used) != 1 || used[0] != "backup" {
		t.Fatalf("called %v, want the backup only while the primary is open", used)
	}
}

func TestExecuteWithResultSuccess(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(n int) (string, error) {
		if n == 10 {
			return "from-ten", nil
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "from-ten" {
		t.Fatalf("result = %q, want from-ten", got)
	}
}

func TestExecuteWithResultFailover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(n int) (string, error) {
		if n == 10 {
			return "", errBackend
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", got)
	}
}

func TestExecuteWithResultAllFail(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})

	got, err := ExecuteWithResult(fg, func(int) (string, error) {
		return "", errBackend
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got != "" {
		t.Fatalf("result = %q, want zero value", got)
	}
}
