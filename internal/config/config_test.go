package config

import (
	"testing"
	"time"
)

func TestEnvStrFallback(t *testing.T) {
	// TEST_STR_MISSING is not set.
	if v := envStr("TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %q", v)
	}
}

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.SaveDebounce != 2*time.Second {
		t.Fatalf("expected default save debounce 2s, got %s", cfg.SaveDebounce)
	}
	if cfg.BufferInactivity != 10*time.Second {
		t.Fatalf("expected default buffer inactivity 10s, got %s", cfg.BufferInactivity)
	}
}

func TestValidateRejectsEmptySQLitePath(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.SQLitePath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate() to reject empty TRELLIS_SQLITE_PATH")
	}
}

func TestValidateRejectsNonPositiveDebounce(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.SaveDebounce = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate() to reject zero TRELLIS_SAVE_DEBOUNCE")
	}
}
