package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("QUEUE_FLUSH_SECONDS", "")
	t.Setenv("RATE_REFRESH_SECONDS", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("port = %s, want 8080", cfg.Port)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("address = %s, want :8080", cfg.Address())
	}
	if cfg.QueueFlushSeconds != 15 {
		t.Fatalf("flush seconds = %d, want 15", cfg.QueueFlushSeconds)
	}
	if cfg.RateRefreshSeconds != 300 {
		t.Fatalf("rate refresh = %d, want 300", cfg.RateRefreshSeconds)
	}
}

func TestLoadRejectsGarbageIntervals(t *testing.T) {
	t.Setenv("QUEUE_FLUSH_SECONDS", "zero")
	t.Setenv("RATE_REFRESH_SECONDS", "-5")

	cfg := Load()
	if cfg.QueueFlushSeconds != 15 {
		t.Fatalf("flush seconds = %d, want fallback 15", cfg.QueueFlushSeconds)
	}
	if cfg.RateRefreshSeconds != 300 {
		t.Fatalf("rate refresh = %d, want fallback 300", cfg.RateRefreshSeconds)
	}
}
