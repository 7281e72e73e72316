package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("ASSIGNMENT_TIMEOUT", "")
	t.Setenv("EVENT_TRANSPORT", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.AssignmentTimeout != 10*time.Second {
		t.Fatalf("expected 10s assignment timeout, got %s", cfg.AssignmentTimeout)
	}
	if cfg.FallbackSpeedKmh != 40 {
		t.Fatalf("expected fallback speed 40, got %v", cfg.FallbackSpeedKmh)
	}
	if cfg.EventTransport != "none" {
		t.Fatalf("expected event transport none, got %s", cfg.EventTransport)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("ASSIGNMENT_TIMEOUT", "5s")
	t.Setenv("ASSIGNMENT_MAX_RETRIES", "7")
	t.Setenv("FALLBACK_SPEED_KMH", "55.5")
	t.Setenv("USE_MEMORY_STORE", "true")
	t.Setenv("EVENT_TRANSPORT", " NATS ")
	cfg := Load()
	if cfg.Port != "9090" || cfg.Env != "production" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected database url override, got %s", cfg.DatabaseURL)
	}
	if cfg.AssignmentTimeout != 5*time.Second || cfg.AssignmentMaxRetries != 7 {
		t.Fatalf("expected assignment overrides, got %s/%d", cfg.AssignmentTimeout, cfg.AssignmentMaxRetries)
	}
	if cfg.FallbackSpeedKmh != 55.5 {
		t.Fatalf("expected float override, got %v", cfg.FallbackSpeedKmh)
	}
	if !cfg.UseMemoryStore {
		t.Fatal("expected memory store enabled")
	}
	if cfg.EventTransport != "nats" {
		t.Fatalf("expected normalized transport, got %q", cfg.EventTransport)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("ASSIGNMENT_TIMEOUT", "soon")
	t.Setenv("RATE_LIMIT_BURST", "many")
	cfg := Load()
	if cfg.AssignmentTimeout != 10*time.Second {
		t.Fatalf("expected default timeout, got %s", cfg.AssignmentTimeout)
	}
	if cfg.RateLimitBurst != 40 {
		t.Fatalf("expected default burst, got %d", cfg.RateLimitBurst)
	}
}
