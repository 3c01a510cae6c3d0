package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ADDR", "ENV", "CENTOPS_URL", "CENTOPS_POLL_INTERVAL_SEC",
		"QUEUE_TTL_MS", "VALIDATION_FAILURES_TTL_MS",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"KAFKA_BROKERS", "KAFKA_EVENTS_TOPIC",
		"RATE_LIMIT_ENABLED", "RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_WINDOW_SEC",
		"WS_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CENTOPS_URL", "http://directory.local/centops/clients")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":3000" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if !cfg.IsDevelopment() {
		t.Fatal("expected development default")
	}
	if cfg.DirectoryPollInterval != time.Minute {
		t.Fatalf("expected 60s poll interval, got %v", cfg.DirectoryPollInterval)
	}
	if cfg.QueueTTL != 30*time.Second {
		t.Fatalf("expected 30s queue TTL, got %v", cfg.QueueTTL)
	}
	if cfg.ValidationFailuresTTL != 24*time.Hour {
		t.Fatalf("expected 24h failures TTL, got %v", cfg.ValidationFailuresTTL)
	}
	if !cfg.RateLimitEnabled || cfg.RateLimitPerMinute != 60 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg)
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("expected no kafka brokers by default, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadRequiresDirectoryURL(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error without CENTOPS_URL")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CENTOPS_URL", "http://directory.local/centops/clients")
	t.Setenv("ENV", "production")
	t.Setenv("QUEUE_TTL_MS", "5000")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092 ,")
	t.Setenv("RATE_LIMIT_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IsDevelopment() {
		t.Fatal("expected production mode")
	}
	if cfg.QueueTTL != 5*time.Second {
		t.Fatalf("expected 5s queue TTL, got %v", cfg.QueueTTL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.RateLimitEnabled {
		t.Fatal("expected rate limit disabled")
	}
}

func TestLoadRejectsNonPositiveTTL(t *testing.T) {
	clearEnv(t)
	t.Setenv("CENTOPS_URL", "http://directory.local/centops/clients")
	t.Setenv("QUEUE_TTL_MS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero queue TTL")
	}
}
