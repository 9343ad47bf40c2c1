package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.RetryMax != 3 {
		t.Errorf("RetryMax = %d, want 3", cfg.RetryMax)
	}
	if cfg.RetryBaseDelay != time.Second {
		t.Errorf("RetryBaseDelay = %v, want 1s", cfg.RetryBaseDelay)
	}
	if cfg.PipelineStore != "memory" {
		t.Errorf("PipelineStore = %q, want memory", cfg.PipelineStore)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("RETRY_MAX", "5")
	t.Setenv("RETRY_BASE_DELAY", "250ms")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("RUN_RATE_LIMIT_RPS", "2.5")

	cfg := FromEnv()

	if cfg.RetryMax != 5 {
		t.Errorf("RetryMax = %d, want 5", cfg.RetryMax)
	}
	if cfg.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v, want 250ms", cfg.RetryBaseDelay)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if !cfg.OTelEnabled {
		t.Error("OTelEnabled = false, want true")
	}
	if cfg.RedisDB != 0 {
		t.Errorf("RedisDB = %d, want fallback 0", cfg.RedisDB)
	}
	if cfg.RunRateLimitRPS != 2.5 || cfg.RunRateLimitBurst != 5 {
		t.Errorf("run rate limit = %v/%d, want 2.5/5", cfg.RunRateLimitRPS, cfg.RunRateLimitBurst)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("AI_BASE_URL=http://gen.local\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("AI_BASE_URL", "")
	os.Unsetenv("AI_BASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AIBaseURL != "http://gen.local" {
		t.Errorf("AIBaseURL = %q, want value from .env", cfg.AIBaseURL)
	}
}

func TestLoadWithoutDotEnv(t *testing.T) {
	t.Chdir(t.TempDir())

	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}
