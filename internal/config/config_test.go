package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.BatchSize != 5 || cfg.Concurrency != 2 {
		t.Fatalf("unexpected worker defaults: batch=%d concurrency=%d", cfg.BatchSize, cfg.Concurrency)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval)
	}
	if cfg.SoilFactor != 0.5 {
		t.Fatalf("unexpected soil factor: %v", cfg.SoilFactor)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_BATCH_SIZE", "12")
	t.Setenv("JOB_TIMEOUT", "45s")
	t.Setenv("MULTI_CROP_MODEL", "true")
	t.Setenv("SAVI_SOIL_FACTOR", "0.25")

	cfg := Load()
	if cfg.BatchSize != 12 {
		t.Fatalf("want batch size 12, got %d", cfg.BatchSize)
	}
	if cfg.JobTimeout != 45*time.Second {
		t.Fatalf("want job timeout 45s, got %s", cfg.JobTimeout)
	}
	if !cfg.MultiCropModel {
		t.Fatalf("want multi-crop enabled")
	}
	if cfg.SoilFactor != 0.25 {
		t.Fatalf("want soil factor 0.25, got %v", cfg.SoilFactor)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WORKER_BATCH_SIZE", "lots")
	t.Setenv("JOB_TIMEOUT", "soon")

	cfg := Load()
	if cfg.BatchSize != 5 {
		t.Fatalf("malformed int must fall back to default, got %d", cfg.BatchSize)
	}
	if cfg.JobTimeout != 2*time.Minute {
		t.Fatalf("malformed duration must fall back to default, got %s", cfg.JobTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty dsn":            func(c *Config) { c.PostgresDSN = "" },
		"empty upload dir":     func(c *Config) { c.UploadDir = "" },
		"zero batch size":      func(c *Config) { c.BatchSize = 0 },
		"zero concurrency":     func(c *Config) { c.Concurrency = 0 },
		"zero poll interval":   func(c *Config) { c.PollInterval = 0 },
		"zero job timeout":     func(c *Config) { c.JobTimeout = 0 },
		"negative max retries": func(c *Config) { c.MaxRetries = -1 },
		"soil factor above 1":  func(c *Config) { c.SoilFactor = 1.5 },
		"zero soil factor":     func(c *Config) { c.SoilFactor = 0 },
		"zero analysis width":  func(c *Config) { c.MaxAnalysisWidth = 0 },
		"stale below job timeout": func(c *Config) {
			c.StaleTimeout = time.Minute
			c.JobTimeout = 2 * time.Minute
		},
	}

	for name, mutate := range cases {
		cfg := Load()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: want validation error, got nil", name)
		}
	}
}
