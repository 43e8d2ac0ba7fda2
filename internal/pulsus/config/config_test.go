package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scorer.Threshold != 0.60 {
		t.Fatalf("expected default threshold 0.60, got %f", cfg.Scorer.Threshold)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsus.yaml")
	content := "log_root: /var/log/pulsus\nscorer:\n  weight_name: 0.5\n  weight_doc: 0.3\n  weight_history: 0.2\n  threshold: 0.6\n  band: 0.05\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogRoot != "/var/log/pulsus" {
		t.Fatalf("expected overridden log root, got %q", cfg.LogRoot)
	}
	if cfg.Scorer.WeightName != 0.5 {
		t.Fatalf("expected weight_name 0.5, got %f", cfg.Scorer.WeightName)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PULSUS_LOG_ROOT", "/tmp/env-override")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogRoot != "/tmp/env-override" {
		t.Fatalf("expected env override, got %q", cfg.LogRoot)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := defaults()
	cfg.Scorer.WeightName = 0.9
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for weights not summing to 1.0")
	}
}

func TestValidateRejectsBandAboveThreshold(t *testing.T) {
	cfg := defaults()
	cfg.Scorer.Band = cfg.Scorer.Threshold
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for band >= threshold")
	}
}
