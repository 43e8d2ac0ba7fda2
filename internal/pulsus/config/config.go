// Package config loads Pulsus's Config from a YAML file with environment
// variable overrides layered on top.
//
// Grounded on a typed-struct YAML config shape (typed struct +
// yaml.v3 unmarshal, validated after load) layered with common/environment's
// StringOr/IntOr/DurationOr override helpers, matching the "config file plus
// env var override" pattern used for runtime settings generally.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aitlantis/pulsus/common/environment"
)

// ModelConfig configures the Generator's CompletionClient.
type ModelConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Name        string        `yaml:"name"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ScorerConfig configures the Scorer's weights and the Policy Selector's
// threshold/band.
type ScorerConfig struct {
	WeightName    float64 `yaml:"weight_name"`
	WeightDoc     float64 `yaml:"weight_doc"`
	WeightHistory float64 `yaml:"weight_history"`
	Threshold     float64 `yaml:"threshold"`
	Band          float64 `yaml:"band"`
}

// SandboxConfig configures the Sandbox Executor's resource caps.
type SandboxConfig struct {
	WallClock        time.Duration `yaml:"wall_clock"`
	MemoryBytes      int64         `yaml:"memory_bytes"`
	Network          string        `yaml:"network"`
	AllowedReadRoots []string      `yaml:"allowed_read_roots"`
}

// RetentionConfig configures how long transient data is kept.
type RetentionConfig struct {
	ScratchDays int `yaml:"scratch_days"`
}

// Config is Pulsus's full runtime configuration.
type Config struct {
	FrameworkRoot string          `yaml:"framework_root"`
	WorkflowsRoot string          `yaml:"workflows_root"`
	LogRoot       string          `yaml:"log_root"`
	HistoryDBPath string          `yaml:"history_db_path"`
	Model         ModelConfig     `yaml:"model"`
	Scorer        ScorerConfig    `yaml:"scorer"`
	Sandbox       SandboxConfig   `yaml:"sandbox"`
	Retention     RetentionConfig `yaml:"retention"`
}

// defaults mirrors the canonical weight tuple and thresholds fixed in
// canonical defaults: 0.40/0.40/0.20 weights, τ=0.60, ε=0.05.
func defaults() Config {
	return Config{
		FrameworkRoot: "./framework",
		WorkflowsRoot: "./workflows",
		LogRoot:       "./logs",
		HistoryDBPath: "./pulsus-history.db",
		Model: ModelConfig{
			Endpoint:    "http://localhost:8000/v1",
			Name:        "default",
			Temperature: 0.2,
			MaxTokens:   2048,
			Timeout:     30 * time.Second,
		},
		Scorer: ScorerConfig{
			WeightName:    0.40,
			WeightDoc:     0.40,
			WeightHistory: 0.20,
			Threshold:     0.60,
			Band:          0.05,
		},
		Sandbox: SandboxConfig{
			WallClock:   10 * time.Second,
			MemoryBytes: 256 * 1024 * 1024,
			Network:     "none",
		},
		Retention: RetentionConfig{ScratchDays: 7},
	}
}

// Load reads path as YAML into Config, starting from defaults(), then
// applies environment variable overrides. A missing file is not an error:
// Load falls back to defaults plus env overrides, matching the
// "config file is optional, env vars always apply" convention.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to defaults + env
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.FrameworkRoot = environment.StringOr("PULSUS_FRAMEWORK_ROOT", cfg.FrameworkRoot)
	cfg.WorkflowsRoot = environment.StringOr("PULSUS_WORKFLOWS_ROOT", cfg.WorkflowsRoot)
	cfg.LogRoot = environment.StringOr("PULSUS_LOG_ROOT", cfg.LogRoot)
	cfg.HistoryDBPath = environment.StringOr("PULSUS_HISTORY_DB", cfg.HistoryDBPath)

	cfg.Model.Endpoint = environment.StringOr("PULSUS_MODEL_ENDPOINT", cfg.Model.Endpoint)
	cfg.Model.Name = environment.StringOr("PULSUS_MODEL_NAME", cfg.Model.Name)
	cfg.Model.Timeout = environment.DurationOr("PULSUS_MODEL_TIMEOUT", cfg.Model.Timeout)
	cfg.Model.MaxTokens = environment.IntOr("PULSUS_MODEL_MAX_TOKENS", cfg.Model.MaxTokens)

	cfg.Sandbox.WallClock = environment.DurationOr("PULSUS_SANDBOX_WALL_CLOCK", cfg.Sandbox.WallClock)
	cfg.Retention.ScratchDays = environment.IntOr("PULSUS_RETENTION_SCRATCH_DAYS", cfg.Retention.ScratchDays)
}

// Validate checks invariants the rest of Pulsus assumes hold, matching the
// canonical weight tuple and threshold/band constraints.
func (c *Config) Validate() error {
	sum := c.Scorer.WeightName + c.Scorer.WeightDoc + c.Scorer.WeightHistory
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("scorer weights must sum to 1.0, got %.3f", sum)
	}
	if c.Scorer.Threshold <= 0 || c.Scorer.Threshold >= 1 {
		return fmt.Errorf("scorer threshold must be in (0, 1), got %.3f", c.Scorer.Threshold)
	}
	if c.Scorer.Band < 0 || c.Scorer.Band >= c.Scorer.Threshold {
		return fmt.Errorf("scorer band must be in [0, threshold), got %.3f", c.Scorer.Band)
	}
	if c.Sandbox.MemoryBytes <= 0 {
		return fmt.Errorf("sandbox memory_bytes must be positive")
	}
	if c.Sandbox.WallClock <= 0 {
		return fmt.Errorf("sandbox wall_clock must be positive")
	}
	return nil
}
