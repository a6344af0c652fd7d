package moe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration is wrapped by every configuration validation failure.
// Callers check it with errors.Is before training starts.
var ErrConfiguration = errors.New("moe configuration error")

// LossType names a load-balance loss algorithm.
type LossType string

const (
	LossVariancePenalty         LossType = "variance_penalty"
	LossEntropyRegularization   LossType = "entropy_regularization"
	LossDiversityRegularization LossType = "diversity_regularization"
)

// ValidLossTypes is the set of recognized moe_loss_type values.
// Shared by Validate() and NewLoadBalanceLoss() to avoid duplication.
var ValidLossTypes = map[LossType]bool{
	LossVariancePenalty:         true,
	LossEntropyRegularization:   true,
	LossDiversityRegularization: true,
}

// Config holds the expert-routing diagnostics configuration.
// Loadable from a YAML file via LoadConfig(path).
type Config struct {
	ModelWidth       int      `yaml:"model_width"`
	NumExperts       int      `yaml:"num_experts"`
	NumExpertsPerTok int      `yaml:"num_experts_per_tok"`
	MoELoss          bool     `yaml:"moe_loss"`
	MoELossType      LossType `yaml:"moe_loss_type"`
	MoELossCoef      float64  `yaml:"moe_loss_coef"`
	LogInterval      int64    `yaml:"log_interval"` // <= 0 disables telemetry
	LogDir           string   `yaml:"log_dir"`
	Replica          string   `yaml:"replica,omitempty"` // tags log file and records per data-parallel replica
	Seed             int64    `yaml:"seed"`
}

// DefaultConfig returns the configuration of the small debugging model:
// 4 experts, 2 per token, entropy regularization, flush every 10 steps.
func DefaultConfig() Config {
	return Config{
		ModelWidth:       32,
		NumExperts:       4,
		NumExpertsPerTok: 2,
		MoELoss:          true,
		MoELossType:      LossEntropyRegularization,
		MoELossCoef:      1.0,
		LogInterval:      10,
		LogDir:           "./logs/moe_logs",
		Seed:             42,
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
// Unknown fields are rejected so that typos surface as errors.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading moe config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing moe config: %w", err)
	}
	return cfg, nil
}

// TelemetryEnabled reports whether the Reporter flushes at all.
func (c Config) TelemetryEnabled() bool {
	return c.LogInterval > 0
}

// Validate checks expert counts, loss selection and telemetry settings.
// Every returned error wraps ErrConfiguration.
func (c Config) Validate() error {
	if c.NumExperts < 1 {
		return fmt.Errorf("%w: num_experts must be >= 1, got %d", ErrConfiguration, c.NumExperts)
	}
	if c.NumExpertsPerTok < 1 {
		return fmt.Errorf("%w: num_experts_per_tok must be >= 1, got %d", ErrConfiguration, c.NumExpertsPerTok)
	}
	if c.NumExpertsPerTok > c.NumExperts {
		return fmt.Errorf("%w: num_experts_per_tok (%d) exceeds num_experts (%d)",
			ErrConfiguration, c.NumExpertsPerTok, c.NumExperts)
	}
	if c.ModelWidth < 1 {
		return fmt.Errorf("%w: model_width must be >= 1, got %d", ErrConfiguration, c.ModelWidth)
	}
	// Checked even when moe_loss is off.
	if !ValidLossTypes[c.MoELossType] {
		return fmt.Errorf("%w: unknown moe_loss_type %q", ErrConfiguration, c.MoELossType)
	}
	if c.MoELossCoef < 0 {
		return fmt.Errorf("%w: moe_loss_coef must be non-negative, got %f", ErrConfiguration, c.MoELossCoef)
	}
	if c.TelemetryEnabled() && c.LogDir == "" {
		return fmt.Errorf("%w: log_dir is required when log_interval > 0", ErrConfiguration)
	}
	return nil
}
