package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/asokraju/nanoGPT/moe"
	"github.com/asokraju/nanoGPT/moe/host"
)

// RunConfig represents the full run YAML structure.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type RunConfig struct {
	MoE      moe.Config         `yaml:"moe"`
	Training host.TrainerConfig `yaml:"training"`
}

// DefaultRunConfig returns the defaults applied before a config file is read.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MoE:      moe.DefaultConfig(),
		Training: host.DefaultTrainerConfig(),
	}
}

// loadRunConfig parses a run YAML file on top of the defaults.
// Uses strict field checking: typos must cause errors.
func loadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading run config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing run config: %w", err)
	}
	return cfg, nil
}
