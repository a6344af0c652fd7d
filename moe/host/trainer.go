// Package host provides a synthetic training loop that drives the moe
// diagnostics hooks the way an external trainer would: route, compute the
// load-balance loss, report the step, and save resume markers with checkpoints.
package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/asokraju/nanoGPT/moe"
)

// checkpointPrefix names checkpoint directories under OutputDir.
const checkpointPrefix = "checkpoint-"

// TrainerConfig holds the host loop settings.
type TrainerConfig struct {
	NumSteps             int64  `yaml:"num_steps"`
	BatchSize            int    `yaml:"per_device_train_batch_size"`
	BlockSize            int    `yaml:"block_size"`
	SaveSteps            int64  `yaml:"save_steps"` // <= 0 disables checkpoints
	OutputDir            string `yaml:"output_dir"`
	ResumeFromCheckpoint string `yaml:"resume_from_checkpoint,omitempty"`
}

// DefaultTrainerConfig returns a short debugging run.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		NumSteps:  100,
		BatchSize: 4,
		BlockSize: 16,
		SaveSteps: 50,
		OutputDir: "./results",
	}
}

// Validate checks step counts and batch shape.
func (c TrainerConfig) Validate() error {
	if c.NumSteps < 0 {
		return fmt.Errorf("num_steps must be non-negative, got %d", c.NumSteps)
	}
	if c.BatchSize < 1 || c.BlockSize < 1 {
		return fmt.Errorf("batch size and block size must be >= 1, got %d and %d", c.BatchSize, c.BlockSize)
	}
	if c.SaveSteps > 0 && c.OutputDir == "" {
		return fmt.Errorf("output_dir is required when save_steps > 0")
	}
	return nil
}

// Subsystem is the part of moe.Diagnostics the trainer depends on.
type Subsystem interface {
	moe.StepHooks
	Route(hidden [][]float64) (moe.RoutingBatch, error)
	Loss(batch moe.RoutingBatch) (float64, error)
	Marker(step int64) moe.ResumeMarker
	Close() error
}

// Result summarizes a finished run.
type Result struct {
	StartStep   int64
	FinalStep   int64
	MeanLoss    float64
	Checkpoints []string
}

// Trainer runs the synthetic training loop.
type Trainer struct {
	cfg    TrainerConfig
	data   *SyntheticDataset
	diag   Subsystem
	logger logrus.FieldLogger
}

// NewTrainer creates a trainer over dataset and diagnostics.
func NewTrainer(cfg TrainerConfig, data *SyntheticDataset, diag Subsystem, logger logrus.FieldLogger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Trainer{cfg: cfg, data: data, diag: diag, logger: logger}, nil
}

// CheckpointDir returns the directory a checkpoint at step is saved to.
func CheckpointDir(outputDir string, step int64) string {
	return filepath.Join(outputDir, checkpointPrefix+strconv.FormatInt(step, 10))
}

// ParseCheckpointStep extracts the step from a "checkpoint-<step>" path.
// Both slash and backslash separators are accepted.
func ParseCheckpointStep(path string) (int64, error) {
	base := strings.TrimRight(path, `/\`)
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if !strings.HasPrefix(base, checkpointPrefix) {
		return 0, fmt.Errorf("checkpoint path %q does not end in %s<step>", path, checkpointPrefix)
	}
	step, err := strconv.ParseInt(strings.TrimPrefix(base, checkpointPrefix), 10, 64)
	if err != nil || step < 0 {
		return 0, fmt.Errorf("checkpoint path %q has invalid step", path)
	}
	return step, nil
}

// Run executes steps until NumSteps or ctx is cancelled, then flushes the
// trailing telemetry window.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	if t.cfg.ResumeFromCheckpoint != "" {
		start, err := t.restore()
		if err != nil {
			return nil, err
		}
		res.StartStep = start
	}
	res.FinalStep = res.StartStep

	lossSum := 0.0
	for step := res.StartStep + 1; step <= t.cfg.NumSteps; step++ {
		if err := ctx.Err(); err != nil {
			t.closeDiagnostics()
			return res, fmt.Errorf("training interrupted at step %d: %w", step, err)
		}
		batch, err := t.diag.Route(t.data.Batch(step))
		if err != nil {
			return res, fmt.Errorf("routing step %d: %w", step, err)
		}
		loss, err := t.diag.Loss(batch)
		if err != nil {
			return res, fmt.Errorf("load-balance loss at step %d: %w", step, err)
		}
		if err := t.diag.OnStepEnd(moe.StepEnd{Step: step, Selections: batch.Selections, LoadBalanceLoss: loss}); err != nil {
			return res, err
		}
		lossSum += loss
		res.FinalStep = step
		t.logger.WithFields(logrus.Fields{"step": step, "load_balance_loss": loss}).Debug("step complete")

		if t.cfg.SaveSteps > 0 && step%t.cfg.SaveSteps == 0 {
			dir := CheckpointDir(t.cfg.OutputDir, step)
			if err := moe.SaveResumeMarker(dir, t.diag.Marker(step)); err != nil {
				return res, fmt.Errorf("saving checkpoint %d: %w", step, err)
			}
			res.Checkpoints = append(res.Checkpoints, dir)
			t.logger.Infof("saved checkpoint %s", dir)
		}
	}
	if ran := res.FinalStep - res.StartStep; ran > 0 {
		res.MeanLoss = lossSum / float64(ran)
	}
	t.closeDiagnostics()
	return res, nil
}

func (t *Trainer) restore() (int64, error) {
	path := t.cfg.ResumeFromCheckpoint
	step, err := ParseCheckpointStep(path)
	if err != nil {
		return 0, err
	}
	marker, err := moe.LoadResumeMarker(path)
	if err != nil {
		if !errors.Is(err, moe.ErrMarkerNotFound) {
			t.logger.Warnf("ignoring unreadable resume marker: %v", err)
		}
		marker = nil
	}
	if err := t.diag.OnCheckpointRestore(step, marker); err != nil {
		return 0, fmt.Errorf("restoring from %s: %w", path, err)
	}
	t.logger.Infof("resumed from %s at step %d", path, step)
	return step, nil
}

func (t *Trainer) closeDiagnostics() {
	if err := t.diag.Close(); err != nil {
		t.logger.Warnf("final moe usage flush failed: %v", err)
	}
}
