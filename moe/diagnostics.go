package moe

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asokraju/nanoGPT/moe/telemetry"
)

// StepEnd carries what the host training loop knows once a step completes.
type StepEnd struct {
	Step            int64       // global step index, 1-based
	Selections      []Selection // one per token routed during the step
	LoadBalanceLoss float64     // scaled loss added to the objective this step
}

// StepHooks is the lifecycle interface a host training loop drives.
type StepHooks interface {
	OnStepEnd(ev StepEnd) error
	OnCheckpointRestore(checkpointStep int64, marker *ResumeMarker) error
}

// Options carries the owned collaborators of a Diagnostics instance.
// Nil fields get defaults: a telemetry.Writer under Config.LogDir, the logrus
// standard logger, a fresh run UUID and time.Now.
type Options struct {
	Logger logrus.FieldLogger
	Writer RecordWriter
	RunID  string
	Clock  func() time.Time
}

// Diagnostics wires the Gate, Loss Engine, Usage Aggregator, Telemetry Reporter
// and Resume Coordinator for one training run (one replica).
type Diagnostics struct {
	cfg         Config
	gate        *Gate
	loss        LoadBalanceLoss
	agg         *UsageAggregator
	reporter    *Reporter
	coordinator *ResumeCoordinator
	logger      logrus.FieldLogger
	lastStep    int64
}

var _ StepHooks = (*Diagnostics)(nil)

// NewDiagnostics validates cfg and builds the subsystem around gate.
// Configuration errors are returned before any training step can run.
func NewDiagnostics(cfg Config, gate *Gate, opts Options) (*Diagnostics, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gate.NumExperts() != cfg.NumExperts || gate.TopK() != cfg.NumExpertsPerTok || gate.Width() != cfg.ModelWidth {
		return nil, fmt.Errorf("%w: gate shape (%d experts, top-%d, width %d) does not match config (%d, %d, %d)",
			ErrConfiguration, gate.NumExperts(), gate.TopK(), gate.Width(),
			cfg.NumExperts, cfg.NumExpertsPerTok, cfg.ModelWidth)
	}
	loss, err := NewLoadBalanceLoss(cfg.MoELossType)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	writer := opts.Writer
	if writer == nil && cfg.TelemetryEnabled() {
		writer = telemetry.NewWriter(cfg.LogDir, cfg.Replica)
	}

	agg := NewUsageAggregator(cfg.NumExperts)
	reporter := NewReporter(ReporterConfig{
		LogInterval: cfg.LogInterval,
		LossType:    cfg.MoELossType,
		Replica:     cfg.Replica,
		RunID:       opts.RunID,
		Writer:      writer,
		Logger:      opts.Logger,
		Clock:       opts.Clock,
	}, agg)

	return &Diagnostics{
		cfg:         cfg,
		gate:        gate,
		loss:        loss,
		agg:         agg,
		reporter:    reporter,
		coordinator: NewResumeCoordinator(cfg.NumExperts, cfg.LogInterval, opts.Logger),
		logger:      opts.Logger,
	}, nil
}

// Route runs the gate over one step's hidden states.
func (d *Diagnostics) Route(hidden [][]float64) (RoutingBatch, error) {
	dists, sels, err := d.gate.RouteBatch(hidden)
	if err != nil {
		return RoutingBatch{}, err
	}
	return RoutingBatch{NumExperts: d.cfg.NumExperts, Distributions: dists, Selections: sels}, nil
}

// Loss returns the scaled load-balance term for the batch, or 0 when moe_loss is off.
func (d *Diagnostics) Loss(batch RoutingBatch) (float64, error) {
	if !d.cfg.MoELoss {
		return 0, nil
	}
	if err := batch.Check(); err != nil {
		return 0, err
	}
	return d.cfg.MoELossCoef * d.loss.Penalty(batch), nil
}

// OnStepEnd records the step's selections and flushes on interval boundaries.
// Only invalid selections are returned as errors; flush failures are logged
// by the reporter and training continues.
func (d *Diagnostics) OnStepEnd(ev StepEnd) error {
	if _, err := d.agg.RecordStep(ev.Selections); err != nil {
		return fmt.Errorf("recording step %d: %w", ev.Step, err)
	}
	d.lastStep = ev.Step
	d.reporter.OnStep(ev.Step, ev.LoadBalanceLoss)
	return nil
}

// OnCheckpointRestore resets telemetry to the window grid implied by checkpointStep.
func (d *Diagnostics) OnCheckpointRestore(checkpointStep int64, marker *ResumeMarker) error {
	state := d.coordinator.OnStartup(checkpointStep, marker)
	d.reporter.Restore(state)
	d.lastStep = state.WindowStart - 1
	return nil
}

// Marker returns the ResumeMarker to persist with a checkpoint saved at step.
func (d *Diagnostics) Marker(step int64) ResumeMarker {
	return NewResumeMarker(step, d.cfg.LogInterval)
}

// Close flushes the trailing window that ended at the last recorded step.
// Nothing is written when that step was already flushed.
func (d *Diagnostics) Close() error {
	_, err := d.reporter.Flush(d.lastStep)
	return err
}

// Window returns a copy of the in-progress window.
func (d *Diagnostics) Window() WindowState {
	return d.agg.State()
}

// Reporter exposes the telemetry reporter for inspection.
func (d *Diagnostics) Reporter() *Reporter {
	return d.reporter
}

// Gate returns the routing gate.
func (d *Diagnostics) Gate() *Gate {
	return d.gate
}
