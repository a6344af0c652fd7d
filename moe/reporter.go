package moe

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asokraju/nanoGPT/moe/telemetry"
)

// RecordWriter persists flushed LogRecords. telemetry.Writer is the durable implementation.
type RecordWriter interface {
	Append(record telemetry.LogRecord) error
}

// ReporterConfig configures a Reporter. Zero-valued optional fields get defaults:
// a fresh UUID for RunID, logrus.StandardLogger() for Logger and time.Now for Clock.
type ReporterConfig struct {
	LogInterval int64 // <= 0 disables reporting
	LossType    LossType
	Replica     string
	RunID       string
	Writer      RecordWriter
	Logger      logrus.FieldLogger
	Clock       func() time.Time
}

// Reporter flushes the Aggregator's window every LogInterval steps.
//
// A flush freezes the window into a LogRecord, appends it to the writer, logs it
// and resets the aggregator. When the append fails the window is kept, so the
// next flush covers the union of both intervals and is marked ExtendedWindow.
type Reporter struct {
	cfg         ReporterConfig
	agg         *UsageAggregator
	windowStart int64
	carried     bool // window holds steps from a failed flush
	partial     bool // window began mid-interval after a restore
	lastLoss    float64
	flushes     int
	failures    int
}

// NewReporter creates a reporter whose first window starts at step 1.
func NewReporter(cfg ReporterConfig, agg *UsageAggregator) *Reporter {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Reporter{cfg: cfg, agg: agg, windowStart: 1}
}

// Enabled reports whether the reporter ever flushes.
func (r *Reporter) Enabled() bool {
	return r.cfg.LogInterval > 0
}

// RunID returns the identifier stamped on every record of this run.
func (r *Reporter) RunID() string {
	return r.cfg.RunID
}

// WindowStart returns the first step the current window covers.
func (r *Reporter) WindowStart() int64 {
	return r.windowStart
}

// Flushes returns the number of records durably written.
func (r *Reporter) Flushes() int {
	return r.flushes
}

// Failures returns the number of flushes whose write failed.
func (r *Reporter) Failures() int {
	return r.failures
}

// Restore positions the reporter after a checkpoint restore.
func (r *Reporter) Restore(state ResumeState) {
	r.agg.Reset()
	r.windowStart = state.WindowStart
	r.partial = state.Partial
	r.carried = false
}

// OnStep is called once per completed step, after the aggregator recorded it.
// It flushes when step is a multiple of LogInterval and returns the written
// record, or nil when nothing was written. Write failures are logged, not returned.
func (r *Reporter) OnStep(step int64, loadBalanceLoss float64) *telemetry.LogRecord {
	r.lastLoss = loadBalanceLoss
	if !r.Enabled() || step%r.cfg.LogInterval != 0 {
		return nil
	}
	rec, _ := r.Flush(step)
	return rec
}

// Flush writes the window ending at step regardless of the interval grid.
// Returns nil, nil when reporting is disabled or step precedes the window.
func (r *Reporter) Flush(step int64) (*telemetry.LogRecord, error) {
	if !r.Enabled() || step < r.windowStart {
		return nil, nil
	}
	window := r.agg.State()
	span := step - r.windowStart + 1
	rec := telemetry.LogRecord{
		RunID:           r.cfg.RunID,
		Replica:         r.cfg.Replica,
		WindowStartStep: r.windowStart,
		WindowEndStep:   step,
		LogInterval:     r.cfg.LogInterval,
		StepsRecorded:   window.Steps,
		Tokens:          window.Tokens,
		Assignments:     window.Assignments,
		Counts:          window.Counts,
		Fractions:       window.Fractions(),
		LoadBalanceLoss: r.lastLoss,
		LossType:        string(r.cfg.LossType),
		PartialWindow:   r.partial || span < r.cfg.LogInterval,
		ExtendedWindow:  r.carried || span > r.cfg.LogInterval,
		Timestamp:       r.cfg.Clock().UTC(),
	}

	fields := logrus.Fields{
		"run_id":            rec.RunID,
		"window_start_step": rec.WindowStartStep,
		"window_end_step":   rec.WindowEndStep,
		"tokens":            rec.Tokens,
		"fractions":         rec.Fractions,
		"load_balance_loss": rec.LoadBalanceLoss,
		"partial_window":    rec.PartialWindow,
		"extended_window":   rec.ExtendedWindow,
	}
	if rec.Replica != "" {
		fields["replica"] = rec.Replica
	}

	if r.cfg.Writer != nil {
		if err := r.cfg.Writer.Append(rec); err != nil {
			r.failures++
			r.carried = true
			r.cfg.Logger.WithFields(fields).WithError(err).
				Warn("moe usage flush failed; keeping window for the next flush")
			return nil, fmt.Errorf("flushing window %d-%d: %w", rec.WindowStartStep, rec.WindowEndStep, err)
		}
	}
	r.cfg.Logger.WithFields(fields).Info("moe usage window flushed")

	r.flushes++
	r.agg.Reset()
	r.windowStart = step + 1
	r.carried = false
	r.partial = false
	return &rec, nil
}
