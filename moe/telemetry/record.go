// Package telemetry provides the durable expert-usage log records.
// It has no dependencies on moe/ and stores pure data types.
package telemetry

import "time"

// LogRecord is an immutable snapshot of one flushed usage window.
// Steps are inclusive: a window flushed at step 30 after a flush at step 20
// has WindowStartStep 21 and WindowEndStep 30.
type LogRecord struct {
	RunID           string    `json:"run_id"`
	Replica         string    `json:"replica,omitempty"`
	WindowStartStep int64     `json:"window_start_step"`
	WindowEndStep   int64     `json:"window_end_step"`
	LogInterval     int64     `json:"log_interval"`
	StepsRecorded   int64     `json:"steps_recorded"` // steps with at least one token
	Tokens          int64     `json:"tokens"`
	Assignments     int64     `json:"assignments"` // tokens x num_experts_per_tok
	Counts          []int64   `json:"counts"`
	Fractions       []float64 `json:"fractions"` // counts / assignments; zeros for an empty window
	LoadBalanceLoss float64   `json:"load_balance_loss"`
	LossType        string    `json:"loss_type,omitempty"`
	PartialWindow   bool      `json:"partial_window"`  // spans fewer steps than log_interval
	ExtendedWindow  bool      `json:"extended_window"` // carries steps of a failed earlier flush
	Timestamp       time.Time `json:"timestamp"`
}

// Span returns the number of training steps the window covers.
func (r LogRecord) Span() int64 {
	if r.WindowEndStep < r.WindowStartStep {
		return 0
	}
	return r.WindowEndStep - r.WindowStartStep + 1
}

// NumExperts returns the number of experts the record describes.
func (r LogRecord) NumExperts() int {
	return len(r.Counts)
}
