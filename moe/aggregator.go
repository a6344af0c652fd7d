package moe

import "fmt"

// WindowState holds usage totals accumulated since the last flush.
type WindowState struct {
	Counts      []int64 // expert index → tokens routed to it
	Steps       int64   // non-empty steps recorded
	Tokens      int64
	Assignments int64 // sum of selection sizes, i.e. Σ Counts
}

// NewWindowState returns an empty window for numExperts experts.
func NewWindowState(numExperts int) WindowState {
	return WindowState{Counts: make([]int64, numExperts)}
}

// Clone returns a deep copy whose Counts slice is not shared.
func (w WindowState) Clone() WindowState {
	c := w
	c.Counts = make([]int64, len(w.Counts))
	copy(c.Counts, w.Counts)
	return c
}

// IsEmpty reports whether no tokens were recorded in the window.
func (w WindowState) IsEmpty() bool {
	return w.Tokens == 0
}

// Fractions returns each expert's share of the window's assignments.
// All zeros for an empty window, never NaN.
func (w WindowState) Fractions() []float64 {
	out := make([]float64, len(w.Counts))
	if w.Assignments == 0 {
		return out
	}
	for e, c := range w.Counts {
		out[e] = float64(c) / float64(w.Assignments)
	}
	return out
}

// UsageAggregator accumulates per-step expert selections into a WindowState.
// Counts only grow until Reset. Not safe for concurrent use: one logical owner
// calls RecordStep once per completed training step.
type UsageAggregator struct {
	numExperts int
	state      WindowState
}

// NewUsageAggregator creates an aggregator with an empty window.
func NewUsageAggregator(numExperts int) *UsageAggregator {
	return &UsageAggregator{
		numExperts: numExperts,
		state:      NewWindowState(numExperts),
	}
}

// RecordStep adds one step's selections to the window and returns a snapshot.
// A step without tokens is a no-op. Invalid selections are rejected before
// any count changes.
func (a *UsageAggregator) RecordStep(selections []Selection) (WindowState, error) {
	if len(selections) == 0 {
		return a.State(), nil
	}
	for i, s := range selections {
		if err := a.checkSelection(s); err != nil {
			return a.State(), fmt.Errorf("token %d: %w", i, err)
		}
	}
	for _, s := range selections {
		for _, e := range s {
			a.state.Counts[e]++
		}
		a.state.Assignments += int64(len(s))
	}
	a.state.Tokens += int64(len(selections))
	a.state.Steps++
	return a.State(), nil
}

func (a *UsageAggregator) checkSelection(s Selection) error {
	seen := make(map[int]bool, len(s))
	for _, e := range s {
		if e < 0 || e >= a.numExperts {
			return fmt.Errorf("%w: expert %d outside [0,%d)", ErrDimensionMismatch, e, a.numExperts)
		}
		if seen[e] {
			return fmt.Errorf("duplicate expert %d in selection", e)
		}
		seen[e] = true
	}
	return nil
}

// State returns a copy of the current window.
func (a *UsageAggregator) State() WindowState {
	return a.state.Clone()
}

// Reset zeroes the window. Called by the Reporter after a durable flush.
func (a *UsageAggregator) Reset() {
	a.state = NewWindowState(a.numExperts)
}

// NumExperts returns the width of the count vector.
func (a *UsageAggregator) NumExperts() int {
	return a.numExperts
}
