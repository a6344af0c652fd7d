// Package testutil provides shared test infrastructure for the moe packages.
package testutil

import (
	"math"
	"testing"
)

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertDistribution checks that p is a valid categorical distribution of length n.
func AssertDistribution(t *testing.T, p []float64, n int) {
	t.Helper()
	if len(p) != n {
		t.Fatalf("distribution length = %d, want %d", len(p), n)
	}
	sum := 0.0
	for i, v := range p {
		if math.IsNaN(v) || v < 0 {
			t.Errorf("p[%d] = %v, want non-negative finite", i, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("distribution sums to %v, want 1", sum)
	}
}

// UniformHidden returns n hidden states of the given width filled with v.
func UniformHidden(n, width int, v float64) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, width)
		for j := range out[i] {
			out[i][j] = v
		}
	}
	return out
}
