package moe

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrDimensionMismatch is returned when a hidden state does not match the gate width.
var ErrDimensionMismatch = errors.New("hidden state dimension mismatch")

// gateInitStdDev is the standard deviation of the initial projection weights.
const gateInitStdDev = 0.02

// ExpertDistribution is a categorical distribution over experts for one token.
// Length is num_experts; entries are non-negative and sum to 1.
type ExpertDistribution []float64

// Selection holds the distinct expert indices chosen for one token,
// ordered by descending probability (ties by ascending index).
type Selection []int

// Gate projects a token's hidden state to expert logits, normalizes them with
// softmax and selects the top num_experts_per_tok experts.
// Route is a pure function of its input and the current weights.
type Gate struct {
	weights    *mat.Dense // (numExperts x width)
	numExperts int
	topK       int
	width      int
}

// NewGate creates a gate with normally distributed weights drawn from rng.
func NewGate(cfg Config, rng *rand.Rand) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	data := make([]float64, cfg.NumExperts*cfg.ModelWidth)
	for i := range data {
		data[i] = rng.NormFloat64() * gateInitStdDev
	}
	return newGate(cfg.NumExperts, cfg.NumExpertsPerTok, cfg.ModelWidth, data), nil
}

// NewGateFromWeights creates a gate from row-major (numExperts x width) weights.
func NewGateFromWeights(numExperts, topK, width int, weights []float64) (*Gate, error) {
	if numExperts < 1 || topK < 1 || topK > numExperts {
		return nil, fmt.Errorf("%w: need num_experts >= num_experts_per_tok >= 1, got %d and %d",
			ErrConfiguration, numExperts, topK)
	}
	if width < 1 || len(weights) != numExperts*width {
		return nil, fmt.Errorf("%w: weights length %d does not match %d experts x width %d",
			ErrDimensionMismatch, len(weights), numExperts, width)
	}
	data := make([]float64, len(weights))
	copy(data, weights)
	return newGate(numExperts, topK, width, data), nil
}

func newGate(numExperts, topK, width int, data []float64) *Gate {
	return &Gate{
		weights:    mat.NewDense(numExperts, width, data),
		numExperts: numExperts,
		topK:       topK,
		width:      width,
	}
}

// NumExperts returns the size of every distribution the gate produces.
func (g *Gate) NumExperts() int { return g.numExperts }

// TopK returns num_experts_per_tok.
func (g *Gate) TopK() int { return g.topK }

// Width returns the expected hidden state dimensionality.
func (g *Gate) Width() int { return g.width }

// Weights returns a copy of the projection weights in row-major order.
func (g *Gate) Weights() []float64 {
	out := make([]float64, g.numExperts*g.width)
	for e := 0; e < g.numExperts; e++ {
		copy(out[e*g.width:], g.weights.RawRowView(e))
	}
	return out
}

// Route computes the expert distribution and selection for one token.
func (g *Gate) Route(hidden []float64) (ExpertDistribution, Selection, error) {
	if len(hidden) != g.width {
		return nil, nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(hidden), g.width)
	}
	logits := make([]float64, g.numExperts)
	for e := range logits {
		logits[e] = floats.Dot(g.weights.RawRowView(e), hidden)
	}
	dist, err := softmax(logits)
	if err != nil {
		return nil, nil, err
	}
	return dist, TopK(dist, g.topK), nil
}

// RouteBatch routes every token of a batch with one (tokens x width) · (width x experts) product.
// An empty batch yields empty results.
func (g *Gate) RouteBatch(hidden [][]float64) ([]ExpertDistribution, []Selection, error) {
	if len(hidden) == 0 {
		return nil, nil, nil
	}
	flat := make([]float64, 0, len(hidden)*g.width)
	for i, h := range hidden {
		if len(h) != g.width {
			return nil, nil, fmt.Errorf("%w: token %d has %d, want %d", ErrDimensionMismatch, i, len(h), g.width)
		}
		flat = append(flat, h...)
	}
	var logits mat.Dense
	logits.Mul(mat.NewDense(len(hidden), g.width, flat), g.weights.T())

	dists := make([]ExpertDistribution, len(hidden))
	sels := make([]Selection, len(hidden))
	for i := range hidden {
		row := make([]float64, g.numExperts)
		copy(row, logits.RawRowView(i))
		dist, err := softmax(row)
		if err != nil {
			return nil, nil, fmt.Errorf("token %d: %w", i, err)
		}
		dists[i] = dist
		sels[i] = TopK(dist, g.topK)
	}
	return dists, sels, nil
}

// softmax normalizes logits in place into a distribution.
// The max logit is subtracted first so exp never overflows.
func softmax(logits []float64) (ExpertDistribution, error) {
	for _, v := range logits {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite gate logit %v", v)
		}
	}
	floats.AddConst(-floats.Max(logits), logits)
	for i, v := range logits {
		logits[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(logits), logits)
	return ExpertDistribution(logits), nil
}

// TopK returns the k highest-probability expert indices.
// Ties are broken by ascending index, so the result is deterministic.
func TopK(dist ExpertDistribution, k int) Selection {
	if k > len(dist) {
		k = len(dist)
	}
	idx := make([]int, len(dist))
	for i := range idx {
		idx[i] = i
	}
	// Stable sort over ascending indices keeps lower index first on equal probability.
	sort.SliceStable(idx, func(a, b int) bool {
		return dist[idx[a]] > dist[idx[b]]
	})
	return Selection(idx[:k:k])
}
