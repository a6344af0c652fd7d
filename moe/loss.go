package moe

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RoutingBatch is the gate output for every token of one training step.
// Distributions[i] and Selections[i] belong to the same token.
type RoutingBatch struct {
	NumExperts    int
	Distributions []ExpertDistribution
	Selections    []Selection
}

// Tokens returns the number of routed tokens in the batch.
func (b RoutingBatch) Tokens() int {
	return len(b.Selections)
}

// Check verifies that distributions and selections agree with NumExperts.
func (b RoutingBatch) Check() error {
	if b.NumExperts < 1 {
		return fmt.Errorf("%w: num_experts must be >= 1, got %d", ErrConfiguration, b.NumExperts)
	}
	for i, d := range b.Distributions {
		if len(d) != b.NumExperts {
			return fmt.Errorf("%w: distribution %d has %d entries, want %d",
				ErrDimensionMismatch, i, len(d), b.NumExperts)
		}
	}
	for i, s := range b.Selections {
		for _, e := range s {
			if e < 0 || e >= b.NumExperts {
				return fmt.Errorf("%w: selection %d names expert %d outside [0,%d)",
					ErrDimensionMismatch, i, e, b.NumExperts)
			}
		}
	}
	return nil
}

// MeanDistribution returns p̄, the per-expert mean of the token distributions.
// All zeros for a batch without distributions.
func (b RoutingBatch) MeanDistribution() []float64 {
	mean := make([]float64, b.NumExperts)
	if len(b.Distributions) == 0 {
		return mean
	}
	for _, d := range b.Distributions {
		floats.Add(mean, d)
	}
	floats.Scale(1/float64(len(b.Distributions)), mean)
	return mean
}

// UsageFractions returns u, each expert's share of all selections in the batch.
// The fractions sum to 1 (or are all zero for an empty batch), so a perfectly
// balanced router yields 1/num_experts for every expert.
func (b RoutingBatch) UsageFractions() []float64 {
	counts := make([]float64, b.NumExperts)
	for _, s := range b.Selections {
		for _, e := range s {
			counts[e]++
		}
	}
	return fractions(counts)
}

func fractions(counts []float64) []float64 {
	out := make([]float64, len(counts))
	total := floats.Sum(counts)
	if total == 0 {
		return out
	}
	copy(out, counts)
	floats.Scale(1/total, out)
	return out
}

// LoadBalanceLoss computes an unscaled load-balance penalty from one batch.
// Implementations are stateless and side-effect free.
type LoadBalanceLoss interface {
	Name() LossType
	Penalty(batch RoutingBatch) float64
}

// NewLoadBalanceLoss returns the algorithm registered under t.
func NewLoadBalanceLoss(t LossType) (LoadBalanceLoss, error) {
	if !ValidLossTypes[t] {
		return nil, fmt.Errorf("%w: unknown moe_loss_type %q", ErrConfiguration, t)
	}
	switch t {
	case LossVariancePenalty:
		return VariancePenalty{}, nil
	case LossEntropyRegularization:
		return EntropyRegularization{}, nil
	default:
		return DiversityRegularization{}, nil
	}
}

// ComputeLoss returns coefficient × penalty for the batch under lossType.
func ComputeLoss(batch RoutingBatch, lossType LossType, coefficient float64) (float64, error) {
	loss, err := NewLoadBalanceLoss(lossType)
	if err != nil {
		return 0, err
	}
	if err := batch.Check(); err != nil {
		return 0, err
	}
	return coefficient * loss.Penalty(batch), nil
}

// VariancePenalty is the population variance of the usage fractions u.
// Zero exactly when every expert receives the same share of selections.
type VariancePenalty struct{}

// Name implements LoadBalanceLoss.
func (VariancePenalty) Name() LossType { return LossVariancePenalty }

// Penalty implements LoadBalanceLoss.
func (VariancePenalty) Penalty(batch RoutingBatch) float64 {
	if batch.Tokens() == 0 {
		return 0
	}
	return stat.PopVariance(batch.UsageFractions(), nil)
}

// EntropyRegularization penalizes low entropy of the mean gate distribution p̄:
// penalty = ln(num_experts) - H(p̄). Zero for a uniform p̄, ln(num_experts) for one-hot.
type EntropyRegularization struct{}

// Name implements LoadBalanceLoss.
func (EntropyRegularization) Name() LossType { return LossEntropyRegularization }

// Penalty implements LoadBalanceLoss.
func (EntropyRegularization) Penalty(batch RoutingBatch) float64 {
	if len(batch.Distributions) == 0 {
		return 0
	}
	penalty := math.Log(float64(batch.NumExperts)) - stat.Entropy(batch.MeanDistribution())
	// Rounding can push a uniform p̄ a hair below zero.
	return math.Max(penalty, 0)
}

// DiversityRegularization is the mean pairwise cosine similarity between the
// experts' token-assignment indicator vectors. Expert e's vector has a 1 at
// token t when e is in token t's selection. Two experts that are always
// selected together score 1; experts that never share a token score 0.
// Experts that received no tokens contribute 0 to every pair.
type DiversityRegularization struct{}

// Name implements LoadBalanceLoss.
func (DiversityRegularization) Name() LossType { return LossDiversityRegularization }

// Penalty implements LoadBalanceLoss.
func (DiversityRegularization) Penalty(batch RoutingBatch) float64 {
	n := batch.NumExperts
	if n < 2 || batch.Tokens() == 0 {
		return 0
	}
	indicators := make([][]float64, n)
	for e := range indicators {
		indicators[e] = make([]float64, batch.Tokens())
	}
	for t, s := range batch.Selections {
		for _, e := range s {
			indicators[e][t] = 1
		}
	}
	norms := make([]float64, n)
	for e, v := range indicators {
		norms[e] = floats.Norm(v, 2)
	}

	total := 0.0
	pairs := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairs++
			if norms[i] == 0 || norms[j] == 0 {
				continue
			}
			total += floats.Dot(indicators[i], indicators[j]) / (norms[i] * norms[j])
		}
	}
	return total / float64(pairs)
}
