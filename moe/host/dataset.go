package host

import (
	"math/rand"
)

// SyntheticDataset yields random token hidden states for debugging runs.
// The batch for a step depends only on the seed and the step index, so a
// resumed run sees the same data as an uninterrupted one.
type SyntheticDataset struct {
	seed          int64
	width         int
	tokensPerStep int
}

// NewSyntheticDataset creates a dataset of batchSize x blockSize tokens per step.
func NewSyntheticDataset(rng *rand.Rand, width, batchSize, blockSize int) *SyntheticDataset {
	return &SyntheticDataset{
		seed:          rng.Int63(),
		width:         width,
		tokensPerStep: batchSize * blockSize,
	}
}

// TokensPerStep returns the number of hidden states in every batch.
func (d *SyntheticDataset) TokensPerStep() int {
	return d.tokensPerStep
}

// Batch returns the hidden states for step.
func (d *SyntheticDataset) Batch(step int64) [][]float64 {
	rng := rand.New(rand.NewSource(d.seed ^ step))
	batch := make([][]float64, d.tokensPerStep)
	for i := range batch {
		h := make([]float64, d.width)
		for j := range h {
			h[j] = rng.NormFloat64()
		}
		batch[i] = h
	}
	return batch
}
