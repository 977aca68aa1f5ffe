package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/lafm-net/layers"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamOptimizerState is Adam with bias correction. Weight decay, when set,
// is added to the gradient as an L2 term.
type AdamOptimizerState struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64

	params   []*layers.Parameter
	momentum [][]float64 // first moment per parameter
	variance [][]float64 // second moment per parameter

	// Step tracking for bias correction
	StepCount uint64
}

// NewAdamOptimizer creates an Adam optimizer over the trainable entries of
// params. Buffers in the list are ignored.
func NewAdamOptimizer(config AdamConfig, params []*layers.Parameter) (*AdamOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}

	trainable, err := collectTrainable(params)
	if err != nil {
		return nil, err
	}

	adam := &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		params:       trainable,
		momentum:     make([][]float64, len(trainable)),
		variance:     make([][]float64, len(trainable)),
	}
	for i, p := range trainable {
		adam.momentum[i] = make([]float64, p.Value.NumElems)
		adam.variance[i] = make([]float64, p.Value.NumElems)
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(adam.Beta1, t)
	bc2 := 1 - math.Pow(adam.Beta2, t)

	for i, p := range adam.params {
		w := p.Value.Data
		g := p.Grad.Data
		if len(g) != len(w) {
			return fmt.Errorf("parameter %s: gradient has %d elements, weights %d", p.Name, len(g), len(w))
		}
		m := adam.momentum[i]
		v := adam.variance[i]
		for j := range w {
			grad := g[j]
			if adam.WeightDecay != 0 {
				grad += adam.WeightDecay * w[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*grad
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*grad*grad
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			w[j] -= adam.LearningRate * mHat / (math.Sqrt(vHat) + adam.Epsilon)
		}
	}
	return nil
}

// ZeroGrad clears the gradients of every parameter the optimizer owns.
func (adam *AdamOptimizerState) ZeroGrad() {
	for _, p := range adam.params {
		p.Grad.Zero()
	}
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate.
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	total := 0
	for _, p := range adam.params {
		total += p.Value.NumElems
	}
	return AdamStats{
		StepCount:     adam.StepCount,
		LearningRate:  adam.LearningRate,
		Beta1:         adam.Beta1,
		Beta2:         adam.Beta2,
		Epsilon:       adam.Epsilon,
		WeightDecay:   adam.WeightDecay,
		NumParameters: len(adam.params),
		NumElements:   total,
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount     uint64
	LearningRate  float64
	Beta1         float64
	Beta2         float64
	Epsilon       float64
	WeightDecay   float64
	NumParameters int
	NumElements   int
}

var _ Optimizer = (*AdamOptimizerState)(nil)
