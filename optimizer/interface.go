package optimizer

import (
	"fmt"

	"github.com/tsawler/lafm-net/layers"
)

// Optimizer defines the common interface for all optimizers.
// An optimizer owns the parameter list it was built with and updates the
// values in place from the accumulated gradients.
type Optimizer interface {
	// Step applies one update from the current gradients.
	Step() error

	// ZeroGrad clears every gradient the optimizer updates.
	ZeroGrad()

	// GetStepCount returns the current optimization step number.
	GetStepCount() uint64

	// GetLearningRate returns the learning rate used by the next Step.
	GetLearningRate() float64

	// UpdateLearningRate updates the learning rate (used by schedulers).
	UpdateLearningRate(lr float64)
}

// collectTrainable keeps only parameters that receive gradients and rejects
// an empty set.
func collectTrainable(params []*layers.Parameter) ([]*layers.Parameter, error) {
	var out []*layers.Parameter
	seen := make(map[*layers.Parameter]bool, len(params))
	for _, p := range params {
		if p == nil || !p.Trainable() || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no trainable parameters provided")
	}
	return out, nil
}
