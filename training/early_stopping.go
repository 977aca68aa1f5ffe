package training

import (
	"fmt"
	"math"

	"github.com/tsawler/lafm-net/checkpoints"
	"github.com/tsawler/lafm-net/layers"
)

// StopState is the controller's state.
type StopState int

const (
	Watching StopState = iota
	Stopped
)

func (s StopState) String() string {
	if s == Stopped {
		return "STOPPED"
	}
	return "WATCHING"
}

// EarlyStopping watches a validation loss and keeps a deep copy of the
// weights that achieved the best score. Score is -loss; an update that does
// not beat best+delta counts against patience.
type EarlyStopping struct {
	patience int
	delta    float64

	state     StopState
	bestScore float64
	bestEpoch int
	counter   int
	hasBest   bool
	snapshot  checkpoints.StateDict
}

// NewEarlyStopping creates a controller. Patience below 1 is treated as 1.
func NewEarlyStopping(patience int, delta float64) *EarlyStopping {
	if patience < 1 {
		patience = 1
	}
	return &EarlyStopping{patience: patience, delta: delta, bestScore: math.Inf(-1), bestEpoch: -1}
}

// Update records the validation loss for epoch and snapshots model when the
// score improves. It returns the resulting state. Updates after STOPPED are
// ignored.
func (es *EarlyStopping) Update(epoch int, valLoss float64, model layers.Module) StopState {
	if es.state == Stopped {
		return es.state
	}
	score := -valLoss

	if !es.hasBest {
		es.record(epoch, score, model)
		return es.state
	}

	if score < es.bestScore+es.delta || math.IsNaN(score) {
		es.counter++
		if es.counter >= es.patience {
			es.state = Stopped
		}
		return es.state
	}

	es.record(epoch, score, model)
	return es.state
}

func (es *EarlyStopping) record(epoch int, score float64, model layers.Module) {
	es.bestScore = score
	es.bestEpoch = epoch
	es.hasBest = true
	es.counter = 0
	es.snapshot = checkpoints.Snapshot(model)
}

// RestoreBest loads the best snapshot into model. Without a snapshot it is a
// no-op; calling it repeatedly gives the same result.
func (es *EarlyStopping) RestoreBest(model layers.Module) error {
	if !es.hasBest {
		return nil
	}
	if err := es.snapshot.LoadInto(model); err != nil {
		return fmt.Errorf("restore best weights: %w", err)
	}
	return nil
}

// ShouldStop reports whether patience has run out.
func (es *EarlyStopping) ShouldStop() bool { return es.state == Stopped }

// State returns WATCHING or STOPPED.
func (es *EarlyStopping) State() StopState { return es.state }

// Counter returns the number of consecutive non-improving updates.
func (es *EarlyStopping) Counter() int { return es.counter }

// BestLoss returns the lowest recorded loss, or +Inf before the first update.
func (es *EarlyStopping) BestLoss() float64 { return -es.bestScore }

// BestEpoch returns the epoch of the best snapshot, or -1.
func (es *EarlyStopping) BestEpoch() int { return es.bestEpoch }

// Best returns a copy of the best snapshot and whether one exists.
func (es *EarlyStopping) Best() (checkpoints.StateDict, bool) {
	if !es.hasBest {
		return checkpoints.StateDict{}, false
	}
	return es.snapshot.Clone(), true
}
