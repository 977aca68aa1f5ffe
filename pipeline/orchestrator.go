package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/lafm-net/checkpoints"
	"github.com/tsawler/lafm-net/models"
	"github.com/tsawler/lafm-net/training"
	"github.com/tsawler/lafm-net/vision/dataset"
)

// Orchestrator states, in the only order a run may visit them.
const (
	StateInit        = "INIT"
	StatePhase1Train = "PHASE1_TRAIN"
	StatePhase1Done  = "PHASE1_DONE"
	StatePhase2Train = "PHASE2_TRAIN"
	StatePhase2Done  = "PHASE2_DONE"
	StateEvaluated   = "EVALUATED"
)

const (
	eventStartPhase1  = "start_phase1"
	eventFinishPhase1 = "finish_phase1"
	eventStartPhase2  = "start_phase2"
	eventFinishPhase2 = "finish_phase2"
	eventEvaluate     = "evaluate"
)

// Phase names used in logs, telemetry and checkpoints.
const (
	PhaseAutoencoder = "autoencoder"
	PhaseClassifier  = "classifier"
)

// ErrNonFiniteLoss aborts a phase whose training loss became NaN or Inf.
var ErrNonFiniteLoss = errors.New("non-finite training loss")

// Datasets are the three partitions a run trains and evaluates on.
type Datasets struct {
	Train *dataset.MultichannelDataset
	Val   *dataset.MultichannelDataset
	Test  *dataset.MultichannelDataset
	// Classes names every class id, in id order.
	Classes []string
}

// EpochRecord is one line of a training history.
type EpochRecord struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	ValLoss       float64 `json:"val_loss"`
	TrainAccuracy float64 `json:"train_accuracy,omitempty"`
	ValAccuracy   float64 `json:"val_accuracy,omitempty"`
	ValWeightedF1 float64 `json:"val_weighted_f1,omitempty"`
	LearningRate  float64 `json:"learning_rate"`
}

// PhaseResult summarizes a finished phase.
type PhaseResult struct {
	History   []EpochRecord `json:"history"`
	BestEpoch int           `json:"best_epoch"`
	BestLoss  float64       `json:"best_loss"`
	Stopped   bool          `json:"stopped_early"`
	Steps     uint64        `json:"steps"`

	// Reconstruction scores the restored autoencoder on clean validation
	// inputs; nil for the classifier phase.
	Reconstruction *training.RegressionMetrics `json:"reconstruction,omitempty"`
}

// Orchestrator runs the two training phases and the final evaluation. It
// owns every network and is driven from a single goroutine.
type Orchestrator struct {
	cfg       Config
	data      Datasets
	log       *logrus.Entry
	rng       *training.RNG
	machine   *fsm.FSM
	telemetry *Telemetry

	trainLoader *training.DataLoader
	valLoader   *training.DataLoader

	autoencoder *models.DenoisingAutoencoder
	frozen      *models.FrozenAutoencoder
	gate        *models.AdaptiveMaskGate
	classifier  *models.FlowClassifier

	phase1 PhaseResult
	phase2 PhaseResult
}

// NewOrchestrator builds the networks and loaders for data. telemetry may
// be nil.
func NewOrchestrator(cfg Config, data Datasets, runID string, logger *logrus.Logger, telemetry *Telemetry) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if data.Train == nil || data.Val == nil || data.Test == nil {
		return nil, fmt.Errorf("orchestrator needs train, validation and test datasets")
	}
	if data.Train.Len() == 0 || data.Val.Len() == 0 {
		return nil, fmt.Errorf("train and validation sets cannot be empty")
	}
	if len(data.Classes) < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", len(data.Classes))
	}
	if telemetry == nil {
		telemetry = NewTelemetry(runID)
	}

	o := &Orchestrator{
		cfg:       cfg,
		data:      data,
		log:       discardLogger(logger).WithField("run_id", runID),
		rng:       training.NewRNG(cfg.RandomSeed),
		telemetry: telemetry,
	}

	o.machine = fsm.NewFSM(
		StateInit,
		fsm.Events{
			{Name: eventStartPhase1, Src: []string{StateInit}, Dst: StatePhase1Train},
			{Name: eventFinishPhase1, Src: []string{StatePhase1Train}, Dst: StatePhase1Done},
			{Name: eventStartPhase2, Src: []string{StatePhase1Done}, Dst: StatePhase2Train},
			{Name: eventFinishPhase2, Src: []string{StatePhase2Train}, Dst: StatePhase2Done},
			{Name: eventEvaluate, Src: []string{StatePhase2Done}, Dst: StateEvaluated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				o.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("Orchestrator state change")
			},
		},
	)

	initRNG := o.rng.Stream(training.StreamInit)
	var err error
	if o.autoencoder, err = models.NewDenoisingAutoencoder(cfg.AutoencoderConfig(), initRNG); err != nil {
		return nil, err
	}
	if o.gate, err = models.NewAdaptiveMaskGate(cfg.NumChannels, initRNG); err != nil {
		return nil, err
	}
	o.classifier, err = models.NewFlowClassifier(cfg.ClassifierConfig(len(data.Classes)), initRNG, o.rng.Stream(training.StreamDropout))
	if err != nil {
		return nil, err
	}

	// one batch size for both loaders, never larger than either set
	bs := min(cfg.BatchSize, data.Train.Len(), data.Val.Len())
	o.trainLoader, err = training.NewDataLoader(data.Train, training.LoaderConfig{
		BatchSize:  bs,
		Shuffle:    true,
		DropLast:   true,
		NumWorkers: cfg.NumWorkers,
	}, o.rng.Stream(training.StreamShuffle))
	if err != nil {
		return nil, err
	}
	o.valLoader, err = training.NewDataLoader(data.Val, training.LoaderConfig{
		BatchSize:  bs,
		NumWorkers: cfg.NumWorkers,
	}, o.rng.Stream(streamEval))
	if err != nil {
		return nil, err
	}
	return o, nil
}

const streamEval = "eval"

// State returns the current orchestrator state.
func (o *Orchestrator) State() string { return o.machine.Current() }

func (o *Orchestrator) transition(ctx context.Context, event string) error {
	if err := o.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("orchestrator in state %s cannot %s: %w", o.machine.Current(), event, err)
	}
	return nil
}

// TrainAutoencoder runs phase 1 and freezes the best autoencoder weights.
func (o *Orchestrator) TrainAutoencoder(ctx context.Context) (*PhaseResult, error) {
	if err := o.transition(ctx, eventStartPhase1); err != nil {
		return nil, err
	}
	if err := o.runPhase1(ctx); err != nil {
		return nil, fmt.Errorf("phase 1: %w", err)
	}
	if err := o.transition(ctx, eventFinishPhase1); err != nil {
		return nil, err
	}
	return &o.phase1, nil
}

// TrainClassifier runs phase 2: classifier and mask gate trained jointly
// on the frozen autoencoder features.
func (o *Orchestrator) TrainClassifier(ctx context.Context) (*PhaseResult, error) {
	if err := o.transition(ctx, eventStartPhase2); err != nil {
		return nil, err
	}
	if err := o.runPhase2(ctx); err != nil {
		return nil, fmt.Errorf("phase 2: %w", err)
	}
	if err := o.transition(ctx, eventFinishPhase2); err != nil {
		return nil, err
	}
	return &o.phase2, nil
}

// Evaluate scores the trained network on the test partition.
func (o *Orchestrator) Evaluate(ctx context.Context) (*Evaluation, error) {
	if o.machine.Current() != StatePhase2Done {
		return nil, o.transition(ctx, eventEvaluate)
	}
	loader, err := training.NewDataLoader(o.data.Test, training.LoaderConfig{
		BatchSize:  max(1, min(o.cfg.BatchSize, o.data.Test.Len())),
		NumWorkers: o.cfg.NumWorkers,
	}, o.rng.Stream(streamEval))
	if err != nil {
		return nil, err
	}
	eval, err := evaluate(ctx, o.Network(), loader, o.data.Classes)
	if err != nil {
		return nil, fmt.Errorf("evaluation: %w", err)
	}
	if err := o.transition(ctx, eventEvaluate); err != nil {
		return nil, err
	}
	o.telemetry.ObserveEvaluation(eval)
	o.log.WithFields(logrus.Fields{
		"samples":     len(eval.Truth),
		"accuracy":    eval.Accuracy,
		"weighted_f1": eval.WeightedF1,
	}).Info("Test evaluation finished")
	return eval, nil
}

// Run executes both phases and the evaluation.
func (o *Orchestrator) Run(ctx context.Context) (*Evaluation, error) {
	if _, err := o.TrainAutoencoder(ctx); err != nil {
		return nil, err
	}
	if _, err := o.TrainClassifier(ctx); err != nil {
		return nil, err
	}
	return o.Evaluate(ctx)
}

// Network returns the inference chain. It is only complete once phase 1
// has frozen the autoencoder.
func (o *Orchestrator) Network() *Network {
	return &Network{Autoencoder: o.frozen, Gate: o.gate, Classifier: o.classifier}
}

// Results returns the summaries of both phases.
func (o *Orchestrator) Results() (phase1, phase2 PhaseResult) { return o.phase1, o.phase2 }

// Checkpoints returns the weights of every network with the training
// progress behind them, keyed by artifact name.
func (o *Orchestrator) Checkpoints() (map[string]checkpoints.StateDict, map[string]checkpoints.TrainingState) {
	weights := map[string]checkpoints.StateDict{
		autoencoderArtifact: checkpoints.Snapshot(o.autoencoder),
		classifierArtifact:  checkpoints.Snapshot(o.classifier),
		gateArtifact:        checkpoints.Snapshot(o.gate),
	}
	aeState := checkpoints.TrainingState{
		Phase:    PhaseAutoencoder,
		Epoch:    o.phase1.BestEpoch,
		Step:     o.phase1.Steps,
		BestLoss: o.phase1.BestLoss,
	}
	clfState := checkpoints.TrainingState{
		Phase:    PhaseClassifier,
		Epoch:    o.phase2.BestEpoch,
		Step:     o.phase2.Steps,
		BestLoss: o.phase2.BestLoss,
	}
	if n := len(o.phase1.History); n > 0 {
		aeState.LearningRate = o.phase1.History[n-1].LearningRate
	}
	if n := len(o.phase2.History); n > 0 {
		clfState.LearningRate = o.phase2.History[n-1].LearningRate
	}
	states := map[string]checkpoints.TrainingState{
		autoencoderArtifact: aeState,
		classifierArtifact:  clfState,
		gateArtifact:        clfState,
	}
	return weights, states
}
