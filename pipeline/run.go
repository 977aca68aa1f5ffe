package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/lafm-net/checkpoints"
	"github.com/tsawler/lafm-net/flows"
	"github.com/tsawler/lafm-net/training"
	"github.com/tsawler/lafm-net/vision/dataset"
)

// Result is everything a finished run produced.
type Result struct {
	RunID      string
	Clean      flows.CleanStats
	Transforms *flows.Transforms
	// Sizes holds the train, validation and test sample counts.
	Sizes           [3]int
	MinorityClasses []string

	Phase1     PhaseResult
	Phase2     PhaseResult
	Evaluation *Evaluation

	Weights map[string]checkpoints.StateDict
	States  map[string]checkpoints.TrainingState

	// Manifest is nil when the run was not saved.
	Manifest *checkpoints.Manifest
}

// Train loads cfg.SourceFiles and runs the whole pipeline. Artifacts are
// written to cfg.OutputDir unless it is empty.
func Train(ctx context.Context, cfg Config, logger *logrus.Logger) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table, err := flows.LoadCSV(cfg.SourceFiles, cfg.TargetColumn, logger)
	if err != nil {
		return nil, err
	}
	return TrainTable(ctx, cfg, table, logger)
}

// TrainTable runs the pipeline on an already loaded table. The table is
// cleaned and its labels consolidated in place.
func TrainTable(ctx context.Context, cfg Config, table *flows.Table, logger *logrus.Logger) (*Result, error) {
	logger = discardLogger(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	res := &Result{RunID: checkpoints.NewRunID()}
	log := logger.WithField("run_id", res.RunID)
	rng := training.NewRNG(cfg.RandomSeed)

	res.Clean = table.Clean()
	log.WithFields(logrus.Fields{
		"rows":       table.NumRows(),
		"features":   table.NumFeatures(),
		"incomplete": res.Clean.Incomplete,
		"duplicates": res.Clean.Duplicates,
	}).Info("Table cleaned")

	flows.ConsolidateLabels(table.Labels, logger)
	log.WithField("distribution", flows.ClassCounts(table.Labels)).Info("Labels consolidated")

	prepared, err := flows.Prepare(table, flows.PrepareConfig{
		TotalFeatures:        cfg.TotalFeatures,
		CorrelationThreshold: cfg.CorrelationThreshold,
	}, logger)
	if err != nil {
		return nil, err
	}
	res.Transforms = prepared.Transforms

	split, err := flows.SplitTrainValTest(prepared.Labels, cfg.TestSetRatio, cfg.ValidationSetRatio, rng.Stream(training.StreamSplit))
	if err != nil {
		return nil, err
	}
	data, minority, err := buildDatasets(cfg, prepared, split)
	if err != nil {
		return nil, err
	}
	res.Sizes = [3]int{data.Train.Len(), data.Val.Len(), data.Test.Len()}
	for _, c := range minority {
		res.MinorityClasses = append(res.MinorityClasses, data.Classes[c])
	}
	log.WithFields(logrus.Fields{
		"train":    res.Sizes[0],
		"val":      res.Sizes[1],
		"test":     res.Sizes[2],
		"minority": res.MinorityClasses,
	}).Info("Datasets built")

	telemetry := NewTelemetry(res.RunID)
	orch, err := NewOrchestrator(cfg, *data, res.RunID, logger, telemetry)
	if err != nil {
		return nil, err
	}
	if res.Evaluation, err = orch.Run(ctx); err != nil {
		return nil, err
	}
	res.Phase1, res.Phase2 = orch.Results()
	res.Weights, res.States = orch.Checkpoints()

	if cfg.OutputDir == "" {
		return res, nil
	}
	if res.Manifest, err = saveRun(cfg.OutputDir, res.RunID, cfg, res, telemetry); err != nil {
		return nil, err
	}
	log.WithField("dir", cfg.OutputDir).Info("Artifacts saved")
	return res, nil
}

// buildDatasets renders the three partitions. Only the training set is
// augmented, for the classes rarer than cfg.MinorityClassThreshold in it.
func buildDatasets(cfg Config, prepared *flows.Prepared, split *flows.Split) (*Datasets, []int, error) {
	img := cfg.ImageConfig()

	trainX, trainY := flows.Gather(prepared.Features, prepared.Labels, split.Train)
	minority := flows.MinorityClasses(trainY, cfg.MinorityClassThreshold)
	train, err := dataset.NewMultichannelDataset(trainX, trainY, img, &dataset.Augmentation{
		MinorityClasses: minority,
		FlipProb:        cfg.AugmentationFlipProb,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("train set: %w", err)
	}

	valX, valY := flows.Gather(prepared.Features, prepared.Labels, split.Val)
	val, err := dataset.NewMultichannelDataset(valX, valY, img, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("validation set: %w", err)
	}

	testX, testY := flows.Gather(prepared.Features, prepared.Labels, split.Test)
	test, err := dataset.NewMultichannelDataset(testX, testY, img, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("test set: %w", err)
	}

	return &Datasets{
		Train:   train,
		Val:     val,
		Test:    test,
		Classes: append([]string(nil), prepared.Transforms.Labels.Classes...),
	}, minority, nil
}
