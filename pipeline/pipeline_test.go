package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tsawler/lafm-net/checkpoints"
	"github.com/tsawler/lafm-net/flows"
	"github.com/tsawler/lafm-net/models"
	"github.com/tsawler/lafm-net/vision/dataset"
)

// syntheticTable returns 1000 flows with 64 numeric features: 600 benign,
// 250 DDoS, 145 DoS and 5 infiltration rows, the last a 0.5% class.
func syntheticTable(seed uint64) *flows.Table {
	rng := rand.New(rand.NewPCG(seed, 99))
	groups := []struct {
		label string
		count int
	}{
		{"Benign", 600},
		{"DDOS attack-HOIC", 250},
		{"DoS attacks-Hulk", 145},
		{"Infilteration", 5},
	}

	t := &flows.Table{}
	for j := 0; j < 64; j++ {
		t.Columns = append(t.Columns, fmt.Sprintf("f%02d", j))
	}
	for g, grp := range groups {
		for i := 0; i < grp.count; i++ {
			row := make([]float64, 64)
			for j := range row {
				shift := 0.0
				if j%4 == g {
					shift = 2
				}
				row[j] = shift + rng.NormFloat64()
			}
			t.Rows = append(t.Rows, row)
			t.Labels = append(t.Labels, grp.label)
		}
	}
	return t
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseFeatures = 4
	cfg.Classifier = models.ClassifierConfig{
		Conv1: 4, Conv2: 4, Conv3: 8, PoolOutput: 2,
		Hidden1: 16, Hidden2: 8, Dropout1: 0.1, Dropout2: 0.1,
	}
	cfg.UNetEpochs = 2
	cfg.ClassifierEpochs = 2
	cfg.BatchSize = 64
	cfg.UNetLR = 1e-3
	cfg.ClassifierLR = 1e-3
	cfg.OutputDir = ""
	return cfg
}

func TestEndToEnd(t *testing.T) {
	cfg := smallConfig()
	cfg.OutputDir = t.TempDir()

	res, err := TrainTable(context.Background(), cfg, syntheticTable(1), nil)
	if err != nil {
		t.Fatalf("TrainTable failed: %v", err)
	}

	if got := res.Sizes[0] + res.Sizes[1] + res.Sizes[2]; got != 1000 {
		t.Errorf("partitions hold %d rows, want 1000", got)
	}
	if !slices.Contains(res.MinorityClasses, flows.ClassInfiltration) {
		t.Errorf("Infiltration missing from minority classes %v", res.MinorityClasses)
	}
	if slices.Contains(res.MinorityClasses, flows.ClassBenign) {
		t.Errorf("Benign should not be a minority class: %v", res.MinorityClasses)
	}

	e := res.Evaluation
	if len(e.Truth) != res.Sizes[2] || len(e.Predicted) != res.Sizes[2] {
		t.Errorf("evaluated %d samples, test set has %d", len(e.Truth), res.Sizes[2])
	}
	if e.Accuracy < 0 || e.Accuracy > 1 || math.IsNaN(e.WeightedF1) {
		t.Errorf("implausible scores: accuracy %f, weighted F1 %f", e.Accuracy, e.WeightedF1)
	}
	if e.Binary == nil {
		t.Error("binary benign-vs-attack matrix missing")
	}
	if n := len(res.Phase1.History); n == 0 || n > cfg.UNetEpochs {
		t.Errorf("phase 1 ran %d epochs", n)
	}
	if n := len(res.Phase2.History); n == 0 || n > cfg.ClassifierEpochs {
		t.Errorf("phase 2 ran %d epochs", n)
	}
	if r := res.Phase1.Reconstruction; r == nil || r.MSE <= 0 || math.IsNaN(r.R2) {
		t.Errorf("reconstruction metrics %+v", r)
	}

	if res.Manifest == nil {
		t.Fatal("run was not saved")
	}
	if err := res.Manifest.Verify(cfg.OutputDir); err != nil {
		t.Errorf("manifest does not verify: %v", err)
	}
	for _, name := range []string{ConfigFile, TransformsFile, HistoryFile, ReportFile, MetricsFile, PlotsFile,
		"autoencoder.onnx", "classifier.onnx", "mask_gate.onnx"} {
		if _, ok := res.Manifest.Files[name]; !ok {
			t.Errorf("manifest does not record %s", name)
		}
	}

	reportText, err := os.ReadFile(filepath.Join(cfg.OutputDir, ReportFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Test set", "weighted avg", "Binary (Benign vs Attack)", "Infiltration"} {
		if !strings.Contains(string(reportText), want) {
			t.Errorf("report missing %q", want)
		}
	}
	metrics, err := os.ReadFile(filepath.Join(cfg.OutputDir, MetricsFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"lafmnet_epoch_loss", "lafmnet_evaluation_score", res.RunID} {
		if !strings.Contains(string(metrics), want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	t.Run("predictor", func(t *testing.T) {
		p, err := LoadPredictor(cfg.OutputDir, nil)
		if err != nil {
			t.Fatalf("LoadPredictor failed: %v", err)
		}
		if p.RunID() != res.RunID {
			t.Errorf("run id %s, want %s", p.RunID(), res.RunID)
		}

		table := syntheticTable(2)
		preds, err := p.Predict(table)
		if err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		if len(preds) != table.NumRows() {
			t.Fatalf("got %d predictions for %d rows", len(preds), table.NumRows())
		}
		for _, pr := range preds[:10] {
			sum := 0.0
			for _, v := range pr.Probabilities {
				sum += v
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Errorf("probabilities sum to %f", sum)
			}
			if pr.Class != p.Classes()[pr.Index] || pr.Confidence != pr.Probabilities[pr.Index] {
				t.Errorf("inconsistent prediction %+v", pr)
			}
		}

		eval, err := p.Evaluate(syntheticTable(3))
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if eval.Confusion.TotalSamples != 1000 {
			t.Errorf("evaluated %d rows", eval.Confusion.TotalSamples)
		}
	})

	t.Run("tamper", func(t *testing.T) {
		path := filepath.Join(cfg.OutputDir, TransformsFile)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		f.WriteString(" ")
		f.Close()

		if _, err := LoadPredictor(cfg.OutputDir, nil); !errors.Is(err, checkpoints.ErrIntegrity) {
			t.Errorf("Expected ErrIntegrity, got %v", err)
		}
	})
}

func TestRunIsReproducible(t *testing.T) {
	cfg := smallConfig()
	cfg.UNetEpochs = 1
	cfg.ClassifierEpochs = 1

	a, err := TrainTable(context.Background(), cfg, syntheticTable(4), nil)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	b, err := TrainTable(context.Background(), cfg, syntheticTable(4), nil)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if a.Phase1.History[0].TrainLoss != b.Phase1.History[0].TrainLoss {
		t.Errorf("phase 1 losses differ: %v vs %v", a.Phase1.History[0].TrainLoss, b.Phase1.History[0].TrainLoss)
	}
	if !slices.Equal(a.Evaluation.Predicted, b.Evaluation.Predicted) {
		t.Error("same seed produced different predictions")
	}
	if a.RunID == b.RunID {
		t.Error("run ids should be unique")
	}
}

// tinyData builds 1-channel 4×4 datasets with two classes.
func tinyData(t *testing.T, poison bool) (Config, Datasets) {
	t.Helper()
	cfg := smallConfig()
	cfg.NumChannels, cfg.FeaturesPerChannel, cfg.ImageSize, cfg.TotalFeatures = 1, 16, 4, 16
	cfg.BatchSize = 8
	cfg.NumWorkers = 1

	rng := rand.New(rand.NewPCG(5, 5))
	build := func(n int) *dataset.MultichannelDataset {
		feats := make([][]float64, n)
		labels := make([]int, n)
		for i := range feats {
			labels[i] = i % 2
			feats[i] = make([]float64, 16)
			for j := range feats[i] {
				feats[i][j] = float64(labels[i]) + rng.NormFloat64()
			}
		}
		if poison {
			feats[0][0] = math.NaN()
		}
		ds, err := dataset.NewMultichannelDataset(feats, labels, cfg.ImageConfig(), nil)
		if err != nil {
			t.Fatal(err)
		}
		return ds
	}
	return cfg, Datasets{Train: build(32), Val: build(16), Test: build(16), Classes: []string{"Benign", "DDoS"}}
}

func TestOrchestratorStateMachine(t *testing.T) {
	cfg, data := tinyData(t, false)
	var progress bytes.Buffer
	cfg.Progress = &progress
	ctx := context.Background()
	tel := NewTelemetry("test-run")
	o, err := NewOrchestrator(cfg, data, "test-run", nil, tel)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	if o.State() != StateInit {
		t.Fatalf("initial state %s", o.State())
	}

	if _, err := o.Evaluate(ctx); err == nil {
		t.Error("Evaluate before training should fail")
	}
	if _, err := o.TrainClassifier(ctx); err == nil {
		t.Error("phase 2 before phase 1 should fail")
	}
	if o.State() != StateInit {
		t.Errorf("illegal calls changed the state to %s", o.State())
	}

	p1, err := o.TrainAutoencoder(ctx)
	if err != nil {
		t.Fatalf("phase 1 failed: %v", err)
	}
	if o.State() != StatePhase1Done {
		t.Errorf("state after phase 1: %s", o.State())
	}
	if p1.BestEpoch < 0 || len(p1.History) == 0 {
		t.Errorf("phase 1 result %+v", p1)
	}
	if _, err := o.TrainAutoencoder(ctx); err == nil {
		t.Error("phase 1 should not run twice")
	}
	if !strings.Contains(progress.String(), PhaseAutoencoder+" 1/") {
		t.Errorf("no progress bar output: %q", progress.String())
	}
	if got := testutil.ToFloat64(tel.epochs.WithLabelValues(PhaseAutoencoder)); got != float64(len(p1.History)) {
		t.Errorf("telemetry counted %v epochs, history has %d", got, len(p1.History))
	}

	frozenBefore := o.frozen.StateDict()
	if _, err := o.TrainClassifier(ctx); err != nil {
		t.Fatalf("phase 2 failed: %v", err)
	}
	if o.State() != StatePhase2Done {
		t.Errorf("state after phase 2: %s", o.State())
	}
	if o.gate.Trainable() {
		t.Error("gate should be frozen again after phase 2")
	}
	frozenAfter := o.frozen.StateDict()
	for _, name := range frozenBefore.Names() {
		a, _ := frozenBefore.Get(name)
		b, _ := frozenAfter.Get(name)
		if !a.Equal(b) {
			t.Errorf("frozen weight %s changed during phase 2", name)
		}
	}

	eval, err := o.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if o.State() != StateEvaluated {
		t.Errorf("final state %s", o.State())
	}
	if len(eval.Predicted) != data.Test.Len() {
		t.Errorf("evaluated %d samples, want %d", len(eval.Predicted), data.Test.Len())
	}
	if _, err := o.Evaluate(ctx); err == nil {
		t.Error("second Evaluate should fail")
	}
}

func TestNonFiniteLossAborts(t *testing.T) {
	cfg, data := tinyData(t, true)
	o, err := NewOrchestrator(cfg, data, "nan-run", nil, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	if _, err := o.TrainAutoencoder(context.Background()); !errors.Is(err, ErrNonFiniteLoss) {
		t.Fatalf("Expected ErrNonFiniteLoss, got %v", err)
	}
	if _, err := o.TrainClassifier(context.Background()); err == nil {
		t.Error("phase 2 must not start after a failed phase 1")
	}
}

func TestCancelledRun(t *testing.T) {
	cfg, data := tinyData(t, false)
	o, err := NewOrchestrator(cfg, data, "cancel-run", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Run(ctx); err == nil {
		t.Error("cancelled run should fail")
	}
	if o.State() == StateEvaluated {
		t.Error("cancelled run reached EVALUATED")
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	cfg, data := tinyData(t, false)
	data.Classes = []string{"Benign"}
	if _, err := NewOrchestrator(cfg, data, "x", nil, nil); err == nil {
		t.Error("expected error for a single class")
	}
	_, data = tinyData(t, false)
	data.Test = nil
	if _, err := NewOrchestrator(cfg, data, "x", nil, nil); err == nil {
		t.Error("expected error for a missing test set")
	}
}

func TestAddNoise(t *testing.T) {
	_, data := tinyData(t, false)
	img, _, err := data.Train.Get(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewPCG(1, 2))
	if !addNoise(img, 0, rng).Equal(img) {
		t.Error("zero noise factor changed the image")
	}
	noisy := addNoise(img, 0.1, rng)
	if noisy.Equal(img) {
		t.Error("noise was not applied")
	}
	if err := checkLoss(PhaseAutoencoder, 0, 0, math.Inf(1)); !errors.Is(err, ErrNonFiniteLoss) {
		t.Errorf("Expected ErrNonFiniteLoss, got %v", err)
	}
	if err := checkLoss(PhaseAutoencoder, 0, 0, 0.5); err != nil {
		t.Errorf("finite loss rejected: %v", err)
	}
}
