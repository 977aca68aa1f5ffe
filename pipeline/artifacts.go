package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/lafm-net/checkpoints"
	"github.com/tsawler/lafm-net/report"
	"github.com/tsawler/lafm-net/training"
)

// Artifact names inside a run directory.
const (
	autoencoderArtifact = "autoencoder"
	classifierArtifact  = "classifier"
	gateArtifact        = "mask_gate"

	ConfigFile     = "config.yaml"
	TransformsFile = "transforms.json"
	HistoryFile    = "history.json"
	ReportFile     = "report.txt"
	MetricsFile    = "metrics.prom"
	PlotsFile      = "plots.json"
)

const frameworkName = "lafm-net"

// weightFile returns the file name of a network's weights in format.
func weightFile(name string, format checkpoints.CheckpointFormat) string {
	return name + format.Extension()
}

// artifactWriter saves files into a run directory and records them in the
// manifest.
type artifactWriter struct {
	dir      string
	manifest *checkpoints.Manifest
}

func newArtifactWriter(dir, runID string) (*artifactWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &artifactWriter{dir: dir, manifest: checkpoints.NewManifest(runID)}, nil
}

func (w *artifactWriter) path(name string) string { return filepath.Join(w.dir, name) }

func (w *artifactWriter) add(name string) error {
	if err := w.manifest.AddFile(w.dir, name); err != nil {
		return fmt.Errorf("failed to record %s: %w", name, err)
	}
	return nil
}

func (w *artifactWriter) writeFile(name string, data []byte) error {
	if err := os.WriteFile(w.path(name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return w.add(name)
}

func (w *artifactWriter) saveWeights(name string, format checkpoints.CheckpointFormat, sd checkpoints.StateDict, state checkpoints.TrainingState) error {
	cp := checkpoints.FromStateDict(sd, state, checkpoints.CheckpointMetadata{
		Version:   "1.0",
		Framework: frameworkName,
		Model:     name,
		RunID:     w.manifest.RunID,
		CreatedAt: time.Now().UTC(),
	})
	file := weightFile(name, format)
	if err := checkpoints.NewCheckpointSaver(format).SaveCheckpoint(cp, w.path(file)); err != nil {
		return fmt.Errorf("failed to save %s weights: %w", name, err)
	}
	return w.add(file)
}

// saveRun writes every artifact of a finished run plus the manifest.
func saveRun(dir, runID string, cfg Config, res *Result, telemetry *Telemetry) (*checkpoints.Manifest, error) {
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	w, err := newArtifactWriter(dir, runID)
	if err != nil {
		return nil, err
	}

	if err := cfg.Save(w.path(ConfigFile)); err != nil {
		return nil, err
	}
	if err := w.add(ConfigFile); err != nil {
		return nil, err
	}
	if err := res.Transforms.Save(w.path(TransformsFile)); err != nil {
		return nil, err
	}
	if err := w.add(TransformsFile); err != nil {
		return nil, err
	}

	for _, name := range []string{autoencoderArtifact, classifierArtifact, gateArtifact} {
		if err := w.saveWeights(name, format, res.Weights[name], res.States[name]); err != nil {
			return nil, err
		}
	}

	history, err := json.MarshalIndent(map[string]PhaseResult{
		PhaseAutoencoder: sanitizePhase(res.Phase1),
		PhaseClassifier:  sanitizePhase(res.Phase2),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	if err := w.writeFile(HistoryFile, history); err != nil {
		return nil, err
	}

	plots, err := json.MarshalIndent(buildPlots(res), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode plots: %w", err)
	}
	if err := w.writeFile(PlotsFile, plots); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeReport(&buf, res); err != nil {
		return nil, err
	}
	if err := w.writeFile(ReportFile, buf.Bytes()); err != nil {
		return nil, err
	}

	if err := telemetry.WriteTextfile(w.path(MetricsFile)); err != nil {
		return nil, err
	}
	if err := w.add(MetricsFile); err != nil {
		return nil, err
	}

	if w.manifest.Config, err = json.Marshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	for k, v := range res.Evaluation.Summary() {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			w.manifest.Metrics[k] = v
		}
	}
	if err := w.manifest.Save(dir); err != nil {
		return nil, err
	}
	return w.manifest, nil
}

// sanitizePhase replaces an infinite best loss (no epoch ran) with zero so
// the history stays valid JSON.
func sanitizePhase(p PhaseResult) PhaseResult {
	if math.IsInf(p.BestLoss, 0) || math.IsNaN(p.BestLoss) {
		p.BestLoss = 0
	}
	return p
}

// buildPlots describes the training curves of both phases and the test set
// results for a plotting frontend.
func buildPlots(res *Result) []training.PlotData {
	ae := training.NewVisualizationCollector(PhaseAutoencoder)
	for _, r := range res.Phase1.History {
		ae.RecordEpoch(r.Epoch, r.TrainLoss, r.ValLoss, r.LearningRate)
	}
	clf := training.NewVisualizationCollector(PhaseClassifier)
	for _, r := range res.Phase2.History {
		clf.RecordEpoch(r.Epoch, r.TrainLoss, r.ValLoss, r.LearningRate)
		clf.RecordAccuracy(r.TrainAccuracy, r.ValAccuracy)
	}
	test := training.NewVisualizationCollector(frameworkName)
	if e := res.Evaluation; e != nil {
		test.RecordConfusionMatrix(e.Confusion, e.Classes)
		if len(e.AttackROC) > 0 {
			test.RecordROC(e.AttackROC, e.AttackAUC)
		}
	}

	var plots []training.PlotData
	for _, vc := range []*training.VisualizationCollector{ae, clf, test} {
		plots = append(plots, vc.Plots()...)
	}
	return plots
}

func writeReport(buf *bytes.Buffer, res *Result) error {
	e := res.Evaluation
	fmt.Fprintf(buf, "run %s\n", res.RunID)
	fmt.Fprintf(buf, "samples: train %d, validation %d, test %d\n", res.Sizes[0], res.Sizes[1], res.Sizes[2])
	fmt.Fprintf(buf, "minority classes: %v\n", res.MinorityClasses)
	fmt.Fprintf(buf, "PCA explained variance: %.4f\n", res.Transforms.PCA.TotalVarianceRatio())
	if r := res.Phase1.Reconstruction; r != nil {
		fmt.Fprintf(buf, "autoencoder reconstruction: MAE %.4f, RMSE %.4f, R2 %.4f\n", r.MAE, r.RMSE, r.R2)
	}

	if err := report.Section(buf, "Test set"); err != nil {
		return err
	}
	if err := report.ClassificationReport(buf, e.Confusion, e.Classes); err != nil {
		return err
	}
	buf.WriteString("\n")
	if err := report.ConfusionTable(buf, e.Confusion, e.Classes); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\nTest Accuracy: %.4f, Weighted F1: %.4f\n", e.Accuracy, e.WeightedF1)

	if e.Binary != nil {
		names := []string{"Benign", "Attack"}
		if err := report.Section(buf, "Binary (Benign vs Attack)"); err != nil {
			return err
		}
		if err := report.ClassificationReport(buf, e.Binary, names); err != nil {
			return err
		}
		buf.WriteString("\n")
		if err := report.ConfusionTable(buf, e.Binary, names); err != nil {
			return err
		}
		fmt.Fprintf(buf, "\nAttack ROC AUC: %.4f\n", e.AttackAUC)
	}
	return nil
}
