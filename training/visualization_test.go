package training

import (
	"encoding/json"
	"math"
	"testing"
)

// TestPlotType tests PlotType constants
func TestPlotType(t *testing.T) {
	expectedTypes := map[PlotType]string{
		TrainingCurves:       "training_curves",
		LearningRateSchedule: "learning_rate_schedule",
		ROCCurvePlot:         "roc_curve",
		ConfusionMatrixPlot:  "confusion_matrix",
	}
	for plotType, expected := range expectedTypes {
		if string(plotType) != expected {
			t.Errorf("PlotType %v should equal %s", plotType, expected)
		}
	}
}

func TestEmptyCollector(t *testing.T) {
	vc := NewVisualizationCollector("empty")
	if plots := vc.Plots(); len(plots) != 0 {
		t.Errorf("Expected no plots, got %d", len(plots))
	}
	if _, ok := vc.GenerateROCCurvePlot(); ok {
		t.Error("ROC plot without a recorded curve")
	}
	vc.RecordAccuracy(0.5, 0.5) // no epoch yet, ignored
	if vc.hasAccuracy {
		t.Error("accuracy recorded without an epoch")
	}
}

func TestTrainingCurvesPlot(t *testing.T) {
	vc := NewVisualizationCollector("classifier")
	vc.RecordEpoch(0, 1.0, 1.2, 1e-3)
	vc.RecordEpoch(1, 0.8, 0.9, 1e-4)

	plot := vc.GenerateTrainingCurvesPlot()
	if plot.PlotType != TrainingCurves || len(plot.Series) != 2 {
		t.Fatalf("Expected 2 loss series, got %d", len(plot.Series))
	}
	if plot.Series[1].Data[1].X != 2 || plot.Series[1].Data[1].Y != 0.9 {
		t.Errorf("unexpected validation point %+v", plot.Series[1].Data[1])
	}

	vc.RecordAccuracy(0.7, 0.65)
	plot = vc.GenerateTrainingCurvesPlot()
	if len(plot.Series) != 4 || plot.Config.YAxisLabel != "Loss / Accuracy" {
		t.Fatalf("accuracy series missing: %+v", plot.Config)
	}
	if plot.Series[3].Data[1].Y != 0.65 || plot.Series[3].Data[0].Y != 0.0 {
		t.Errorf("unexpected accuracy series %+v", plot.Series[3].Data)
	}

	lr := vc.GenerateLearningRateSchedulePlot()
	if lr.Config.YAxisScale != "log" || lr.Series[0].Data[1].Y != 1e-4 {
		t.Errorf("unexpected learning rate plot %+v", lr)
	}
}

func TestEvaluationPlots(t *testing.T) {
	vc := NewVisualizationCollector("lafm-net")

	cm := NewConfusionMatrix(2)
	if err := cm.Update([]int{0, 1, 1, 0}, []int{0, 1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	vc.RecordConfusionMatrix(cm, []string{"Benign", "Attack"})
	cm.Reset() // the collector keeps its own copy

	heat, ok := vc.GenerateConfusionMatrixPlot()
	if !ok {
		t.Fatal("expected a confusion matrix plot")
	}
	cells := heat.Series[0].Data
	if len(cells) != 4 || cells[1].X != "Attack" || cells[1].Y != "Benign" || cells[1].Z != 1 {
		t.Errorf("unexpected heatmap cells %+v", cells)
	}
	if heat.Metrics["samples"] != 4 {
		t.Errorf("Expected 4 samples, got %v", heat.Metrics["samples"])
	}

	scores := []float64{0.9, 0.8, 0.3, 0.1}
	labels := []int{1, 1, 0, 0}
	vc.RecordROC(ROCCurve(scores, labels), CalculateAUCROC(scores, labels))
	roc, ok := vc.GenerateROCCurvePlot()
	if !ok {
		t.Fatal("expected a ROC plot")
	}
	if math.Abs(roc.Metrics["auc"]-1) > 1e-12 {
		t.Errorf("Expected AUC 1, got %v", roc.Metrics["auc"])
	}

	if n := len(vc.Plots()); n != 2 {
		t.Errorf("Expected 2 plots without history, got %d", n)
	}

	// the infinite threshold of the first ROC point must not reach JSON
	if _, err := json.Marshal(vc.Plots()); err != nil {
		t.Errorf("plots do not encode: %v", err)
	}
}
