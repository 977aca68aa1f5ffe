package training

import (
	"math"
	"strings"
	"testing"
)

func newTestMatrix(t *testing.T) *ConfusionMatrix {
	t.Helper()
	cm := NewConfusionMatrix(3)
	//          true: 0 0 0 0 1 1 1 2 2 2
	labels := []int{0, 0, 0, 0, 1, 1, 1, 2, 2, 2}
	preds := []int{0, 0, 0, 1, 1, 1, 2, 2, 2, 0}
	if err := cm.Update(preds, labels); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	return cm
}

func TestConfusionMatrixClassScores(t *testing.T) {
	cm := newTestMatrix(t)

	tests := []struct {
		class     int
		precision float64
		recall    float64
		support   int
	}{
		{0, 3.0 / 4.0, 3.0 / 4.0, 4},
		{1, 2.0 / 3.0, 2.0 / 3.0, 3},
		{2, 2.0 / 3.0, 2.0 / 3.0, 3},
	}
	for _, tc := range tests {
		s := cm.ClassScores(tc.class)
		if math.Abs(s.Precision-tc.precision) > 1e-12 || math.Abs(s.Recall-tc.recall) > 1e-12 {
			t.Errorf("class %d: got P=%f R=%f, want P=%f R=%f", tc.class, s.Precision, s.Recall, tc.precision, tc.recall)
		}
		if math.Abs(s.F1-tc.precision) > 1e-12 {
			t.Errorf("class %d: F1 %f should equal P=R=%f", tc.class, s.F1, tc.precision)
		}
		if s.Support != tc.support {
			t.Errorf("class %d: support %d, want %d", tc.class, s.Support, tc.support)
		}
	}

	if acc := cm.GetAccuracy(); math.Abs(acc-0.7) > 1e-12 {
		t.Errorf("Expected accuracy 0.7, got %f", acc)
	}
	macro := (0.75 + 2.0/3.0 + 2.0/3.0) / 3
	if got := cm.GetMetric(MacroF1); math.Abs(got-macro) > 1e-12 {
		t.Errorf("Expected macro F1 %f, got %f", macro, got)
	}
	weighted := (4*0.75 + 3*2.0/3.0 + 3*2.0/3.0) / 10
	if got := cm.GetMetric(WeightedF1); math.Abs(got-weighted) > 1e-12 {
		t.Errorf("Expected weighted F1 %f, got %f", weighted, got)
	}
	if cm.GetMetric(MicroF1) != cm.GetAccuracy() {
		t.Error("micro F1 should equal accuracy for single-label data")
	}
}

func TestConfusionMatrixUpdateErrors(t *testing.T) {
	cm := NewConfusionMatrix(2)
	if err := cm.Update([]int{0}, []int{0, 1}); err == nil {
		t.Error("expected length mismatch error")
	}
	if err := cm.Update([]int{2}, []int{0}); err == nil {
		t.Error("expected out of range error")
	}
	cm.Update([]int{1}, []int{1})
	cm.Reset()
	if cm.TotalSamples != 0 || cm.Matrix[1][1] != 0 {
		t.Error("Reset should clear the matrix")
	}
}

func TestMacroSkipsAbsentClasses(t *testing.T) {
	cm := NewConfusionMatrix(3)
	cm.Update([]int{0, 1}, []int{0, 1})
	if got := cm.GetMetric(MacroF1); got != 1 {
		t.Errorf("absent class should not drag the macro average, got %f", got)
	}
}

func TestBinaryCollapse(t *testing.T) {
	cm := newTestMatrix(t)
	bin, err := cm.BinaryCollapse(0)
	if err != nil {
		t.Fatalf("BinaryCollapse failed: %v", err)
	}
	// negatives: 3 kept, 1 flagged; attacks: 5 flagged, 1 missed
	want := [][]int{{3, 1}, {1, 5}}
	for i := range want {
		for j := range want[i] {
			if bin.Matrix[i][j] != want[i][j] {
				t.Errorf("cell [%d][%d]: got %d, want %d", i, j, bin.Matrix[i][j], want[i][j])
			}
		}
	}
	if bin.TotalSamples != 10 {
		t.Errorf("Expected 10 samples, got %d", bin.TotalSamples)
	}
	if math.Abs(bin.GetMetric(Recall)-5.0/6.0) > 1e-12 {
		t.Errorf("unexpected binary recall %f", bin.GetMetric(Recall))
	}
	if math.Abs(bin.GetMetric(Specificity)-0.75) > 1e-12 {
		t.Errorf("unexpected specificity %f", bin.GetMetric(Specificity))
	}

	if _, err := cm.BinaryCollapse(3); err == nil {
		t.Error("expected error for out of range negative class")
	}
	if _, err := cm.Collapse([]int{0, 1}, 2); err == nil {
		t.Error("expected error for short mapping")
	}
}

func TestCalculateAUCROC(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		labels []int
		want   float64
	}{
		{"Perfect", []float64{0.9, 0.8, 0.2, 0.1}, []int{1, 1, 0, 0}, 1.0},
		{"Inverted", []float64{0.9, 0.8, 0.2, 0.1}, []int{0, 0, 1, 1}, 0.0},
		{"All tied", []float64{0.5, 0.5, 0.5, 0.5}, []int{1, 0, 1, 0}, 0.5},
		{"One swap", []float64{0.9, 0.8, 0.7, 0.1}, []int{1, 0, 1, 0}, 0.75},
		{"Single class", []float64{0.9, 0.1}, []int{1, 1}, 0.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CalculateAUCROC(tc.scores, tc.labels); math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("Expected AUC %f, got %f", tc.want, got)
			}
		})
	}
}

func TestROCCurve(t *testing.T) {
	curve := ROCCurve([]float64{0.9, 0.8, 0.8, 0.1}, []int{1, 0, 1, 0})
	want := []ROCPoint{
		{FPR: 0, TPR: 0, Threshold: math.Inf(1)},
		{FPR: 0, TPR: 0.5, Threshold: 0.9},
		{FPR: 0.5, TPR: 1, Threshold: 0.8},
		{FPR: 1, TPR: 1, Threshold: 0.1},
	}
	if len(curve) != len(want) {
		t.Fatalf("Expected %d points, got %d: %+v", len(want), len(curve), curve)
	}
	for i, p := range curve {
		if p != want[i] {
			t.Errorf("point %d: got %+v, want %+v", i, p, want[i])
		}
	}
	if ROCCurve([]float64{0.3}, []int{0}) != nil {
		t.Error("single-class input should give no curve")
	}
}

func TestCalculateRegressionMetrics(t *testing.T) {
	m := CalculateRegressionMetrics([]float64{1, 2, 3, 5}, []float64{1, 2, 3, 4})
	if math.Abs(m.MAE-0.25) > 1e-12 || math.Abs(m.MSE-0.25) > 1e-12 || math.Abs(m.RMSE-0.5) > 1e-12 {
		t.Errorf("unexpected errors: %+v", m)
	}
	// total sum of squares around 2.5 is 5
	if math.Abs(m.R2-0.8) > 1e-12 {
		t.Errorf("Expected R2 0.8, got %f", m.R2)
	}
	if empty := CalculateRegressionMetrics(nil, nil); empty.MSE != 0 {
		t.Error("empty input should yield zero metrics")
	}
}

func TestMetricTypeString(t *testing.T) {
	if WeightedF1.String() != "WeightedF1" {
		t.Errorf("unexpected name %s", WeightedF1)
	}
	if !strings.HasPrefix(MetricType(99).String(), "Unknown") {
		t.Error("unknown metric should say so")
	}
}
