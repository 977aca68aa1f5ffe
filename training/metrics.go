package training

import (
	"fmt"
	"math"
	"sort"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary Classification Metrics (class 1 is positive)
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value

	// Multi-class Metrics
	MacroPrecision
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
	WeightedPrecision
	WeightedRecall
	WeightedF1
	Accuracy
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	case WeightedPrecision:
		return "WeightedPrecision"
	case WeightedRecall:
		return "WeightedRecall"
	case WeightedF1:
		return "WeightedF1"
	case Accuracy:
		return "Accuracy"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// ClassScores holds the per-class rows of a classification report.
type ClassScores struct {
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds predicted and true class indices.
func (cm *ConfusionMatrix) Update(predictions, trueLabels []int) error {
	if len(predictions) != len(trueLabels) {
		return fmt.Errorf("labels length mismatch: %d predictions, %d labels", len(predictions), len(trueLabels))
	}
	for i, p := range predictions {
		y := trueLabels[i]
		if y < 0 || y >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return fmt.Errorf("class index out of range [0, %d): true %d, predicted %d", cm.NumClasses, y, p)
		}
		cm.Matrix[y][p]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric calculates an evaluation metric.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		return cm.ClassScores(1).Precision
	case Recall:
		return cm.ClassScores(1).Recall
	case F1Score:
		return cm.ClassScores(1).F1
	case Specificity:
		return cm.ClassScores(0).Recall
	case NPV:
		return cm.ClassScores(0).Precision
	case MacroPrecision, MacroRecall, MacroF1:
		return cm.average(metric, false)
	case WeightedPrecision, WeightedRecall, WeightedF1:
		return cm.average(metric, true)
	case MicroPrecision, MicroRecall, MicroF1, Accuracy:
		// single-label: micro precision = micro recall = accuracy
		return cm.GetAccuracy()
	default:
		return 0.0
	}
}

// ClassScores returns precision, recall, F1 and support for one class.
// Zero denominators yield 0, as in the usual classification report.
func (cm *ConfusionMatrix) ClassScores(class int) ClassScores {
	if class < 0 || class >= cm.NumClasses {
		return ClassScores{}
	}
	tp := cm.Matrix[class][class]
	predicted := 0
	actual := 0
	for i := 0; i < cm.NumClasses; i++ {
		predicted += cm.Matrix[i][class]
		actual += cm.Matrix[class][i]
	}

	var s ClassScores
	s.Support = actual
	if predicted > 0 {
		s.Precision = float64(tp) / float64(predicted)
	}
	if actual > 0 {
		s.Recall = float64(tp) / float64(actual)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

func (cm *ConfusionMatrix) average(metric MetricType, weighted bool) float64 {
	total := 0.0
	weights := 0.0
	for c := 0; c < cm.NumClasses; c++ {
		s := cm.ClassScores(c)
		w := 1.0
		if weighted {
			w = float64(s.Support)
		} else if s.Support == 0 {
			// classes absent from the truth and the predictions do not count
			predicted := 0
			for i := 0; i < cm.NumClasses; i++ {
				predicted += cm.Matrix[i][c]
			}
			if predicted == 0 {
				continue
			}
		}
		var v float64
		switch metric {
		case MacroPrecision, WeightedPrecision:
			v = s.Precision
		case MacroRecall, WeightedRecall:
			v = s.Recall
		default:
			v = s.F1
		}
		total += w * v
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return total / weights
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Collapse maps every class onto a smaller label set and returns the
// resulting matrix. mapping[c] is the new index of class c.
func (cm *ConfusionMatrix) Collapse(mapping []int, numClasses int) (*ConfusionMatrix, error) {
	if len(mapping) != cm.NumClasses {
		return nil, fmt.Errorf("mapping covers %d classes, matrix has %d", len(mapping), cm.NumClasses)
	}
	out := NewConfusionMatrix(numClasses)
	for i := 0; i < cm.NumClasses; i++ {
		for j := 0; j < cm.NumClasses; j++ {
			mi, mj := mapping[i], mapping[j]
			if mi < 0 || mi >= numClasses || mj < 0 || mj >= numClasses {
				return nil, fmt.Errorf("mapping target out of range [0, %d)", numClasses)
			}
			out.Matrix[mi][mj] += cm.Matrix[i][j]
		}
	}
	out.TotalSamples = cm.TotalSamples
	return out, nil
}

// BinaryCollapse folds a multi-class matrix into negative (class 0) versus
// positive (class 1), where negativeClass is the only negative label.
func (cm *ConfusionMatrix) BinaryCollapse(negativeClass int) (*ConfusionMatrix, error) {
	if negativeClass < 0 || negativeClass >= cm.NumClasses {
		return nil, fmt.Errorf("negative class %d out of range [0, %d)", negativeClass, cm.NumClasses)
	}
	mapping := make([]int, cm.NumClasses)
	for c := range mapping {
		if c != negativeClass {
			mapping[c] = 1
		}
	}
	return cm.Collapse(mapping, 2)
}

// ROCPoint is one operating point of a score threshold.
type ROCPoint struct {
	FPR       float64
	TPR       float64
	Threshold float64
}

// ROCCurve returns the ROC operating points of positive-class scores, from
// (0, 0) at an infinite threshold down to (1, 1). Tied scores form a single
// point. It returns nil when either class is absent.
func ROCCurve(scores []float64, trueLabels []int) []ROCPoint {
	if len(scores) != len(trueLabels) || len(scores) == 0 {
		return nil
	}

	type scoreLabel struct {
		score float64
		label int
	}
	pairs := make([]scoreLabel, len(scores))
	totalPos := 0
	for i := range scores {
		pairs[i] = scoreLabel{score: scores[i], label: trueLabels[i]}
		if trueLabels[i] == 1 {
			totalPos++
		}
	}
	totalNeg := len(pairs) - totalPos
	if totalPos == 0 || totalNeg == 0 {
		return nil
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	curve := []ROCPoint{{Threshold: math.Inf(1)}}
	tp, fp := 0, 0
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].label == 1 {
				tp++
			} else {
				fp++
			}
			j++
		}
		curve = append(curve, ROCPoint{
			FPR:       float64(fp) / float64(totalNeg),
			TPR:       float64(tp) / float64(totalPos),
			Threshold: pairs[i].score,
		})
		i = j
	}
	return curve
}

// CalculateAUCROC calculates Area Under ROC Curve for binary classification
// from positive-class scores.
func CalculateAUCROC(scores []float64, trueLabels []int) float64 {
	curve := ROCCurve(scores, trueLabels)
	auc := 0.0
	for i := 1; i < len(curve); i++ {
		// trapezoidal rule
		auc += (curve[i].FPR - curve[i-1].FPR) * (curve[i].TPR + curve[i-1].TPR) / 2.0
	}
	return auc
}

// RegressionMetrics summarizes reconstruction quality.
type RegressionMetrics struct {
	MAE  float64 `json:"mae"`
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"`
}

// CalculateRegressionMetrics compares two equally long value slices.
func CalculateRegressionMetrics(predictions, trueValues []float64) *RegressionMetrics {
	n := len(predictions)
	if n == 0 || len(trueValues) != n {
		return &RegressionMetrics{}
	}

	meanTrue := 0.0
	for _, v := range trueValues {
		meanTrue += v
	}
	meanTrue /= float64(n)

	sumAbsErr, sumSqErr, sumSqTotal := 0.0, 0.0, 0.0
	for i, pred := range predictions {
		actual := trueValues[i]
		sumAbsErr += math.Abs(pred - actual)
		sumSqErr += (pred - actual) * (pred - actual)
		sumSqTotal += (actual - meanTrue) * (actual - meanTrue)
	}

	mse := sumSqErr / float64(n)
	r2 := 0.0
	if sumSqTotal > 0 {
		r2 = 1.0 - sumSqErr/sumSqTotal
	}
	return &RegressionMetrics{
		MAE:  sumAbsErr / float64(n),
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		R2:   r2,
	}
}
