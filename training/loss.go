package training

import (
	"fmt"
	"math"

	"github.com/tsawler/lafm-net/tensor"
)

// Loss interface for reconstruction objectives comparing two tensors.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// ClassificationLoss compares [N, K] logits against N class indices.
type ClassificationLoss interface {
	Forward(logits *tensor.Tensor, targets []int) (float64, error)
	Backward(logits *tensor.Tensor, targets []int) (*tensor.Tensor, error)
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return 0, fmt.Errorf("mse: %w", err)
	}
	sum := 0.0
	for _, d := range diff.Data {
		sum += d * d
	}
	if mse.reduction == "mean" {
		sum /= float64(predicted.NumElems)
	}
	return sum, nil
}

// Backward computes the gradient of MSE loss: 2 * (predicted - target) / N
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("mse: %w", err)
	}
	scale := 2.0
	if mse.reduction == "mean" {
		scale /= float64(predicted.NumElems)
	}
	return tensor.Scale(diff, scale), nil
}

// CrossEntropyLoss implements softmax cross entropy over class indices.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes the cross entropy of logits [N, K] against targets.
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, targets []int) (float64, error) {
	logProbs, err := logSoftmax(logits, targets)
	if err != nil {
		return 0, fmt.Errorf("cross entropy: %w", err)
	}
	k := logits.Shape[1]
	total := 0.0
	for i, y := range targets {
		total -= logProbs[i*k+y]
	}
	if ce.reduction == "mean" {
		total /= float64(len(targets))
	}
	return total, nil
}

// Backward returns softmax(logits) - onehot(targets), scaled for the reduction.
func (ce *CrossEntropyLoss) Backward(logits *tensor.Tensor, targets []int) (*tensor.Tensor, error) {
	logProbs, err := logSoftmax(logits, targets)
	if err != nil {
		return nil, fmt.Errorf("cross entropy: %w", err)
	}
	k := logits.Shape[1]
	scale := 1.0
	if ce.reduction == "mean" {
		scale = 1.0 / float64(len(targets))
	}
	grad := tensor.ZerosLike(logits)
	for i, y := range targets {
		for j := 0; j < k; j++ {
			g := math.Exp(logProbs[i*k+j])
			if j == y {
				g -= 1
			}
			grad.Data[i*k+j] = g * scale
		}
	}
	return grad, nil
}

// BalancedFocalLoss down-weights well-classified samples:
// mean(alpha * (1 - pt)^gamma * ce) with pt = exp(-ce).
// With gamma = 0 and alpha = 1 it equals mean cross entropy.
type BalancedFocalLoss struct {
	Alpha float64
	Gamma float64
}

// NewBalancedFocalLoss creates a focal loss with scalar alpha and gamma.
func NewBalancedFocalLoss(alpha, gamma float64) *BalancedFocalLoss {
	return &BalancedFocalLoss{Alpha: alpha, Gamma: gamma}
}

// Forward computes the mean focal loss.
func (fl *BalancedFocalLoss) Forward(logits *tensor.Tensor, targets []int) (float64, error) {
	logProbs, err := logSoftmax(logits, targets)
	if err != nil {
		return 0, fmt.Errorf("focal loss: %w", err)
	}
	k := logits.Shape[1]
	total := 0.0
	for i, y := range targets {
		ce := -logProbs[i*k+y]
		pt := math.Exp(-ce)
		total += fl.Alpha * math.Pow(1-pt, fl.Gamma) * ce
	}
	return total / float64(len(targets)), nil
}

// Backward returns d loss / d logits.
func (fl *BalancedFocalLoss) Backward(logits *tensor.Tensor, targets []int) (*tensor.Tensor, error) {
	logProbs, err := logSoftmax(logits, targets)
	if err != nil {
		return nil, fmt.Errorf("focal loss: %w", err)
	}
	k := logits.Shape[1]
	n := float64(len(targets))
	grad := tensor.ZerosLike(logits)

	for i, y := range targets {
		ce := -logProbs[i*k+y]
		pt := math.Exp(-ce)
		oneMinus := 1 - pt

		// d/dce of alpha*(1-pt)^gamma*ce, where dpt/dce = -pt
		factor := math.Pow(oneMinus, fl.Gamma)
		if fl.Gamma != 0 && oneMinus > 0 {
			factor += fl.Gamma * pt * ce * math.Pow(oneMinus, fl.Gamma-1)
		}
		factor *= fl.Alpha / n

		for j := 0; j < k; j++ {
			g := math.Exp(logProbs[i*k+j])
			if j == y {
				g -= 1
			}
			grad.Data[i*k+j] = g * factor
		}
	}
	return grad, nil
}

// logSoftmax validates the inputs and returns row-wise log probabilities.
func logSoftmax(logits *tensor.Tensor, targets []int) ([]float64, error) {
	if logits == nil || len(logits.Shape) != 2 {
		return nil, fmt.Errorf("logits must be a 2D tensor [batch_size, num_classes]")
	}
	batchSize, numClasses := logits.Shape[0], logits.Shape[1]
	if len(targets) != batchSize {
		return nil, fmt.Errorf("batch size mismatch: logits %d, targets %d", batchSize, len(targets))
	}

	out := make([]float64, logits.NumElems)
	for i := 0; i < batchSize; i++ {
		if targets[i] < 0 || targets[i] >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", targets[i], numClasses)
		}
		row := logits.Data[i*numClasses : (i+1)*numClasses]
		maxVal := row[0]
		for _, v := range row[1:] {
			maxVal = math.Max(maxVal, v)
		}
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(v - maxVal)
		}
		logSum := maxVal + math.Log(sum)
		for j, v := range row {
			out[i*numClasses+j] = v - logSum
		}
	}
	return out, nil
}

// Softmax returns row-wise class probabilities for [N, K] logits.
func Softmax(logits *tensor.Tensor) *tensor.Tensor {
	out := tensor.ZerosLike(logits)
	k := logits.Shape[len(logits.Shape)-1]
	for i := 0; i < logits.NumElems/k; i++ {
		row := logits.Data[i*k : (i+1)*k]
		maxVal := row[0]
		for _, v := range row[1:] {
			maxVal = math.Max(maxVal, v)
		}
		sum := 0.0
		for j, v := range row {
			e := math.Exp(v - maxVal)
			out.Data[i*k+j] = e
			sum += e
		}
		for j := range row {
			out.Data[i*k+j] /= sum
		}
	}
	return out
}

// Argmax returns the index of the largest logit in every row.
func Argmax(logits *tensor.Tensor) []int {
	k := logits.Shape[len(logits.Shape)-1]
	n := logits.NumElems / k
	out := make([]int, n)
	for i := 0; i < n; i++ {
		row := logits.Data[i*k : (i+1)*k]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}
