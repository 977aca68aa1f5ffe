package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/lafm-net/tensor"
)

const (
	defaultBatchNormEps      = 1e-5
	defaultBatchNormMomentum = 0.1
)

// BatchNormLayer normalizes dimension 1 of an [N, C, ...] input. It serves
// both the 1-D ([N, C, L]) and 2-D ([N, C, H, W]) cases.
type BatchNormLayer struct {
	name        string
	numFeatures int
	eps         float64
	momentum    float64
	training    bool

	gamma       *Parameter
	beta        *Parameter
	runningMean *Parameter
	runningVar  *Parameter

	// forward cache
	input    *tensor.Tensor
	xhat     []float64
	invStd   []float64
	usedStat bool
}

// NewBatchNorm creates a batch normalization layer with affine parameters
// and running statistics. Layers start in training mode.
func NewBatchNorm(name string, numFeatures int) *BatchNormLayer {
	return &BatchNormLayer{
		name:        name,
		numFeatures: numFeatures,
		eps:         defaultBatchNormEps,
		momentum:    defaultBatchNormMomentum,
		training:    true,
		gamma:       &Parameter{Name: name + ".weight", Value: tensor.Ones(numFeatures), Grad: tensor.Zeros(numFeatures)},
		beta:        newParameter(name+".bias", numFeatures),
		runningMean: newBuffer(name+".running_mean", 0, numFeatures),
		runningVar:  newBuffer(name+".running_var", 1, numFeatures),
	}
}

func (bn *BatchNormLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil || len(x.Shape) < 2 {
		return nil, fmt.Errorf("%s: expected [N, C, ...] input", bn.name)
	}
	n, c := x.Shape[0], x.Shape[1]
	if c != bn.numFeatures {
		return nil, fmt.Errorf("%s: expected %d channels, got %d", bn.name, bn.numFeatures, c)
	}
	spatial := x.NumElems / (n * c)
	m := n * spatial

	mean := make([]float64, c)
	variance := make([]float64, c)
	if bn.training {
		for ch := 0; ch < c; ch++ {
			s := 0.0
			for b := 0; b < n; b++ {
				base := (b*c + ch) * spatial
				for i := 0; i < spatial; i++ {
					s += x.Data[base+i]
				}
			}
			mean[ch] = s / float64(m)
			v := 0.0
			for b := 0; b < n; b++ {
				base := (b*c + ch) * spatial
				for i := 0; i < spatial; i++ {
					d := x.Data[base+i] - mean[ch]
					v += d * d
				}
			}
			variance[ch] = v / float64(m)

			rm := bn.runningMean.Value.Data
			rv := bn.runningVar.Value.Data
			unbiased := variance[ch]
			if m > 1 {
				unbiased = variance[ch] * float64(m) / float64(m-1)
			}
			rm[ch] = (1-bn.momentum)*rm[ch] + bn.momentum*mean[ch]
			rv[ch] = (1-bn.momentum)*rv[ch] + bn.momentum*unbiased
		}
	} else {
		copy(mean, bn.runningMean.Value.Data)
		copy(variance, bn.runningVar.Value.Data)
	}

	out := tensor.ZerosLike(x)
	xhat := make([]float64, x.NumElems)
	invStd := make([]float64, c)
	gamma := bn.gamma.Value.Data
	beta := bn.beta.Value.Data
	for ch := 0; ch < c; ch++ {
		invStd[ch] = 1.0 / math.Sqrt(variance[ch]+bn.eps)
		for b := 0; b < n; b++ {
			base := (b*c + ch) * spatial
			for i := 0; i < spatial; i++ {
				xh := (x.Data[base+i] - mean[ch]) * invStd[ch]
				xhat[base+i] = xh
				out.Data[base+i] = gamma[ch]*xh + beta[ch]
			}
		}
	}

	bn.input = x
	bn.xhat = xhat
	bn.invStd = invStd
	bn.usedStat = bn.training
	return out, nil
}

func (bn *BatchNormLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectForward(bn.name, bn.input); err != nil {
		return nil, err
	}
	x := bn.input
	if !tensor.SameShape(x, gradOut) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match input %v", bn.name, gradOut.Shape, x.Shape)
	}
	n, c := x.Shape[0], x.Shape[1]
	spatial := x.NumElems / (n * c)
	m := float64(n * spatial)

	gamma := bn.gamma.Value.Data
	gradIn := tensor.ZerosLike(x)
	for ch := 0; ch < c; ch++ {
		sumG := 0.0
		sumGX := 0.0
		for b := 0; b < n; b++ {
			base := (b*c + ch) * spatial
			for i := 0; i < spatial; i++ {
				g := gradOut.Data[base+i]
				sumG += g
				sumGX += g * bn.xhat[base+i]
			}
		}
		bn.gamma.Grad.Data[ch] += sumGX
		bn.beta.Grad.Data[ch] += sumG

		scale := gamma[ch] * bn.invStd[ch]
		for b := 0; b < n; b++ {
			base := (b*c + ch) * spatial
			for i := 0; i < spatial; i++ {
				g := gradOut.Data[base+i]
				if bn.usedStat {
					gradIn.Data[base+i] = scale * (g - sumG/m - bn.xhat[base+i]*sumGX/m)
				} else {
					gradIn.Data[base+i] = scale * g
				}
			}
		}
	}
	return gradIn, nil
}

func (bn *BatchNormLayer) Parameters() []*Parameter {
	return []*Parameter{bn.gamma, bn.beta, bn.runningMean, bn.runningVar}
}

func (bn *BatchNormLayer) SetTraining(training bool) { bn.training = training }
func (bn *BatchNormLayer) Type() LayerType           { return BatchNorm }
func (bn *BatchNormLayer) Name() string              { return bn.name }
