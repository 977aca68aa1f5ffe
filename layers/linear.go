package layers

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/lafm-net/tensor"
)

// LinearLayer computes y = x·Wᵀ + b over [N, in] inputs.
type LinearLayer struct {
	name       string
	inputSize  int
	outputSize int

	weight *Parameter // [out, in]
	bias   *Parameter // [out]

	input *tensor.Tensor
}

// NewLinear creates a dense layer.
func NewLinear(name string, inputSize, outputSize int, rng *rand.Rand) *LinearLayer {
	l := &LinearLayer{
		name:       name,
		inputSize:  inputSize,
		outputSize: outputSize,
		weight:     newParameter(name+".weight", outputSize, inputSize),
		bias:       newParameter(name+".bias", outputSize),
	}
	initUniform(rng, l.weight.Value, inputSize)
	initUniform(rng, l.bias.Value, inputSize)
	return l
}

func (l *LinearLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(l.name, x, 2); err != nil {
		return nil, err
	}
	n := x.Shape[0]
	if x.Shape[1] != l.inputSize {
		return nil, fmt.Errorf("%s: expected %d input features, got %d", l.name, l.inputSize, x.Shape[1])
	}

	out := tensor.Zeros(n, l.outputSize)
	X := mat.NewDense(n, l.inputSize, x.Data)
	W := mat.NewDense(l.outputSize, l.inputSize, l.weight.Value.Data)
	Y := mat.NewDense(n, l.outputSize, out.Data)
	Y.Mul(X, W.T())
	for i := 0; i < n; i++ {
		row := out.Data[i*l.outputSize : (i+1)*l.outputSize]
		for j, b := range l.bias.Value.Data {
			row[j] += b
		}
	}

	l.input = x
	return out, nil
}

func (l *LinearLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectForward(l.name, l.input); err != nil {
		return nil, err
	}
	n := l.input.Shape[0]
	if len(gradOut.Shape) != 2 || gradOut.Shape[0] != n || gradOut.Shape[1] != l.outputSize {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output [%d %d]", l.name, gradOut.Shape, n, l.outputSize)
	}

	G := mat.NewDense(n, l.outputSize, gradOut.Data)
	X := mat.NewDense(n, l.inputSize, l.input.Data)
	W := mat.NewDense(l.outputSize, l.inputSize, l.weight.Value.Data)

	var dW mat.Dense
	dW.Mul(G.T(), X)
	gradW := mat.NewDense(l.outputSize, l.inputSize, l.weight.Grad.Data)
	gradW.Add(gradW, &dW)

	for i := 0; i < n; i++ {
		row := gradOut.Data[i*l.outputSize : (i+1)*l.outputSize]
		for j, g := range row {
			l.bias.Grad.Data[j] += g
		}
	}

	gradIn := tensor.Zeros(n, l.inputSize)
	dX := mat.NewDense(n, l.inputSize, gradIn.Data)
	dX.Mul(G, W)
	return gradIn, nil
}

func (l *LinearLayer) Parameters() []*Parameter { return []*Parameter{l.weight, l.bias} }
func (l *LinearLayer) SetTraining(bool)         {}
func (l *LinearLayer) Type() LayerType          { return Dense }
func (l *LinearLayer) Name() string             { return l.name }

// DropoutLayer zeroes activations with probability rate during training and
// rescales the survivors by 1/(1-rate). It is the identity in eval mode.
type DropoutLayer struct {
	name     string
	rate     float64
	training bool
	rng      *rand.Rand

	mask []float64
}

// NewDropout creates a dropout layer drawing its masks from rng.
func NewDropout(name string, rate float64, rng *rand.Rand) *DropoutLayer {
	return &DropoutLayer{name: name, rate: rate, training: true, rng: rng}
}

func (d *DropoutLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("%s: nil input", d.name)
	}
	if !d.training || d.rate <= 0 {
		d.mask = nil
		return x.Clone(), nil
	}
	if d.rng == nil {
		return nil, fmt.Errorf("%s: no random source for training mode", d.name)
	}
	keep := 1 - d.rate
	out := tensor.ZerosLike(x)
	mask := make([]float64, x.NumElems)
	for i, v := range x.Data {
		if d.rng.Float64() < keep {
			mask[i] = 1 / keep
			out.Data[i] = v * mask[i]
		}
	}
	d.mask = mask
	return out, nil
}

func (d *DropoutLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		return gradOut.Clone(), nil
	}
	if gradOut.NumElems != len(d.mask) {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", d.name, gradOut.NumElems, len(d.mask))
	}
	gradIn := tensor.ZerosLike(gradOut)
	for i, g := range gradOut.Data {
		gradIn.Data[i] = g * d.mask[i]
	}
	return gradIn, nil
}

func (d *DropoutLayer) Parameters() []*Parameter   { return nil }
func (d *DropoutLayer) SetTraining(training bool) { d.training = training }
func (d *DropoutLayer) Type() LayerType           { return Dropout }
func (d *DropoutLayer) Name() string              { return d.name }

// FlattenLayer reshapes [N, ...] to [N, prod(...)].
type FlattenLayer struct {
	name       string
	inputShape []int
}

// NewFlatten creates a flatten layer.
func NewFlatten(name string) *FlattenLayer {
	return &FlattenLayer{name: name}
}

func (f *FlattenLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil || len(x.Shape) < 2 {
		return nil, fmt.Errorf("%s: expected batched input", f.name)
	}
	f.inputShape = append([]int(nil), x.Shape...)
	return x.Reshape([]int{x.Shape[0], x.NumElems / x.Shape[0]})
}

func (f *FlattenLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if f.inputShape == nil {
		return nil, fmt.Errorf("%s: backward called before forward", f.name)
	}
	return gradOut.Reshape(f.inputShape)
}

func (f *FlattenLayer) Parameters() []*Parameter { return nil }
func (f *FlattenLayer) SetTraining(bool)         {}
func (f *FlattenLayer) Type() LayerType          { return Flatten }
func (f *FlattenLayer) Name() string             { return f.name }
