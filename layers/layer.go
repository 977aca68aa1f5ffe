package layers

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/tsawler/lafm-net/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv1D
	Conv2D
	ConvTranspose2D
	ReLU
	MaxPool1D
	MaxPool2D
	AdaptiveMaxPool1D
	Dropout
	BatchNorm
	Flatten
	Sequential
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv1D:
		return "Conv1D"
	case Conv2D:
		return "Conv2D"
	case ConvTranspose2D:
		return "ConvTranspose2D"
	case ReLU:
		return "ReLU"
	case MaxPool1D:
		return "MaxPool1D"
	case MaxPool2D:
		return "MaxPool2D"
	case AdaptiveMaxPool1D:
		return "AdaptiveMaxPool1D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Flatten:
		return "Flatten"
	case Sequential:
		return "Sequential"
	default:
		return "Unknown"
	}
}

// Parameter is a named state tensor owned by a layer. Learnable parameters
// carry a gradient buffer of the same shape; buffers such as BatchNorm
// running statistics have a nil Grad and are never touched by optimizers.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Trainable reports whether the parameter receives gradients.
func (p *Parameter) Trainable() bool {
	return p.Grad != nil
}

func newParameter(name string, shape ...int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: tensor.Zeros(shape...),
		Grad:  tensor.Zeros(shape...),
	}
}

func newBuffer(name string, value float64, shape ...int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: tensor.Full(value, shape...),
	}
}

// Module is anything that owns parameters.
type Module interface {
	Parameters() []*Parameter
}

// Layer is a differentiable building block. Forward caches whatever Backward
// needs, so a Backward call always refers to the most recent Forward.
// Backward accumulates parameter gradients and returns the input gradient.
type Layer interface {
	Module
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	SetTraining(training bool)
	Type() LayerType
	Name() string
}

// ModuleList groups modules so they can be optimized, snapshotted and
// restored as one.
type ModuleList []Module

func (ml ModuleList) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range ml {
		params = append(params, m.Parameters()...)
	}
	return params
}

// TrainableParameters filters out buffers.
func TrainableParameters(m Module) []*Parameter {
	var out []*Parameter
	for _, p := range m.Parameters() {
		if p.Trainable() {
			out = append(out, p)
		}
	}
	return out
}

// ZeroGrad clears the gradient of every trainable parameter in m.
func ZeroGrad(m Module) {
	for _, p := range m.Parameters() {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}

// CountParameters returns the number of learnable scalars in m.
func CountParameters(m Module) int {
	total := 0
	for _, p := range TrainableParameters(m) {
		total += p.Value.NumElems
	}
	return total
}

// Summary renders a parameter table for logging.
func Summary(title string, m Module) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s\n", title))
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	for _, p := range m.Parameters() {
		kind := "param"
		if !p.Trainable() {
			kind = "buffer"
		}
		sb.WriteString(fmt.Sprintf("%-40s %-7s %v\n", p.Name, kind, p.Value.Shape))
	}
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString(fmt.Sprintf("Trainable parameters: %d\n", CountParameters(m)))
	return sb.String()
}

// initUniform draws from U(-1/sqrt(fanIn), 1/sqrt(fanIn)), the default
// initialisation for convolution and dense layers. A nil rng leaves zeros,
// which is what callers that restore a snapshot want.
func initUniform(rng *rand.Rand, t *tensor.Tensor, fanIn int) {
	if rng == nil || fanIn <= 0 {
		return
	}
	bound := 1.0 / math.Sqrt(float64(fanIn))
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * bound
	}
}

func expectRank(name string, x *tensor.Tensor, rank int) error {
	if x == nil {
		return fmt.Errorf("%s: nil input", name)
	}
	if len(x.Shape) != rank {
		return fmt.Errorf("%s: expected rank-%d input, got shape %v", name, rank, x.Shape)
	}
	return nil
}

func expectForward(name string, cached *tensor.Tensor) error {
	if cached == nil {
		return fmt.Errorf("%s: backward called before forward", name)
	}
	return nil
}

// SequentialLayer chains layers in order.
type SequentialLayer struct {
	name   string
	layers []Layer
}

// NewSequential creates a container that runs layers in order.
func NewSequential(name string, layers ...Layer) *SequentialLayer {
	return &SequentialLayer{name: name, layers: layers}
}

func (s *SequentialLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	var err error
	for _, l := range s.layers {
		out, err = l.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return out, nil
}

func (s *SequentialLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOut
	var err error
	for i := len(s.layers) - 1; i >= 0; i-- {
		grad, err = s.layers[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return grad, nil
}

func (s *SequentialLayer) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (s *SequentialLayer) SetTraining(training bool) {
	for _, l := range s.layers {
		l.SetTraining(training)
	}
}

func (s *SequentialLayer) Type() LayerType { return Sequential }
func (s *SequentialLayer) Name() string    { return s.name }

// Layers exposes the children, mostly for summaries and tests.
func (s *SequentialLayer) Layers() []Layer {
	return s.layers
}
