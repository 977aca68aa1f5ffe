package models

import (
	"fmt"
	"math/rand/v2"

	"github.com/tsawler/lafm-net/layers"
	"github.com/tsawler/lafm-net/tensor"
)

// ClassifierConfig sizes the 1-D classifier.
type ClassifierConfig struct {
	InputLength int     `yaml:"-" json:"input_length"`
	NumClasses  int     `yaml:"-" json:"num_classes"`
	Conv1       int     `yaml:"conv1" json:"conv1"`
	Conv2       int     `yaml:"conv2" json:"conv2"`
	Conv3       int     `yaml:"conv3" json:"conv3"`
	PoolOutput  int     `yaml:"pool_output" json:"pool_output"`
	Hidden1     int     `yaml:"hidden1" json:"hidden1"`
	Hidden2     int     `yaml:"hidden2" json:"hidden2"`
	Dropout1    float64 `yaml:"dropout1" json:"dropout1"`
	Dropout2    float64 `yaml:"dropout2" json:"dropout2"`
}

// DefaultClassifierConfig returns the 64/128/256 convolution stack with an
// 8-wide adaptive pool and a 512/128 head.
func DefaultClassifierConfig(inputLength, numClasses int) ClassifierConfig {
	return ClassifierConfig{
		InputLength: inputLength,
		NumClasses:  numClasses,
		Conv1:       64,
		Conv2:       128,
		Conv3:       256,
		PoolOutput:  8,
		Hidden1:     512,
		Hidden2:     128,
		Dropout1:    0.3,
		Dropout2:    0.2,
	}
}

// Validate checks that every width is positive and the sequence survives
// both pooling stages.
func (c ClassifierConfig) Validate() error {
	if c.InputLength < 4 {
		return fmt.Errorf("classifier input length %d is shorter than 4", c.InputLength)
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("classifier needs at least 2 classes, got %d", c.NumClasses)
	}
	for name, v := range map[string]int{"conv1": c.Conv1, "conv2": c.Conv2, "conv3": c.Conv3,
		"pool_output": c.PoolOutput, "hidden1": c.Hidden1, "hidden2": c.Hidden2} {
		if v <= 0 {
			return fmt.Errorf("classifier %s must be positive, got %d", name, v)
		}
	}
	if c.Dropout1 < 0 || c.Dropout1 >= 1 || c.Dropout2 < 0 || c.Dropout2 >= 1 {
		return fmt.Errorf("classifier dropout rates must be in [0, 1)")
	}
	return nil
}

// FlowClassifier flattens an image into one sequence channel and classifies
// it with three convolution stages and a fully connected head. It returns
// logits.
type FlowClassifier struct {
	cfg     ClassifierConfig
	conv    *layers.SequentialLayer
	flatten *layers.FlattenLayer
	head    *layers.SequentialLayer

	inputShape []int
}

// NewFlowClassifier builds the network. initRNG seeds the weights and
// dropoutRNG drives the dropout masks; either may be nil for a network that
// only loads weights and runs in eval mode.
func NewFlowClassifier(cfg ClassifierConfig, initRNG, dropoutRNG *rand.Rand) (*FlowClassifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conv := layers.NewSequential("conv",
		layers.NewConv1D("conv.0", 1, cfg.Conv1, 5, 2, initRNG),
		layers.NewReLU("conv.1"),
		layers.NewBatchNorm("conv.2", cfg.Conv1),
		layers.NewMaxPool1D("conv.3", 2),
		layers.NewConv1D("conv.4", cfg.Conv1, cfg.Conv2, 3, 1, initRNG),
		layers.NewReLU("conv.5"),
		layers.NewBatchNorm("conv.6", cfg.Conv2),
		layers.NewMaxPool1D("conv.7", 2),
		layers.NewConv1D("conv.8", cfg.Conv2, cfg.Conv3, 3, 1, initRNG),
		layers.NewReLU("conv.9"),
		layers.NewBatchNorm("conv.10", cfg.Conv3),
		layers.NewAdaptiveMaxPool1D("conv.11", cfg.PoolOutput),
	)
	head := layers.NewSequential("fc",
		layers.NewDropout("fc.0", cfg.Dropout1, dropoutRNG),
		layers.NewLinear("fc.1", cfg.Conv3*cfg.PoolOutput, cfg.Hidden1, initRNG),
		layers.NewReLU("fc.2"),
		layers.NewDropout("fc.3", cfg.Dropout2, dropoutRNG),
		layers.NewLinear("fc.4", cfg.Hidden1, cfg.Hidden2, initRNG),
		layers.NewReLU("fc.5"),
		layers.NewLinear("fc.6", cfg.Hidden2, cfg.NumClasses, initRNG),
	)
	return &FlowClassifier{
		cfg:     cfg,
		conv:    conv,
		flatten: layers.NewFlatten("flatten"),
		head:    head,
	}, nil
}

// Config returns the construction parameters.
func (fc *FlowClassifier) Config() ClassifierConfig { return fc.cfg }

// Forward maps a [N, C, H, W] (or any [N, ...]) batch of C·H·W == InputLength
// values per sample to [N, NumClasses] logits.
func (fc *FlowClassifier) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil || len(x.Shape) < 2 {
		return nil, fmt.Errorf("classifier: expected batched input")
	}
	n := x.Shape[0]
	if x.NumElems/n != fc.cfg.InputLength {
		return nil, fmt.Errorf("classifier: expected %d values per sample, got %d", fc.cfg.InputLength, x.NumElems/n)
	}
	seq, err := x.Reshape([]int{n, 1, fc.cfg.InputLength})
	if err != nil {
		return nil, err
	}
	fc.inputShape = append([]int(nil), x.Shape...)

	h, err := fc.conv.Forward(seq)
	if err != nil {
		return nil, err
	}
	if h, err = fc.flatten.Forward(h); err != nil {
		return nil, err
	}
	return fc.head.Forward(h)
}

// Backward returns the gradient with respect to the input image batch.
func (fc *FlowClassifier) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if fc.inputShape == nil {
		return nil, fmt.Errorf("classifier: backward called before forward")
	}
	g, err := fc.head.Backward(gradOut)
	if err != nil {
		return nil, err
	}
	if g, err = fc.flatten.Backward(g); err != nil {
		return nil, err
	}
	if g, err = fc.conv.Backward(g); err != nil {
		return nil, err
	}
	return g.Reshape(fc.inputShape)
}

// Parameters returns weights and batch-norm buffers in a fixed order.
func (fc *FlowClassifier) Parameters() []*layers.Parameter {
	return append(fc.conv.Parameters(), fc.head.Parameters()...)
}

// SetTraining toggles dropout and batch normalization.
func (fc *FlowClassifier) SetTraining(training bool) {
	fc.conv.SetTraining(training)
	fc.head.SetTraining(training)
}
