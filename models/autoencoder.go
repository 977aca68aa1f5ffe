// Package models holds the three networks of the pipeline: the denoising
// U-Net autoencoder, the adaptive mask gate and the 1-D flow classifier.
package models

import (
	"fmt"
	"math/rand/v2"

	"github.com/tsawler/lafm-net/layers"
	"github.com/tsawler/lafm-net/tensor"
)

// AutoencoderConfig sizes the U-Net.
type AutoencoderConfig struct {
	InChannels   int `yaml:"in_channels" json:"in_channels"`
	OutChannels  int `yaml:"out_channels" json:"out_channels"`
	BaseFeatures int `yaml:"base_features" json:"base_features"`
}

// DefaultAutoencoderConfig maps channels onto themselves with 32 base features.
func DefaultAutoencoderConfig(channels int) AutoencoderConfig {
	return AutoencoderConfig{InChannels: channels, OutChannels: channels, BaseFeatures: 32}
}

// DenoisingAutoencoder is a two-level U-Net. Encoder outputs are concatenated
// onto the matching decoder inputs; the final 1×1 projection has no
// activation.
type DenoisingAutoencoder struct {
	cfg AutoencoderConfig

	enc1, enc2, bottleneck *layers.SequentialLayer
	pool1, pool2           *layers.MaxPool2DLayer
	up2, up1               *layers.ConvTranspose2DLayer
	dec2, dec1             *layers.SequentialLayer
	final                  *layers.Conv2DLayer
}

// convBlock is (Conv3×3 → BatchNorm → ReLU) twice.
func convBlock(name string, in, out int, rng *rand.Rand) *layers.SequentialLayer {
	return layers.NewSequential(name,
		layers.NewConv2D(name+".0", in, out, 3, 1, 1, rng),
		layers.NewBatchNorm(name+".1", out),
		layers.NewReLU(name+".2"),
		layers.NewConv2D(name+".3", out, out, 3, 1, 1, rng),
		layers.NewBatchNorm(name+".4", out),
		layers.NewReLU(name+".5"),
	)
}

// NewDenoisingAutoencoder builds the network. A nil rng leaves the weights
// at zero, for callers that load a snapshot straight away.
func NewDenoisingAutoencoder(cfg AutoencoderConfig, rng *rand.Rand) (*DenoisingAutoencoder, error) {
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 || cfg.BaseFeatures <= 0 {
		return nil, fmt.Errorf("invalid autoencoder config %+v", cfg)
	}
	b := cfg.BaseFeatures
	return &DenoisingAutoencoder{
		cfg:        cfg,
		enc1:       convBlock("enc1", cfg.InChannels, b, rng),
		pool1:      layers.NewMaxPool2D("pool1", 2),
		enc2:       convBlock("enc2", b, 2*b, rng),
		pool2:      layers.NewMaxPool2D("pool2", 2),
		bottleneck: convBlock("bottleneck", 2*b, 4*b, rng),
		up2:        layers.NewConvTranspose2D("up2", 4*b, 2*b, 2, 2, rng),
		dec2:       convBlock("dec2", 4*b, 2*b, rng),
		up1:        layers.NewConvTranspose2D("up1", 2*b, b, 2, 2, rng),
		dec1:       convBlock("dec1", 2*b, b, rng),
		final:      layers.NewConv2D("final", b, cfg.OutChannels, 1, 1, 0, rng),
	}, nil
}

// Config returns the construction parameters.
func (ae *DenoisingAutoencoder) Config() AutoencoderConfig { return ae.cfg }

// Forward reconstructs a [N, C, H, W] batch. H and W must be multiples of 4.
func (ae *DenoisingAutoencoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil || len(x.Shape) != 4 {
		return nil, fmt.Errorf("autoencoder: expected [N, C, H, W] input")
	}
	if x.Shape[1] != ae.cfg.InChannels {
		return nil, fmt.Errorf("autoencoder: expected %d channels, got %d", ae.cfg.InChannels, x.Shape[1])
	}
	if x.Shape[2]%4 != 0 || x.Shape[3]%4 != 0 {
		return nil, fmt.Errorf("autoencoder: spatial size %dx%d is not divisible by 4", x.Shape[2], x.Shape[3])
	}

	e1, err := ae.enc1.Forward(x)
	if err != nil {
		return nil, err
	}
	p1, err := ae.pool1.Forward(e1)
	if err != nil {
		return nil, err
	}
	e2, err := ae.enc2.Forward(p1)
	if err != nil {
		return nil, err
	}
	p2, err := ae.pool2.Forward(e2)
	if err != nil {
		return nil, err
	}
	b, err := ae.bottleneck.Forward(p2)
	if err != nil {
		return nil, err
	}

	u2, err := ae.up2.Forward(b)
	if err != nil {
		return nil, err
	}
	cat2, err := tensor.ConcatChannels(u2, e2)
	if err != nil {
		return nil, fmt.Errorf("autoencoder: skip 2: %w", err)
	}
	d2, err := ae.dec2.Forward(cat2)
	if err != nil {
		return nil, err
	}
	u1, err := ae.up1.Forward(d2)
	if err != nil {
		return nil, err
	}
	cat1, err := tensor.ConcatChannels(u1, e1)
	if err != nil {
		return nil, fmt.Errorf("autoencoder: skip 1: %w", err)
	}
	d1, err := ae.dec1.Forward(cat1)
	if err != nil {
		return nil, err
	}
	return ae.final.Forward(d1)
}

// Backward propagates the reconstruction gradient, adding the skip-path
// gradients back onto the encoder outputs.
func (ae *DenoisingAutoencoder) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	b := ae.cfg.BaseFeatures

	g, err := ae.final.Backward(gradOut)
	if err != nil {
		return nil, err
	}
	if g, err = ae.dec1.Backward(g); err != nil {
		return nil, err
	}
	gu1, ge1, err := tensor.SplitChannels(g, b)
	if err != nil {
		return nil, err
	}
	if g, err = ae.up1.Backward(gu1); err != nil {
		return nil, err
	}
	if g, err = ae.dec2.Backward(g); err != nil {
		return nil, err
	}
	gu2, ge2, err := tensor.SplitChannels(g, 2*b)
	if err != nil {
		return nil, err
	}
	if g, err = ae.up2.Backward(gu2); err != nil {
		return nil, err
	}
	if g, err = ae.bottleneck.Backward(g); err != nil {
		return nil, err
	}
	if g, err = ae.pool2.Backward(g); err != nil {
		return nil, err
	}
	if err = tensor.AddInPlace(g, ge2); err != nil {
		return nil, err
	}
	if g, err = ae.enc2.Backward(g); err != nil {
		return nil, err
	}
	if g, err = ae.pool1.Backward(g); err != nil {
		return nil, err
	}
	if err = tensor.AddInPlace(g, ge1); err != nil {
		return nil, err
	}
	return ae.enc1.Backward(g)
}

// Parameters returns weights and batch-norm buffers in a fixed order.
func (ae *DenoisingAutoencoder) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, l := range ae.parts() {
		params = append(params, l.Parameters()...)
	}
	return params
}

// SetTraining switches batch normalization between batch and running
// statistics.
func (ae *DenoisingAutoencoder) SetTraining(training bool) {
	for _, l := range ae.parts() {
		l.SetTraining(training)
	}
}

func (ae *DenoisingAutoencoder) parts() []layers.Layer {
	return []layers.Layer{
		ae.enc1, ae.pool1, ae.enc2, ae.pool2, ae.bottleneck,
		ae.up2, ae.dec2, ae.up1, ae.dec1, ae.final,
	}
}
