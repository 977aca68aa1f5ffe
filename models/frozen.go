package models

import (
	"fmt"
	"sync"

	"github.com/tsawler/lafm-net/checkpoints"
	"github.com/tsawler/lafm-net/tensor"
)

// FrozenAutoencoder is an inference-only copy of a trained autoencoder. It
// owns its weights, so later changes to the source network do not reach it,
// and it exposes no parameters to optimizers.
type FrozenAutoencoder struct {
	mu  sync.Mutex
	net *DenoisingAutoencoder
}

// Freeze copies the current weights of ae into a new frozen network.
func Freeze(ae *DenoisingAutoencoder) (*FrozenAutoencoder, error) {
	return NewFrozenAutoencoder(ae.Config(), checkpoints.Snapshot(ae))
}

// NewFrozenAutoencoder rebuilds a frozen network from saved weights.
func NewFrozenAutoencoder(cfg AutoencoderConfig, sd checkpoints.StateDict) (*FrozenAutoencoder, error) {
	net, err := NewDenoisingAutoencoder(cfg, nil)
	if err != nil {
		return nil, err
	}
	if err := sd.LoadInto(net); err != nil {
		return nil, fmt.Errorf("failed to load frozen autoencoder: %w", err)
	}
	net.SetTraining(false)
	return &FrozenAutoencoder{net: net}, nil
}

// Forward runs the network in inference mode.
func (f *FrozenAutoencoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.net.Forward(x)
}

// Config returns the network geometry.
func (f *FrozenAutoencoder) Config() AutoencoderConfig { return f.net.Config() }

// StateDict returns a copy of the frozen weights.
func (f *FrozenAutoencoder) StateDict() checkpoints.StateDict {
	f.mu.Lock()
	defer f.mu.Unlock()
	return checkpoints.Snapshot(f.net)
}
