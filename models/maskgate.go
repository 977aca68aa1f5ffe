package models

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/tsawler/lafm-net/layers"
	"github.com/tsawler/lafm-net/tensor"
)

// maskEpsilon keeps each sigmoid, and so their product, strictly inside (0, 1).
const maskEpsilon = 1e-7

// ErrGateFrozen is returned by Backward while the gate is not trainable.
var ErrGateFrozen = errors.New("mask gate is not trainable")

// AdaptiveMaskGate turns autoencoder features into a multiplicative mask:
//
//	local  = σ((x·scale_c + bias_c) / T)
//	global = σ(FC(GAP(x)))_c
//	mask   = local · global
type AdaptiveMaskGate struct {
	channels  int
	trainable bool

	temperature *layers.Parameter // [1]
	bias        *layers.Parameter // [C]
	scale       *layers.Parameter // [C]
	fc          *layers.LinearLayer

	// forward cache
	input  *tensor.Tensor
	local  []float64
	global []float64 // [N, C]
	lClamp []bool
	gClamp []bool
}

// NewAdaptiveMaskGate creates a gate with temperature 1, zero bias, unit
// scale and a randomly initialized gating head. The gate starts frozen.
func NewAdaptiveMaskGate(channels int, rng *rand.Rand) (*AdaptiveMaskGate, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("mask gate needs at least one channel, got %d", channels)
	}
	return &AdaptiveMaskGate{
		channels:    channels,
		temperature: &layers.Parameter{Name: "mask.temperature", Value: tensor.Ones(1), Grad: tensor.Zeros(1)},
		bias:        &layers.Parameter{Name: "mask.bias", Value: tensor.Zeros(channels), Grad: tensor.Zeros(channels)},
		scale:       &layers.Parameter{Name: "mask.channel_scale", Value: tensor.Ones(channels), Grad: tensor.Zeros(channels)},
		fc:          layers.NewLinear("mask.global_fc", channels, channels, rng),
	}, nil
}

// SetTrainable enables or disables gradient updates.
func (g *AdaptiveMaskGate) SetTrainable(trainable bool) { g.trainable = trainable }

// Trainable reports whether Backward is allowed.
func (g *AdaptiveMaskGate) Trainable() bool { return g.trainable }

// Channels returns the number of gated channels.
func (g *AdaptiveMaskGate) Channels() int { return g.channels }

// Parameters returns temperature, bias, channel scale and the gating head.
func (g *AdaptiveMaskGate) Parameters() []*layers.Parameter {
	return append([]*layers.Parameter{g.temperature, g.bias, g.scale}, g.fc.Parameters()...)
}

// Forward computes the mask for a [N, C, H, W] feature batch.
func (g *AdaptiveMaskGate) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil || len(x.Shape) != 4 || x.Shape[1] != g.channels {
		return nil, fmt.Errorf("mask gate: expected [N, %d, H, W] input", g.channels)
	}
	n, c := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	t := g.temperature.Value.Data[0]

	gap := tensor.Zeros(n, c)
	for i := 0; i < n*c; i++ {
		sum := 0.0
		for _, v := range x.Data[i*plane : (i+1)*plane] {
			sum += v
		}
		gap.Data[i] = sum / float64(plane)
	}
	z, err := g.fc.Forward(gap)
	if err != nil {
		return nil, fmt.Errorf("mask gate: %w", err)
	}

	g.global = make([]float64, n*c)
	g.gClamp = make([]bool, n*c)
	for i, v := range z.Data {
		g.global[i], g.gClamp[i] = clampedSigmoid(v)
	}

	mask := tensor.ZerosLike(x)
	g.local = make([]float64, x.NumElems)
	g.lClamp = make([]bool, x.NumElems)
	for i := 0; i < n*c; i++ {
		ch := i % c
		sc, b := g.scale.Value.Data[ch], g.bias.Value.Data[ch]
		for k := i * plane; k < (i+1)*plane; k++ {
			g.local[k], g.lClamp[k] = clampedSigmoid((x.Data[k]*sc + b) / t)
			mask.Data[k] = g.local[k] * g.global[i]
		}
	}

	g.input = x
	return mask, nil
}

// Backward accumulates parameter gradients from the mask gradient and
// returns the gradient with respect to the features.
func (g *AdaptiveMaskGate) Backward(gradMask *tensor.Tensor) (*tensor.Tensor, error) {
	if !g.trainable {
		return nil, ErrGateFrozen
	}
	if g.input == nil {
		return nil, fmt.Errorf("mask gate: backward called before forward")
	}
	x := g.input
	if gradMask.NumElems != x.NumElems {
		return nil, fmt.Errorf("mask gate: gradient has %d elements, expected %d", gradMask.NumElems, x.NumElems)
	}
	n, c := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	t := g.temperature.Value.Data[0]

	gradX := tensor.ZerosLike(x)
	gradZ := tensor.Zeros(n, c)
	for i := 0; i < n*c; i++ {
		ch := i % c
		sc, b := g.scale.Value.Data[ch], g.bias.Value.Data[ch]
		gl := g.global[i]
		dGlobal := 0.0
		for k := i * plane; k < (i+1)*plane; k++ {
			dm := gradMask.Data[k]
			dGlobal += dm * g.local[k]
			if g.lClamp[k] {
				continue
			}
			ds := dm * gl * g.local[k] * (1 - g.local[k])
			s := (x.Data[k]*sc + b) / t
			g.scale.Grad.Data[ch] += ds * x.Data[k] / t
			g.bias.Grad.Data[ch] += ds / t
			g.temperature.Grad.Data[0] -= ds * s / t
			gradX.Data[k] = ds * sc / t
		}
		if !g.gClamp[i] {
			gradZ.Data[i] = dGlobal * gl * (1 - gl)
		}
	}

	gradGap, err := g.fc.Backward(gradZ)
	if err != nil {
		return nil, fmt.Errorf("mask gate: %w", err)
	}
	for i := 0; i < n*c; i++ {
		share := gradGap.Data[i] / float64(plane)
		for k := i * plane; k < (i+1)*plane; k++ {
			gradX.Data[k] += share
		}
	}
	return gradX, nil
}

func clampedSigmoid(v float64) (float64, bool) {
	s := 1 / (1 + math.Exp(-v))
	switch {
	case s < maskEpsilon:
		return maskEpsilon, true
	case s > 1-maskEpsilon:
		return 1 - maskEpsilon, true
	}
	return s, false
}

// Enhance applies a mask to the original images: clamp(img·mask, 0, 1).
func Enhance(img, mask *tensor.Tensor) (*tensor.Tensor, error) {
	prod, err := tensor.Mul(img, mask)
	if err != nil {
		return nil, fmt.Errorf("enhance: %w", err)
	}
	return tensor.Clamp(prod, 0, 1), nil
}

// EnhanceBackward returns the mask gradient of Enhance. The clamp passes
// gradient only where img·mask lies strictly inside (0, 1).
func EnhanceBackward(img, mask, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(img, mask) || !tensor.SameShape(img, gradOut) {
		return nil, fmt.Errorf("enhance backward: shapes %v, %v and %v differ", img.Shape, mask.Shape, gradOut.Shape)
	}
	grad := tensor.ZerosLike(mask)
	for i, v := range img.Data {
		if p := v * mask.Data[i]; p > 0 && p < 1 {
			grad.Data[i] = gradOut.Data[i] * v
		}
	}
	return grad, nil
}
