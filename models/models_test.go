package models

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/tsawler/lafm-net/layers"
	"github.com/tsawler/lafm-net/tensor"
)

type network interface {
	layers.Module
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
}

// gradCheck compares analytic gradients of sum(out * probe) with central
// differences, for the input and every trainable parameter.
func gradCheck(t *testing.T, net network, x *tensor.Tensor, rng *rand.Rand) {
	t.Helper()

	out, err := net.Forward(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	probe := tensor.RandomNormal(rng, 0, 1, out.Shape...)
	loss := func() float64 {
		o, err := net.Forward(x)
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		s := 0.0
		for i, v := range o.Data {
			s += v * probe.Data[i]
		}
		return s
	}

	layers.ZeroGrad(net)
	loss()
	gradIn, err := net.Backward(probe)
	if err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	const eps = 1e-6
	const tol = 1e-4
	check := func(what string, data, analytic []float64) {
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			plus := loss()
			data[i] = orig - eps
			minus := loss()
			data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			scale := math.Max(1, math.Abs(numeric)+math.Abs(analytic[i]))
			if math.Abs(numeric-analytic[i])/scale > tol {
				t.Errorf("%s[%d]: analytic %.8f, numeric %.8f", what, i, analytic[i], numeric)
				return
			}
		}
	}

	check("input", x.Data, gradIn.Data)
	for _, p := range layers.TrainableParameters(net) {
		check(p.Name, p.Value.Data, append([]float64(nil), p.Grad.Data...))
	}
}

func TestAutoencoderShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	ae, err := NewDenoisingAutoencoder(AutoencoderConfig{InChannels: 4, OutChannels: 4, BaseFeatures: 4}, rng)
	if err != nil {
		t.Fatalf("NewDenoisingAutoencoder failed: %v", err)
	}

	x := tensor.RandomNormal(rng, 0, 1, 3, 4, 4, 4)
	out, err := ae.Forward(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if !tensor.SameShape(out, x) {
		t.Errorf("reconstruction shape %v, want %v", out.Shape, x.Shape)
	}
	grad, err := ae.Backward(tensor.Ones(out.Shape...))
	if err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if !tensor.SameShape(grad, x) {
		t.Errorf("input gradient shape %v, want %v", grad.Shape, x.Shape)
	}

	if _, err := ae.Forward(tensor.Zeros(1, 4, 6, 6)); err == nil {
		t.Error("expected error for a size not divisible by 4")
	}
	if _, err := ae.Forward(tensor.Zeros(1, 3, 4, 4)); err == nil {
		t.Error("expected error for a channel mismatch")
	}
	if _, err := NewDenoisingAutoencoder(AutoencoderConfig{InChannels: 4, OutChannels: 4}, rng); err == nil {
		t.Error("expected error for zero base features")
	}
}

func TestAutoencoderGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 3))
	ae, _ := NewDenoisingAutoencoder(AutoencoderConfig{InChannels: 1, OutChannels: 1, BaseFeatures: 2}, rng)
	ae.SetTraining(false)
	gradCheck(t, ae, tensor.RandomNormal(rng, 0, 1, 2, 1, 4, 4), rng)
}

func TestFreezeIsolatesWeights(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	ae, _ := NewDenoisingAutoencoder(AutoencoderConfig{InChannels: 2, OutChannels: 2, BaseFeatures: 2}, rng)
	x := tensor.RandomNormal(rng, 0, 1, 2, 2, 4, 4)

	frozen, err := Freeze(ae)
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	before, err := frozen.Forward(x)
	if err != nil {
		t.Fatalf("frozen forward failed: %v", err)
	}

	for _, p := range layers.TrainableParameters(ae) {
		p.Value.Fill(0.5)
	}
	after, _ := frozen.Forward(x)
	if !before.Equal(after) {
		t.Error("changing the source network changed the frozen copy")
	}

	if _, ok := any(frozen).(layers.Module); ok {
		t.Error("frozen autoencoder must not expose parameters")
	}
	if sd := frozen.StateDict(); sd.Len() != len(ae.Parameters()) {
		t.Errorf("state dict has %d entries, want %d", sd.Len(), len(ae.Parameters()))
	}

	rebuilt, err := NewFrozenAutoencoder(frozen.Config(), frozen.StateDict())
	if err != nil {
		t.Fatalf("NewFrozenAutoencoder failed: %v", err)
	}
	again, _ := rebuilt.Forward(x)
	if !before.Equal(again) {
		t.Error("rebuilt frozen network disagrees with the original")
	}
}

func TestMaskGateRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	gate, err := NewAdaptiveMaskGate(4, rng)
	if err != nil {
		t.Fatalf("NewAdaptiveMaskGate failed: %v", err)
	}

	inputs := []*tensor.Tensor{
		tensor.RandomNormal(rng, 0, 1, 2, 4, 4, 4),
		tensor.Full(1e6, 1, 4, 4, 4),
		tensor.Full(-1e6, 1, 4, 4, 4),
		tensor.Zeros(1, 4, 4, 4),
	}
	for i, x := range inputs {
		mask, err := gate.Forward(x)
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		if !tensor.SameShape(mask, x) {
			t.Fatalf("mask shape %v, want %v", mask.Shape, x.Shape)
		}
		for _, v := range mask.Data {
			if !(v > 0 && v < 1) {
				t.Fatalf("input %d: mask value %g outside (0, 1)", i, v)
			}
		}
	}

	if _, err := gate.Forward(tensor.Zeros(1, 3, 4, 4)); err == nil {
		t.Error("expected error for a channel mismatch")
	}
}

func TestMaskGateTrainability(t *testing.T) {
	rng := rand.New(rand.NewPCG(6, 6))
	gate, _ := NewAdaptiveMaskGate(2, rng)
	if gate.Trainable() {
		t.Fatal("gate should start frozen")
	}
	mask, _ := gate.Forward(tensor.RandomNormal(rng, 0, 1, 1, 2, 2, 2))
	if _, err := gate.Backward(tensor.Ones(mask.Shape...)); !errors.Is(err, ErrGateFrozen) {
		t.Errorf("Expected ErrGateFrozen, got %v", err)
	}

	gate.SetTrainable(true)
	if _, err := gate.Backward(tensor.Ones(mask.Shape...)); err != nil {
		t.Errorf("trainable gate backward failed: %v", err)
	}
	if n := len(layers.TrainableParameters(gate)); n != 5 {
		t.Errorf("Expected 5 parameter tensors, got %d", n)
	}
}

func TestMaskGateGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	gate, _ := NewAdaptiveMaskGate(3, rng)
	gate.SetTrainable(true)
	// move off the initial values so every parameter matters
	gate.temperature.Value.Data[0] = 1.3
	for i := range gate.bias.Value.Data {
		gate.bias.Value.Data[i] = 0.1 * float64(i+1)
		gate.scale.Value.Data[i] = 0.8 + 0.2*float64(i)
	}
	gradCheck(t, gate, tensor.RandomNormal(rng, 0, 1, 2, 3, 2, 2), rng)
}

func TestEnhance(t *testing.T) {
	img, _ := tensor.NewTensor([]int{1, 1, 1, 4}, []float64{-1, 0.5, 2, 0.8})
	mask, _ := tensor.NewTensor([]int{1, 1, 1, 4}, []float64{0.5, 0.5, 0.9, 0.5})

	enh, err := Enhance(img, mask)
	if err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}
	want := []float64{0, 0.25, 1, 0.4}
	for i := range want {
		if math.Abs(enh.Data[i]-want[i]) > 1e-12 {
			t.Errorf("value %d: got %f, want %f", i, enh.Data[i], want[i])
		}
	}

	grad, err := EnhanceBackward(img, mask, tensor.Ones(1, 1, 1, 4))
	if err != nil {
		t.Fatalf("EnhanceBackward failed: %v", err)
	}
	// clamped positions pass no gradient
	wantGrad := []float64{0, 0.5, 0, 0.8}
	for i := range wantGrad {
		if math.Abs(grad.Data[i]-wantGrad[i]) > 1e-12 {
			t.Errorf("grad %d: got %f, want %f", i, grad.Data[i], wantGrad[i])
		}
	}

	if _, err := EnhanceBackward(img, tensor.Zeros(4), img); err == nil {
		t.Error("expected error for mismatched shapes")
	}
}

func smallClassifierConfig() ClassifierConfig {
	cfg := DefaultClassifierConfig(16, 3)
	cfg.Conv1, cfg.Conv2, cfg.Conv3 = 2, 3, 4
	cfg.PoolOutput = 2
	cfg.Hidden1, cfg.Hidden2 = 5, 4
	return cfg
}

func TestClassifierShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	clf, err := NewFlowClassifier(DefaultClassifierConfig(64, 6), rng, rng)
	if err != nil {
		t.Fatalf("NewFlowClassifier failed: %v", err)
	}
	x := tensor.RandomUniform(rng, 0, 1, 4, 4, 4, 4)
	logits, err := clf.Forward(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if logits.Shape[0] != 4 || logits.Shape[1] != 6 {
		t.Fatalf("logits shape %v, want [4 6]", logits.Shape)
	}
	grad, err := clf.Backward(tensor.Ones(logits.Shape...))
	if err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if !tensor.SameShape(grad, x) {
		t.Errorf("input gradient shape %v, want %v", grad.Shape, x.Shape)
	}

	if _, err := clf.Forward(tensor.Zeros(2, 4, 2, 2)); err == nil {
		t.Error("expected error for a wrong input length")
	}
	bad := DefaultClassifierConfig(64, 1)
	if _, err := NewFlowClassifier(bad, rng, rng); err == nil {
		t.Error("expected error for a single class")
	}
}

func TestClassifierGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 11))
	clf, _ := NewFlowClassifier(smallClassifierConfig(), rng, rng)
	clf.SetTraining(false)
	gradCheck(t, clf, tensor.RandomNormal(rng, 0, 1, 2, 1, 4, 4), rng)
}

// The phase-2 chain: features → gate → enhance → classifier.
func TestGateReceivesClassifierGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(12, 12))
	gate, _ := NewAdaptiveMaskGate(1, rng)
	gate.SetTrainable(true)
	clf, _ := NewFlowClassifier(smallClassifierConfig(), rng, rng)
	clf.SetTraining(false)

	img := tensor.RandomUniform(rng, 0.1, 0.9, 2, 1, 4, 4)
	feats := tensor.RandomNormal(rng, 0, 1, 2, 1, 4, 4)

	mask, err := gate.Forward(feats)
	if err != nil {
		t.Fatal(err)
	}
	enh, _ := Enhance(img, mask)
	logits, err := clf.Forward(enh)
	if err != nil {
		t.Fatal(err)
	}
	gEnh, err := clf.Backward(tensor.Ones(logits.Shape...))
	if err != nil {
		t.Fatal(err)
	}
	gMask, err := EnhanceBackward(img, mask, gEnh)
	if err != nil {
		t.Fatal(err)
	}
	layers.ZeroGrad(gate)
	if _, err := gate.Backward(gMask); err != nil {
		t.Fatal(err)
	}
	nonZero := false
	for _, p := range layers.TrainableParameters(gate) {
		for _, g := range p.Grad.Data {
			if g != 0 {
				nonZero = true
			}
		}
	}
	if !nonZero {
		t.Error("gate received no gradient from the classifier")
	}
}
