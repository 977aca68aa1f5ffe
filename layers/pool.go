package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/lafm-net/tensor"
)

// ReLULayer applies max(0, x).
type ReLULayer struct {
	name  string
	input *tensor.Tensor
}

// NewReLU creates a ReLU activation.
func NewReLU(name string) *ReLULayer {
	return &ReLULayer{name: name}
}

func (r *ReLULayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("%s: nil input", r.name)
	}
	out := tensor.ZerosLike(x)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	r.input = x
	return out, nil
}

func (r *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectForward(r.name, r.input); err != nil {
		return nil, err
	}
	if !tensor.SameShape(r.input, gradOut) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match input %v", r.name, gradOut.Shape, r.input.Shape)
	}
	gradIn := tensor.ZerosLike(gradOut)
	for i, v := range r.input.Data {
		if v > 0 {
			gradIn.Data[i] = gradOut.Data[i]
		}
	}
	return gradIn, nil
}

func (r *ReLULayer) Parameters() []*Parameter { return nil }
func (r *ReLULayer) SetTraining(bool)         {}
func (r *ReLULayer) Type() LayerType          { return ReLU }
func (r *ReLULayer) Name() string             { return r.name }

// MaxPool2DLayer pools non-overlapping k×k windows (stride k, floor mode).
type MaxPool2DLayer struct {
	name       string
	kernelSize int

	inputShape []int
	argmax     []int
}

// NewMaxPool2D creates a 2-D max pooling layer.
func NewMaxPool2D(name string, kernelSize int) *MaxPool2DLayer {
	return &MaxPool2DLayer{name: name, kernelSize: kernelSize}
}

func (p *MaxPool2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(p.name, x, 4); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	k := p.kernelSize
	oh, ow := h/k, w/k
	if oh == 0 || ow == 0 {
		return nil, fmt.Errorf("%s: input %dx%d smaller than pool size %d", p.name, h, w, k)
	}

	out := tensor.Zeros(n, c, oh, ow)
	argmax := make([]int, out.NumElems)
	for nc := 0; nc < n*c; nc++ {
		inBase := nc * h * w
		for y := 0; y < oh; y++ {
			for xo := 0; xo < ow; xo++ {
				best := math.Inf(-1)
				bestIdx := -1
				for kh := 0; kh < k; kh++ {
					for kw := 0; kw < k; kw++ {
						idx := inBase + (y*k+kh)*w + xo*k + kw
						if v := x.Data[idx]; v > best || bestIdx < 0 {
							best = v
							bestIdx = idx
						}
					}
				}
				o := (nc*oh+y)*ow + xo
				out.Data[o] = best
				argmax[o] = bestIdx
			}
		}
	}
	p.inputShape = append([]int(nil), x.Shape...)
	p.argmax = argmax
	return out, nil
}

func (p *MaxPool2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, fmt.Errorf("%s: backward called before forward", p.name)
	}
	if gradOut.NumElems != len(p.argmax) {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", p.name, gradOut.NumElems, len(p.argmax))
	}
	gradIn := tensor.Zeros(p.inputShape...)
	for o, idx := range p.argmax {
		gradIn.Data[idx] += gradOut.Data[o]
	}
	return gradIn, nil
}

func (p *MaxPool2DLayer) Parameters() []*Parameter { return nil }
func (p *MaxPool2DLayer) SetTraining(bool)         {}
func (p *MaxPool2DLayer) Type() LayerType          { return MaxPool2D }
func (p *MaxPool2DLayer) Name() string             { return p.name }

// MaxPool1DLayer pools non-overlapping windows of length k over [N, C, L].
type MaxPool1DLayer struct {
	name       string
	kernelSize int

	inputShape []int
	argmax     []int
}

// NewMaxPool1D creates a 1-D max pooling layer.
func NewMaxPool1D(name string, kernelSize int) *MaxPool1DLayer {
	return &MaxPool1DLayer{name: name, kernelSize: kernelSize}
}

func (p *MaxPool1DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(p.name, x, 3); err != nil {
		return nil, err
	}
	n, c, l := x.Shape[0], x.Shape[1], x.Shape[2]
	k := p.kernelSize
	ol := l / k
	if ol == 0 {
		return nil, fmt.Errorf("%s: input length %d smaller than pool size %d", p.name, l, k)
	}
	out := tensor.Zeros(n, c, ol)
	argmax := make([]int, out.NumElems)
	for nc := 0; nc < n*c; nc++ {
		for o := 0; o < ol; o++ {
			bestIdx := nc*l + o*k
			for kk := 1; kk < k; kk++ {
				if idx := nc*l + o*k + kk; x.Data[idx] > x.Data[bestIdx] {
					bestIdx = idx
				}
			}
			out.Data[nc*ol+o] = x.Data[bestIdx]
			argmax[nc*ol+o] = bestIdx
		}
	}
	p.inputShape = append([]int(nil), x.Shape...)
	p.argmax = argmax
	return out, nil
}

func (p *MaxPool1DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, fmt.Errorf("%s: backward called before forward", p.name)
	}
	if gradOut.NumElems != len(p.argmax) {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", p.name, gradOut.NumElems, len(p.argmax))
	}
	gradIn := tensor.Zeros(p.inputShape...)
	for o, idx := range p.argmax {
		gradIn.Data[idx] += gradOut.Data[o]
	}
	return gradIn, nil
}

func (p *MaxPool1DLayer) Parameters() []*Parameter { return nil }
func (p *MaxPool1DLayer) SetTraining(bool)         {}
func (p *MaxPool1DLayer) Type() LayerType          { return MaxPool1D }
func (p *MaxPool1DLayer) Name() string             { return p.name }

// AdaptiveMaxPool1DLayer pools [N, C, L] to a fixed [N, C, outputSize].
// Bin i covers [floor(i·L/out), ceil((i+1)·L/out)), so bins may overlap
// and L may be smaller than outputSize.
type AdaptiveMaxPool1DLayer struct {
	name       string
	outputSize int

	inputShape []int
	argmax     []int
}

// NewAdaptiveMaxPool1D creates an adaptive 1-D max pooling layer.
func NewAdaptiveMaxPool1D(name string, outputSize int) *AdaptiveMaxPool1DLayer {
	return &AdaptiveMaxPool1DLayer{name: name, outputSize: outputSize}
}

func (p *AdaptiveMaxPool1DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(p.name, x, 3); err != nil {
		return nil, err
	}
	n, c, l := x.Shape[0], x.Shape[1], x.Shape[2]
	ol := p.outputSize
	out := tensor.Zeros(n, c, ol)
	argmax := make([]int, out.NumElems)
	for nc := 0; nc < n*c; nc++ {
		for o := 0; o < ol; o++ {
			start := (o * l) / ol
			end := ((o+1)*l + ol - 1) / ol
			bestIdx := nc*l + start
			for i := start + 1; i < end; i++ {
				if idx := nc*l + i; x.Data[idx] > x.Data[bestIdx] {
					bestIdx = idx
				}
			}
			out.Data[nc*ol+o] = x.Data[bestIdx]
			argmax[nc*ol+o] = bestIdx
		}
	}
	p.inputShape = append([]int(nil), x.Shape...)
	p.argmax = argmax
	return out, nil
}

func (p *AdaptiveMaxPool1DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, fmt.Errorf("%s: backward called before forward", p.name)
	}
	if gradOut.NumElems != len(p.argmax) {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", p.name, gradOut.NumElems, len(p.argmax))
	}
	gradIn := tensor.Zeros(p.inputShape...)
	for o, idx := range p.argmax {
		gradIn.Data[idx] += gradOut.Data[o]
	}
	return gradIn, nil
}

func (p *AdaptiveMaxPool1DLayer) Parameters() []*Parameter { return nil }
func (p *AdaptiveMaxPool1DLayer) SetTraining(bool)         {}
func (p *AdaptiveMaxPool1DLayer) Type() LayerType          { return AdaptiveMaxPool1D }
func (p *AdaptiveMaxPool1DLayer) Name() string             { return p.name }
