package layers

import (
	"fmt"
	"math/rand/v2"

	"github.com/tsawler/lafm-net/tensor"
)

// Conv2DLayer is a 2-D convolution over [N, C, H, W] inputs.
type Conv2DLayer struct {
	name        string
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	weight *Parameter // [out, in, k, k]
	bias   *Parameter // [out]

	input *tensor.Tensor
}

// NewConv2D creates a Conv2D layer. A nil rng leaves the weights at zero.
func NewConv2D(name string, inChannels, outChannels, kernelSize, stride, padding int, rng *rand.Rand) *Conv2DLayer {
	if stride <= 0 {
		stride = 1
	}
	c := &Conv2DLayer{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		weight:      newParameter(name+".weight", outChannels, inChannels, kernelSize, kernelSize),
		bias:        newParameter(name+".bias", outChannels),
	}
	fanIn := inChannels * kernelSize * kernelSize
	initUniform(rng, c.weight.Value, fanIn)
	initUniform(rng, c.bias.Value, fanIn)
	return c
}

func (c *Conv2DLayer) outputSize(h, w int) (int, int) {
	oh := (h+2*c.padding-c.kernelSize)/c.stride + 1
	ow := (w+2*c.padding-c.kernelSize)/c.stride + 1
	return oh, ow
}

func (c *Conv2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(c.name, x, 4); err != nil {
		return nil, err
	}
	n, cin, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if cin != c.inChannels {
		return nil, fmt.Errorf("%s: expected %d input channels, got %d", c.name, c.inChannels, cin)
	}
	oh, ow := c.outputSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%s: input %dx%d too small for kernel %d", c.name, h, w, c.kernelSize)
	}

	k := c.kernelSize
	wd := c.weight.Value.Data
	bd := c.bias.Value.Data
	out := tensor.Zeros(n, c.outChannels, oh, ow)

	for b := 0; b < n; b++ {
		for co := 0; co < c.outChannels; co++ {
			for y := 0; y < oh; y++ {
				for xo := 0; xo < ow; xo++ {
					sum := bd[co]
					for ci := 0; ci < cin; ci++ {
						inBase := (b*cin + ci) * h * w
						wBase := (co*cin + ci) * k * k
						for kh := 0; kh < k; kh++ {
							ih := y*c.stride + kh - c.padding
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := xo*c.stride + kw - c.padding
								if iw < 0 || iw >= w {
									continue
								}
								sum += x.Data[inBase+ih*w+iw] * wd[wBase+kh*k+kw]
							}
						}
					}
					out.Data[((b*c.outChannels+co)*oh+y)*ow+xo] = sum
				}
			}
		}
	}

	c.input = x
	return out, nil
}

func (c *Conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectForward(c.name, c.input); err != nil {
		return nil, err
	}
	x := c.input
	n, cin, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := c.outputSize(h, w)
	if len(gradOut.Shape) != 4 || gradOut.Shape[0] != n || gradOut.Shape[1] != c.outChannels || gradOut.Shape[2] != oh || gradOut.Shape[3] != ow {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output [%d %d %d %d]", c.name, gradOut.Shape, n, c.outChannels, oh, ow)
	}

	k := c.kernelSize
	wd := c.weight.Value.Data
	gw := c.weight.Grad.Data
	gb := c.bias.Grad.Data
	gradIn := tensor.ZerosLike(x)

	for b := 0; b < n; b++ {
		for co := 0; co < c.outChannels; co++ {
			for y := 0; y < oh; y++ {
				for xo := 0; xo < ow; xo++ {
					g := gradOut.Data[((b*c.outChannels+co)*oh+y)*ow+xo]
					gb[co] += g
					for ci := 0; ci < cin; ci++ {
						inBase := (b*cin + ci) * h * w
						wBase := (co*cin + ci) * k * k
						for kh := 0; kh < k; kh++ {
							ih := y*c.stride + kh - c.padding
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < k; kw++ {
								iw := xo*c.stride + kw - c.padding
								if iw < 0 || iw >= w {
									continue
								}
								gw[wBase+kh*k+kw] += x.Data[inBase+ih*w+iw] * g
								gradIn.Data[inBase+ih*w+iw] += wd[wBase+kh*k+kw] * g
							}
						}
					}
				}
			}
		}
	}
	return gradIn, nil
}

func (c *Conv2DLayer) Parameters() []*Parameter { return []*Parameter{c.weight, c.bias} }
func (c *Conv2DLayer) SetTraining(bool)         {}
func (c *Conv2DLayer) Type() LayerType          { return Conv2D }
func (c *Conv2DLayer) Name() string             { return c.name }

// ConvTranspose2DLayer upsamples [N, C, H, W] without padding:
// output size is (H-1)*stride + kernel.
type ConvTranspose2DLayer struct {
	name        string
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int

	weight *Parameter // [in, out, k, k]
	bias   *Parameter // [out]

	input *tensor.Tensor
}

// NewConvTranspose2D creates a transposed convolution layer.
func NewConvTranspose2D(name string, inChannels, outChannels, kernelSize, stride int, rng *rand.Rand) *ConvTranspose2DLayer {
	if stride <= 0 {
		stride = 1
	}
	c := &ConvTranspose2DLayer{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		weight:      newParameter(name+".weight", inChannels, outChannels, kernelSize, kernelSize),
		bias:        newParameter(name+".bias", outChannels),
	}
	fanIn := outChannels * kernelSize * kernelSize
	initUniform(rng, c.weight.Value, fanIn)
	initUniform(rng, c.bias.Value, fanIn)
	return c
}

func (c *ConvTranspose2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(c.name, x, 4); err != nil {
		return nil, err
	}
	n, cin, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if cin != c.inChannels {
		return nil, fmt.Errorf("%s: expected %d input channels, got %d", c.name, c.inChannels, cin)
	}
	k, s := c.kernelSize, c.stride
	oh := (h-1)*s + k
	ow := (w-1)*s + k
	wd := c.weight.Value.Data
	out := tensor.Zeros(n, c.outChannels, oh, ow)

	for b := 0; b < n; b++ {
		for co := 0; co < c.outChannels; co++ {
			base := (b*c.outChannels + co) * oh * ow
			for i := 0; i < oh*ow; i++ {
				out.Data[base+i] = c.bias.Value.Data[co]
			}
		}
		for ci := 0; ci < cin; ci++ {
			for ih := 0; ih < h; ih++ {
				for iw := 0; iw < w; iw++ {
					v := x.Data[((b*cin+ci)*h+ih)*w+iw]
					for co := 0; co < c.outChannels; co++ {
						wBase := (ci*c.outChannels + co) * k * k
						outBase := (b*c.outChannels + co) * oh * ow
						for kh := 0; kh < k; kh++ {
							for kw := 0; kw < k; kw++ {
								out.Data[outBase+(ih*s+kh)*ow+iw*s+kw] += v * wd[wBase+kh*k+kw]
							}
						}
					}
				}
			}
		}
	}

	c.input = x
	return out, nil
}

func (c *ConvTranspose2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectForward(c.name, c.input); err != nil {
		return nil, err
	}
	x := c.input
	n, cin, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	k, s := c.kernelSize, c.stride
	oh := (h-1)*s + k
	ow := (w-1)*s + k
	if len(gradOut.Shape) != 4 || gradOut.Shape[0] != n || gradOut.Shape[1] != c.outChannels || gradOut.Shape[2] != oh || gradOut.Shape[3] != ow {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output [%d %d %d %d]", c.name, gradOut.Shape, n, c.outChannels, oh, ow)
	}

	wd := c.weight.Value.Data
	gw := c.weight.Grad.Data
	gb := c.bias.Grad.Data
	gradIn := tensor.ZerosLike(x)

	for b := 0; b < n; b++ {
		for co := 0; co < c.outChannels; co++ {
			base := (b*c.outChannels + co) * oh * ow
			for i := 0; i < oh*ow; i++ {
				gb[co] += gradOut.Data[base+i]
			}
		}
		for ci := 0; ci < cin; ci++ {
			for ih := 0; ih < h; ih++ {
				for iw := 0; iw < w; iw++ {
					inIdx := ((b*cin+ci)*h+ih)*w + iw
					v := x.Data[inIdx]
					acc := 0.0
					for co := 0; co < c.outChannels; co++ {
						wBase := (ci*c.outChannels + co) * k * k
						outBase := (b*c.outChannels + co) * oh * ow
						for kh := 0; kh < k; kh++ {
							for kw := 0; kw < k; kw++ {
								g := gradOut.Data[outBase+(ih*s+kh)*ow+iw*s+kw]
								acc += g * wd[wBase+kh*k+kw]
								gw[wBase+kh*k+kw] += g * v
							}
						}
					}
					gradIn.Data[inIdx] = acc
				}
			}
		}
	}
	return gradIn, nil
}

func (c *ConvTranspose2DLayer) Parameters() []*Parameter { return []*Parameter{c.weight, c.bias} }
func (c *ConvTranspose2DLayer) SetTraining(bool)         {}
func (c *ConvTranspose2DLayer) Type() LayerType          { return ConvTranspose2D }
func (c *ConvTranspose2DLayer) Name() string             { return c.name }

// Conv1DLayer is a stride-1 1-D convolution over [N, C, L] inputs.
type Conv1DLayer struct {
	name        string
	inChannels  int
	outChannels int
	kernelSize  int
	padding     int

	weight *Parameter // [out, in, k]
	bias   *Parameter // [out]

	input *tensor.Tensor
}

// NewConv1D creates a Conv1D layer.
func NewConv1D(name string, inChannels, outChannels, kernelSize, padding int, rng *rand.Rand) *Conv1DLayer {
	c := &Conv1DLayer{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		padding:     padding,
		weight:      newParameter(name+".weight", outChannels, inChannels, kernelSize),
		bias:        newParameter(name+".bias", outChannels),
	}
	fanIn := inChannels * kernelSize
	initUniform(rng, c.weight.Value, fanIn)
	initUniform(rng, c.bias.Value, fanIn)
	return c
}

func (c *Conv1DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank(c.name, x, 3); err != nil {
		return nil, err
	}
	n, cin, l := x.Shape[0], x.Shape[1], x.Shape[2]
	if cin != c.inChannels {
		return nil, fmt.Errorf("%s: expected %d input channels, got %d", c.name, c.inChannels, cin)
	}
	k := c.kernelSize
	ol := l + 2*c.padding - k + 1
	if ol <= 0 {
		return nil, fmt.Errorf("%s: input length %d too small for kernel %d", c.name, l, k)
	}

	wd := c.weight.Value.Data
	out := tensor.Zeros(n, c.outChannels, ol)
	for b := 0; b < n; b++ {
		for co := 0; co < c.outChannels; co++ {
			for o := 0; o < ol; o++ {
				sum := c.bias.Value.Data[co]
				for ci := 0; ci < cin; ci++ {
					inBase := (b*cin + ci) * l
					wBase := (co*cin + ci) * k
					for kk := 0; kk < k; kk++ {
						i := o + kk - c.padding
						if i < 0 || i >= l {
							continue
						}
						sum += x.Data[inBase+i] * wd[wBase+kk]
					}
				}
				out.Data[(b*c.outChannels+co)*ol+o] = sum
			}
		}
	}

	c.input = x
	return out, nil
}

func (c *Conv1DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectForward(c.name, c.input); err != nil {
		return nil, err
	}
	x := c.input
	n, cin, l := x.Shape[0], x.Shape[1], x.Shape[2]
	k := c.kernelSize
	ol := l + 2*c.padding - k + 1
	if len(gradOut.Shape) != 3 || gradOut.Shape[0] != n || gradOut.Shape[1] != c.outChannels || gradOut.Shape[2] != ol {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output [%d %d %d]", c.name, gradOut.Shape, n, c.outChannels, ol)
	}

	wd := c.weight.Value.Data
	gw := c.weight.Grad.Data
	gb := c.bias.Grad.Data
	gradIn := tensor.ZerosLike(x)
	for b := 0; b < n; b++ {
		for co := 0; co < c.outChannels; co++ {
			for o := 0; o < ol; o++ {
				g := gradOut.Data[(b*c.outChannels+co)*ol+o]
				gb[co] += g
				for ci := 0; ci < cin; ci++ {
					inBase := (b*cin + ci) * l
					wBase := (co*cin + ci) * k
					for kk := 0; kk < k; kk++ {
						i := o + kk - c.padding
						if i < 0 || i >= l {
							continue
						}
						gw[wBase+kk] += x.Data[inBase+i] * g
						gradIn.Data[inBase+i] += wd[wBase+kk] * g
					}
				}
			}
		}
	}
	return gradIn, nil
}

func (c *Conv1DLayer) Parameters() []*Parameter { return []*Parameter{c.weight, c.bias} }
func (c *Conv1DLayer) SetTraining(bool)         {}
func (c *Conv1DLayer) Type() LayerType          { return Conv1D }
func (c *Conv1DLayer) Name() string             { return c.name }
