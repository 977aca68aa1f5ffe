package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("incompatible shapes: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

// Add returns t1 + t2 elementwise.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	out := ZerosLike(t1)
	for i := range out.Data {
		out.Data[i] = t1.Data[i] + t2.Data[i]
	}
	return out, nil
}

// Sub returns t1 - t2 elementwise.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	out := ZerosLike(t1)
	for i := range out.Data {
		out.Data[i] = t1.Data[i] - t2.Data[i]
	}
	return out, nil
}

// Mul returns t1 * t2 elementwise.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	out := ZerosLike(t1)
	for i := range out.Data {
		out.Data[i] = t1.Data[i] * t2.Data[i]
	}
	return out, nil
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) error {
	if err := checkCompatibility(dst, src); err != nil {
		return err
	}
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
	return nil
}

// Scale returns t * s.
func Scale(t *Tensor, s float64) *Tensor {
	out := ZerosLike(t)
	for i, v := range t.Data {
		out.Data[i] = v * s
	}
	return out
}

// Clamp returns t with every element limited to [low, high].
func Clamp(t *Tensor, low, high float64) *Tensor {
	out := ZerosLike(t)
	for i, v := range t.Data {
		out.Data[i] = math.Min(math.Max(v, low), high)
	}
	return out
}

// Sum returns the sum of all elements.
func Sum(t *Tensor) float64 {
	s := 0.0
	for _, v := range t.Data {
		s += v
	}
	return s
}

// Mean returns the mean of all elements.
func Mean(t *Tensor) float64 {
	if t.NumElems == 0 {
		return 0
	}
	return Sum(t) / float64(t.NumElems)
}

// ConcatChannels joins [N, Ca, ...] and [N, Cb, ...] along dimension 1.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 || len(a.Shape) != len(b.Shape) || a.Shape[0] != b.Shape[0] {
		return nil, fmt.Errorf("cannot concatenate %v and %v along channels", a.Shape, b.Shape)
	}
	for i := 2; i < len(a.Shape); i++ {
		if a.Shape[i] != b.Shape[i] {
			return nil, fmt.Errorf("cannot concatenate %v and %v along channels", a.Shape, b.Shape)
		}
	}

	n := a.Shape[0]
	aStride := a.NumElems / n
	bStride := b.NumElems / n
	shape := append([]int(nil), a.Shape...)
	shape[1] = a.Shape[1] + b.Shape[1]

	out := Zeros(shape...)
	for i := 0; i < n; i++ {
		dst := out.Data[i*(aStride+bStride):]
		copy(dst[:aStride], a.Data[i*aStride:(i+1)*aStride])
		copy(dst[aStride:aStride+bStride], b.Data[i*bStride:(i+1)*bStride])
	}
	return out, nil
}

// SplitChannels is the inverse of ConcatChannels: the first `first` channels
// go to a, the rest to b.
func SplitChannels(t *Tensor, first int) (*Tensor, *Tensor, error) {
	if len(t.Shape) < 2 || first <= 0 || first >= t.Shape[1] {
		return nil, nil, fmt.Errorf("cannot split %v at channel %d", t.Shape, first)
	}

	n := t.Shape[0]
	plane := t.NumElems / (n * t.Shape[1])
	aShape := append([]int(nil), t.Shape...)
	aShape[1] = first
	bShape := append([]int(nil), t.Shape...)
	bShape[1] = t.Shape[1] - first

	a := Zeros(aShape...)
	b := Zeros(bShape...)
	aStride := first * plane
	bStride := (t.Shape[1] - first) * plane
	for i := 0; i < n; i++ {
		src := t.Data[i*(aStride+bStride):]
		copy(a.Data[i*aStride:(i+1)*aStride], src[:aStride])
		copy(b.Data[i*bStride:(i+1)*bStride], src[aStride:aStride+bStride])
	}
	return a, b, nil
}

// Stack joins same-shaped samples into a new leading batch dimension.
func Stack(samples []*Tensor) (*Tensor, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	first := samples[0]
	out := Zeros(append([]int{len(samples)}, first.Shape...)...)
	for i, s := range samples {
		if !shapesEqual(s.Shape, first.Shape) {
			return nil, fmt.Errorf("sample %d has shape %v, expected %v", i, s.Shape, first.Shape)
		}
		copy(out.Data[i*first.NumElems:(i+1)*first.NumElems], s.Data)
	}
	return out, nil
}
