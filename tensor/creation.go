package tensor

import (
	"fmt"
	"math/rand/v2"
)

// NewTensor wraps data in a tensor of the given shape. The slice is not copied.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros allocates a zero-filled tensor. It panics on a non-positive
// dimension: shapes passed here come from layer wiring, not from data.
func Zeros(shape ...int) *Tensor {
	if err := validateShape(shape); err != nil {
		panic(err)
	}
	numElems := calculateNumElements(shape)
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     make([]float64, numElems),
		NumElems: numElems,
	}
}

// ZerosLike allocates a zero tensor with the shape of t.
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.Shape...)
}

// Full allocates a tensor with every element set to value.
func Full(value float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	t.Fill(value)
	return t
}

// Ones allocates a tensor filled with 1.
func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

// RandomNormal draws every element from N(mean, std²) using rng.
func RandomNormal(rng *rand.Rand, mean, std float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()*std + mean
	}
	return t
}

// RandomUniform draws every element from U(low, high) using rng.
func RandomUniform(rng *rand.Rand, low, high float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = low + rng.Float64()*(high-low)
	}
	return t
}
