package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a view over the same data with a new shape.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
	}
	return &Tensor{
		Shape:    append([]int(nil), newShape...),
		Strides:  calculateStrides(newShape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// CopyFrom overwrites t's data with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !shapesEqual(t.Shape, src.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float64) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Zero resets every element to 0.
func (t *Tensor) Zero() {
	t.Fill(0)
}

// Size returns a copy of the shape.
func (t *Tensor) Size() []int {
	return append([]int(nil), t.Shape...)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d of size %d", idx, i, t.Shape[i])
		}
		off += idx * t.Strides[i]
	}
	return off, nil
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) (float64, error) {
	off, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[off], nil
}

// SetAt stores value at the given indices.
func (t *Tensor) SetAt(value float64, indices ...int) error {
	off, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[off] = value
	return nil
}

// Equal reports whether both tensors have the same shape and identical data.
func (t *Tensor) Equal(other *Tensor) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// AllFinite reports whether no element is NaN or ±Inf.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// PrintData renders at most maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor%v[", t.Shape))
	for i, v := range t.Data {
		if i >= maxElements {
			sb.WriteString(fmt.Sprintf(" ... (%d more)", len(t.Data)-maxElements))
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", v))
	}
	sb.WriteString("]")
	return sb.String()
}
