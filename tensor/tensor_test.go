package tensor

import (
	"math"
	"math/rand/v2"
	"reflect"
	"testing"
)

func TestNewTensor(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		tt, err := NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
		if err != nil {
			t.Fatalf("Failed to create tensor: %v", err)
		}
		if !reflect.DeepEqual(tt.Strides, []int{3, 1}) {
			t.Errorf("Expected strides [3 1], got %v", tt.Strides)
		}
		if tt.NumElems != 6 {
			t.Errorf("Expected 6 elements, got %d", tt.NumElems)
		}
		v, err := tt.At(1, 2)
		if err != nil || v != 6 {
			t.Errorf("Expected At(1,2)=6, got %v (err %v)", v, err)
		}
	})

	t.Run("Data length mismatch", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 2}, []float64{1, 2, 3}); err == nil {
			t.Error("expected error for short data")
		}
	})

	t.Run("Invalid shape", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 0}, nil); err == nil {
			t.Error("expected error for zero dimension")
		}
		if _, err := NewTensor(nil, nil); err == nil {
			t.Error("expected error for empty shape")
		}
	})
}

func TestReshapeSharesData(t *testing.T) {
	tt := Ones(2, 6)
	view, err := tt.Reshape([]int{3, 4})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	view.Data[5] = 42
	if tt.Data[5] != 42 {
		t.Error("reshape should be a view over the same storage")
	}
	if _, err := tt.Reshape([]int{5, 2}); err == nil {
		t.Error("expected error for incompatible reshape")
	}

	c := tt.Clone()
	c.Data[0] = -1
	if tt.Data[0] == -1 {
		t.Error("clone should not share storage")
	}
}

func TestElementwise(t *testing.T) {
	a, _ := NewTensor([]int{3}, []float64{1, 2, 3})
	b, _ := NewTensor([]int{3}, []float64{4, 5, 6})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	diff, _ := Sub(b, a)
	prod, _ := Mul(a, b)

	tests := []struct {
		name     string
		got      *Tensor
		expected []float64
	}{
		{"add", sum, []float64{5, 7, 9}},
		{"sub", diff, []float64{3, 3, 3}},
		{"mul", prod, []float64{4, 10, 18}},
		{"scale", Scale(a, 2), []float64{2, 4, 6}},
		{"clamp", Clamp(b, 4.5, 5.5), []float64{4.5, 5, 5.5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if !reflect.DeepEqual(tc.got.Data, tc.expected) {
				t.Errorf("Expected %v, got %v", tc.expected, tc.got.Data)
			}
		})
	}

	if Sum(a) != 6 || Mean(a) != 2 {
		t.Errorf("Expected sum 6 and mean 2, got %v and %v", Sum(a), Mean(a))
	}

	c := Zeros(4)
	if _, err := Add(a, c); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestChannelConcatRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	a := RandomNormal(rng, 0, 1, 2, 1, 2, 2)
	b := RandomNormal(rng, 0, 1, 2, 3, 2, 2)

	joined, err := ConcatChannels(a, b)
	if err != nil {
		t.Fatalf("ConcatChannels failed: %v", err)
	}
	if !reflect.DeepEqual(joined.Shape, []int{2, 4, 2, 2}) {
		t.Fatalf("Expected shape [2 4 2 2], got %v", joined.Shape)
	}

	// sample 1, channel 0 comes from a
	v, _ := joined.At(1, 0, 1, 1)
	w, _ := a.At(1, 0, 1, 1)
	if v != w {
		t.Errorf("Expected %f, got %f", w, v)
	}

	a2, b2, err := SplitChannels(joined, 1)
	if err != nil {
		t.Fatalf("SplitChannels failed: %v", err)
	}
	if !a2.Equal(a) || !b2.Equal(b) {
		t.Error("split did not recover the original tensors")
	}

	if _, _, err := SplitChannels(joined, 4); err == nil {
		t.Error("expected error when splitting at the last channel")
	}
}

func TestStack(t *testing.T) {
	s1, _ := NewTensor([]int{2}, []float64{1, 2})
	s2, _ := NewTensor([]int{2}, []float64{3, 4})
	out, err := Stack([]*Tensor{s1, s2})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !reflect.DeepEqual(out.Shape, []int{2, 2}) || !reflect.DeepEqual(out.Data, []float64{1, 2, 3, 4}) {
		t.Errorf("unexpected stack result %v %v", out.Shape, out.Data)
	}
	if _, err := Stack([]*Tensor{s1, Zeros(3)}); err == nil {
		t.Error("expected error for mismatched samples")
	}
}

func TestAllFinite(t *testing.T) {
	tt := Zeros(3)
	if !tt.AllFinite() {
		t.Error("zeros should be finite")
	}
	tt.Data[1] = math.NaN()
	if tt.AllFinite() {
		t.Error("NaN should not be finite")
	}
	tt.Data[1] = math.Inf(-1)
	if tt.AllFinite() {
		t.Error("Inf should not be finite")
	}
}

func TestRandomUniformRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	tt := RandomUniform(rng, -0.5, 0.5, 1000)
	for i, v := range tt.Data {
		if v < -0.5 || v >= 0.5 {
			t.Fatalf("element %d = %f outside [-0.5, 0.5)", i, v)
		}
	}
}
