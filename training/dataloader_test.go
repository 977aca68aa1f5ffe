package training

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/tsawler/lafm-net/tensor"
)

func newCountingDataset(n int) *SimpleDataset {
	data := make([]*tensor.Tensor, n)
	labels := make([]int, n)
	for i := range data {
		data[i] = tensor.Full(float64(i), 1, 2, 2)
		labels[i] = i % 3
	}
	ds, _ := NewSimpleDataset(data, labels)
	return ds
}

// noisyDataset adds a draw from the per-batch source to every sample.
type noisyDataset struct{ n int }

func (d noisyDataset) Len() int { return d.n }
func (d noisyDataset) Get(idx int, rng *rand.Rand) (*tensor.Tensor, int, error) {
	return tensor.Full(float64(idx)+rng.Float64(), 1), 0, nil
}

type failingDataset struct{ n, bad int }

func (d failingDataset) Len() int { return d.n }
func (d failingDataset) Get(idx int, _ *rand.Rand) (*tensor.Tensor, int, error) {
	if idx == d.bad {
		return nil, 0, errors.New("corrupt sample")
	}
	return tensor.Zeros(1), 0, nil
}

func TestSimpleDataset(t *testing.T) {
	if _, err := NewSimpleDataset([]*tensor.Tensor{tensor.Zeros(1)}, []int{0, 1}); err == nil {
		t.Error("Expected error for mismatched data and labels length")
	}
	ds := newCountingDataset(2)
	if _, _, err := ds.Get(2, nil); err == nil {
		t.Error("Expected error for out of bounds index")
	}
}

func TestDataLoaderRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		n, bs       int
		dropLast    bool
		wantBatches int
		wantSamples int
	}{
		{"Exact", 12, 4, false, 3, 12},
		{"Partial tail kept", 10, 4, false, 3, 10},
		{"Partial tail dropped", 10, 4, true, 2, 8},
		{"Batch larger than data", 3, 8, false, 1, 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ds := newCountingDataset(tc.n)
			dl, err := NewDataLoader(ds, LoaderConfig{BatchSize: tc.bs, Shuffle: true, DropLast: tc.dropLast, NumWorkers: 3}, rand.New(rand.NewPCG(1, 2)))
			if err != nil {
				t.Fatalf("Failed to create loader: %v", err)
			}
			if dl.Len() != tc.wantBatches {
				t.Errorf("Expected %d batches, got %d", tc.wantBatches, dl.Len())
			}

			seen := make(map[int]bool)
			batches := 0
			for batch := range dl.Iterator(context.Background()) {
				batches++
				if batch.Data.Shape[0] != batch.Size() {
					t.Errorf("batch data has %d rows for %d labels", batch.Data.Shape[0], batch.Size())
				}
				for i, idx := range batch.Indices {
					if seen[idx] {
						t.Errorf("sample %d seen twice", idx)
					}
					seen[idx] = true
					if batch.Labels[i] != idx%3 {
						t.Errorf("sample %d: label %d, expected %d", idx, batch.Labels[i], idx%3)
					}
					if v := batch.Data.Data[i*4]; v != float64(idx) {
						t.Errorf("sample %d: data %f out of place", idx, v)
					}
				}
			}
			if err := dl.Err(); err != nil {
				t.Fatalf("iterator error: %v", err)
			}
			if batches != tc.wantBatches || len(seen) != tc.wantSamples || dl.NumSamples() != tc.wantSamples {
				t.Errorf("Expected %d batches / %d samples, got %d / %d", tc.wantBatches, tc.wantSamples, batches, len(seen))
			}
		})
	}
}

func TestDataLoaderDeterministic(t *testing.T) {
	collect := func(workers int) []float64 {
		dl, err := NewDataLoader(noisyDataset{n: 20}, LoaderConfig{BatchSize: 3, Shuffle: true, NumWorkers: workers}, rand.New(rand.NewPCG(11, 12)))
		if err != nil {
			t.Fatalf("Failed to create loader: %v", err)
		}
		var out []float64
		for epoch := 0; epoch < 2; epoch++ {
			for batch := range dl.Iterator(context.Background()) {
				out = append(out, batch.Data.Data...)
			}
		}
		return out
	}

	a := collect(1)
	b := collect(4)
	if len(a) != 40 || len(a) != len(b) {
		t.Fatalf("unexpected lengths %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("value %d differs between worker counts: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestDataLoaderSequentialNext(t *testing.T) {
	dl, _ := NewDataLoader(newCountingDataset(5), LoaderConfig{BatchSize: 2}, rand.New(rand.NewPCG(0, 0)))
	total := 0
	for dl.HasNext() {
		batch, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		total += batch.Size()
	}
	if total != 5 {
		t.Errorf("Expected 5 samples, got %d", total)
	}
	if batch, _ := dl.Next(); batch != nil {
		t.Error("Expected nil batch at end of epoch")
	}
	dl.Reset()
	if !dl.HasNext() {
		t.Error("Reset should start a new epoch")
	}
}

func TestDataLoaderErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(0, 0))
	if _, err := NewDataLoader(newCountingDataset(3), LoaderConfig{BatchSize: 0}, rng); err == nil {
		t.Error("expected error for zero batch size")
	}

	dl, _ := NewDataLoader(failingDataset{n: 10, bad: 7}, LoaderConfig{BatchSize: 2, NumWorkers: 2}, rng)
	for range dl.Iterator(context.Background()) {
	}
	if err := dl.Err(); err == nil {
		t.Error("expected the sample error to surface")
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl, _ = NewDataLoader(newCountingDataset(100), LoaderConfig{BatchSize: 1, NumWorkers: 2}, rng)
	it := dl.Iterator(ctx)
	<-it
	cancel()
	for range it {
	}
	if !errors.Is(dl.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", dl.Err())
	}
}
