package training

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/tsawler/lafm-net/tensor"
)

// Dataset interface defines methods that all datasets must implement.
// Get must not mutate shared state: the loader calls it from several
// goroutines at once, handing each call its own random source.
type Dataset interface {
	Len() int
	Get(idx int, rng *rand.Rand) (data *tensor.Tensor, label int, err error)
}

// LoaderConfig controls batching.
type LoaderConfig struct {
	BatchSize  int
	Shuffle    bool
	DropLast   bool
	NumWorkers int
}

// Batch represents a batch of data and labels
type Batch struct {
	Data    *tensor.Tensor // [N, ...sample shape]
	Labels  []int
	Indices []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

type batchJob struct {
	number  int
	indices []int
	seed    uint64
}

// DataLoader provides batching, shuffling, and parallel batch materialization.
// Shuffling and per-batch seeds are drawn on the goroutine that calls Reset
// or Iterator, so a run is reproducible regardless of worker scheduling.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	dropLast   bool
	numWorkers int
	rng        *rand.Rand

	indices  []int
	jobs     []batchJob
	position int

	mutex sync.Mutex
	err   error
}

// NewDataLoader creates a new DataLoader. rng drives shuffling and the
// per-batch seeds handed to Dataset.Get.
func NewDataLoader(dataset Dataset, config LoaderConfig, rng *rand.Rand) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:    dataset,
		batchSize:  config.BatchSize,
		shuffle:    config.Shuffle,
		dropLast:   config.DropLast,
		numWorkers: config.NumWorkers,
		rng:        rng,
		indices:    indices,
	}
	dl.Reset()
	return dl, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.dropLast {
		return n / dl.batchSize
	}
	return (n + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns how many samples one epoch yields.
func (dl *DataLoader) NumSamples() int {
	if dl.dropLast {
		return dl.Len() * dl.batchSize
	}
	return dl.dataset.Len()
}

// Reset starts a new epoch: reshuffles the indices when shuffling is on and
// draws a fresh seed for every batch.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	dl.err = nil

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}

	numBatches := dl.Len()
	dl.jobs = make([]batchJob, 0, numBatches)
	for b := 0; b < numBatches; b++ {
		start := b * dl.batchSize
		end := min(start+dl.batchSize, len(dl.indices))
		dl.jobs = append(dl.jobs, batchJob{
			number:  b,
			indices: append([]int(nil), dl.indices[start:end]...),
			seed:    dl.rng.Uint64(),
		})
	}
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.jobs)
}

// Next returns the next batch or nil if the epoch is complete. It loads on
// the calling goroutine.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	if dl.position >= len(dl.jobs) {
		dl.mutex.Unlock()
		return nil, nil
	}
	job := dl.jobs[dl.position]
	dl.position++
	dl.mutex.Unlock()

	return dl.loadBatch(job)
}

// Err returns the error that ended the most recent Iterator, if any.
func (dl *DataLoader) Err() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.err
}

func (dl *DataLoader) setErr(err error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	if dl.err == nil {
		dl.err = err
	}
}

type batchResult struct {
	batch *Batch
	err   error
}

// Iterator resets the loader and returns a channel yielding the epoch's
// batches in order. Up to NumWorkers batches are materialized ahead of the
// consumer. The channel closes at the end of the epoch, on the first load
// error or when ctx is cancelled; check Err afterwards. A consumer that
// stops reading early must cancel ctx.
func (dl *DataLoader) Iterator(ctx context.Context) <-chan *Batch {
	dl.Reset()

	dl.mutex.Lock()
	jobs := dl.jobs
	dl.position = len(jobs)
	dl.mutex.Unlock()

	out := make(chan *Batch, dl.numWorkers)
	pending := make(chan chan batchResult, dl.numWorkers)
	stop := make(chan struct{})

	go func() {
		defer close(pending)
		for _, job := range jobs {
			res := make(chan batchResult, 1)
			select {
			case pending <- res:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
			go func(job batchJob) {
				b, err := dl.loadBatch(job)
				res <- batchResult{batch: b, err: err}
			}(job)
		}
	}()

	go func() {
		defer close(out)
		defer close(stop)
		delivered := 0
		defer func() {
			if delivered < len(jobs) && ctx.Err() != nil {
				dl.setErr(ctx.Err())
			}
		}()
		for res := range pending {
			var r batchResult
			select {
			case r = <-res:
			case <-ctx.Done():
				dl.setErr(ctx.Err())
				return
			}
			if r.err != nil {
				dl.setErr(r.err)
				return
			}
			select {
			case out <- r.batch:
				delivered++
			case <-ctx.Done():
				dl.setErr(ctx.Err())
				return
			}
		}
	}()

	return out
}

// loadBatch loads a batch of samples and combines them into batched tensors
func (dl *DataLoader) loadBatch(job batchJob) (*Batch, error) {
	if len(job.indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	rng := rand.New(rand.NewPCG(job.seed, uint64(job.number)))
	samples := make([]*tensor.Tensor, len(job.indices))
	labels := make([]int, len(job.indices))
	for i, idx := range job.indices {
		data, label, err := dl.dataset.Get(idx, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		samples[i] = data
		labels[i] = label
	}

	data, err := tensor.Stack(samples)
	if err != nil {
		return nil, fmt.Errorf("failed to stack batch %d: %w", job.number, err)
	}
	return &Batch{Data: data, Labels: labels, Indices: job.indices}, nil
}

// SimpleDataset provides a basic implementation of Dataset for testing and
// for tables that are already materialized.
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []int
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(data []*tensor.Tensor, labels []int) (*SimpleDataset, error) {
	if len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}
	return &SimpleDataset{data: data, labels: labels}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

// Get returns a sample at the given index. The random source is unused.
func (ds *SimpleDataset) Get(idx int, _ *rand.Rand) (*tensor.Tensor, int, error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}
	return ds.data[idx], ds.labels[idx], nil
}
