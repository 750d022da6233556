package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"github.com/auscultate/heartsound/features"
	"github.com/auscultate/heartsound/logging"
)

// ExtractFunc produces the feature tensor for one sample. It is called
// from multiple goroutines and must be safe for concurrent use.
type ExtractFunc func(sample Sample) (*features.FeatureTensor, error)

// Batch is one mini-batch of features and label vectors. The slices
// share indices: Inputs[i] and Labels[i] belong to IDs[i].
type Batch struct {
	IDs    []string
	Inputs []*features.FeatureTensor
	Labels [][]float64
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.IDs)
}

// BatchResult carries either a batch or a terminal error
type BatchResult struct {
	Batch *Batch
	Err   error
}

// BatchSourceConfig configures a BatchSource
type BatchSourceConfig struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	Prefetch  int // buffered batches, 0 = unbuffered
	Workers   int // per-sample extraction goroutines, 0 = NumCPU
}

// BatchSource streams mini-batches over a fixed set of samples.
// A shuffling source reorders every epoch using an internal generator
// that advances across epochs, so consecutive epochs see different
// orders while the whole sequence stays reproducible from the seed.
// A non-shuffling source yields the same order on every pass.
type BatchSource struct {
	samples   []Sample
	extract   ExtractFunc
	batchSize int
	shuffle   bool
	prefetch  int
	workers   int
	logger    logging.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBatchSource resolves the given IDs against the index and builds a
// source over them. Unknown IDs are an error.
func NewBatchSource(idx *Index, ids []string, extract ExtractFunc, cfg BatchSourceConfig, logger logging.Logger) (*BatchSource, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", cfg.BatchSize)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("batch source needs at least one sample")
	}
	if logger == nil {
		logger = logging.WithFields(logging.Fields{
			"component": "batch_source",
		})
	}

	samples := make([]Sample, len(ids))
	for i, id := range ids {
		s, ok := idx.Get(id)
		if !ok {
			return nil, fmt.Errorf("sample %q not present in index", id)
		}
		samples[i] = s
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > cfg.BatchSize {
		workers = cfg.BatchSize
	}

	return &BatchSource{
		samples:   samples,
		extract:   extract,
		batchSize: cfg.BatchSize,
		shuffle:   cfg.Shuffle,
		prefetch:  cfg.Prefetch,
		workers:   workers,
		logger:    logger,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Len returns the number of samples the source covers
func (bs *BatchSource) Len() int {
	return len(bs.samples)
}

// Skip advances the shuffle generator as if k epochs had already been
// drawn. A resumed run calls this so its epoch orderings line up with
// the uninterrupted run it continues. No-op for non-shuffling sources.
func (bs *BatchSource) Skip(k int) {
	if !bs.shuffle || k < 1 {
		return
	}
	order := make([]int, len(bs.samples))
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for e := 0; e < k; e++ {
		bs.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
}

// Batches returns the number of batches per epoch, counting the final
// short batch
func (bs *BatchSource) Batches() int {
	return (len(bs.samples) + bs.batchSize - 1) / bs.batchSize
}

// Epoch returns a channel yielding one pass over the samples. Feature
// extraction runs ahead of the consumer up to the prefetch depth.
// Samples whose extraction fails are logged and dropped from their
// batch. The channel closes after the final batch or when ctx is
// canceled.
func (bs *BatchSource) Epoch(ctx context.Context) <-chan BatchResult {
	// Order is drawn before the goroutine starts so generator state
	// advances deterministically regardless of consumer timing.
	order := make([]int, len(bs.samples))
	for i := range order {
		order[i] = i
	}
	if bs.shuffle {
		bs.mu.Lock()
		bs.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
		bs.mu.Unlock()
	}

	out := make(chan BatchResult, bs.prefetch)

	go func() {
		defer close(out)

		for start := 0; start < len(order); start += bs.batchSize {
			end := start + bs.batchSize
			if end > len(order) {
				end = len(order)
			}

			batch := bs.assemble(order[start:end])
			if batch.Size() == 0 {
				// Losing every sample of a batch means something
				// systemic, not one bad file.
				select {
				case out <- BatchResult{Err: fmt.Errorf("extraction failed for all %d samples of a batch", end-start)}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case out <- BatchResult{Batch: batch}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// assemble extracts the features for one batch worth of samples in
// parallel, preserving order
func (bs *BatchSource) assemble(indices []int) *Batch {
	inputs := make([]*features.FeatureTensor, len(indices))

	var wg sync.WaitGroup
	sem := make(chan struct{}, bs.workers)

	for i, j := range indices {
		wg.Add(1)
		sem <- struct{}{}
		go func(i, j int) {
			defer wg.Done()
			defer func() { <-sem }()

			t, err := bs.extract(bs.samples[j])
			if err != nil {
				bs.logger.Warn("feature extraction failed, sample dropped from batch", logging.Fields{
					"sample_id": bs.samples[j].ID,
					"error":     err.Error(),
				})
				return
			}
			inputs[i] = t
		}(i, j)
	}
	wg.Wait()

	batch := &Batch{}
	for i, j := range indices {
		if inputs[i] == nil {
			continue
		}
		batch.IDs = append(batch.IDs, bs.samples[j].ID)
		batch.Inputs = append(batch.Inputs, inputs[i])
		batch.Labels = append(batch.Labels, bs.samples[j].Labels)
	}
	return batch
}
