package dataset

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/auscultate/heartsound/audio"
	"github.com/auscultate/heartsound/config"
	"github.com/auscultate/heartsound/features"
	"github.com/auscultate/heartsound/logging"
)

// Preprocessor populates the feature cache for a whole index, derives
// the train/val/test split, and fits normalization statistics.
type Preprocessor struct {
	loader      *audio.Loader
	extractor   *features.Extractor
	cache       *features.Cache
	featureHash string
	logger      logging.Logger
}

// PreprocessResult summarizes a preprocessing run
type PreprocessResult struct {
	Split  *Split
	Stats  *features.Stats
	Cached int // tensors computed or verified in the cache
	Failed int // samples excluded for decode failures
}

// NewPreprocessor builds a preprocessor. featureHash identifies the
// audio and feature configuration the cache and stats belong to.
func NewPreprocessor(loader *audio.Loader, extractor *features.Extractor, cache *features.Cache, featureHash string, logger logging.Logger) *Preprocessor {
	if logger == nil {
		logger = logging.WithFields(logging.Fields{
			"component": "preprocessor",
		})
	}
	return &Preprocessor{
		loader:      loader,
		extractor:   extractor,
		cache:       cache,
		featureHash: featureHash,
		logger:      logger,
	}
}

// Run extracts features for every sample in the index, excluding
// samples whose audio fails to decode, then splits the survivors and
// fits normalization statistics on the train partition only. Val and
// test samples never influence the statistics.
func (p *Preprocessor) Run(ctx context.Context, idx *Index, splitCfg config.SplitConfig, workers int) (*PreprocessResult, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	failed, err := p.populateCache(ctx, idx, workers)
	if err != nil {
		return nil, err
	}
	for _, id := range failed {
		idx.Remove(id)
	}
	if idx.Len() == 0 {
		return nil, fmt.Errorf("no samples survived preprocessing (%d decode failures)", len(failed))
	}

	split, err := NewSplit(idx, splitCfg)
	if err != nil {
		return nil, err
	}

	stats, err := p.fitStats(split.Train)
	if err != nil {
		return nil, err
	}

	p.logger.Info("preprocessing complete", logging.Fields{
		"cached": idx.Len(),
		"failed": len(failed),
		"train":  len(split.Train),
		"val":    len(split.Val),
		"test":   len(split.Test),
	})

	return &PreprocessResult{
		Split:  split,
		Stats:  stats,
		Cached: idx.Len(),
		Failed: len(failed),
	}, nil
}

// populateCache extracts and stores the tensor for every sample,
// returning the IDs of samples whose audio could not be decoded.
// Decode failures are local, anything else aborts the run.
func (p *Preprocessor) populateCache(ctx context.Context, idx *Index, workers int) ([]string, error) {
	pipeline := NewPipeline(p.loader, p.extractor, PipelineConfig{Cache: p.cache})

	jobs := make(chan Sample, workers)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var failed []string
	var fatal error

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				_, err := pipeline.Extract(s)
				if err == nil {
					continue
				}

				var decodeErr *audio.DecodeError
				if errors.As(err, &decodeErr) {
					p.logger.Warn("sample excluded, audio failed to decode", logging.Fields{
						"sample_id": s.ID,
						"path":      s.Path,
						"error":     decodeErr.Err.Error(),
					})
					mu.Lock()
					failed = append(failed, s.ID)
					mu.Unlock()
					continue
				}

				mu.Lock()
				if fatal == nil {
					fatal = err
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, s := range idx.Samples() {
		select {
		case jobs <- s:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fatal != nil {
		return nil, fmt.Errorf("preprocessing aborted: %w", fatal)
	}
	return failed, nil
}

// fitStats folds the cached train tensors into frozen normalization
// statistics
func (p *Preprocessor) fitStats(trainIDs []string) (*features.Stats, error) {
	bins, _ := p.extractor.Shape()
	builder := features.NewStatsBuilder(bins)

	for _, id := range trainIDs {
		t, err := p.cache.Get(id)
		if err != nil {
			return nil, fmt.Errorf("failed to read cached features for sample %s: %w", id, err)
		}
		if err := builder.Add(t); err != nil {
			return nil, err
		}
	}

	return builder.Finalize(p.featureHash)
}
