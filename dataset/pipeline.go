package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/auscultate/heartsound/audio"
	"github.com/auscultate/heartsound/features"
)

// PipelineConfig selects the optional stages of a Pipeline. All fields
// may be zero: a bare pipeline just decodes and extracts.
type PipelineConfig struct {
	Cache      *features.Cache     // reuse precomputed tensors
	Stats      *features.Stats     // z-score normalization, applied last
	Augmenter  *features.Augmenter // training-time augmentation
	RandomCrop bool                // crop long recordings at a random offset
	CropSeed   int64
}

// Pipeline turns one sample into the tensor a model consumes:
// decode, extract, augment, normalize. Safe for concurrent use, so it
// plugs directly into a BatchSource as its ExtractFunc.
//
// Random cropping changes the waveform per call, so a cropping
// pipeline bypasses the cache entirely. Cached tensors always come
// from the deterministic head crop.
type Pipeline struct {
	loader    *audio.Loader
	extractor *features.Extractor
	cache     *features.Cache
	stats     *features.Stats
	augmenter *features.Augmenter

	cropMu  sync.Mutex
	cropRNG *rand.Rand
}

// NewPipeline builds a pipeline over the given loader and extractor
func NewPipeline(loader *audio.Loader, extractor *features.Extractor, cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		loader:    loader,
		extractor: extractor,
		cache:     cfg.Cache,
		stats:     cfg.Stats,
		augmenter: cfg.Augmenter,
	}
	if cfg.RandomCrop {
		p.cropRNG = rand.New(rand.NewSource(cfg.CropSeed))
	}
	return p
}

// Extract implements ExtractFunc
func (p *Pipeline) Extract(s Sample) (*features.FeatureTensor, error) {
	t, err := p.tensor(s)
	if err != nil {
		return nil, err
	}

	if p.augmenter != nil {
		p.augmenter.Apply(t)
	}
	if p.stats != nil {
		if err := p.stats.Apply(t); err != nil {
			return nil, fmt.Errorf("normalization failed for sample %s: %w", s.ID, err)
		}
	}
	return t, nil
}

// tensor returns the raw (un-normalized) feature tensor for a sample,
// from the cache when possible
func (p *Pipeline) tensor(s Sample) (*features.FeatureTensor, error) {
	if p.cropRNG != nil {
		p.cropMu.Lock()
		rec, err := p.loader.LoadCropped(s.Path, p.cropRNG)
		p.cropMu.Unlock()
		if err != nil {
			return nil, err
		}
		return p.extractor.Extract(rec)
	}

	if p.cache != nil {
		t, err := p.cache.Get(s.ID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, features.ErrCacheMiss) {
			return nil, err
		}
	}

	rec, err := p.loader.Load(s.Path)
	if err != nil {
		return nil, err
	}
	t, err := p.extractor.Extract(rec)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.Put(s.ID, t); err != nil {
			return nil, fmt.Errorf("failed to cache features for sample %s: %w", s.ID, err)
		}
	}
	return t, nil
}
