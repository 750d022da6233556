package features

import (
	"math/rand"
	"sync"

	"github.com/auscultate/heartsound/config"
)

// Augmenter applies stochastic spectrogram augmentations for training.
// Every technique preserves the declared tensor shape. The generator is
// injected, never ambient, so runs stay reproducible under a fixed seed.
// Safe for concurrent use.
type Augmenter struct {
	cfg config.AugmentConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAugmenter creates an augmenter driven by the given generator
func NewAugmenter(cfg config.AugmentConfig, rng *rand.Rand) *Augmenter {
	return &Augmenter{cfg: cfg, rng: rng}
}

// Apply mutates the tensor in place with each enabled technique,
// independently gated by its probability
func (a *Augmenter) Apply(t *FeatureTensor) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fill := t.mean()

	if a.roll(a.cfg.FreqMask) {
		a.maskFreq(t, fill)
	}
	if a.roll(a.cfg.TimeMask) {
		a.maskTime(t, fill)
	}
	if a.cfg.Noise.Enabled && a.rng.Float64() < a.cfg.Noise.Probability {
		a.addNoise(t)
	}
}

func (a *Augmenter) roll(m config.MaskConfig) bool {
	return m.Enabled && a.rng.Float64() < m.Probability
}

// maskFreq zeroes a contiguous band of mel bins to the fill value
func (a *Augmenter) maskFreq(t *FeatureTensor, fill float64) {
	width := 1 + a.rng.Intn(min(a.cfg.FreqMask.MaxWidth, t.Bins))
	start := a.rng.Intn(t.Bins - width + 1)

	for bin := start; bin < start+width; bin++ {
		for frame := range t.Data[bin] {
			t.Data[bin][frame] = fill
		}
	}
}

// maskTime zeroes a contiguous span of frames to the fill value
func (a *Augmenter) maskTime(t *FeatureTensor, fill float64) {
	width := 1 + a.rng.Intn(min(a.cfg.TimeMask.MaxWidth, t.Frames))
	start := a.rng.Intn(t.Frames - width + 1)

	for bin := range t.Data {
		for frame := start; frame < start+width; frame++ {
			t.Data[bin][frame] = fill
		}
	}
}

// addNoise perturbs every cell with Gaussian noise
func (a *Augmenter) addNoise(t *FeatureTensor) {
	std := a.cfg.Noise.StdDev
	for bin := range t.Data {
		for frame := range t.Data[bin] {
			t.Data[bin][frame] += a.rng.NormFloat64() * std
		}
	}
}
