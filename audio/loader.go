package audio

import (
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/auscultate/heartsound/config"
	"github.com/auscultate/heartsound/logging"
)

// DecodeError reports an unreadable or corrupt audio file. The sample is
// skipped and logged by the caller; it never aborts a full run.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: failed to decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Recording is a fixed-length mono waveform. Immutable once loaded.
type Recording struct {
	Path        string
	Samples     []float64
	SampleRate  int
	ValidLength int // samples carrying signal before zero padding
}

// Duration returns the recording length in seconds
func (r *Recording) Duration() float64 {
	return float64(len(r.Samples)) / float64(r.SampleRate)
}

// Loader reads raw audio files and conditions them to a fixed length:
// decode, downmix to mono, resample, pad or truncate, peak-normalize.
type Loader struct {
	cfg    config.AudioConfig
	logger logging.Logger
}

// NewLoader creates a loader for the given audio configuration
func NewLoader(cfg config.AudioConfig, logger logging.Logger) *Loader {
	if logger == nil {
		logger = logging.WithFields(logging.Fields{
			"component": "audio_loader",
		})
	}
	return &Loader{cfg: cfg, logger: logger}
}

// Load reads and conditions a recording. Longer inputs keep their first
// Duration seconds; this is deterministic so evaluation runs are
// reproducible.
func (l *Loader) Load(path string) (*Recording, error) {
	return l.load(path, nil)
}

// LoadCropped reads and conditions a recording, cropping longer inputs
// at a random offset drawn from rng. Training-only augmentation.
func (l *Loader) LoadCropped(path string, rng *rand.Rand) (*Recording, error) {
	return l.load(path, rng)
}

func (l *Loader) load(path string, cropRNG *rand.Rand) (*Recording, error) {
	// Whole-file read keeps decode fail-fast: no partially consumed
	// readers to hang on
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	wav, err := decodeWAV(data)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	samples := wav.samples
	if wav.sampleRate != l.cfg.SampleRate {
		l.logger.Debug("resampling", logging.Fields{
			"path": path,
			"from": wav.sampleRate,
			"to":   l.cfg.SampleRate,
		})
		samples = resampleLinear(samples, wav.sampleRate, l.cfg.SampleRate)
	}

	target := l.cfg.TargetSamples()
	validLength := min(len(samples), target)

	switch {
	case len(samples) < target:
		padded := make([]float64, target)
		copy(padded, samples)
		samples = padded
	case len(samples) > target:
		offset := 0
		if cropRNG != nil {
			offset = cropRNG.Intn(len(samples) - target + 1)
		}
		samples = samples[offset : offset+target]
	}

	normalizePeak(samples)

	return &Recording{
		Path:        path,
		Samples:     samples,
		SampleRate:  l.cfg.SampleRate,
		ValidLength: validLength,
	}, nil
}

// normalizePeak scales the waveform so its absolute peak is 1
func normalizePeak(samples []float64) {
	peak := 0.0
	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}

	scale := 1.0 / (peak + 1e-8)
	for i := range samples {
		samples[i] *= scale
	}
}
