package features

import (
	"fmt"

	"github.com/auscultate/heartsound/audio"
	"github.com/auscultate/heartsound/config"
	"github.com/auscultate/heartsound/logging"
	"github.com/auscultate/heartsound/spectral"
)

// Extractor maps fixed-length Recordings to FeatureTensors of a shape
// fully determined by configuration. The two layout modes serve the two
// downstream model families: patch mode trims frames so fixed-size tiles
// cover the tensor exactly, sequence mode keeps every frame and records
// how many carry signal.
type Extractor struct {
	audioCfg config.AudioConfig
	cfg      config.FeatureConfig
	stft     *spectral.STFT
	mel      *spectral.MelBank
	frames   int
	logger   logging.Logger
}

// NewExtractor creates an extractor. The output shape is computed here
// once and never varies per input.
func NewExtractor(audioCfg config.AudioConfig, cfg config.FeatureConfig, logger logging.Logger) (*Extractor, error) {
	if logger == nil {
		logger = logging.WithFields(logging.Fields{
			"component": "feature_extractor",
		})
	}

	rawFrames := spectral.NumFrames(audioCfg.TargetSamples(), cfg.WindowSize, cfg.HopSize)
	if rawFrames <= 0 {
		return nil, fmt.Errorf("target duration too short for window size %d", cfg.WindowSize)
	}

	frames := rawFrames
	if cfg.Mode == config.ModePatch {
		frames = rawFrames - rawFrames%cfg.PatchSize
		if frames <= 0 {
			return nil, fmt.Errorf("patch size %d exceeds available frames %d", cfg.PatchSize, rawFrames)
		}
	}

	mel := spectral.NewMelBank(cfg.NumMelBins, cfg.WindowSize, audioCfg.SampleRate, cfg.LowFreq, cfg.HighFreq)
	if mel == nil {
		return nil, fmt.Errorf("invalid mel filter bank parameters")
	}

	return &Extractor{
		audioCfg: audioCfg,
		cfg:      cfg,
		stft:     spectral.NewSTFT(),
		mel:      mel,
		frames:   frames,
		logger:   logger,
	}, nil
}

// Shape returns the fixed output shape (frequency bins x time frames)
func (e *Extractor) Shape() (bins, frames int) {
	return e.cfg.NumMelBins, e.frames
}

// Extract computes the log-mel spectrogram of a recording
func (e *Extractor) Extract(rec *audio.Recording) (*FeatureTensor, error) {
	if len(rec.Samples) != e.audioCfg.TargetSamples() {
		return nil, fmt.Errorf("recording %s has %d samples, expected %d",
			rec.Path, len(rec.Samples), e.audioCfg.TargetSamples())
	}

	res, err := e.stft.Compute(rec.Samples, e.cfg.WindowSize, e.cfg.HopSize, rec.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("stft failed for %s: %w", rec.Path, err)
	}

	t := NewFeatureTensor(e.cfg.NumMelBins, e.frames)

	for frame := 0; frame < e.frames && frame < res.TimeFrames; frame++ {
		melSpectrum := e.mel.Apply(res.Power[frame])
		for bin, p := range melSpectrum {
			t.Data[bin][frame] = spectral.PowerToDB(p)
		}
	}

	if e.cfg.Mode == config.ModeSequence {
		valid := spectral.NumFrames(rec.ValidLength, e.cfg.WindowSize, e.cfg.HopSize)
		t.ValidFrames = min(e.frames, max(1, valid))
	}

	return t, nil
}
