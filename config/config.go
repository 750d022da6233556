package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Error reports an invalid or unrecognized configuration option.
// It is fatal at startup.
type Error struct {
	Option string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: option %q: %s", e.Option, e.Reason)
}

// AudioConfig controls decoding and fixed-length conditioning of recordings
type AudioConfig struct {
	SampleRate int     `json:"sample_rate"` // target rate in Hz
	Duration   float64 `json:"duration"`    // target duration in seconds
	Channels   int     `json:"channels"`    // output channels, only mono supported
}

// TargetSamples returns the fixed sample count every recording is
// padded or truncated to
func (c AudioConfig) TargetSamples() int {
	return int(c.Duration * float64(c.SampleRate))
}

// FeatureConfig controls time-frequency feature extraction
type FeatureConfig struct {
	WindowSize int     `json:"window_size"`  // STFT window in samples
	HopSize    int     `json:"hop_size"`     // STFT hop in samples
	NumMelBins int     `json:"num_mel_bins"` // mel filter bank size
	LowFreq    float64 `json:"low_freq"`     // filter bank lower bound, Hz
	HighFreq   float64 `json:"high_freq"`    // filter bank upper bound, Hz (0 = Nyquist)
	Mode       string  `json:"mode"`         // "patch" or "sequence"
	PatchSize  int     `json:"patch_size"`   // tile edge for patch mode
}

// Feature layout modes
const (
	ModePatch    = "patch"
	ModeSequence = "sequence"
)

// MaskConfig controls a spectrogram masking augmentation
type MaskConfig struct {
	Enabled     bool    `json:"enabled"`
	Probability float64 `json:"probability"`
	MaxWidth    int     `json:"max_width"` // maximum masked bins/frames
}

// NoiseConfig controls additive Gaussian noise augmentation
type NoiseConfig struct {
	Enabled     bool    `json:"enabled"`
	Probability float64 `json:"probability"`
	StdDev      float64 `json:"std_dev"`
}

// AugmentConfig groups the training-time augmentations. None of them
// alter the declared feature shape.
type AugmentConfig struct {
	TimeMask   MaskConfig  `json:"time_mask"`
	FreqMask   MaskConfig  `json:"freq_mask"`
	Noise      NoiseConfig `json:"noise"`
	RandomCrop bool        `json:"random_crop"` // random-offset waveform crop (train only)
}

// SplitConfig controls the stratified train/val/test split
type SplitConfig struct {
	TrainRatio float64 `json:"train_ratio"`
	ValRatio   float64 `json:"val_ratio"`
	TestRatio  float64 `json:"test_ratio"`
	MinStratum int     `json:"min_stratum"` // strata below this merge into "other"
	Seed       int64   `json:"seed"`
}

// TrainingConfig controls the optimization loop
type TrainingConfig struct {
	BatchSize           int       `json:"batch_size"`
	Epochs              int       `json:"epochs"`
	LearningRate        float64   `json:"learning_rate"`
	WeightDecay         float64   `json:"weight_decay"`
	Optimizer           string    `json:"optimizer"` // "adamw" or "sgd"
	Momentum            float64   `json:"momentum"`  // sgd only
	Scheduler           string    `json:"scheduler"` // "constant", "step", "cosine", "plateau"
	Patience            int       `json:"patience"`  // early stopping patience, epochs
	PrimaryMetric       string    `json:"primary_metric"`
	ClassWeighting      string    `json:"class_weighting"` // "none", "inverse", "inverse_sqrt"
	Thresholds          []float64 `json:"thresholds,omitempty"`
	CheckpointInterval  int       `json:"checkpoint_interval"` // rolling checkpoint every K epochs
	KeepCheckpoints     int       `json:"keep_checkpoints"`    // recent rolling checkpoints retained
	DivergenceTolerance int       `json:"divergence_tolerance"`
	PrefetchBatches     int       `json:"prefetch_batches"`
	ExtractionWorkers   int       `json:"extraction_workers"` // 0 = NumCPU
	Seed                int64     `json:"seed"`
}

// PathsConfig locates the data directories
type PathsConfig struct {
	DataDir       string `json:"data_dir"`       // raw audio files
	MetadataFile  string `json:"metadata_file"`  // tabular sample metadata
	ProcessedDir  string `json:"processed_dir"`  // feature cache + normalization stats
	CheckpointDir string `json:"checkpoint_dir"` // checkpoints + reports
}

// Config is the full configuration surface for the pipeline
type Config struct {
	Audio    AudioConfig    `json:"audio"`
	Feature  FeatureConfig  `json:"feature"`
	Augment  AugmentConfig  `json:"augment"`
	Split    SplitConfig    `json:"split"`
	Training TrainingConfig `json:"training"`
	Paths    PathsConfig    `json:"paths"`
}

// DefaultConfig returns the configuration matching the reference
// heart-sound dataset (4 kHz mono, 20 s recordings)
func DefaultConfig() *Config {
	return &Config{
		Audio: AudioConfig{
			SampleRate: 4000,
			Duration:   20.0,
			Channels:   1,
		},
		Feature: FeatureConfig{
			WindowSize: 1024,
			HopSize:    512,
			NumMelBins: 128,
			LowFreq:    0,
			HighFreq:   0, // Nyquist
			Mode:       ModeSequence,
			PatchSize:  16,
		},
		Augment: AugmentConfig{
			TimeMask: MaskConfig{Enabled: true, Probability: 0.5, MaxWidth: 20},
			FreqMask: MaskConfig{Enabled: true, Probability: 0.5, MaxWidth: 10},
			Noise:    NoiseConfig{Enabled: true, Probability: 0.5, StdDev: 0.005},
		},
		Split: SplitConfig{
			TrainRatio: 0.70,
			ValRatio:   0.15,
			TestRatio:  0.15,
			MinStratum: 5,
			Seed:       42,
		},
		Training: TrainingConfig{
			BatchSize:           32,
			Epochs:              100,
			LearningRate:        1e-4,
			WeightDecay:         1e-4,
			Optimizer:           "adamw",
			Momentum:            0.9,
			Scheduler:           "plateau",
			Patience:            10,
			PrimaryMetric:       "macro_f1",
			ClassWeighting:      "inverse",
			CheckpointInterval:  5,
			KeepCheckpoints:     3,
			DivergenceTolerance: 5,
			PrefetchBatches:     2,
			ExtractionWorkers:   0,
			Seed:                42,
		},
		Paths: PathsConfig{
			DataDir:       "data/raw",
			MetadataFile:  "data/metadata.csv",
			ProcessedDir:  "data/processed",
			CheckpointDir: "checkpoints",
		},
	}
}

// Load reads a JSON configuration file over the defaults. Unrecognized
// options are rejected rather than silently ignored.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		if field, ok := unknownField(err); ok {
			return nil, &Error{Option: field, Reason: "unrecognized option"}
		}
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// unknownField extracts the field name from the json decoder's
// unknown-field error so the diagnostic can name the offending option
func unknownField(err error) (string, bool) {
	msg := err.Error()
	const marker = "unknown field "
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	return strings.Trim(msg[idx+len(marker):], `"`), true
}

// Validate checks every section and returns a config Error naming the
// first invalid option
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return &Error{Option: "audio.sample_rate", Reason: "must be positive"}
	}
	if c.Audio.Duration <= 0 {
		return &Error{Option: "audio.duration", Reason: "must be positive"}
	}
	if c.Audio.Channels != 1 {
		return &Error{Option: "audio.channels", Reason: "only mono output is supported"}
	}
	if c.Feature.WindowSize <= 0 {
		return &Error{Option: "feature.window_size", Reason: "must be positive"}
	}
	if c.Feature.HopSize <= 0 {
		return &Error{Option: "feature.hop_size", Reason: "must be positive"}
	}
	if c.Feature.HopSize > c.Feature.WindowSize {
		return &Error{Option: "feature.hop_size", Reason: "must not exceed window_size"}
	}
	if c.Feature.NumMelBins <= 0 {
		return &Error{Option: "feature.num_mel_bins", Reason: "must be positive"}
	}
	if c.Feature.HighFreq != 0 && c.Feature.HighFreq <= c.Feature.LowFreq {
		return &Error{Option: "feature.high_freq", Reason: "must exceed low_freq"}
	}
	switch c.Feature.Mode {
	case ModePatch:
		if c.Feature.PatchSize <= 0 {
			return &Error{Option: "feature.patch_size", Reason: "must be positive in patch mode"}
		}
		if c.Feature.NumMelBins%c.Feature.PatchSize != 0 {
			return &Error{Option: "feature.patch_size", Reason: "must divide num_mel_bins"}
		}
	case ModeSequence:
	default:
		return &Error{Option: "feature.mode", Reason: `must be "patch" or "sequence"`}
	}
	for _, m := range []struct {
		name string
		cfg  MaskConfig
	}{
		{"augment.time_mask", c.Augment.TimeMask},
		{"augment.freq_mask", c.Augment.FreqMask},
	} {
		if m.cfg.Enabled {
			if m.cfg.Probability < 0 || m.cfg.Probability > 1 {
				return &Error{Option: m.name + ".probability", Reason: "must be in [0, 1]"}
			}
			if m.cfg.MaxWidth <= 0 {
				return &Error{Option: m.name + ".max_width", Reason: "must be positive"}
			}
		}
	}
	if c.Augment.Noise.Enabled {
		if c.Augment.Noise.Probability < 0 || c.Augment.Noise.Probability > 1 {
			return &Error{Option: "augment.noise.probability", Reason: "must be in [0, 1]"}
		}
		if c.Augment.Noise.StdDev <= 0 {
			return &Error{Option: "augment.noise.std_dev", Reason: "must be positive"}
		}
	}
	ratioSum := c.Split.TrainRatio + c.Split.ValRatio + c.Split.TestRatio
	if ratioSum < 0.999 || ratioSum > 1.001 {
		return &Error{Option: "split", Reason: "train/val/test ratios must sum to 1"}
	}
	if c.Split.TrainRatio <= 0 || c.Split.ValRatio < 0 || c.Split.TestRatio < 0 {
		return &Error{Option: "split", Reason: "ratios must be non-negative with a positive train share"}
	}
	if c.Training.BatchSize <= 0 {
		return &Error{Option: "training.batch_size", Reason: "must be positive"}
	}
	if c.Training.Epochs <= 0 {
		return &Error{Option: "training.epochs", Reason: "must be positive"}
	}
	if c.Training.LearningRate <= 0 {
		return &Error{Option: "training.learning_rate", Reason: "must be positive"}
	}
	switch c.Training.Optimizer {
	case "adamw", "sgd":
	default:
		return &Error{Option: "training.optimizer", Reason: `must be "adamw" or "sgd"`}
	}
	switch c.Training.Scheduler {
	case "constant", "step", "cosine", "plateau":
	default:
		return &Error{Option: "training.scheduler", Reason: `must be one of "constant", "step", "cosine", "plateau"`}
	}
	switch c.Training.PrimaryMetric {
	case "macro_f1", "micro_f1", "macro_auc":
	default:
		return &Error{Option: "training.primary_metric", Reason: `must be one of "macro_f1", "micro_f1", "macro_auc"`}
	}
	switch c.Training.ClassWeighting {
	case "none", "inverse", "inverse_sqrt":
	default:
		return &Error{Option: "training.class_weighting", Reason: `must be one of "none", "inverse", "inverse_sqrt"`}
	}
	for i, th := range c.Training.Thresholds {
		if th <= 0 || th >= 1 {
			return &Error{Option: fmt.Sprintf("training.thresholds[%d]", i), Reason: "must be in (0, 1)"}
		}
	}
	if c.Training.CheckpointInterval <= 0 {
		return &Error{Option: "training.checkpoint_interval", Reason: "must be positive"}
	}
	if c.Training.KeepCheckpoints <= 0 {
		return &Error{Option: "training.keep_checkpoints", Reason: "must be positive"}
	}
	if c.Training.DivergenceTolerance <= 0 {
		return &Error{Option: "training.divergence_tolerance", Reason: "must be positive"}
	}
	if c.Training.PrefetchBatches < 1 {
		return &Error{Option: "training.prefetch_batches", Reason: "must be at least 1"}
	}
	return nil
}
