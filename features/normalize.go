package features

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
)

// Stats holds frozen per-bin z-score normalization statistics. They are
// fitted once over the training split and reused unchanged for
// validation and test, so held-out data never leaks into them.
type Stats struct {
	Mean       []float64 `json:"mean"`
	Std        []float64 `json:"std"`
	Count      int       `json:"count"` // tensors accumulated
	ConfigHash string    `json:"config_hash"`
}

// StatsBuilder accumulates normalization statistics incrementally so a
// full split never has to sit in memory at once
type StatsBuilder struct {
	bins   int
	frames int
	sum    []float64
	sumSq  []float64
	count  int
}

// NewStatsBuilder creates a builder for tensors with the given bin count
func NewStatsBuilder(bins int) *StatsBuilder {
	return &StatsBuilder{
		bins:  bins,
		sum:   make([]float64, bins),
		sumSq: make([]float64, bins),
	}
}

// Add accumulates one tensor. All tensors must share a shape.
func (b *StatsBuilder) Add(t *FeatureTensor) error {
	if t.Bins != b.bins {
		return fmt.Errorf("tensor has %d bins, builder expects %d", t.Bins, b.bins)
	}
	if b.count > 0 && t.Frames != b.frames {
		return fmt.Errorf("tensor has %d frames, builder expects %d", t.Frames, b.frames)
	}

	for bin, row := range t.Data {
		b.sum[bin] += floats.Sum(row)
		b.sumSq[bin] += floats.Dot(row, row)
	}
	b.frames = t.Frames
	b.count++
	return nil
}

// Finalize freezes the accumulated statistics
func (b *StatsBuilder) Finalize(configHash string) (*Stats, error) {
	if b.count == 0 {
		return nil, fmt.Errorf("no tensors accumulated")
	}

	n := float64(b.count * b.frames)
	mean := make([]float64, b.bins)
	std := make([]float64, b.bins)

	for bin := range mean {
		mean[bin] = b.sum[bin] / n
		variance := b.sumSq[bin]/n - mean[bin]*mean[bin]
		if variance < 0 {
			variance = 0
		}
		std[bin] = math.Sqrt(variance)
	}

	return &Stats{
		Mean:       mean,
		Std:        std,
		Count:      b.count,
		ConfigHash: configHash,
	}, nil
}

// stdFloor guards division for bins that are constant across the split
const stdFloor = 1e-8

// Apply z-scores the tensor in place using the frozen statistics
func (s *Stats) Apply(t *FeatureTensor) error {
	if t.Bins != len(s.Mean) {
		return fmt.Errorf("tensor has %d bins, stats cover %d", t.Bins, len(s.Mean))
	}

	for bin, row := range t.Data {
		std := s.Std[bin]
		if std < stdFloor {
			std = stdFloor
		}
		for frame := range row {
			row[frame] = (row[frame] - s.Mean[bin]) / std
		}
	}
	return nil
}

// Save writes the statistics as JSON via a temp file and rename
func (s *Stats) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode normalization stats: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write normalization stats: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadStats reads statistics and verifies they were computed under the
// given feature configuration
func LoadStats(path, configHash string) (*Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read normalization stats: %w", err)
	}

	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode normalization stats: %w", err)
	}

	if s.ConfigHash != configHash {
		return nil, fmt.Errorf("normalization stats were computed under a different feature configuration")
	}

	return &s, nil
}
