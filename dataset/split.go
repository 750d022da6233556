package dataset

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/auscultate/heartsound/config"
)

// Split holds the sample IDs of the three partitions. Partitions are
// disjoint and their union covers every usable sample.
type Split struct {
	Train []string `json:"train"`
	Val   []string `json:"val"`
	Test  []string `json:"test"`
	Seed  int64    `json:"seed"`
}

// mergedStratum collects label combinations too rare to split on their own
const mergedStratum = "other"

// NewSplit partitions the index into train/val/test, stratified by
// label combination. Strata smaller than cfg.MinStratum are merged into
// a shared remainder stratum. The same seed over the same index always
// produces the same partition.
func NewSplit(idx *Index, cfg config.SplitConfig) (*Split, error) {
	ratioSum := cfg.TrainRatio + cfg.ValRatio + cfg.TestRatio
	if ratioSum < 0.999 || ratioSum > 1.001 {
		return nil, fmt.Errorf("split ratios sum to %.3f, expected 1.0", ratioSum)
	}
	if cfg.MinStratum < 1 {
		return nil, fmt.Errorf("min_stratum must be at least 1, got %d", cfg.MinStratum)
	}

	strata := make(map[string][]string)
	var order []string
	for _, s := range idx.Samples() {
		key := labelKey(s.Labels)
		if _, seen := strata[key]; !seen {
			order = append(order, key)
		}
		strata[key] = append(strata[key], s.ID)
	}

	// Rare combinations get pooled so every stratum is large enough
	// to land members in each partition.
	sort.Strings(order)
	var keys []string
	var merged []string
	for _, key := range order {
		if len(strata[key]) < cfg.MinStratum {
			merged = append(merged, strata[key]...)
			delete(strata, key)
			continue
		}
		keys = append(keys, key)
	}
	if len(merged) > 0 {
		strata[mergedStratum] = merged
		keys = append(keys, mergedStratum)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	split := &Split{Seed: cfg.Seed}

	for _, key := range keys {
		ids := strata[key]
		rng.Shuffle(len(ids), func(i, j int) {
			ids[i], ids[j] = ids[j], ids[i]
		})

		n := len(ids)
		nTest := int(float64(n)*cfg.TestRatio + 0.5)
		nVal := int(float64(n)*cfg.ValRatio + 0.5)
		if nTest+nVal > n {
			nVal = n - nTest
		}

		split.Test = append(split.Test, ids[:nTest]...)
		split.Val = append(split.Val, ids[nTest:nTest+nVal]...)
		split.Train = append(split.Train, ids[nTest+nVal:]...)
	}

	if len(split.Train) == 0 {
		return nil, fmt.Errorf("split produced an empty train partition (%d samples total)", idx.Len())
	}

	total := len(split.Train) + len(split.Val) + len(split.Test)
	if total != idx.Len() {
		return nil, fmt.Errorf("split covers %d of %d samples", total, idx.Len())
	}

	return split, nil
}

func labelKey(labels []float64) string {
	var b strings.Builder
	for _, v := range labels {
		if v > 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Save writes the split as JSON, atomically
func (s *Split) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal split: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create split directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".split-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp split file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write split file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close split file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSplit reads a split saved by Save
func LoadSplit(path string) (*Split, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read split file: %w", err)
	}
	var s Split
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse split file %s: %w", path, err)
	}
	return &s, nil
}
