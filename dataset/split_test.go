package dataset

import (
	"path/filepath"
	"testing"

	"github.com/auscultate/heartsound/config"
)

func testSplitCfg(seed int64) config.SplitConfig {
	return config.SplitConfig{
		TrainRatio: 0.70,
		ValRatio:   0.15,
		TestRatio:  0.15,
		MinStratum: 5,
		Seed:       seed,
	}
}

func splitIDs(s *Split) map[string]string {
	m := make(map[string]string)
	for _, id := range s.Train {
		m[id] = "train"
	}
	for _, id := range s.Val {
		m[id] = "val"
	}
	for _, id := range s.Test {
		m[id] = "test"
	}
	return m
}

func TestSplitCoversAllSamplesDisjointly(t *testing.T) {
	idx := loadTestIndex(t, 60)

	split, err := NewSplit(idx, testSplitCfg(42))
	if err != nil {
		t.Fatalf("NewSplit failed: %v", err)
	}

	assigned := splitIDs(split)
	if len(assigned) != 60 {
		t.Fatalf("expected 60 uniquely assigned samples, got %d", len(assigned))
	}
	if got := len(split.Train) + len(split.Val) + len(split.Test); got != 60 {
		t.Fatalf("partitions overlap: sizes sum to %d", got)
	}
	for _, s := range idx.Samples() {
		if _, ok := assigned[s.ID]; !ok {
			t.Fatalf("sample %s not assigned to any partition", s.ID)
		}
	}
}

func TestSplitRatiosApproximate(t *testing.T) {
	idx := loadTestIndex(t, 60)

	split, err := NewSplit(idx, testSplitCfg(42))
	if err != nil {
		t.Fatalf("NewSplit failed: %v", err)
	}

	if len(split.Train) < 36 || len(split.Train) > 48 {
		t.Errorf("train size %d far from 70%% of 60", len(split.Train))
	}
	if len(split.Val) < 5 || len(split.Val) > 13 {
		t.Errorf("val size %d far from 15%% of 60", len(split.Val))
	}
	if len(split.Test) < 5 || len(split.Test) > 13 {
		t.Errorf("test size %d far from 15%% of 60", len(split.Test))
	}
}

func TestSplitDeterministicForSeed(t *testing.T) {
	idx := loadTestIndex(t, 60)

	a, err := NewSplit(idx, testSplitCfg(42))
	if err != nil {
		t.Fatalf("NewSplit failed: %v", err)
	}
	b, err := NewSplit(idx, testSplitCfg(42))
	if err != nil {
		t.Fatalf("NewSplit failed: %v", err)
	}

	aIDs, bIDs := splitIDs(a), splitIDs(b)
	for id, part := range aIDs {
		if bIDs[id] != part {
			t.Fatalf("sample %s moved from %s to %s with the same seed", id, part, bIDs[id])
		}
	}
}

func TestSplitChangesWithSeed(t *testing.T) {
	idx := loadTestIndex(t, 60)

	a, err := NewSplit(idx, testSplitCfg(42))
	if err != nil {
		t.Fatalf("NewSplit failed: %v", err)
	}
	b, err := NewSplit(idx, testSplitCfg(7))
	if err != nil {
		t.Fatalf("NewSplit failed: %v", err)
	}

	aIDs, bIDs := splitIDs(a), splitIDs(b)
	moved := 0
	for id, part := range aIDs {
		if bIDs[id] != part {
			moved++
		}
	}
	if moved == 0 {
		t.Error("different seeds produced identical splits")
	}
}

func TestSplitStratifiesLabelCombinations(t *testing.T) {
	idx := loadTestIndex(t, 60) // 15 samples per combo

	split, err := NewSplit(idx, testSplitCfg(42))
	if err != nil {
		t.Fatalf("NewSplit failed: %v", err)
	}

	// Every stratum is large enough that each partition should hold
	// members of each combo
	for _, ids := range [][]string{split.Train, split.Val, split.Test} {
		combos := make(map[string]bool)
		for _, id := range ids {
			s, _ := idx.Get(id)
			combos[labelKey(s.Labels)] = true
		}
		if len(combos) != len(testCombos) {
			t.Errorf("partition holds %d of %d label combinations", len(combos), len(testCombos))
		}
	}
}

func TestSplitMergesRareStrata(t *testing.T) {
	// 21 samples: combos cycle, so the 4th combo has only 5 members
	// and with MinStratum 10 every stratum merges into the shared pool
	idx := loadTestIndex(t, 21)

	cfg := testSplitCfg(42)
	cfg.MinStratum = 10

	split, err := NewSplit(idx, cfg)
	if err != nil {
		t.Fatalf("NewSplit failed: %v", err)
	}
	if got := len(split.Train) + len(split.Val) + len(split.Test); got != 21 {
		t.Fatalf("merged split covers %d of 21 samples", got)
	}
}

func TestSplitSaveLoadRoundTrip(t *testing.T) {
	idx := loadTestIndex(t, 20)

	split, err := NewSplit(idx, testSplitCfg(42))
	if err != nil {
		t.Fatalf("NewSplit failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "split.json")
	if err := split.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadSplit(path)
	if err != nil {
		t.Fatalf("LoadSplit failed: %v", err)
	}
	if loaded.Seed != 42 {
		t.Errorf("expected seed 42, got %d", loaded.Seed)
	}

	a, b := splitIDs(split), splitIDs(loaded)
	if len(a) != len(b) {
		t.Fatalf("round trip changed assignment count")
	}
	for id, part := range a {
		if b[id] != part {
			t.Fatalf("round trip moved %s from %s to %s", id, part, b[id])
		}
	}
}

func TestSplitRejectsBadRatios(t *testing.T) {
	idx := loadTestIndex(t, 20)

	cfg := testSplitCfg(42)
	cfg.TestRatio = 0.5

	if _, err := NewSplit(idx, cfg); err == nil {
		t.Error("expected error for ratios not summing to 1")
	}
}
