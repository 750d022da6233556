package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/auscultate/heartsound/logging"
)

// Diagnosis classes in label-vector order
var ClassNames = []string{"N", "AS", "MR", "MS", "MVP"}

// NumClasses is the label-vector length
const NumClasses = 5

// Required metadata columns besides the class columns
const (
	colSampleID = "sample_id"
	colFile     = "file"
)

// SchemaError reports a metadata file missing required columns.
// Fatal at startup.
type SchemaError struct {
	Path    string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("dataset: metadata file %s missing required columns: %s",
		e.Path, strings.Join(e.Missing, ", "))
}

// Sample is one labeled recording
type Sample struct {
	ID     string
	Path   string
	Labels []float64 // multi-hot over ClassNames
}

// Index maps sample IDs to label vectors and audio paths. Missing audio
// files are excluded with a warning rather than failing the load.
type Index struct {
	samples []Sample
	byID    map[string]int
	logger  logging.Logger

	// Excluded counts samples dropped for missing or unreadable files
	Excluded int
}

// LoadIndex reads the metadata CSV and validates every referenced audio
// file exists. The header row is required; unknown columns are treated
// as free-form metadata and ignored.
func LoadIndex(metadataPath, dataDir string, logger logging.Logger) (*Index, error) {
	if logger == nil {
		logger = logging.WithFields(logging.Fields{
			"component": "dataset_index",
		})
	}

	f, err := os.Open(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}

	required := append([]string{colSampleID, colFile}, ClassNames...)
	var missing []string
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Path: metadataPath, Missing: missing}
	}

	idx := &Index{
		byID:   make(map[string]int),
		logger: logger,
	}

	line := 1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
		line++

		id := strings.TrimSpace(record[cols[colSampleID]])
		if id == "" {
			return nil, fmt.Errorf("metadata line %d: empty sample_id", line)
		}
		if _, dup := idx.byID[id]; dup {
			return nil, fmt.Errorf("metadata line %d: duplicate sample_id %q", line, id)
		}

		labels := make([]float64, NumClasses)
		for c, class := range ClassNames {
			raw := strings.TrimSpace(record[cols[class]])
			v, err := strconv.Atoi(raw)
			if err != nil || (v != 0 && v != 1) {
				return nil, fmt.Errorf("metadata line %d: class %s must be 0 or 1, got %q", line, class, raw)
			}
			labels[c] = float64(v)
		}

		path := strings.TrimSpace(record[cols[colFile]])
		if !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, path)
		}

		if _, err := os.Stat(path); err != nil {
			logger.Warn("audio file missing, sample excluded", logging.Fields{
				"sample_id": id,
				"path":      path,
			})
			idx.Excluded++
			continue
		}

		idx.byID[id] = len(idx.samples)
		idx.samples = append(idx.samples, Sample{ID: id, Path: path, Labels: labels})
	}

	if len(idx.samples) == 0 {
		return nil, fmt.Errorf("metadata file %s contains no usable samples", metadataPath)
	}

	logger.Info("dataset index loaded", logging.Fields{
		"samples":  len(idx.samples),
		"excluded": idx.Excluded,
	})

	return idx, nil
}

// Len returns the number of usable samples
func (idx *Index) Len() int {
	return len(idx.samples)
}

// Samples returns the samples in metadata order
func (idx *Index) Samples() []Sample {
	return idx.samples
}

// Get returns the sample for an ID
func (idx *Index) Get(id string) (Sample, bool) {
	i, ok := idx.byID[id]
	if !ok {
		return Sample{}, false
	}
	return idx.samples[i], true
}

// Remove drops a sample from the index, used when a file turns out to
// be corrupt during preprocessing
func (idx *Index) Remove(id string) {
	i, ok := idx.byID[id]
	if !ok {
		return
	}
	idx.samples = append(idx.samples[:i], idx.samples[i+1:]...)
	delete(idx.byID, id)
	for j := i; j < len(idx.samples); j++ {
		idx.byID[idx.samples[j].ID] = j
	}
	idx.Excluded++
}

// ClassCounts returns per-class positive counts across the given IDs.
// With no IDs given it covers the whole index.
func (idx *Index) ClassCounts(ids ...[]string) []float64 {
	counts := make([]float64, NumClasses)
	if len(ids) == 0 {
		for _, s := range idx.samples {
			floats.Add(counts, s.Labels)
		}
		return counts
	}
	for _, set := range ids {
		for _, id := range set {
			if s, ok := idx.Get(id); ok {
				floats.Add(counts, s.Labels)
			}
		}
	}
	return counts
}
