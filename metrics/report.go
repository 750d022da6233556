package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ClassReport is the JSON form of one class's metrics. Undefined
// values serialize as null rather than a misleading zero.
type ClassReport struct {
	Name      string   `json:"name"`
	Support   int      `json:"support"`
	TP        int      `json:"tp"`
	FP        int      `json:"fp"`
	FN        int      `json:"fn"`
	TN        int      `json:"tn"`
	Precision *float64 `json:"precision"`
	Recall    *float64 `json:"recall"`
	F1        *float64 `json:"f1"`
	AUC       *float64 `json:"auc"`
}

// Report is the persisted record of one evaluation pass
type Report struct {
	RunID      string    `json:"run_id"`
	CreatedAt  time.Time `json:"created_at"`
	ConfigHash string    `json:"config_hash"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	Partition  string    `json:"partition,omitempty"` // val or test
	Samples    int       `json:"samples"`

	Classes []ClassReport `json:"classes"`

	MacroPrecision *float64 `json:"macro_precision"`
	MacroRecall    *float64 `json:"macro_recall"`
	MacroF1        *float64 `json:"macro_f1"`
	MacroAUC       *float64 `json:"macro_auc"`
	MicroPrecision *float64 `json:"micro_precision"`
	MicroRecall    *float64 `json:"micro_recall"`
	MicroF1        *float64 `json:"micro_f1"`
}

// NewReport converts a summary into a persistable report with a fresh
// run ID
func NewReport(s *Summary, configHash string) *Report {
	r := &Report{
		RunID:      uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		ConfigHash: configHash,
		Samples:    s.Samples,

		MacroPrecision: nullable(s.MacroPrecision),
		MacroRecall:    nullable(s.MacroRecall),
		MacroF1:        nullable(s.MacroF1),
		MacroAUC:       nullable(s.MacroAUC),
		MicroPrecision: nullable(s.MicroPrecision),
		MicroRecall:    nullable(s.MicroRecall),
		MicroF1:        nullable(s.MicroF1),
	}

	for _, cm := range s.PerClass {
		r.Classes = append(r.Classes, ClassReport{
			Name:      cm.Name,
			Support:   cm.Support,
			TP:        cm.TP,
			FP:        cm.FP,
			FN:        cm.FN,
			TN:        cm.TN,
			Precision: nullable(cm.Precision),
			Recall:    nullable(cm.Recall),
			F1:        nullable(cm.F1),
			AUC:       nullable(cm.AUC),
		})
	}
	return r
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

// Save writes the report as indented JSON, atomically
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp report: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close report: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
