package train

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/auscultate/heartsound/logging"
	"github.com/auscultate/heartsound/model"
)

// Checkpoint is everything needed to resume training exactly where it
// left off
type Checkpoint struct {
	Epoch         int            `json:"epoch"`
	BestMetric    float64        `json:"best_metric"`
	BestEpoch     int            `json:"best_epoch"`
	PrimaryMetric string         `json:"primary_metric"`
	BadEpochs     int            `json:"bad_epochs"` // early-stop counter
	Seed          int64          `json:"seed"`
	ConfigHash    string         `json:"config_hash"`
	ModelFamily   string         `json:"model_family"`
	Params        []*model.Param `json:"params"`
	Optimizer     OptimizerState `json:"optimizer"`
	Scheduler     SchedulerState `json:"scheduler"`
	SavedAt       time.Time      `json:"saved_at"`
}

// Restore copies the checkpoint back into a live model, optimizer and
// scheduler. Parameters are matched by name and must agree in size.
func (cp *Checkpoint) Restore(m model.Model, opt Optimizer, sched Scheduler) error {
	saved := make(map[string]*model.Param, len(cp.Params))
	for _, p := range cp.Params {
		saved[p.Name] = p
	}

	for _, p := range m.Parameters() {
		s, ok := saved[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no parameter %q", p.Name)
		}
		if len(s.Data) != len(p.Data) {
			return fmt.Errorf("parameter %q has %d values in checkpoint, model expects %d",
				p.Name, len(s.Data), len(p.Data))
		}
		copy(p.Data, s.Data)
	}

	if opt != nil {
		if err := opt.LoadState(cp.Optimizer); err != nil {
			return err
		}
	}
	if sched != nil {
		sched.LoadState(cp.Scheduler)
	}
	return nil
}

const (
	bestCheckpointName = "best.json"
	rollingPrefix      = "epoch_"
	rollingSuffix      = ".json"
)

// CheckpointManager persists checkpoints under one directory: a single
// best checkpoint plus rolling per-epoch checkpoints with bounded
// retention. All writes are atomic, a crash mid-write never leaves a
// corrupt file where a resuming run will look.
type CheckpointManager struct {
	dir    string
	keep   int // rolling checkpoints retained, best not counted
	logger logging.Logger
}

// NewCheckpointManager creates the directory if needed
func NewCheckpointManager(dir string, keep int, logger logging.Logger) (*CheckpointManager, error) {
	if keep < 1 {
		keep = 1
	}
	if logger == nil {
		logger = logging.WithFields(logging.Fields{
			"component": "checkpoints",
		})
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &CheckpointManager{dir: dir, keep: keep, logger: logger}, nil
}

// Dir returns the checkpoint directory
func (cm *CheckpointManager) Dir() string {
	return cm.dir
}

// BestPath returns the path of the best checkpoint file
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.dir, bestCheckpointName)
}

// SaveBest overwrites the best checkpoint
func (cm *CheckpointManager) SaveBest(cp *Checkpoint) error {
	if err := cm.write(cm.BestPath(), cp); err != nil {
		return err
	}
	cm.logger.Info("best checkpoint saved", logging.Fields{
		"epoch":  cp.Epoch,
		"metric": cp.PrimaryMetric,
		"value":  cp.BestMetric,
	})
	return nil
}

// SaveRolling writes the per-epoch checkpoint and prunes old ones
func (cm *CheckpointManager) SaveRolling(cp *Checkpoint) error {
	name := fmt.Sprintf("%s%04d%s", rollingPrefix, cp.Epoch, rollingSuffix)
	if err := cm.write(filepath.Join(cm.dir, name), cp); err != nil {
		return err
	}
	return cm.prune()
}

func (cm *CheckpointManager) write(path string, cp *Checkpoint) error {
	cp.SavedAt = time.Now().UTC()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(cm.dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// rollingNames returns the rolling checkpoint file names, oldest first
func (cm *CheckpointManager) rollingNames() ([]string, error) {
	entries, err := os.ReadDir(cm.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > len(rollingPrefix)+len(rollingSuffix) &&
			name[:len(rollingPrefix)] == rollingPrefix &&
			filepath.Ext(name) == rollingSuffix {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (cm *CheckpointManager) prune() error {
	names, err := cm.rollingNames()
	if err != nil {
		return err
	}
	for len(names) > cm.keep {
		stale := names[0]
		names = names[1:]
		if err := os.Remove(filepath.Join(cm.dir, stale)); err != nil {
			return fmt.Errorf("failed to prune checkpoint %s: %w", stale, err)
		}
	}
	return nil
}

// Latest returns the most recent checkpoint, preferring the newest
// rolling one and falling back to best. Returns nil when the directory
// holds no checkpoints.
func (cm *CheckpointManager) Latest() (*Checkpoint, error) {
	names, err := cm.rollingNames()
	if err != nil {
		return nil, err
	}

	var latest *Checkpoint
	if len(names) > 0 {
		latest, err = LoadCheckpoint(filepath.Join(cm.dir, names[len(names)-1]))
		if err != nil {
			return nil, err
		}
	}

	if best, err := LoadCheckpoint(cm.BestPath()); err == nil {
		if latest == nil || best.Epoch > latest.Epoch {
			latest = best
		}
	} else if !os.IsNotExist(err) && latest == nil {
		return nil, err
	}

	return latest, nil
}

// LoadCheckpoint reads one checkpoint file
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}
