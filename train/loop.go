package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/auscultate/heartsound/config"
	"github.com/auscultate/heartsound/dataset"
	"github.com/auscultate/heartsound/logging"
	"github.com/auscultate/heartsound/metrics"
	"github.com/auscultate/heartsound/model"
)

// DivergenceError terminates a run whose loss went NaN or Inf more
// often than the configured tolerance
type DivergenceError struct {
	Epoch     int
	Count     int
	Tolerance int
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("training diverged: %d non-finite batch losses (tolerance %d), last at epoch %d",
		e.Count, e.Tolerance, e.Epoch)
}

// Stop reasons reported in Result.Stopped
const (
	StopCompleted = "completed"
	StopEarly     = "early_stop"
	StopCanceled  = "canceled"
)

// EpochRecord is one row of the training history
type EpochRecord struct {
	Epoch          int     `json:"epoch"`
	TrainLoss      float64 `json:"train_loss"`
	TrainMacroF1   float64 `json:"train_macro_f1"`
	ValLoss        float64 `json:"val_loss"`
	ValMacroF1     float64 `json:"val_macro_f1"`
	PrimaryMetric  float64 `json:"primary_metric"`
	LearningRate   float64 `json:"learning_rate"`
	SkippedBatches int     `json:"skipped_batches"`
	Duration       float64 `json:"duration_seconds"`
}

// epochRecordJSON mirrors EpochRecord with nullable metric fields.
// JSON cannot carry NaN or Inf, and a diverged validation pass must
// not abort the history save.
type epochRecordJSON struct {
	Epoch          int      `json:"epoch"`
	TrainLoss      *float64 `json:"train_loss"`
	TrainMacroF1   *float64 `json:"train_macro_f1"`
	ValLoss        *float64 `json:"val_loss"`
	ValMacroF1     *float64 `json:"val_macro_f1"`
	PrimaryMetric  *float64 `json:"primary_metric"`
	LearningRate   float64  `json:"learning_rate"`
	SkippedBatches int      `json:"skipped_batches"`
	Duration       float64  `json:"duration_seconds"`
}

func (r EpochRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(epochRecordJSON{
		Epoch:          r.Epoch,
		TrainLoss:      finiteOrNull(r.TrainLoss),
		TrainMacroF1:   finiteOrNull(r.TrainMacroF1),
		ValLoss:        finiteOrNull(r.ValLoss),
		ValMacroF1:     finiteOrNull(r.ValMacroF1),
		PrimaryMetric:  finiteOrNull(r.PrimaryMetric),
		LearningRate:   r.LearningRate,
		SkippedBatches: r.SkippedBatches,
		Duration:       r.Duration,
	})
}

func finiteOrNull(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Result summarizes a finished (or interrupted) run
type Result struct {
	History    []EpochRecord `json:"history"`
	BestMetric float64       `json:"best_metric"`
	BestEpoch  int           `json:"best_epoch"`
	EpochsRun  int           `json:"epochs_run"`
	Stopped    string        `json:"stopped"`
}

// SaveHistory persists the result as JSON, atomically
func (r *Result) SaveHistory(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp history: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close history: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoopDeps are the collaborators a Loop drives
type LoopDeps struct {
	Model       model.Model
	ModelFamily string
	Loss        *BCELoss
	Optimizer   Optimizer
	Scheduler   Scheduler
	Train       *dataset.BatchSource
	Val         *dataset.BatchSource
	Checkpoints *CheckpointManager
	ClassNames  []string
	ConfigHash  string
	Logger      logging.Logger
}

// Loop runs the epoch state machine: train pass, validation pass,
// checkpoint decision, early-stop check. Cancellation is honored at
// epoch boundaries with a graceful checkpoint; a started epoch always
// runs to completion so saved weights never mix two epochs.
type Loop struct {
	cfg  config.TrainingConfig
	deps LoopDeps

	startEpoch int
	best       float64
	bestEpoch  int
	badEpochs  int
	divergent  int
	history    []EpochRecord
}

// NewLoop validates the wiring and builds a loop starting from epoch 1
func NewLoop(cfg config.TrainingConfig, deps LoopDeps) (*Loop, error) {
	switch {
	case deps.Model == nil:
		return nil, fmt.Errorf("training loop needs a model")
	case deps.Loss == nil || deps.Optimizer == nil || deps.Scheduler == nil:
		return nil, fmt.Errorf("training loop needs loss, optimizer and scheduler")
	case deps.Train == nil || deps.Val == nil:
		return nil, fmt.Errorf("training loop needs train and validation batch sources")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("training loop needs a checkpoint manager")
	case len(deps.ClassNames) != deps.Model.NumClasses():
		return nil, fmt.Errorf("%d class names for a %d-class model", len(deps.ClassNames), deps.Model.NumClasses())
	}
	if deps.Logger == nil {
		deps.Logger = logging.WithFields(logging.Fields{
			"component": "training_loop",
		})
	}

	return &Loop{
		cfg:        cfg,
		deps:       deps,
		startEpoch: 1,
		// metrics live in [0, 1], -1 means no improvement seen yet
		best: -1,
	}, nil
}

// Resume restores loop, model, optimizer and scheduler state from a
// checkpoint. The checkpoint must belong to the same configuration and
// model family.
func (l *Loop) Resume(cp *Checkpoint) error {
	if cp.ConfigHash != "" && cp.ConfigHash != l.deps.ConfigHash {
		return fmt.Errorf("checkpoint was written under config %s, current config is %s",
			cp.ConfigHash, l.deps.ConfigHash)
	}
	if cp.ModelFamily != "" && cp.ModelFamily != l.deps.ModelFamily {
		return fmt.Errorf("checkpoint holds a %q model, run requested %q", cp.ModelFamily, l.deps.ModelFamily)
	}

	if err := cp.Restore(l.deps.Model, l.deps.Optimizer, l.deps.Scheduler); err != nil {
		return err
	}

	l.startEpoch = cp.Epoch + 1
	l.best = cp.BestMetric
	l.bestEpoch = cp.BestEpoch
	l.badEpochs = cp.BadEpochs

	// Line the shuffle orderings up with the uninterrupted run
	l.deps.Train.Skip(cp.Epoch)

	l.deps.Logger.Info("resuming from checkpoint", logging.Fields{
		"epoch":       cp.Epoch,
		"best_metric": cp.BestMetric,
		"best_epoch":  cp.BestEpoch,
	})
	return nil
}

// Run executes the training state machine until completion, early
// stop, cancellation or divergence
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	for epoch := l.startEpoch; epoch <= l.cfg.Epochs; epoch++ {
		if ctx.Err() != nil {
			return l.cancel(epoch - 1)
		}

		// The stop signal is only checked between epochs. Both passes
		// run on a non-cancelable context, so a checkpoint can never
		// hold weights from a partially applied epoch.
		epochCtx := context.WithoutCancel(ctx)
		started := time.Now()

		trainLoss, trainSummary, skipped, err := l.trainEpoch(epochCtx, epoch)
		if err != nil {
			return nil, err
		}

		valLoss, valSummary, err := Evaluate(epochCtx, l.deps.Model, l.deps.Loss, l.deps.Val, l.deps.ClassNames, l.cfg.Thresholds)
		if err != nil {
			return nil, err
		}

		primary, err := valSummary.Metric(l.cfg.PrimaryMetric)
		if err != nil {
			return nil, err
		}

		lr := l.deps.Scheduler.Epoch(epoch, valLoss)
		l.deps.Optimizer.SetLR(lr)

		l.history = append(l.history, EpochRecord{
			Epoch:          epoch,
			TrainLoss:      trainLoss,
			TrainMacroF1:   trainSummary.MacroF1,
			ValLoss:        valLoss,
			ValMacroF1:     valSummary.MacroF1,
			PrimaryMetric:  primary,
			LearningRate:   lr,
			SkippedBatches: skipped,
			Duration:       time.Since(started).Seconds(),
		})

		l.deps.Logger.Info("epoch complete", logging.Fields{
			"epoch":      epoch,
			"train_loss": trainLoss,
			"val_loss":   valLoss,
			"val_metric": primary,
			"lr":         lr,
		})

		if !math.IsNaN(primary) && primary > l.best {
			l.best = primary
			l.bestEpoch = epoch
			l.badEpochs = 0
			if err := l.deps.Checkpoints.SaveBest(l.snapshot(epoch)); err != nil {
				return nil, err
			}
		} else {
			l.badEpochs++
		}

		if l.cfg.CheckpointInterval > 0 && epoch%l.cfg.CheckpointInterval == 0 {
			if err := l.deps.Checkpoints.SaveRolling(l.snapshot(epoch)); err != nil {
				return nil, err
			}
		}

		if l.cfg.Patience > 0 && l.badEpochs >= l.cfg.Patience {
			l.deps.Logger.Info("early stopping", logging.Fields{
				"epoch":      epoch,
				"best_epoch": l.bestEpoch,
				"patience":   l.cfg.Patience,
			})
			return l.result(epoch, StopEarly), nil
		}
	}

	return l.result(l.cfg.Epochs, StopCompleted), nil
}

// cancel saves a rolling checkpoint for the last completed epoch and
// reports a canceled run
func (l *Loop) cancel(lastEpoch int) (*Result, error) {
	l.deps.Logger.Warn("run canceled, saving checkpoint", logging.Fields{
		"epoch": lastEpoch,
	})
	if lastEpoch >= l.startEpoch {
		if err := l.deps.Checkpoints.SaveRolling(l.snapshot(lastEpoch)); err != nil {
			return nil, err
		}
	}
	return l.result(lastEpoch, StopCanceled), nil
}

func (l *Loop) result(epochsRun int, stopped string) *Result {
	return &Result{
		History:    l.history,
		BestMetric: l.best,
		BestEpoch:  l.bestEpoch,
		EpochsRun:  epochsRun,
		Stopped:    stopped,
	}
}

// snapshot captures the full loop state after the given epoch
func (l *Loop) snapshot(epoch int) *Checkpoint {
	return &Checkpoint{
		Epoch:         epoch,
		BestMetric:    l.best,
		BestEpoch:     l.bestEpoch,
		PrimaryMetric: l.cfg.PrimaryMetric,
		BadEpochs:     l.badEpochs,
		Seed:          l.cfg.Seed,
		ConfigHash:    l.deps.ConfigHash,
		ModelFamily:   l.deps.ModelFamily,
		Params:        l.deps.Model.Parameters(),
		Optimizer:     l.deps.Optimizer.State(),
		Scheduler:     l.deps.Scheduler.State(),
	}
}

// trainEpoch drives one full pass over the training source. A batch
// with non-finite loss is skipped without a gradient step and counted
// against the divergence tolerance.
func (l *Loop) trainEpoch(ctx context.Context, epoch int) (float64, *metrics.Summary, int, error) {
	engine, err := metrics.NewEngine(l.deps.ClassNames, l.cfg.Thresholds)
	if err != nil {
		return 0, nil, 0, err
	}

	// A dedicated stream context releases the batch producer when an
	// error path leaves the channel undrained
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	var totalLoss float64
	var batches, skipped int

	for res := range l.deps.Train.Epoch(streamCtx) {
		if res.Err != nil {
			return 0, nil, 0, fmt.Errorf("train epoch %d: %w", epoch, res.Err)
		}

		logits, err := l.deps.Model.Forward(res.Batch.Inputs)
		if err != nil {
			return 0, nil, 0, err
		}
		loss, grads, err := l.deps.Loss.Compute(logits, res.Batch.Labels)
		if err != nil {
			return 0, nil, 0, err
		}

		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			l.divergent++
			skipped++
			l.deps.Logger.Warn("non-finite batch loss, gradient step skipped", logging.Fields{
				"epoch":      epoch,
				"occurrence": l.divergent,
				"tolerance":  l.cfg.DivergenceTolerance,
			})
			if l.divergent > l.cfg.DivergenceTolerance {
				return 0, nil, 0, &DivergenceError{
					Epoch:     epoch,
					Count:     l.divergent,
					Tolerance: l.cfg.DivergenceTolerance,
				}
			}
			continue
		}

		l.deps.Model.ZeroGrad()
		if err := l.deps.Model.Backward(grads); err != nil {
			return 0, nil, 0, err
		}
		if err := l.deps.Optimizer.Step(l.deps.Model.Parameters()); err != nil {
			return 0, nil, 0, err
		}

		totalLoss += loss
		batches++
		if err := engine.Add(logits, res.Batch.Labels); err != nil {
			return 0, nil, 0, err
		}
	}

	if batches == 0 {
		return 0, nil, 0, fmt.Errorf("train epoch %d produced no usable batches", epoch)
	}

	summary, err := engine.Compute()
	if err != nil {
		return 0, nil, 0, err
	}
	return totalLoss / float64(batches), summary, skipped, nil
}

// Evaluate runs one full forward pass over a batch source, returning
// the mean loss and the metric summary. No gradients are touched, so
// it serves validation during training and standalone test evaluation
// alike.
func Evaluate(ctx context.Context, m model.Model, loss *BCELoss, src *dataset.BatchSource, classNames []string, thresholds []float64) (float64, *metrics.Summary, error) {
	engine, err := metrics.NewEngine(classNames, thresholds)
	if err != nil {
		return 0, nil, err
	}

	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	var totalLoss float64
	var batches int

	for res := range src.Epoch(streamCtx) {
		if res.Err != nil {
			return 0, nil, res.Err
		}

		logits, err := m.Forward(res.Batch.Inputs)
		if err != nil {
			return 0, nil, err
		}
		batchLoss, _, err := loss.Compute(logits, res.Batch.Labels)
		if err != nil {
			return 0, nil, err
		}

		totalLoss += batchLoss
		batches++
		if err := engine.Add(logits, res.Batch.Labels); err != nil {
			return 0, nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if batches == 0 {
		return 0, nil, fmt.Errorf("evaluation produced no usable batches")
	}

	summary, err := engine.Compute()
	if err != nil {
		return 0, nil, err
	}
	return totalLoss / float64(batches), summary, nil
}

// DryRun pushes a single batch through forward, loss, backward and an
// optimizer step without persisting anything. Meant for smoke testing
// the wiring end to end.
func (l *Loop) DryRun(ctx context.Context) error {
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	for res := range l.deps.Train.Epoch(streamCtx) {
		if res.Err != nil {
			return res.Err
		}

		logits, err := l.deps.Model.Forward(res.Batch.Inputs)
		if err != nil {
			return err
		}
		loss, grads, err := l.deps.Loss.Compute(logits, res.Batch.Labels)
		if err != nil {
			return err
		}
		l.deps.Model.ZeroGrad()
		if err := l.deps.Model.Backward(grads); err != nil {
			return err
		}
		if err := l.deps.Optimizer.Step(l.deps.Model.Parameters()); err != nil {
			return err
		}

		l.deps.Logger.Info("dry run complete", logging.Fields{
			"batch_size": res.Batch.Size(),
			"loss":       loss,
		})
		return nil
	}
	return fmt.Errorf("dry run: no batch produced")
}
