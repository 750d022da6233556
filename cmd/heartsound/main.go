package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/auscultate/heartsound/audio"
	"github.com/auscultate/heartsound/config"
	"github.com/auscultate/heartsound/dataset"
	"github.com/auscultate/heartsound/features"
	"github.com/auscultate/heartsound/logging"
	"github.com/auscultate/heartsound/metrics"
	"github.com/auscultate/heartsound/model"
	"github.com/auscultate/heartsound/train"
)

var version = "0.1.0"

// CLI defines the command-line interface
type CLI struct {
	Config  string `short:"c" type:"path" help:"Path to JSON config file (defaults apply when omitted)"`
	Verbose bool   `short:"v" help:"Enable debug logging"`
	NoColor bool   `help:"Disable colored log output"`

	Preprocess PreprocessCmd `cmd:"" help:"Decode audio, build the feature cache, derive the split and normalization stats"`
	Train      TrainCmd      `cmd:"" help:"Train a classifier from preprocessed features"`
	Evaluate   EvaluateCmd   `cmd:"" help:"Evaluate a checkpoint on a partition"`
}

type app struct {
	cfg    *config.Config
	logger logging.Logger
}

const (
	splitFileName   = "split.json"
	statsFileName   = "stats.json"
	featuresDirName = "features"
	historyFileName = "history.json"
)

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("heartsound"),
		kong.Description("Multi-label heart sound classification pipeline"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	if cli.NoColor {
		logging.DisableColors()
	}
	if cli.Verbose {
		logging.SetLevel(logging.DebugLevel)
	}

	cfg, err := loadConfig(cli.Config)
	kctx.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(&app{
		cfg:    cfg,
		logger: logging.WithFields(logging.Fields{"component": "cli"}),
	})
	kctx.FatalIfErrorf(err)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func (a *app) splitPath() string { return filepath.Join(a.cfg.Paths.ProcessedDir, splitFileName) }
func (a *app) statsPath() string { return filepath.Join(a.cfg.Paths.ProcessedDir, statsFileName) }

func (a *app) buildLoader() *audio.Loader {
	return audio.NewLoader(a.cfg.Audio, nil)
}

func (a *app) buildExtractor() (*features.Extractor, error) {
	return features.NewExtractor(a.cfg.Audio, a.cfg.Feature, nil)
}

func (a *app) buildCache() (*features.Cache, error) {
	dir := filepath.Join(a.cfg.Paths.ProcessedDir, featuresDirName)
	return features.NewCache(dir, a.cfg.FeatureHash(), nil)
}

func (a *app) loadIndex() (*dataset.Index, error) {
	return dataset.LoadIndex(a.cfg.Paths.MetadataFile, a.cfg.Paths.DataDir, nil)
}

// PreprocessCmd builds every artifact training depends on
type PreprocessCmd struct{}

func (c *PreprocessCmd) Run(ctx context.Context, a *app) error {
	idx, err := a.loadIndex()
	if err != nil {
		return err
	}
	extractor, err := a.buildExtractor()
	if err != nil {
		return err
	}
	cache, err := a.buildCache()
	if err != nil {
		return err
	}

	pre := dataset.NewPreprocessor(a.buildLoader(), extractor, cache, a.cfg.FeatureHash(), nil)
	res, err := pre.Run(ctx, idx, a.cfg.Split, a.cfg.Training.ExtractionWorkers)
	if err != nil {
		return err
	}

	if err := res.Split.Save(a.splitPath()); err != nil {
		return err
	}
	if err := res.Stats.Save(a.statsPath()); err != nil {
		return err
	}

	logDistribution(a.logger, idx, "train", res.Split.Train)
	logDistribution(a.logger, idx, "val", res.Split.Val)
	logDistribution(a.logger, idx, "test", res.Split.Test)

	a.logger.Info("preprocessing artifacts written", logging.Fields{
		"split": a.splitPath(),
		"stats": a.statsPath(),
	})
	return nil
}

func logDistribution(logger logging.Logger, idx *dataset.Index, partition string, ids []string) {
	counts := idx.ClassCounts(ids)
	fields := logging.Fields{
		"partition": partition,
		"samples":   len(ids),
	}
	for c, name := range dataset.ClassNames {
		fields[name] = int(counts[c])
	}
	logger.Info("class distribution", fields)
}

// TrainCmd drives the training loop
type TrainCmd struct {
	Model  string `default:"linear" help:"Model family"`
	Resume string `type:"path" help:"Checkpoint file to resume from"`
	DryRun bool   `help:"Push one batch end-to-end without persisting anything"`
}

func (c *TrainCmd) Run(ctx context.Context, a *app) error {
	tc := a.cfg.Training

	idx, err := a.loadIndex()
	if err != nil {
		return err
	}
	split, err := dataset.LoadSplit(a.splitPath())
	if err != nil {
		return fmt.Errorf("no dataset split found, run preprocess first: %w", err)
	}
	stats, err := features.LoadStats(a.statsPath(), a.cfg.FeatureHash())
	if err != nil {
		return fmt.Errorf("no usable normalization stats, run preprocess first: %w", err)
	}

	extractor, err := a.buildExtractor()
	if err != nil {
		return err
	}
	cache, err := a.buildCache()
	if err != nil {
		return err
	}
	loader := a.buildLoader()

	bins, frames := extractor.Shape()
	m, err := model.New(c.Model, bins, frames, dataset.NumClasses, tc.Seed)
	if err != nil {
		return err
	}

	weights, err := train.ClassWeights(tc.ClassWeighting, idx.ClassCounts(split.Train), len(split.Train))
	if err != nil {
		return err
	}
	loss := train.NewBCELoss(weights)

	opt, err := train.NewOptimizer(tc.Optimizer, tc.LearningRate, tc.WeightDecay, tc.Momentum)
	if err != nil {
		return err
	}
	sched, err := train.NewScheduler(tc.Scheduler, tc.LearningRate, tc.Epochs)
	if err != nil {
		return err
	}
	ckpts, err := train.NewCheckpointManager(a.cfg.Paths.CheckpointDir, tc.KeepCheckpoints, nil)
	if err != nil {
		return err
	}

	augmenter := features.NewAugmenter(a.cfg.Augment, rand.New(rand.NewSource(tc.Seed)))
	trainPipe := dataset.NewPipeline(loader, extractor, dataset.PipelineConfig{
		Cache:      cache,
		Stats:      stats,
		Augmenter:  augmenter,
		RandomCrop: a.cfg.Augment.RandomCrop,
		CropSeed:   tc.Seed,
	})
	evalPipe := dataset.NewPipeline(loader, extractor, dataset.PipelineConfig{
		Cache: cache,
		Stats: stats,
	})

	srcCfg := dataset.BatchSourceConfig{
		BatchSize: tc.BatchSize,
		Seed:      tc.Seed,
		Prefetch:  tc.PrefetchBatches,
		Workers:   tc.ExtractionWorkers,
	}
	trainCfg := srcCfg
	trainCfg.Shuffle = true
	trainSrc, err := dataset.NewBatchSource(idx, split.Train, trainPipe.Extract, trainCfg, nil)
	if err != nil {
		return err
	}
	valSrc, err := dataset.NewBatchSource(idx, split.Val, evalPipe.Extract, srcCfg, nil)
	if err != nil {
		return err
	}

	loop, err := train.NewLoop(tc, train.LoopDeps{
		Model:       m,
		ModelFamily: c.Model,
		Loss:        loss,
		Optimizer:   opt,
		Scheduler:   sched,
		Train:       trainSrc,
		Val:         valSrc,
		Checkpoints: ckpts,
		ClassNames:  dataset.ClassNames,
		ConfigHash:  a.cfg.Hash(),
	})
	if err != nil {
		return err
	}

	if c.Resume != "" {
		cp, err := train.LoadCheckpoint(c.Resume)
		if err != nil {
			return err
		}
		if err := loop.Resume(cp); err != nil {
			return err
		}
	}

	if c.DryRun {
		return loop.DryRun(ctx)
	}

	result, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	if err := result.SaveHistory(filepath.Join(a.cfg.Paths.CheckpointDir, historyFileName)); err != nil {
		return err
	}

	a.logger.Info("training finished", logging.Fields{
		"stopped":     result.Stopped,
		"epochs":      result.EpochsRun,
		"best_metric": result.BestMetric,
		"best_epoch":  result.BestEpoch,
	})

	if result.Stopped == train.StopCanceled || result.BestEpoch == 0 {
		return nil
	}

	// Final quality check on held-out data with the best weights
	return a.evaluateCheckpoint(ctx, ckpts.BestPath(), "test", idx, split,
		filepath.Join(a.cfg.Paths.CheckpointDir, "report_test.json"))
}

// EvaluateCmd scores a saved checkpoint on one partition
type EvaluateCmd struct {
	Checkpoint string `type:"path" help:"Checkpoint file (defaults to the best checkpoint)"`
	Partition  string `default:"test" enum:"train,val,test" help:"Partition to evaluate"`
	Output     string `type:"path" help:"Report output path"`
}

func (c *EvaluateCmd) Run(ctx context.Context, a *app) error {
	idx, err := a.loadIndex()
	if err != nil {
		return err
	}
	split, err := dataset.LoadSplit(a.splitPath())
	if err != nil {
		return fmt.Errorf("no dataset split found, run preprocess first: %w", err)
	}

	checkpointPath := c.Checkpoint
	if checkpointPath == "" {
		checkpointPath = filepath.Join(a.cfg.Paths.CheckpointDir, "best.json")
	}
	output := c.Output
	if output == "" {
		output = filepath.Join(a.cfg.Paths.CheckpointDir, "report_"+c.Partition+".json")
	}

	return a.evaluateCheckpoint(ctx, checkpointPath, c.Partition, idx, split, output)
}

// evaluateCheckpoint restores a checkpoint into a fresh model and
// scores it over one partition, persisting the report
func (a *app) evaluateCheckpoint(ctx context.Context, checkpointPath, partition string, idx *dataset.Index, split *dataset.Split, output string) error {
	cp, err := train.LoadCheckpoint(checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint %s: %w", checkpointPath, err)
	}

	var ids []string
	switch partition {
	case "train":
		ids = split.Train
	case "val":
		ids = split.Val
	case "test":
		ids = split.Test
	default:
		return fmt.Errorf("unknown partition %q", partition)
	}

	stats, err := features.LoadStats(a.statsPath(), a.cfg.FeatureHash())
	if err != nil {
		return fmt.Errorf("no usable normalization stats, run preprocess first: %w", err)
	}
	extractor, err := a.buildExtractor()
	if err != nil {
		return err
	}
	cache, err := a.buildCache()
	if err != nil {
		return err
	}

	bins, frames := extractor.Shape()
	family := cp.ModelFamily
	if family == "" {
		family = "linear"
	}
	m, err := model.New(family, bins, frames, dataset.NumClasses, cp.Seed)
	if err != nil {
		return err
	}
	if err := cp.Restore(m, nil, nil); err != nil {
		return err
	}

	pipe := dataset.NewPipeline(a.buildLoader(), extractor, dataset.PipelineConfig{
		Cache: cache,
		Stats: stats,
	})
	src, err := dataset.NewBatchSource(idx, ids, pipe.Extract, dataset.BatchSourceConfig{
		BatchSize: a.cfg.Training.BatchSize,
		Prefetch:  a.cfg.Training.PrefetchBatches,
		Workers:   a.cfg.Training.ExtractionWorkers,
	}, nil)
	if err != nil {
		return err
	}

	loss, summary, err := train.Evaluate(ctx, m, train.NewBCELoss(nil), src, dataset.ClassNames, a.cfg.Training.Thresholds)
	if err != nil {
		return err
	}

	report := metrics.NewReport(summary, a.cfg.Hash())
	report.Checkpoint = checkpointPath
	report.Partition = partition
	if err := report.Save(output); err != nil {
		return err
	}

	a.logger.Info("evaluation complete", logging.Fields{
		"partition": partition,
		"samples":   summary.Samples,
		"loss":      loss,
		"macro_f1":  summary.MacroF1,
		"macro_auc": summary.MacroAUC,
		"report":    output,
	})
	return nil
}
