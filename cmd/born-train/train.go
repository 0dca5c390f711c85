package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/born-imagenet/internal/checkpoint"
	"github.com/born-ml/born-imagenet/internal/config"
	"github.com/born-ml/born-imagenet/internal/data"
	"github.com/born-ml/born-imagenet/internal/device"
	"github.com/born-ml/born-imagenet/internal/metrics"
	"github.com/born-ml/born-imagenet/internal/models"
	"github.com/born-ml/born-imagenet/internal/optim"
	"github.com/born-ml/born-imagenet/internal/parallel"
	"github.com/born-ml/born-imagenet/internal/schedule"
	"github.com/born-ml/born-imagenet/internal/train"
)

// Synthetic runs use this many batches per epoch.
const (
	syntheticTrainBatches = 8
	syntheticValBatches   = 2
)

// job is a fully resolved training run.
type job struct {
	model      string
	training   config.Training
	dataDir    string
	outputDir  string
	checkpoint string
	synthetic  bool
	device     device.Kind
}

func runTraining(ctx context.Context, cfg *config.Config, opts *options) error {
	if _, err := models.Lookup(opts.model); err != nil {
		return err
	}
	training, err := cfg.Lookup(opts.model)
	if err != nil {
		return err
	}
	if opts.epochs > 0 {
		training.Epochs = opts.epochs
	}

	kind, err := resolveDevice(opts.device, cfg)
	if err != nil {
		return err
	}

	j := job{
		model:      opts.model,
		training:   training,
		dataDir:    firstNonEmpty(opts.dataDir, cfg.DataDir),
		outputDir:  firstNonEmpty(opts.outputDir, cfg.OutputDir),
		checkpoint: opts.checkpoint,
		synthetic:  opts.synthetic,
		device:     kind,
	}

	if kind == device.WebGPU {
		return trainOnWebGPU(ctx, j)
	}
	return trainOn(ctx, j, cpu.New())
}

// trainOn wires every component for one run on inner and drives it to the end.
func trainOn[B tensor.Backend](ctx context.Context, j job, inner B) error {
	logger := slog.Default().With("run_model", j.model)
	backend := autodiff.New(inner)

	model, err := models.New(j.model, backend, j.training.NumClasses)
	if err != nil {
		return err
	}
	logger.Info("model built",
		"device", j.device,
		"parameters", models.CountParameters(model),
		"input", model.InputSize(),
	)
	logger.Debug("architecture", "model", model.String())

	opt, err := optim.New(model.Parameters(), j.training.Optimizer, backend)
	if err != nil {
		return err
	}
	sched, err := schedule.New(j.training.Scheduler, opt)
	if err != nil {
		return err
	}

	trainSet, valSet, err := newLoaders(j, model.InputSize(), backend)
	if err != nil {
		return err
	}
	logger.Info("data ready",
		"train_samples", trainSet.NumSamples(),
		"train_batches", trainSet.Len(),
		"val_samples", valSet.NumSamples(),
		"val_batches", valSet.Len(),
	)

	m := metrics.NewTrainingLogger()
	store := checkpoint.NewStore(j.outputDir,
		checkpoint.WithLogger(logger),
		checkpoint.WithDevice(j.device.Tensor()),
	)
	trainer := train.NewTrainer(model, opt, backend, m,
		train.WithLogger(logger),
		train.WithLogInterval(j.training.LogInterval),
	)

	driver, err := train.NewDriver(train.DriverConfig{
		Model:  j.model,
		Epochs: j.training.Epochs,
	}, train.DriverDeps[B]{
		Trainer:   trainer,
		Model:     model,
		Optimizer: opt,
		Scheduler: sched,
		Metrics:   m,
		Store:     store,
		Train:     trainSet,
		Val:       valSet,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if j.checkpoint != "" {
		if err := driver.Resume(j.checkpoint); err != nil {
			return err
		}
	}

	logger.Info("training started",
		"run_id", store.RunID(),
		"epochs", j.training.Epochs,
		"start_epoch", max(driver.NextEpoch(), 1),
		"optimizer", opt.Kind(),
		"scheduler", sched.Kind(),
		"output_dir", j.outputDir,
	)
	return driver.Run(ctx)
}

func newLoaders[B tensor.Backend](j job, input [3]int, backend B) (trainSet, valSet *data.Loader[B], err error) {
	var trainDS, valDS data.Dataset
	if j.synthetic {
		classes := j.training.NumClasses
		trainDS = &data.Synthetic{N: syntheticTrainBatches * j.training.BatchSize, Classes: classes, Shape: input, Seed: j.training.Seed}
		valDS = &data.Synthetic{N: syntheticValBatches * j.training.ValBatchSize, Classes: classes, Shape: input, Seed: j.training.Seed + 1}
	} else {
		trainDS, valDS, err = imageFolders(j, input)
		if err != nil {
			return nil, nil, err
		}
	}

	trainSet, err = data.NewLoader(trainDS, data.LoaderConfig{
		BatchSize:  j.training.BatchSize,
		NumWorkers: j.training.NumWorkers,
		Shuffle:    true,
		Seed:       j.training.Seed,
		Shape:      input,
	}, backend)
	if err != nil {
		return nil, nil, fmt.Errorf("train loader: %w", err)
	}
	valSet, err = data.NewLoader(valDS, data.LoaderConfig{
		BatchSize:  j.training.ValBatchSize,
		NumWorkers: j.training.NumWorkers,
		Seed:       j.training.Seed,
		Shape:      input,
	}, backend)
	if err != nil {
		return nil, nil, fmt.Errorf("val loader: %w", err)
	}
	return trainSet, valSet, nil
}

func imageFolders(j job, input [3]int) (trainDS, valDS *data.ImageFolder, err error) {
	synsets, err := data.LoadSynsets(filepath.Join(j.dataDir, "synsets.txt"))
	if err != nil {
		return nil, nil, err
	}
	if len(synsets) != j.training.NumClasses {
		slog.Warn("synset count differs from num_classes",
			"synsets", len(synsets), "num_classes", j.training.NumClasses)
	}

	// Loader workers decode one image each; a single worker gets per-image fan-out.
	par := parallel.Sequential()
	if j.training.NumWorkers <= 1 {
		par = parallel.DefaultConfig()
	}

	crop := input[1]
	rescale := max(j.training.Rescale, crop)

	trainPipe := data.TrainPipeline(rescale, crop)
	trainPipe.Parallel = par
	trainDS, err = data.NewImageFolder(filepath.Join(j.dataDir, "train_flatten"), synsets, trainPipe)
	if err != nil {
		return nil, nil, err
	}

	valPipe := data.ValPipeline(rescale, crop)
	valPipe.Parallel = par
	valDS, err = data.NewImageFolder(filepath.Join(j.dataDir, "val_flatten"), synsets, valPipe)
	if err != nil {
		return nil, nil, err
	}
	return trainDS, valDS, nil
}
