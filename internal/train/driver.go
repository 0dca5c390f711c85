package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/born-imagenet/internal/checkpoint"
	"github.com/born-ml/born-imagenet/internal/metrics"
	"github.com/born-ml/born-imagenet/internal/models"
	"github.com/born-ml/born-imagenet/internal/optim"
	"github.com/born-ml/born-imagenet/internal/schedule"
)

// Phase is the lifecycle state of a Driver.
type Phase int

// Driver phases.
const (
	NotStarted Phase = iota
	EpochInProgress
	BetweenEpochs
	Finished
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case EpochInProgress:
		return "epoch_in_progress"
	case BetweenEpochs:
		return "between_epochs"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ErrAlreadyStarted is returned by Resume once Run has begun.
var ErrAlreadyStarted = errors.New("driver already started")

// DriverConfig describes one training run.
type DriverConfig struct {
	Model  string // Registry key, recorded in checkpoints.
	Epochs int    // Last epoch to run (inclusive).

	// SkipBaseline disables the epoch 0 validation pass of a fresh run.
	SkipBaseline bool
}

// Driver owns the epoch loop: train, validate, step the scheduler, checkpoint.
//
// Epochs are numbered from 1. A fresh run first validates the untrained model
// at epoch 0; a resumed run continues at the saved epoch plus one.
type Driver[B tensor.Backend] struct {
	cfg       DriverConfig
	trainer   *Trainer[B]
	model     models.Model[*autodiff.Backend[B]]
	opt       optim.Optimizer
	scheduler schedule.Scheduler
	metrics   *metrics.Logger
	store     *checkpoint.Store
	trainSet  Batches[*autodiff.Backend[B]]
	valSet    Batches[*autodiff.Backend[B]]
	logger    *slog.Logger

	phase   Phase
	epoch   int // next epoch to run; 0 until started or resumed
	resumed bool
	last    string
}

// DriverDeps bundles the collaborators of a Driver.
type DriverDeps[B tensor.Backend] struct {
	Trainer   *Trainer[B]
	Model     models.Model[*autodiff.Backend[B]]
	Optimizer optim.Optimizer
	Scheduler schedule.Scheduler
	Metrics   *metrics.Logger
	Store     *checkpoint.Store
	Train     Batches[*autodiff.Backend[B]]
	Val       Batches[*autodiff.Backend[B]]
	Logger    *slog.Logger
}

// NewDriver creates a driver in the NotStarted phase.
func NewDriver[B tensor.Backend](cfg DriverConfig, deps DriverDeps[B]) (*Driver[B], error) {
	if cfg.Epochs < 0 {
		return nil, fmt.Errorf("epochs must not be negative, got %d", cfg.Epochs)
	}
	if deps.Trainer == nil || deps.Model == nil || deps.Optimizer == nil ||
		deps.Scheduler == nil || deps.Metrics == nil || deps.Store == nil ||
		deps.Train == nil || deps.Val == nil {
		return nil, errors.New("driver: missing dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver[B]{
		cfg:       cfg,
		trainer:   deps.Trainer,
		model:     deps.Model,
		opt:       deps.Optimizer,
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
		store:     deps.Store,
		trainSet:  deps.Train,
		valSet:    deps.Val,
		logger:    logger.With("model", cfg.Model),
	}, nil
}

// Phase returns the current lifecycle phase.
func (d *Driver[B]) Phase() Phase { return d.phase }

// NextEpoch returns the epoch Run will execute next.
func (d *Driver[B]) NextEpoch() int { return d.epoch }

// LastCheckpoint returns the path of the most recent checkpoint written, if any.
func (d *Driver[B]) LastCheckpoint() string { return d.last }

func (d *Driver[B]) state(epoch int) checkpoint.State {
	return checkpoint.State{
		Epoch:     epoch,
		Model:     d.cfg.Model,
		Params:    models.Weights[*autodiff.Backend[B]]{Module: d.model},
		Optimizer: d.opt,
		Scheduler: d.scheduler,
		Metrics:   d.metrics,
	}
}

// Resume restores model, optimizer, scheduler and metrics from a checkpoint.
// It must be called before Run.
func (d *Driver[B]) Resume(path string) error {
	if d.phase != NotStarted {
		return ErrAlreadyStarted
	}
	next, err := d.store.Load(path, d.state(0))
	if err != nil {
		return fmt.Errorf("failed to resume from %s: %w", path, err)
	}
	d.epoch = next
	d.resumed = true
	d.logger.Info("resuming", "checkpoint", path, "epoch", next, "lr", d.opt.GetLR())
	return nil
}

// Run executes epochs until the configured total is reached.
//
// ctx is checked between epochs; cancelling it also stops batch prefetching,
// which aborts the epoch in progress. The phase is left at EpochInProgress
// when an epoch fails.
func (d *Driver[B]) Run(ctx context.Context) error {
	if d.phase == Finished {
		return nil
	}

	if d.phase == NotStarted {
		if !d.resumed {
			d.epoch = 1
			if !d.cfg.SkipBaseline {
				if _, err := d.trainer.Validate(ctx, 0, d.valSet); err != nil {
					return fmt.Errorf("baseline validation: %w", err)
				}
			}
		}
		d.phase = BetweenEpochs
	}

	for d.epoch <= d.cfg.Epochs {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.phase = EpochInProgress
		if err := d.runEpoch(ctx, d.epoch); err != nil {
			return err
		}
		d.phase = BetweenEpochs
		d.epoch++
	}

	d.phase = Finished
	d.logger.Info("training finished", "epochs", d.cfg.Epochs, "checkpoint", d.last)
	return nil
}

func (d *Driver[B]) runEpoch(ctx context.Context, epoch int) error {
	start := time.Now()

	trainLoss, err := d.trainer.TrainEpoch(ctx, epoch, d.trainSet)
	if err != nil {
		return fmt.Errorf("train epoch %d: %w", epoch, err)
	}

	stats, err := d.trainer.Validate(ctx, epoch, d.valSet)
	if err != nil {
		return fmt.Errorf("validate epoch %d: %w", epoch, err)
	}

	lr := d.opt.GetLR()
	if d.scheduler.Adaptive() {
		d.scheduler.Step(stats.Top1)
	} else {
		d.scheduler.Step(0)
	}
	if newLR := d.opt.GetLR(); newLR != lr {
		d.logger.Info("learning rate changed", "epoch", epoch, "from", lr, "to", newLR)
	}

	path, err := d.store.Save(d.state(epoch))
	if err != nil {
		return fmt.Errorf("checkpoint epoch %d: %w", epoch, err)
	}
	d.last = path

	d.logger.Info("epoch done",
		"epoch", epoch,
		"of", d.cfg.Epochs,
		"train_loss", trainLoss,
		"val_loss", stats.Loss,
		"top1", stats.Top1,
		"top5", stats.Top5,
		"duration", time.Since(start).Round(time.Millisecond),
		"checkpoint", path,
	)
	return nil
}
