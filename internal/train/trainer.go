// Package train runs the training and validation loops and drives a run
// across epochs.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/born-imagenet/internal/data"
	"github.com/born-ml/born-imagenet/internal/metrics"
	"github.com/born-ml/born-imagenet/internal/models"
	"github.com/born-ml/born-imagenet/internal/optim"
)

// ErrNonFiniteLoss is returned when a training batch produces a NaN or infinite loss.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// DefaultLogInterval is the number of batches averaged into one train_loss point.
const DefaultLogInterval = 10

// Batches is a source of mini-batches for one epoch. *data.Loader implements it.
type Batches[B tensor.Backend] interface {
	Len() int
	Iterate(ctx context.Context, epoch int, fn func(i int, batch *data.Batch[B]) error) error
}

// ValStats holds the metrics of one validation pass, averaged over samples.
type ValStats struct {
	Loss float64
	Top1 float64
	Top5 float64
}

// Trainer runs training and validation epochs for one model on an autodiff backend.
type Trainer[B tensor.Backend] struct {
	model       models.Model[*autodiff.Backend[B]]
	opt         optim.Optimizer
	backend     *autodiff.Backend[B]
	metrics     *metrics.Logger
	logger      *slog.Logger
	logInterval int
}

// TrainerOption configures a Trainer.
type TrainerOption func(*trainerOptions)

type trainerOptions struct {
	logger      *slog.Logger
	logInterval int
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) TrainerOption {
	return func(o *trainerOptions) { o.logger = l }
}

// WithLogInterval sets how many batches are averaged into one train_loss point.
func WithLogInterval(n int) TrainerOption {
	return func(o *trainerOptions) { o.logInterval = n }
}

// NewTrainer creates a trainer writing metrics into m.
func NewTrainer[B tensor.Backend](
	model models.Model[*autodiff.Backend[B]],
	opt optim.Optimizer,
	backend *autodiff.Backend[B],
	m *metrics.Logger,
	opts ...TrainerOption,
) *Trainer[B] {
	o := trainerOptions{logger: slog.Default(), logInterval: DefaultLogInterval}
	for _, apply := range opts {
		apply(&o)
	}
	if o.logInterval <= 0 {
		o.logInterval = DefaultLogInterval
	}
	return &Trainer[B]{
		model:       model,
		opt:         opt,
		backend:     backend,
		metrics:     m,
		logger:      o.logger,
		logInterval: o.logInterval,
	}
}

// TrainEpoch runs one optimizer step per batch of src.
//
// Every logInterval consecutive batches, the mean loss of that window is
// appended to train_loss at epoch. A trailing partial window is not logged,
// so N batches yield exactly N/logInterval points. The mean loss over all
// batches is returned.
func (t *Trainer[B]) TrainEpoch(ctx context.Context, epoch int, src Batches[*autodiff.Backend[B]]) (float64, error) {
	t.model.SetTraining(true)
	tape := t.backend.Tape()
	tape.StartRecording()

	var total, window float64
	var batches int
	err := src.Iterate(ctx, epoch, func(i int, batch *data.Batch[*autodiff.Backend[B]]) error {
		loss, err := t.step(batch)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}
		total += loss
		window += loss
		batches++

		if i%t.logInterval == t.logInterval-1 {
			mean := window / float64(t.logInterval)
			t.metrics.Log(metrics.TrainLoss, epoch, mean)
			t.logger.Info("train",
				"epoch", epoch,
				"batch", i+1,
				"of", src.Len(),
				"loss", mean,
				"lr", t.opt.GetLR(),
			)
			window = 0
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, nil
	}
	return total / float64(batches), nil
}

// step performs forward, backward and update on one batch and returns its loss.
func (t *Trainer[B]) step(batch *data.Batch[*autodiff.Backend[B]]) (float64, error) {
	tape := t.backend.Tape()
	defer tape.Clear()

	t.opt.ZeroGrad()

	logits := t.model.Forward(batch.Images)
	lossRaw := t.backend.CrossEntropy(logits.Raw(), batch.Labels.Raw())
	loss := float64(lossRaw.AsFloat32()[0])
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNonFiniteLoss, loss)
	}

	outputGrad, err := tensor.NewRaw(lossRaw.Shape(), lossRaw.DType(), t.backend.Device())
	if err != nil {
		return 0, fmt.Errorf("failed to allocate output gradient: %w", err)
	}
	outputGrad.AsFloat32()[0] = 1

	grads := tape.Backward(outputGrad, t.backend)
	t.opt.Step(grads)
	return loss, nil
}

// Validate evaluates the model on src without recording gradients.
//
// Loss and top-1/top-5 accuracy (percent) are computed per batch and averaged
// over samples, then appended to val_loss, val_top1_acc and val_top5_acc at
// epoch. The tape's recording state is restored on return.
func (t *Trainer[B]) Validate(ctx context.Context, epoch int, src Batches[*autodiff.Backend[B]]) (ValStats, error) {
	tape := t.backend.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	t.model.SetTraining(false)
	defer func() {
		tape.Clear()
		if wasRecording {
			tape.StartRecording()
		}
	}()

	var sum ValStats
	var samples int
	err := src.Iterate(ctx, epoch, func(i int, batch *data.Batch[*autodiff.Backend[B]]) error {
		logits := t.model.Forward(batch.Images)
		lossRaw := t.backend.CrossEntropy(logits.Raw(), batch.Labels.Raw())

		classes := logits.Shape()[1]
		acc, err := TopKAccuracy(logits.Data(), classes, batch.Labels.Data(), 1, 5)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}

		n := logits.Shape()[0]
		sum.Loss += float64(lossRaw.AsFloat32()[0]) * float64(n)
		sum.Top1 += acc[0] * float64(n)
		sum.Top5 += acc[1] * float64(n)
		samples += n
		return nil
	})
	if err != nil {
		return ValStats{}, err
	}

	var stats ValStats
	if samples > 0 {
		n := float64(samples)
		stats = ValStats{Loss: sum.Loss / n, Top1: sum.Top1 / n, Top5: sum.Top5 / n}
	}

	t.metrics.Log(metrics.ValLoss, epoch, stats.Loss)
	t.metrics.Log(metrics.ValTop1Acc, epoch, stats.Top1)
	t.metrics.Log(metrics.ValTop5Acc, epoch, stats.Top5)
	t.logger.Info("validate",
		"epoch", epoch,
		"loss", stats.Loss,
		"top1", stats.Top1,
		"top5", stats.Top5,
	)
	return stats, nil
}
