package train_test

import (
	"context"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-imagenet/internal/metrics"
	"github.com/born-ml/born-imagenet/internal/models"
	"github.com/born-ml/born-imagenet/internal/optim"
	"github.com/born-ml/born-imagenet/internal/train"
)

func newTrainer(t *testing.T, interval int) (*train.Trainer[*cpu.Backend], Backend, models.Model[Backend], *metrics.Logger) {
	t.Helper()
	backend := autodiff.New(cpu.New())
	model := models.NewLeNet(backend, numClasses)
	opt, err := optim.New(model.Parameters(), optim.Config{Kind: optim.KindSGD, LR: 0.01, Momentum: 0.9}, backend)
	require.NoError(t, err)

	m := metrics.NewTrainingLogger()
	opts := []train.TrainerOption{train.WithLogger(discardLogger())}
	if interval > 0 {
		opts = append(opts, train.WithLogInterval(interval))
	}
	return train.NewTrainer(model, opt, backend, m, opts...), backend, model, m
}

func TestTrainEpoch_LossPointsPerWindow(t *testing.T) {
	tests := []struct {
		name    string
		batches int
		want    int
	}{
		{"fewer than a window", 9, 0},
		{"exactly one window", 10, 1},
		{"partial tail dropped", 23, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trainer, backend, _, m := newTrainer(t, 0)
			loader := newLoader(t, backend, tt.batches, 1, 5)

			mean, err := trainer.TrainEpoch(context.Background(), 1, loader)
			require.NoError(t, err)
			assert.Greater(t, mean, 0.0)

			series := m.Series(metrics.TrainLoss)
			assert.Len(t, series.Values, tt.want)
			for _, e := range series.Epochs {
				assert.Equal(t, 1, e)
			}
		})
	}
}

func TestTrainEpoch_UpdatesParameters(t *testing.T) {
	trainer, backend, model, _ := newTrainer(t, 2)
	before := append([]float32(nil), model.Parameters()[0].Tensor().Data()...)

	_, err := trainer.TrainEpoch(context.Background(), 1, newLoader(t, backend, 8, 4, 1))
	require.NoError(t, err)

	assert.NotEqual(t, before, model.Parameters()[0].Tensor().Data())
	assert.Equal(t, 0, backend.Tape().NumOps(), "tape is cleared after every step")
}

func TestValidate(t *testing.T) {
	trainer, backend, model, m := newTrainer(t, 0)
	backend.Tape().StartRecording()
	before := append([]float32(nil), model.Parameters()[0].Tensor().Data()...)

	stats, err := trainer.Validate(context.Background(), 3, newLoader(t, backend, 12, 4, 9))
	require.NoError(t, err)

	assert.Greater(t, stats.Loss, 0.0)
	assert.GreaterOrEqual(t, stats.Top1, 0.0)
	assert.LessOrEqual(t, stats.Top1, stats.Top5)
	assert.LessOrEqual(t, stats.Top5, 100.0)
	assert.InDelta(t, 100.0, stats.Top5, 1e-9, "top-5 over 4 classes always hits")

	assert.Equal(t, before, model.Parameters()[0].Tensor().Data())
	assert.True(t, backend.Tape().IsRecording(), "recording state is restored")
	assert.Equal(t, 0, backend.Tape().NumOps())

	for _, name := range []string{metrics.ValLoss, metrics.ValTop1Acc, metrics.ValTop5Acc} {
		epoch, _, ok := m.Last(name)
		require.True(t, ok, name)
		assert.Equal(t, 3, epoch)
	}
}

func TestValidate_KeepsRecordingOff(t *testing.T) {
	trainer, backend, _, _ := newTrainer(t, 0)
	backend.Tape().StopRecording()

	_, err := trainer.Validate(context.Background(), 0, newLoader(t, backend, 4, 4, 1))
	require.NoError(t, err)
	assert.False(t, backend.Tape().IsRecording())
}

func TestTrainEpoch_Cancelled(t *testing.T) {
	trainer, backend, _, _ := newTrainer(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := trainer.TrainEpoch(ctx, 1, newLoader(t, backend, 8, 4, 1))
	require.ErrorIs(t, err, context.Canceled)
}
