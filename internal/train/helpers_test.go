package train_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-imagenet/internal/checkpoint"
	"github.com/born-ml/born-imagenet/internal/data"
	"github.com/born-ml/born-imagenet/internal/metrics"
	"github.com/born-ml/born-imagenet/internal/models"
	"github.com/born-ml/born-imagenet/internal/optim"
	"github.com/born-ml/born-imagenet/internal/schedule"
	"github.com/born-ml/born-imagenet/internal/train"
)

type Backend = *autodiff.Backend[*cpu.Backend]

const numClasses = 4

var lenetShape = [3]int{3, 32, 32}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLoader(t *testing.T, backend Backend, n, batch int, seed uint64) *data.Loader[Backend] {
	t.Helper()
	ds := &data.Synthetic{N: n, Classes: numClasses, Shape: lenetShape, Seed: seed}
	loader, err := data.NewLoader(ds, data.LoaderConfig{
		BatchSize:  batch,
		NumWorkers: 2,
		Shuffle:    true,
		Seed:       seed,
		Shape:      lenetShape,
	}, backend)
	require.NoError(t, err)
	return loader
}

// run bundles everything a Driver needs for a LeNet on synthetic data.
type run struct {
	backend Backend
	model   models.Model[Backend]
	opt     optim.Optimizer
	sched   schedule.Scheduler
	metrics *metrics.Logger
	trainer *train.Trainer[*cpu.Backend]
	store   *checkpoint.Store
	driver  *train.Driver[*cpu.Backend]
}

func newRun(t *testing.T, dir string, epochs int) *run {
	t.Helper()
	return newRunWith(t, dir, epochs, schedule.Config{
		Kind:     schedule.KindPlateau,
		Mode:     schedule.ModeMax,
		Factor:   0.1,
		Patience: 0,
	})
}

func newRunWith(t *testing.T, dir string, epochs int, schedCfg schedule.Config) *run {
	t.Helper()
	backend := autodiff.New(cpu.New())

	model, err := models.New("lenet", backend, numClasses)
	require.NoError(t, err)

	opt, err := optim.New(model.Parameters(), optim.Config{
		Kind:        optim.KindSGD,
		LR:          0.01,
		Momentum:    0.9,
		WeightDecay: 5e-4,
	}, backend)
	require.NoError(t, err)

	sched, err := schedule.New(schedCfg, opt)
	require.NoError(t, err)

	m := metrics.NewTrainingLogger()
	trainer := train.NewTrainer(model, opt, backend, m,
		train.WithLogger(discardLogger()),
		train.WithLogInterval(2),
	)
	store := checkpoint.NewStore(dir, checkpoint.WithLogger(discardLogger()))

	driver, err := train.NewDriver(train.DriverConfig{Model: "lenet", Epochs: epochs}, train.DriverDeps[*cpu.Backend]{
		Trainer:   trainer,
		Model:     model,
		Optimizer: opt,
		Scheduler: sched,
		Metrics:   m,
		Store:     store,
		Train:     newLoader(t, backend, 16, 4, 1),
		Val:       newLoader(t, backend, 8, 4, 2),
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	return &run{
		backend: backend,
		model:   model,
		opt:     opt,
		sched:   sched,
		metrics: m,
		trainer: trainer,
		store:   store,
		driver:  driver,
	}
}
