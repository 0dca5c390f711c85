package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-imagenet/internal/config"
	"github.com/born-ml/born-imagenet/internal/models"
	"github.com/born-ml/born-imagenet/internal/optim"
	"github.com/born-ml/born-imagenet/internal/schedule"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "checkpoints", cfg.OutputDir)
	assert.Equal(t, "cpu", cfg.Device)

	a1, err := cfg.Lookup("alexnet1")
	require.NoError(t, err)
	assert.Equal(t, 128, a1.BatchSize)
	assert.Equal(t, 128, a1.ValBatchSize)
	assert.Equal(t, 1, a1.NumWorkers)
	assert.Equal(t, 200, a1.Epochs)
	assert.Equal(t, 10, a1.LogInterval)
	assert.Equal(t, optim.KindSGD, a1.Optimizer.Kind)
	assert.InDelta(t, 0.01, a1.Optimizer.LR, 1e-9)
	assert.InDelta(t, 0.9, a1.Optimizer.Momentum, 1e-7)
	assert.InDelta(t, 5e-4, a1.Optimizer.WeightDecay, 1e-9)
	assert.Equal(t, schedule.KindPlateau, a1.Scheduler.Kind)
	assert.Equal(t, schedule.ModeMax, a1.Scheduler.Mode)
	assert.InDelta(t, 0.1, a1.Scheduler.Factor, 1e-12)

	a2, err := cfg.Lookup("alexnet2")
	require.NoError(t, err)
	assert.Equal(t, 16, a2.NumWorkers)
	assert.Equal(t, a1.Optimizer, a2.Optimizer)
}

func TestLoad_EveryModelIsConfigured(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, models.Keys(), cfg.ModelNames())
}

func TestLookup_Unknown(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	_, err = cfg.Lookup("inception")
	require.ErrorIs(t, err, config.ErrUnknownModel)
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := config.Parse([]byte(`
output_dir: /tmp/runs
models:
  lenet:
    epochs: 3
    val_batch_size: 100
  custom:
    batch_size: 8
    num_classes: 2
    optimizer:
      lr: 0.5
`))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/runs", cfg.OutputDir)

	lenet, err := cfg.Lookup("lenet")
	require.NoError(t, err)
	assert.Equal(t, 3, lenet.Epochs)
	assert.Equal(t, 100, lenet.ValBatchSize)
	assert.Equal(t, 32, lenet.BatchSize, "untouched keys keep their defaults")

	custom, err := cfg.Lookup("custom")
	require.NoError(t, err)
	assert.Equal(t, 1, custom.NumWorkers)
	assert.Equal(t, 8, custom.ValBatchSize)
}

func TestParse_PlateauZeroPatience(t *testing.T) {
	cfg, err := config.Parse([]byte(`
models:
  alexnet1:
    scheduler:
      patience: 0
      threshold: 0
  custom:
    batch_size: 8
    num_classes: 2
    optimizer:
      lr: 0.5
    scheduler:
      kind: plateau
      mode: max
`))
	require.NoError(t, err)

	a1, err := cfg.Lookup("alexnet1")
	require.NoError(t, err)
	assert.Equal(t, 0, a1.Scheduler.Patience, "explicit zero is kept")
	assert.Zero(t, a1.Scheduler.Threshold)

	custom, err := cfg.Lookup("custom")
	require.NoError(t, err)
	assert.Equal(t, schedule.DefaultPatience, custom.Scheduler.Patience)
	assert.InDelta(t, schedule.DefaultThreshold, custom.Scheduler.Threshold, 1e-12)
}

func TestParse_Invalid(t *testing.T) {
	_, err := config.Parse([]byte("models:\n  lenet:\n    batch_size: 0\n"))
	require.Error(t, err)

	_, err = config.Parse([]byte("models: [not, a, map"))
	require.Error(t, err)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  vgg16:\n    batch_size: 16\n    epochs: 5\n"), 0o600))

	t.Setenv("BORN_TRAIN_MODELS__VGG16__EPOCHS", "7")
	t.Setenv("BORN_TRAIN_DEVICE", "webgpu")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "webgpu", cfg.Device)

	vgg, err := cfg.Lookup("vgg16")
	require.NoError(t, err)
	assert.Equal(t, 16, vgg.BatchSize)
	assert.Equal(t, 7, vgg.Epochs, "env wins over the file")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestYAML_RoundTrip(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "alexnet1")

	again, err := config.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
