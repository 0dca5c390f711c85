package data_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-imagenet/internal/data"
)

type Backend = *autodiff.Backend[*cpu.Backend]

func newSynthetic(n int) *data.Synthetic {
	return &data.Synthetic{N: n, Classes: 5, Shape: [3]int{3, 4, 4}, Seed: 1}
}

func collectLabels(t *testing.T, l *data.Loader[Backend], epoch int) [][]int32 {
	t.Helper()
	var out [][]int32
	err := l.Iterate(context.Background(), epoch, func(i int, b *data.Batch[Backend]) error {
		require.Len(t, out, i, "batches arrive in order")
		out = append(out, append([]int32(nil), b.Labels.Raw().AsInt32()...))
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestLoader_SameSeedSameOrder(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := data.LoaderConfig{BatchSize: 4, NumWorkers: 4, Shuffle: true, Seed: 42, Shape: [3]int{3, 4, 4}}

	a, err := data.NewLoader[Backend](newSynthetic(37), cfg, backend)
	require.NoError(t, err)
	b, err := data.NewLoader[Backend](newSynthetic(37), cfg, backend)
	require.NoError(t, err)

	assert.Equal(t, a.Order(3), b.Order(3))
	assert.Equal(t, collectLabels(t, a, 3), collectLabels(t, b, 3))
	assert.NotEqual(t, a.Order(1), a.Order(2), "each epoch reshuffles")

	cfg.Seed = 43
	c, err := data.NewLoader[Backend](newSynthetic(37), cfg, backend)
	require.NoError(t, err)
	assert.NotEqual(t, a.Order(3), c.Order(3))
}

func TestLoader_OrderIsPermutation(t *testing.T) {
	backend := autodiff.New(cpu.New())
	l, err := data.NewLoader[Backend](newSynthetic(50),
		data.LoaderConfig{BatchSize: 8, Shuffle: true, Seed: 7, Shape: [3]int{3, 4, 4}}, backend)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for _, i := range l.Order(0) {
		seen[i] = true
	}
	assert.Len(t, seen, 50)
}

func TestLoader_BatchesAndPartialTail(t *testing.T) {
	backend := autodiff.New(cpu.New())
	tests := []struct {
		name      string
		dropLast  bool
		wantCount int
		wantTail  int
	}{
		{"keep tail", false, 3, 2},
		{"drop tail", true, 2, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := data.NewLoader[Backend](newSynthetic(10), data.LoaderConfig{
				BatchSize:  4,
				NumWorkers: 2,
				DropLast:   tt.dropLast,
				Shape:      [3]int{3, 4, 4},
			}, backend)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, l.Len())

			var sizes []int
			err = l.Iterate(context.Background(), 1, func(_ int, b *data.Batch[Backend]) error {
				sizes = append(sizes, b.Size)
				assert.Equal(t, []int{b.Size, 3, 4, 4}, []int(b.Images.Shape()))
				assert.Equal(t, []int{b.Size}, []int(b.Labels.Shape()))
				return nil
			})
			require.NoError(t, err)
			require.Len(t, sizes, tt.wantCount)
			assert.Equal(t, tt.wantTail, sizes[len(sizes)-1])
		})
	}
}

func TestLoader_UnshuffledIsSequential(t *testing.T) {
	backend := autodiff.New(cpu.New())
	l, err := data.NewLoader[Backend](newSynthetic(7),
		data.LoaderConfig{BatchSize: 3, Shape: [3]int{3, 4, 4}}, backend)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, l.Order(5))
	assert.Equal(t, [][]int32{{0, 1, 2}, {3, 4, 0}, {1}}, collectLabels(t, l, 5))
}

func TestLoader_ShapeMismatchFailsFast(t *testing.T) {
	backend := autodiff.New(cpu.New())
	l, err := data.NewLoader[Backend](newSynthetic(8),
		data.LoaderConfig{BatchSize: 4, NumWorkers: 2, Shape: [3]int{3, 224, 224}}, backend)
	require.NoError(t, err)

	calls := 0
	err = l.Iterate(context.Background(), 1, func(int, *data.Batch[Backend]) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, data.ErrShapeMismatch)
	assert.Zero(t, calls)
}

func TestLoader_CallbackErrorStops(t *testing.T) {
	backend := autodiff.New(cpu.New())
	l, err := data.NewLoader[Backend](newSynthetic(40),
		data.LoaderConfig{BatchSize: 2, NumWorkers: 3, Prefetch: 1, Shape: [3]int{3, 4, 4}}, backend)
	require.NoError(t, err)

	boom := errors.New("boom")
	calls := 0
	err = l.Iterate(context.Background(), 1, func(i int, _ *data.Batch[Backend]) error {
		calls++
		if i == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestLoader_ContextCancelled(t *testing.T) {
	backend := autodiff.New(cpu.New())
	l, err := data.NewLoader[Backend](newSynthetic(40),
		data.LoaderConfig{BatchSize: 2, Shape: [3]int{3, 4, 4}}, backend)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = l.Iterate(ctx, 1, func(int, *data.Batch[Backend]) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewLoader_Validation(t *testing.T) {
	backend := autodiff.New(cpu.New())

	_, err := data.NewLoader[Backend](newSynthetic(0), data.LoaderConfig{BatchSize: 1, Shape: [3]int{3, 4, 4}}, backend)
	require.ErrorIs(t, err, data.ErrEmptyDataset)

	_, err = data.NewLoader[Backend](newSynthetic(4), data.LoaderConfig{Shape: [3]int{3, 4, 4}}, backend)
	require.Error(t, err)
}

func TestSynthetic_Deterministic(t *testing.T) {
	ds := newSynthetic(10)
	a, err := ds.Get(3, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	b, err := ds.Get(3, rand.New(rand.NewPCG(9, 9)))
	require.NoError(t, err)

	assert.Equal(t, a.Image.Data, b.Image.Data)
	assert.Equal(t, 3, a.Label)

	_, err = ds.Get(10, nil)
	require.Error(t, err)
}
