package schedule_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-imagenet/internal/schedule"
)

type fakeOptimizer struct {
	lr float32
}

func (f *fakeOptimizer) GetLR() float32   { return f.lr }
func (f *fakeOptimizer) SetLR(lr float32) { f.lr = lr }

func TestReduceLROnPlateau_ReducesAfterPatienceExceeded(t *testing.T) {
	opt := &fakeOptimizer{lr: 1.0}
	s := schedule.NewReduceLROnPlateau(opt, schedule.PlateauConfig{
		Mode:     schedule.ModeMax,
		Factor:   0.1,
		Patience: 2,
	})

	s.Step(10) // first value is always the best
	s.Step(10) // bad 1
	s.Step(10) // bad 2
	assert.InDelta(t, 1.0, opt.lr, 1e-9)

	s.Step(10) // bad 3 > patience
	assert.InDelta(t, 0.1, opt.lr, 1e-7)
	assert.Equal(t, 0, s.State().NumBadEpochs)

	s.Step(11)
	best, ok := s.Best()
	require.True(t, ok)
	assert.InDelta(t, 11.0, best, 1e-12)
}

func TestReduceLROnPlateau_RelativeThreshold(t *testing.T) {
	opt := &fakeOptimizer{lr: 1.0}
	s := schedule.NewReduceLROnPlateau(opt, schedule.PlateauConfig{
		Mode:      schedule.ModeMax,
		Patience:  schedule.DefaultPatience,
		Threshold: schedule.DefaultThreshold,
	})

	s.Step(10)
	s.Step(10.0005) // below 10 * (1 + 1e-4)
	assert.Equal(t, 1, s.State().NumBadEpochs)

	s.Step(10.002)
	assert.Equal(t, 0, s.State().NumBadEpochs)
}

func TestReduceLROnPlateau_ZeroPatienceAndThreshold(t *testing.T) {
	opt := &fakeOptimizer{lr: 1.0}
	s := schedule.NewReduceLROnPlateau(opt, schedule.PlateauConfig{Mode: schedule.ModeMax, Factor: 0.5})

	s.Step(10)
	s.Step(10.0001) // any gain counts with a zero threshold
	assert.Equal(t, 0, s.State().NumBadEpochs)
	assert.InDelta(t, 1.0, opt.lr, 1e-9)

	s.Step(10.0001) // first bad epoch already exceeds zero patience
	assert.InDelta(t, 0.5, opt.lr, 1e-7)
}

func TestReduceLROnPlateau_NegativeSelectsDefaults(t *testing.T) {
	opt := &fakeOptimizer{lr: 1.0}
	s := schedule.NewReduceLROnPlateau(opt, schedule.PlateauConfig{
		Mode:      schedule.ModeMax,
		Patience:  -1,
		Threshold: -1,
	})

	s.Step(10)
	s.Step(10.0005) // below 10 * (1 + DefaultThreshold)
	for range schedule.DefaultPatience - 1 {
		s.Step(10)
	}
	assert.Equal(t, schedule.DefaultPatience, s.State().NumBadEpochs)
	assert.InDelta(t, 1.0, opt.lr, 1e-9)

	s.Step(10)
	assert.InDelta(t, 0.1, opt.lr, 1e-7)
}

func TestReduceLROnPlateau_MinMode(t *testing.T) {
	opt := &fakeOptimizer{lr: 0.5}
	s := schedule.NewReduceLROnPlateau(opt, schedule.PlateauConfig{Patience: 1, Factor: 0.5})

	s.Step(2.0)
	s.Step(1.0) // improvement in min mode
	s.Step(1.5)
	s.Step(1.5)
	assert.InDelta(t, 0.25, opt.lr, 1e-7)
}

func TestReduceLROnPlateau_CooldownAndMinLR(t *testing.T) {
	opt := &fakeOptimizer{lr: 1.0}
	s := schedule.NewReduceLROnPlateau(opt, schedule.PlateauConfig{
		Mode:     schedule.ModeMax,
		Factor:   0.1,
		Patience: 1,
		Cooldown: 1,
		MinLR:    0.05,
	})

	s.Step(5)
	s.Step(5)
	s.Step(5) // reduce to 0.1, cooldown starts
	assert.InDelta(t, 0.1, opt.lr, 1e-7)

	s.Step(5) // swallowed by cooldown
	s.Step(5)
	assert.InDelta(t, 0.1, opt.lr, 1e-7)

	s.Step(5) // reduce, clamped to min lr
	assert.InDelta(t, 0.05, opt.lr, 1e-7)
}

func TestReduceLROnPlateau_StateRoundTrip(t *testing.T) {
	cfg := schedule.PlateauConfig{Mode: schedule.ModeMax, Patience: 2}
	metrics := []float64{1, 2, 2, 2, 2, 3, 3, 3, 3}

	optA := &fakeOptimizer{lr: 0.01}
	a := schedule.NewReduceLROnPlateau(optA, cfg)
	for _, m := range metrics[:4] {
		a.Step(m)
	}

	optB := &fakeOptimizer{lr: optA.lr}
	b := schedule.NewReduceLROnPlateau(optB, cfg)
	require.NoError(t, b.LoadState(a.State()))

	for _, m := range metrics[4:] {
		a.Step(m)
		b.Step(m)
	}
	assert.Equal(t, a.State(), b.State())
	assert.InDelta(t, optA.lr, optB.lr, 1e-12)
}

func TestStepLR(t *testing.T) {
	opt := &fakeOptimizer{lr: 1.0}
	s := schedule.NewStepLR(opt, 2, 0.5)

	want := []float32{1.0, 0.5, 0.5, 0.25}
	for i, lr := range want {
		s.Step(0)
		assert.InDelta(t, lr, opt.lr, 1e-7, "epoch %d", i+1)
	}
	assert.False(t, s.Adaptive())
	assert.Equal(t, 4, s.State().LastEpoch)
}

func TestLoadStateKindMismatch(t *testing.T) {
	s := schedule.NewStepLR(&fakeOptimizer{lr: 1}, 1, 0.1)
	err := s.LoadState(schedule.State{Kind: schedule.KindPlateau})
	require.ErrorIs(t, err, schedule.ErrStateMismatch)
}

func TestNew(t *testing.T) {
	opt := &fakeOptimizer{lr: 1}

	tests := []struct {
		name     string
		cfg      schedule.Config
		kind     schedule.Kind
		adaptive bool
		wantErr  error
	}{
		{"plateau", schedule.Config{Kind: schedule.KindPlateau, Mode: schedule.ModeMax}, schedule.KindPlateau, true, nil},
		{"step", schedule.Config{Kind: schedule.KindStep, StepSize: 30}, schedule.KindStep, false, nil},
		{"empty is constant", schedule.Config{}, schedule.KindConstant, false, nil},
		{"unknown", schedule.Config{Kind: "cosine"}, "", false, schedule.ErrUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := schedule.New(tt.cfg, opt)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, s.Kind())
			assert.Equal(t, tt.adaptive, s.Adaptive())
		})
	}
}
