package schedule

import "math"

// Mode tells ReduceLROnPlateau whether the metric should go down or up.
type Mode string

// Plateau modes.
const (
	ModeMin Mode = "min"
	ModeMax Mode = "max"
)

// lrEps is the smallest lr change worth applying.
const lrEps = 1e-8

// Defaults for a plateau configuration that leaves the field unset.
const (
	DefaultPatience  = 10
	DefaultThreshold = 1e-4
)

// PlateauConfig configures ReduceLROnPlateau. Patience and Threshold of zero
// are honored; negative values select the defaults.
type PlateauConfig struct {
	Mode      Mode    // default: min
	Factor    float64 // default: 0.1
	Patience  int
	Threshold float64 // relative
	Cooldown  int
	MinLR     float64
}

// ReduceLROnPlateau multiplies the learning rate by Factor once the monitored
// metric has failed to improve for more than Patience consecutive epochs.
//
// Improvement is relative: in max mode a value counts as better when it
// exceeds best * (1 + Threshold); in min mode when it is below best * (1 - Threshold).
type ReduceLROnPlateau struct {
	opt LRSetter
	cfg PlateauConfig

	lastEpoch       int
	best            float64
	hasBest         bool
	numBadEpochs    int
	cooldownCounter int
}

// NewReduceLROnPlateau creates a plateau scheduler driving opt.
func NewReduceLROnPlateau(opt LRSetter, cfg PlateauConfig) *ReduceLROnPlateau {
	if cfg.Mode != ModeMax {
		cfg.Mode = ModeMin
	}
	if cfg.Factor <= 0 || cfg.Factor >= 1 {
		cfg.Factor = 0.1
	}
	if cfg.Patience < 0 {
		cfg.Patience = DefaultPatience
	}
	if cfg.Threshold < 0 {
		cfg.Threshold = DefaultThreshold
	}

	return &ReduceLROnPlateau{opt: opt, cfg: cfg}
}

// Step records metric for the epoch that just finished.
func (s *ReduceLROnPlateau) Step(metric float64) {
	s.lastEpoch++

	if s.isBetter(metric) {
		s.best = metric
		s.hasBest = true
		s.numBadEpochs = 0
	} else {
		s.numBadEpochs++
	}

	if s.cooldownCounter > 0 {
		s.cooldownCounter--
		s.numBadEpochs = 0
	}

	if s.numBadEpochs > s.cfg.Patience {
		s.reduceLR()
		s.cooldownCounter = s.cfg.Cooldown
		s.numBadEpochs = 0
	}
}

func (s *ReduceLROnPlateau) isBetter(metric float64) bool {
	if !s.hasBest {
		return !math.IsNaN(metric)
	}
	if s.cfg.Mode == ModeMax {
		return metric > s.best*(1+s.cfg.Threshold)
	}
	return metric < s.best*(1-s.cfg.Threshold)
}

func (s *ReduceLROnPlateau) reduceLR() {
	old := float64(s.opt.GetLR())
	lr := math.Max(old*s.cfg.Factor, s.cfg.MinLR)
	if old-lr > lrEps {
		s.opt.SetLR(float32(lr))
	}
}

// Best returns the best metric seen so far.
func (s *ReduceLROnPlateau) Best() (float64, bool) {
	return s.best, s.hasBest
}

// Adaptive reports true.
func (s *ReduceLROnPlateau) Adaptive() bool { return true }

// Kind reports KindPlateau.
func (s *ReduceLROnPlateau) Kind() Kind { return KindPlateau }

// State snapshots the plateau tracking.
func (s *ReduceLROnPlateau) State() State {
	return State{
		Kind:            KindPlateau,
		LastEpoch:       s.lastEpoch,
		Best:            s.best,
		HasBest:         s.hasBest,
		NumBadEpochs:    s.numBadEpochs,
		CooldownCounter: s.cooldownCounter,
	}
}

// LoadState restores the plateau tracking.
func (s *ReduceLROnPlateau) LoadState(st State) error {
	if err := checkKind(KindPlateau, st); err != nil {
		return err
	}
	s.lastEpoch = st.LastEpoch
	s.best = st.Best
	s.hasBest = st.HasBest
	s.numBadEpochs = st.NumBadEpochs
	s.cooldownCounter = st.CooldownCounter
	return nil
}
