// Package schedule adjusts an optimizer's learning rate between epochs.
//
// Two families exist. Adaptive schedulers (ReduceLROnPlateau) watch a
// validation metric; fixed schedulers (StepLR, Constant) ignore the metric
// and advance unconditionally. All of them serialize to a State so a resumed
// run continues the schedule where it stopped.
package schedule

import (
	"errors"
	"fmt"
)

// Kind names a scheduler.
type Kind string

// Supported schedulers.
const (
	KindPlateau  Kind = "plateau"
	KindStep     Kind = "step"
	KindConstant Kind = "constant"
)

// Errors returned by schedulers.
var (
	ErrUnknownKind   = errors.New("unknown scheduler kind")
	ErrStateMismatch = errors.New("scheduler state does not match scheduler kind")
)

// LRSetter is the part of an optimizer a scheduler drives.
type LRSetter interface {
	GetLR() float32
	SetLR(lr float32)
}

// Scheduler adjusts the learning rate once per epoch.
type Scheduler interface {
	// Step advances the schedule by one epoch. Fixed schedulers ignore metric.
	Step(metric float64)

	// Adaptive reports whether Step consumes the metric.
	Adaptive() bool

	// Kind reports the scheduler kind.
	Kind() Kind

	// State snapshots the scheduler for a checkpoint.
	State() State

	// LoadState restores a snapshot taken by State.
	LoadState(s State) error
}

// State is the serializable scheduler state. Fields not used by a kind stay zero.
type State struct {
	Kind            Kind    `json:"kind"`
	LastEpoch       int     `json:"last_epoch"`
	Best            float64 `json:"best,omitempty"`
	HasBest         bool    `json:"has_best,omitempty"`
	NumBadEpochs    int     `json:"num_bad_epochs,omitempty"`
	CooldownCounter int     `json:"cooldown_counter,omitempty"`
}

// Config selects and configures a scheduler.
type Config struct {
	Kind      Kind    `koanf:"kind"`
	Mode      Mode    `koanf:"mode"`      // plateau: min or max
	Factor    float64 `koanf:"factor"`    // plateau: lr multiplier on reduction
	Patience  int     `koanf:"patience"`  // plateau: bad epochs tolerated
	Threshold float64 `koanf:"threshold"` // plateau: relative improvement required
	Cooldown  int     `koanf:"cooldown"`  // plateau: epochs to wait after a reduction
	MinLR     float64 `koanf:"min_lr"`    // plateau: lower bound on lr
	StepSize  int     `koanf:"step_size"` // step: epochs between decays
	Gamma     float64 `koanf:"gamma"`     // step: lr multiplier per decay
}

// New builds the scheduler described by cfg, driving opt.
func New(cfg Config, opt LRSetter) (Scheduler, error) {
	switch cfg.Kind {
	case KindPlateau:
		return NewReduceLROnPlateau(opt, PlateauConfig{
			Mode:      cfg.Mode,
			Factor:    cfg.Factor,
			Patience:  cfg.Patience,
			Threshold: cfg.Threshold,
			Cooldown:  cfg.Cooldown,
			MinLR:     cfg.MinLR,
		}), nil
	case KindStep:
		return NewStepLR(opt, cfg.StepSize, cfg.Gamma), nil
	case KindConstant, "":
		return &Constant{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

func checkKind(want Kind, s State) error {
	if s.Kind != want {
		return fmt.Errorf("%w: have %q, got %q", ErrStateMismatch, want, s.Kind)
	}
	return nil
}

// Constant keeps the learning rate unchanged.
type Constant struct {
	lastEpoch int
}

// Step counts the epoch.
func (c *Constant) Step(float64) { c.lastEpoch++ }

// Adaptive reports false.
func (c *Constant) Adaptive() bool { return false }

// Kind reports KindConstant.
func (c *Constant) Kind() Kind { return KindConstant }

// State returns the epoch counter.
func (c *Constant) State() State { return State{Kind: KindConstant, LastEpoch: c.lastEpoch} }

// LoadState restores the epoch counter.
func (c *Constant) LoadState(s State) error {
	if err := checkKind(KindConstant, s); err != nil {
		return err
	}
	c.lastEpoch = s.LastEpoch
	return nil
}
