// Package optim implements the optimizers used to train the classifiers.
//
// This package provides:
//   - Optimizer: the interface the training loop and checkpoint store rely on
//   - SGD: stochastic gradient descent with momentum and L2 weight decay
//   - Adam: adaptive moment estimation with bias correction and weight decay
//
// Updates are applied element-wise to the parameter buffers, outside the
// autodiff tape, so Step never records operations.
//
// Example usage:
//
//	opt, err := optim.New(model.Parameters(), optim.Config{
//	    Kind:        optim.KindSGD,
//	    LR:          0.01,
//	    Momentum:    0.9,
//	    WeightDecay: 5e-4,
//	}, backend)
//
//	opt.ZeroGrad()
//	grads := backend.Tape().Backward(outputGrad, backend)
//	opt.Step(grads)
package optim

import (
	"errors"
	"fmt"
	"sort"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Kind names an optimization algorithm.
type Kind string

// Supported optimizers.
const (
	KindSGD  Kind = "sgd"
	KindAdam Kind = "adam"
)

// Errors returned by optimizers.
var (
	ErrUnknownKind  = errors.New("unknown optimizer kind")
	ErrStateShape   = errors.New("optimizer state shape mismatch")
	ErrInvalidState = errors.New("invalid optimizer state")
)

// Optimizer is the interface shared by all optimization algorithms.
//
// Besides the update itself, an optimizer exposes its internal buffers through
// StateDict so a checkpoint can restore them exactly.
type Optimizer interface {
	// Step applies one update using the gradient map returned by Backward.
	// Parameters without a gradient are skipped.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32

	// SetLR changes the learning rate. Schedulers call this.
	SetLR(lr float32)

	// StateDict exports the internal buffers keyed by "<buffer>.<param index>".
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict restores buffers exported by StateDict.
	LoadStateDict(state map[string]*tensor.RawTensor) error

	// Kind reports the algorithm.
	Kind() Kind

	// Hyperparams reports the current hyperparameters, learning rate included.
	Hyperparams() map[string]float64
}

// Config selects and configures an optimizer.
type Config struct {
	Kind        Kind    `koanf:"kind"`
	LR          float32 `koanf:"lr"`
	Momentum    float32 `koanf:"momentum"`
	WeightDecay float32 `koanf:"weight_decay"`
	Beta1       float32 `koanf:"beta1"`
	Beta2       float32 `koanf:"beta2"`
	Eps         float32 `koanf:"eps"`
}

// New builds the optimizer described by cfg over params.
func New[B tensor.Backend](params []*nn.Parameter[B], cfg Config, backend B) (Optimizer, error) {
	switch cfg.Kind {
	case KindSGD, "":
		return NewSGD(params, SGDConfig{
			LR:          cfg.LR,
			Momentum:    cfg.Momentum,
			WeightDecay: cfg.WeightDecay,
		}, backend), nil
	case KindAdam:
		return NewAdam(params, AdamConfig{
			LR:          cfg.LR,
			Betas:       [2]float32{cfg.Beta1, cfg.Beta2},
			Eps:         cfg.Eps,
			WeightDecay: cfg.WeightDecay,
		}, backend), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// getGradient safely retrieves gradient for a parameter.
//
// Returns nil if no gradient is found (parameter wasn't part of computation graph).
func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) *tensor.RawTensor {
	if param == nil {
		return nil
	}
	return grads[param.Tensor().Raw()]
}

// loadBuffer validates a serialized buffer against its parameter and copies it
// into a fresh tensor, so the optimizer never aliases the caller's state.
func loadBuffer[B tensor.Backend](
	state map[string]*tensor.RawTensor,
	key string,
	param *nn.Parameter[B],
	backend B,
) (*tensor.Tensor[float32, B], bool, error) {
	raw, ok := state[key]
	if !ok {
		return nil, false, nil
	}
	if raw.DType() != tensor.Float32 {
		return nil, false, fmt.Errorf("%w: %s has dtype %s", ErrInvalidState, key, raw.DType())
	}
	if !raw.Shape().Equal(param.Tensor().Shape()) {
		return nil, false, fmt.Errorf("%w: %s: expected %v, got %v",
			ErrStateShape, key, param.Tensor().Shape(), raw.Shape())
	}
	buf := tensor.Zeros[float32](param.Tensor().Shape(), backend)
	copy(buf.Raw().AsFloat32(), raw.AsFloat32())
	return buf, true, nil
}

// checkStateKeys rejects keys that no buffer of this optimizer would produce.
// Missing keys are fine: a parameter that never received a gradient has no buffer.
func checkStateKeys(state map[string]*tensor.RawTensor, known func(key string) bool) error {
	var unknown []string
	for key := range state {
		if !known(key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("%w: unexpected keys %v", ErrInvalidState, unknown)
}

// bufferKeys returns the set of "<prefix>.<i>" keys for n parameters.
func bufferKeys(n int, prefixes ...string) map[string]bool {
	keys := make(map[string]bool, n*len(prefixes))
	for _, prefix := range prefixes {
		for i := range n {
			keys[fmt.Sprintf("%s.%d", prefix, i)] = true
		}
	}
	return keys
}
