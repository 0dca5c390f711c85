package optim

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// SGD implements stochastic gradient descent with optional momentum and
// L2 weight decay.
//
// Update rule:
//
//	g = grad + weight_decay * param
//	velocity = momentum * velocity + g
//	param = param - lr * velocity
//
// With momentum 0 the velocity buffer is skipped and param -= lr * g.
type SGD[B tensor.Backend] struct {
	params      []*nn.Parameter[B]
	lr          float32
	momentum    float32
	weightDecay float32
	velocities  map[*nn.Parameter[B]]*tensor.Tensor[float32, B]
	backend     B
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR          float32 // Learning rate (default: 0.01)
	Momentum    float32 // Momentum factor (default: 0.0, range: [0, 1))
	WeightDecay float32 // L2 penalty (default: 0.0)
}

// NewSGD creates a new SGD optimizer.
func NewSGD[B tensor.Backend](params []*nn.Parameter[B], config SGDConfig, backend B) *SGD[B] {
	if config.LR == 0 {
		config.LR = 0.01
	}

	return &SGD[B]{
		params:      params,
		lr:          config.LR,
		momentum:    config.Momentum,
		weightDecay: config.WeightDecay,
		velocities:  make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		backend:     backend,
	}
}

// Step performs a single optimization step.
func (s *SGD[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	for _, param := range s.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}

		gradData := grad.AsFloat32()
		paramData := param.Tensor().Raw().AsFloat32()

		if s.momentum == 0 {
			for i := range paramData {
				g := gradData[i] + s.weightDecay*paramData[i]
				paramData[i] -= s.lr * g
			}
			continue
		}

		velocityData := s.velocity(param).Raw().AsFloat32()
		for i := range paramData {
			g := gradData[i] + s.weightDecay*paramData[i]
			velocityData[i] = s.momentum*velocityData[i] + g
			paramData[i] -= s.lr * velocityData[i]
		}
	}
}

// velocity returns the momentum buffer for param, creating a zero one on first use.
func (s *SGD[B]) velocity(param *nn.Parameter[B]) *tensor.Tensor[float32, B] {
	v, ok := s.velocities[param]
	if !ok {
		v = tensor.Zeros[float32](param.Tensor().Shape(), s.backend)
		s.velocities[param] = v
	}
	return v
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD[B]) ZeroGrad() {
	for _, param := range s.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (s *SGD[B]) GetLR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD[B]) SetLR(lr float32) {
	s.lr = lr
}

// Kind reports KindSGD.
func (s *SGD[B]) Kind() Kind {
	return KindSGD
}

// Hyperparams reports lr, momentum and weight_decay.
func (s *SGD[B]) Hyperparams() map[string]float64 {
	return map[string]float64{
		"lr":           float64(s.lr),
		"momentum":     float64(s.momentum),
		"weight_decay": float64(s.weightDecay),
	}
}

// StateDict returns the velocity buffers keyed "velocity.{param_index}".
//
// Without momentum, or before the first step, the map is empty.
func (s *SGD[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	if s.momentum == 0 {
		return stateDict
	}

	for i, param := range s.params {
		velocity, ok := s.velocities[param]
		if !ok {
			continue
		}
		stateDict[fmt.Sprintf("velocity.%d", i)] = velocity.Raw()
	}
	return stateDict
}

// LoadStateDict restores velocity buffers.
//
// Returns an error if a velocity shape doesn't match its parameter or a key
// names no velocity buffer. Without momentum the state must be empty.
func (s *SGD[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if s.momentum == 0 {
		return checkStateKeys(stateDict, func(string) bool { return false })
	}
	known := bufferKeys(len(s.params), "velocity")
	if err := checkStateKeys(stateDict, func(key string) bool { return known[key] }); err != nil {
		return err
	}

	velocities := make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B])
	for i, param := range s.params {
		v, ok, err := loadBuffer(stateDict, fmt.Sprintf("velocity.%d", i), param, s.backend)
		if err != nil {
			return err
		}
		if ok {
			velocities[param] = v
		}
	}
	s.velocities = velocities
	return nil
}
