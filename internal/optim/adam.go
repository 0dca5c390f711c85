package optim

import (
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

const adamStepKey = "step"

// Adam implements the Adam optimizer with bias correction.
//
// Weight decay is applied as an L2 term added to the gradient, matching
// the classic (non-decoupled) formulation.
type Adam[B tensor.Backend] struct {
	params      []*nn.Parameter[B]
	lr          float32
	beta1       float32
	beta2       float32
	eps         float32
	weightDecay float32
	t           int                                             // Timestep for bias correction
	m           map[*nn.Parameter[B]]*tensor.Tensor[float32, B] // First moment estimates
	v           map[*nn.Parameter[B]]*tensor.Tensor[float32, B] // Second moment estimates
	backend     B
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR          float32    // Learning rate (default: 0.001)
	Betas       [2]float32 // Coefficients for running averages (default: [0.9, 0.999])
	Eps         float32    // Term for numerical stability (default: 1e-8)
	WeightDecay float32    // L2 penalty (default: 0.0)
}

// NewAdam creates a new Adam optimizer, filling unset hyperparameters with defaults.
func NewAdam[B tensor.Backend](params []*nn.Parameter[B], config AdamConfig, backend B) *Adam[B] {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}

	return &Adam[B]{
		params:      params,
		lr:          config.LR,
		beta1:       config.Betas[0],
		beta2:       config.Betas[1],
		eps:         config.Eps,
		weightDecay: config.WeightDecay,
		m:           make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		v:           make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		backend:     backend,
	}
}

// Step performs a single optimization step using the Adam algorithm.
func (a *Adam[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	a.t++

	biasCorrection1 := float32(1.0 - math.Pow(float64(a.beta1), float64(a.t)))
	biasCorrection2 := float32(1.0 - math.Pow(float64(a.beta2), float64(a.t)))

	for _, param := range a.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}

		m, ok := a.m[param]
		if !ok {
			m = tensor.Zeros[float32](param.Tensor().Shape(), a.backend)
			a.m[param] = m
		}
		v, ok := a.v[param]
		if !ok {
			v = tensor.Zeros[float32](param.Tensor().Shape(), a.backend)
			a.v[param] = v
		}

		a.updateParameter(param, grad.AsFloat32(), m, v, biasCorrection1, biasCorrection2)
	}
}

func (a *Adam[B]) updateParameter(
	param *nn.Parameter[B],
	gradData []float32,
	m, v *tensor.Tensor[float32, B],
	biasCorrection1, biasCorrection2 float32,
) {
	mData := m.Raw().AsFloat32()
	vData := v.Raw().AsFloat32()
	paramData := param.Tensor().Raw().AsFloat32()

	for i := range paramData {
		g := gradData[i] + a.weightDecay*paramData[i]

		// m_t = beta1 * m_{t-1} + (1-beta1) * g
		mData[i] = a.beta1*mData[i] + (1.0-a.beta1)*g
		// v_t = beta2 * v_{t-1} + (1-beta2) * g²
		vData[i] = a.beta2*vData[i] + (1.0-a.beta2)*g*g

		mHat := mData[i] / biasCorrection1
		vHat := vData[i] / biasCorrection2

		paramData[i] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
	}
}

// ZeroGrad clears gradients for all parameters.
func (a *Adam[B]) ZeroGrad() {
	for _, param := range a.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (a *Adam[B]) GetLR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *Adam[B]) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the number of steps taken so far.
func (a *Adam[B]) GetTimestep() int {
	return a.t
}

// Kind reports KindAdam.
func (a *Adam[B]) Kind() Kind {
	return KindAdam
}

// Hyperparams reports lr, betas, eps and weight_decay.
func (a *Adam[B]) Hyperparams() map[string]float64 {
	return map[string]float64{
		"lr":           float64(a.lr),
		"beta1":        float64(a.beta1),
		"beta2":        float64(a.beta2),
		"eps":          float64(a.eps),
		"weight_decay": float64(a.weightDecay),
	}
}

// StateDict exports "m.{i}", "v.{i}" and the int32 timestep under "step".
func (a *Adam[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)

	for i, param := range a.params {
		if m, ok := a.m[param]; ok {
			stateDict[fmt.Sprintf("m.%d", i)] = m.Raw()
		}
		if v, ok := a.v[param]; ok {
			stateDict[fmt.Sprintf("v.%d", i)] = v.Raw()
		}
	}

	step := tensor.Zeros[int32](tensor.Shape{1}, a.backend)
	step.Raw().AsInt32()[0] = int32(a.t) //nolint:gosec // G115: step count fits in int32
	stateDict[adamStepKey] = step.Raw()

	return stateDict
}

// LoadStateDict restores moments and timestep.
func (a *Adam[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	known := bufferKeys(len(a.params), "m", "v")
	known[adamStepKey] = true
	if err := checkStateKeys(stateDict, func(key string) bool { return known[key] }); err != nil {
		return err
	}

	m := make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B])
	v := make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B])

	for i, param := range a.params {
		mi, ok, err := loadBuffer(stateDict, fmt.Sprintf("m.%d", i), param, a.backend)
		if err != nil {
			return err
		}
		if ok {
			m[param] = mi
		}

		vi, ok, err := loadBuffer(stateDict, fmt.Sprintf("v.%d", i), param, a.backend)
		if err != nil {
			return err
		}
		if ok {
			v[param] = vi
		}
	}

	t := 0
	if step, ok := stateDict[adamStepKey]; ok {
		if step.DType() != tensor.Int32 || step.NumElements() != 1 {
			return fmt.Errorf("%w: %s must be a single int32", ErrInvalidState, adamStepKey)
		}
		t = int(step.AsInt32()[0])
	}

	a.m, a.v, a.t = m, v, t
	return nil
}
