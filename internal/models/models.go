// Package models implements the image classifiers that can be trained.
//
// Every model is built from Born layers (Conv2D, MaxPool2D, Linear, ReLU)
// plus the Dropout, Flatten and GlobalAvgPool layers defined here. Models
// are generic over the backend so the same constructors serve CPU and GPU
// training.
package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Errors returned by the registry and by LoadStateDict.
var (
	ErrUnknownModel     = errors.New("unknown model")
	ErrMissingParameter = errors.New("missing parameter")
	ErrShapeMismatch    = errors.New("parameter shape mismatch")
	ErrUnexpectedKey    = errors.New("unexpected parameter")
)

// Model is an image classifier mapping [N, C, H, W] images to [N, classes] logits.
type Model[B tensor.Backend] interface {
	nn.Module[B]

	// SetTraining switches between training mode (dropout active) and eval mode.
	SetTraining(training bool)

	// InputSize is the expected [C, H, W] of a single image.
	InputSize() [3]int

	String() string
}

// Info describes a registered model.
type Info struct {
	Key       string
	InputSize [3]int
	Summary   string
}

var registry = map[string]Info{
	"alexnet1": {Key: "alexnet1", InputSize: [3]int{3, 227, 227}, Summary: "AlexNet, original two-tower widths merged"},
	"alexnet2": {Key: "alexnet2", InputSize: [3]int{3, 224, 224}, Summary: "AlexNet, one weird trick variant"},
	"vgg16":    {Key: "vgg16", InputSize: [3]int{3, 224, 224}, Summary: "VGG, configuration D"},
	"vgg19":    {Key: "vgg19", InputSize: [3]int{3, 224, 224}, Summary: "VGG, configuration E"},
	"resnet34": {Key: "resnet34", InputSize: [3]int{3, 224, 224}, Summary: "ResNet-34 basic blocks, no batch norm"},
	"lenet":    {Key: "lenet", InputSize: [3]int{3, 32, 32}, Summary: "LeNet-5 style net for smoke runs"},
}

// Keys returns the registered model keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the description of a registered model.
func Lookup(key string) (Info, error) {
	info, ok := registry[key]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q (available: %s)", ErrUnknownModel, key, strings.Join(Keys(), ", "))
	}
	return info, nil
}

// New builds the model registered under key with numClasses outputs.
func New[B tensor.Backend](key string, backend B, numClasses int) (Model[B], error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("numClasses must be positive, got %d", numClasses)
	}
	switch key {
	case "alexnet1":
		return NewAlexNetV1(backend, numClasses), nil
	case "alexnet2":
		return NewAlexNetV2(backend, numClasses), nil
	case "vgg16":
		return NewVGG(VGG16, backend, numClasses), nil
	case "vgg19":
		return NewVGG(VGG19, backend, numClasses), nil
	case "resnet34":
		return NewResNet34(backend, numClasses), nil
	case "lenet":
		return NewLeNet(backend, numClasses), nil
	default:
		_, err := Lookup(key)
		return nil, err
	}
}

// CountParameters returns the total number of trainable scalars in m.
func CountParameters[B tensor.Backend](m nn.Module[B]) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Tensor().Shape().NumElements()
	}
	return total
}

// StateDict exports the parameters of m keyed "{index}.{name}". Parameter
// names repeat across layers, so the index keeps keys unique.
func StateDict[B tensor.Backend](m nn.Module[B]) map[string]*tensor.RawTensor {
	params := m.Parameters()
	state := make(map[string]*tensor.RawTensor, len(params))
	for i, p := range params {
		state[paramKey(i, p)] = p.Tensor().Raw()
	}
	return state
}

// LoadStateDict copies state into the parameters of m. Every entry is
// validated before anything is written, so a failed load leaves m untouched.
func LoadStateDict[B tensor.Backend](m nn.Module[B], state map[string]*tensor.RawTensor) error {
	params := m.Parameters()
	if len(state) > len(params) {
		for key := range state {
			if !hasKey(params, key) {
				return fmt.Errorf("%w: %s", ErrUnexpectedKey, key)
			}
		}
	}

	for i, p := range params {
		key := paramKey(i, p)
		raw, ok := state[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingParameter, key)
		}
		if raw.DType() != tensor.Float32 {
			return fmt.Errorf("%w: %s has dtype %s, expected float32", ErrShapeMismatch, key, raw.DType())
		}
		if !raw.Shape().Equal(p.Tensor().Shape()) {
			return fmt.Errorf("%w: %s: expected %v, got %v", ErrShapeMismatch, key, p.Tensor().Shape(), raw.Shape())
		}
	}

	for i, p := range params {
		copy(p.Tensor().Raw().AsFloat32(), state[paramKey(i, p)].AsFloat32())
	}
	return nil
}

func paramKey[B tensor.Backend](i int, p *nn.Parameter[B]) string {
	return fmt.Sprintf("%d.%s", i, p.Name())
}

func hasKey[B tensor.Backend](params []*nn.Parameter[B], key string) bool {
	for i, p := range params {
		if paramKey(i, p) == key {
			return true
		}
	}
	return false
}

// Weights adapts a module to the StateDict/LoadStateDict pair checkpoints use.
type Weights[B tensor.Backend] struct {
	Module nn.Module[B]
}

// StateDict implements checkpoint.StateDicter.
func (w Weights[B]) StateDict() map[string]*tensor.RawTensor {
	return StateDict(w.Module)
}

// LoadStateDict implements checkpoint.StateDicter.
func (w Weights[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	return LoadStateDict(w.Module, state)
}
