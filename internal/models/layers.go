package models

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// trainable is implemented by layers whose behavior depends on the mode.
type trainable interface {
	SetTraining(training bool)
}

type layer[B tensor.Backend] struct {
	module nn.Module[B]
	desc   string
}

// stack runs layers in order and keeps a printable description of each.
type stack[B tensor.Backend] struct {
	layers []layer[B]
}

func (s *stack[B]) add(m nn.Module[B], desc string) {
	s.layers = append(s.layers, layer[B]{module: m, desc: desc})
}

func (s *stack[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	for _, l := range s.layers {
		x = l.module.Forward(x)
	}
	return x
}

func (s *stack[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, l := range s.layers {
		params = append(params, l.module.Parameters()...)
	}
	return params
}

func (s *stack[B]) SetTraining(training bool) {
	for _, l := range s.layers {
		if t, ok := l.module.(trainable); ok {
			t.SetTraining(training)
		}
	}
}

func (s *stack[B]) describe(sb *strings.Builder, indent string) {
	for _, l := range s.layers {
		sb.WriteString(indent)
		sb.WriteString(l.desc)
		sb.WriteByte('\n')
	}
}

// builder assembles a stack while tracking the spatial size of the activations.
type builder[B tensor.Backend] struct {
	backend  B
	s        *stack[B]
	channels int
	h, w     int
}

func newBuilder[B tensor.Backend](backend B, input [3]int) *builder[B] {
	return &builder[B]{backend: backend, s: &stack[B]{}, channels: input[0], h: input[1], w: input[2]}
}

func (b *builder[B]) conv(out, kernel, stride, padding int) *builder[B] {
	conv := nn.NewConv2D(b.channels, out, kernel, kernel, stride, padding, true, b.backend)
	size := conv.ComputeOutputSize(b.h, b.w)
	b.s.add(conv, conv.String())
	b.channels, b.h, b.w = out, size[0], size[1]
	return b
}

func (b *builder[B]) relu() *builder[B] {
	b.s.add(nn.NewReLU[B](), "ReLU()")
	return b
}

func (b *builder[B]) pool(kernel, stride int) *builder[B] {
	pool := nn.NewMaxPool2D(kernel, stride, b.backend)
	size := pool.ComputeOutputSize(b.h, b.w)
	b.s.add(pool, pool.String())
	b.h, b.w = size[0], size[1]
	return b
}

func (b *builder[B]) flatten() *builder[B] {
	b.s.add(Flatten[B]{}, "Flatten()")
	b.channels, b.h, b.w = b.channels*b.h*b.w, 1, 1
	return b
}

func (b *builder[B]) linear(out int) *builder[B] {
	b.s.add(nn.NewLinear(b.channels, out, b.backend), fmt.Sprintf("Linear(in=%d, out=%d)", b.channels, out))
	b.channels = out
	return b
}

func (b *builder[B]) dropout(p float32, seed uint64) *builder[B] {
	d := NewDropout(p, b.backend, seed)
	b.s.add(d, d.String())
	return b
}

// features is the flattened size the next Linear layer will see.
func (b *builder[B]) features() int {
	return b.channels * b.h * b.w
}

// Dropout zeroes each activation with probability P during training and
// scales the survivors by 1/(1-P). In eval mode it is the identity.
type Dropout[B tensor.Backend] struct {
	P        float32
	training bool
	rng      *rand.Rand
	backend  B
}

// NewDropout creates a dropout layer in training mode with a seeded mask generator.
func NewDropout[B tensor.Backend](p float32, backend B, seed uint64) *Dropout[B] {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout probability must be in [0, 1), got %v", p))
	}
	return &Dropout[B]{
		P:        p,
		training: true,
		rng:      rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15)),
		backend:  backend,
	}
}

// Forward multiplies the input by a fresh random mask.
func (d *Dropout[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !d.training || d.P == 0 {
		return input
	}

	shape := input.Shape()
	mask := make([]float32, shape.NumElements())
	keep := 1 / (1 - d.P)
	for i := range mask {
		if d.rng.Float32() >= d.P {
			mask[i] = keep
		}
	}

	m, err := tensor.FromSlice(mask, shape, d.backend)
	if err != nil {
		panic(fmt.Sprintf("dropout mask: %v", err))
	}
	return input.Mul(m)
}

// Parameters returns nil; dropout has no weights.
func (d *Dropout[B]) Parameters() []*nn.Parameter[B] {
	return nil
}

// SetTraining enables or disables the mask.
func (d *Dropout[B]) SetTraining(training bool) {
	d.training = training
}

// Training reports whether the mask is applied.
func (d *Dropout[B]) Training() bool {
	return d.training
}

func (d *Dropout[B]) String() string {
	return fmt.Sprintf("Dropout(p=%g)", d.P)
}

// Flatten reshapes [N, ...] to [N, features].
type Flatten[B tensor.Backend] struct{}

// Forward implements nn.Module.
func (Flatten[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	return input.Reshape(shape[0], shape.NumElements()/shape[0])
}

// Parameters implements nn.Module.
func (Flatten[B]) Parameters() []*nn.Parameter[B] {
	return nil
}

// GlobalAvgPool averages each channel of [N, C, H, W] down to [N, C].
//
// Born has no mean reduction over a dimension, so the average is a MatMul
// against a constant 1/(H*W) column, which keeps it on the tape.
type GlobalAvgPool[B tensor.Backend] struct {
	backend B
}

// NewGlobalAvgPool creates a global average pooling layer.
func NewGlobalAvgPool[B tensor.Backend](backend B) GlobalAvgPool[B] {
	return GlobalAvgPool[B]{backend: backend}
}

// Forward implements nn.Module.
func (g GlobalAvgPool[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("GlobalAvgPool: expected 4D input, got %v", shape))
	}
	n, c, plane := shape[0], shape[1], shape[2]*shape[3]
	column := tensor.Full[float32](tensor.Shape{plane, 1}, 1/float32(plane), g.backend)
	return input.Reshape(n*c, plane).MatMul(column).Reshape(n, c)
}

// Parameters implements nn.Module.
func (g GlobalAvgPool[B]) Parameters() []*nn.Parameter[B] {
	return nil
}
