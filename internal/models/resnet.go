package models

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// BasicBlock is the two-convolution residual block of ResNet-18/34:
// relu(conv2(relu(conv1(x))) + shortcut(x)).
//
// Born has no batch normalization, so the convolutions carry a bias instead.
type BasicBlock[B tensor.Backend] struct {
	conv1    *nn.Conv2D[B]
	conv2    *nn.Conv2D[B]
	shortcut *nn.Conv2D[B] // nil for the identity shortcut
	relu     *nn.ReLU[B]
}

// NewBasicBlock creates a block mapping in to out channels. A 1x1 projection
// shortcut is added when the stride or the channel count changes.
func NewBasicBlock[B tensor.Backend](in, out, stride int, backend B) *BasicBlock[B] {
	block := &BasicBlock[B]{
		conv1: nn.NewConv2D(in, out, 3, 3, stride, 1, true, backend),
		conv2: nn.NewConv2D(out, out, 3, 3, 1, 1, true, backend),
		relu:  nn.NewReLU[B](),
	}
	if stride != 1 || in != out {
		block.shortcut = nn.NewConv2D(in, out, 1, 1, stride, 0, true, backend)
	}
	return block
}

// Forward implements nn.Module.
func (b *BasicBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := b.relu.Forward(b.conv1.Forward(x))
	out = b.conv2.Forward(out)

	identity := x
	if b.shortcut != nil {
		identity = b.shortcut.Forward(x)
	}
	return b.relu.Forward(out.Add(identity))
}

// Parameters implements nn.Module.
func (b *BasicBlock[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 6)
	params = append(params, b.conv1.Parameters()...)
	params = append(params, b.conv2.Parameters()...)
	if b.shortcut != nil {
		params = append(params, b.shortcut.Parameters()...)
	}
	return params
}

func (b *BasicBlock[B]) String() string {
	if b.shortcut == nil {
		return fmt.Sprintf("BasicBlock(%s, %s)", b.conv1, b.conv2)
	}
	return fmt.Sprintf("BasicBlock(%s, %s, shortcut=%s)", b.conv1, b.conv2, b.shortcut)
}

// ResNet is a residual network built from BasicBlocks.
type ResNet[B tensor.Backend] struct {
	name  string
	input [3]int
	body  *stack[B]
}

// NewResNet34 builds ResNet-34 (He et al., 2015) with [3, 4, 6, 3] basic
// blocks, global average pooling and a linear classifier.
//
// Input: [N, 3, 224, 224].
func NewResNet34[B tensor.Backend](backend B, numClasses int) *ResNet[B] {
	input := registry["resnet34"].InputSize
	bld := newBuilder(backend, input).
		conv(64, 7, 2, 3).relu(). // 224 -> 112
		pool(3, 2)                // 112 -> 55

	in := 64
	for stage, cfg := range []struct{ out, blocks int }{{64, 3}, {128, 4}, {256, 6}, {512, 3}} {
		for i := range cfg.blocks {
			stride := 1
			if i == 0 && stage > 0 {
				stride = 2
			}
			block := NewBasicBlock(in, cfg.out, stride, backend)
			bld.s.add(block, block.String())
			in = cfg.out
		}
	}
	bld.s.add(NewGlobalAvgPool(backend), "GlobalAvgPool()")
	bld.channels, bld.h, bld.w = in, 1, 1
	bld.linear(numClasses)

	return &ResNet[B]{name: "ResNet34", input: input, body: bld.s}
}

// Forward maps [N, 3, 224, 224] images to [N, classes] logits.
func (r *ResNet[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkInput(r.name, input, r.input)
	return r.body.Forward(input)
}

// Parameters implements nn.Module.
func (r *ResNet[B]) Parameters() []*nn.Parameter[B] {
	return r.body.Parameters()
}

// SetTraining forwards the mode to every layer.
func (r *ResNet[B]) SetTraining(training bool) {
	r.body.SetTraining(training)
}

// InputSize implements Model.
func (r *ResNet[B]) InputSize() [3]int {
	return r.input
}

func (r *ResNet[B]) String() string {
	var sb strings.Builder
	sb.WriteString(r.name)
	sb.WriteString("(\n")
	r.body.describe(&sb, "  ")
	sb.WriteString(")")
	return sb.String()
}
