package models

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Classifier is a plain feed-forward network: a feature extractor followed
// by a fully connected head. AlexNet, VGG and LeNet are all Classifiers.
type Classifier[B tensor.Backend] struct {
	name     string
	input    [3]int
	features *stack[B]
	head     *stack[B]
}

// Forward maps [N, C, H, W] images to [N, classes] logits.
func (c *Classifier[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkInput(c.name, input, c.input)
	return c.head.Forward(c.features.Forward(input))
}

// Parameters returns the feature parameters followed by the head parameters.
func (c *Classifier[B]) Parameters() []*nn.Parameter[B] {
	params := c.features.Parameters()
	return append(params, c.head.Parameters()...)
}

// SetTraining toggles dropout in the head.
func (c *Classifier[B]) SetTraining(training bool) {
	c.features.SetTraining(training)
	c.head.SetTraining(training)
}

// InputSize implements Model.
func (c *Classifier[B]) InputSize() [3]int {
	return c.input
}

func (c *Classifier[B]) String() string {
	var sb strings.Builder
	sb.WriteString(c.name)
	sb.WriteString("(\n  features:\n")
	c.features.describe(&sb, "    ")
	sb.WriteString("  classifier:\n")
	c.head.describe(&sb, "    ")
	sb.WriteString(")")
	return sb.String()
}

func checkInput[B tensor.Backend](name string, input *tensor.Tensor[float32, B], want [3]int) {
	shape := input.Shape()
	if len(shape) != 4 || shape[1] != want[0] || shape[2] != want[1] || shape[3] != want[2] {
		panic(fmt.Sprintf("%s: expected input [N, %d, %d, %d], got %v", name, want[0], want[1], want[2], shape))
	}
}

// NewAlexNetV1 builds the network of Krizhevsky et al. (2012) with the two
// GPU towers merged and local response normalization omitted.
//
// Input: [N, 3, 227, 227].
func NewAlexNetV1[B tensor.Backend](backend B, numClasses int) *Classifier[B] {
	input := registry["alexnet1"].InputSize
	f := newBuilder(backend, input).
		conv(96, 11, 4, 0).relu().pool(3, 2). // 55 -> 27
		conv(256, 5, 1, 2).relu().pool(3, 2). // 27 -> 13
		conv(384, 3, 1, 1).relu().
		conv(384, 3, 1, 1).relu().
		conv(256, 3, 1, 1).relu().pool(3, 2) // 13 -> 6

	return &Classifier[B]{
		name:     "AlexNetV1",
		input:    input,
		features: f.s,
		head:     alexHead(backend, f.features(), numClasses),
	}
}

// NewAlexNetV2 builds the single-column variant from "One weird trick for
// parallelizing convolutional neural networks" (Krizhevsky, 2014).
//
// Input: [N, 3, 224, 224].
func NewAlexNetV2[B tensor.Backend](backend B, numClasses int) *Classifier[B] {
	input := registry["alexnet2"].InputSize
	f := newBuilder(backend, input).
		conv(64, 11, 4, 2).relu().pool(3, 2). // 55 -> 27
		conv(192, 5, 1, 2).relu().pool(3, 2). // 27 -> 13
		conv(384, 3, 1, 1).relu().
		conv(256, 3, 1, 1).relu().
		conv(256, 3, 1, 1).relu().pool(3, 2) // 13 -> 6

	return &Classifier[B]{
		name:     "AlexNetV2",
		input:    input,
		features: f.s,
		head:     alexHead(backend, f.features(), numClasses),
	}
}

// alexHead is the dropout-regularized head shared by AlexNet and VGG.
func alexHead[B tensor.Backend](backend B, features, numClasses int) *stack[B] {
	return newBuilder(backend, [3]int{features, 1, 1}).
		flatten().
		dropout(0.5, 1).linear(4096).relu().
		dropout(0.5, 2).linear(4096).relu().
		linear(numClasses).s
}

// VGGConfig lists output channels per convolution; 0 marks a 2x2 max pool.
type VGGConfig []int

// VGG layer configurations D and E from Simonyan & Zisserman (2014).
var (
	VGG16 = VGGConfig{64, 64, 0, 128, 128, 0, 256, 256, 256, 0, 512, 512, 512, 0, 512, 512, 512, 0}
	VGG19 = VGGConfig{64, 64, 0, 128, 128, 0, 256, 256, 256, 256, 0, 512, 512, 512, 512, 0, 512, 512, 512, 512, 0}
)

// NewVGG builds a VGG network from cfg. Input: [N, 3, 224, 224].
func NewVGG[B tensor.Backend](cfg VGGConfig, backend B, numClasses int) *Classifier[B] {
	input := [3]int{3, 224, 224}
	f := newBuilder(backend, input)
	convs := 0
	for _, out := range cfg {
		if out == 0 {
			f.pool(2, 2)
			continue
		}
		f.conv(out, 3, 1, 1).relu()
		convs++
	}

	return &Classifier[B]{
		name:     fmt.Sprintf("VGG%d", convs+3),
		input:    input,
		features: f.s,
		head:     alexHead(backend, f.features(), numClasses),
	}
}

// NewLeNet builds a LeNet-5 style network for 3x32x32 inputs. It trains in
// seconds on the CPU and is used for smoke runs.
func NewLeNet[B tensor.Backend](backend B, numClasses int) *Classifier[B] {
	input := registry["lenet"].InputSize
	f := newBuilder(backend, input).
		conv(6, 5, 1, 0).relu().pool(2, 2). // 28 -> 14
		conv(16, 5, 1, 0).relu().pool(2, 2) // 10 -> 5

	head := newBuilder(backend, [3]int{f.features(), 1, 1}).
		flatten().
		linear(120).relu().
		linear(84).relu().
		linear(numClasses).s

	return &Classifier[B]{
		name:     "LeNet",
		input:    input,
		features: f.s,
		head:     head,
	}
}
