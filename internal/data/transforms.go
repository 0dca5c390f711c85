package data

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"

	"golang.org/x/image/draw"

	"github.com/born-ml/born-imagenet/internal/parallel"
)

// ImageNet channel statistics used by Normalize.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ImageTransform rewrites a decoded image. Implementations return an image
// whose bounds start at the origin.
type ImageTransform interface {
	TransformImage(img *image.RGBA, rng *rand.Rand) (*image.RGBA, error)
}

// TensorTransform rewrites a CHW image in place.
type TensorTransform interface {
	TransformTensor(t *CHW, rng *rand.Rand, cfg parallel.Config)
}

// Pipeline runs image transforms, converts to a [0, 1] CHW tensor, then runs
// tensor transforms.
type Pipeline struct {
	Image    []ImageTransform
	Tensor   []TensorTransform
	Parallel parallel.Config
}

// TrainPipeline is the augmentation chain for training: rescale the short
// side, random flip, random crop, color jitter, normalize.
func TrainPipeline(rescale, crop int) Pipeline {
	return Pipeline{
		Image: []ImageTransform{
			Rescale{Size: rescale},
			RandomHorizontalFlip{P: 0.5},
			RandomCrop{Size: crop},
		},
		Tensor: []TensorTransform{
			ColorJitter{Brightness: 0.2, Contrast: 0.2, Saturation: 0.2},
			Normalize{Mean: ImageNetMean, Std: ImageNetStd},
		},
	}
}

// ValPipeline is the deterministic chain for validation.
func ValPipeline(rescale, crop int) Pipeline {
	return Pipeline{
		Image: []ImageTransform{
			Rescale{Size: rescale},
			CenterCrop{Size: crop},
		},
		Tensor: []TensorTransform{
			Normalize{Mean: ImageNetMean, Std: ImageNetStd},
		},
	}
}

// Run applies the pipeline to img.
func (p Pipeline) Run(img image.Image, rng *rand.Rand) (*CHW, error) {
	rgba := toRGBA(img)
	for _, t := range p.Image {
		var err error
		if rgba, err = t.TransformImage(rgba, rng); err != nil {
			return nil, err
		}
	}

	chw := ToTensor(rgba, p.Parallel)
	for _, t := range p.Tensor {
		t.TransformTensor(chw, rng, p.Parallel)
	}
	return chw, nil
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Rescale resizes so the shorter side equals Size, keeping the aspect ratio.
type Rescale struct {
	Size int
}

// TransformImage implements ImageTransform.
func (r Rescale) TransformImage(img *image.RGBA, _ *rand.Rand) (*image.RGBA, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrImageTooSmall)
	}

	nw, nh := r.Size, r.Size
	if w < h {
		nh = h * r.Size / w
	} else {
		nw = w * r.Size / h
	}
	if nw == w && nh == h {
		return img, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

// RandomHorizontalFlip mirrors the image left to right with probability P.
type RandomHorizontalFlip struct {
	P float64
}

// TransformImage implements ImageTransform.
func (f RandomHorizontalFlip) TransformImage(img *image.RGBA, rng *rand.Rand) (*image.RGBA, error) {
	if rng.Float64() >= f.P {
		return img, nil
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		src := img.Pix[y*img.Stride : y*img.Stride+4*w]
		row := dst.Pix[y*dst.Stride : y*dst.Stride+4*w]
		for x := range w {
			copy(row[4*x:4*x+4], src[4*(w-1-x):4*(w-x)])
		}
	}
	return dst, nil
}

// RandomCrop cuts a Size x Size window at a random position.
type RandomCrop struct {
	Size int
}

// TransformImage implements ImageTransform.
func (c RandomCrop) TransformImage(img *image.RGBA, rng *rand.Rand) (*image.RGBA, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w < c.Size || h < c.Size {
		return nil, fmt.Errorf("%w: %dx%d < %d", ErrImageTooSmall, w, h, c.Size)
	}
	x0 := rng.IntN(w - c.Size + 1)
	y0 := rng.IntN(h - c.Size + 1)
	return crop(img, x0, y0, c.Size), nil
}

// CenterCrop cuts the central Size x Size window.
type CenterCrop struct {
	Size int
}

// TransformImage implements ImageTransform.
func (c CenterCrop) TransformImage(img *image.RGBA, _ *rand.Rand) (*image.RGBA, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w < c.Size || h < c.Size {
		return nil, fmt.Errorf("%w: %dx%d < %d", ErrImageTooSmall, w, h, c.Size)
	}
	x0 := int(math.Round(float64(w-c.Size) / 2))
	y0 := int(math.Round(float64(h-c.Size) / 2))
	return crop(img, x0, y0, c.Size), nil
}

func crop(img *image.RGBA, x0, y0, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		src := img.Pix[(y0+y)*img.Stride+4*x0:]
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+4*size], src[:4*size])
	}
	return dst
}

// ToTensor converts an RGBA image into a 3 x H x W tensor scaled to [0, 1].
func ToTensor(img *image.RGBA, cfg parallel.Config) *CHW {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := NewCHW(3, h, w)
	plane := h * w

	parallel.Range(h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			row := img.Pix[y*img.Stride:]
			for x := range w {
				i := y*w + x
				out.Data[i] = float32(row[4*x]) / 255
				out.Data[plane+i] = float32(row[4*x+1]) / 255
				out.Data[2*plane+i] = float32(row[4*x+2]) / 255
			}
		}
	}, cfg)
	return out
}

// ColorJitter randomly scales brightness, contrast and saturation. Each
// factor is drawn uniformly from [max(0, 1-x), 1+x]; a zero x disables that
// adjustment. It expects an unnormalized 3-channel tensor.
type ColorJitter struct {
	Brightness float32
	Contrast   float32
	Saturation float32
}

// TransformTensor implements TensorTransform.
func (j ColorJitter) TransformTensor(t *CHW, rng *rand.Rand, cfg parallel.Config) {
	if t.C != 3 {
		return
	}
	brightness := jitterFactor(j.Brightness, rng)
	contrast := jitterFactor(j.Contrast, rng)
	saturation := jitterFactor(j.Saturation, rng)

	if brightness != 1 {
		scale(t, brightness, 0, cfg)
	}
	if contrast != 1 {
		scale(t, contrast, meanGray(t), cfg)
	}
	if saturation != 1 {
		saturate(t, saturation, cfg)
	}
}

func jitterFactor(x float32, rng *rand.Rand) float32 {
	if x <= 0 {
		return 1
	}
	lo := max(0, 1-x)
	return lo + rng.Float32()*(1+x-lo)
}

// scale blends every value with center: v = center + (v-center)*f, clamped to [0, 1].
func scale(t *CHW, f, center float32, cfg parallel.Config) {
	parallel.Range(len(t.Data), func(start, end int) {
		for i := start; i < end; i++ {
			t.Data[i] = clamp01(center + (t.Data[i]-center)*f)
		}
	}, cfg)
}

func saturate(t *CHW, f float32, cfg parallel.Config) {
	plane := t.H * t.W
	r, g, b := t.Data[:plane], t.Data[plane:2*plane], t.Data[2*plane:]
	parallel.Range(plane, func(start, end int) {
		for i := start; i < end; i++ {
			gray := luma(r[i], g[i], b[i])
			r[i] = clamp01(gray + (r[i]-gray)*f)
			g[i] = clamp01(gray + (g[i]-gray)*f)
			b[i] = clamp01(gray + (b[i]-gray)*f)
		}
	}, cfg)
}

func meanGray(t *CHW) float32 {
	plane := t.H * t.W
	var sum float64
	for i := range plane {
		sum += float64(luma(t.Data[i], t.Data[plane+i], t.Data[2*plane+i]))
	}
	return float32(sum / float64(plane))
}

func luma(r, g, b float32) float32 {
	return 0.299*r + 0.587*g + 0.114*b
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}

// Normalize maps each channel to (v - Mean[c]) / Std[c].
type Normalize struct {
	Mean [3]float32
	Std  [3]float32
}

// TransformTensor implements TensorTransform.
func (n Normalize) TransformTensor(t *CHW, _ *rand.Rand, cfg parallel.Config) {
	channels := min(t.C, 3)
	parallel.Planes(channels, t.H, func(c, y int) {
		row := t.Data[c*t.H*t.W+y*t.W : c*t.H*t.W+(y+1)*t.W]
		for x := range row {
			row[x] = (row[x] - n.Mean[c]) / n.Std[c]
		}
	}, cfg)
}
