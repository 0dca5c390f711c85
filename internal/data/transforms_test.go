package data_test

import (
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-imagenet/internal/data"
	"github.com/born-ml/born-imagenet/internal/parallel"
)

// gradient builds a w x h image whose red channel encodes x and green encodes y.
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	return img
}

func newRNG() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestRescale_ShortSide(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		size         int
		wantW, wantH int
	}{
		{"landscape", 40, 20, 10, 20, 10},
		{"portrait", 20, 40, 10, 10, 20},
		{"square", 30, 30, 15, 15, 15},
		{"already sized", 10, 25, 10, 10, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := data.Rescale{Size: tt.size}.TransformImage(gradient(tt.w, tt.h), newRNG())
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, out.Bounds().Dx())
			assert.Equal(t, tt.wantH, out.Bounds().Dy())
		})
	}
}

func TestRandomHorizontalFlip(t *testing.T) {
	img := gradient(5, 3)

	flipped, err := data.RandomHorizontalFlip{P: 1}.TransformImage(img, newRNG())
	require.NoError(t, err)
	for x := range 5 {
		assert.Equal(t, uint8(4-x), flipped.RGBAAt(x, 1).R)
	}

	same, err := data.RandomHorizontalFlip{P: 0}.TransformImage(img, newRNG())
	require.NoError(t, err)
	assert.Same(t, img, same)
}

func TestCenterCrop(t *testing.T) {
	out, err := data.CenterCrop{Size: 4}.TransformImage(gradient(10, 8), newRNG())
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 4, 4), out.Bounds())
	assert.Equal(t, uint8(3), out.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(2), out.RGBAAt(0, 0).G)

	_, err = data.CenterCrop{Size: 20}.TransformImage(gradient(10, 8), newRNG())
	require.ErrorIs(t, err, data.ErrImageTooSmall)
}

func TestRandomCrop_StaysInBounds(t *testing.T) {
	rng := newRNG()
	for range 50 {
		out, err := data.RandomCrop{Size: 6}.TransformImage(gradient(10, 9), rng)
		require.NoError(t, err)
		x0, y0 := out.RGBAAt(0, 0).R, out.RGBAAt(0, 0).G
		assert.LessOrEqual(t, int(x0), 4)
		assert.LessOrEqual(t, int(y0), 3)
		assert.Equal(t, x0+5, out.RGBAAt(5, 5).R, "crop is contiguous")
	}
}

func TestToTensorAndNormalize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := range 2 {
		for x := range 2 {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}

	chw := data.ToTensor(img, parallel.Sequential())
	assert.Equal(t, [3]int{3, 2, 2}, chw.Shape())
	assert.InDelta(t, 1.0, chw.Data[0], 1e-6)
	assert.InDelta(t, 0.0, chw.Data[4], 1e-6)
	assert.InDelta(t, 0.2, chw.Data[8], 1e-6)

	data.Normalize{Mean: data.ImageNetMean, Std: data.ImageNetStd}.TransformTensor(chw, newRNG(), parallel.Sequential())
	assert.InDelta(t, (1-0.485)/0.229, chw.Data[0], 1e-5)
	assert.InDelta(t, (0-0.456)/0.224, chw.Data[4], 1e-5)
	assert.InDelta(t, (0.2-0.406)/0.225, chw.Data[8], 1e-5)
}

func TestColorJitter(t *testing.T) {
	base := data.ToTensor(gradient(16, 16), parallel.Sequential())

	noop := &data.CHW{C: base.C, H: base.H, W: base.W, Data: append([]float32(nil), base.Data...)}
	data.ColorJitter{}.TransformTensor(noop, newRNG(), parallel.Sequential())
	assert.Equal(t, base.Data, noop.Data)

	jittered := &data.CHW{C: base.C, H: base.H, W: base.W, Data: append([]float32(nil), base.Data...)}
	data.ColorJitter{Brightness: 0.9, Contrast: 0.9, Saturation: 0.9}.
		TransformTensor(jittered, newRNG(), parallel.DefaultConfig())
	assert.NotEqual(t, base.Data, jittered.Data)
	for _, v := range jittered.Data {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestPipelines_OutputShape(t *testing.T) {
	for name, p := range map[string]data.Pipeline{
		"train": data.TrainPipeline(32, 24),
		"val":   data.ValPipeline(32, 24),
	} {
		t.Run(name, func(t *testing.T) {
			chw, err := p.Run(gradient(64, 48), newRNG())
			require.NoError(t, err)
			assert.Equal(t, [3]int{3, 24, 24}, chw.Shape())
		})
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestImageFolder(t *testing.T) {
	root := t.TempDir()
	synsetsPath := filepath.Join(root, "synsets.txt")
	require.NoError(t, os.WriteFile(synsetsPath,
		[]byte("n01440764 tench, Tinca tinca\n\nn01443537 goldfish\n"), 0o600))

	dir := filepath.Join(root, "val_flatten")
	require.NoError(t, os.Mkdir(dir, 0o750))
	writePNG(t, filepath.Join(dir, "n01443537_2.png"), gradient(12, 10))
	writePNG(t, filepath.Join(dir, "n01440764_1.png"), gradient(10, 12))
	writePNG(t, filepath.Join(dir, "ILSVRC2012_val_00000003_n01443537.png"), gradient(10, 10))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("skip me"), 0o600))

	synsets, err := data.LoadSynsets(synsetsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"n01440764", "n01443537"}, synsets)

	folder, err := data.NewImageFolder(dir, synsets, data.ValPipeline(8, 8))
	require.NoError(t, err)
	require.Equal(t, 3, folder.Len())

	// Sorted by filename.
	assert.Equal(t, 1, folder.Label(0))
	assert.Equal(t, 0, folder.Label(1))
	assert.Equal(t, 1, folder.Label(2))

	s, err := folder.Get(1, newRNG())
	require.NoError(t, err)
	assert.Equal(t, [3]int{3, 8, 8}, s.Image.Shape())
	assert.Equal(t, 0, s.Label)
}

func TestImageFolder_UnknownSynset(t *testing.T) {
	for _, name := range []string{
		"n99999999_1.png",
		"ILSVRC2012_val_00000001_n99999999.png",
		"nounderscore.png",
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writePNG(t, filepath.Join(dir, name), gradient(4, 4))

			_, err := data.NewImageFolder(dir, []string{"n01440764"}, data.ValPipeline(4, 4))
			require.ErrorIs(t, err, data.ErrUnknownSynset)
		})
	}
}
