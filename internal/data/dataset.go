// Package data loads labeled images, augments them and assembles batches.
//
// A Dataset yields CHW float32 samples. A Loader shuffles sample indices
// with a seeded generator, decodes samples on a bounded pool of worker
// goroutines and hands batches to the caller strictly in order, so a given
// seed always produces the same batch sequence.
package data

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/webp" // register WebP decoder
)

// Errors returned by datasets and loaders.
var (
	ErrShapeMismatch = errors.New("sample shape mismatch")
	ErrUnknownSynset = errors.New("image does not map to a known synset")
	ErrEmptyDataset  = errors.New("dataset is empty")
	ErrImageTooSmall = errors.New("image smaller than crop size")
)

// CHW is an image as float32 planes in channel, height, width order.
type CHW struct {
	C, H, W int
	Data    []float32
}

// NewCHW allocates a zeroed CHW image.
func NewCHW(c, h, w int) *CHW {
	return &CHW{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// Shape returns [C, H, W].
func (t *CHW) Shape() [3]int {
	return [3]int{t.C, t.H, t.W}
}

// Sample is one decoded, transformed example.
type Sample struct {
	Image *CHW
	Label int
}

// Dataset is an indexable collection of samples.
//
// Get receives a generator dedicated to that sample so random augmentation
// stays reproducible regardless of which worker runs it.
type Dataset interface {
	Len() int
	Get(i int, rng *rand.Rand) (Sample, error)
}

// LoadSynsets reads a synset file. Each non-empty line starts with a synset
// id; the line index is the class index.
func LoadSynsets(path string) ([]string, error) {
	//nolint:gosec // G304: dataset path comes from configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open synsets: %w", err)
	}
	defer func() { _ = f.Close() }()

	var synsets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		synsets = append(synsets, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read synsets: %w", err)
	}
	if len(synsets) == 0 {
		return nil, fmt.Errorf("%w: no synsets in %s", ErrEmptyDataset, path)
	}
	return synsets, nil
}

var imageExtensions = map[string]bool{
	".jpeg": true,
	".jpg":  true,
	".png":  true,
	".webp": true,
}

// ImageFolder is a flattened directory of images whose filenames carry the
// synset id, such as n01440764_10026.JPEG.
type ImageFolder struct {
	dir      string
	files    []string
	labels   []int
	pipeline Pipeline
}

// NewImageFolder indexes every image in dir. The label of a file is the
// synset matching the part of its name before the first underscore, or
// failing that the part after the last one.
func NewImageFolder(dir string, synsets []string, pipeline Pipeline) (*ImageFolder, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image dir: %w", err)
	}

	index := make(map[string]int, len(synsets))
	for i, s := range synsets {
		index[s] = i
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrEmptyDataset, dir)
	}

	folder := &ImageFolder{
		dir:      dir,
		files:    make([]string, 0, len(names)),
		labels:   make([]int, 0, len(names)),
		pipeline: pipeline,
	}
	for _, name := range names {
		label, ok := labelFor(name, index)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSynset, name)
		}
		folder.files = append(folder.files, name)
		folder.labels = append(folder.labels, label)
	}
	return folder, nil
}

func labelFor(name string, index map[string]int) (int, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	first, _, _ := strings.Cut(stem, "_")
	if label, ok := index[first]; ok {
		return label, true
	}
	if i := strings.LastIndex(stem, "_"); i >= 0 {
		label, ok := index[stem[i+1:]]
		return label, ok
	}
	return 0, false
}

// Len returns the number of images.
func (f *ImageFolder) Len() int {
	return len(f.files)
}

// Label returns the class of image i without decoding it.
func (f *ImageFolder) Label(i int) int {
	return f.labels[i]
}

// Get decodes image i and runs it through the pipeline.
func (f *ImageFolder) Get(i int, rng *rand.Rand) (Sample, error) {
	path := filepath.Join(f.dir, f.files[i])

	//nolint:gosec // G304: path is built from a directory listing
	file, err := os.Open(path)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(bufio.NewReader(file))
	if err != nil {
		return Sample{}, fmt.Errorf("failed to decode %s: %w", f.files[i], err)
	}

	chw, err := f.pipeline.Run(img, rng)
	if err != nil {
		return Sample{}, fmt.Errorf("%s: %w", f.files[i], err)
	}
	return Sample{Image: chw, Label: f.labels[i]}, nil
}

// Synthetic produces deterministic pseudo-random images, for smoke runs and tests.
//
// Every pixel of a sample is offset by its label, so the classes are
// separable and a small network can fit them.
type Synthetic struct {
	N       int
	Classes int
	Shape   [3]int
	Seed    uint64
}

// Len returns N.
func (s *Synthetic) Len() int {
	return s.N
}

// Get builds sample i. The result depends only on Seed and i.
func (s *Synthetic) Get(i int, _ *rand.Rand) (Sample, error) {
	if i < 0 || i >= s.N {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", i, s.N)
	}
	label := i % s.Classes
	rng := rand.New(rand.NewPCG(s.Seed, uint64(i))) //nolint:gosec // G404: not security sensitive
	chw := NewCHW(s.Shape[0], s.Shape[1], s.Shape[2])
	offset := float32(label) / float32(s.Classes)
	for j := range chw.Data {
		chw.Data[j] = 0.1*rng.Float32() + offset
	}
	return Sample{Image: chw, Label: label}, nil
}
