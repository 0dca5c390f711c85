package data

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/born/tensor"
	"golang.org/x/sync/errgroup"
)

// LoaderConfig controls batching, shuffling and worker parallelism.
type LoaderConfig struct {
	BatchSize  int    // Samples per batch.
	NumWorkers int    // Concurrent sample decoders (min 1).
	Prefetch   int    // Batches buffered ahead of the consumer (default 2).
	Shuffle    bool   // Permute sample order every epoch.
	Seed       uint64 // Seed for the permutation and per-sample augmentation.
	DropLast   bool   // Drop a trailing partial batch.
	Shape      [3]int // Expected CHW shape of every sample.
}

// Batch is a mini-batch of images and labels on a backend.
type Batch[B tensor.Backend] struct {
	Images *tensor.Tensor[float32, B] // [N, C, H, W]
	Labels *tensor.Tensor[int32, B]   // [N]
	Size   int
}

// Loader iterates over a Dataset in batches.
type Loader[B tensor.Backend] struct {
	ds      Dataset
	cfg     LoaderConfig
	backend B
}

// NewLoader validates cfg and builds a loader over ds.
func NewLoader[B tensor.Backend](ds Dataset, cfg LoaderConfig, backend B) (*Loader[B], error) {
	if ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	for _, d := range cfg.Shape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid sample shape %v", cfg.Shape)
		}
	}
	cfg.NumWorkers = max(cfg.NumWorkers, 1)
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2
	}
	return &Loader[B]{ds: ds, cfg: cfg, backend: backend}, nil
}

// Len returns the number of batches per epoch.
func (l *Loader[B]) Len() int {
	n := l.ds.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// NumSamples returns the dataset size.
func (l *Loader[B]) NumSamples() int {
	return l.ds.Len()
}

// Order returns the sample order for epoch. With shuffling it is a
// permutation determined by the seed and the epoch alone.
func (l *Loader[B]) Order(epoch int) []int {
	n := l.ds.Len()
	if !l.cfg.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	rng := rand.New(rand.NewPCG(l.cfg.Seed, uint64(epoch))) //nolint:gosec // G404,G115: reproducible shuffling
	return rng.Perm(n)
}

// sampleRNG returns the generator used to augment sample idx during epoch.
func (l *Loader[B]) sampleRNG(epoch, idx int) *rand.Rand {
	//nolint:gosec // G404,G115: reproducible augmentation
	return rand.New(rand.NewPCG(l.cfg.Seed^(uint64(epoch+1)*0x9E3779B97F4A7C15), uint64(idx)))
}

type hostBatch struct {
	images []float32
	labels []int32
}

// Iterate calls fn for every batch of epoch, in order. Up to NumWorkers
// samples are decoded concurrently and up to Prefetch batches are assembled
// ahead of fn. The first error from a worker or from fn stops the iteration
// and is returned.
func (l *Loader[B]) Iterate(ctx context.Context, epoch int, fn func(i int, batch *Batch[B]) error) error {
	order := l.Order(epoch)
	numBatches := l.Len()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	ready := make(chan *hostBatch, l.cfg.Prefetch)

	g.Go(func() error {
		defer close(ready)
		for bi := range numBatches {
			start := bi * l.cfg.BatchSize
			end := min(start+l.cfg.BatchSize, len(order))
			hb, err := l.assemble(gctx, epoch, order[start:end])
			if err != nil {
				return err
			}
			select {
			case ready <- hb:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var consumeErr error
	bi := 0
	for hb := range ready {
		if consumeErr != nil {
			continue
		}
		batch, err := l.toBatch(hb)
		if err == nil {
			err = fn(bi, batch)
		}
		if err != nil {
			consumeErr = err
			cancel()
		}
		bi++
	}

	if err := g.Wait(); err != nil && consumeErr == nil {
		return err
	}
	return consumeErr
}

// assemble decodes the samples at indices into one host batch.
func (l *Loader[B]) assemble(ctx context.Context, epoch int, indices []int) (*hostBatch, error) {
	c, h, w := l.cfg.Shape[0], l.cfg.Shape[1], l.cfg.Shape[2]
	per := c * h * w
	hb := &hostBatch{
		images: make([]float32, len(indices)*per),
		labels: make([]int32, len(indices)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.NumWorkers)
	for j, idx := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := l.ds.Get(idx, l.sampleRNG(epoch, idx))
			if err != nil {
				return fmt.Errorf("sample %d: %w", idx, err)
			}
			if got := s.Image.Shape(); got != l.cfg.Shape {
				return fmt.Errorf("%w: sample %d has shape %v, expected %v",
					ErrShapeMismatch, idx, got, l.cfg.Shape)
			}
			copy(hb.images[j*per:(j+1)*per], s.Image.Data)
			hb.labels[j] = int32(s.Label) //nolint:gosec // G115: class indices are small
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hb, nil
}

// toBatch moves a host batch onto the backend.
func (l *Loader[B]) toBatch(hb *hostBatch) (*Batch[B], error) {
	n := len(hb.labels)
	shape := tensor.Shape{n, l.cfg.Shape[0], l.cfg.Shape[1], l.cfg.Shape[2]}

	imagesRaw, err := tensor.NewRaw(shape, tensor.Float32, l.backend.Device())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate images: %w", err)
	}
	copy(imagesRaw.AsFloat32(), hb.images)

	labelsRaw, err := tensor.NewRaw(tensor.Shape{n}, tensor.Int32, l.backend.Device())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate labels: %w", err)
	}
	copy(labelsRaw.AsInt32(), hb.labels)

	return &Batch[B]{
		Images: tensor.New[float32, B](imagesRaw, l.backend),
		Labels: tensor.New[int32, B](labelsRaw, l.backend),
		Size:   n,
	}, nil
}
