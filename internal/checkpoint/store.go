// Package checkpoint persists and restores the full training state.
//
// One file is written per epoch, named {model}-{timestamp}-epoch-{n}.pt. A
// file holds model parameters, optimizer buffers, scheduler state and the
// metric history, protected by a SHA-256 checksum. Saves are atomic for a
// single writer: data goes to a temp file in the target directory, which is
// synced and renamed into place.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"

	"github.com/born-ml/born-imagenet/internal/metrics"
	"github.com/born-ml/born-imagenet/internal/optim"
	"github.com/born-ml/born-imagenet/internal/schedule"
)

// TimestampLayout is the timestamp format used in checkpoint filenames.
const TimestampLayout = "2006-01-02T15:04:05"

const fileExt = ".pt"

// StateDicter is implemented by models whose parameters can be exported and restored.
type StateDicter interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(state map[string]*tensor.RawTensor) error
}

// State groups everything a checkpoint captures.
//
// For Save, every non-nil component is read. For Load, the same components
// are the restore targets and must already be built for the same model.
type State struct {
	Epoch     int
	Model     string
	Params    StateDicter
	Optimizer optim.Optimizer
	Scheduler schedule.Scheduler
	Metrics   *metrics.Logger
}

// Store writes checkpoints into a directory.
type Store struct {
	dir     string
	runID   string
	device  tensor.Device
	now     func() time.Time
	logger  *slog.Logger
	started time.Time // stamped into every filename of this run
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for filenames and headers.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDevice sets the device tensors are allocated on when loading. Defaults to CPU.
func WithDevice(d tensor.Device) Option {
	return func(s *Store) { s.device = d }
}

// NewStore creates a store writing into dir. A fresh run id is generated; a
// successful Load replaces it with the id recorded in the checkpoint.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		runID:  uuid.NewString(),
		device: tensor.CPU,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the output directory.
func (s *Store) Dir() string { return s.dir }

// RunID returns the identifier stamped into every checkpoint header.
func (s *Store) RunID() string { return s.runID }

// Filename returns the checkpoint filename for model at epoch.
func Filename(model string, t time.Time, epoch int) string {
	return fmt.Sprintf("%s-%s-epoch-%d%s", model, t.Format(TimestampLayout), epoch, fileExt)
}

// Save writes state to a new file in the store directory and returns its path.
// All files saved by one Store share the timestamp of its first Save, so the
// checkpoints of a run sort together.
func (s *Store) Save(state State) (string, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	if s.started.IsZero() {
		s.started = s.now()
	}
	path := filepath.Join(s.dir, Filename(state.Model, s.started, state.Epoch))
	if err := s.SaveTo(path, state); err != nil {
		return "", err
	}
	return path, nil
}

// SaveTo writes state to path atomically.
func (s *Store) SaveTo(path string, state State) error {
	header := Header{
		RunID:     s.runID,
		Model:     state.Model,
		Epoch:     state.Epoch,
		CreatedAt: s.now().UTC(),
	}

	tensors := make(map[string]*tensor.RawTensor)
	if state.Params != nil {
		for name, raw := range state.Params.StateDict() {
			tensors[modelPrefix+name] = raw
		}
	}
	if state.Optimizer != nil {
		header.Optimizer = &OptimizerMeta{
			Kind:        string(state.Optimizer.Kind()),
			Hyperparams: state.Optimizer.Hyperparams(),
		}
		for name, raw := range state.Optimizer.StateDict() {
			tensors[optimPrefix+name] = raw
		}
	}
	if state.Scheduler != nil {
		st := state.Scheduler.State()
		header.Scheduler = &st
	}
	if state.Metrics != nil {
		header.Metrics = state.Metrics.State()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := writeFile(tmp, header, tensors); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	committed = true

	s.logger.Info("checkpoint saved",
		"path", path,
		"epoch", state.Epoch,
		"tensors", len(tensors),
	)
	return nil
}

// Load restores state from path and returns the epoch to resume at, which is
// the saved epoch plus one.
//
// It fails with ErrNotFound for a missing file, with a format error for a
// corrupt one, and with ErrIncompatible when the file was written for a
// different model or optimizer or its tensor shapes do not match.
func (s *Store) Load(path string, state State) (int, error) {
	header, tensors, err := s.read(path)
	if err != nil {
		return 0, err
	}

	if state.Model != "" && header.Model != state.Model {
		return 0, fmt.Errorf("%w: checkpoint is for model %q, run uses %q",
			ErrIncompatible, header.Model, state.Model)
	}

	modelState, optimState := splitTensors(tensors)

	if state.Params != nil {
		if err := state.Params.LoadStateDict(modelState); err != nil {
			return 0, fmt.Errorf("%w: model: %w", ErrIncompatible, err)
		}
	}

	if state.Optimizer != nil {
		if header.Optimizer == nil {
			return 0, fmt.Errorf("%w: checkpoint has no optimizer state", ErrIncompatible)
		}
		if header.Optimizer.Kind != string(state.Optimizer.Kind()) {
			return 0, fmt.Errorf("%w: checkpoint optimizer %q, run uses %q",
				ErrIncompatible, header.Optimizer.Kind, state.Optimizer.Kind())
		}
		if err := state.Optimizer.LoadStateDict(optimState); err != nil {
			return 0, fmt.Errorf("%w: optimizer: %w", ErrIncompatible, err)
		}
		if lr, ok := header.Optimizer.Hyperparams["lr"]; ok {
			state.Optimizer.SetLR(float32(lr))
		}
	}

	if state.Scheduler != nil {
		if header.Scheduler == nil {
			return 0, fmt.Errorf("%w: checkpoint has no scheduler state", ErrIncompatible)
		}
		if err := state.Scheduler.LoadState(*header.Scheduler); err != nil {
			return 0, fmt.Errorf("%w: scheduler: %w", ErrIncompatible, err)
		}
	}

	if state.Metrics != nil {
		state.Metrics.LoadState(header.Metrics)
	}

	if header.RunID != "" {
		s.runID = header.RunID
	}

	s.logger.Info("checkpoint loaded",
		"path", path,
		"model", header.Model,
		"epoch", header.Epoch,
		"run_id", header.RunID,
	)
	return header.Epoch + 1, nil
}

// Inspect reads and verifies the header of a checkpoint without restoring it.
func (s *Store) Inspect(path string) (Header, error) {
	header, _, err := s.read(path)
	return header, err
}

func (s *Store) read(path string) (Header, map[string]*tensor.RawTensor, error) {
	//nolint:gosec // G304: checkpoint path comes from the operator
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Header{}, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Header{}, nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()

	header, tensors, err := readFile(f, s.device)
	if err != nil {
		return Header{}, nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return header, tensors, nil
}

func splitTensors(tensors map[string]*tensor.RawTensor) (model, optimizer map[string]*tensor.RawTensor) {
	model = make(map[string]*tensor.RawTensor)
	optimizer = make(map[string]*tensor.RawTensor)
	for name, raw := range tensors {
		switch {
		case strings.HasPrefix(name, modelPrefix):
			model[strings.TrimPrefix(name, modelPrefix)] = raw
		case strings.HasPrefix(name, optimPrefix):
			optimizer[strings.TrimPrefix(name, optimPrefix)] = raw
		}
	}
	return model, optimizer
}

// Latest returns the path of the newest checkpoint for model in the store
// directory: highest epoch first, most recent timestamp on ties.
func (s *Store) Latest(model string) (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: no checkpoint directory %s", ErrNotFound, s.dir)
		}
		return "", fmt.Errorf("failed to list checkpoints: %w", err)
	}

	type candidate struct {
		name  string
		epoch int
		at    time.Time
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		at, epoch, ok := parseFilename(model, e.Name())
		if ok {
			found = append(found, candidate{name: e.Name(), epoch: epoch, at: at})
		}
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%w: no checkpoints for %q in %s", ErrNotFound, model, s.dir)
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].epoch != found[j].epoch {
			return found[i].epoch > found[j].epoch
		}
		return found[i].at.After(found[j].at)
	})
	return filepath.Join(s.dir, found[0].name), nil
}

// parseFilename reverses Filename for the given model.
func parseFilename(model, name string) (time.Time, int, bool) {
	rest, ok := strings.CutPrefix(name, model+"-")
	if !ok {
		return time.Time{}, 0, false
	}
	rest, ok = strings.CutSuffix(rest, fileExt)
	if !ok {
		return time.Time{}, 0, false
	}
	i := strings.LastIndex(rest, "-epoch-")
	if i < 0 {
		return time.Time{}, 0, false
	}
	at, err := time.Parse(TimestampLayout, rest[:i])
	if err != nil {
		return time.Time{}, 0, false
	}
	epoch, err := strconv.Atoi(rest[i+len("-epoch-"):])
	if err != nil {
		return time.Time{}, 0, false
	}
	return at, epoch, true
}
