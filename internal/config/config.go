// Package config loads training configurations.
//
// Configuration is layered, later sources overriding earlier ones:
//
//  1. built-in defaults (defaults.yaml, embedded)
//  2. an optional YAML file
//  3. environment variables prefixed BORN_TRAIN_, with "__" separating
//     nested keys: BORN_TRAIN_MODELS__LENET__EPOCHS=3 sets models.lenet.epochs.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/born-ml/born-imagenet/internal/optim"
	"github.com/born-ml/born-imagenet/internal/schedule"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "BORN_TRAIN_"

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrUnknownModel is returned by Lookup for a model without a configuration.
var ErrUnknownModel = errors.New("unknown model")

// Config is the full configuration of the trainer.
type Config struct {
	DataDir   string              `koanf:"data_dir"`
	OutputDir string              `koanf:"output_dir"`
	Device    string              `koanf:"device"`
	Models    map[string]Training `koanf:"models"`
}

// Training is the configuration of one model. It is immutable once selected.
type Training struct {
	BatchSize    int             `koanf:"batch_size"`
	ValBatchSize int             `koanf:"val_batch_size"` // defaults to BatchSize
	NumWorkers   int             `koanf:"num_workers"`
	Epochs       int             `koanf:"epochs"`
	NumClasses   int             `koanf:"num_classes"`
	Rescale      int             `koanf:"rescale"` // shorter side before cropping
	Seed         uint64          `koanf:"seed"`
	LogInterval  int             `koanf:"log_interval"` // batches per train_loss point
	Optimizer    optim.Config    `koanf:"optimizer"`
	Scheduler    schedule.Config `koanf:"scheduler"`
}

// Load reads the defaults, then path if not empty, then the environment.
func Load(path string) (*Config, error) {
	var overrides []koanf.Provider
	if path != "" {
		overrides = append(overrides, file.Provider(path))
	}
	return load(overrides...)
}

// Parse is Load with the override file given as YAML bytes.
func Parse(overrides []byte) (*Config, error) {
	return load(rawbytes.Provider(overrides))
}

func load(overrides ...koanf.Provider) (*Config, error) {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(rawbytes.Provider(defaultsYAML), parser); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}
	for _, p := range overrides {
		if err := k.Load(p, parser); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	for name, t := range cfg.Models {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("models.%s: %w", name, err)
		}
		set := func(key string) bool { return k.Exists("models." + name + "." + key) }
		cfg.Models[name] = t.withDefaults(set)
	}
	return &cfg, nil
}

// Lookup returns the configuration of model.
func (c *Config) Lookup(model string) (Training, error) {
	t, ok := c.Models[model]
	if !ok {
		return Training{}, fmt.Errorf("%w: %q (configured: %s)", ErrUnknownModel, model, strings.Join(c.ModelNames(), ", "))
	}
	return t, nil
}

// ModelNames returns the configured model keys in sorted order.
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for name := range c.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(c, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	out, err := k.Marshal(yaml.Parser())
	if err != nil {
		return nil, fmt.Errorf("error marshalling config: %w", err)
	}
	return out, nil
}

func (t Training) validate() error {
	switch {
	case t.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive, got %d", t.BatchSize)
	case t.Epochs < 0:
		return fmt.Errorf("epochs must not be negative, got %d", t.Epochs)
	case t.NumClasses <= 0:
		return fmt.Errorf("num_classes must be positive, got %d", t.NumClasses)
	case t.Optimizer.LR <= 0:
		return fmt.Errorf("optimizer.lr must be positive, got %v", t.Optimizer.LR)
	}
	return nil
}

// withDefaults fills unset fields. set reports whether a key below the
// model was given by any source, so an explicit zero survives.
func (t Training) withDefaults(set func(key string) bool) Training {
	if t.ValBatchSize <= 0 {
		t.ValBatchSize = t.BatchSize
	}
	t.NumWorkers = max(t.NumWorkers, 1)
	if t.LogInterval <= 0 {
		t.LogInterval = 10
	}
	if t.Scheduler.Kind == schedule.KindPlateau {
		if !set("scheduler.patience") {
			t.Scheduler.Patience = schedule.DefaultPatience
		}
		if !set("scheduler.threshold") {
			t.Scheduler.Threshold = schedule.DefaultThreshold
		}
	}
	return t
}
