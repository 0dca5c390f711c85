package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/born-ml/born-imagenet/internal/config"
	"github.com/born-ml/born-imagenet/internal/device"
)

// options holds the flags of the training command.
type options struct {
	model      string
	checkpoint string
	configPath string
	dataDir    string
	outputDir  string
	device     string
	epochs     int
	synthetic  bool
	logLevel   string
	logFormat  string
}

func (o *options) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.model, "model", "", "model to train (see 'born-train models')")
	fs.StringVar(&o.checkpoint, "checkpoint", "", "checkpoint to resume from")
	fs.StringVar(&o.dataDir, "data-dir", "", "dataset root holding synsets.txt, train_flatten/ and val_flatten/")
	fs.StringVar(&o.outputDir, "output-dir", "", "checkpoint directory (default from config: checkpoints)")
	fs.StringVar(&o.device, "device", "", "compute device: cpu or webgpu")
	fs.IntVar(&o.epochs, "epochs", 0, "override the configured number of epochs")
	fs.BoolVar(&o.synthetic, "synthetic", false, "train on generated images instead of the dataset")
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "born-train --model <name> [--checkpoint <path>]",
		Short: "Train ImageNet classifiers with Born",
		Long: `born-train trains a convolutional classifier on ImageNet 2012.

Every epoch it trains on train_flatten/, validates on val_flatten/, steps the
learning rate scheduler and writes a checkpoint. Pass --checkpoint to resume a
run from the epoch after the one saved.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			return runTraining(cmd.Context(), cfg, opts)
		},
	}

	opts.bind(cmd.Flags())
	_ = cmd.MarkFlagRequired("model")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML file overriding the built-in training configurations")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	cmd.AddCommand(
		newModelsCmd(opts),
		newInspectCmd(),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// resolveDevice picks the device from the flag, then the config, falling back
// to the CPU when WebGPU is not available here.
func resolveDevice(flag string, cfg *config.Config) (device.Kind, error) {
	name := flag
	if name == "" {
		name = cfg.Device
	}
	kind, err := device.Parse(name)
	if err != nil {
		return "", err
	}
	resolved, fellBack := device.Resolve(kind)
	if fellBack {
		slog.Warn("device not available, using cpu", "device", kind)
	}
	return resolved, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
