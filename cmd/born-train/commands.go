package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/spf13/cobra"

	"github.com/born-ml/born-imagenet/internal/checkpoint"
	"github.com/born-ml/born-imagenet/internal/config"
	"github.com/born-ml/born-imagenet/internal/metrics"
	"github.com/born-ml/born-imagenet/internal/models"
)

func newModelsCmd(opts *options) *cobra.Command {
	var count bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models that can be trained",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			header := "MODEL\tINPUT\tBATCH\tEPOCHS\tOPTIMIZER\tSCHEDULER"
			if count {
				header += "\tPARAMETERS"
			}
			_, _ = fmt.Fprintln(w, header)

			for _, key := range models.Keys() {
				info, _ := models.Lookup(key)
				t, err := cfg.Lookup(key)
				if err != nil {
					return err
				}
				in := info.InputSize
				line := fmt.Sprintf("%s\t%dx%dx%d\t%d\t%d\t%s\t%s",
					key, in[0], in[1], in[2], t.BatchSize, t.Epochs, t.Optimizer.Kind, t.Scheduler.Kind)
				if count {
					n, err := parameterCount(key, t.NumClasses)
					if err != nil {
						return err
					}
					line += fmt.Sprintf("\t%d", n)
				}
				_, _ = fmt.Fprintln(w, line)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&count, "count", false, "build every model to count its parameters (slow, allocates the weights)")
	return cmd
}

func parameterCount(key string, numClasses int) (int, error) {
	model, err := models.New(key, autodiff.New(cpu.New()), numClasses)
	if err != nil {
		return 0, err
	}
	return models.CountParameters(model), nil
}

func newInspectCmd() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Print the header of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tail < 0 {
				return fmt.Errorf("--tail must not be negative, got %d", tail)
			}
			header, err := checkpoint.NewStore("").Inspect(args[0])
			if err != nil {
				return err
			}

			printf(cmd, "model:      %s\n", header.Model)
			printf(cmd, "epoch:      %d\n", header.Epoch)
			printf(cmd, "run id:     %s\n", header.RunID)
			printf(cmd, "created at: %s\n", header.CreatedAt.Format(time.RFC3339))
			if header.Optimizer != nil {
				printf(cmd, "optimizer:  %s %s\n", header.Optimizer.Kind, formatHyperparams(header.Optimizer.Hyperparams))
			}
			if header.Scheduler != nil {
				printf(cmd, "scheduler:  %s (last epoch %d)\n", header.Scheduler.Kind, header.Scheduler.LastEpoch)
			}
			printf(cmd, "tensors:    %d\n", len(header.Tensors))

			for _, name := range []string{metrics.TrainLoss, metrics.ValLoss, metrics.ValTop1Acc, metrics.ValTop5Acc} {
				s := header.Metrics[name]
				start := max(len(s.Values)-tail, 0)
				parts := make([]string, 0, len(s.Values)-start)
				for i := start; i < len(s.Values); i++ {
					parts = append(parts, fmt.Sprintf("%d:%.4f", s.Epochs[i], s.Values[i]))
				}
				printf(cmd, "%-13s %s\n", name+":", strings.Join(parts, " "))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 5, "number of trailing metric points to show")
	return cmd
}

func formatHyperparams(h map[string]float64) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, h[k])
	}
	return strings.Join(parts, " ")
}

func newConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printf(cmd, "born-train %s\n", version)
		},
	}
}
