// Command born-train trains ImageNet classifiers with the Born ML framework.
//
// Usage:
//
//	born-train --model alexnet1
//	born-train --model alexnet1 --checkpoint checkpoints/alexnet1-2025-01-02T10:00:00-epoch-12.pt
//	born-train --model lenet --synthetic --epochs 2
//	born-train models
//	born-train inspect <checkpoint>
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "v0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("born-train failed", "error", err)
		stop()
		os.Exit(1) //nolint:gocritic // stop is called explicitly above
	}
}
