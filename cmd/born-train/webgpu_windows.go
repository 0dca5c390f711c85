//go:build windows

package main

import (
	"context"
	"fmt"

	"github.com/born-ml/born-imagenet/internal/device"
)

func trainOnWebGPU(ctx context.Context, j job) error {
	gpu, err := device.NewWebGPU()
	if err != nil {
		return fmt.Errorf("failed to initialize webgpu: %w", err)
	}
	defer gpu.Release()
	return trainOn(ctx, j, gpu)
}
