//go:build !windows

package main

import (
	"context"
	"fmt"

	"github.com/born-ml/born-imagenet/internal/device"
)

// device.Resolve never yields WebGPU off Windows; this guards direct callers.
func trainOnWebGPU(context.Context, job) error {
	return fmt.Errorf("%w: webgpu is only supported on windows", device.ErrUnknownDevice)
}
