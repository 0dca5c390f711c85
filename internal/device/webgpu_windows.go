//go:build windows

package device

import "github.com/born-ml/born/backend/webgpu"

func webGPUAvailable() bool {
	return webgpu.IsAvailable()
}

// NewWebGPU initializes the GPU backend. Call Release on it when done.
func NewWebGPU() (*webgpu.Backend, error) {
	return webgpu.New()
}
