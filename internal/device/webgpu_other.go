//go:build !windows

package device

// Born ships its WebGPU backend for Windows only.
func webGPUAvailable() bool {
	return false
}
