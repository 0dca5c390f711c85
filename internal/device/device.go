// Package device selects the compute backend a run trains on.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/born/tensor"
)

// Kind names a compute device.
type Kind string

// Supported devices.
const (
	CPU    Kind = "cpu"
	WebGPU Kind = "webgpu"
)

// ErrUnknownDevice is returned by Parse for an unsupported device name.
var ErrUnknownDevice = errors.New("unknown device")

// Parse validates a device name. Matching is case-insensitive.
func Parse(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case CPU, WebGPU:
		return k, nil
	case "":
		return CPU, nil
	default:
		return "", fmt.Errorf("%w: %q (want %s or %s)", ErrUnknownDevice, s, CPU, WebGPU)
	}
}

// Tensor returns the tensor device buffers of k live on.
func (k Kind) Tensor() tensor.Device {
	if k == WebGPU {
		return tensor.WebGPU
	}
	return tensor.CPU
}

// Resolve returns k if it can be used on this machine and CPU otherwise.
// fellBack reports whether the fallback happened.
func Resolve(k Kind) (resolved Kind, fellBack bool) {
	if k == WebGPU && !webGPUAvailable() {
		return CPU, true
	}
	return k, false
}
