package checkpoint

import (
	"time"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/born-imagenet/internal/metrics"
	"github.com/born-ml/born-imagenet/internal/schedule"
)

// Format constants.
//
// Layout (little endian):
//
//	0x00  magic "BCKP"
//	0x04  uint32 format version
//	0x08  uint32 flags
//	0x0C  uint32 reserved
//	0x10  uint64 JSON header size
//	0x18  uint64 tensor data size
//	0x20  [32]byte SHA-256 of header JSON, padding and tensor data
//	0x40  JSON header, zero padding to HeaderAlignment, tensor data
const (
	MagicBytes      = "BCKP"
	FormatVersion   = 1
	HeaderAlignment = 64
	FixedHeaderSize = 64
	ChecksumSize    = 32
	ChecksumOffset  = 0x20
)

// Data type string constants for serialization.
const (
	DTypeFloat32 = "float32"
	DTypeInt32   = "int32"
)

// Flags stored in the fixed header.
const (
	FlagHasOptimizer uint32 = 1 << 0
	FlagHasScheduler uint32 = 1 << 1
)

// Tensor name prefixes in the data section.
const (
	modelPrefix = "model."
	optimPrefix = "optim."
)

// Header is the JSON header of a checkpoint file.
type Header struct {
	FormatVersion int             `json:"format_version"`
	RunID         string          `json:"run_id"`
	Model         string          `json:"model"`
	Epoch         int             `json:"epoch"`
	CreatedAt     time.Time       `json:"created_at"`
	Optimizer     *OptimizerMeta  `json:"optimizer,omitempty"`
	Scheduler     *schedule.State `json:"scheduler,omitempty"`
	Metrics       metrics.State   `json:"metrics"`
	Tensors       []TensorMeta    `json:"tensors"`
}

// OptimizerMeta records the optimizer algorithm and its hyperparameters at save time.
type OptimizerMeta struct {
	Kind        string             `json:"kind"`
	Hyperparams map[string]float64 `json:"hyperparams"`
}

// TensorMeta describes a tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`   // e.g. "model.3.weight", "optim.velocity.3"
	DType  string `json:"dtype"`  // "float32" or "int32"
	Shape  []int  `json:"shape"`  // Tensor shape
	Offset int64  `json:"offset"` // Bytes from the start of the data section
	Size   int64  `json:"size"`   // Size in bytes
}

func dtypeToString(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return DTypeFloat32
	case tensor.Int32:
		return DTypeInt32
	default:
		return "unknown"
	}
}

func stringToDtype(s string) (tensor.DataType, bool) {
	switch s {
	case DTypeFloat32:
		return tensor.Float32, true
	case DTypeInt32:
		return tensor.Int32, true
	default:
		return 0, false
	}
}

// alignedDataOffset returns where tensor data starts for a header of headerSize bytes.
func alignedDataOffset(headerSize int64) int64 {
	pos := int64(FixedHeaderSize) + headerSize
	return pos + (HeaderAlignment-(pos%HeaderAlignment))%HeaderAlignment
}
