package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/born-ml/born/tensor"
)

// writeFile encodes header and tensors into f, which must be empty and positioned at 0.
//
// The fixed header is written last, once the checksum of everything after it is known.
func writeFile(f *os.File, header Header, tensors map[string]*tensor.RawTensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	var dataSize int64
	header.FormatVersion = FormatVersion
	header.Tensors = make([]TensorMeta, 0, len(names))
	for _, name := range names {
		if err := validateTensorName(name); err != nil {
			return err
		}
		raw := tensors[name]
		dtype := dtypeToString(raw.DType())
		if dtype == "unknown" {
			return &ValidationError{Type: "invalid_dtype", Tensor: name, Details: raw.DType().String()}
		}
		size := int64(raw.ByteSize())
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  dtype,
			Shape:  []int(raw.Shape()),
			Offset: dataSize,
			Size:   size,
		})
		dataSize += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if _, err := f.Write(make([]byte, FixedHeaderSize)); err != nil {
		return fmt.Errorf("failed to reserve fixed header: %w", err)
	}

	h := sha256.New()
	w := io.MultiWriter(f, h)

	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	headerSize := int64(len(headerJSON))
	if padding := alignedDataOffset(headerSize) - FixedHeaderSize - headerSize; padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}

	for _, meta := range header.Tensors {
		data := tensors[meta.Name].Data()[:meta.Size]
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", meta.Name, err)
		}
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flagsFor(&header))
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(headerSize)) //nolint:gosec // G115: non-negative
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(dataSize))   //nolint:gosec // G115: non-negative
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], h.Sum(nil))

	if _, err := f.WriteAt(fixed, 0); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	return nil
}

func flagsFor(h *Header) uint32 {
	var flags uint32
	if h.Optimizer != nil {
		flags |= FlagHasOptimizer
	}
	if h.Scheduler != nil {
		flags |= FlagHasScheduler
	}
	return flags
}

// readFile decodes a checkpoint, verifying magic, version, checksum and tensor
// layout. Tensors are allocated on device.
//
// The sizes recorded in the fixed header are checked against the file size
// before anything is allocated for the body.
func readFile(f *os.File, device tensor.Device) (Header, map[string]*tensor.RawTensor, error) {
	var header Header

	info, err := f.Stat()
	if err != nil {
		return header, nil, fmt.Errorf("failed to stat checkpoint: %w", err)
	}
	fileSize := info.Size()

	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(f, fixed); err != nil {
		return header, nil, truncated("fixed header", err)
	}
	if string(fixed[0:4]) != MagicBytes {
		return header, nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, fixed[0:4])
	}
	if version := binary.LittleEndian.Uint32(fixed[4:8]); version != FormatVersion {
		return header, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	if headerSize > MaxHeaderSize {
		return header, nil, ErrHeaderTooLarge
	}
	var stored [ChecksumSize]byte
	copy(stored[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])

	//nolint:gosec // G115: headerSize bounded by MaxHeaderSize
	dataOffset := alignedDataOffset(int64(headerSize))
	if dataOffset > fileSize || dataSize > uint64(fileSize-dataOffset) {
		return header, nil, fmt.Errorf("%w: header declares %d data bytes at offset %d, file has %d bytes",
			ErrTruncated, dataSize, dataOffset, fileSize)
	}
	body := make([]byte, uint64(dataOffset-FixedHeaderSize)+dataSize) //nolint:gosec // G115: bounded by file size
	if _, err := io.ReadFull(f, body); err != nil {
		return header, nil, truncated("body", err)
	}
	if sha256.Sum256(body) != stored {
		return header, nil, ErrChecksumMismatch
	}

	if err := json.Unmarshal(body[:headerSize], &header); err != nil {
		return header, nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	data := body[dataOffset-FixedHeaderSize:]
	if err := validateHeader(&header, int64(len(data))); err != nil {
		return header, nil, err
	}

	tensors := make(map[string]*tensor.RawTensor, len(header.Tensors))
	for _, meta := range header.Tensors {
		dtype, _ := stringToDtype(meta.DType)
		raw, err := tensor.NewRaw(tensor.Shape(meta.Shape), dtype, device)
		if err != nil {
			return header, nil, fmt.Errorf("tensor %s: %w", meta.Name, err)
		}
		copy(raw.Data(), data[meta.Offset:meta.Offset+meta.Size])
		tensors[meta.Name] = raw
	}

	return header, tensors, nil
}

func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: reading %s", ErrTruncated, what)
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}
