package serialization

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/born-ml/deep3d/internal/tensor"
)

// ReaderOptions configures checkpoint reading.
type ReaderOptions struct {
	SkipChecksumValidation bool // Skip checksum validation (faster but less safe)
}

// ReadCheckpoint reads a .born v2 file written by WriteCheckpoint.
func ReadCheckpoint(path string, opts ReaderOptions) (Header, map[string]*tensor.Tensor[float32], error) {
	//nolint:gosec // G304: checkpoint paths come from the run configuration
	raw, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("failed to open file: %w", err)
	}
	return ReadFrom(bytes.NewReader(raw), opts)
}

// ReadFrom reads a .born v2 stream.
func ReadFrom(r io.Reader, opts ReaderOptions) (Header, map[string]*tensor.Tensor[float32], error) {
	var header Header

	fixedHeader := make([]byte, FixedHeaderSizeV2)
	if _, err := io.ReadFull(r, fixedHeader); err != nil {
		return header, nil, fmt.Errorf("failed to read fixed header: %w", err)
	}
	if string(fixedHeader[0:4]) != MagicBytes {
		return header, nil, ErrInvalidMagic
	}
	if version := binary.LittleEndian.Uint32(fixedHeader[4:8]); version != FormatVersionV2 {
		return header, nil, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, version, FormatVersionV2)
	}
	headerSize := binary.LittleEndian.Uint64(fixedHeader[16:24])
	dataSize := binary.LittleEndian.Uint64(fixedHeader[24:32])
	var stored [ChecksumSize]byte
	copy(stored[:], fixedHeader[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return header, nil, ErrHeaderTooLarge
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return header, nil, fmt.Errorf("failed to read header JSON: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return header, nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	currentPos := int64(FixedHeaderSizeV2) + int64(headerSize)
	padding := (HeaderAlignment - (currentPos % HeaderAlignment)) % HeaderAlignment
	if _, err := io.CopyN(io.Discard, r, padding); err != nil {
		return header, nil, fmt.Errorf("failed to skip padding: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(r, int64(dataSize)))
	if err != nil {
		return header, nil, fmt.Errorf("failed to read tensor data: %w", err)
	}
	if uint64(len(data)) != dataSize {
		return header, nil, fmt.Errorf("truncated tensor data: got %d bytes, expected %d", len(data), dataSize)
	}
	if !opts.SkipChecksumValidation && sha256.Sum256(data) != stored {
		return header, nil, ErrChecksumMismatch
	}

	if err := validateTensors(header.Tensors, int64(dataSize), 4); err != nil {
		return header, nil, fmt.Errorf("validation failed: %w", err)
	}

	tensors := make(map[string]*tensor.Tensor[float32], len(header.Tensors))
	for _, meta := range header.Tensors {
		if meta.DType != DTypeFloat32 {
			return header, nil, fmt.Errorf("%w: tensor %q has dtype %q", ErrUnsupportedDType, meta.Name, meta.DType)
		}
		values := decodeFloat32s(data[meta.Offset : meta.Offset+meta.Size])
		t, err := tensor.Wrap(values, tensor.Shape(meta.Shape))
		if err != nil {
			return header, nil, fmt.Errorf("tensor %q: %w", meta.Name, err)
		}
		tensors[meta.Name] = t
	}
	return header, tensors, nil
}

func decodeFloat32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
