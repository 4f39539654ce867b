package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/born-ml/deep3d/internal/tensor"
)

// SafeTensors data types understood by the volume reader.
const (
	SafeF32  = "F32"
	SafeF64  = "F64"
	SafeI32  = "I32"
	SafeI64  = "I64"
	SafeI16  = "I16"
	SafeU8   = "U8"
	safeMeta = "__metadata__"
)

var safeElemSize = map[string]int{
	SafeF32: 4,
	SafeF64: 8,
	SafeI32: 4,
	SafeI64: 8,
	SafeI16: 2,
	SafeU8:  1,
}

// SafeTensorHeader represents a tensor in the SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// SafeTensor is one array read from a SafeTensors file.
type SafeTensor struct {
	Name  string
	DType string
	Shape tensor.Shape
	raw   []byte
}

// Float32 converts the array to a float32 tensor.
func (s *SafeTensor) Float32() *tensor.Tensor[float32] {
	out := tensor.Zeros[float32](s.Shape)
	data := out.Data()
	for i := range data {
		data[i] = float32(s.value(i))
	}
	return out
}

// Int32 converts the array to an int32 tensor, truncating float values.
func (s *SafeTensor) Int32() *tensor.Tensor[int32] {
	out := tensor.Zeros[int32](s.Shape)
	data := out.Data()
	for i := range data {
		data[i] = int32(s.value(i))
	}
	return out
}

func (s *SafeTensor) value(i int) float64 {
	b := s.raw
	switch s.DType {
	case SafeF32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
	case SafeF64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	case SafeI32:
		return float64(int32(binary.LittleEndian.Uint32(b[4*i:])))
	case SafeI64:
		return float64(int64(binary.LittleEndian.Uint64(b[8*i:])))
	case SafeI16:
		return float64(int16(binary.LittleEndian.Uint16(b[2*i:])))
	default: // SafeU8
		return float64(b[i])
	}
}

// ReadSafeTensors reads every array of a SafeTensors file.
//
// Format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]
func ReadSafeTensors(path string) (map[string]*SafeTensor, error) {
	//nolint:gosec // G304: volume paths come from the command line
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("%s: file too short for a safetensors header", path)
	}
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	if headerSize > MaxHeaderSize || headerSize > uint64(len(raw)-8) {
		return nil, ErrHeaderTooLarge
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerSize], &entries); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	data := raw[8+headerSize:]

	out := make(map[string]*SafeTensor, len(entries))
	for name, msg := range entries {
		if name == safeMeta {
			continue
		}
		var h SafeTensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		size, ok := safeElemSize[h.DType]
		if !ok {
			return nil, fmt.Errorf("%w: tensor %q has dtype %q", ErrUnsupportedDType, name, h.DType)
		}
		shape := make(tensor.Shape, len(h.Shape))
		for i, d := range h.Shape {
			shape[i] = int(d)
		}
		if err := shape.Validate(); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		start, end := h.DataOffsets[0], h.DataOffsets[1]
		if start < 0 || end > int64(len(data)) || start > end {
			return nil, &ValidationError{Kind: "out_of_bounds", Tensor: name, Details: fmt.Sprintf("offsets [%d, %d)", start, end)}
		}
		if int64(shape.NumElements()*size) != end-start {
			return nil, &ValidationError{Kind: "size_mismatch", Tensor: name, Details: fmt.Sprintf("shape %v with dtype %s", []int(shape), h.DType)}
		}
		out[name] = &SafeTensor{Name: name, DType: h.DType, Shape: shape, raw: data[start:end]}
	}
	return out, nil
}

// WriteSafeTensors writes float32 and int32 arrays to a SafeTensors file.
//
// Tensors are written in alphabetical order by name.
func WriteSafeTensors(path string, floats map[string]*tensor.Tensor[float32], ints map[string]*tensor.Tensor[int32]) error {
	var buf bytes.Buffer
	if err := writeSafeTensors(&buf, floats, ints); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func writeSafeTensors(w io.Writer, floats map[string]*tensor.Tensor[float32], ints map[string]*tensor.Tensor[int32]) error {
	type entry struct {
		dtype string
		shape tensor.Shape
		data  []byte
	}
	entries := make(map[string]entry, len(floats)+len(ints))
	for name, t := range floats {
		entries[name] = entry{SafeF32, t.Shape(), appendFloat32s(nil, t.Data())}
	}
	for name, t := range ints {
		if _, dup := entries[name]; dup {
			return fmt.Errorf("duplicate tensor name %q", name)
		}
		b := make([]byte, 0, 4*t.NumElements())
		for _, v := range t.Data() {
			b = binary.LittleEndian.AppendUint32(b, uint32(v))
		}
		entries[name] = entry{SafeI32, t.Shape(), b}
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]SafeTensorHeader, len(names))
	var offset int64
	for _, name := range names {
		e := entries[name]
		shape := make([]int64, len(e.shape))
		for i, d := range e.shape {
			shape[i] = int64(d)
		}
		header[name] = SafeTensorHeader{DType: e.dtype, Shape: shape, DataOffsets: [2]int64{offset, offset + int64(len(e.data))}}
		offset += int64(len(e.data))
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err := w.Write(entries[name].data); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}
