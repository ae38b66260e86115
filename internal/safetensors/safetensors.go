// Package safetensors reads and writes the Hugging Face safetensors format:
// an 8-byte little-endian header length, a JSON header describing each
// tensor's dtype, shape and byte range, then the raw tensor payload.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/lopper/internal/tensor"
)

// A defensive cap; real-world headers are typically in the KBs.
const maxHeaderSize = 256 << 20

// ErrNotFound is returned when a tensor name is absent from the file.
var ErrNotFound = errors.New("safetensors: tensor not found")

// TensorInfo describes one tensor. Start/End are relative to the data region.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Size returns the payload size in bytes.
func (ti TensorInfo) Size() int64 { return ti.End - ti.Start }

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File provides random access to tensors inside a single safetensors file.
// The file is memory mapped when the platform allows it; otherwise tensors
// are read with ReadAt on demand.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data []byte
}

// Open parses the header of path and maps the file read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, fmt.Errorf("safetensors: file too small: %s", path)
	}

	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("safetensors: header too large (%d bytes): %s", headerLen, path)
	}
	if int64(8+headerLen) > size {
		return nil, fmt.Errorf("safetensors: header exceeds file size: %s", path)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	var meta map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("safetensors: parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}

	dataStart := int64(8 + headerLen)
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("safetensors: parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("safetensors: tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || dataStart+end > size {
			return nil, fmt.Errorf("safetensors: tensor %s: out-of-bounds data range", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: start,
			End:   end,
		}
	}

	out := &File{
		Path:      path,
		DataStart: dataStart,
		Tensors:   tensors,
		Metadata:  meta,
	}
	if size <= int64(int(^uint(0)>>1)) {
		// Fall back to ReadAt when mmap is unavailable.
		if data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
			out.data = data
		}
	}
	return out, nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	err := unix.Munmap(f.data)
	f.data = nil
	return err
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	out := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadTensor returns a copy of the raw tensor bytes.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	buf := make([]byte, t.Size())
	off := f.DataStart + t.Start
	if f.data != nil {
		copy(buf, f.data[off:off+t.Size()])
		return buf, t, nil
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()
	if _, err := file.ReadAt(buf, off); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 decodes a F32, F16 or BF16 tensor into float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	dtype, err := tensor.ParseDType(info.DType)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	out, err := Decode(raw, dtype, n)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// ReadMat loads a tensor as a matrix. Tensors with more than two dimensions
// are flattened to [shape[0], prod(shape[1:])], which is how convolution
// kernels are masked. 1D tensors become a single row.
func (f *File) ReadMat(name string) (*tensor.Mat, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	r, c := 1, len(data)
	if len(info.Shape) >= 2 {
		r = info.Shape[0]
		c = len(data) / r
	}
	m := tensor.NewMatFromData(r, c, data)
	m.DType, _ = tensor.ParseDType(info.DType)
	return m, nil
}

// Decode converts raw little-endian bytes of the given dtype into float32.
func Decode(raw []byte, dtype tensor.DType, n int) ([]float32, error) {
	if len(raw) != n*dtype.Size() {
		return nil, fmt.Errorf("invalid %s data size %d for %d elements", dtype, len(raw), n)
	}
	out := make([]float32, n)
	switch dtype {
	case tensor.F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case tensor.F16:
		for i := range out {
			out[i] = tensor.F16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case tensor.BF16:
		for i := range out {
			out[i] = tensor.BF16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
	return out, nil
}

// Encode converts float32 values into raw little-endian bytes of dtype.
func Encode(data []float32, dtype tensor.DType) ([]byte, error) {
	out := make([]byte, len(data)*dtype.Size())
	switch dtype {
	case tensor.F32:
		for i, v := range data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case tensor.F16:
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[i*2:], tensor.F32ToF16(v))
		}
	case tensor.BF16:
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[i*2:], tensor.F32ToBF16(v))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
	return out, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
