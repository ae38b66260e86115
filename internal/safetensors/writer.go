package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lopper/internal/tensor"
)

type entry struct {
	dtype string
	shape []int
	size  int64
	write func(w io.Writer) error
}

// Writer collects tensors and writes them as one safetensors file. Payloads
// are produced lazily at WriteFile time so large checkpoints are streamed.
type Writer struct {
	entries  map[string]entry
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{entries: make(map[string]entry)}
}

// SetMetadata records a string entry under __metadata__.
func (w *Writer) SetMetadata(key, value string) {
	if w.metadata == nil {
		w.metadata = make(map[string]string)
	}
	w.metadata[key] = value
}

// AddMat stores m encoded as dtype. shape overrides the 2D matrix shape when
// the tensor had more dimensions on disk; pass nil to keep [R, C].
func (w *Writer) AddMat(name string, m *tensor.Mat, dtype tensor.DType, shape []int) error {
	if dtype.Size() == 0 {
		return fmt.Errorf("safetensors: tensor %s: unsupported dtype %q", name, dtype)
	}
	if shape == nil {
		shape = []int{m.R, m.C}
	}
	n, err := numElements(shape)
	if err != nil || n != m.Len() {
		return fmt.Errorf("safetensors: tensor %s: shape %v does not match %s", name, shape, m.Shape())
	}
	w.entries[name] = entry{
		dtype: string(dtype),
		shape: append([]int(nil), shape...),
		size:  int64(n * dtype.Size()),
		write: func(out io.Writer) error {
			for i := 0; i < m.R; i++ {
				raw, err := Encode(m.Row(i), dtype)
				if err != nil {
					return err
				}
				if _, err := out.Write(raw); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return nil
}

// AddRaw stores pre-encoded bytes verbatim.
func (w *Writer) AddRaw(name, dtype string, shape []int, raw []byte) {
	w.entries[name] = entry{
		dtype: dtype,
		shape: append([]int(nil), shape...),
		size:  int64(len(raw)),
		write: func(out io.Writer) error {
			_, err := out.Write(raw)
			return err
		},
	}
}

// CopyFrom stores tensor name of src unchanged.
func (w *Writer) CopyFrom(name string, src *File) error {
	info, ok := src.Tensor(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	w.entries[name] = entry{
		dtype: info.DType,
		shape: append([]int(nil), info.Shape...),
		size:  info.Size(),
		write: func(out io.Writer) error {
			raw, _, err := src.ReadTensor(name)
			if err != nil {
				return err
			}
			_, err = out.Write(raw)
			return err
		},
	}
	return nil
}

// Len returns the number of tensors queued.
func (w *Writer) Len() int { return len(w.entries) }

// WriteFile writes every queued tensor to path, in sorted name order. The
// header is space padded so the data region starts on an 8-byte boundary.
func (w *Writer) WriteFile(path string) (err error) {
	names := make([]string, 0, len(w.entries))
	for name := range w.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(w.metadata) > 0 {
		header["__metadata__"] = w.metadata
	}
	var off int64
	for _, name := range names {
		e := w.entries[name]
		header[name] = tensorHeader{
			DType:       e.dtype,
			Shape:       e.shape,
			DataOffsets: []int64{off, off + e.size},
		}
		off += e.size
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: marshal header: %w", err)
	}
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriterSize(f, 1<<20)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err = bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err = bw.Write(hdr); err != nil {
		return err
	}
	for _, name := range names {
		if err = w.entries[name].write(bw); err != nil {
			return fmt.Errorf("safetensors: write tensor %s: %w", name, err)
		}
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
