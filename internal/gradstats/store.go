package gradstats

import (
	"errors"
	"fmt"
	"sort"

	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/safetensors"
	"github.com/samcharles93/lopper/internal/tensor"
)

// ErrMissing is returned when a store has no entry for a sublayer that a
// pruning strategy needs.
var ErrMissing = errors.New("gradient statistics entry missing")

// Store is a read-only set of per-sublayer gradient aggregates.
type Store struct {
	entries  map[string]*tensor.Mat
	Metadata map[string]string
}

// NewStore wraps in-memory aggregates keyed by model.SublayerKey.
func NewStore(entries map[string]*tensor.Mat, metadata map[string]string) *Store {
	return &Store{entries: entries, Metadata: metadata}
}

// Load reads every tensor of a saved aggregate file. Tensors with more
// than two dimensions are flattened the same way sublayer weights are.
func Load(path string) (*Store, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load gradient statistics: %w", err)
	}
	defer func() { _ = f.Close() }()

	s := &Store{entries: make(map[string]*tensor.Mat, len(f.Tensors)), Metadata: f.Metadata}
	for _, name := range f.Names() {
		m, err := f.ReadMat(name)
		if err != nil {
			return nil, fmt.Errorf("load gradient statistics %s: %w", name, err)
		}
		s.entries[name] = m
	}
	return s, nil
}

// Len returns the number of entries.
func (s *Store) Len() int { return len(s.entries) }

// Keys returns the entry keys sorted.
func (s *Store) Keys() []string {
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the aggregate for sublayer name of the given layer.
func (s *Store) Lookup(name string, layer int) (*tensor.Mat, error) {
	key := model.SublayerKey(name, layer)
	m, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	return m, nil
}

// AttachGradients sets Grad on every sublayer of a from the tensor in f
// named by the sublayer's parameter, and clears Grad where f has none. It
// returns how many sublayers received a gradient. f holds the gradients of
// one calibration sample as written by an external training loop.
func AttachGradients(a model.Adapter, f *safetensors.File) (int, error) {
	n := 0
	for _, b := range a.Layers() {
		for _, s := range b.Sublayers() {
			s.Grad = nil
			if _, ok := f.Tensor(s.Param); !ok {
				continue
			}
			g, err := f.ReadMat(s.Param)
			if err != nil {
				return n, fmt.Errorf("read gradient %s: %w", s.Param, err)
			}
			s.Grad = g
			n++
		}
	}
	return n, nil
}

// ClearGradients drops every sublayer gradient of a.
func ClearGradients(a model.Adapter) {
	for _, b := range a.Layers() {
		for _, s := range b.Sublayers() {
			s.Grad = nil
		}
	}
}
