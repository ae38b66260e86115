// Package mask turns importance metrics into boolean pruning masks. A true
// entry marks a weight to be zeroed. Low metric values are pruned first and
// ties are broken by column (or flat) index so results are deterministic.
package mask

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/lopper/internal/tensor"
)

var (
	// ErrInvalidPattern is returned for malformed N:M sparsity patterns.
	ErrInvalidPattern = errors.New("invalid sparsity pattern")
	// ErrInvalidRatio is returned for sparsity ratios outside [0, 1].
	ErrInvalidRatio = errors.New("invalid sparsity ratio")
)

// Mask is a row-major boolean matrix matching a weight's shape.
type Mask struct {
	R, C int
	Bits []bool
}

// New returns an all-false mask.
func New(r, c int) *Mask {
	return &Mask{R: r, C: c, Bits: make([]bool, r*c)}
}

// At reports whether entry (i, j) is pruned.
func (m *Mask) At(i, j int) bool { return m.Bits[i*m.C+j] }

// Set marks entry (i, j).
func (m *Mask) Set(i, j int, v bool) { m.Bits[i*m.C+j] = v }

// Count returns the number of pruned entries.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Sparsity returns the pruned fraction.
func (m *Mask) Sparsity() float64 {
	if len(m.Bits) == 0 {
		return 0
	}
	return float64(m.Count()) / float64(len(m.Bits))
}

// Apply zeroes every masked entry of w and returns how many were masked.
func (m *Mask) Apply(w *tensor.Mat) (int, error) {
	if w.R != m.R || w.C != m.C {
		return 0, fmt.Errorf("mask [%d %d] does not match weight %s", m.R, m.C, w.Shape())
	}
	n := 0
	for i := range m.R {
		row := w.Row(i)
		bits := m.Bits[i*m.C : (i+1)*m.C]
		for j, b := range bits {
			if b {
				row[j] = 0
				n++
			}
		}
	}
	return n, nil
}

// Pattern is a structured N:M sparsity pattern: N of every M contiguous
// columns are pruned. The zero Pattern means unstructured.
type Pattern struct {
	N, M int
}

// Structured reports whether p requests N:M sparsity.
func (p Pattern) Structured() bool { return p.N != 0 }

func (p Pattern) String() string {
	if !p.Structured() {
		return "unstructured"
	}
	return strconv.Itoa(p.N) + ":" + strconv.Itoa(p.M)
}

// Validate checks 0 < N < M, or N == M == 0.
func (p Pattern) Validate() error {
	if p.N == 0 && p.M == 0 {
		return nil
	}
	if p.N <= 0 || p.M <= 0 || p.N >= p.M {
		return fmt.Errorf("%w: %d:%d, need 0 < n < m", ErrInvalidPattern, p.N, p.M)
	}
	return nil
}

// ParsePattern parses "n:m". "" and "unstructured" yield the zero Pattern.
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "unstructured" {
		return Pattern{}, nil
	}
	ns, ms, ok := strings.Cut(s, ":")
	if !ok {
		return Pattern{}, fmt.Errorf("%w: %q, want n:m", ErrInvalidPattern, s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(ns))
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, s, err)
	}
	m, err := strconv.Atoi(strings.TrimSpace(ms))
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, s, err)
	}
	p := Pattern{N: n, M: m}
	return p, p.Validate()
}

func checkRatio(r float64) error {
	if r < 0 || r > 1 || r != r {
		return fmt.Errorf("%w: %g", ErrInvalidRatio, r)
	}
	return nil
}

// argsortStable returns the indices that sort v ascending, equal values
// keeping their original order.
func argsortStable(v []float32) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(v[a], v[b]) })
	return idx
}

// RowWise prunes floor(C·ratio) lowest entries of every row.
func RowWise(metric *tensor.Mat, ratio float64) (*Mask, error) {
	if err := checkRatio(ratio); err != nil {
		return nil, err
	}
	out := New(metric.R, metric.C)
	k := int(float64(metric.C) * ratio)
	if k == 0 {
		return out, nil
	}
	for i := range metric.R {
		for _, j := range argsortStable(metric.Row(i))[:k] {
			out.Set(i, j, true)
		}
	}
	return out, nil
}

// GlobalThreshold prunes exactly floor(R·C·ratio) lowest entries of the
// whole matrix.
func GlobalThreshold(metric *tensor.Mat, ratio float64) (*Mask, error) {
	if err := checkRatio(ratio); err != nil {
		return nil, err
	}
	out := New(metric.R, metric.C)
	k := int(float64(metric.R*metric.C) * ratio)
	if k == 0 {
		return out, nil
	}
	flat := make([]float32, 0, metric.R*metric.C)
	for i := range metric.R {
		flat = append(flat, metric.Row(i)...)
	}
	for _, f := range argsortStable(flat)[:k] {
		out.Bits[f] = true
	}
	return out, nil
}

// NM prunes the n lowest entries of every row within each contiguous group
// of m columns. A trailing group narrower than m prunes min(n, width).
func NM(metric *tensor.Mat, n, m int) (*Mask, error) {
	if err := (Pattern{N: n, M: m}).Validate(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: n:m sparsity needs n > 0", ErrInvalidPattern)
	}
	out := New(metric.R, metric.C)
	for i := range metric.R {
		row := metric.Row(i)
		for g := 0; g < metric.C; g += m {
			end := min(g+m, metric.C)
			for _, j := range argsortStable(row[g:end])[:min(n, end-g)] {
				out.Set(i, g+j, true)
			}
		}
	}
	return out, nil
}
