package tensor

import (
	"fmt"
	"math/rand/v2"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Weights are always held as float32 in memory regardless of the checkpoint
// encoding; DType records the encoding the values must survive a round trip
// through (see RoundTo).
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.  The stride is set to the
// number of columns.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   data,
	}
}

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// At returns the element at row i, column j.
func (m *Mat) At(i, j int) float32 {
	return m.Data[i*m.Stride+j]
}

// Set assigns the element at row i, column j.
func (m *Mat) Set(i, j int, v float32) {
	m.Data[i*m.Stride+j] = v
}

// Len returns the number of logical elements.
func (m *Mat) Len() int { return m.R * m.C }

// SameShape reports whether m and o have identical dimensions.
func (m *Mat) SameShape(o *Mat) bool {
	return m != nil && o != nil && m.R == o.R && m.C == o.C
}

// Shape formats the dimensions for error messages.
func (m *Mat) Shape() string {
	if m == nil {
		return "[nil]"
	}
	return fmt.Sprintf("[%d %d]", m.R, m.C)
}

// Clone returns a compact deep copy of m.
func (m *Mat) Clone() *Mat {
	out := NewMat(m.R, m.C)
	out.DType = m.DType
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// CopyFrom overwrites m with the values of src. Shapes must match.
func (m *Mat) CopyFrom(src *Mat) {
	if !m.SameShape(src) {
		panic("copy shape mismatch")
	}
	for i := 0; i < m.R; i++ {
		copy(m.Row(i), src.Row(i))
	}
}

// Zero clears every element of m.
func (m *Mat) Zero() {
	for i := 0; i < m.R; i++ {
		clear(m.Row(i))
	}
}

// CountZeros returns the number of elements that are exactly zero.
func (m *Mat) CountZeros() int {
	n := 0
	for i := 0; i < m.R; i++ {
		for _, v := range m.Row(i) {
			if v == 0 {
				n++
			}
		}
	}
	return n
}

// FillRand fills the matrix with reproducible pseudo‑random values.  A small
// range around zero is used to avoid overflow in accumulations.  The seed
// controls the random sequence; multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
		}
	}
}
