package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/lopper/internal/mask"
	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/tensor"
)

// Hessian accumulates H = (2/n)·Σ xxᵀ over every observed input row x of
// one sublayer, n counting token rows, and reconstructs the sublayer's
// weight under a sparsity constraint. H is [in_features, in_features] and
// is owned by a single sublayer until Free.
type Hessian struct {
	sub  *model.Sublayer
	cols int
	h    *mat.SymDense
	n    int
}

var _ model.Observer = (*Hessian)(nil)

// NewHessian allocates the Gram matrix for sub.
func NewHessian(sub *model.Sublayer) *Hessian {
	return &Hessian{
		sub:  sub,
		cols: sub.Weight.C,
		h:    mat.NewSymDense(sub.Weight.C, nil),
	}
}

// Observe rescales H to the new row count and adds the batch's scaled
// outer products, so batches of any size combine exactly.
func (h *Hessian) Observe(input, _ *tensor.Mat) error {
	if h.h == nil {
		return fmt.Errorf("%s: observe after free", h.sub.Name)
	}
	x, err := featureRows(h.sub.Name, input, h.cols, h.sub.Conv)
	if err != nil {
		return err
	}
	if x.R == 0 {
		return nil
	}
	prev := h.n
	h.n += x.R
	if prev > 0 {
		h.h.ScaleSym(float64(prev)/float64(h.n), h.h)
	}
	xd := mat.NewDense(x.R, x.C, nil)
	for t := range x.R {
		for j, v := range x.Row(t) {
			xd.Set(t, j, float64(v))
		}
	}
	h.h.SymRankK(h.h, 2/float64(h.n), xd.T())
	return nil
}

// Samples returns the number of accumulated rows.
func (h *Hessian) Samples() int { return h.n }

// Matrix returns the accumulated Gram matrix, or nil after Free.
func (h *Hessian) Matrix() mat.Symmetric {
	if h.h == nil {
		return nil
	}
	return h.h
}

// Free drops the Gram matrix.
func (h *Hessian) Free() {
	h.h = nil
}

// FasterPrune prunes the sublayer weight in place, processing columns in
// blocks of blocksize. Inside a block each column is quantized to its
// masked value and the resulting error is pushed into the block's later
// columns; after the block the accumulated error is pushed into every
// later block. Unstructured masks prune the floor(ratio·size) lowest
// scores of each block at once; an n:m pattern is chosen every m columns
// from the current scores.
func (h *Hessian) FasterPrune(ratio float64, n, m int, percdamp float64, blocksize int) error {
	if h.h == nil {
		return fmt.Errorf("%s: fasterprune after free", h.sub.Name)
	}
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("%w: %g", mask.ErrInvalidRatio, ratio)
	}
	if err := (mask.Pattern{N: n, M: m}).Validate(); err != nil {
		return err
	}
	if blocksize <= 0 {
		return fmt.Errorf("%s: block size must be positive, got %d", h.sub.Name, blocksize)
	}

	cols := h.cols
	rows := h.sub.Weight.R
	W := mat.NewDense(rows, cols, nil)
	for r := range rows {
		for c, v := range h.sub.Weight.Row(r) {
			W.Set(r, c, float64(v))
		}
	}

	H := mat.NewSymDense(cols, nil)
	H.CopySym(h.h)
	for i := range cols {
		if !finite(H.At(i, i)) {
			return fmt.Errorf("%w: %s: non-finite gram matrix", ErrNumerical, h.sub.Name)
		}
	}
	diagMean := 0.0
	for i := range cols {
		if H.At(i, i) == 0 {
			H.SetSym(i, i, 1)
			for r := range rows {
				W.Set(r, i, 0)
			}
		}
		diagMean += H.At(i, i)
	}
	diagMean /= float64(cols)
	damp := percdamp * diagMean
	for i := range cols {
		H.SetSym(i, i, H.At(i, i)+damp)
	}

	hinv, err := upperInverseCholesky(H)
	if err != nil {
		return fmt.Errorf("%s: %w", h.sub.Name, err)
	}

	for i1 := 0; i1 < cols; i1 += blocksize {
		i2 := min(i1+blocksize, cols)
		count := i2 - i1

		W1 := mat.DenseCopyOf(W.Slice(0, rows, i1, i2))
		Err1 := mat.NewDense(rows, count, nil)

		var blockMask *mask.Mask
		if n == 0 {
			blockMask, err = mask.GlobalThreshold(scores(W1, hinv, i1, 0, count), ratio)
			if err != nil {
				return err
			}
		} else {
			blockMask = mask.New(rows, count)
		}

		for i := range count {
			d := hinv.At(i1+i, i1+i)
			if n != 0 && i%m == 0 {
				end := min(i+m, count)
				group, err := mask.NM(scores(W1, hinv, i1, i, end), n, m)
				if err != nil {
					return err
				}
				for r := range rows {
					for j := range end - i {
						if group.At(r, j) {
							blockMask.Set(r, i+j, true)
						}
					}
				}
			}
			for r := range rows {
				w := W1.At(r, i)
				q := w
				if blockMask.At(r, i) {
					q = 0
				}
				W.Set(r, i1+i, q)
				e := (w - q) / d
				if e != 0 {
					for j := i; j < count; j++ {
						W1.Set(r, j, W1.At(r, j)-e*hinv.At(i1+i, i1+j))
					}
				}
				Err1.Set(r, i, e)
			}
		}

		if i2 < cols {
			var upd mat.Dense
			upd.Mul(Err1, hinv.Slice(i1, i2, i2, cols))
			tail := W.Slice(0, rows, i2, cols).(*mat.Dense)
			tail.Sub(tail, &upd)
		}
	}

	out := h.sub.Weight
	for r := range rows {
		row := out.Row(r)
		for c := range row {
			v := W.At(r, c)
			if !finite(v) {
				return fmt.Errorf("%w: %s: non-finite weight at (%d, %d)", ErrNumerical, h.sub.Name, r, c)
			}
			row[c] = float32(v)
		}
	}
	out.RoundTo(out.DType)
	return nil
}

// upperInverseCholesky returns U with UᵀU = H⁻¹, U upper triangular.
func upperInverseCholesky(H *mat.SymDense) (*mat.Dense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(H); !ok {
		return nil, fmt.Errorf("%w: damped gram matrix is not positive definite", ErrNumerical)
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, fmt.Errorf("%w: invert gram matrix: %v", ErrNumerical, err)
	}
	var cinv mat.Cholesky
	if ok := cinv.Factorize(&inv); !ok {
		return nil, fmt.Errorf("%w: inverse gram matrix is not positive definite", ErrNumerical)
	}
	var u mat.TriDense
	cinv.UTo(&u)
	return mat.DenseCopyOf(&u), nil
}

// scores returns W1[:, from:to]² / diag(hinv)² for block-relative columns.
func scores(W1 *mat.Dense, hinv *mat.Dense, i1, from, to int) *tensor.Mat {
	rows, _ := W1.Dims()
	out := tensor.NewMat(rows, to-from)
	for j := from; j < to; j++ {
		d := hinv.At(i1+j, i1+j)
		d2 := d * d
		for r := range rows {
			w := W1.At(r, j)
			out.Set(r, j-from, float32(w*w/d2))
		}
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
