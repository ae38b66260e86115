package mask

import (
	"math"
	"slices"

	"github.com/samcharles93/lopper/internal/tensor"
)

// Bisection bracket and tolerances for Adaptive.
const (
	AdaptiveStart     = 0.4
	AdaptiveLow       = 0.0
	AdaptiveHigh      = 0.8
	AdaptiveTolerance = 0.001
)

// AdaptiveResult describes the threshold the search settled on.
type AdaptiveResult struct {
	Alpha      float64
	Sparsity   float64
	Iterations int
	// Converged is true when Sparsity is within AdaptiveTolerance of the
	// target; false means the bracket collapsed first.
	Converged bool
}

// rowMass holds each row's ascending metric and its running sum.
type rowMass struct {
	sorted [][]float32
	cumsum [][]float64
	total  []float64
}

func newRowMass(metric *tensor.Mat) *rowMass {
	rm := &rowMass{
		sorted: make([][]float32, metric.R),
		cumsum: make([][]float64, metric.R),
		total:  make([]float64, metric.R),
	}
	for i := range metric.R {
		s := slices.Clone(metric.Row(i))
		slices.Sort(s)
		cs := make([]float64, len(s))
		acc := 0.0
		for j, v := range s {
			acc += float64(v)
			cs[j] = acc
		}
		rm.sorted[i] = s
		rm.cumsum[i] = cs
		rm.total[i] = acc
	}
	return rm
}

// maskAt builds the mask for one alpha. Each row prunes every entry not
// above the largest sorted value whose cumulative mass stays within
// alpha times the row total. A row where even the smallest entry exceeds
// that budget prunes nothing.
func (rm *rowMass) maskAt(metric *tensor.Mat, alpha float64) *Mask {
	out := New(metric.R, metric.C)
	for i := range metric.R {
		budget := rm.total[i] * alpha
		count := 0
		for _, c := range rm.cumsum[i] {
			if c <= budget {
				count++
			}
		}
		if count == 0 {
			continue
		}
		thresh := rm.sorted[i][count-1]
		for j, v := range metric.Row(i) {
			if v <= thresh {
				out.Set(i, j, true)
			}
		}
	}
	return out
}

// Adaptive searches by bisection for a per-row cumulative-mass fraction
// alpha whose mask reaches the target sparsity over the whole matrix. The
// search starts at AdaptiveStart in [AdaptiveLow, AdaptiveHigh] and stops
// once the achieved sparsity is within AdaptiveTolerance of target or the
// bracket is narrower than AdaptiveTolerance. Every trial recomputes the
// mask from scratch.
func Adaptive(metric *tensor.Mat, target float64) (*Mask, AdaptiveResult, error) {
	if err := checkRatio(target); err != nil {
		return nil, AdaptiveResult{}, err
	}
	rm := newRowMass(metric)
	alpha, lo, hi := AdaptiveStart, AdaptiveLow, AdaptiveHigh
	m := rm.maskAt(metric, alpha)
	cur := m.Sparsity()
	iters := 0
	for math.Abs(cur-target) > AdaptiveTolerance && hi-lo >= AdaptiveTolerance {
		var next float64
		if cur > target {
			next = (alpha + lo) / 2
			hi = alpha
		} else {
			next = (alpha + hi) / 2
			lo = alpha
		}
		alpha = next
		m = rm.maskAt(metric, alpha)
		cur = m.Sparsity()
		iters++
	}
	return m, AdaptiveResult{
		Alpha:      alpha,
		Sparsity:   cur,
		Iterations: iters,
		Converged:  math.Abs(cur-target) <= AdaptiveTolerance,
	}, nil
}
