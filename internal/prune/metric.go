package prune

import (
	"fmt"
	"math"

	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/tensor"
)

// gradEps keeps the inverse-gradient metric finite.
const gradEps = 1e-8

// magnitudeMetric is |W|.
func magnitudeMetric(w *tensor.Mat) *tensor.Mat {
	return tensor.Abs(w)
}

// gradientMetric is |W|·|G|, or |W|/(|G|+eps) when inv is set.
func gradientMetric(w, g *tensor.Mat, inv bool) (*tensor.Mat, error) {
	if !w.SameShape(g) {
		return nil, fmt.Errorf("%w: gradient %s does not match weight %s", model.ErrConfig, g.Shape(), w.Shape())
	}
	out := tensor.NewMat(w.R, w.C)
	for i := range w.R {
		wr, gr, dst := w.Row(i), g.Row(i), out.Row(i)
		for j := range wr {
			aw := abs32(wr[j])
			ag := abs32(gr[j])
			if inv {
				dst[j] = aw * (1 / (ag + gradEps))
			} else {
				dst[j] = aw * ag
			}
		}
	}
	return out, nil
}

// activationMetric is |W|·sqrt(scaler) with the scaler broadcast over rows.
func activationMetric(w *tensor.Mat, scaler []float64) (*tensor.Mat, error) {
	if len(scaler) != w.C {
		return nil, fmt.Errorf("activation statistics cover %d features, weight has %d", len(scaler), w.C)
	}
	root := make([]float32, len(scaler))
	for j, v := range scaler {
		root[j] = float32(math.Sqrt(v))
	}
	out := tensor.NewMat(w.R, w.C)
	for i := range w.R {
		wr, dst := w.Row(i), out.Row(i)
		for j := range wr {
			dst[j] = abs32(wr[j]) * root[j]
		}
	}
	return out, nil
}

// hybridMetric combines activation and gradient importance. Without inv
// the two terms are added: |W|·sqrt(scaler) + |W|·|G|. With inv the
// activation term is divided by the gradient: |W|·sqrt(scaler)/(|G|+eps).
func hybridMetric(w *tensor.Mat, scaler []float64, g *tensor.Mat, inv bool) (*tensor.Mat, error) {
	act, err := activationMetric(w, scaler)
	if err != nil {
		return nil, err
	}
	if !w.SameShape(g) {
		return nil, fmt.Errorf("%w: gradient %s does not match weight %s", model.ErrConfig, g.Shape(), w.Shape())
	}
	for i := range act.R {
		dst, wr, gr := act.Row(i), w.Row(i), g.Row(i)
		for j := range dst {
			ag := abs32(gr[j])
			if inv {
				dst[j] *= 1 / (ag + gradEps)
			} else {
				dst[j] += abs32(wr[j]) * ag
			}
		}
	}
	return act, nil
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
