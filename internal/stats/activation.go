// Package stats accumulates per-sublayer input statistics during the
// instrumented forward pass: a running mean of squared input norms per
// feature for activation-weighted metrics, and the exact input Gram matrix
// for second-order reconstruction.
package stats

import (
	"errors"
	"fmt"

	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/tensor"
)

// ErrNumerical is returned when a reconstruction produces NaN or Inf
// values, or the damped Gram matrix is not positive definite.
var ErrNumerical = errors.New("numerical failure")

// ActivationStats tracks, for every input feature j of one sublayer, the
// running mean over calibration samples of ‖x[:, j]‖², where x holds the
// token rows of one sample.
type ActivationStats struct {
	name   string
	cols   int
	conv   *tensor.ConvGeometry
	scaler []float64
	n      int
}

var _ model.Observer = (*ActivationStats)(nil)

// NewActivationStats prepares an accumulator sized for sub's input
// features.
func NewActivationStats(sub *model.Sublayer) *ActivationStats {
	return &ActivationStats{
		name:   sub.Name,
		cols:   sub.Weight.C,
		conv:   sub.Conv,
		scaler: make([]float64, sub.Weight.C),
	}
}

// Observe folds one calibration sample into the running mean. input is
// [tokens, in_features], or [channels, height*width] for convolutions.
func (s *ActivationStats) Observe(input, _ *tensor.Mat) error {
	x, err := featureRows(s.name, input, s.cols, s.conv)
	if err != nil {
		return err
	}
	s.scaler = rescale(s.scaler, s.n, s.n+1)
	s.n++
	inv := 1 / float64(s.n)
	for t := range x.R {
		for j, v := range x.Row(t) {
			f := float64(v)
			s.scaler[j] += f * f * inv
		}
	}
	return nil
}

// Samples returns the number of observed samples.
func (s *ActivationStats) Samples() int { return s.n }

// ScalerRow returns the per-feature mean squared input norm. The result
// is zero for features never activated.
func (s *ActivationStats) ScalerRow() []float64 {
	out := make([]float64, len(s.scaler))
	copy(out, s.scaler)
	return out
}

func rescale(v []float64, from, to int) []float64 {
	if from == 0 {
		return v
	}
	k := float64(from) / float64(to)
	for i := range v {
		v[i] *= k
	}
	return v
}

// featureRows returns the observed activations as one row per token (or
// per convolution patch) with cols features.
func featureRows(name string, input *tensor.Mat, cols int, conv *tensor.ConvGeometry) (*tensor.Mat, error) {
	if input == nil {
		return nil, fmt.Errorf("%s: nil input activation", name)
	}
	if conv != nil {
		x, err := tensor.Unfold(input, *conv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if x.C != cols {
			return nil, fmt.Errorf("%s: unfolded input has %d features, weight expects %d", name, x.C, cols)
		}
		return x, nil
	}
	if input.C != cols {
		return nil, fmt.Errorf("%s: input %s does not match %d in_features", name, input.Shape(), cols)
	}
	return input, nil
}
