// Package prune runs calibration-driven, layer-by-layer pruning over a
// model.Adapter. Each block is processed to completion before the next:
// calibration activations are observed through an instrumented forward
// pass, an importance metric is computed per weight, a mask is solved and
// applied in place, and the pruned block's outputs become the next block's
// inputs.
package prune

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/samcharles93/lopper/internal/mask"
	"github.com/samcharles93/lopper/internal/model"
)

// ErrOptions marks an invalid pruning configuration.
var ErrOptions = errors.New("invalid pruning options")

// Strategy names a pruning method.
type Strategy string

const (
	Magnitude Strategy = "magnitude"
	Gradient  Strategy = "gradient"
	Wanda     Strategy = "wanda"
	GBLM      Strategy = "gblm"
	SparseGPT Strategy = "sparsegpt"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{Magnitude, Gradient, Wanda, GBLM, SparseGPT}

// ParseStrategy accepts a strategy name case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Strategies {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrOptions, s)
}

// Calibrated reports whether the strategy observes calibration
// activations.
func (s Strategy) Calibrated() bool {
	return s == Wanda || s == GBLM || s == SparseGPT
}

// UsesGradients reports whether the strategy reads gradient statistics.
func (s Strategy) UsesGradients() bool {
	return s == Gradient || s == GBLM
}

// Defaults for Options fields left zero.
const (
	DefaultSamples   = 128
	DefaultPercDamp  = 0.01
	DefaultBlockSize = 128
)

// Options configures a pruning run.
type Options struct {
	Strategy      Strategy
	SparsityRatio float64
	// Pattern requests N:M structured sparsity; the zero value is
	// unstructured.
	Pattern mask.Pattern

	NSamples int
	Seed     uint64
	// SeqLen overrides the adapter's default calibration length.
	SeqLen int

	// GradientPath points at a saved gradient aggregate.
	GradientPath string
	// GradientInv divides by gradient magnitude instead of multiplying.
	GradientInv bool
	// UseVariant selects the adaptive per-row threshold for wanda and gblm.
	UseVariant bool

	PercDamp  float64
	BlockSize int

	// DefaultDevice is used for layers the device map does not name.
	DefaultDevice model.Device
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	if o.NSamples <= 0 {
		o.NSamples = DefaultSamples
	}
	if o.PercDamp == 0 {
		o.PercDamp = DefaultPercDamp
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	return o
}

// Validate checks the options against the chosen strategy.
func (o Options) Validate() error {
	if _, err := ParseStrategy(string(o.Strategy)); err != nil {
		return err
	}
	if o.SparsityRatio < 0 || o.SparsityRatio > 1 || o.SparsityRatio != o.SparsityRatio {
		return fmt.Errorf("%w: sparsity ratio %g outside [0, 1]", ErrOptions, o.SparsityRatio)
	}
	if err := o.Pattern.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrOptions, err)
	}
	if o.Pattern.Structured() && o.UseVariant {
		return fmt.Errorf("%w: the adaptive variant only applies to unstructured sparsity", ErrOptions)
	}
	if o.PercDamp < 0 {
		return fmt.Errorf("%w: negative dampening %g", ErrOptions, o.PercDamp)
	}
	if o.SeqLen < 0 {
		return fmt.Errorf("%w: negative sequence length %d", ErrOptions, o.SeqLen)
	}
	if o.Strategy.UsesGradients() && o.GradientPath != "" {
		if _, err := os.Stat(o.GradientPath); err != nil {
			return fmt.Errorf("%w: gradient statistics: %w", ErrOptions, err)
		}
	}
	return nil
}
