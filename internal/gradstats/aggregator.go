// Package gradstats accumulates per-weight gradient magnitudes over a
// calibration set and persists them for gradient-aware pruning.
//
// Every prunable sublayer gets two accumulators keyed by
// model.SublayerKey: an L1 sum of |g·scale| held in float16, and an L2 sum
// of (g·scale)² held in float32. Finalize replaces the L2 sums with their
// square roots.
package gradstats

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/lopper/internal/logger"
	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/safetensors"
	"github.com/samcharles93/lopper/internal/tensor"
)

// DefaultScale multiplies raw gradients before accumulation so small
// magnitudes survive float16 storage.
const DefaultScale = 100

var (
	// ErrInvariant marks a violated accumulation invariant: a skipped or
	// repeated sample index, a shape mismatch, an all-zero gradient.
	ErrInvariant = errors.New("gradient statistics invariant violated")
	// ErrFinalized is returned when accumulating after Finalize.
	ErrFinalized = errors.New("gradient statistics already finalized")
)

// Norm selects one of the two persisted aggregates.
type Norm string

const (
	L1 Norm = "l1"
	L2 Norm = "l2"
)

// FileName returns the file the aggregate of kind norm is saved under.
func FileName(norm Norm, modelName string) string {
	return "gradients_aggregrate_norm_" + string(norm) + "_model_" + modelName + ".safetensors"
}

type entry struct {
	key   string
	param string
	shape []int
	l1    *tensor.Mat
	l2    *tensor.Mat
}

// Aggregator owns the accumulators. It is not safe for concurrent use and
// its contents must not be read until Finalize.
type Aggregator struct {
	scale     float32
	entries   []*entry
	byKey     map[string]*entry
	samples   int
	finalized bool
	runID     uuid.UUID
	started   time.Time
	log       logger.Logger
}

// NewAggregator allocates zeroed accumulators for every sublayer of a.
// scale <= 0 selects DefaultScale.
func NewAggregator(a model.Adapter, scale float32, log logger.Logger) *Aggregator {
	if scale <= 0 {
		scale = DefaultScale
	}
	if log == nil {
		log = logger.Discard()
	}
	g := &Aggregator{
		scale:   scale,
		byKey:   make(map[string]*entry),
		runID:   uuid.New(),
		started: time.Now(),
		log:     log,
	}
	for i, b := range a.Layers() {
		for _, s := range b.Sublayers() {
			key := model.SublayerKey(s.Name, i)
			e := &entry{
				key:   key,
				param: s.Param,
				shape: s.Shape,
				l1:    tensor.NewMat(s.Weight.R, s.Weight.C),
				l2:    tensor.NewMat(s.Weight.R, s.Weight.C),
			}
			e.l1.DType = tensor.F16
			e.l2.DType = tensor.F32
			g.entries = append(g.entries, e)
			g.byKey[key] = e
		}
	}
	log.Debug("gradient accumulators initialized", "entries", len(g.entries), "scale", scale, "run_id", g.runID.String())
	return g
}

// Samples returns the number of accumulated samples.
func (g *Aggregator) Samples() int { return g.samples }

// Scale returns the gradient multiplier.
func (g *Aggregator) Scale() float32 { return g.scale }

// RunID identifies this aggregation run in saved metadata.
func (g *Aggregator) RunID() uuid.UUID { return g.runID }

// Keys returns the accumulator keys in layer and sublayer order.
func (g *Aggregator) Keys() []string {
	out := make([]string, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.key
	}
	return out
}

// Accumulate adds the gradients currently attached to a's sublayers as
// sample number sample, which must be exactly one more than the previous
// sample (the first is 1). Sublayers without a gradient are logged and
// skipped. Every gradient is validated before any accumulator changes, so
// a failed call leaves the aggregate untouched.
func (g *Aggregator) Accumulate(a model.Adapter, sample int) error {
	if g.finalized {
		return ErrFinalized
	}
	if sample-g.samples != 1 {
		return fmt.Errorf("%w: sample index %d does not follow %d", ErrInvariant, sample, g.samples)
	}

	type pending struct {
		e    *entry
		grad *tensor.Mat
	}
	var work []pending
	for i, b := range a.Layers() {
		for _, s := range b.Sublayers() {
			key := model.SublayerKey(s.Name, i)
			e, ok := g.byKey[key]
			if !ok {
				return fmt.Errorf("%w: %s was not present at initialization", ErrInvariant, key)
			}
			if s.Grad == nil {
				g.log.Error("sublayer has no gradient", "key", key, "sample", sample)
				continue
			}
			if !s.Grad.SameShape(e.l1) {
				return fmt.Errorf("%w: %s gradient %s, accumulator %s", ErrInvariant, key, s.Grad.Shape(), e.l1.Shape())
			}
			if s.Grad.CountZeros() == s.Grad.Len() {
				return fmt.Errorf("%w: %s gradient is all zero", ErrInvariant, key)
			}
			work = append(work, pending{e: e, grad: s.Grad})
		}
	}

	for _, p := range work {
		for r := range p.grad.R {
			src := p.grad.Row(r)
			l1 := p.e.l1.Row(r)
			l2 := p.e.l2.Row(r)
			for c, v := range src {
				sv := v * g.scale
				abs := tensor.F16.Round(float32(math.Abs(float64(sv))))
				l1[c] = tensor.F16.Round(l1[c] + abs)
				l2[c] += sv * sv
			}
		}
	}
	g.samples = sample
	g.log.Debug("accumulated gradients", "sample", sample, "sublayers", len(work))
	return nil
}

// Finalize takes the square root of every L2 sum. Further accumulation
// fails.
func (g *Aggregator) Finalize() error {
	if g.finalized {
		return ErrFinalized
	}
	for _, e := range g.entries {
		for i, v := range e.l2.Data {
			e.l2.Data[i] = float32(math.Sqrt(float64(v)))
		}
	}
	g.finalized = true
	g.log.Info("gradient statistics finalized", "samples", g.samples, "entries", len(g.entries),
		"elapsed", time.Since(g.started))
	return nil
}

// Aggregate returns the accumulator of kind norm for key, or nil.
func (g *Aggregator) Aggregate(norm Norm, key string) *tensor.Mat {
	e, ok := g.byKey[key]
	if !ok {
		return nil
	}
	if norm == L1 {
		return e.l1
	}
	return e.l2
}

// Store exposes the finalized aggregate of kind norm for pruning without
// a save and reload.
func (g *Aggregator) Store(norm Norm) (*Store, error) {
	if !g.finalized {
		return nil, fmt.Errorf("%w: store requested before finalize", ErrInvariant)
	}
	entries := make(map[string]*tensor.Mat, len(g.entries))
	for _, e := range g.entries {
		entries[e.key] = g.Aggregate(norm, e.key)
	}
	return NewStore(entries, g.metadata()), nil
}

func (g *Aggregator) metadata() map[string]string {
	return map[string]string{
		"format":  "lopper-gradients",
		"run_id":  g.runID.String(),
		"samples": strconv.Itoa(g.samples),
		"scale":   strconv.FormatFloat(float64(g.scale), 'g', -1, 32),
	}
}

// Save writes both aggregates to dir as float16 safetensors files named by
// FileName and returns their paths.
func (g *Aggregator) Save(dir, modelName string) (l1Path, l2Path string, err error) {
	if !g.finalized {
		return "", "", fmt.Errorf("%w: save requested before finalize", ErrInvariant)
	}
	if modelName == "" {
		return "", "", fmt.Errorf("save gradients: empty model name")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	paths := map[Norm]string{
		L1: filepath.Join(dir, FileName(L1, modelName)),
		L2: filepath.Join(dir, FileName(L2, modelName)),
	}
	for _, norm := range []Norm{L1, L2} {
		w := safetensors.NewWriter()
		for k, v := range g.metadata() {
			w.SetMetadata(k, v)
		}
		w.SetMetadata("norm", string(norm))
		for _, e := range g.entries {
			if err := w.AddMat(e.key, g.Aggregate(norm, e.key), tensor.F16, e.shape); err != nil {
				return "", "", fmt.Errorf("save %s gradients: %w", norm, err)
			}
		}
		if err := w.WriteFile(paths[norm]); err != nil {
			return "", "", fmt.Errorf("save %s gradients: %w", norm, err)
		}
	}
	g.log.Info("saved gradient statistics", "l1", paths[L1], "l2", paths[L2], "run_id", g.runID.String())
	return paths[L1], paths[L2], nil
}
