package prune

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/lopper/internal/calib"
	"github.com/samcharles93/lopper/internal/gradstats"
	"github.com/samcharles93/lopper/internal/logger"
	"github.com/samcharles93/lopper/internal/mask"
	"github.com/samcharles93/lopper/internal/metrics"
	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/stats"
	"github.com/samcharles93/lopper/internal/tensor"
	"github.com/samcharles93/lopper/internal/toy"
)

// magnitudeToy builds a two-layer model whose 4x4 weights hold two large
// and two small entries per row.
func magnitudeToy() *toy.Model {
	m := toy.New(toy.Config{Layers: 2, Hidden: 4})
	for l := range 2 {
		w := m.Sublayer(l, "proj").Weight
		for r := range 4 {
			k := float32(r + l)
			copy(w.Row(r), []float32{5 + k, 0.1 + 0.01*k, -(6 + k), -0.2 - 0.01*k})
		}
	}
	return m
}

func zeroPattern(w *tensor.Mat) []bool {
	out := make([]bool, len(w.Data))
	for i, v := range w.Data {
		out[i] = v == 0
	}
	return out
}

func rowZeros(w *tensor.Mat, r int) int {
	n := 0
	for _, v := range w.Row(r) {
		if v == 0 {
			n++
		}
	}
	return n
}

func calibBatch(t *testing.T, r *Runner) [][]int {
	t.Helper()
	stream := make([]int, 200)
	for i := range stream {
		stream[i] = (i*7 + 3) % 32
	}
	batch, err := r.SampleCalibration(calib.NewLoader([][]int{stream}))
	require.NoError(t, err)
	return batch
}

// newScaler observes the first block of m directly on the embedded batch.
func newScaler(t *testing.T, m *toy.Model, batch [][]int) []float64 {
	t.Helper()
	a := stats.NewActivationStats(m.Sublayer(0, "proj"))
	for _, seq := range batch {
		x, err := m.Embed(seq)
		require.NoError(t, err)
		_, err = m.Layers()[0].Forward(x, nil, model.ObserverSet{"proj": a})
		require.NoError(t, err)
	}
	return a.ScalerRow()
}

func TestMagnitudeEndToEnd(t *testing.T) {
	t.Parallel()
	var patterns [][]bool
	for range 2 {
		m := magnitudeToy()
		r := &Runner{
			Adapter: m,
			Options: Options{Strategy: Magnitude, SparsityRatio: 0.5},
			Logger:  logger.Discard(),
		}
		rep, err := r.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, rep.Sparsity, 1e-12)
		require.Len(t, rep.Layers, 2)

		var all []bool
		for l := range 2 {
			w := m.Sublayer(l, "proj").Weight
			for row := range 4 {
				assert.Equal(t, 2, rowZeros(w, row), "layer %d row %d", l, row)
				assert.Zero(t, w.At(row, 1))
				assert.Zero(t, w.At(row, 3))
			}
			all = append(all, zeroPattern(w)...)
		}
		patterns = append(patterns, all)
	}
	assert.Equal(t, patterns[0], patterns[1])
}

func gradientStore(m *toy.Model) *gradstats.Store {
	entries := make(map[string]*tensor.Mat)
	for l, b := range m.Layers() {
		for _, s := range b.Sublayers() {
			g := tensor.NewMat(s.Weight.R, s.Weight.C)
			for r := range g.R {
				// Column 0 carries the largest gradient, column 3 the smallest.
				copy(g.Row(r), []float32{8, 4, 2, 1})
			}
			entries[model.SublayerKey(s.Name, l)] = g
		}
	}
	return gradstats.NewStore(entries, nil)
}

func TestGradientStrategy(t *testing.T) {
	t.Parallel()
	for _, inv := range []bool{false, true} {
		m := toy.New(toy.Config{Hidden: 4, Seed: 3})
		for l := range 2 {
			w := m.Sublayer(l, "proj").Weight
			for r := range 4 {
				copy(w.Row(r), []float32{1, -1, 1, -1})
			}
		}
		r := &Runner{
			Adapter:   m,
			Options:   Options{Strategy: Gradient, SparsityRatio: 0.5, GradientInv: inv},
			Gradients: gradientStore(m),
			Logger:    logger.Discard(),
		}
		_, err := r.Run(context.Background(), nil)
		require.NoError(t, err)
		w := m.Sublayer(1, "proj").Weight
		for row := range 4 {
			if inv {
				// Large gradients make the inverse metric small.
				assert.Equal(t, []float32{0, 0, 1, -1}, w.Row(row))
			} else {
				assert.Equal(t, []float32{1, -1, 0, 0}, w.Row(row))
			}
		}
	}
}

func TestMissingGradientIsFatal(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Config{})
	before := m.Sublayer(0, "proj").Weight.Clone()
	r := &Runner{
		Adapter:   m,
		Options:   Options{Strategy: Gradient, SparsityRatio: 0.5},
		Gradients: gradstats.NewStore(map[string]*tensor.Mat{"proj_layer_0": tensor.NewMat(4, 4)}, nil),
		Logger:    logger.Discard(),
	}
	_, err := r.Run(context.Background(), nil)
	require.ErrorIs(t, err, gradstats.ErrMissing)
	assert.Equal(t, before.Data, m.Sublayer(0, "proj").Weight.Data, "no layer may be pruned")

	r.Gradients = nil
	_, err = r.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrOptions)
}

func TestWandaStagesAndRowCounts(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Config{Hidden: 4, Seed: 1})
	var stages []Stage
	reg := metrics.New()
	r := &Runner{
		Adapter: m,
		Options: Options{Strategy: Wanda, SparsityRatio: 0.5, NSamples: 4},
		Logger:  logger.Discard(),
		Metrics: reg,
		Progress: ProgressFunc(func(layer, total int, s Stage) {
			if layer == 0 {
				stages = append(stages, s)
			}
			assert.Equal(t, 2, total)
		}),
	}
	batch := calibBatch(t, r)
	require.Len(t, batch, 4)
	rep, err := r.Run(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Samples)
	assert.Equal(t, 8, rep.SeqLen)

	assert.Equal(t, []Stage{Idle, HooksRegistered, ForwardCaptured, HooksRemoved,
		MetricComputed, MaskApplied, Repropagated, Idle}, stages)
	for l := range 2 {
		w := m.Sublayer(l, "proj").Weight
		for row := range 4 {
			assert.Equal(t, 2, rowZeros(w, row), "layer %d row %d", l, row)
		}
	}
}

func TestWandaMatchesManualMetric(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Config{Layers: 1, Hidden: 4, Seed: 8})
	ref := toy.New(toy.Config{Layers: 1, Hidden: 4, Seed: 8})
	r := &Runner{Adapter: m, Options: Options{Strategy: Wanda, SparsityRatio: 0.25, NSamples: 3}, Logger: logger.Discard()}
	batch := calibBatch(t, r)

	// Observe the unpruned reference directly.
	sub := ref.Sublayer(0, "proj")
	a := newScaler(t, ref, batch)
	metric, err := activationMetric(sub.Weight, a)
	require.NoError(t, err)
	want, err := mask.RowWise(metric, 0.25)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), batch)
	require.NoError(t, err)
	w := m.Sublayer(0, "proj").Weight
	for i := range w.Data {
		assert.Equal(t, want.Bits[i], w.Data[i] == 0, "entry %d", i)
	}
}

func TestStructuredAndVariant(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Config{Hidden: 8, Seed: 2})
	r := &Runner{
		Adapter: m,
		Options: Options{Strategy: Wanda, Pattern: mask.Pattern{N: 2, M: 4}, NSamples: 2},
		Logger:  logger.Discard(),
	}
	_, err := r.Run(context.Background(), calibBatch(t, r))
	require.NoError(t, err)
	w := m.Sublayer(1, "proj").Weight
	for row := range w.R {
		for g := 0; g < w.C; g += 4 {
			zeros := 0
			for _, v := range w.Row(row)[g : g+4] {
				if v == 0 {
					zeros++
				}
			}
			assert.Equal(t, 2, zeros)
		}
	}

	v := toy.New(toy.Config{Hidden: 8, Seed: 2})
	rv := &Runner{
		Adapter: v,
		Options: Options{Strategy: Wanda, SparsityRatio: 0.5, UseVariant: true, NSamples: 2},
		Logger:  logger.Discard(),
	}
	rep, err := rv.Run(context.Background(), calibBatch(t, rv))
	require.NoError(t, err)
	for _, l := range rep.Layers {
		for _, s := range l.Sublayers {
			require.NotNil(t, s.Alpha)
			assert.GreaterOrEqual(t, *s.Alpha, mask.AdaptiveLow)
			assert.LessOrEqual(t, *s.Alpha, mask.AdaptiveHigh)
		}
	}
}

func TestGBLM(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Config{Hidden: 4, Seed: 4})
	r := &Runner{
		Adapter:   m,
		Options:   Options{Strategy: GBLM, SparsityRatio: 0.5, NSamples: 2},
		Gradients: gradientStore(m),
		Logger:    logger.Discard(),
	}
	rep, err := r.Run(context.Background(), calibBatch(t, r))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rep.Sparsity, 1e-12)
}

func TestHybridMetricBranches(t *testing.T) {
	t.Parallel()
	w := tensor.NewMatFromData(1, 2, []float32{-2, 3})
	g := tensor.NewMatFromData(1, 2, []float32{0.5, -4})
	scaler := []float64{4, 9}

	add, err := hybridMetric(w, scaler, g, false)
	require.NoError(t, err)
	assert.InDelta(t, 2*2+2*0.5, add.At(0, 0), 1e-6)
	assert.InDelta(t, 3*3+3*4, add.At(0, 1), 1e-6)

	div, err := hybridMetric(w, scaler, g, true)
	require.NoError(t, err)
	assert.InDelta(t, 2*2/0.5, div.At(0, 0), 1e-4)
	assert.InDelta(t, 3*3/4.0, div.At(0, 1), 1e-4)

	_, err = hybridMetric(w, scaler, tensor.NewMat(2, 2), false)
	require.ErrorIs(t, err, model.ErrConfig)
}

func TestSparseGPT(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Config{Hidden: 8, Seed: 6})
	var stages []Stage
	r := &Runner{
		Adapter: m,
		Options: Options{Strategy: SparseGPT, SparsityRatio: 0.5, NSamples: 4},
		Logger:  logger.Discard(),
		Progress: ProgressFunc(func(layer, _ int, s Stage) {
			if layer == 1 {
				stages = append(stages, s)
			}
		}),
	}
	rep, err := r.Run(context.Background(), calibBatch(t, r))
	require.NoError(t, err)
	assert.True(t, slices.Contains(stages, ResidualCorrection))
	for l := range 2 {
		w := m.Sublayer(l, "proj").Weight
		assert.GreaterOrEqual(t, w.CountZeros(), 32)
		assert.True(t, tensor.AllFinite(w))
		assert.GreaterOrEqual(t, rep.Layers[l].Sublayers[0].Pruned, 32)
	}
}

func TestDevicePlacement(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Config{
		Layers:    3,
		DeviceMap: model.DeviceMap{"model.layers.1": "cuda:1"},
	})
	r := &Runner{
		Adapter: m,
		Options: Options{Strategy: Wanda, SparsityRatio: 0.5, NSamples: 2, DefaultDevice: "cuda:7"},
		Logger:  logger.Discard(),
	}
	rep, err := r.Run(context.Background(), calibBatch(t, r))
	require.NoError(t, err)
	var devs []string
	for _, l := range rep.Layers {
		devs = append(devs, l.Device)
	}
	assert.Equal(t, []string{"cuda:7", "cuda:1", "cuda:7"}, devs)
}

func TestCancelledRunLeavesWeights(t *testing.T) {
	t.Parallel()
	for _, st := range []Strategy{Magnitude, Wanda} {
		m := toy.New(toy.Config{})
		before := m.Sublayer(0, "proj").Weight.Clone()
		r := &Runner{Adapter: m, Options: Options{Strategy: st, SparsityRatio: 0.5, NSamples: 2}, Logger: logger.Discard()}
		batch := calibBatch(t, r)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := r.Run(ctx, batch)
		require.ErrorIs(t, err, context.Canceled, st)
		assert.Equal(t, before.Data, m.Sublayer(0, "proj").Weight.Data)
	}
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()
	st, err := ParseStrategy(" SparseGPT ")
	require.NoError(t, err)
	assert.Equal(t, SparseGPT, st)
	_, err = ParseStrategy("obs")
	require.ErrorIs(t, err, ErrOptions)

	cases := []Options{
		{Strategy: Wanda, SparsityRatio: 1.5},
		{Strategy: Wanda, SparsityRatio: -0.1},
		{Strategy: Wanda, Pattern: mask.Pattern{N: 4, M: 2}},
		{Strategy: Wanda, Pattern: mask.Pattern{N: 2, M: 4}, UseVariant: true},
		{Strategy: Gradient, GradientPath: filepath.Join(t.TempDir(), "missing.safetensors")},
		{Strategy: "random"},
	}
	for _, o := range cases {
		assert.ErrorIs(t, o.WithDefaults().Validate(), ErrOptions, "%+v", o)
	}
	o := Options{Strategy: Magnitude}.WithDefaults()
	require.NoError(t, o.Validate())
	assert.Equal(t, DefaultSamples, o.NSamples)
	assert.Equal(t, DefaultBlockSize, o.BlockSize)
	assert.InDelta(t, DefaultPercDamp, o.PercDamp, 0)
}

func TestCheckSparsity(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Config{Hidden: 2})
	w := m.Sublayer(1, "proj").Weight
	w.Data[0], w.Data[3] = 0, 0
	rep := CheckSparsity(m, nil)
	assert.Equal(t, []float64{0, 0.5}, rep.Layers)
	assert.InDelta(t, 0.25, rep.Global, 1e-12)
	assert.Equal(t, 2, rep.Zeros)
	assert.Equal(t, 8, rep.Params)
}
