package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/tensor"
)

func randMat(r, c int, seed uint64, scale float32) *tensor.Mat {
	m := tensor.NewMat(r, c)
	tensor.FillRand(m, seed)
	for i := range m.Data {
		m.Data[i] *= scale
	}
	return m
}

func sublayer(w *tensor.Mat) *model.Sublayer {
	return &model.Sublayer{Name: "proj", Param: "model.layers.0.proj.weight", Weight: w}
}

func rowsSlice(x *tensor.Mat, from, to int) *tensor.Mat {
	out := tensor.NewMat(to-from, x.C)
	for t := from; t < to; t++ {
		copy(out.Row(t-from), x.Row(t))
	}
	return out
}

func TestActivationStatsRunningMean(t *testing.T) {
	t.Parallel()
	s := NewActivationStats(sublayer(tensor.NewMat(2, 3)))
	x1 := tensor.NewMatFromData(2, 3, []float32{1, 2, 0, 3, -1, 0})
	x2 := tensor.NewMatFromData(1, 3, []float32{2, 2, 0})

	require.NoError(t, s.Observe(x1, nil))
	assert.Equal(t, []float64{10, 5, 0}, s.ScalerRow())

	require.NoError(t, s.Observe(x2, nil))
	assert.Equal(t, 2, s.Samples())
	got := s.ScalerRow()
	want := []float64{(10 + 4) / 2.0, (5 + 4) / 2.0, 0}
	for j := range want {
		assert.InDelta(t, want[j], got[j], 1e-12)
	}

	require.Error(t, s.Observe(tensor.NewMat(1, 4), nil))
}

func TestActivationStatsConvolution(t *testing.T) {
	t.Parallel()
	sub := sublayer(tensor.NewMat(1, 2))
	sub.Conv = &tensor.ConvGeometry{InChannels: 2, Height: 2, Width: 2, KernelH: 1, KernelW: 1}
	s := NewActivationStats(sub)
	// Two channels over a 2x2 image; every pixel becomes one patch.
	in := tensor.NewMatFromData(2, 4, []float32{1, 1, 1, 1, 0, 2, 0, 2})
	require.NoError(t, s.Observe(in, nil))
	assert.Equal(t, []float64{4, 8}, s.ScalerRow())
}

func TestHessianBatchesCombineExactly(t *testing.T) {
	t.Parallel()
	x := randMat(7, 4, 3, 100)

	split := NewHessian(sublayer(tensor.NewMat(2, 4)))
	require.NoError(t, split.Observe(rowsSlice(x, 0, 3), nil))
	require.NoError(t, split.Observe(rowsSlice(x, 3, 7), nil))

	whole := NewHessian(sublayer(tensor.NewMat(2, 4)))
	require.NoError(t, whole.Observe(x, nil))
	assert.Equal(t, 7, split.Samples())

	for i := range 4 {
		for j := range 4 {
			direct := 0.0
			for k := range x.R {
				direct += float64(x.At(k, i)) * float64(x.At(k, j))
			}
			direct *= 2.0 / 7.0
			assert.InDelta(t, direct, whole.Matrix().At(i, j), 1e-9)
			assert.InDelta(t, whole.Matrix().At(i, j), split.Matrix().At(i, j), 1e-9)
		}
	}
}

func TestFasterPruneZeroRatioIsNoop(t *testing.T) {
	t.Parallel()
	w := randMat(3, 5, 11, 50)
	orig := w.Clone()
	h := NewHessian(sublayer(w))
	require.NoError(t, h.Observe(randMat(32, 5, 12, 100), nil))

	require.NoError(t, h.FasterPrune(0, 0, 0, 0, 2))
	for i := range orig.Data {
		assert.InDelta(t, orig.Data[i], w.Data[i], 1e-6)
	}
}

func TestFasterPruneUnstructured(t *testing.T) {
	t.Parallel()
	w := randMat(4, 8, 21, 50)
	h := NewHessian(sublayer(w))
	require.NoError(t, h.Observe(randMat(64, 8, 22, 100), nil))
	require.NoError(t, h.FasterPrune(0.5, 0, 0, 0.01, 128))
	assert.GreaterOrEqual(t, w.CountZeros(), 16)
	assert.True(t, tensor.AllFinite(w))
}

func TestFasterPruneNM(t *testing.T) {
	t.Parallel()
	for _, bs := range []int{4, 128} {
		w := randMat(3, 8, 31, 50)
		h := NewHessian(sublayer(w))
		require.NoError(t, h.Observe(randMat(40, 8, 32, 100), nil))
		require.NoError(t, h.FasterPrune(0, 2, 4, 0.01, bs))
		for r := range w.R {
			for g := 0; g < w.C; g += 4 {
				zeros := 0
				for j := g; j < g+4; j++ {
					if w.At(r, j) == 0 {
						zeros++
					}
				}
				assert.GreaterOrEqual(t, zeros, 2, "blocksize %d row %d group %d", bs, r, g/4)
			}
		}
	}
}

func TestFasterPruneDeadColumns(t *testing.T) {
	t.Parallel()
	w := randMat(2, 3, 41, 50)
	x := randMat(10, 3, 42, 100)
	for k := range x.R {
		x.Set(k, 1, 0)
	}
	h := NewHessian(sublayer(w))
	require.NoError(t, h.Observe(x, nil))
	require.NoError(t, h.FasterPrune(0, 0, 0, 0.01, 128))
	assert.Zero(t, w.At(0, 1))
	assert.Zero(t, w.At(1, 1))
	assert.NotZero(t, w.At(0, 0))
}

func TestFasterPruneNumericalFailure(t *testing.T) {
	t.Parallel()
	w := randMat(2, 3, 51, 50)
	x := randMat(4, 3, 52, 100)
	x.Set(0, 2, float32(math.Inf(1)))
	h := NewHessian(sublayer(w))
	require.NoError(t, h.Observe(x, nil))
	require.ErrorIs(t, h.FasterPrune(0.5, 0, 0, 0.01, 128), ErrNumerical)
}

func TestHessianFree(t *testing.T) {
	t.Parallel()
	h := NewHessian(sublayer(tensor.NewMat(2, 2)))
	h.Free()
	assert.Nil(t, h.Matrix())
	assert.Error(t, h.FasterPrune(0.5, 0, 0, 0.01, 128))
	assert.Error(t, h.Observe(tensor.NewMat(1, 2), nil))
}
