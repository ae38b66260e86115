package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Linear computes dst = x·wᵀ (+ bias) for a batch of row vectors.
// x is [T, in], w is [out, in] and dst is [T, out]. bias may be nil.
func Linear(dst, x, w *Mat, bias []float32) {
	if x.C != w.C || dst.R != x.R || dst.C != w.R {
		panic("linear shape mismatch")
	}
	for t := 0; t < x.R; t++ {
		xr := x.Row(t)
		out := dst.Row(t)
		for o := 0; o < w.R; o++ {
			v := Dot(w.Row(o), xr)
			if bias != nil {
				v += bias[o]
			}
			out[o] = v
		}
	}
}

// RMSNormRows applies RMSNorm to each row of src independently.
func RMSNormRows(dst, src *Mat, weight []float32, eps float32) {
	for t := 0; t < src.R; t++ {
		RMSNorm(dst.Row(t), src.Row(t), weight, eps)
	}
}

// AllFinite reports whether every element of m is neither NaN nor ±Inf.
func AllFinite(m *Mat) bool {
	for i := 0; i < m.R; i++ {
		for _, v := range m.Row(i) {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
	}
	return true
}

// Abs returns a new matrix holding |m|.
func Abs(m *Mat) *Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		src := m.Row(i)
		dst := out.Row(i)
		for j, v := range src {
			if v < 0 {
				v = -v
			}
			dst[j] = v
		}
	}
	return out
}
