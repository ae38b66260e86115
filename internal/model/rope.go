package model

import (
	"math"
	"strings"

	"github.com/samcharles93/lopper/internal/tensor"
)

// ropeInvFreq returns the per-pair inverse frequencies for a head of size
// headDim, with linear or llama3 scaling applied when configured.
func ropeInvFreq(headDim int, theta float64, maxPos int, rs *ropeScaling) []float64 {
	half := headDim / 2
	inv := make([]float64, half)
	for i := range inv {
		inv[i] = 1 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	if rs == nil {
		return inv
	}
	kind := strings.ToLower(strings.TrimSpace(rs.RopeType))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(rs.Type))
	}
	factor := rs.Factor
	if factor <= 0 || factor == 1 {
		return inv
	}
	switch kind {
	case "linear":
		for i := range inv {
			inv[i] /= factor
		}
	case "llama3":
		origCtx := float64(rs.OriginalMaxPositionEmbeddings)
		if origCtx <= 0 {
			origCtx = float64(maxPos)
		}
		applyLlama3Scaling(inv, factor, origCtx, rs.LowFreqFactor, rs.HighFreqFactor)
	}
	return inv
}

func applyLlama3Scaling(invFreq []float64, factor, origCtx, lowFactor, highFactor float64) {
	if origCtx <= 0 {
		return
	}
	if lowFactor <= 0 {
		lowFactor = 1
	}
	if highFactor <= lowFactor {
		for i := range invFreq {
			invFreq[i] /= factor
		}
		return
	}
	lowFreqWavelen := origCtx / lowFactor
	highFreqWavelen := origCtx / highFactor
	for i, f := range invFreq {
		waveLen := 2 * math.Pi / f
		switch {
		case waveLen < highFreqWavelen:
		case waveLen > lowFreqWavelen:
			invFreq[i] = f / factor
		default:
			smooth := (origCtx/waveLen - lowFactor) / (highFactor - lowFactor)
			invFreq[i] = (1-smooth)*f/factor + smooth*f
		}
	}
}

// ropeTables builds [seqLen, headDim] cos/sin tables in the
// cat(freqs, freqs) layout used with rotate-half.
func ropeTables(seqLen, headDim int, invFreq []float64) (cos, sin *tensor.Mat) {
	half := headDim / 2
	cos = tensor.NewMat(seqLen, headDim)
	sin = tensor.NewMat(seqLen, headDim)
	for p := range seqLen {
		cr, sr := cos.Row(p), sin.Row(p)
		for i := range half {
			s, c := math.Sincos(float64(p) * invFreq[i])
			cr[i], cr[i+half] = float32(c), float32(c)
			sr[i], sr[i+half] = float32(s), float32(s)
		}
	}
	return cos, sin
}

// applyRotary rotates each head of x ([tokens, heads*headDim]) in place.
func applyRotary(x *tensor.Mat, heads, headDim int, cos, sin *tensor.Mat) {
	half := headDim / 2
	for t := range x.R {
		row := x.Row(t)
		cr, sr := cos.Row(t), sin.Row(t)
		for h := range heads {
			v := row[h*headDim : (h+1)*headDim]
			for i := range half {
				a, b := v[i], v[i+half]
				v[i] = a*cr[i] - b*sr[i]
				v[i+half] = b*cr[i+half] + a*sr[i+half]
			}
		}
	}
}
