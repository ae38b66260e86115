package tensor

import (
	"fmt"
	"math"
	"strings"
)

// DType is the on-disk element encoding of a tensor. The names follow the
// safetensors spelling.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// ParseDType accepts safetensors and torch style names.
func ParseDType(s string) (DType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F32", "FLOAT32", "FLOAT":
		return F32, nil
	case "F16", "FLOAT16", "HALF":
		return F16, nil
	case "BF16", "BFLOAT16":
		return BF16, nil
	default:
		return "", fmt.Errorf("unsupported dtype %q", s)
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// Round returns v as it would read back after being stored in d.
func (d DType) Round(v float32) float32 {
	switch d {
	case F16:
		return F16ToF32(F32ToF16(v))
	case BF16:
		return BF16ToF32(F32ToBF16(v))
	default:
		return v
	}
}

// RoundTo rounds every element of m to the precision of d and tags m with d.
func (m *Mat) RoundTo(d DType) {
	m.DType = d
	if d == F32 || d == "" {
		return
	}
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			row[j] = d.Round(v)
		}
	}
}

// BF16ToF32 widens a bfloat16 bit pattern.
func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// F32ToBF16 narrows with round-to-nearest-even. NaN stays NaN.
func F32ToBF16(f float32) uint16 {
	bits := math.Float32bits(f)
	if bits&0x7fffffff > 0x7f800000 {
		return uint16(bits>>16) | 0x40
	}
	rounding := uint32(0x7fff) + (bits>>16)&1
	return uint16((bits + rounding) >> 16)
}

// F16ToF32 widens an IEEE binary16 bit pattern, including subnormals.
func F16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

// F32ToF16 narrows to IEEE binary16 with round-to-nearest-even. Values
// beyond the half range become ±Inf and tiny values become subnormals or
// signed zero.
func F32ToF16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23) & 0xFF
	mant := bits & 0x7FFFFF

	if exp == 0xFF {
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}

	e := exp - 127 + 15
	switch {
	case e >= 0x1F:
		return sign | 0x7C00
	case e <= 0:
		if e < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - e)
		half := uint32(1) << (shift - 1)
		rem := mant & ((uint32(1) << shift) - 1)
		out := mant >> shift
		if rem > half || (rem == half && out&1 == 1) {
			out++
		}
		return sign | uint16(out)
	default:
		out := uint32(e)<<10 | mant>>13
		rem := mant & 0x1FFF
		if rem > 0x1000 || (rem == 0x1000 && out&1 == 1) {
			// carry may ripple into the exponent, which is the correct result
			out++
		}
		return sign | uint16(out)
	}
}
