package tensor

import "fmt"

// ConvGeometry describes a 2D convolution whose kernel has been flattened to
// a [out, in*kh*kw] weight matrix.
type ConvGeometry struct {
	InChannels       int
	Height, Width    int
	KernelH, KernelW int
	Stride           int
	Padding          int
	Dilation         int
}

func (g ConvGeometry) norm() ConvGeometry {
	if g.Stride <= 0 {
		g.Stride = 1
	}
	if g.Dilation <= 0 {
		g.Dilation = 1
	}
	return g
}

// OutputSize returns the spatial size of the convolution output.
func (g ConvGeometry) OutputSize() (int, int) {
	g = g.norm()
	oh := (g.Height+2*g.Padding-g.Dilation*(g.KernelH-1)-1)/g.Stride + 1
	ow := (g.Width+2*g.Padding-g.Dilation*(g.KernelW-1)-1)/g.Stride + 1
	return oh, ow
}

// Unfold extracts sliding patches (im2col). input is [InChannels, Height*Width]
// and the result is [oh*ow, InChannels*KernelH*KernelW], one patch per row,
// with columns ordered channel-major as in the flattened kernel.
func Unfold(input *Mat, g ConvGeometry) (*Mat, error) {
	g = g.norm()
	if input.R != g.InChannels || input.C != g.Height*g.Width {
		return nil, fmt.Errorf("unfold: input %s does not match geometry %dx%dx%d",
			input.Shape(), g.InChannels, g.Height, g.Width)
	}
	oh, ow := g.OutputSize()
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("unfold: empty output for geometry %+v", g)
	}
	cols := g.InChannels * g.KernelH * g.KernelW
	out := NewMat(oh*ow, cols)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			row := out.Row(y*ow + x)
			for c := 0; c < g.InChannels; c++ {
				src := input.Row(c)
				for ky := 0; ky < g.KernelH; ky++ {
					iy := y*g.Stride - g.Padding + ky*g.Dilation
					for kx := 0; kx < g.KernelW; kx++ {
						ix := x*g.Stride - g.Padding + kx*g.Dilation
						if iy < 0 || iy >= g.Height || ix < 0 || ix >= g.Width {
							continue
						}
						row[(c*g.KernelH+ky)*g.KernelW+kx] = src[iy*g.Width+ix]
					}
				}
			}
		}
	}
	return out, nil
}
