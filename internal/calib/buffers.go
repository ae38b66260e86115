package calib

import (
	"fmt"

	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/tensor"
)

// Buffers is the double-buffered activation store threaded through the
// layers: In feeds the current block, Out receives its outputs, and Swap
// makes the outputs the next block's inputs.
type Buffers struct {
	In      []*tensor.Mat
	Out     []*tensor.Mat
	Context *model.ForwardContext
	Device  model.Device
	DType   tensor.DType
}

// NewBuffers takes ownership of the snapshot's inputs.
func NewBuffers(s *Snapshot, dtype tensor.DType) *Buffers {
	return &Buffers{
		In:      s.Inputs,
		Out:     make([]*tensor.Mat, len(s.Inputs)),
		Context: s.Context,
		Device:  s.Context.Device,
		DType:   dtype,
	}
}

// Len returns the number of calibration samples.
func (b *Buffers) Len() int { return len(b.In) }

// To relocates the buffers and the shared context to d. Relocation copies
// the data and returns once the copy is complete.
func (b *Buffers) To(d model.Device) {
	if d == "" || d == b.Device {
		return
	}
	for i, m := range b.In {
		if m != nil {
			b.In[i] = m.Clone()
		}
	}
	for i, m := range b.Out {
		if m != nil {
			b.Out[i] = m.Clone()
		}
	}
	b.Context = b.Context.To(d)
	b.Device = d
}

// SetOut stores the output of sample i rounded to the buffer dtype.
func (b *Buffers) SetOut(i int, m *tensor.Mat) error {
	if i < 0 || i >= len(b.Out) {
		return fmt.Errorf("output index %d out of range [0, %d)", i, len(b.Out))
	}
	if in := b.In[i]; in != nil && !in.SameShape(m) {
		return fmt.Errorf("output %d is %s, input was %s", i, m.Shape(), in.Shape())
	}
	m.RoundTo(b.DType)
	b.Out[i] = m
	return nil
}

// Swap makes the outputs the next inputs and clears the output side.
func (b *Buffers) Swap() {
	b.In, b.Out = b.Out, b.In
	clear(b.Out)
}

// Release drops every buffer.
func (b *Buffers) Release() {
	clear(b.In)
	clear(b.Out)
	b.Context = nil
}
