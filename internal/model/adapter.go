// Package model exposes transformer checkpoints to the pruning pipeline as an
// ordered list of blocks, each holding named linear sublayers that can be
// observed during an instrumented forward pass and masked in place.
package model

import (
	"errors"
	"strconv"

	"github.com/samcharles93/lopper/internal/tensor"
)

// ErrConfig marks a model that does not have the structure the pipeline
// needs: an unknown layer layout, a missing tensor, a missing hidden size.
var ErrConfig = errors.New("model configuration error")

// Device names a compute placement. Placement is bookkeeping only: every
// device is host memory, and relocation is a synchronous copy.
type Device string

// CPU is the default placement.
const CPU Device = "cpu"

// Observer receives the input and output activations of one linear
// sublayer for one calibration sample. input is [tokens, in_features] and
// output is [tokens, out_features].
type Observer interface {
	Observe(input, output *tensor.Mat) error
}

// ObserverSet maps sublayer names to observers. A nil or missing entry
// means the sublayer is not observed.
type ObserverSet map[string]Observer

// Notify reports one activation pair to the observer registered for name.
func (s ObserverSet) Notify(name string, input, output *tensor.Mat) error {
	if s == nil {
		return nil
	}
	o, ok := s[name]
	if !ok || o == nil {
		return nil
	}
	return o.Observe(input, output)
}

// Sublayer is one prunable linear transform inside a block.
type Sublayer struct {
	// Name is relative to the block, e.g. "self_attn.q_proj".
	Name string
	// Param is the full checkpoint tensor name of the weight.
	Param string
	// Weight is [out_features, in_features]. Convolution kernels are
	// flattened to [out, in*kh*kw] and carry Conv.
	Weight *tensor.Mat
	Bias   []float32
	Conv   *tensor.ConvGeometry
	// Shape is the on-disk tensor shape when it differs from [R, C].
	Shape []int
	// Grad is the per-sample gradient, set by a gradient provider.
	Grad *tensor.Mat
}

// Block is one transformer block.
type Block interface {
	Index() int
	// Sublayers returns the prunable sublayers in a fixed order.
	Sublayers() []*Sublayer
	// Forward evaluates the block on one sample x of shape [tokens, hidden]
	// and reports every sublayer's activations to obs.
	Forward(x *tensor.Mat, fc *ForwardContext, obs ObserverSet) (*tensor.Mat, error)
}

// ForwardContext is the state shared by every block during one forward
// pass over a calibration sample. It replaces any model-wide mutable
// switches: calibration and pruning always run with UseCache false.
type ForwardContext struct {
	SeqLen   int
	UseCache bool
	Causal   bool
	Device   Device
	// Cos and Sin are the rotary tables, [SeqLen, headDim]. Nil for
	// families without rotary position embeddings.
	Cos, Sin *tensor.Mat
}

// To returns a copy of fc placed on d. Tables are copied when the device
// changes.
func (fc *ForwardContext) To(d Device) *ForwardContext {
	if fc == nil {
		return nil
	}
	out := *fc
	if d == fc.Device {
		return &out
	}
	out.Device = d
	if fc.Cos != nil {
		out.Cos = fc.Cos.Clone()
	}
	if fc.Sin != nil {
		out.Sin = fc.Sin.Clone()
	}
	return &out
}

// Adapter is implemented once per supported model family.
type Adapter interface {
	Family() Family
	Layers() []Block
	HiddenSize() int
	// SeqLen is the default calibration sequence length.
	SeqLen() int
	// DType is the parameter dtype; activation buffers are rounded to it.
	DType() tensor.DType
	EmbeddingDevice() Device
	// LayerDevice returns the placement of layer i and whether the
	// device map named it.
	LayerDevice(i int) (Device, bool)
	// Embed runs the pre-block path for one token sequence.
	Embed(tokens []int) (*tensor.Mat, error)
	// ForwardContext builds the shared context for sequences of seqLen.
	ForwardContext(seqLen int) (*ForwardContext, error)
}

// SublayerKey is the naming scheme shared by gradient statistics stores
// and the pruning pipeline.
func SublayerKey(name string, layer int) string {
	return name + "_layer_" + strconv.Itoa(layer)
}
