package model

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/lopper/internal/tensor"
)

// Sublayer names of a Llama-style decoder block, in execution order.
const (
	QProj    = "self_attn.q_proj"
	KProj    = "self_attn.k_proj"
	VProj    = "self_attn.v_proj"
	OProj    = "self_attn.o_proj"
	GateProj = "mlp.gate_proj"
	UpProj   = "mlp.up_proj"
	DownProj = "mlp.down_proj"
)

var llamaSublayers = []string{QProj, KProj, VProj, OProj, GateProj, UpProj, DownProj}

type llamaDims struct {
	hidden   int
	heads    int
	kvHeads  int
	headDim  int
	rmsEps   float32
	workers  int
	attnBias bool
}

// llamaBlock is a pre-norm decoder block: RMSNorm, rotary GQA attention,
// residual, RMSNorm, SwiGLU MLP, residual.
type llamaBlock struct {
	index    int
	dims     llamaDims
	attnNorm []float32
	ffnNorm  []float32
	subs     []*Sublayer
	byName   map[string]*Sublayer
}

func newLlamaBlock(index int, dims llamaDims, attnNorm, ffnNorm []float32, subs []*Sublayer) (*llamaBlock, error) {
	b := &llamaBlock{
		index:    index,
		dims:     dims,
		attnNorm: attnNorm,
		ffnNorm:  ffnNorm,
		subs:     subs,
		byName:   make(map[string]*Sublayer, len(subs)),
	}
	for _, s := range subs {
		b.byName[s.Name] = s
	}
	qDim, kvDim := dims.heads*dims.headDim, dims.kvHeads*dims.headDim
	want := map[string][2]int{
		QProj: {qDim, dims.hidden},
		KProj: {kvDim, dims.hidden},
		VProj: {kvDim, dims.hidden},
		OProj: {dims.hidden, qDim},
	}
	for _, name := range llamaSublayers {
		s, ok := b.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: layer %d: missing %s", ErrConfig, index, name)
		}
		if shape, ok := want[name]; ok && (s.Weight.R != shape[0] || s.Weight.C != shape[1]) {
			return nil, fmt.Errorf("%w: layer %d: %s is %s, want [%d %d]",
				ErrConfig, index, name, s.Weight.Shape(), shape[0], shape[1])
		}
	}
	g, u, d := b.byName[GateProj].Weight, b.byName[UpProj].Weight, b.byName[DownProj].Weight
	if g.C != dims.hidden || !g.SameShape(u) || d.R != dims.hidden || d.C != g.R {
		return nil, fmt.Errorf("%w: layer %d: inconsistent MLP shapes gate %s up %s down %s",
			ErrConfig, index, g.Shape(), u.Shape(), d.Shape())
	}
	if len(attnNorm) != dims.hidden || len(ffnNorm) != dims.hidden {
		return nil, fmt.Errorf("%w: layer %d: norm weights do not match hidden size %d", ErrConfig, index, dims.hidden)
	}
	return b, nil
}

func (b *llamaBlock) Index() int             { return b.index }
func (b *llamaBlock) Sublayers() []*Sublayer { return b.subs }

func (b *llamaBlock) linear(name string, x *tensor.Mat, obs ObserverSet) (*tensor.Mat, error) {
	s := b.byName[name]
	out := tensor.NewMat(x.R, s.Weight.R)
	tensor.Linear(out, x, s.Weight, s.Bias)
	if err := obs.Notify(name, x, out); err != nil {
		return nil, fmt.Errorf("layer %d %s: %w", b.index, name, err)
	}
	return out, nil
}

func (b *llamaBlock) Forward(x *tensor.Mat, fc *ForwardContext, obs ObserverSet) (*tensor.Mat, error) {
	if x.C != b.dims.hidden {
		return nil, fmt.Errorf("layer %d: input %s, want hidden %d", b.index, x.Shape(), b.dims.hidden)
	}
	if fc == nil || fc.Cos == nil || fc.Cos.R < x.R {
		return nil, fmt.Errorf("layer %d: forward context does not cover %d positions", b.index, x.R)
	}

	h := tensor.NewMat(x.R, x.C)
	tensor.RMSNormRows(h, x, b.attnNorm, b.dims.rmsEps)
	q, err := b.linear(QProj, h, obs)
	if err != nil {
		return nil, err
	}
	k, err := b.linear(KProj, h, obs)
	if err != nil {
		return nil, err
	}
	v, err := b.linear(VProj, h, obs)
	if err != nil {
		return nil, err
	}
	applyRotary(q, b.dims.heads, b.dims.headDim, fc.Cos, fc.Sin)
	applyRotary(k, b.dims.kvHeads, b.dims.headDim, fc.Cos, fc.Sin)
	attn := b.attention(q, k, v, fc.Causal)
	o, err := b.linear(OProj, attn, obs)
	if err != nil {
		return nil, err
	}

	out := x.Clone()
	for t := range out.R {
		tensor.Add(out.Row(t), o.Row(t))
	}

	tensor.RMSNormRows(h, out, b.ffnNorm, b.dims.rmsEps)
	gate, err := b.linear(GateProj, h, obs)
	if err != nil {
		return nil, err
	}
	up, err := b.linear(UpProj, h, obs)
	if err != nil {
		return nil, err
	}
	for i, g := range gate.Data {
		gate.Data[i] = tensor.Silu(g) * up.Data[i]
	}
	down, err := b.linear(DownProj, gate, obs)
	if err != nil {
		return nil, err
	}
	for t := range out.R {
		tensor.Add(out.Row(t), down.Row(t))
	}
	return out, nil
}

// attention computes grouped-query scaled dot-product attention with heads
// split across workers.
func (b *llamaBlock) attention(q, k, v *tensor.Mat, causal bool) *tensor.Mat {
	d := b.dims
	out := tensor.NewMat(q.R, d.heads*d.headDim)
	scale := float32(1 / math.Sqrt(float64(d.headDim)))
	group := d.heads / d.kvHeads

	var eg errgroup.Group
	eg.SetLimit(d.workers)
	for h := range d.heads {
		eg.Go(func() error {
			kvh := h / group
			scores := make([]float32, k.R)
			for t := range q.R {
				qh := q.Row(t)[h*d.headDim : (h+1)*d.headDim]
				n := k.R
				if causal {
					n = t + 1
				}
				for s := range n {
					scores[s] = tensor.Dot(qh, k.Row(s)[kvh*d.headDim:(kvh+1)*d.headDim]) * scale
				}
				tensor.Softmax(scores[:n])
				dst := out.Row(t)[h*d.headDim : (h+1)*d.headDim]
				for s := range n {
					vs := v.Row(s)[kvh*d.headDim : (kvh+1)*d.headDim]
					p := scores[s]
					for j := range dst {
						dst[j] += p * vs[j]
					}
				}
			}
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

func attnWorkersFor(heads int) int {
	workers := runtime.GOMAXPROCS(0)
	if heads > 0 && workers > heads {
		workers = heads
	}
	return max(workers, 1)
}
