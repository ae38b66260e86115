// Package toy provides a tiny deterministic model family for tests: each
// block is a chain of square linear sublayers with residual connections.
package toy

import (
	"fmt"

	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/tensor"
)

// Family is the layout reported by toy models.
var Family = model.Family{Name: "toy", LayerPrefix: "model.layers."}

// Config describes a toy model. Zero values get small defaults.
type Config struct {
	Layers    int
	Hidden    int
	Vocab     int
	Sublayers []string
	Seed      uint64
	DType     tensor.DType
	SeqLen    int

	DeviceMap     model.DeviceMap
	DefaultDevice model.Device
}

func (c Config) withDefaults() Config {
	if c.Layers <= 0 {
		c.Layers = 2
	}
	if c.Hidden <= 0 {
		c.Hidden = 4
	}
	if c.Vocab <= 0 {
		c.Vocab = 32
	}
	if len(c.Sublayers) == 0 {
		c.Sublayers = []string{"proj"}
	}
	if c.DType == "" {
		c.DType = tensor.F32
	}
	if c.SeqLen <= 0 {
		c.SeqLen = 8
	}
	return c
}

// Model implements model.Adapter entirely in memory.
type Model struct {
	cfg     Config
	emb     *tensor.Mat
	blocks  []model.Block
	devices model.DeviceTable
}

var _ model.Adapter = (*Model)(nil)

// New builds a toy model with reproducible pseudo-random weights.
func New(cfg Config) *Model {
	cfg = cfg.withDefaults()
	m := &Model{
		cfg:     cfg,
		emb:     tensor.NewMat(cfg.Vocab, cfg.Hidden),
		devices: model.ResolveDevices(cfg.DeviceMap, Family, cfg.Layers, cfg.DefaultDevice),
	}
	tensor.FillRand(m.emb, cfg.Seed+11)
	scale(m.emb, 100)
	seed := cfg.Seed + 23
	for i := range cfg.Layers {
		b := &block{index: i}
		for _, name := range cfg.Sublayers {
			w := tensor.NewMat(cfg.Hidden, cfg.Hidden)
			tensor.FillRand(w, seed)
			scale(w, 50)
			w.RoundTo(cfg.DType)
			seed++
			b.subs = append(b.subs, &model.Sublayer{
				Name:   name,
				Param:  fmt.Sprintf("%s%d.%s.weight", Family.LayerPrefix, i, name),
				Weight: w,
			})
		}
		m.blocks = append(m.blocks, b)
	}
	return m
}

func scale(m *tensor.Mat, k float32) {
	for i := range m.Data {
		m.Data[i] *= k
	}
}

// Sublayer returns the named sublayer of layer i, or nil.
func (m *Model) Sublayer(layer int, name string) *model.Sublayer {
	if layer < 0 || layer >= len(m.blocks) {
		return nil
	}
	for _, s := range m.blocks[layer].Sublayers() {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (m *Model) Family() model.Family                   { return Family }
func (m *Model) Layers() []model.Block                  { return m.blocks }
func (m *Model) HiddenSize() int                        { return m.cfg.Hidden }
func (m *Model) SeqLen() int                            { return m.cfg.SeqLen }
func (m *Model) DType() tensor.DType                    { return m.cfg.DType }
func (m *Model) EmbeddingDevice() model.Device          { return m.devices.Embedding }
func (m *Model) LayerDevice(i int) (model.Device, bool) { return m.devices.Layer(i) }

func (m *Model) Embed(tokens []int) (*tensor.Mat, error) {
	out := tensor.NewMat(len(tokens), m.cfg.Hidden)
	for t, tok := range tokens {
		if tok < 0 || tok >= m.cfg.Vocab {
			return nil, fmt.Errorf("token id %d out of range [0, %d)", tok, m.cfg.Vocab)
		}
		copy(out.Row(t), m.emb.Row(tok))
	}
	out.RoundTo(m.cfg.DType)
	return out, nil
}

func (m *Model) ForwardContext(seqLen int) (*model.ForwardContext, error) {
	if seqLen <= 0 {
		return nil, fmt.Errorf("invalid sequence length %d", seqLen)
	}
	return &model.ForwardContext{SeqLen: seqLen, Device: m.devices.Embedding}, nil
}

type block struct {
	index int
	subs  []*model.Sublayer
}

func (b *block) Index() int                   { return b.index }
func (b *block) Sublayers() []*model.Sublayer { return b.subs }

// Forward applies x <- x + x·Wᵀ for each sublayer in order.
func (b *block) Forward(x *tensor.Mat, _ *model.ForwardContext, obs model.ObserverSet) (*tensor.Mat, error) {
	cur := x
	for _, s := range b.subs {
		if cur.C != s.Weight.C {
			return nil, fmt.Errorf("toy layer %d %s: input %s, weight %s", b.index, s.Name, cur.Shape(), s.Weight.Shape())
		}
		y := tensor.NewMat(cur.R, s.Weight.R)
		tensor.Linear(y, cur, s.Weight, s.Bias)
		if err := obs.Notify(s.Name, cur, y); err != nil {
			return nil, err
		}
		next := cur.Clone()
		for t := range next.R {
			tensor.Add(next.Row(t), y.Row(t))
		}
		cur = next
	}
	return cur, nil
}
