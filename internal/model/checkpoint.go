package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samcharles93/lopper/internal/safetensors"
	"github.com/samcharles93/lopper/internal/tensor"
)

// OpenOptions configures Open.
type OpenOptions struct {
	// DeviceMap is optional. Layers it does not name use DefaultDevice.
	DeviceMap     DeviceMap
	DefaultDevice Device
	// SeqLen overrides the default calibration length when positive.
	SeqLen int
}

// Model is a Hugging Face safetensors checkpoint with Llama-style decoder
// blocks. It implements Adapter.
type Model struct {
	Dir string

	ckpt    *safetensors.Checkpoint
	family  Family
	cfg     *hfConfig
	dtype   tensor.DType
	seqLen  int
	invFreq []float64
	embed   *tensor.Mat
	blocks  []Block
	devices DeviceTable
	params  map[string]*Sublayer
}

var _ Adapter = (*Model)(nil)

// Open loads config.json and every decoder block of the checkpoint in dir.
func Open(dir string, opts OpenOptions) (*Model, error) {
	cfg, err := loadHFConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	ckpt, err := safetensors.OpenCheckpoint(dir)
	if err != nil {
		return nil, err
	}
	m, err := build(dir, ckpt, cfg, opts)
	if err != nil {
		_ = ckpt.Close()
		return nil, err
	}
	return m, nil
}

func build(dir string, ckpt *safetensors.Checkpoint, cfg *hfConfig, opts OpenOptions) (*Model, error) {
	fam, numLayers, err := DetectFamily(ckpt.Names())
	if err != nil {
		return nil, err
	}
	if cfg.NumHiddenLayers > 0 && cfg.NumHiddenLayers != numLayers {
		return nil, fmt.Errorf("%w: config declares %d layers, checkpoint has %d",
			ErrConfig, cfg.NumHiddenLayers, numLayers)
	}

	m := &Model{
		Dir:     dir,
		ckpt:    ckpt,
		family:  fam,
		cfg:     cfg,
		devices: ResolveDevices(opts.DeviceMap, fam, numLayers, opts.DefaultDevice),
		params:  make(map[string]*Sublayer),
	}

	m.embed, err = ckpt.ReadMat(fam.EmbeddingTensor())
	if err != nil {
		return nil, fmt.Errorf("%w: embedding: %v", ErrConfig, err)
	}
	if m.embed.C != cfg.HiddenSize {
		return nil, fmt.Errorf("%w: embedding width %d, hidden_size %d", ErrConfig, m.embed.C, cfg.HiddenSize)
	}
	m.dtype = m.embed.DType
	if cfg.TorchDType != "" {
		if d, err := tensor.ParseDType(cfg.TorchDType); err == nil {
			m.dtype = d
		}
	}

	m.seqLen = fam.DefaultSeqLen()
	if cfg.MaxPosition > 0 && cfg.MaxPosition < m.seqLen {
		m.seqLen = cfg.MaxPosition
	}
	if opts.SeqLen > 0 {
		m.seqLen = opts.SeqLen
	}

	dims := llamaDims{
		hidden:  cfg.HiddenSize,
		heads:   cfg.NumAttentionHeads,
		kvHeads: cfg.NumKeyValueHeads,
		headDim: cfg.HeadDim,
		rmsEps:  float32(cfg.RMSNormEps),
		workers: attnWorkersFor(cfg.NumAttentionHeads),
	}
	m.invFreq = ropeInvFreq(dims.headDim, cfg.RopeTheta, cfg.MaxPosition, cfg.RopeScaling)

	for i := range numLayers {
		b, err := m.loadBlock(i, dims)
		if err != nil {
			return nil, err
		}
		m.blocks = append(m.blocks, b)
	}
	return m, nil
}

func (m *Model) loadBlock(i int, dims llamaDims) (Block, error) {
	path := m.family.LayerPath(i) + "."
	readVec := func(name string) ([]float32, error) {
		mat, err := m.ckpt.ReadMat(path + name)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: %v", ErrConfig, i, err)
		}
		return mat.Data, nil
	}
	attnNorm, err := readVec("input_layernorm.weight")
	if err != nil {
		return nil, err
	}
	ffnNorm, err := readVec("post_attention_layernorm.weight")
	if err != nil {
		return nil, err
	}

	subs := make([]*Sublayer, 0, len(llamaSublayers))
	for _, name := range llamaSublayers {
		param := path + name + ".weight"
		w, err := m.ckpt.ReadMat(param)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: %v", ErrConfig, i, err)
		}
		s := &Sublayer{Name: name, Param: param, Weight: w}
		if _, _, ok := m.ckpt.Lookup(path + name + ".bias"); ok {
			bias, err := readVec(name + ".bias")
			if err != nil {
				return nil, err
			}
			if len(bias) != w.R {
				return nil, fmt.Errorf("%w: layer %d: %s bias has %d entries, want %d", ErrConfig, i, name, len(bias), w.R)
			}
			s.Bias = bias
		}
		subs = append(subs, s)
		m.params[param] = s
	}
	return newLlamaBlock(i, dims, attnNorm, ffnNorm, subs)
}

// Close releases the checkpoint mappings. Weights already loaded stay valid.
func (m *Model) Close() error { return m.ckpt.Close() }

func (m *Model) Family() Family                   { return m.family }
func (m *Model) Layers() []Block                  { return m.blocks }
func (m *Model) HiddenSize() int                  { return m.cfg.HiddenSize }
func (m *Model) SeqLen() int                      { return m.seqLen }
func (m *Model) DType() tensor.DType              { return m.dtype }
func (m *Model) EmbeddingDevice() Device          { return m.devices.Embedding }
func (m *Model) LayerDevice(i int) (Device, bool) { return m.devices.Layer(i) }

// Embed looks up the token embeddings. The result is rounded to the model
// dtype.
func (m *Model) Embed(tokens []int) (*tensor.Mat, error) {
	out := tensor.NewMat(len(tokens), m.embed.C)
	for t, tok := range tokens {
		if tok < 0 || tok >= m.embed.R {
			return nil, fmt.Errorf("token id %d out of range [0, %d)", tok, m.embed.R)
		}
		copy(out.Row(t), m.embed.Row(tok))
	}
	out.RoundTo(m.dtype)
	return out, nil
}

func (m *Model) ForwardContext(seqLen int) (*ForwardContext, error) {
	if seqLen <= 0 {
		return nil, fmt.Errorf("invalid sequence length %d", seqLen)
	}
	cos, sin := ropeTables(seqLen, m.cfg.HeadDim, m.invFreq)
	return &ForwardContext{
		SeqLen: seqLen,
		Causal: true,
		Device: m.devices.Embedding,
		Cos:    cos,
		Sin:    sin,
	}, nil
}

// Save writes the checkpoint to dir with the current (pruned) weights in
// their original dtype and shard layout. Every other tensor and the
// top-level side files (config, tokenizer, shard index) are copied as is.
func (m *Model) Save(dir string) error {
	src, err := filepath.Abs(m.Dir)
	if err != nil {
		return err
	}
	dst, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if src == dst {
		return errors.New("refusing to overwrite the source checkpoint")
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	shards := make([]string, 0, len(m.ckpt.Shards))
	for name := range m.ckpt.Shards {
		shards = append(shards, name)
	}
	sort.Strings(shards)
	for _, shard := range shards {
		f := m.ckpt.Shards[shard]
		w := safetensors.NewWriter()
		for k, v := range f.Metadata {
			w.SetMetadata(k, v)
		}
		for _, name := range f.Names() {
			s, pruned := m.params[name]
			if !pruned {
				if err := w.CopyFrom(name, f); err != nil {
					return err
				}
				continue
			}
			info, _ := f.Tensor(name)
			dtype, err := tensor.ParseDType(info.DType)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if err := w.AddMat(name, s.Weight, dtype, info.Shape); err != nil {
				return err
			}
		}
		if err := w.WriteFile(filepath.Join(dst, shard)); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".safetensors") {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
