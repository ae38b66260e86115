package model

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lopper/internal/safetensors"
	"github.com/samcharles93/lopper/internal/tensor"
)

const (
	testHidden = 8
	testHeads  = 2
	testKV     = 1
	testFFN    = 12
	testVocab  = 16
	testLayers = 2
)

// writeTinyCheckpoint writes a random two-layer Llama checkpoint for fam.
func writeTinyCheckpoint(t *testing.T, dir string, fam Family, dtype tensor.DType) {
	t.Helper()
	headDim := testHidden / testHeads
	cfg := map[string]any{
		"model_type":              "llava",
		"torch_dtype":             "float16",
		"max_position_embeddings": 1024,
		"text_config": map[string]any{
			"hidden_size":         testHidden,
			"intermediate_size":   testFFN,
			"num_hidden_layers":   testLayers,
			"num_attention_heads": testHeads,
			"num_key_value_heads": testKV,
			"rms_norm_eps":        1e-5,
		},
	}
	if dtype == tensor.F32 {
		cfg["torch_dtype"] = "float32"
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := safetensors.NewWriter()
	seed := uint64(1)
	add := func(name string, r, c int, fill float32) {
		m := tensor.NewMat(r, c)
		if fill != 0 {
			for i := range m.Data {
				m.Data[i] = fill
			}
		} else {
			tensor.FillRand(m, seed)
			for i := range m.Data {
				m.Data[i] *= 50
			}
			seed++
		}
		shape := []int{r, c}
		if r == 1 {
			shape = []int{c}
		}
		if err := w.AddMat(name, m, dtype, shape); err != nil {
			t.Fatalf("AddMat %s: %v", name, err)
		}
	}
	add(fam.EmbeddingTensor(), testVocab, testHidden, 0)
	for i := range testLayers {
		p := fam.LayerPath(i) + "."
		add(p+"input_layernorm.weight", 1, testHidden, 1)
		add(p+"post_attention_layernorm.weight", 1, testHidden, 1)
		add(p+QProj+".weight", testHeads*headDim, testHidden, 0)
		add(p+KProj+".weight", testKV*headDim, testHidden, 0)
		add(p+VProj+".weight", testKV*headDim, testHidden, 0)
		add(p+OProj+".weight", testHidden, testHeads*headDim, 0)
		add(p+GateProj+".weight", testFFN, testHidden, 0)
		add(p+UpProj+".weight", testFFN, testHidden, 0)
		add(p+DownProj+".weight", testHidden, testFFN, 0)
	}
	add("lm_head.weight", testVocab, testHidden, 0)
	if err := w.WriteFile(filepath.Join(dir, "model.safetensors")); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
}

type recorder struct {
	calls   int
	inCols  int
	outCols int
}

func (r *recorder) Observe(input, output *tensor.Mat) error {
	r.calls++
	r.inCols, r.outCols = input.C, output.C
	return nil
}

func TestDetectFamilyOrder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		names  []string
		want   Family
		layers int
	}{
		{"standard", []string{"model.embed_tokens.weight", "model.layers.0.mlp.up_proj.weight", "model.layers.1.mlp.up_proj.weight"}, Standard, 2},
		{"vlm flat", []string{"model.language_model.layers.0.x", "model.visual.blocks.0.x"}, VLMFlat, 1},
		{"vlm nested wins", []string{"language_model.model.layers.0.x", "model.layers.0.x"}, VLMNested, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fam, n, err := DetectFamily(tt.names)
			if err != nil {
				t.Fatalf("DetectFamily: %v", err)
			}
			if fam != tt.want || n != tt.layers {
				t.Fatalf("got %s with %d layers, want %s with %d", fam, n, tt.want, tt.layers)
			}
		})
	}
}

func TestDetectFamilyErrors(t *testing.T) {
	t.Parallel()
	for _, names := range [][]string{
		{"transformer.h.0.attn.weight"},
		{"model.layers.0.x", "model.layers.2.x"},
		{"model.layers.x.weight"},
	} {
		if _, _, err := DetectFamily(names); !errors.Is(err, ErrConfig) {
			t.Fatalf("DetectFamily(%v) = %v, want ErrConfig", names, err)
		}
	}
}

func TestFamilyPaths(t *testing.T) {
	t.Parallel()
	if got := VLMNested.EmbeddingTensor(); got != "language_model.model.embed_tokens.weight" {
		t.Fatalf("VLMNested embedding = %q", got)
	}
	if got := VLMFlat.Base(); got != "model.language_model" {
		t.Fatalf("VLMFlat base = %q", got)
	}
	if got := Standard.LayerPath(7); got != "model.layers.7" {
		t.Fatalf("Standard layer path = %q", got)
	}
	if Standard.DefaultSeqLen() != 2048 || VLMFlat.DefaultSeqLen() != 4096 {
		t.Fatal("unexpected default sequence lengths")
	}
}

func TestDeviceTable(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "device_map.json")
	raw := `{"model.embed_tokens": 0, "model.layers.0": "cuda:0", "model.layers.1": 1, "model.norm": "cuda:1"}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dm, err := LoadDeviceMap(path)
	if err != nil {
		t.Fatalf("LoadDeviceMap: %v", err)
	}
	table := ResolveDevices(dm, Standard, 3, "cuda:7")
	if table.Embedding != "cuda:0" {
		t.Fatalf("embedding device = %q", table.Embedding)
	}
	if d, ok := table.Layer(1); d != "cuda:1" || !ok {
		t.Fatalf("layer 1 = %q, %v", d, ok)
	}
	if d, ok := table.Layer(2); d != "cuda:7" || ok {
		t.Fatalf("layer 2 should fall back to the default, got %q, %v", d, ok)
	}

	whole := DeviceMap{"": "cuda:3", "model.layers.1": "cuda:4"}
	if d, _ := whole.Lookup("model.layers.0"); d != "cuda:3" {
		t.Fatalf("root entry not used: %q", d)
	}
	if d, _ := whole.Lookup("model.layers.10"); d != "cuda:3" {
		t.Fatalf("model.layers.1 must not match model.layers.10, got %q", d)
	}
}

func TestParseHFConfigTextFallback(t *testing.T) {
	t.Parallel()
	cfg, err := parseHFConfig([]byte(`{"model_type":"qwen2_vl","text_config":{"hidden_size":64,"num_attention_heads":4}}`))
	if err != nil {
		t.Fatalf("parseHFConfig: %v", err)
	}
	if cfg.HiddenSize != 64 || cfg.NumKeyValueHeads != 4 || cfg.HeadDim != 16 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := parseHFConfig([]byte(`{"model_type":"llama"}`)); err == nil {
		t.Fatal("expected error for missing hidden_size")
	}
}

func TestRotaryIdentityAtPositionZero(t *testing.T) {
	t.Parallel()
	inv := ropeInvFreq(4, 10000, 0, nil)
	cos, sin := ropeTables(2, 4, inv)
	x := tensor.NewMatFromData(1, 8, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	want := x.Clone()
	applyRotary(x, 2, 4, cos, sin)
	for i := range want.Data {
		if x.Data[i] != want.Data[i] {
			t.Fatalf("position 0 changed element %d: %g -> %g", i, want.Data[i], x.Data[i])
		}
	}
}

func TestRopeLinearScaling(t *testing.T) {
	t.Parallel()
	plain := ropeInvFreq(8, 10000, 4096, nil)
	scaled := ropeInvFreq(8, 10000, 4096, &ropeScaling{Type: "linear", Factor: 2})
	for i := range plain {
		if math.Abs(scaled[i]-plain[i]/2) > 1e-12 {
			t.Fatalf("inv[%d] = %g, want %g", i, scaled[i], plain[i]/2)
		}
	}
}

func TestOpenAndForward(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTinyCheckpoint(t, dir, VLMNested, tensor.F32)

	m, err := Open(dir, OpenOptions{DefaultDevice: "cuda:0"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = m.Close() }()

	if m.Family() != VLMNested || len(m.Layers()) != testLayers || m.HiddenSize() != testHidden {
		t.Fatalf("unexpected model: family %s layers %d hidden %d", m.Family(), len(m.Layers()), m.HiddenSize())
	}
	if m.SeqLen() != 1024 {
		t.Fatalf("seq len = %d, want max_position_embeddings 1024", m.SeqLen())
	}
	if d, ok := m.LayerDevice(0); d != "cuda:0" || ok {
		t.Fatalf("layer device = %q, %v", d, ok)
	}

	tokens := []int{1, 5, 9, 3}
	x, err := m.Embed(tokens)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	fc, err := m.ForwardContext(len(tokens))
	if err != nil {
		t.Fatalf("ForwardContext: %v", err)
	}
	if fc.UseCache {
		t.Fatal("calibration context must not use the cache")
	}

	obs := ObserverSet{}
	recs := map[string]*recorder{}
	for _, s := range m.Layers()[0].Sublayers() {
		r := &recorder{}
		recs[s.Name] = r
		obs[s.Name] = r
	}
	out, err := m.Layers()[0].Forward(x, fc, obs)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.R != len(tokens) || out.C != testHidden || !tensor.AllFinite(out) {
		t.Fatalf("bad output %s", out.Shape())
	}
	for name, r := range recs {
		if r.calls != 1 {
			t.Fatalf("%s observed %d times", name, r.calls)
		}
	}
	if recs[DownProj].inCols != testFFN || recs[QProj].inCols != testHidden {
		t.Fatalf("observer shapes: down in %d, q in %d", recs[DownProj].inCols, recs[QProj].inCols)
	}

	// Causal: changing the last token must not change earlier positions.
	tokens2 := []int{1, 5, 9, 12}
	x2, _ := m.Embed(tokens2)
	out2, err := m.Layers()[0].Forward(x2, fc, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for p := range 3 {
		for j := range testHidden {
			if out.At(p, j) != out2.At(p, j) {
				t.Fatalf("position %d depends on a later token", p)
			}
		}
	}

	if _, err := m.Embed([]int{testVocab}); err == nil {
		t.Fatal("expected out-of-range token error")
	}
}

func TestOpenRejectsUnknownLayout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"hidden_size":8,"num_attention_heads":2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	w := safetensors.NewWriter()
	if err := w.AddMat("transformer.h.0.attn.weight", tensor.NewMat(2, 2), tensor.F32, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFile(filepath.Join(dir, "model.safetensors")); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, OpenOptions{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestSavePreservesDTypeAndZeros(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeTinyCheckpoint(t, src, Standard, tensor.F16)

	m, err := Open(src, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = m.Close() }()
	if m.DType() != tensor.F16 {
		t.Fatalf("dtype = %s", m.DType())
	}
	q := m.Layers()[1].Sublayers()[0]
	for j := range q.Weight.C {
		q.Weight.Set(0, j, 0)
	}

	if err := m.Save(src); err == nil {
		t.Fatal("expected refusal to overwrite the source")
	}
	dst := filepath.Join(t.TempDir(), "pruned")
	if err := m.Save(dst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "config.json")); err != nil {
		t.Fatalf("config.json not copied: %v", err)
	}

	f, err := safetensors.Open(filepath.Join(dst, "model.safetensors"))
	if err != nil {
		t.Fatalf("Open saved: %v", err)
	}
	defer func() { _ = f.Close() }()
	info, _ := f.Tensor(q.Param)
	if info.DType != "F16" {
		t.Fatalf("saved dtype = %s", info.DType)
	}
	got, err := f.ReadMat(q.Param)
	if err != nil {
		t.Fatalf("ReadMat: %v", err)
	}
	for j := range got.C {
		if got.At(0, j) != 0 {
			t.Fatalf("pruned entry (0,%d) = %g after save", j, got.At(0, j))
		}
	}
	if got.At(1, 0) != q.Weight.At(1, 0) {
		t.Fatalf("kept entry changed: %g vs %g", got.At(1, 0), q.Weight.At(1, 0))
	}
	if _, ok := f.Tensor("lm_head.weight"); !ok {
		t.Fatal("non-block tensor not copied")
	}
}
