package calib

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/lopper/internal/model"
	"github.com/samcharles93/lopper/internal/tensor"
	"github.com/samcharles93/lopper/internal/toy"
)

func seq(start, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = start + i
	}
	return out
}

func TestLoadJSONLFormats(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	data := "{\"input_ids\": [1, 2, 3]}\n\n[4, 5, 6, 7]\n{\"input_ids\": []}\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	l, err := LoadJSONL(path)
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("documents = %d, want 2", l.Len())
	}

	bad := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(bad, []byte("{not json}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadJSONL(bad); !errors.Is(err, ErrCorpus) {
		t.Fatalf("expected ErrCorpus, got %v", err)
	}
}

type runeEncoder struct{}

func (runeEncoder) Encode(text string) ([]int, error) {
	var ids []int
	for _, r := range text {
		ids = append(ids, int(r))
	}
	return ids, nil
}

func TestLoadCorpusText(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "c4.jsonl")
	data := "{\"text\": \"abc\", \"url\": \"x\"}\n{\"input_ids\": [9, 9]}\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadJSONL(path); !errors.Is(err, ErrCorpus) {
		t.Fatalf("expected ErrCorpus without an encoder, got %v", err)
	}
	l, err := LoadCorpus(path, runeEncoder{})
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("documents = %d, want 2", l.Len())
	}
	if got := l.docs[0]; len(got) != 3 || got[0] != 'a' || got[2] != 'c' {
		t.Fatalf("unexpected encoded document %v", got)
	}
}

func TestSampleDeterministic(t *testing.T) {
	t.Parallel()
	l := NewLoader([][]int{seq(0, 100), seq(1000, 5), seq(2000, 50)})
	a, err := l.Sample(8, 42, 16)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	b, _ := l.Sample(8, 42, 16)
	for i := range a {
		if len(a[i]) != 16 {
			t.Fatalf("window %d has %d tokens", i, len(a[i]))
		}
		if a[i][0] >= 1000 && a[i][0] < 2000 {
			t.Fatalf("window %d drawn from a document shorter than seqlen", i)
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatalf("sampling not deterministic at window %d", i)
			}
			if j > 0 && a[i][j] != a[i][j-1]+1 {
				t.Fatalf("window %d is not contiguous", i)
			}
		}
	}
	c, _ := l.Sample(8, 43, 16)
	same := true
	for i := range a {
		if a[i][0] != c[i][0] {
			same = false
		}
	}
	if same {
		t.Fatal("different seeds produced identical windows")
	}
}

func TestSampleSingleStream(t *testing.T) {
	t.Parallel()
	l := NewLoader([][]int{seq(0, 17)})
	got, err := l.Sample(20, 1, 16)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	for _, w := range got {
		if w[0] != 0 {
			t.Fatalf("window must start at 0 when the stream has seqlen+1 tokens, got %d", w[0])
		}
	}
	if _, err := l.Sample(1, 1, 17); !errors.Is(err, ErrCorpus) {
		t.Fatalf("expected ErrCorpus for too-short corpus, got %v", err)
	}
}

func TestCaptureFirstLayerInput(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Config{Hidden: 4, DType: tensor.BF16, DefaultDevice: "cuda:2"})
	batch := [][]int{{1, 2, 3}, {4, 5, 6}}
	snap, err := CaptureFirstLayerInput(context.Background(), m, batch)
	if err != nil {
		t.Fatalf("CaptureFirstLayerInput: %v", err)
	}
	if len(snap.Inputs) != 2 || snap.Inputs[0].R != 3 || snap.Inputs[0].C != 4 {
		t.Fatalf("unexpected snapshot shapes")
	}
	if snap.Inputs[1].DType != tensor.BF16 {
		t.Fatalf("buffer dtype = %s, want model dtype", snap.Inputs[1].DType)
	}
	if snap.Context.UseCache || snap.Context.Device != "cuda:2" {
		t.Fatalf("context = %+v", snap.Context)
	}

	if _, err := CaptureFirstLayerInput(context.Background(), m, [][]int{{1, 2}, {3}}); err == nil {
		t.Fatal("expected error for ragged batch")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := CaptureFirstLayerInput(ctx, m, batch); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBuffersSwapAndRelocate(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Config{Hidden: 4})
	snap, err := CaptureFirstLayerInput(context.Background(), m, [][]int{{1, 2}, {3, 4}})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	b := NewBuffers(snap, tensor.F16)
	first := b.In[0]

	b.To(model.Device("cuda:1"))
	if b.Device != "cuda:1" || b.Context.Device != "cuda:1" {
		t.Fatalf("relocation did not update devices: %q %q", b.Device, b.Context.Device)
	}
	if b.In[0] == first {
		t.Fatal("relocation must copy buffers")
	}

	out := tensor.NewMatFromData(2, 4, []float32{1.0001, 0, 0, 0, 0, 0, 0, 0})
	if err := b.SetOut(0, out); err != nil {
		t.Fatalf("SetOut: %v", err)
	}
	if out.At(0, 0) != 1 || out.DType != tensor.F16 {
		t.Fatalf("output not rounded to buffer dtype: %g %s", out.At(0, 0), out.DType)
	}
	if err := b.SetOut(1, tensor.NewMat(3, 4)); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	b.Swap()
	if b.In[0] != out || b.Out[0] != nil {
		t.Fatal("swap did not promote outputs")
	}
	b.Release()
	if b.In[0] != nil || b.Context != nil {
		t.Fatal("release kept references")
	}
}
