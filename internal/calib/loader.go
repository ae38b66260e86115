// Package calib prepares calibration activations: it samples fixed-length
// token windows from a pre-tokenized corpus and captures the hidden states
// that enter the first decoder block.
package calib

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/goccy/go-json"
)

// ErrCorpus is returned when a corpus cannot supply the requested windows.
var ErrCorpus = errors.New("calibration corpus error")

// Loader holds tokenized documents.
type Loader struct {
	docs [][]int
}

// NewLoader wraps already tokenized documents.
func NewLoader(docs [][]int) *Loader {
	return &Loader{docs: docs}
}

// Encoder turns raw text into token ids.
type Encoder interface {
	Encode(text string) ([]int, error)
}

type jsonlDoc struct {
	InputIDs []int  `json:"input_ids"`
	Text     string `json:"text"`
}

// LoadJSONL reads one document per line, either {"input_ids": [...]} or a
// bare JSON array of token ids. Blank lines are skipped.
func LoadJSONL(path string) (*Loader, error) {
	return LoadCorpus(path, nil)
}

// LoadCorpus is LoadJSONL that also accepts {"text": "..."} lines, as in
// C4 shards, encoding them with enc. Text lines without an encoder are an
// error.
func LoadCorpus(path string, enc Encoder) (*Loader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var docs [][]int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 256<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ids []int
		if raw[0] == '[' {
			err = json.Unmarshal(raw, &ids)
		} else {
			var doc jsonlDoc
			err = json.Unmarshal(raw, &doc)
			ids = doc.InputIDs
			if err == nil && len(ids) == 0 && doc.Text != "" {
				if enc == nil {
					return nil, fmt.Errorf("%w: %s:%d: text document needs a tokenizer", ErrCorpus, path, line)
				}
				ids, err = enc.Encode(doc.Text)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrCorpus, path, line, err)
		}
		if len(ids) > 0 {
			docs = append(docs, ids)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s holds no documents", ErrCorpus, path)
	}
	return &Loader{docs: docs}, nil
}

// Len returns the number of documents.
func (l *Loader) Len() int { return len(l.docs) }

// Sample draws n windows of exactly seqLen tokens, deterministically for a
// given seed. A single document is treated as one token stream and windows
// start anywhere in it. With several documents each window comes from a
// randomly chosen document longer than seqLen.
func (l *Loader) Sample(n int, seed uint64, seqLen int) ([][]int, error) {
	if n <= 0 || seqLen <= 0 {
		return nil, fmt.Errorf("%w: need positive sample count and length, got %d and %d", ErrCorpus, n, seqLen)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))

	var eligible []int
	for i, d := range l.docs {
		if len(d) > seqLen {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no document longer than %d tokens", ErrCorpus, seqLen)
	}

	out := make([][]int, 0, n)
	for range n {
		doc := l.docs[eligible[0]]
		if len(l.docs) > 1 {
			doc = l.docs[eligible[rng.IntN(len(eligible))]]
		}
		start := rng.IntN(len(doc) - seqLen)
		window := make([]int, seqLen)
		copy(window, doc[start:start+seqLen])
		out = append(out, window)
	}
	return out, nil
}
