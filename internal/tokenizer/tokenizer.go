// Package tokenizer encodes calibration text with the BPE tokenizer shipped
// next to a checkpoint (tokenizer.json, tokenizer_config.json). Byte-level
// (GPT-2, Llama 3) and metaspace (Llama 2, Mistral) vocabularies are
// supported. Decoding is not.
package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// ErrUnsupported is returned for tokenizer.json files this package cannot
// encode with.
var ErrUnsupported = errors.New("unsupported tokenizer")

const (
	// GPT-2 pre-tokenizer split.
	defaultSplit = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	// Llama 3 split without the trailing-whitespace lookahead RE2 lacks.
	llama3Split = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`

	metaspace = "▁"
)

type mode int

const (
	byteLevel mode = iota
	metaspaceMode
)

// BPE is a loaded tokenizer. It is not safe for concurrent use.
type BPE struct {
	mode     mode
	vocab    map[string]int
	ranks    map[pair]int
	cache    map[string][]string
	alphabet [256]string
	split    *regexp.Regexp
	specials []string

	bos, eos, unk  int
	addBOS, addEOS bool
	ignoreMerges   bool
	byteFallback   bool
}

type tokenizerFile struct {
	Model struct {
		Type         string            `json:"type"`
		Vocab        map[string]int    `json:"vocab"`
		Merges       []json.RawMessage `json:"merges"`
		IgnoreMerges bool              `json:"ignore_merges"`
		UnkToken     string            `json:"unk_token"`
		ByteFallback bool              `json:"byte_fallback"`
	} `json:"model"`
	PreTokenizer *preTokenizer `json:"pre_tokenizer"`
	Normalizer   *struct {
		Type        string `json:"type"`
		Normalizers []struct {
			Type    string `json:"type"`
			Prepend string `json:"prepend"`
		} `json:"normalizers"`
	} `json:"normalizer"`
	PostProcessor *postProcessor `json:"post_processor"`
	AddedTokens   []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type preTokenizer struct {
	Type          string         `json:"type"`
	Pretokenizers []preTokenizer `json:"pretokenizers"`
	Pattern       struct {
		Regex string `json:"Regex"`
	} `json:"pattern"`
}

type postProcessor struct {
	Type          string `json:"type"`
	SpecialTokens map[string]struct {
		IDs []int `json:"ids"`
	} `json:"special_tokens"`
	Processors []postProcessor `json:"processors"`
}

// templateBOS returns the first special token of a TemplateProcessing
// step, searching nested sequences.
func (p *postProcessor) templateBOS() (int, bool) {
	if p == nil {
		return 0, false
	}
	if p.Type == "TemplateProcessing" {
		for _, st := range p.SpecialTokens {
			if len(st.IDs) > 0 {
				return st.IDs[0], true
			}
		}
	}
	for i := range p.Processors {
		if id, ok := p.Processors[i].templateBOS(); ok {
			return id, true
		}
	}
	return 0, false
}

type tokenizerConfig struct {
	AddBOS *bool           `json:"add_bos_token"`
	AddEOS bool            `json:"add_eos_token"`
	BOS    json.RawMessage `json:"bos_token"`
	EOS    json.RawMessage `json:"eos_token"`
}

// Load reads tokenizer.json and, when present, tokenizer_config.json from
// a checkpoint directory.
func Load(dir string) (*BPE, error) {
	tok, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, err
	}
	cfg, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return Parse(tok, cfg)
}

// Parse builds a tokenizer from the raw JSON files. cfg may be nil.
func Parse(tok, cfg []byte) (*BPE, error) {
	var tf tokenizerFile
	if err := json.Unmarshal(tok, &tf); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if !strings.EqualFold(tf.Model.Type, "BPE") {
		return nil, fmt.Errorf("%w: model type %q", ErrUnsupported, tf.Model.Type)
	}

	t := &BPE{
		vocab:        make(map[string]int, len(tf.Model.Vocab)+len(tf.AddedTokens)),
		ranks:        make(map[pair]int, len(tf.Model.Merges)),
		cache:        make(map[string][]string),
		alphabet:     byteAlphabet(),
		bos:          -1,
		eos:          -1,
		unk:          -1,
		ignoreMerges: tf.Model.IgnoreMerges,
		byteFallback: tf.Model.ByteFallback,
	}
	for s, id := range tf.Model.Vocab {
		t.vocab[s] = id
	}
	for _, at := range tf.AddedTokens {
		t.vocab[at.Content] = at.ID
		if at.Special {
			t.specials = append(t.specials, at.Content)
		}
	}
	for _, raw := range tf.Model.Merges {
		p, ok := parseMerge(raw)
		if !ok {
			continue
		}
		if _, dup := t.ranks[p]; !dup {
			t.ranks[p] = len(t.ranks)
		}
	}
	if id, ok := t.vocab[tf.Model.UnkToken]; ok && tf.Model.UnkToken != "" {
		t.unk = id
	}

	t.mode, t.split = pretokenization(&tf)

	// Llama 2 style tokenizers add BOS unless the config says otherwise.
	t.addBOS = t.mode == metaspaceMode
	var tc tokenizerConfig
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &tc); err != nil {
			return nil, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
		if tc.AddBOS != nil {
			t.addBOS = *tc.AddBOS
		}
		t.addEOS = tc.AddEOS
		if id, ok := t.vocab[tokenName(tc.BOS)]; ok {
			t.bos = id
		}
		if id, ok := t.vocab[tokenName(tc.EOS)]; ok {
			t.eos = id
		}
	}
	if id, ok := tf.PostProcessor.templateBOS(); ok {
		t.bos, t.addBOS = id, true
	}
	return t, nil
}

func pretokenization(tf *tokenizerFile) (mode, *regexp.Regexp) {
	if tf.Normalizer != nil {
		for _, n := range tf.Normalizer.Normalizers {
			if n.Type == "Prepend" && n.Prepend == metaspace {
				return metaspaceMode, nil
			}
		}
	}
	pattern := defaultSplit
	if pt := tf.PreTokenizer; pt != nil {
		if pt.Type == "Metaspace" {
			return metaspaceMode, nil
		}
		for _, p := range append([]preTokenizer{*pt}, pt.Pretokenizers...) {
			if p.Type == "Metaspace" {
				return metaspaceMode, nil
			}
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pattern = p.Pattern.Regex
				break
			}
		}
	}
	if strings.Contains(pattern, `(?!\S)`) || strings.Contains(pattern, "(?i:") {
		pattern = llama3Split
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = regexp.MustCompile(llama3Split)
	}
	return byteLevel, re
}

// tokenName accepts both "<s>" and {"content": "<s>", ...}.
func tokenName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}

func parseMerge(raw json.RawMessage) (pair, bool) {
	var line string
	if err := json.Unmarshal(raw, &line); err == nil {
		a, b, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || a == "" || b == "" || strings.HasPrefix(line, "#") {
			return pair{}, false
		}
		return pair{a, b}, true
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil && len(parts) == 2 {
		return pair{parts[0], parts[1]}, true
	}
	return pair{}, false
}

// VocabSize returns one more than the largest token id.
func (t *BPE) VocabSize() int {
	n := 0
	for _, id := range t.vocab {
		n = max(n, id+1)
	}
	return n
}

// Encode returns the token ids of text, with BOS/EOS added as configured.
func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bos >= 0 {
		ids = append(ids, t.bos)
	}
	for i, seg := range splitSpecials(text, t.specials) {
		if seg.special {
			ids = append(ids, t.vocab[seg.text])
			continue
		}
		var err error
		switch t.mode {
		case metaspaceMode:
			ids, err = t.encodeMetaspace(ids, seg.text, i == 0)
		default:
			ids, err = t.encodeByteLevel(ids, seg.text)
		}
		if err != nil {
			return nil, err
		}
	}
	if t.addEOS && t.eos >= 0 {
		ids = append(ids, t.eos)
	}
	return ids, nil
}

func (t *BPE) encodeByteLevel(ids []int, text string) ([]int, error) {
	for _, word := range t.split.FindAllString(text, -1) {
		var b strings.Builder
		for _, c := range []byte(word) {
			b.WriteString(t.alphabet[c])
		}
		for _, piece := range t.merge(b.String()) {
			id, err := t.lookup(piece)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *BPE) encodeMetaspace(ids []int, text string, first bool) ([]int, error) {
	if text == "" {
		return ids, nil
	}
	s := strings.ReplaceAll(text, " ", metaspace)
	if first {
		s = metaspace + s
	}
	for _, word := range metaspaceWords(s) {
		for _, piece := range t.merge(word) {
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, id)
				continue
			}
			if !t.byteFallback {
				id, err := t.lookup(piece)
				if err != nil {
					return nil, err
				}
				ids = append(ids, id)
				continue
			}
			for _, c := range []byte(piece) {
				id, err := t.lookup(fmt.Sprintf("<0x%02X>", c))
				if err != nil {
					return nil, err
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (t *BPE) lookup(piece string) (int, error) {
	if id, ok := t.vocab[piece]; ok {
		return id, nil
	}
	if t.unk >= 0 {
		return t.unk, nil
	}
	return 0, fmt.Errorf("%w: no token for %q", ErrUnsupported, piece)
}
