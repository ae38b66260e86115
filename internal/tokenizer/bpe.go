package tokenizer

import "strings"

type pair struct{ a, b string }

type segment struct {
	text    string
	special bool
}

// merge applies the ranked merges to word until no adjacent pair has a
// rank, always merging every occurrence of the lowest-ranked pair.
func (t *BPE) merge(word string) []string {
	if out, ok := t.cache[word]; ok {
		return out
	}
	if t.ignoreMerges {
		if _, ok := t.vocab[word]; ok {
			return []string{word}
		}
	}
	parts := make([]string, 0, len(word))
	for _, r := range word {
		parts = append(parts, string(r))
	}
	for len(parts) > 1 {
		best, at := -1, -1
		for i := 0; i+1 < len(parts); i++ {
			if r, ok := t.ranks[pair{parts[i], parts[i+1]}]; ok && (best < 0 || r < best) {
				best, at = r, i
			}
		}
		if at < 0 {
			break
		}
		p := pair{parts[at], parts[at+1]}
		next := make([]string, 0, len(parts)-1)
		for i := 0; i < len(parts); i++ {
			if i+1 < len(parts) && parts[i] == p.a && parts[i+1] == p.b {
				next = append(next, p.a+p.b)
				i++
				continue
			}
			next = append(next, parts[i])
		}
		parts = next
	}
	t.cache[word] = parts
	return parts
}

// metaspaceWords cuts s before every run of metaspace characters that
// follows a visible character.
func metaspaceWords(s string) []string {
	var words []string
	start, prevSpace := 0, true
	for i, r := range s {
		space := string(r) == metaspace
		if space && !prevSpace && i > start {
			words = append(words, s[start:i])
			start = i
		}
		prevSpace = space
	}
	if start < len(s) {
		words = append(words, s[start:])
	}
	return words
}

// splitSpecials separates special tokens from ordinary text. The earliest
// match wins, then the longest.
func splitSpecials(text string, specials []string) []segment {
	var out []segment
	for text != "" {
		at, tok := -1, ""
		for _, s := range specials {
			if s == "" {
				continue
			}
			i := strings.Index(text, s)
			if i >= 0 && (at < 0 || i < at || (i == at && len(s) > len(tok))) {
				at, tok = i, s
			}
		}
		if at < 0 {
			out = append(out, segment{text: text})
			break
		}
		if at > 0 {
			out = append(out, segment{text: text[:at]})
		}
		out = append(out, segment{text: tok, special: true})
		text = text[at+len(tok):]
	}
	return out
}

// byteAlphabet maps every byte to a printable rune the way GPT-2 byte-level
// vocabularies are built.
func byteAlphabet() [256]string {
	var a [256]string
	n := 0
	for b := range 256 {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			a[b] = string(rune(b))
			continue
		}
		a[b] = string(rune(256 + n))
		n++
	}
	return a
}
