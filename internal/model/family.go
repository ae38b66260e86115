package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Family identifies where a checkpoint keeps its decoder layers.
type Family struct {
	Name        string
	LayerPrefix string
	Multimodal  bool
}

var (
	// VLMNested is the vision-language layout with the language model as
	// a nested causal LM (LLaVA style).
	VLMNested = Family{Name: "vlm-nested", LayerPrefix: "language_model.model.layers.", Multimodal: true}
	// VLMFlat is the vision-language layout with the decoder directly
	// under model.language_model (Qwen2-VL, Gemma3 style).
	VLMFlat = Family{Name: "vlm-flat", LayerPrefix: "model.language_model.layers.", Multimodal: true}
	// Standard is the decoder-only causal LM layout.
	Standard = Family{Name: "standard", LayerPrefix: "model.layers."}
)

// Families lists the supported layouts in detection order.
var Families = []Family{VLMNested, VLMFlat, Standard}

// Base returns the dotted module path that holds the layer list, e.g.
// "model" for Standard.
func (f Family) Base() string {
	return strings.TrimSuffix(strings.TrimSuffix(f.LayerPrefix, "."), ".layers")
}

// LayerPath returns the dotted module path of layer i.
func (f Family) LayerPath(i int) string {
	return f.LayerPrefix + strconv.Itoa(i)
}

// EmbeddingTensor returns the token embedding weight name.
func (f Family) EmbeddingTensor() string {
	return f.Base() + ".embed_tokens.weight"
}

// DefaultSeqLen is the calibration length used when config.json does not
// cap it lower.
func (f Family) DefaultSeqLen() int {
	if f.Multimodal {
		return 4096
	}
	return 2048
}

func (f Family) String() string { return f.Name }

// DetectFamily picks the first family whose layer prefix appears in names
// and returns the number of layers. Layer indices must be contiguous from
// zero.
func DetectFamily(names []string) (Family, int, error) {
	for _, fam := range Families {
		seen := make(map[int]bool)
		for _, name := range names {
			rest, ok := strings.CutPrefix(name, fam.LayerPrefix)
			if !ok {
				continue
			}
			idx, _, _ := strings.Cut(rest, ".")
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 {
				return Family{}, 0, fmt.Errorf("%w: bad layer index in %q", ErrConfig, name)
			}
			seen[n] = true
		}
		if len(seen) == 0 {
			continue
		}
		for i := range len(seen) {
			if !seen[i] {
				return Family{}, 0, fmt.Errorf("%w: %s layers are not contiguous (missing %d)", ErrConfig, fam.Name, i)
			}
		}
		return fam, len(seen), nil
	}
	return Family{}, 0, fmt.Errorf("%w: no decoder layers found under %s, %s or %s",
		ErrConfig, VLMNested.LayerPrefix, VLMFlat.LayerPrefix, Standard.LayerPrefix)
}
