package model

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// hfConfig is the subset of config.json the decoder blocks need.
type hfConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
	TorchDType    string   `json:"torch_dtype"`

	HiddenSize        int          `json:"hidden_size"`
	IntermediateSize  int          `json:"intermediate_size"`
	NumHiddenLayers   int          `json:"num_hidden_layers"`
	NumAttentionHeads int          `json:"num_attention_heads"`
	NumKeyValueHeads  int          `json:"num_key_value_heads"`
	HeadDim           int          `json:"head_dim"`
	RMSNormEps        float64      `json:"rms_norm_eps"`
	RopeTheta         float64      `json:"rope_theta"`
	MaxPosition       int          `json:"max_position_embeddings"`
	AttentionBias     bool         `json:"attention_bias"`
	RopeScaling       *ropeScaling `json:"rope_scaling"`
}

type ropeScaling struct {
	Type                          string  `json:"type"`
	RopeType                      string  `json:"rope_type"`
	Factor                        float64 `json:"factor"`
	OriginalMaxPositionEmbeddings int     `json:"original_max_position_embeddings"`
	LowFreqFactor                 float64 `json:"low_freq_factor"`
	HighFreqFactor                float64 `json:"high_freq_factor"`
}

func loadHFConfig(path string) (*hfConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	cfg, err := parseHFConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	return cfg, nil
}

func parseHFConfig(raw []byte) (*hfConfig, error) {
	var cfg hfConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := mergeTextConfigMissing(&cfg, raw); err != nil {
		return nil, err
	}
	if cfg.HiddenSize <= 0 {
		return nil, fmt.Errorf("hidden_size missing (checked text_config too)")
	}
	if cfg.NumAttentionHeads <= 0 {
		return nil, fmt.Errorf("num_attention_heads missing")
	}
	if cfg.NumKeyValueHeads <= 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.NumAttentionHeads%cfg.NumKeyValueHeads != 0 {
		return nil, fmt.Errorf("num_attention_heads %d not divisible by num_key_value_heads %d",
			cfg.NumAttentionHeads, cfg.NumKeyValueHeads)
	}
	if cfg.HeadDim <= 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}
	if cfg.HeadDim%2 != 0 {
		return nil, fmt.Errorf("head_dim %d must be even for rotary embeddings", cfg.HeadDim)
	}
	if cfg.RMSNormEps <= 0 {
		cfg.RMSNormEps = 1e-6
	}
	if cfg.RopeTheta <= 0 {
		cfg.RopeTheta = 10_000
	}
	return &cfg, nil
}

// mergeTextConfigMissing fills missing fields from a nested text_config
// object. Multimodal configs keep the language model parameters there.
func mergeTextConfigMissing(dst *hfConfig, raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return err
	}
	textRaw, ok := top["text_config"]
	if !ok || len(textRaw) == 0 || string(textRaw) == "null" {
		return nil
	}
	var text hfConfig
	if err := json.Unmarshal(textRaw, &text); err != nil {
		return err
	}

	fillInt := func(d *int, s int) {
		if *d == 0 && s > 0 {
			*d = s
		}
	}
	fillFloat := func(d *float64, s float64) {
		if *d == 0 && s > 0 {
			*d = s
		}
	}
	fillInt(&dst.HiddenSize, text.HiddenSize)
	fillInt(&dst.IntermediateSize, text.IntermediateSize)
	fillInt(&dst.NumHiddenLayers, text.NumHiddenLayers)
	fillInt(&dst.NumAttentionHeads, text.NumAttentionHeads)
	fillInt(&dst.NumKeyValueHeads, text.NumKeyValueHeads)
	fillInt(&dst.HeadDim, text.HeadDim)
	fillInt(&dst.MaxPosition, text.MaxPosition)
	fillFloat(&dst.RMSNormEps, text.RMSNormEps)
	fillFloat(&dst.RopeTheta, text.RopeTheta)
	if dst.RopeScaling == nil {
		dst.RopeScaling = text.RopeScaling
	}
	if dst.TorchDType == "" {
		dst.TorchDType = text.TorchDType
	}
	dst.AttentionBias = dst.AttentionBias || text.AttentionBias
	return nil
}
