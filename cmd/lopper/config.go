package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the lopper configuration file (~/.config/lopper/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Pruning defaults
	Strategy      string   `yaml:"strategy"`
	SparsityRatio *float64 `yaml:"sparsity_ratio"`
	SparsityType  string   `yaml:"sparsity_type"`
	NSamples      *int64   `yaml:"nsamples"`
	Seed          *int64   `yaml:"seed"`
	PercDamp      *float64 `yaml:"percdamp"`
	BlockSize     *int64   `yaml:"blocksize"`

	// Placement
	DeviceMap     string `yaml:"device_map"`
	DefaultDevice string `yaml:"default_device"`

	// Gradients
	GradientScale *float64 `yaml:"gradient_scale"`

	// Output
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	StatusAddr string `yaml:"status_addr"`
}

func configPath() string {
	if p := os.Getenv("LOPPER_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lopper", "config.yaml")
}

// pruneSettings are the prune command variables the config file can set.
type pruneSettings struct {
	strategy     *string
	ratio        *float64
	sparsityType *string
	nsamples     *int64
	seed         *int64
	percdamp     *float64
	blocksize    *int64
}

// applyCommonConfig applies config file defaults shared by every command
// when the corresponding CLI flag was not explicitly set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.DeviceMap != "" && !c.IsSet("device-map") {
		deviceMapPath = cfg.DeviceMap
	}
	if cfg.DefaultDevice != "" && !c.IsSet("default-device") {
		defaultDevice = cfg.DefaultDevice
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.StatusAddr != "" && !c.IsSet("status-addr") {
		statusAddr = cfg.StatusAddr
	}
}

// applyPruneConfig applies config file defaults to prune command variables.
func applyPruneConfig(c *cli.Command, cfg Config, s pruneSettings) {
	applyCommonConfig(c, cfg)
	if cfg.Strategy != "" && !c.IsSet("strategy") {
		*s.strategy = cfg.Strategy
	}
	if cfg.SparsityRatio != nil && !c.IsSet("sparsity-ratio") {
		*s.ratio = *cfg.SparsityRatio
	}
	if cfg.SparsityType != "" && !c.IsSet("sparsity-type") {
		*s.sparsityType = cfg.SparsityType
	}
	if cfg.NSamples != nil && !c.IsSet("nsamples") {
		*s.nsamples = *cfg.NSamples
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*s.seed = *cfg.Seed
	}
	if cfg.PercDamp != nil && !c.IsSet("percdamp") {
		*s.percdamp = *cfg.PercDamp
	}
	if cfg.BlockSize != nil && !c.IsSet("blocksize") {
		*s.blocksize = *cfg.BlockSize
	}
}

// applyGradientsConfig applies config file defaults to gradients command
// variables.
func applyGradientsConfig(c *cli.Command, cfg Config, scale *float64) {
	applyCommonConfig(c, cfg)
	if cfg.GradientScale != nil && !c.IsSet("scale") {
		*scale = *cfg.GradientScale
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
