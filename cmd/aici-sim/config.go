package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the aici-sim configuration file. Pointer fields distinguish
// "not set" from zero values.
type Config struct {
	Prompts []string `yaml:"prompts"`

	// Engine
	MaxTokens   *int64   `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
	Seed        *int64   `yaml:"seed"`
	VocabSize   *int64   `yaml:"vocab_size"`
	BlockSize   *int64   `yaml:"block_size"`
	NumBlocks   *int64   `yaml:"num_blocks"`
	MaxNumSeqs  *int64   `yaml:"max_num_seqs"`

	// Controller
	Policy     string `yaml:"policy"`
	Controller string `yaml:"controller"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// loadConfig reads path. An empty path yields a zero Config.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyCommonConfig fills logging and policy settings the command line left
// unset.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.Policy != "" && !c.IsSet("policy") {
		policyFile = cfg.Policy
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyRunConfig applies config file defaults to run command variables
// when the corresponding flag was not set explicitly.
func applyRunConfig(c *cli.Command, cfg Config, opts *runOptions) {
	applyCommonConfig(c, cfg)
	if len(cfg.Prompts) > 0 && !c.IsSet("prompt") {
		opts.prompts = cfg.Prompts
	}
	if cfg.Controller != "" && !c.IsSet("controller") {
		opts.controller = cfg.Controller
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") {
		opts.maxTokens = *cfg.MaxTokens
	}
	if cfg.Temperature != nil && !c.IsSet("temp") {
		opts.temperature = *cfg.Temperature
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		opts.seed = *cfg.Seed
	}
	if cfg.VocabSize != nil && !c.IsSet("vocab-size") {
		opts.vocabSize = *cfg.VocabSize
	}
	if cfg.BlockSize != nil && !c.IsSet("block-size") {
		opts.blockSize = *cfg.BlockSize
	}
	if cfg.NumBlocks != nil && !c.IsSet("num-blocks") {
		opts.numBlocks = *cfg.NumBlocks
	}
	if cfg.MaxNumSeqs != nil && !c.IsSet("max-num-seqs") {
		opts.maxNumSeqs = *cfg.MaxNumSeqs
	}
}
