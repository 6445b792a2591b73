package config

import (
	"fmt"
	"strings"
)

type TokenizerKind string

const (
	TokenizerTiktoken TokenizerKind = "tiktoken"
	TokenizerGGUF     TokenizerKind = "gguf"
)

type FeaturizerKind string

const (
	FeaturizerHashing FeaturizerKind = "hashing"
	FeaturizerOpenAI  FeaturizerKind = "openai"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CorpusConfig struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"`
}

type TokenizerConfig struct {
	Kind     TokenizerKind `mapstructure:"kind"`
	Encoding string        `mapstructure:"encoding"`
	Path     string        `mapstructure:"path"`
}

type PerplexityConfig struct {
	ModelPath string `mapstructure:"model_path"`
	Order     int    `mapstructure:"order"`
	BatchSize int    `mapstructure:"batch_size"`
}

type DivergenceConfig struct {
	Featurizer FeaturizerKind `mapstructure:"featurizer"`
	Model      string         `mapstructure:"model"`
	BaseURL    string         `mapstructure:"base_url"`
	APIKey     string         `mapstructure:"api_key"`
	Dim        int            `mapstructure:"dim"`
	Buckets    int            `mapstructure:"buckets"`
	Seed       uint64         `mapstructure:"seed"`
}

type MetricsConfig struct {
	Addr        string `mapstructure:"addr"`
	Pushgateway string `mapstructure:"pushgateway"`
}

type ResultStoreConfig struct {
	Path string `mapstructure:"path"`
}

type FlightConfig struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Log LogConfig `mapstructure:"log"`

	Phase       string `mapstructure:"phase"`
	DevCap      int    `mapstructure:"dev_cap"`
	FinalCap    int    `mapstructure:"final_cap"`
	GenLen      int    `mapstructure:"gen_len"`
	PromptWords int    `mapstructure:"prompt_words"`
	MaxLen      int    `mapstructure:"max_len"`
	MaxCtx      int    `mapstructure:"max_ctx"`
	Device      string `mapstructure:"device"`

	Corpus      CorpusConfig `mapstructure:"corpus"`
	PreparedDir string       `mapstructure:"prepared_dir"`
	OutputsDir  string       `mapstructure:"outputs_dir"`
	ResultsDir  string       `mapstructure:"results_dir"`

	Tokenizer   TokenizerConfig   `mapstructure:"tokenizer"`
	Perplexity  PerplexityConfig  `mapstructure:"ppl"`
	Divergence  DivergenceConfig  `mapstructure:"divergence"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	ResultStore ResultStoreConfig `mapstructure:"resultstore"`
	Flight      FlightConfig      `mapstructure:"flight"`
}

func (c *Config) Validate() error {
	switch c.Phase {
	case "dev", "final":
	default:
		return fmt.Errorf("invalid phase: %q (must be dev or final)", c.Phase)
	}
	if c.DevCap <= 0 {
		return fmt.Errorf("invalid dev_cap: %d (must be positive)", c.DevCap)
	}
	if c.FinalCap <= 0 {
		return fmt.Errorf("invalid final_cap: %d (must be positive)", c.FinalCap)
	}
	if c.GenLen <= 0 {
		return fmt.Errorf("invalid gen_len: %d (must be positive)", c.GenLen)
	}
	if c.PromptWords <= 0 {
		return fmt.Errorf("invalid prompt_words: %d (must be positive)", c.PromptWords)
	}
	if c.MaxLen <= 0 {
		return fmt.Errorf("invalid max_len: %d (must be positive)", c.MaxLen)
	}
	if c.MaxCtx <= 0 {
		return fmt.Errorf("invalid max_ctx: %d (must be positive)", c.MaxCtx)
	}
	switch strings.ToLower(c.Device) {
	case "auto", "cpu", "cuda", "metal":
	default:
		return fmt.Errorf("invalid device: %q (must be auto, cpu, cuda or metal)", c.Device)
	}
	switch c.Corpus.Format {
	case "raw", "jsonl":
	default:
		return fmt.Errorf("invalid corpus.format: %q (must be raw or jsonl)", c.Corpus.Format)
	}
	switch c.Tokenizer.Kind {
	case TokenizerTiktoken:
		if c.Tokenizer.Encoding == "" {
			return fmt.Errorf("tokenizer.encoding is required for tiktoken")
		}
	case TokenizerGGUF:
		if c.Tokenizer.Path == "" {
			return fmt.Errorf("tokenizer.path is required for gguf")
		}
	default:
		return fmt.Errorf("invalid tokenizer.kind: %q", c.Tokenizer.Kind)
	}
	if c.Perplexity.BatchSize <= 0 {
		return fmt.Errorf("invalid ppl.batch_size: %d (must be positive)", c.Perplexity.BatchSize)
	}
	if c.Perplexity.Order < 1 {
		return fmt.Errorf("invalid ppl.order: %d (must be >= 1)", c.Perplexity.Order)
	}
	switch c.Divergence.Featurizer {
	case FeaturizerHashing:
		if c.Divergence.Dim <= 0 {
			return fmt.Errorf("invalid divergence.dim: %d (must be positive)", c.Divergence.Dim)
		}
	case FeaturizerOpenAI:
		if c.Divergence.APIKey == "" && c.Divergence.BaseURL == "" {
			return fmt.Errorf("divergence.api_key or divergence.base_url is required for openai")
		}
	default:
		return fmt.Errorf("invalid divergence.featurizer: %q", c.Divergence.Featurizer)
	}
	if c.Divergence.Buckets < 0 {
		return fmt.Errorf("invalid divergence.buckets: %d (must be non-negative)", c.Divergence.Buckets)
	}
	return nil
}

// RequireDirs checks the directories a command reads from are configured.
func (c *Config) RequireDirs(names ...string) error {
	for _, name := range names {
		var v string
		switch name {
		case "corpus":
			v = c.Corpus.Dir
		case "prepared":
			v = c.PreparedDir
		case "outputs":
			v = c.OutputsDir
		case "results":
			v = c.ResultsDir
		default:
			return fmt.Errorf("unknown directory %q", name)
		}
		if v == "" {
			return fmt.Errorf("%s directory is not configured", name)
		}
	}
	return nil
}

func Default() Config {
	return Config{
		Log:         LogConfig{Level: "info", Format: "console"},
		Phase:       "dev",
		DevCap:      300,
		FinalCap:    200000,
		GenLen:      128,
		PromptWords: 32,
		MaxLen:      256,
		MaxCtx:      1024,
		Device:      "auto",
		Corpus:      CorpusConfig{Dir: "data/wikitext-103-raw", Format: "raw"},
		PreparedDir: "prepared_data",
		OutputsDir:  "outputs",
		ResultsDir:  "results",
		Tokenizer:   TokenizerConfig{Kind: TokenizerTiktoken, Encoding: "r50k_base"},
		Perplexity:  PerplexityConfig{ModelPath: "models/ngram.arrow", Order: 3, BatchSize: 4},
		Divergence: DivergenceConfig{
			Featurizer: FeaturizerHashing,
			Model:      "text-embedding-3-small",
			Dim:        1024,
			Seed:       25,
		},
	}
}
