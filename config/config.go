// Package config loads runtime configuration for the memory system.
//
// Configuration is read from an optional YAML file and overridden by
// environment variables, so local development works with a bare .env
// while deployments ship a config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunable settings for the memory pipeline and the
// retrieval engines.
type Config struct {
	// Anthropic completion settings.
	AnthropicAPIKey string  `yaml:"anthropic_api_key"`
	CompletionModel string  `yaml:"completion_model"`
	MaxTokens       int64   `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`

	// OpenAI embedding settings.
	OpenAIAPIKey   string `yaml:"openai_api_key"`
	EmbeddingModel string `yaml:"embedding_model"`

	// Analyzer settings.
	MinContentWords      int     `yaml:"min_content_words"`
	SemanticDupThreshold float64 `yaml:"semantic_dup_threshold"`
	BackfillWorkers      int     `yaml:"backfill_workers"`

	// Retrieval settings.
	TopK            int `yaml:"top_k"`
	MinSupportItems int `yaml:"min_support_items"`

	// EngineTimeout is parsed from a duration string ("30s") in the
	// file; yaml cannot decode into time.Duration directly.
	EngineTimeout time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes the config, accepting engine_timeout as a Go
// duration string.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}
	var aux struct {
		EngineTimeout string `yaml:"engine_timeout"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.EngineTimeout != "" {
		d, err := time.ParseDuration(aux.EngineTimeout)
		if err != nil {
			return fmt.Errorf("engine_timeout: %w", err)
		}
		c.EngineTimeout = d
	}
	return nil
}

// Default returns the settings used when no file or environment
// override is present. Thresholds follow observed precision/recall on
// the original corpus; they are tunables, not invariants.
func Default() *Config {
	return &Config{
		CompletionModel:      "claude-sonnet-4-20250514",
		MaxTokens:            1000,
		Temperature:          0.1,
		EmbeddingModel:       "text-embedding-3-large",
		MinContentWords:      4,
		SemanticDupThreshold: 0.92,
		BackfillWorkers:      2,
		TopK:                 10,
		MinSupportItems:      3,
		EngineTimeout:        30 * time.Second,
	}
}

// Load reads the config file at path (if non-empty), then applies
// environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAIAPIKey = v
	}
	if v := os.Getenv("SAGE_COMPLETION_MODEL"); v != "" {
		c.CompletionModel = v
	}
	if v := os.Getenv("SAGE_EMBEDDING_MODEL"); v != "" {
		c.EmbeddingModel = v
	}
	if v := os.Getenv("SAGE_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TopK = n
		}
	}
	if v := os.Getenv("SAGE_DUP_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SemanticDupThreshold = f
		}
	}
	if v := os.Getenv("SAGE_ENGINE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.EngineTimeout = d
		}
	}
}

func (c *Config) validate() error {
	if c.SemanticDupThreshold <= 0 || c.SemanticDupThreshold > 1 {
		return fmt.Errorf("semantic_dup_threshold must be in (0,1], got %v", c.SemanticDupThreshold)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", c.TopK)
	}
	if c.BackfillWorkers <= 0 {
		return fmt.Errorf("backfill_workers must be positive, got %d", c.BackfillWorkers)
	}
	return nil
}
