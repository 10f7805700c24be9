// Package config loads kbrouter configuration from YAML with environment
// overrides. All duration fields are strings in the file and parsed on
// access so a malformed value degrades to the default instead of failing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all kbrouter configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// Embedding provider
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Knowledge store
	Store StoreConfig `yaml:"store"`

	// Similarity matcher
	Matcher MatcherConfig `yaml:"matcher"`

	// Agent selector
	Selector SelectorConfig `yaml:"selector"`

	// Result cache
	Cache CacheConfig `yaml:"cache"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // ollama, genai

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// Timeout applies to every provider call (the selector treats a timeout
	// as a failure input, never a hang).
	Timeout string `yaml:"timeout"`
}

// StoreConfig configures the knowledge store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`

	// KnowledgeDir is watched for changes; events invalidate the snapshot.
	KnowledgeDir string `yaml:"knowledge_dir"`

	// RefreshInterval is the background snapshot reload period.
	RefreshInterval string `yaml:"refresh_interval"`

	// Ingest chunking
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// MatcherConfig configures similarity thresholds.
type MatcherConfig struct {
	// CrossAgentThreshold gates matches when comparing across agent
	// namespaces (default 0.7).
	CrossAgentThreshold float64 `yaml:"cross_agent_threshold"`

	// KnowledgeThreshold gates intra-agent fragment retrieval (default 0.3).
	KnowledgeThreshold float64 `yaml:"knowledge_threshold"`

	TopK int `yaml:"top_k"`

	// TieEpsilon: scores within this delta are tie-broken by fragment
	// recency, then lexicographic agent id.
	TieEpsilon float64 `yaml:"tie_epsilon"`
}

// SelectorConfig configures the selection state machine.
type SelectorConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	// AlternativeThreshold is the lower bar another agent must clear to win
	// over the requested one (default 0.4).
	AlternativeThreshold float64 `yaml:"alternative_threshold"`

	DefaultAgent string `yaml:"default_agent"`

	// FallbackConfidence is the fixed low band reported on keyword fallback.
	FallbackConfidence float64 `yaml:"fallback_confidence"`

	// ErrorConfidence is reported when the selector recovered from a failure.
	ErrorConfidence float64 `yaml:"error_confidence"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	TTL     string `yaml:"ttl"`
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	Dir        string          `yaml:"dir"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "kbrouter",
		Version: "1.0.0",

		Server: ServerConfig{
			Addr:            ":8013",
			ReadTimeout:     "15s",
			WriteTimeout:    "30s",
			ShutdownTimeout: "10s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Timeout:        "5s",
		},

		Store: StoreConfig{
			DatabasePath:    "data/kbrouter.db",
			KnowledgeDir:    "knowledge",
			RefreshInterval: "5m",
			ChunkSize:       1000,
			ChunkOverlap:    200,
		},

		Matcher: MatcherConfig{
			CrossAgentThreshold: 0.7,
			KnowledgeThreshold:  0.3,
			TopK:                5,
			TieEpsilon:          1e-6,
		},

		Selector: SelectorConfig{
			MaxAttempts:          3,
			AlternativeThreshold: 0.4,
			DefaultAgent:         "presaleskb",
			FallbackConfidence:   0.3,
			ErrorConfidence:      0.1,
		},

		Cache: CacheConfig{
			Enabled: true,
			TTL:     "5m",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
			Format:    "text",
			Dir:       ".kbrouter",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// parseDuration parses a duration string, falling back to def on error.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// EmbeddingTimeout returns the embedding call timeout.
func (c *Config) EmbeddingTimeout() time.Duration {
	return parseDuration(c.Embedding.Timeout, 5*time.Second)
}

// RefreshInterval returns the snapshot refresh period.
func (c *Config) RefreshInterval() time.Duration {
	return parseDuration(c.Store.RefreshInterval, 5*time.Minute)
}

// CacheTTL returns the result cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return parseDuration(c.Cache.TTL, 5*time.Minute)
}

// ReadTimeout returns the HTTP read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 15*time.Second)
}

// WriteTimeout returns the HTTP write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return parseDuration(c.Server.WriteTimeout, 30*time.Second)
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}
