// Package config loads discovery index configuration from YAML files and
// TOOLMESH_* environment variables, layered over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend variant names.
const (
	BackendLinear = "linear"
	BackendHNSW   = "hnsw"
	BackendRedis  = "redis"
)

// Embedding provider names.
const (
	ProviderOllama = "ollama"
	ProviderStatic = "static"
)

// Config is the complete discovery index configuration.
type Config struct {
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Backend    BackendConfig    `yaml:"backend" json:"backend"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	LogLevel   string           `yaml:"log_level" json:"log_level"`
}

// EmbeddingsConfig configures the embedding provider. Model identity is
// fixed at startup; it is never swapped during a process lifetime.
type EmbeddingsConfig struct {
	// Provider selects the embedder: "ollama", "static", or empty for
	// auto-detection (ollama if reachable, static otherwise).
	Provider string `yaml:"provider" json:"provider"`

	// Model is the embedding model identifier.
	Model string `yaml:"model" json:"model"`

	// Dimensions is the fixed embedding dimension D. 0 auto-detects from
	// the provider. All documents in one index share this dimension.
	Dimensions int `yaml:"dimensions" json:"dimensions"`

	// OllamaHost is the Ollama API endpoint (default http://localhost:11434).
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`

	// BatchSize is texts per embedding request during bulk reindex.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// QueryTimeout bounds a single query-path embedding call. A slower
	// call fails fast with a discovery-degraded error.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`

	// CacheSize is the number of query embeddings kept in the LRU cache.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// BackendConfig selects and configures the index backend variant.
type BackendConfig struct {
	// Variant is one of "linear", "hnsw", "redis". Chosen once at startup.
	Variant string `yaml:"variant" json:"variant"`

	// Path is the data path for file-backed variants: the sqlite file for
	// "linear" (empty = memory only) and the index directory for "hnsw".
	Path string `yaml:"path" json:"path"`

	// RebuildThreshold is the number of incremental writes the hnsw
	// variant accepts before a full rebuild is requested.
	RebuildThreshold int `yaml:"rebuild_threshold" json:"rebuild_threshold"`

	// RedisAddr is the redis host:port for the "redis" variant.
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`

	// RedisIndex is the RediSearch index name.
	RedisIndex string `yaml:"redis_index" json:"redis_index"`
}

// SearchConfig configures hybrid ranking. The boost weights and scale
// default to the validated constants; changing them changes ranking and
// should be re-validated against the acceptance scenarios.
type SearchConfig struct {
	// TopKServices is the stage-1 service candidate count.
	TopKServices int `yaml:"top_k_services" json:"top_k_services"`

	// TopNTools is the stage-2 result cap.
	TopNTools int `yaml:"top_n_tools" json:"top_n_tools"`

	// PathBoost is the additive weight for a query match in the path field.
	PathBoost float64 `yaml:"path_boost" json:"path_boost"`

	// NameBoost is the additive weight for a query match in the name field.
	NameBoost float64 `yaml:"name_boost" json:"name_boost"`

	// DescriptionBoost is the additive weight for a description match.
	DescriptionBoost float64 `yaml:"description_boost" json:"description_boost"`

	// TagBoost is the additive weight for a tag match.
	TagBoost float64 `yaml:"tag_boost" json:"tag_boost"`

	// BoostScale scales the summed text boost before it is added to the
	// normalized vector score.
	BoostScale float64 `yaml:"boost_scale" json:"boost_scale"`
}

// DefaultDataDir returns the default data directory (~/.toolmesh).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".toolmesh")
	}
	return filepath.Join(home, ".toolmesh")
}

// NewConfig creates a Config with documented defaults.
func NewConfig() *Config {
	return &Config{
		Embeddings: EmbeddingsConfig{
			Provider:     "", // auto-detect: ollama if reachable, static otherwise
			Model:        "nomic-embed-text",
			Dimensions:   0, // auto-detect from embedder
			OllamaHost:   "",
			BatchSize:    32,
			QueryTimeout: 10 * time.Second,
			CacheSize:    1000,
		},
		Backend: BackendConfig{
			Variant:          BackendLinear,
			Path:             filepath.Join(DefaultDataDir(), "index"),
			RebuildThreshold: 250,
			RedisAddr:        "localhost:6379",
			RedisIndex:       "toolmesh-discovery",
		},
		Search: SearchConfig{
			TopKServices:     3,
			TopNTools:        1,
			PathBoost:        5.0,
			NameBoost:        3.0,
			DescriptionBoost: 2.0,
			TagBoost:         1.5,
			BoostScale:       0.05,
		},
		LogLevel: "info",
	}
}

// Load loads configuration with increasing precedence:
//  1. Built-in defaults
//  2. Config file (.toolmesh.yaml in dir, if present)
//  3. Environment variables (TOOLMESH_*)
//
// The final configuration is validated before being returned.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load .toolmesh.yaml or .toolmesh.yml from dir.
// A missing file is fine; defaults apply.
func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{".toolmesh.yaml", ".toolmesh.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return c.loadYAML(path)
		}
	}
	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	// Embeddings
	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.QueryTimeout != 0 {
		c.Embeddings.QueryTimeout = other.Embeddings.QueryTimeout
	}
	if other.Embeddings.CacheSize != 0 {
		c.Embeddings.CacheSize = other.Embeddings.CacheSize
	}

	// Backend
	if other.Backend.Variant != "" {
		c.Backend.Variant = other.Backend.Variant
	}
	if other.Backend.Path != "" {
		c.Backend.Path = other.Backend.Path
	}
	if other.Backend.RebuildThreshold != 0 {
		c.Backend.RebuildThreshold = other.Backend.RebuildThreshold
	}
	if other.Backend.RedisAddr != "" {
		c.Backend.RedisAddr = other.Backend.RedisAddr
	}
	if other.Backend.RedisIndex != "" {
		c.Backend.RedisIndex = other.Backend.RedisIndex
	}

	// Search. Zero is not a usable value for any of these, so non-zero
	// merge semantics are safe.
	if other.Search.TopKServices != 0 {
		c.Search.TopKServices = other.Search.TopKServices
	}
	if other.Search.TopNTools != 0 {
		c.Search.TopNTools = other.Search.TopNTools
	}
	if other.Search.PathBoost != 0 {
		c.Search.PathBoost = other.Search.PathBoost
	}
	if other.Search.NameBoost != 0 {
		c.Search.NameBoost = other.Search.NameBoost
	}
	if other.Search.DescriptionBoost != 0 {
		c.Search.DescriptionBoost = other.Search.DescriptionBoost
	}
	if other.Search.TagBoost != 0 {
		c.Search.TagBoost = other.Search.TagBoost
	}
	if other.Search.BoostScale != 0 {
		c.Search.BoostScale = other.Search.BoostScale
	}

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}

// applyEnvOverrides applies TOOLMESH_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TOOLMESH_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("TOOLMESH_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("TOOLMESH_EMBEDDINGS_DIMENSIONS"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Embeddings.Dimensions = d
		}
	}
	if v := os.Getenv("TOOLMESH_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("TOOLMESH_BACKEND"); v != "" {
		c.Backend.Variant = v
	}
	if v := os.Getenv("TOOLMESH_BACKEND_PATH"); v != "" {
		c.Backend.Path = v
	}
	if v := os.Getenv("TOOLMESH_REBUILD_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Backend.RebuildThreshold = n
		}
	}
	if v := os.Getenv("TOOLMESH_REDIS_ADDR"); v != "" {
		c.Backend.RedisAddr = v
	}
	if v := os.Getenv("TOOLMESH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Embeddings.Provider != "" {
		valid := map[string]bool{ProviderOllama: true, ProviderStatic: true}
		if !valid[strings.ToLower(c.Embeddings.Provider)] {
			return fmt.Errorf("embeddings.provider must be 'ollama', 'static', or empty (auto-detect), got %s", c.Embeddings.Provider)
		}
	}
	if c.Embeddings.Dimensions < 0 {
		return fmt.Errorf("embeddings.dimensions must be non-negative, got %d", c.Embeddings.Dimensions)
	}
	if c.Embeddings.QueryTimeout < 0 {
		return fmt.Errorf("embeddings.query_timeout must be non-negative, got %s", c.Embeddings.QueryTimeout)
	}

	validBackends := map[string]bool{BackendLinear: true, BackendHNSW: true, BackendRedis: true}
	if !validBackends[strings.ToLower(c.Backend.Variant)] {
		return fmt.Errorf("backend.variant must be 'linear', 'hnsw', or 'redis', got %s", c.Backend.Variant)
	}
	if c.Backend.RebuildThreshold < 0 {
		return fmt.Errorf("backend.rebuild_threshold must be non-negative, got %d", c.Backend.RebuildThreshold)
	}

	if c.Search.TopKServices < 1 {
		return fmt.Errorf("search.top_k_services must be at least 1, got %d", c.Search.TopKServices)
	}
	if c.Search.TopNTools < 1 {
		return fmt.Errorf("search.top_n_tools must be at least 1, got %d", c.Search.TopNTools)
	}
	for name, w := range map[string]float64{
		"path_boost":        c.Search.PathBoost,
		"name_boost":        c.Search.NameBoost,
		"description_boost": c.Search.DescriptionBoost,
		"tag_boost":         c.Search.TagBoost,
		"boost_scale":       c.Search.BoostScale,
	} {
		if w < 0 {
			return fmt.Errorf("search.%s must be non-negative, got %f", name, w)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
