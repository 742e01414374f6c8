// Package config provides configuration loading and structs for kizami.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kizami/internal/batcher"
	"github.com/hyperjump/kizami/internal/retry"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Batching  batcher.Limits  `yaml:"batching"`
	Retry     RetryConfig     `yaml:"retry"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Datasets  []DatasetConfig `yaml:"datasets"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Store backends for StorageConfig.VectorStore.
const (
	VectorStoreMemory = "memory"
	VectorStoreSQLite = "sqlite"
)

// StorageConfig holds paths for the downstream stores and pipeline state.
type StorageConfig struct {
	VectorStore     string `yaml:"vector_store"`
	DatabasePath    string `yaml:"database_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
	BleveIndexPath  string `yaml:"bleve_index_path"`
	CheckpointDir   string `yaml:"checkpoint_dir"`
}

// Embedder backends for EmbeddingConfig.Provider.
const (
	EmbedderMock = "mock"
	EmbedderONNX = "onnx"
)

// EmbeddingConfig holds embedder settings.
type EmbeddingConfig struct {
	Provider   string  `yaml:"provider"`
	ModelPath  string  `yaml:"model_path"`
	Dimensions int     `yaml:"dimensions"`
	MaxTokens  int     `yaml:"max_tokens"`
	CacheSize  int     `yaml:"cache_size"`
	RateLimit  float64 `yaml:"rate_limit"`
	RateBurst  int     `yaml:"rate_burst"`
}

// ChunkingConfig holds splitter settings.
type ChunkingConfig struct {
	Tokenizer       string `yaml:"tokenizer"`
	CharsPerToken   int    `yaml:"chars_per_token"`
	MaxTokens       int    `yaml:"max_tokens"`
	OverlapTokens   int    `yaml:"overlap_tokens"`
	CrossRefPattern string `yaml:"cross_ref_pattern"`
}

// RetryConfig holds the per-call retry policy and the per-document retry budget.
type RetryConfig struct {
	retry.Policy `yaml:",inline"`
	// MaxStageRetries bounds how often a transiently failing stage is retried across runs.
	MaxStageRetries int `yaml:"max_stage_retries"`
}

// ManifestConfig holds the manifest location.
type ManifestConfig struct {
	Path string `yaml:"path"`
}

// DatasetConfig is one named source directory.
type DatasetConfig struct {
	Name       string   `yaml:"name"`
	Root       string   `yaml:"root"`
	Extensions []string `yaml:"extensions"`
	Recursive  *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to scan recursively; defaults to true when unset.
func (d *DatasetConfig) RecursiveOrDefault() bool {
	if d.Recursive != nil {
		return *d.Recursive
	}
	return true
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Enabled    bool     `yaml:"enabled"`
	DebounceMS int      `yaml:"debounce_ms"`
	Datasets   []string `yaml:"datasets"`
}

// Dataset returns the dataset called name.
func (c *Config) Dataset(name string) (DatasetConfig, bool) {
	for _, d := range c.Datasets {
		if d.Name == name {
			return d, true
		}
	}
	return DatasetConfig{}, false
}

// Load reads and parses the config file at path, applies defaults, expands paths and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.CheckpointDir = expandPath(cfg.Storage.CheckpointDir, configDir)
	cfg.Manifest.Path = expandPath(cfg.Manifest.Path, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	for i := range cfg.Datasets {
		cfg.Datasets[i].Root = expandPath(cfg.Datasets[i].Root, configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Chunking.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("chunking.max_tokens must be positive, got %d", c.Chunking.MaxTokens))
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.MaxTokens {
		errs = append(errs, fmt.Errorf("chunking.overlap_tokens must be in [0, max_tokens), got %d", c.Chunking.OverlapTokens))
	}
	switch c.Storage.VectorStore {
	case VectorStoreMemory, VectorStoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.vector_store must be %q or %q, got %q", VectorStoreMemory, VectorStoreSQLite, c.Storage.VectorStore))
	}
	switch c.Embedding.Provider {
	case EmbedderMock:
	case EmbedderONNX:
		if c.Embedding.ModelPath == "" {
			errs = append(errs, errors.New("embedding.model_path is required for the onnx provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding.provider must be %q or %q, got %q", EmbedderMock, EmbedderONNX, c.Embedding.Provider))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	seen := make(map[string]bool, len(c.Datasets))
	for i, d := range c.Datasets {
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Errorf("datasets[%d]: name is required", i))
		case strings.Contains(d.Name, ":"):
			errs = append(errs, fmt.Errorf("datasets[%d]: name %q must not contain ':'", i, d.Name))
		case seen[d.Name]:
			errs = append(errs, fmt.Errorf("datasets[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true
		if d.Root == "" {
			errs = append(errs, fmt.Errorf("datasets[%d]: root is required", i))
		}
	}
	for _, name := range c.Watch.Datasets {
		if !seen[name] {
			errs = append(errs, fmt.Errorf("watch.datasets: unknown dataset %q", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ChunkExceedsBatchBudget reports whether a full-size chunk can never be batched, because the
// per-chunk limit (capped by the batch token limit) is below chunking.max_tokens. Every maximal
// chunk is then reported oversized.
func (c *Config) ChunkExceedsBatchBudget() bool {
	limit := c.Batching.ItemLimit()
	return limit > 0 && limit < c.Chunking.MaxTokens
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
