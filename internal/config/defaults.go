package config

import (
	"github.com/hyperjump/kizami/internal/retry"
	"github.com/hyperjump/kizami/internal/splitter"
	"github.com/hyperjump/kizami/internal/tokenizer"
)

// DefaultExtensions are the file types picked up when a dataset lists none.
var DefaultExtensions = []string{".md", ".txt", ".rst", ".pdf", ".docx", ".odt", ".rtf", ".xlsx", ".pptx", ".odp", ".ods"}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.VectorStore == "" {
		cfg.Storage.VectorStore = VectorStoreSQLite
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/kizami/data/db/chunks.db"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "/usr/local/var/kizami/data/indices/vectors.bin"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/kizami/data/indices/bleve"
	}
	if cfg.Storage.CheckpointDir == "" {
		cfg.Storage.CheckpointDir = "/usr/local/var/kizami/data/checkpoints"
	}
	if cfg.Manifest.Path == "" {
		cfg.Manifest.Path = "/usr/local/var/kizami/data/manifest.json"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = EmbedderMock
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Chunking.Tokenizer == "" {
		cfg.Chunking.Tokenizer = tokenizer.KindWord
	}
	if cfg.Chunking.MaxTokens == 0 {
		cfg.Chunking.MaxTokens = splitter.DefaultMaxTokens
	}
	if cfg.Batching.MaxBatchCount == 0 {
		cfg.Batching.MaxBatchCount = 64
	}
	if cfg.Batching.MaxTokensPerBatch == 0 {
		cfg.Batching.MaxTokensPerBatch = 8192
	}
	def := retry.DefaultPolicy()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = def.MaxAttempts
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = def.BaseDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = def.MaxDelay
	}
	if cfg.Retry.MaxStageRetries == 0 {
		cfg.Retry.MaxStageRetries = 3
	}
	for i := range cfg.Datasets {
		if cfg.Datasets[i].Extensions == nil {
			cfg.Datasets[i].Extensions = DefaultExtensions
		}
	}
	if cfg.Watch.DebounceMS == 0 {
		cfg.Watch.DebounceMS = 500
	}
}
