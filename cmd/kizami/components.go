package main

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/hyperjump/kizami/internal/batcher"
	"github.com/hyperjump/kizami/internal/checkpoint"
	"github.com/hyperjump/kizami/internal/config"
	"github.com/hyperjump/kizami/internal/embedding"
	"github.com/hyperjump/kizami/internal/extract"
	"github.com/hyperjump/kizami/internal/indexer"
	"github.com/hyperjump/kizami/internal/keyword"
	"github.com/hyperjump/kizami/internal/manifest"
	"github.com/hyperjump/kizami/internal/reconcile"
	"github.com/hyperjump/kizami/internal/retry"
	"github.com/hyperjump/kizami/internal/server"
	"github.com/hyperjump/kizami/internal/splitter"
	"github.com/hyperjump/kizami/internal/storage"
	"github.com/hyperjump/kizami/internal/tokenizer"
	"github.com/hyperjump/kizami/internal/vector"
	"go.uber.org/zap"
)

// chunkStore is a vector store that can also list the chunks of a document.
type chunkStore interface {
	vector.Store
	server.ChunkSource
}

// Components holds the wired pipeline.
type Components struct {
	Config      *config.Config
	Manifest    *manifest.Manifest
	Vectors     chunkStore
	Keyword     *keyword.BleveIndex
	Embedder    embedding.Embedder
	Checkpoints *checkpoint.Store
	Runner      *indexer.Runner
	Reconcilers []*reconcile.Reconciler
	logger      *zap.Logger
}

// Close releases the stores and persists the manifest.
func (c *Components) Close() error {
	var errs []error
	if c.Manifest != nil {
		errs = append(errs, c.Manifest.Save())
	}
	if c.Embedder != nil {
		errs = append(errs, c.Embedder.Close())
	}
	if c.Vectors != nil {
		errs = append(errs, c.Vectors.Close())
	}
	if c.Keyword != nil {
		errs = append(errs, c.Keyword.Close())
	}
	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return err
}

// Stores returns the entry counters of the downstream stores by name.
func (c *Components) Stores() map[string]server.Counter {
	return map[string]server.Counter{"vectors": c.Vectors, "keyword": c.Keyword}
}

func newEmbedder(cfg *config.Config, tok tokenizer.Tokenizer, logger *zap.Logger) (embedding.Embedder, error) {
	var inner embedding.Embedder
	switch cfg.Embedding.Provider {
	case config.EmbedderONNX:
		onnx, err := embedding.NewONNXEmbedder(cfg.Embedding.ModelPath, cfg.Embedding.Dimensions, cfg.Embedding.MaxTokens, tok)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX embedder: %w", err)
		}
		inner = onnx
	default:
		inner = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	}
	logger.Info("embedder initialized",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", inner.ModelName()),
		zap.Int("dimensions", inner.Dimensions()),
	)
	if cfg.Embedding.CacheSize > 0 {
		return embedding.NewCachedEmbedder(inner, cfg.Embedding.CacheSize), nil
	}
	return inner, nil
}

func newVectorStore(cfg *config.Config) (chunkStore, error) {
	if cfg.Storage.VectorStore == config.VectorStoreMemory {
		m, err := vector.NewMemoryStore(cfg.Embedding.Dimensions, cfg.Storage.VectorIndexPath)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	s, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// initializeComponents wires the pipeline described by cfg. Partially built components are
// closed on error.
func initializeComponents(cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	tok, err := tokenizer.New(cfg.Chunking.Tokenizer, cfg.Chunking.CharsPerToken)
	if err != nil {
		return nil, err
	}
	splitOpts := []splitter.Option{splitter.WithOverlap(cfg.Chunking.OverlapTokens), splitter.WithLogger(logger)}
	if cfg.Chunking.CrossRefPattern != "" {
		re, err := regexp.Compile(cfg.Chunking.CrossRefPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid cross_ref_pattern: %w", err)
		}
		splitOpts = append(splitOpts, splitter.WithCrossRefPattern(re))
	}
	if cfg.ChunkExceedsBatchBudget() {
		logger.Warn("chunk budget exceeds the per-chunk batch limit; oversized chunks will not be embedded",
			zap.Int("chunk_max_tokens", cfg.Chunking.MaxTokens),
			zap.Int("max_tokens_per_chunk", cfg.Batching.MaxTokensPerChunk),
		)
	}

	c.Manifest, err = manifest.Load(cfg.Manifest.Path,
		manifest.WithMaxRetries(cfg.Retry.MaxStageRetries),
		manifest.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	c.Embedder, err = newEmbedder(cfg, tok, logger)
	if err != nil {
		return nil, err
	}
	vectors, err := newVectorStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	c.Vectors = vectors
	c.Keyword, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	c.Checkpoints, err = checkpoint.NewStore(cfg.Storage.CheckpointDir, checkpoint.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	retrier := retry.New(cfg.Retry.Policy,
		retry.WithRateLimit(cfg.Embedding.RateLimit, cfg.Embedding.RateBurst),
		retry.WithLogger(logger),
	)
	c.Runner, err = indexer.New(indexer.Deps{
		Manifest:    c.Manifest,
		Extractor:   extract.NewExtractor(),
		Splitter:    splitter.New(tok, cfg.Chunking.MaxTokens, splitOpts...),
		Batcher:     batcher.New(cfg.Batching, batcher.WithLogger(logger)),
		Embedder:    c.Embedder,
		Vectors:     c.Vectors,
		Keyword:     c.Keyword,
		Checkpoints: c.Checkpoints,
		Retrier:     retrier,
	}, cfg.Datasets, indexer.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	c.Reconcilers = []*reconcile.Reconciler{
		reconcile.New("vectors",
			reconcile.ManifestState{Manifest: c.Manifest, Stage: manifest.StageEmbedding, CountKey: "vectors"},
			c.Vectors, reconcile.WithLogger(logger)),
		reconcile.New("keyword",
			reconcile.ManifestState{Manifest: c.Manifest, Stage: manifest.StageIndexing, CountKey: "chunks"},
			c.Keyword, reconcile.WithLogger(logger)),
	}
	return c, nil
}
