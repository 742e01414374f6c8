// Package batcher groups chunks into request batches under count and token budgets.
package batcher

import (
	"github.com/hyperjump/kizami/internal/models"
	"go.uber.org/zap"
)

// Limits bound a batch. A limit <= 0 leaves that dimension unbounded.
type Limits struct {
	MaxBatchCount     int `yaml:"max_batch_count" json:"max_batch_count"`
	MaxTokensPerChunk int `yaml:"max_tokens_per_chunk" json:"max_tokens_per_chunk"`
	MaxTokensPerBatch int `yaml:"max_tokens_per_batch" json:"max_tokens_per_batch"`
}

// ItemLimit is the largest token count a batched chunk may have: MaxTokensPerChunk capped by
// MaxTokensPerBatch, because a chunk alone in its batch still counts against the batch budget.
// A result <= 0 means unbounded.
func (l Limits) ItemLimit() int {
	switch {
	case l.MaxTokensPerBatch <= 0:
		return l.MaxTokensPerChunk
	case l.MaxTokensPerChunk <= 0 || l.MaxTokensPerChunk > l.MaxTokensPerBatch:
		return l.MaxTokensPerBatch
	}
	return l.MaxTokensPerChunk
}

// BatchResult is the partition of an input chunk list.
type BatchResult struct {
	Batches [][]*models.Chunk
	// Oversized holds chunks whose own token count exceeds Limits.ItemLimit; they are in no batch.
	Oversized    []*models.Chunk
	TotalChunks  int
	AvgBatchSize float64
}

// BatchedChunks returns the number of chunks placed into batches.
func (r *BatchResult) BatchedChunks() int {
	return r.TotalChunks - len(r.Oversized)
}

// Batcher partitions chunks with fixed limits.
type Batcher struct {
	limits Limits
	logger *zap.Logger
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithLogger sets a logger for oversized-chunk warnings.
func WithLogger(l *zap.Logger) Option {
	return func(b *Batcher) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a batcher.
func New(limits Limits, opts ...Option) *Batcher {
	b := &Batcher{limits: limits, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Limits returns the configured limits.
func (b *Batcher) Limits() Limits {
	return b.limits
}

// Batch partitions chunks in one left-to-right pass. The current batch is flushed before a
// chunk that would push it over either batch limit; input order is preserved.
func (b *Batcher) Batch(chunks []*models.Chunk) *BatchResult {
	res := &BatchResult{TotalChunks: len(chunks)}
	itemLimit := b.limits.ItemLimit()
	var current []*models.Chunk
	currentTokens := 0
	flush := func() {
		if len(current) > 0 {
			res.Batches = append(res.Batches, current)
			current, currentTokens = nil, 0
		}
	}
	for _, c := range chunks {
		if exceeds(c.TokenCount, itemLimit) {
			b.logger.Warn("chunk exceeds per-item token limit, excluded from batches",
				zap.String("chunk_id", c.ChunkID),
				zap.Int("tokens", c.TokenCount),
				zap.Int("limit", itemLimit),
			)
			res.Oversized = append(res.Oversized, c)
			continue
		}
		if len(current) > 0 &&
			(exceeds(len(current)+1, b.limits.MaxBatchCount) ||
				exceeds(currentTokens+c.TokenCount, b.limits.MaxTokensPerBatch)) {
			flush()
		}
		current = append(current, c)
		currentTokens += c.TokenCount
	}
	flush()
	if len(res.Batches) > 0 {
		res.AvgBatchSize = float64(res.BatchedChunks()) / float64(len(res.Batches))
	}
	return res
}

func exceeds(value, limit int) bool {
	return limit > 0 && value > limit
}
