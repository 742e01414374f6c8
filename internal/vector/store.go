// Package vector defines the downstream chunk store and an in-memory implementation.
package vector

import (
	"context"

	"github.com/hyperjump/kizami/internal/models"
)

// Record is a chunk with its embedding.
type Record struct {
	Chunk  *models.Chunk
	Vector []float32
}

// Store holds chunk vectors keyed by chunk id.
type Store interface {
	// Upsert inserts or replaces records by chunk id; repeating it is harmless.
	Upsert(ctx context.Context, records []Record) error
	// DeleteByDocumentID removes every chunk of a document and returns how many were removed.
	DeleteByDocumentID(ctx context.Context, documentID string) (int, error)
	Count(ctx context.Context) (int, error)
	// DocumentIDs returns the set of document ids with at least one chunk.
	DocumentIDs(ctx context.Context) (map[string]struct{}, error)
	Close() error
}
