// Package embedding provides the embedding providers used for chunk vectors.
package embedding

import (
	"context"
	"fmt"
)

// Embedder produces vector embeddings for text. EmbedBatch returns one vector per
// input text, in input order, each of Dimensions() length.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
	Close() error
}

// CheckBatch verifies that vectors answers texts one to one with the expected dimension.
func CheckBatch(texts []string, vectors [][]float32, dimensions int) error {
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding count mismatch: got %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if dimensions > 0 && len(v) != dimensions {
			return fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), dimensions)
		}
	}
	return nil
}
