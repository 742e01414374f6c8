// Package keyword keeps a Bleve full-text index of chunks as a second downstream store.
package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/hyperjump/kizami/internal/models"
)

const pageSize = 1000

// BleveIndex indexes chunk text keyed by chunk id.
type BleveIndex struct {
	index bleve.Index
}

// Hit is a single keyword search hit.
type Hit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
}

type chunkDoc struct {
	DocumentID      string   `json:"document_id"`
	DatasetName     string   `json:"dataset_name"`
	Content         string   `json:"content"`
	SectionHeading  string   `json:"section_heading"`
	AbsoluteAddress string   `json:"absolute_address"`
	SplitReason     string   `json:"split_reason"`
	CrossRefs       []string `json:"cross_refs"`
}

func indexMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) keeps legal terms and numbers intact.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("section_heading", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("document_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("dataset_name", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("split_reason", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("cross_refs", keywordFieldMapping)
	im.AddDocumentMapping("chunk", docMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path gives an in-memory index.
// If you change the index mapping in code, remove the index directory to force a full re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(indexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	index, err := bleve.New(path, indexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// IndexChunks indexes or replaces chunks in one batch.
func (b *BleveIndex) IndexChunks(ctx context.Context, chunks []*models.Chunk) error {
	batch := b.index.NewBatch()
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := chunkDoc{
			DocumentID:      c.DocumentID,
			DatasetName:     c.DatasetName,
			Content:         c.Content,
			SectionHeading:  c.SectionHeading,
			AbsoluteAddress: c.AbsoluteAddress,
			SplitReason:     string(c.SplitReason),
			CrossRefs:       c.CrossRefs,
		}
		if err := batch.Index(c.ChunkID, doc); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ChunkID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

func (b *BleveIndex) chunkIDsOf(documentID string) ([]string, error) {
	q := bleve.NewTermQuery(documentID)
	q.SetField("document_id")
	var ids []string
	for from := 0; ; from += pageSize {
		req := bleve.NewSearchRequestOptions(q, pageSize, from, false)
		res, err := b.index.Search(req)
		if err != nil {
			return nil, fmt.Errorf("Bleve search failed: %w", err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < pageSize {
			return ids, nil
		}
	}
}

// DeleteByDocumentID removes every chunk of a document.
func (b *BleveIndex) DeleteByDocumentID(ctx context.Context, documentID string) (int, error) {
	ids, err := b.chunkIDsOf(documentID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("Bleve delete failed: %w", err)
	}
	return len(ids), nil
}

// DocumentIDs returns the distinct document ids in the index.
func (b *BleveIndex) DocumentIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	q := bleve.NewMatchAllQuery()
	for from := 0; ; from += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req := bleve.NewSearchRequestOptions(q, pageSize, from, false)
		req.Fields = []string{"document_id"}
		res, err := b.index.Search(req)
		if err != nil {
			return nil, fmt.Errorf("Bleve search failed: %w", err)
		}
		for _, hit := range res.Hits {
			if id, ok := hit.Fields["document_id"].(string); ok {
				ids[id] = struct{}{}
			}
		}
		if len(res.Hits) < pageSize {
			return ids, nil
		}
	}
}

// Count returns the number of indexed chunks.
func (b *BleveIndex) Count(ctx context.Context) (int, error) {
	n, err := b.index.DocCount()
	return int(n), err
}

// Search runs a match query over chunk content and headings and returns up to limit hits.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int) ([]*Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	req.Size = limit
	req.Fields = []string{"document_id"}
	res, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Hit, len(res.Hits))
	for i, hit := range res.Hits {
		docID, _ := hit.Fields["document_id"].(string)
		out[i] = &Hit{ChunkID: hit.ID, DocumentID: docID, Score: hit.Score}
	}
	return out, nil
}

// Close closes the index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
