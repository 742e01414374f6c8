package models

import "fmt"

// SplitReason identifies which splitting tier produced a chunk.
type SplitReason string

const (
	// SplitNone means the whole article fit in one chunk.
	SplitNone SplitReason = "none"
	// SplitParagraph means the chunk is a group of whole paragraphs.
	SplitParagraph SplitReason = "paragraph"
	// SplitSentence means the chunk is a group of whole sentences from an oversized paragraph.
	SplitSentence SplitReason = "sentence"
	// SplitToken means the chunk is a hard token window from an oversized sentence.
	SplitToken SplitReason = "token"
)

// Valid reports whether r is a known split reason.
func (r SplitReason) Valid() bool {
	switch r {
	case SplitNone, SplitParagraph, SplitSentence, SplitToken:
		return true
	default:
		return false
	}
}

// Chunk is a token-bounded piece of an article with a stable identity.
type Chunk struct {
	ChunkID         string      `json:"chunk_id"`
	DocumentID      string      `json:"document_id"`
	DatasetName     string      `json:"dataset_name"`
	Content         string      `json:"content"`
	TokenCount      int         `json:"token_count"`
	SectionHeading  string      `json:"section_heading,omitempty"`
	AbsoluteAddress string      `json:"absolute_address,omitempty"`
	SplitReason     SplitReason `json:"split_reason"`
	ParentChunkID   string      `json:"parent_chunk_id,omitempty"`
	CrossRefs       []string    `json:"cross_refs,omitempty"`
	SourceHash      string      `json:"source_hash"`
}

// BaseChunkID returns the identity of the first chunk of an article.
func BaseChunkID(documentID, articleID string) string {
	return documentID + "_" + articleID
}

// SubChunkID returns the identity of the index-th chunk (index > 0) of an article.
func SubChunkID(baseID string, index int) string {
	return fmt.Sprintf("%s_sub_%03d", baseID, index)
}
