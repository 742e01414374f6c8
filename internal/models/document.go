// Package models defines core data structures shared by the splitter, batcher, and runner.
package models

// Article is one structural unit of a parsed source document (a section, page, or sheet).
// It is produced by the extractor and treated as immutable input by the splitter.
type Article struct {
	DocumentID      string   `json:"document_id"`
	ArticleID       string   `json:"article_id"`
	Text            string   `json:"text"`
	Paragraphs      []string `json:"paragraphs,omitempty"`
	SectionHeading  string   `json:"section_heading,omitempty"`
	AbsoluteAddress string   `json:"absolute_address,omitempty"`
}

// SourceFile describes a file discovered under a dataset root.
type SourceFile struct {
	DocumentID   string `json:"document_id"`
	DatasetName  string `json:"dataset_name"`
	RelativePath string `json:"relative_path"`
	AbsolutePath string `json:"absolute_path"`
	FileHash     string `json:"file_hash"`
	SizeBytes    int64  `json:"size_bytes"`
}
