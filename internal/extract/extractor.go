// Package extract turns source files into ordered articles for the splitter.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kizami/internal/models"
)

// Extractor reads source files into articles.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

var supported = map[string]bool{
	".md": true, ".markdown": true, ".txt": true, ".rst": true, ".text": true,
	".pdf": true, ".xlsx": true, ".docx": true, ".odt": true, ".rtf": true,
	".pptx": true, ".odp": true, ".ods": true,
}

// Supported reports whether files with extension ext (leading dot, any case) can be read.
func Supported(ext string) bool {
	return supported[strings.ToLower(ext)]
}

// Extract reads the file at path and returns its articles in source order, each stamped with
// documentID.
func (e *Extractor) Extract(path, documentID string) ([]models.Article, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !Supported(ext) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, ext)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, ext, documentID)
}

// ExtractBytes extracts articles from content based on ext, which includes the leading dot.
// Articles with no text after preprocessing are dropped.
func (e *Extractor) ExtractBytes(content []byte, ext, documentID string) ([]models.Article, error) {
	var (
		articles []models.Article
		err      error
	)
	switch strings.ToLower(ext) {
	case ".md", ".markdown":
		articles = extractMarkdown(content)
	case ".txt", ".rst", ".text":
		articles = extractPlain(content)
	case ".pdf":
		articles, err = extractPDF(content)
	case ".xlsx":
		articles, err = extractExcel(content)
	case ".docx":
		articles, err = extractDOCX(content)
	case ".odt", ".rtf":
		articles, err = extractCat(content)
	case ".pptx":
		articles, err = extractPPTX(content)
	case ".odp":
		articles, err = extractODP(content)
	case ".ods":
		articles, err = extractODS(content)
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}
	out := make([]models.Article, 0, len(articles))
	for _, a := range articles {
		a.DocumentID = documentID
		a.Text = Preprocess(a.Text)
		if a.Text == "" {
			continue
		}
		if len(a.Paragraphs) > 0 {
			paras := make([]string, 0, len(a.Paragraphs))
			for _, p := range a.Paragraphs {
				if p = Preprocess(p); p != "" {
					paras = append(paras, p)
				}
			}
			a.Paragraphs = paras
		}
		out = append(out, a)
	}
	return out, nil
}

// bodyArticle wraps a whole document body as a single article.
func bodyArticle(text string, paragraphs []string) []models.Article {
	return []models.Article{{ArticleID: "body", Text: text, Paragraphs: paragraphs}}
}

func numberedID(prefix string, n int) string {
	return fmt.Sprintf("%s_%03d", prefix, n)
}
