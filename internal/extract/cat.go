package extract

import (
	"fmt"

	"github.com/hyperjump/kizami/internal/models"
	"github.com/lu4p/cat"
)

// extractCat reads ODT and RTF bodies through lu4p/cat, which detects the format from the
// bytes. The body is one article.
func extractCat(content []byte) ([]models.Article, error) {
	text, err := cat.FromBytes(content)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	return bodyArticle(text, nil), nil
}
