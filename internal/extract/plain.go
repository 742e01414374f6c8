package extract

import "github.com/hyperjump/kizami/internal/models"

// extractPlain returns the whole file as one article. Paragraphs are left for the splitter to
// derive from blank lines.
func extractPlain(content []byte) []models.Article {
	return bodyArticle(string(content), nil)
}
