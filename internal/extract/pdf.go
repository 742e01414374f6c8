package extract

import (
	"bytes"
	"fmt"

	"github.com/hyperjump/kizami/internal/models"
	"github.com/ledongthuc/pdf"
)

// extractPDF returns one article per non-empty page, addressed "Page N".
func extractPDF(content []byte) ([]models.Article, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	var articles []models.Article
	numPages := r.NumPage()
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		articles = append(articles, models.Article{
			ArticleID:       numberedID("page", i),
			Text:            text,
			AbsoluteAddress: fmt.Sprintf("Page %d", i),
		})
	}
	return articles, nil
}
