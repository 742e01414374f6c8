package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/hyperjump/kizami/internal/models"
	"github.com/xuri/excelize/v2"
)

// extractExcel returns one article per sheet. Each non-empty row is a paragraph of
// tab-separated cells and the sheet name is the section heading.
func extractExcel(content []byte) ([]models.Article, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	var articles []models.Article
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("get rows for sheet %q: %w", sheet, err)
		}
		var paras []string
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line != "" {
				paras = append(paras, line)
			}
		}
		if len(paras) == 0 {
			continue
		}
		articles = append(articles, models.Article{
			ArticleID:       numberedID("sheet", i+1),
			Text:            strings.Join(paras, "\n\n"),
			Paragraphs:      paras,
			SectionHeading:  sheet,
			AbsoluteAddress: sheet,
		})
	}
	return articles, nil
}
