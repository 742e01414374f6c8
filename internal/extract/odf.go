package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hyperjump/kizami/internal/models"
)

// odfContentPath is the path to the main content inside OpenDocument zips.
const odfContentPath = "content.xml"

var (
	// odfPage matches one presentation page and captures its name.
	odfPage = regexp.MustCompile(`(?s)<draw:page\s[^>]*?draw:name="([^"]*)"[^>]*>(.*?)</draw:page>`)
	// odfTable matches one spreadsheet table and captures its name.
	odfTable = regexp.MustCompile(`(?s)<table:table\s[^>]*?table:name="([^"]*)"[^>]*>(.*?)</table:table>`)
	odfRow   = regexp.MustCompile(`(?s)<table:table-row(?:\s[^>]*)?>(.*?)</table:table-row>`)
	odfCell  = regexp.MustCompile(`(?s)<table:table-cell(?:\s[^>]*)?>(.*?)</table:table-cell>`)
	// odfText matches text:p and text:h blocks.
	odfText = regexp.MustCompile(`(?s)<text:(p|h)(?:\s[^>]*[^/>])?>(.*?)</text:(?:p|h)>`)
	odfTag  = regexp.MustCompile(`<[^>]+>`)
)

func odfContent(content []byte, format string) (string, error) {
	zr, err := openZip(content, format)
	if err != nil {
		return "", err
	}
	data, err := readZipEntry(zr, odfContentPath)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", format, err)
	}
	if data == nil {
		return "", fmt.Errorf("extract %s: %s not found", format, odfContentPath)
	}
	return string(data), nil
}

// odfParagraphs returns the text of each text:p or text:h block, with inline markup such as
// spans removed.
func odfParagraphs(xml string) []string {
	var out []string
	for _, m := range odfText.FindAllStringSubmatch(xml, -1) {
		text := strings.TrimSpace(xmlEntities.Replace(odfTag.ReplaceAllString(m[2], "")))
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}

// extractODP returns one article per presentation page, headed by the page name.
func extractODP(content []byte) ([]models.Article, error) {
	xml, err := odfContent(content, "ODP")
	if err != nil {
		return nil, err
	}
	var articles []models.Article
	for i, m := range odfPage.FindAllStringSubmatch(xml, -1) {
		paras := odfParagraphs(m[2])
		if len(paras) == 0 {
			continue
		}
		articles = append(articles, models.Article{
			ArticleID:       numberedID("slide", i+1),
			Text:            strings.Join(paras, "\n\n"),
			Paragraphs:      paras,
			SectionHeading:  m[1],
			AbsoluteAddress: m[1],
		})
	}
	return articles, nil
}

// extractODS returns one article per table. Rows are paragraphs of tab-separated cells, as
// for XLSX.
func extractODS(content []byte) ([]models.Article, error) {
	xml, err := odfContent(content, "ODS")
	if err != nil {
		return nil, err
	}
	var articles []models.Article
	for i, t := range odfTable.FindAllStringSubmatch(xml, -1) {
		var rows []string
		for _, r := range odfRow.FindAllStringSubmatch(t[2], -1) {
			var cells []string
			for _, c := range odfCell.FindAllStringSubmatch(r[1], -1) {
				cells = append(cells, strings.Join(odfParagraphs(c[1]), " "))
			}
			if line := strings.TrimSpace(strings.Join(cells, "\t")); line != "" {
				rows = append(rows, line)
			}
		}
		if len(rows) == 0 {
			continue
		}
		articles = append(articles, models.Article{
			ArticleID:       numberedID("sheet", i+1),
			Text:            strings.Join(rows, "\n\n"),
			Paragraphs:      rows,
			SectionHeading:  t[1],
			AbsoluteAddress: t[1],
		})
	}
	return articles, nil
}
