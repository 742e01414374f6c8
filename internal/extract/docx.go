package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hyperjump/kizami/internal/models"
)

// docxDocumentXMLPath is the default path to the main document body inside a .docx zip.
const docxDocumentXMLPath = "word/document.xml"

// contentTypesPath is the path to [Content_Types].xml in OOXML packages.
const contentTypesPath = "[Content_Types].xml"

// docxMainContentType is the content type for the main document in DOCX files.
const docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"

var (
	// wParagraph matches one <w:p> element, with or without attributes.
	wParagraph = regexp.MustCompile(`(?s)<w:p(?:\s[^>]*)?>.*?</w:p>`)
	// wtTag matches <w:t>text</w:t> or <w:t xml:space="preserve">text</w:t>.
	wtTag = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	// pStyleHeading matches a paragraph style of Heading1 to Heading9 or Title.
	pStyleHeading = regexp.MustCompile(`<w:pStyle w:val="(?:Heading\d|Title)"`)
)

// PartName may appear before or after ContentType in an Override element.
var (
	partNameRe  = regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"`)
	partNameRe2 = regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"[^>]+PartName="([^"]+)"`)
)

// docxMainDocumentPath returns the main document path declared in [Content_Types].xml, or
// the default path.
func docxMainDocumentPath(types []byte) string {
	s := string(types)
	if m := partNameRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimPrefix(m[1], "/")
	}
	if m := partNameRe2.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimPrefix(m[1], "/")
	}
	return docxDocumentXMLPath
}

// extractDOCX returns the body of a .docx as one article whose paragraphs are the <w:p>
// elements, or one article per heading-styled paragraph when the document uses headings.
// Runs are concatenated without separators since Word splits words across runs freely.
func extractDOCX(content []byte) ([]models.Article, error) {
	zr, err := openZip(content, "DOCX")
	if err != nil {
		return nil, err
	}
	types, err := readZipEntry(zr, contentTypesPath)
	if err != nil {
		return nil, fmt.Errorf("extract DOCX: %w", err)
	}
	docPath := docxMainDocumentPath(types)
	docXML, err := readZipEntry(zr, docPath)
	if err != nil {
		return nil, fmt.Errorf("extract DOCX: %w", err)
	}
	if docXML == nil {
		return nil, fmt.Errorf("extract DOCX: %s not found", docPath)
	}

	type para struct {
		text    string
		heading bool
	}
	var paras []para
	for _, p := range wParagraph.FindAllString(string(docXML), -1) {
		text := joinRuns(wtTag.FindAllStringSubmatch(p, -1))
		if text == "" {
			continue
		}
		paras = append(paras, para{text: text, heading: pStyleHeading.MatchString(p)})
	}

	var (
		articles []models.Article
		current  *models.Article
	)
	flush := func() {
		if current != nil && len(current.Paragraphs) > 0 {
			current.Text = strings.Join(current.Paragraphs, "\n\n")
			articles = append(articles, *current)
		}
		current = nil
	}
	for _, p := range paras {
		if p.heading {
			flush()
			current = &models.Article{
				ArticleID:       numberedID("sec", len(articles)+1),
				SectionHeading:  p.text,
				AbsoluteAddress: p.text,
			}
			continue
		}
		if current == nil {
			current = &models.Article{ArticleID: numberedID("sec", len(articles)+1)}
		}
		current.Paragraphs = append(current.Paragraphs, p.text)
	}
	flush()
	return articles, nil
}
