package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hyperjump/kizami/internal/models"
)

var (
	// pptxSlide matches slide parts and captures the slide number.
	pptxSlide  = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	aParagraph = regexp.MustCompile(`(?s)<a:p(?:\s[^>]*)?>.*?</a:p>`)
	// atTag matches <a:t>text</a:t>, with or without attributes.
	atTag = regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`)
)

// extractPPTX returns one article per slide in slide order. Each text paragraph of a slide is
// a paragraph of the article and the first one is taken as the slide title.
func extractPPTX(content []byte) ([]models.Article, error) {
	zr, err := openZip(content, "PPTX")
	if err != nil {
		return nil, err
	}
	type slide struct {
		n    int
		name string
	}
	var slides []slide
	for _, f := range zr.File {
		m := pptxSlide.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{n: n, name: f.Name})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var articles []models.Article
	for _, s := range slides {
		data, err := readZipEntry(zr, s.name)
		if err != nil {
			return nil, fmt.Errorf("extract PPTX: %w", err)
		}
		var paras []string
		for _, p := range aParagraph.FindAllString(string(data), -1) {
			if text := joinRuns(atTag.FindAllStringSubmatch(p, -1)); text != "" {
				paras = append(paras, text)
			}
		}
		if len(paras) == 0 {
			continue
		}
		articles = append(articles, models.Article{
			ArticleID:       numberedID("slide", s.n),
			Text:            strings.Join(paras, "\n\n"),
			Paragraphs:      paras,
			SectionHeading:  paras[0],
			AbsoluteAddress: fmt.Sprintf("Slide %d", s.n),
		})
	}
	return articles, nil
}
