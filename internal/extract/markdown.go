package extract

import (
	"regexp"
	"strings"

	"github.com/hyperjump/kizami/internal/models"
)

// atxHeading matches "# Title" up to "###### Title", with optional closing hashes.
var atxHeading = regexp.MustCompile(`^ {0,3}(#{1,6})[ \t]+(.*?)(?:[ \t]+#+)?[ \t]*$`)

var fence = regexp.MustCompile("^ {0,3}(```|~~~)")

type heading struct {
	level int
	text  string
}

// extractMarkdown opens a new article at every ATX heading outside fenced code. The article's
// section heading is the heading text and its absolute address is the chain of enclosing
// headings joined by " > ". Text before the first heading becomes an article without heading.
// Headings with no body only contribute to the address of their subsections.
func extractMarkdown(content []byte) []models.Article {
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")

	var (
		articles []models.Article
		chain    []heading
		body     []string
		n        int
		inFence  string
	)
	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		body = body[:0]
		if text == "" {
			return
		}
		n++
		a := models.Article{ArticleID: numberedID("sec", n), Text: text}
		if len(chain) > 0 {
			a.SectionHeading = chain[len(chain)-1].text
			parts := make([]string, len(chain))
			for i, h := range chain {
				parts[i] = h.text
			}
			a.AbsoluteAddress = strings.Join(parts, " > ")
		}
		articles = append(articles, a)
	}

	for _, line := range lines {
		if m := fence.FindStringSubmatch(line); m != nil {
			switch {
			case inFence == "":
				inFence = m[1]
			case inFence == m[1]:
				inFence = ""
			}
			body = append(body, line)
			continue
		}
		if inFence != "" {
			body = append(body, line)
			continue
		}
		m := atxHeading.FindStringSubmatch(line)
		if m == nil {
			body = append(body, line)
			continue
		}
		flush()
		level := len(m[1])
		for len(chain) > 0 && chain[len(chain)-1].level >= level {
			chain = chain[:len(chain)-1]
		}
		chain = append(chain, heading{level: level, text: strings.TrimSpace(m[2])})
	}
	flush()
	return articles
}
