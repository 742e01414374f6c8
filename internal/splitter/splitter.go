// Package splitter turns articles into token-bounded chunks with deterministic identities.
//
// Each article is split by the first tier that fits the budget: the whole article, then
// groups of paragraphs, then groups of sentences, and finally hard token windows. Every
// emitted chunk records the tier that produced it.
package splitter

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/hyperjump/kizami/internal/models"
	"github.com/hyperjump/kizami/internal/tokenizer"
	"github.com/minio/highwayhash"
	"go.uber.org/zap"
)

// DefaultMaxTokens is used when the configured budget is not positive.
const DefaultMaxTokens = 512

const (
	paragraphSeparator = "\n\n"
	sentenceSeparator  = " "
)

var hashKey = []byte("kizami-source-hash-key-000000000")

// Splitter splits articles into chunks of at most maxTokens tokens.
type Splitter struct {
	tokenizer     tokenizer.Tokenizer
	maxTokens     int
	overlapTokens int
	crossRefs     *regexp.Regexp
	logger        *zap.Logger
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithOverlap seeds each sentence-tier chunk with trailing sentences of the previous one,
// up to tokens tokens, when the result still fits the budget. Zero disables overlap.
func WithOverlap(tokens int) Option {
	return func(s *Splitter) {
		if tokens >= 0 {
			s.overlapTokens = tokens
		}
	}
}

// WithCrossRefPattern replaces the expression used to collect cross references.
// A nil pattern disables cross-reference extraction.
func WithCrossRefPattern(re *regexp.Regexp) Option {
	return func(s *Splitter) { s.crossRefs = re }
}

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Splitter) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a splitter. tok must be the same tokenizer the batcher uses.
func New(tok tokenizer.Tokenizer, maxTokens int, opts ...Option) *Splitter {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	s := &Splitter{
		tokenizer: tok,
		maxTokens: maxTokens,
		crossRefs: DefaultCrossRefPattern,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxTokens returns the per-chunk budget.
func (s *Splitter) MaxTokens() int {
	return s.maxTokens
}

// piece is one emitted text span before it gets an identity.
type piece struct {
	text   string
	tokens int
	reason models.SplitReason
}

// SplitDocument splits every article of a document in source order.
func (s *Splitter) SplitDocument(datasetName string, articles []models.Article) []*models.Chunk {
	var chunks []*models.Chunk
	for _, a := range articles {
		chunks = append(chunks, s.Split(datasetName, a)...)
	}
	return chunks
}

// Split splits one article. The first chunk carries the base id documentID_articleID;
// later chunks get base_sub_NNN and point back to the base via ParentChunkID.
func (s *Splitter) Split(datasetName string, a models.Article) []*models.Chunk {
	pieces := s.splitArticle(a)
	base := models.BaseChunkID(a.DocumentID, a.ArticleID)
	hash := SourceHash(a.Text)
	chunks := make([]*models.Chunk, 0, len(pieces))
	for i, p := range pieces {
		c := &models.Chunk{
			ChunkID:         base,
			DocumentID:      a.DocumentID,
			DatasetName:     datasetName,
			Content:         p.text,
			TokenCount:      p.tokens,
			SectionHeading:  a.SectionHeading,
			AbsoluteAddress: a.AbsoluteAddress,
			SplitReason:     p.reason,
			CrossRefs:       s.extractCrossRefs(p.text),
			SourceHash:      hash,
		}
		if i > 0 {
			c.ChunkID = models.SubChunkID(base, i)
			c.ParentChunkID = base
		}
		chunks = append(chunks, c)
	}
	s.logger.Debug("article split",
		zap.String("chunk_id", base),
		zap.Int("chunks", len(chunks)),
		zap.Int("max_tokens", s.maxTokens),
	)
	return chunks
}

func (s *Splitter) splitArticle(a models.Article) []piece {
	n := s.tokenizer.Count(a.Text)
	if n <= s.maxTokens {
		return []piece{{text: a.Text, tokens: n, reason: models.SplitNone}}
	}
	paragraphs := a.Paragraphs
	if len(paragraphs) == 0 {
		paragraphs = SplitParagraphs(a.Text)
	}
	out := s.splitParagraphs(paragraphs)
	if len(out) == 0 {
		// Supplied paragraphs carried no text; fall back to the article body.
		out = s.splitSentences(a.Text)
	}
	return out
}

func (s *Splitter) splitParagraphs(paragraphs []string) []piece {
	var out []piece
	buf, bufTokens := "", 0
	flush := func() {
		if buf != "" {
			out = append(out, piece{text: buf, tokens: bufTokens, reason: models.SplitParagraph})
			buf, bufTokens = "", 0
		}
	}
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n := s.tokenizer.Count(p)
		if n > s.maxTokens {
			flush()
			out = append(out, s.splitSentences(p)...)
			continue
		}
		if buf == "" {
			buf, bufTokens = p, n
			continue
		}
		candidate := buf + paragraphSeparator + p
		if m := s.tokenizer.Count(candidate); m <= s.maxTokens {
			buf, bufTokens = candidate, m
			continue
		}
		flush()
		buf, bufTokens = p, n
	}
	flush()
	return out
}

func (s *Splitter) splitSentences(text string) []piece {
	var out []piece
	var cur []string
	buf, bufTokens := "", 0
	var prev []string
	flush := func() {
		if buf != "" {
			out = append(out, piece{text: buf, tokens: bufTokens, reason: models.SplitSentence})
			prev = cur
			buf, bufTokens, cur = "", 0, nil
		}
	}
	for _, sent := range SplitSentences(text) {
		n := s.tokenizer.Count(sent)
		if n > s.maxTokens {
			flush()
			prev = nil
			out = append(out, s.splitTokens(sent)...)
			continue
		}
		if buf == "" {
			buf, bufTokens, cur = s.seed(prev, sent, n)
			continue
		}
		candidate := buf + sentenceSeparator + sent
		if m := s.tokenizer.Count(candidate); m <= s.maxTokens {
			buf, bufTokens = candidate, m
			cur = append(cur, sent)
			continue
		}
		flush()
		buf, bufTokens, cur = s.seed(prev, sent, n)
	}
	flush()
	return out
}

// seed starts a sentence buffer with sent, prefixed by the longest tail of prev that fits
// the overlap window while keeping the buffer within budget.
func (s *Splitter) seed(prev []string, sent string, sentTokens int) (string, int, []string) {
	if s.overlapTokens > 0 {
		for i := 0; i < len(prev); i++ {
			tail := strings.Join(prev[i:], sentenceSeparator)
			if s.tokenizer.Count(tail) > s.overlapTokens {
				continue
			}
			candidate := tail + sentenceSeparator + sent
			if m := s.tokenizer.Count(candidate); m <= s.maxTokens {
				return candidate, m, []string{sent}
			}
		}
	}
	return sent, sentTokens, []string{sent}
}

func (s *Splitter) splitTokens(text string) []piece {
	tokens := s.tokenizer.Encode(text)
	out := make([]piece, 0, len(tokens)/s.maxTokens+1)
	for start := 0; start < len(tokens); start += s.maxTokens {
		end := start + s.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		window := s.tokenizer.Decode(tokens[start:end])
		out = append(out, piece{text: window, tokens: s.tokenizer.Count(window), reason: models.SplitToken})
	}
	return out
}

// SourceHash returns the HighwayHash-64 of text as 16 hex characters.
func SourceHash(text string) string {
	h, err := highwayhash.New64(hashKey)
	if err != nil {
		panic("splitter: invalid highwayhash key: " + err.Error())
	}
	_, _ = h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// CountByReason tallies chunks per split reason.
func CountByReason(chunks []*models.Chunk) map[models.SplitReason]int {
	counts := make(map[models.SplitReason]int)
	for _, c := range chunks {
		counts[c.SplitReason]++
	}
	return counts
}
