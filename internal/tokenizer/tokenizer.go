// Package tokenizer provides the pluggable token counters used for chunk and batch budgets.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tokenizer maps text to tokens. Count must agree with len(Encode(text)), and a run must use
// one Tokenizer throughout so that splitter and batcher budgets line up.
type Tokenizer interface {
	Name() string
	Count(text string) int
	Encode(text string) []string
	Decode(tokens []string) string
}

const (
	// KindWord counts whitespace-separated words.
	KindWord = "word"
	// KindEstimate counts fixed-width rune windows (roughly 4 characters per token).
	KindEstimate = "estimate"

	defaultCharsPerToken = 4
)

// New returns the tokenizer registered under kind.
func New(kind string, charsPerToken int) (Tokenizer, error) {
	switch kind {
	case KindWord, "":
		return WordTokenizer{}, nil
	case KindEstimate:
		return NewEstimateTokenizer(charsPerToken), nil
	default:
		return nil, fmt.Errorf("unknown tokenizer: %s (supported: word, estimate)", kind)
	}
}

// WordTokenizer treats every whitespace-separated word as one token.
type WordTokenizer struct{}

// Name returns "word".
func (WordTokenizer) Name() string { return KindWord }

// Count returns the number of words in text.
func (WordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

// Encode splits text into words.
func (WordTokenizer) Encode(text string) []string {
	return SplitWords(text)
}

// Decode joins words with a single space.
func (WordTokenizer) Decode(tokens []string) string {
	return strings.Join(tokens, " ")
}

// EstimateTokenizer approximates subword tokenizers by cutting text into windows of
// a fixed number of runes. Decode(Encode(s)) == s.
type EstimateTokenizer struct {
	charsPerToken int
}

// NewEstimateTokenizer returns an estimator; charsPerToken <= 0 uses 4.
func NewEstimateTokenizer(charsPerToken int) EstimateTokenizer {
	if charsPerToken <= 0 {
		charsPerToken = defaultCharsPerToken
	}
	return EstimateTokenizer{charsPerToken: charsPerToken}
}

// Name returns "estimate".
func (EstimateTokenizer) Name() string { return KindEstimate }

// Count returns ceil(runes / charsPerToken).
func (e EstimateTokenizer) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + e.charsPerToken - 1) / e.charsPerToken
}

// Encode cuts text into consecutive windows of charsPerToken runes.
func (e EstimateTokenizer) Encode(text string) []string {
	if text == "" {
		return nil
	}
	tokens := make([]string, 0, e.Count(text))
	start, runes := 0, 0
	for i := range text {
		if runes == e.charsPerToken {
			tokens = append(tokens, text[start:i])
			start, runes = i, 0
		}
		runes++
	}
	return append(tokens, text[start:])
}

// Decode concatenates the windows.
func (EstimateTokenizer) Decode(tokens []string) string {
	return strings.Join(tokens, "")
}

// SplitWords splits text on whitespace and returns non-empty words.
func SplitWords(text string) []string {
	return strings.Fields(text)
}

// HashString returns a deterministic hash for use as a simple token ID.
func HashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}
