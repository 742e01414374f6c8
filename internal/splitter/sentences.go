package splitter

import (
	"regexp"
	"strings"
	"unicode"
)

var paragraphBreak = regexp.MustCompile(`(?:\r?\n[ \t]*){2,}`)

// SplitParagraphs splits text on blank lines and drops empty paragraphs.
func SplitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// abbreviations never end a sentence when followed by a period.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "no": {}, "nr": {}, "vol": {}, "fig": {}, "art": {}, "abs": {},
	"sec": {}, "ch": {}, "para": {}, "ca": {}, "vgl": {}, "bzw": {}, "inc": {},
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '»', '”', '’', '“':
		return true
	}
	return false
}

func isOpener(r rune) bool {
	switch r {
	case '"', '\'', '(', '[', '«', '„', '“', '‘':
		return true
	}
	return false
}

// SplitSentences splits text at a terminal punctuation mark followed by whitespace and an
// uppercase letter. Initials and common abbreviations do not end a sentence.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && (isTerminal(runes[j]) || isCloser(runes[j])) {
			j++
		}
		k := j
		for k < len(runes) && unicode.IsSpace(runes[k]) {
			k++
		}
		if k == j || k >= len(runes) {
			continue
		}
		m := k
		for m < len(runes) && isOpener(runes[m]) {
			m++
		}
		if m >= len(runes) || !unicode.IsUpper(runes[m]) {
			continue
		}
		if runes[i] == '.' && abbreviationBefore(runes, start, i) {
			continue
		}
		if sent := strings.TrimSpace(string(runes[start:j])); sent != "" {
			out = append(out, sent)
		}
		start = k
		i = k - 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

func abbreviationBefore(runes []rune, start, dot int) bool {
	w := dot
	for w > start && unicode.IsLetter(runes[w-1]) {
		w--
	}
	word := runes[w:dot]
	if len(word) == 0 {
		return false
	}
	if len(word) == 1 && unicode.IsUpper(word[0]) {
		return true
	}
	_, ok := abbreviations[strings.ToLower(string(word))]
	return ok
}
