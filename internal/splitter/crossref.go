package splitter

import (
	"regexp"
	"strings"
)

// DefaultCrossRefPattern matches references such as "Section 4.2", "Art. 12" or "§ 3a".
var DefaultCrossRefPattern = regexp.MustCompile(
	`(?i)(?:\b(?:section|sec\.|article|art\.|chapter|ch\.|paragraph|para\.)\s*\d+(?:\.\d+)*[a-z]?\b)|(?:§+\s*\d+(?:\.\d+)*[a-z]?\b)`,
)

// extractCrossRefs returns the distinct references in text, whitespace-normalized, in
// order of first appearance.
func (s *Splitter) extractCrossRefs(text string) []string {
	if s.crossRefs == nil || text == "" {
		return nil
	}
	matches := s.crossRefs.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		ref := strings.Join(strings.Fields(m), " ")
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	return refs
}
