package guard

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// SpamFilter is a stateless keyword screen. It is a blunt heuristic, not a
// classifier: any single hit blocks the message.
type SpamFilter struct {
	matcher *ahocorasick.Matcher
}

func NewSpamFilter(keywords []string) *SpamFilter {
	folded := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			folded = append(folded, k)
		}
	}
	return &SpamFilter{matcher: ahocorasick.NewStringMatcher(folded)}
}

// IsSpam reports whether text contains any blocked keyword, case-folded.
func (f *SpamFilter) IsSpam(text string) bool {
	if text == "" {
		return false
	}
	return len(f.matcher.Match([]byte(strings.ToLower(text)))) > 0
}
