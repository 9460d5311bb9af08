package policy

import (
	"regexp"
	"strings"
)

// maxCommentRunes bounds stored review comments.
const maxCommentRunes = 1000

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers would otherwise be caught by the phone rule.
var commentRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[email masque]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[carte masquee]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-(). ]{7,}[0-9]`), "[telephone masque]"},
}

// SanitizeComment trims a user review comment, bounds its length and masks
// contact details and card numbers. changed reports whether anything was masked.
func SanitizeComment(input string) (out string, changed bool) {
	out = strings.TrimSpace(input)
	if r := []rune(out); len(r) > maxCommentRunes {
		out = string(r[:maxCommentRunes])
	}
	for _, rule := range commentRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
