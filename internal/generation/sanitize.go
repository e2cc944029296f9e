package generation

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxFieldLength caps a single sanitized free-text field.
const MaxFieldLength = 500

var (
	strict = bluemonday.StrictPolicy()

	// Phrases that try to steer the model away from its instructions.
	denyList = regexp.MustCompile(`(?i)(ignore (all )?(previous|prior|above) instructions|disregard (all )?(previous|prior) instructions|system prompt|you are now|\b(system|assistant|user)\s*:|` + "```" + `)`)

	whitespace = regexp.MustCompile(`\s+`)
)

// Sanitize reduces partner text to plain prose before it is placed into a
// prompt. It lowers the chance of instruction injection but is not a
// security boundary.
func Sanitize(s string) string {
	s = strict.Sanitize(s)
	s = html.UnescapeString(s)
	s = denyList.ReplaceAllString(s, " ")
	s = whitespace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > MaxFieldLength {
		s = strings.TrimSpace(string(r[:MaxFieldLength]))
	}
	return s
}

// SanitizeAll sanitizes every entry and drops the ones that end up empty.
func SanitizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := Sanitize(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}
