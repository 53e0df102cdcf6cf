// Package sanitize strips markup from user supplied text.
package sanitize

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// InlineTags is the formatting whitelist kept in message text.
var InlineTags = []string{"b", "i", "u", "br"}

// Sanitizer holds the two bluemonday policies. Policies are safe for
// concurrent use once built.
type Sanitizer struct {
	inline *bluemonday.Policy
	strict *bluemonday.Policy
}

// New builds the message and name policies.
func New() *Sanitizer {
	inline := bluemonday.NewPolicy()
	inline.AllowElements(InlineTags...)
	return &Sanitizer{
		inline: inline,
		strict: bluemonday.StrictPolicy(),
	}
}

// Message keeps the inline formatting tags and removes everything else.
func (s *Sanitizer) Message(raw string) string {
	return strings.TrimSpace(s.inline.Sanitize(raw))
}

// Plain removes all markup; used for display names, group names and search queries.
func (s *Sanitizer) Plain(raw string) string {
	return strings.TrimSpace(s.strict.Sanitize(strings.TrimSpace(raw)))
}

// Length counts the characters a reader sees in sanitized text. Escaped
// entities count as the single character they stand for, so bounds are
// applied to what was typed rather than to its escaped form.
func Length(sanitized string) int {
	return utf8.RuneCountInString(html.UnescapeString(sanitized))
}
