// Package sanitize canonicalizes text before it enters durable storage.
//
// Stored turns and memories must be free of markdown markup, emoji, and
// characters outside the allowed alphabet (Latin, Hangul, digits, basic
// punctuation). The transformation is idempotent: sanitizing already-clean
// text is a no-op.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	boldRE = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	codeRE = regexp.MustCompile("`([^`]+)`")

	// Two emoji blocks: supplemental symbols/pictographs and the
	// miscellaneous symbols + dingbats range.
	emojiHighRE = regexp.MustCompile(`[\x{1F000}-\x{1FFFF}]`)
	emojiLowRE  = regexp.MustCompile(`[\x{2600}-\x{27BF}]`)

	// Everything not in the allowed alphabet is dropped. Hangul syllables
	// are U+AC00..U+D7A3.
	disallowedRE = regexp.MustCompile(`[^a-zA-Z0-9\x{AC00}-\x{D7A3}\s.,!?:;\-()"'\[\]` + "\n" + `/]`)

	multiSpaceRE = regexp.MustCompile(` +`)
)

// Text returns s with markdown emphasis and inline code unwrapped, emoji
// removed, disallowed characters dropped, runs of spaces collapsed, and
// surrounding whitespace trimmed.
func Text(s string) string {
	if s == "" {
		return s
	}

	s = boldRE.ReplaceAllString(s, "$1")
	s = codeRE.ReplaceAllString(s, "$1")
	s = emojiHighRE.ReplaceAllString(s, "")
	s = emojiLowRE.ReplaceAllString(s, "")
	s = disallowedRE.ReplaceAllString(s, "")
	s = multiSpaceRE.ReplaceAllString(s, " ")

	return strings.TrimSpace(s)
}
