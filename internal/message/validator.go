// Package message handles direct-message content: validation and
// sanitization on the realtime path, Postgres persistence keyed by message
// id, and a small in-memory buffer of recent messages per conversation for
// moderator preview.
package message

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the content cap applied when callers pass maxChars <= 0.
const DefaultMaxChars = 500

// Validate checks that message content meets delivery requirements: not
// empty after trimming, within the character cap, and valid UTF-8.
func Validate(content string, maxChars int) error {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return fmt.Errorf("message content is empty")
	}
	if !utf8.ValidString(trimmed) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(trimmed) > maxChars {
		return fmt.Errorf("message exceeds %d character limit", maxChars)
	}
	return nil
}

// Sanitize normalizes content for storage and delivery: trims surrounding
// whitespace, strips angle brackets, and truncates to the character cap.
func Sanitize(content string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	out := strings.TrimSpace(content)
	out = strings.NewReplacer("<", "", ">", "").Replace(out)

	if utf8.RuneCountInString(out) > maxChars {
		runes := []rune(out)
		out = string(runes[:maxChars])
	}
	return out
}
