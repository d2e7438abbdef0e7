package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	htmlTagPattern      = regexp.MustCompile(`<[^>]*>`)
	cityDisallowedChars = regexp.MustCompile(`[^\p{L}\s\-,']`)
	whitespaceRun       = regexp.MustCompile(`\s+`)
)

// SanitizeCityName strips markup and keeps only letters (any script), whitespace,
// hyphens, commas and apostrophes. The result is trimmed and capped at MaxCityLen runes.
func SanitizeCityName(input string) string {
	s := htmlTagPattern.ReplaceAllString(input, "")
	s = cityDisallowedChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	return truncateRunes(s, MaxCityLen)
}

// SanitizeText removes HTML tags and stray angle brackets, then trims.
func SanitizeText(input string) string {
	s := htmlTagPattern.ReplaceAllString(input, "")
	s = strings.NewReplacer("<", "", ">", "").Replace(s)
	return strings.TrimSpace(s)
}

// SanitizeChatMessage neutralizes angle brackets and collapses whitespace runs.
// "<script>alert(1)</script>" becomes "script alert(1) /script".
func SanitizeChatMessage(input string) string {
	s := strings.NewReplacer("<", " ", ">", " ").Replace(input)
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// StripLineBreaks removes CR and LF so a value cannot inject mail headers.
func StripLineBreaks(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
