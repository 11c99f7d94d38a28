package util

import "strings"

// SanitizePostgresText drops invalid UTF-8 and NUL bytes, which PostgreSQL
// text columns reject.
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// SanitizePostgresArray sanitizes every element and never returns nil, so the
// result encodes as an empty text[] rather than NULL.
func SanitizePostgresArray(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = SanitizePostgresText(v)
	}
	return out
}
