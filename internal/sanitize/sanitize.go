// Package sanitize turns operator-supplied and database-supplied identifiers into strings that are safe to use as
// Prometheus metric/label tokens and as SQL identifiers.
// DEVELOPER NOTE:  This package should ideally NOT depend on any other internal package
package sanitize

import (
	"regexp"
	"strings"
)

var (
	unsafeChars     = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	validIdentifier = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// Sanitize replaces every character outside [A-Za-z0-9_] with an underscore.  It never fails, and sanitizing an
// already-sanitized string is a no-op.  Note that sanitizing an empty string yields an empty string - callers that
// need a non-empty token (job names, instance names) must check for that themselves.
func Sanitize(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// ValidIdentifier reports whether s is a non-empty string made up entirely of [A-Za-z0-9_].  Every identifier that
// ends up in SQL text or in a metric or label name must pass this check first.
func ValidIdentifier(s string) bool {
	return validIdentifier.MatchString(s)
}

// labelEscaper escapes the backslash first so that the escapes it introduces are not themselves re-escaped
var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\t", `\t`, `"`, `\"`)

// EscapeLabelValue escapes a string for use as a Prometheus label value.  Label values may contain arbitrary
// characters, unlike label names, so they are escaped rather than rewritten.
func EscapeLabelValue(value string) string {
	return labelEscaper.Replace(value)
}
