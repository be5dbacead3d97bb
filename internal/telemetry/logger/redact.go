package logger

import (
	"log/slog"
	"strings"
)

// sensitiveKeyPatterns names substrings that mark a log attribute's value
// as sensitive: bearer tokens and api keys travel as opaque strings with no
// recognizable prefix, so redaction here is by key name rather than by
// value shape.
var sensitiveKeyPatterns = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"credential",
	"auth",
	"bearer",
}

// redactedValue is the placeholder for redacted sensitive data.
const redactedValue = "***REDACTED***"

// redactSensitive redacts an attribute's value in place if its key name
// suggests sensitive content.
func redactSensitive(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString && isSensitiveKey(a.Key) && a.Value.String() != "" {
		return slog.String(a.Key, redactedValue)
	}

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		newAttrs := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			newAttrs[i] = redactSensitive(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(newAttrs...)}
	}

	return a
}

func isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	return false
}

// IsSensitiveKey reports whether key names a field callers should avoid
// logging unredacted (bearer tokens, api keys, and similar credentials).
func IsSensitiveKey(key string) bool { return isSensitiveKey(key) }

// RedactString returns redactedValue for any non-empty string, for callers
// that need to scrub a value before passing it to a log call directly
// (rather than relying on ReplaceAttr key-based redaction).
func RedactString(value string) string {
	if value == "" {
		return value
	}
	return redactedValue
}
