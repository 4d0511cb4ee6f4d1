package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces secret material in logs, audit lines, stored task errors
// and notifications.
const Redacted = "[REDACTED]"

// redactRule masks the value group of pattern. With keepPrefix the first
// capture group (the "api_key=" part) survives so the line stays readable.
type redactRule struct {
	pattern    *regexp.Regexp
	keepPrefix bool
}

var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|token|secret)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), true},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), true},
	{regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`), false},
	// <bot id>:<secret>
	{regexp.MustCompile(`\b[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`), false},
}

// Redact masks API keys, bearer tokens and bot tokens found in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactRules {
		if r.keepPrefix {
			s = r.pattern.ReplaceAllString(s, "${1}"+Redacted)
		} else {
			s = r.pattern.ReplaceAllLiteralString(s, Redacted)
		}
	}
	return s
}

var secretKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// IsSecretKey reports whether a config key, env var or log attribute name
// names secret material.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
