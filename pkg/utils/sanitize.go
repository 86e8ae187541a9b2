package utils

import "regexp"

// Patterns scrubbed from error text before it is persisted or broadcast.
// Source errors can echo request URLs and infra details; credentials,
// internal hostnames and IP addresses must never reach a stored message.
var (
	urlCredsRe = regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`)
	secretRe   = regexp.MustCompile(`(?i)\b(token|api[_-]?key|secret|password|authorization)\b\s*[=:]\s*\S+`)
	ipv4Re     = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)
	internalRe = regexp.MustCompile(`\b[a-zA-Z0-9.-]+\.(?:internal|local|lan|corp)\b`)
)

// SanitizeError strips credentials, internal hostnames and IP addresses
// from an error message.
func SanitizeError(msg string) string {
	msg = urlCredsRe.ReplaceAllString(msg, "://[redacted]@")
	msg = secretRe.ReplaceAllString(msg, "$1=[redacted]")
	msg = ipv4Re.ReplaceAllString(msg, "[redacted]")
	msg = internalRe.ReplaceAllString(msg, "[redacted]")
	return msg
}
