// Package redact provides helpers for stripping sensitive values from log
// output and user-visible error text.
//
// # Threat model
//
// The model API keys and the Matrix access token must never appear in:
//   - Log lines emitted by vito
//   - Failure notices relayed back into a chat room
//
// Upstream HTTP errors are the usual leak: some providers echo the request
// URL (including a ?key= query parameter) in their error bodies. Redaction is
// best-effort and operates on string representations only.
package redact

import (
	"log/slog"
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(errText, apiKey, matrixToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Secret returns a slog value that renders as [REDACTED] when non-empty and
// as an empty string otherwise, so logs still show whether a key was set.
func Secret(v string) slog.Value {
	if v == "" {
		return slog.StringValue("")
	}
	return slog.StringValue(placeholder)
}

// SensitiveKey reports whether an attribute or field name suggests it holds
// a secret (password, token, key, secret, credential, auth).
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
