// Package redact provides helpers for stripping sensitive values from log
// output and structured data before it leaves the process boundary.
//
// # Threat model
//
// Environment variables such as PASSWORD, and the Matrix access token, must
// never appear in:
//   - Log lines emitted by envhelper
//   - Audit payloads stored in the database
//   - Matrix room messages
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms.  It is NOT a substitute
// for keeping secrets out of log call-sites in the first place.
package redact

import (
	"strings"
)

// Placeholder replaces redacted values.
const Placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(logLine, password, matrixToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret (password, token, key,
// secret, credential, auth).  Non-string values are left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = Placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Env is Map for environment variable sets. Empty values stay empty so an
// unset password remains visible as such.
func Env(vars map[string]string) map[string]string {
	if vars == nil {
		return nil
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if v != "" && IsSensitiveKey(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// IsSensitiveKey returns true when the key name suggests it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// RestoreEnv undoes Env for a set of variables sent back by a client: a value
// equal to Placeholder takes the value stored under the same key. Keys absent
// from stored keep the placeholder.
func RestoreEnv(incoming, stored map[string]string) map[string]string {
	if incoming == nil {
		return nil
	}
	out := make(map[string]string, len(incoming))
	for k, v := range incoming {
		if old, ok := stored[k]; ok && v == Placeholder {
			v = old
		}
		out[k] = v
	}
	return out
}
