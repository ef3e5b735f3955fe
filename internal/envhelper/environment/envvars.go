package environment

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
)

// ParseEnv parses newline-separated KEY=VALUE text.
//
// Keys are trimmed, values are kept verbatim. Only the first '=' separates
// key from value. Blank lines and lines starting with '#' are skipped. A
// line without '=', an empty key or a repeated key is a ValidationError.
func ParseEnv(text string) (map[string]string, error) {
	out := make(map[string]string)
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fault.Validation("env line %d: missing '=' in %q", i+1, trimmed)
		}
		key = strings.TrimSpace(key)
		if msg := envKeyProblem(key); msg != "" {
			return nil, fault.Validation("env line %d: %s", i+1, msg)
		}
		if _, dup := out[key]; dup {
			return nil, fault.Validation("env line %d: duplicate key %q", i+1, key)
		}
		out[key] = value
	}
	return out, nil
}

// FormatEnv renders vars as KEY=VALUE lines sorted by key. ParseEnv of the
// result yields vars again for every map that passes ValidateEnv.
func FormatEnv(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(vars[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// ValidateEnvKey checks a single variable name.
func ValidateEnvKey(key string) error {
	if msg := envKeyProblem(key); msg != "" {
		return fault.Validation("%s", msg)
	}
	return nil
}

func envKeyProblem(key string) string {
	if key == "" {
		return "empty variable name"
	}
	if strings.HasPrefix(key, "#") {
		return fmt.Sprintf("variable name %q must not start with '#'", key)
	}
	for _, r := range key {
		if r == '=' || unicode.IsSpace(r) {
			return fmt.Sprintf("variable name %q must not contain '=' or whitespace", key)
		}
	}
	return ""
}

// ValidateEnv checks every key and value of vars.
func ValidateEnv(vars map[string]string) error {
	for k, v := range vars {
		if err := ValidateEnvKey(k); err != nil {
			return err
		}
		if strings.ContainsAny(v, "\r\n") {
			return fault.Validation("value of %q must not contain a newline", k)
		}
	}
	return nil
}
