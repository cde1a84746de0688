// Package redact masks sensitive material before it reaches audit records
// or logs. Two mechanisms compose: key-based redaction of structured
// argument maps, and regex patterns over free-form text.
package redact

import (
	"log/slog"
	"regexp"
	"strings"
)

// Placeholder replaces redacted values.
const Placeholder = "***REDACTED***"

// sensitiveKeyFragments flags any map key containing one of these.
var sensitiveKeyFragments = []string{
	"password", "token", "key", "secret", "credential",
}

// CompiledPattern is a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns cover common credential shapes in tool output.
var builtinPatterns = map[string]string{
	"bearer_token": `(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`,
	"api_key":      `(?i)(api[_-]?key|access[_-]?key)["'\s:=]+[A-Za-z0-9\-._~+/]{16,}`,
	"basic_auth":   `(?i)basic\s+[A-Za-z0-9+/]+=*`,
	"pem_block":    `-----BEGIN [A-Z ]+-----[\s\S]*?-----END [A-Z ]+-----`,
}

// Redactor applies key and pattern redaction.
type Redactor struct {
	patterns []*CompiledPattern
}

// New creates a Redactor with the builtin patterns plus any custom ones.
// Invalid custom patterns are logged and skipped.
func New(custom map[string]string) *Redactor {
	r := &Redactor{}
	for name, expr := range builtinPatterns {
		r.addPattern(name, expr)
	}
	for name, expr := range custom {
		r.addPattern(name, expr)
	}
	return r
}

func (r *Redactor) addPattern(name, expr string) {
	compiled, err := regexp.Compile(expr)
	if err != nil {
		slog.Error("Failed to compile redaction pattern, skipping",
			"pattern", name, "error", err)
		return
	}
	r.patterns = append(r.patterns, &CompiledPattern{
		Name:        name,
		Regex:       compiled,
		Replacement: Placeholder,
	})
}

// SensitiveKey reports whether a map key names sensitive material.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Map returns a copy of args with sensitive values replaced. Nested maps
// and slices are walked; the input is never mutated.
func (r *Redactor) Map(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if SensitiveKey(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

func (r *Redactor) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.Map(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.value(item)
		}
		return out
	case string:
		return r.Text(t)
	default:
		return v
	}
}

// Text applies the regex patterns over free-form text.
func (r *Redactor) Text(s string) string {
	for _, p := range r.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}
