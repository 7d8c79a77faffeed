package audit

import "strings"

// Redacted replaces the value of every sensitive field.
const Redacted = "[REDACTED]"

// DefaultSensitiveFields are matched as case-insensitive substrings of keys.
var DefaultSensitiveFields = []string{"password", "token", "secret", "apiKey", "creditCard", "ssn"}

// Sanitizer redacts sensitive keys from nested payloads.
//
// Keys and patterns are compared after lower-casing and dropping '_' and '-',
// so "apiKey" also catches "api_key" and "API-KEY". Lists keep list shape:
// each element is sanitized in place and order is preserved.
type Sanitizer struct {
	patterns []string
}

// NewSanitizer builds a sanitizer for fields. An empty list selects DefaultSensitiveFields.
func NewSanitizer(fields []string) *Sanitizer {
	if len(fields) == 0 {
		fields = DefaultSensitiveFields
	}
	patterns := make([]string, 0, len(fields))
	for _, f := range fields {
		if p := normalizeKey(f); p != "" {
			patterns = append(patterns, p)
		}
	}
	return &Sanitizer{patterns: patterns}
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "").Replace(k)
}

// IsSensitive reports whether key matches any configured pattern.
func (s *Sanitizer) IsSensitive(key string) bool {
	nk := normalizeKey(key)
	for _, p := range s.patterns {
		if strings.Contains(nk, p) {
			return true
		}
	}
	return false
}

// Sanitize returns a deep copy of v with sensitive map entries redacted.
// Scalars are returned unchanged and v itself is never modified.
func (s *Sanitizer) Sanitize(v Value) Value {
	switch v.Kind() {
	case KindMap:
		out := make(map[string]Value, v.Len())
		for _, k := range v.Keys() {
			child, _ := v.Get(k)
			if s.IsSensitive(k) {
				out[k] = String(Redacted)
				continue
			}
			out[k] = s.Sanitize(child)
		}
		return Map(out)
	case KindList:
		items := v.Items()
		out := make([]Value, len(items))
		for i, item := range items {
			out[i] = s.Sanitize(item)
		}
		return List(out...)
	default:
		return v
	}
}
