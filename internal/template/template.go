// Package template renders {{key}} placeholders inside a step's input
// value by scanning string leaves once and looking each key up in a
// context map: no recursive eval, no user code execution. An
// unresolved placeholder is left as the literal text rather than an error.
package template

import (
	"fmt"
	"strings"
)

// Render walks value (a JSON-shaped tree of map[string]interface{},
// []interface{}, and scalars) and replaces {{dotted.key}} placeholders
// found in string leaves using ctx.
func Render(value interface{}, ctx map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return renderString(v, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = Render(val, ctx)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = Render(val, ctx)
		}
		return out
	default:
		return v
	}
}

func renderString(s string, ctx map[string]interface{}) interface{} {
	if !strings.Contains(s, "{{") {
		return s
	}

	// A string that is *exactly* one placeholder renders to the looked-up
	// value's native type (so {{A_result}} can yield an object), while a
	// string with surrounding text always renders to a string.
	if key, ok := wholePlaceholder(s); ok {
		if v, found := lookup(key, ctx); found {
			return v
		}
		return s
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		key := strings.TrimSpace(rest[start+2: end])
		if v, found := lookup(key, ctx); found {
			b.WriteString(fmt.Sprintf("%v", v))
		} else {
			b.WriteString("{{" + key + "}}")
		}
		rest = rest[end+2:]
	}
	return b.String()
}

func wholePlaceholder(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		return strings.TrimSpace(trimmed[2: len(trimmed)-2]), true
	}
	return "", false
}

func lookup(dottedKey string, ctx map[string]interface{}) (interface{}, bool) {
	parts := strings.Split(dottedKey, ".")
	var cur interface{} = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
