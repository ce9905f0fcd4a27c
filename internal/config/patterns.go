package config

import (
	"regexp"
	"strings"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandPatterns resolves {a,b,c} alternations in a location into the list of
// concrete patterns. Nested or repeated groups are expanded left to right. A
// location without braces yields itself; an empty location yields nil.
func ExpandPatterns(location string) []string {
	if location == "" {
		return nil
	}
	open := strings.IndexByte(location, '{')
	if open < 0 {
		return []string{location}
	}
	end := matchingBrace(location, open)
	if end < 0 {
		return []string{location}
	}

	prefix, body, suffix := location[:open], location[open+1:end], location[end+1:]
	var out []string
	for _, alt := range splitAlternatives(body) {
		out = append(out, ExpandPatterns(prefix+alt+suffix)...)
	}
	return out
}

// HasMeta reports whether a pattern needs glob matching rather than a plain
// existence check.
func HasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

func matchingBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func splitAlternatives(body string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, body[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, body[start:])
}

// interpolate replaces ${VAR} with values from lookup. Unknown variables are
// left in place.
func interpolate(input string, lookup func(string) (string, bool)) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := lookup(name); ok {
			return value
		}
		return match
	})
}

func interpolateValue(v any, lookup func(string) (string, bool)) any {
	switch t := v.(type) {
	case string:
		return interpolate(t, lookup)
	case map[string]any:
		for k, e := range t {
			t[k] = interpolateValue(e, lookup)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = interpolateValue(e, lookup)
		}
		return t
	default:
		return v
	}
}
