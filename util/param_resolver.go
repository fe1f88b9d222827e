package util

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile(`{(\$[^{}]*)}`)

// Lookup evaluates a jsonpath such as "$.input.name" against data.
func Lookup(data map[string]any, path string) (any, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimSuffix(strings.TrimPrefix(path, "{"), "}")
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("expression %q is not a jsonpath", path)
	}
	return jsonpath.JsonPathLookup(data, path)
}

// ResolveParams replaces every {$.path} token in params with its value in
// data. Nested maps and lists are resolved recursively.
func ResolveParams(data map[string]any, params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = ResolveValue(data, v)
	}
	return out
}

func ResolveValue(data map[string]any, v any) any {
	switch val := v.(type) {
	case map[string]any:
		return ResolveParams(data, val)
	case []any:
		list := make([]any, 0, len(val))
		for _, item := range val {
			list = append(list, ResolveValue(data, item))
		}
		return list
	case string:
		return ResolveString(data, val)
	}
	return v
}

// ResolveString resolves the tokens of s. A string made of a single token
// yields the referenced value itself, so numbers and objects keep their type.
// Tokens that do not resolve become empty text.
func ResolveString(data map[string]any, s string) any {
	matches := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		value, err := jsonpath.JsonPathLookup(data, s[matches[0][2]:matches[0][3]])
		if err != nil {
			return ""
		}
		return value
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		if value, err := jsonpath.JsonPathLookup(data, s[m[2]:m[3]]); err == nil && value != nil {
			fmt.Fprintf(&b, "%v", value)
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// ResolveText is ResolveString rendered as text.
func ResolveText(data map[string]any, s string) string {
	switch v := ResolveString(data, s).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
