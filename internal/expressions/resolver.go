package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Resolve recursively materializes templated values against a run's variable
// bag. Strings have every ${path} and {{path}} occurrence replaced by the
// value at the dotted path (array indices supported: "a.b[0].c"); unresolved
// references are left verbatim so partially-resolved templates stay legible.
// Maps and slices are resolved element-wise; all other values pass through
// unchanged. Pure and deterministic for a given vars snapshot.
func Resolve(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return ResolveString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, vars)
		}
		return out
	default:
		return value
	}
}

// ResolveString replaces every template token in s. A token whose path is
// missing from vars is written back untouched.
func ResolveString(s string, vars map[string]any) string {
	if !HasTemplate(s) {
		return s
	}
	out := resolveDelimited(s, "${", "}", vars)
	return resolveDelimited(out, "{{", "}}", vars)
}

// HasTemplate reports whether s contains any ${...} or {{...}} reference.
func HasTemplate(s string) bool {
	return strings.Contains(s, "${") || strings.Contains(s, "{{")
}

func resolveDelimited(input, open, close string, vars map[string]any) string {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], open)
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + len(open)

		end := strings.Index(input[start:], close)
		if end == -1 {
			// Unclosed token: keep the rest verbatim.
			result.WriteString(input[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(input[start:end])
		val, ok := Lookup(vars, path)
		if !ok {
			// Unresolved reference stays in place for debuggability.
			result.WriteString(input[i+idx : end+len(close)])
		} else {
			result.WriteString(stringify(val))
		}
		i = end + len(close)
	}

	return result.String()
}

// Lookup navigates vars by a dotted path with optional array indices,
// e.g. "guardrails.post_intent_guardrails[0].name".
func Lookup(vars map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	// Direct key first: tenant config keys sometimes contain dots.
	if val, ok := vars[path]; ok {
		return val, true
	}

	var current any = vars
	for _, seg := range strings.Split(path, ".") {
		key, indices, ok := splitIndices(seg)
		if !ok {
			return nil, false
		}
		if key != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[key]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indices {
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}

// splitIndices splits a path segment like "items[0][1]" into its key and
// index list. Returns ok=false on malformed brackets.
func splitIndices(seg string) (string, []int, bool) {
	bracket := strings.IndexByte(seg, '[')
	if bracket == -1 {
		return seg, nil, true
	}
	key := seg[:bracket]
	rest := seg[bracket:]

	var indices []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		closeIdx := strings.IndexByte(rest, ']')
		if closeIdx == -1 {
			return "", nil, false
		}
		n, err := strconv.Atoi(rest[1:closeIdx])
		if err != nil {
			return "", nil, false
		}
		indices = append(indices, n)
		rest = rest[closeIdx+1:]
	}
	return key, indices, true
}

// stringify renders a resolved value for embedding into a template string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		// Whole floats render without a trailing ".0" so array lookups like
		// counts and thresholds read naturally inside prompts.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}
