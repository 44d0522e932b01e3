package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Resolve replaces ${{ path }} references inside value with fields of data.
// Maps and slices are walked recursively and a fresh copy is returned.
// A string that is exactly one reference keeps the referenced value's type;
// references embedded in longer strings are stringified.
func Resolve(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := Resolve(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := Resolve(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// HasInterpolation reports whether s contains a ${{ reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

func resolveString(input string, data map[string]any) (any, error) {
	if !HasInterpolation(input) {
		return input, nil
	}

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		path := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
		return lookupPath(data, path)
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end += start

		path := strings.TrimSpace(input[start:end])
		if strings.Contains(path, "${{") {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := lookupPath(data, path)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))
		i = end + 2
	}

	return result.String(), nil
}

// lookupPath navigates nested maps using a dot-delimited path.
func lookupPath(root map[string]any, path string) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{  }}")
	}
	if val, ok := root[path]; ok {
		return val, nil
	}

	var current any = root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty segment in path %q at position %d", path, i)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, path, current)
		}
		val, ok := m[seg]
		if !ok {
			keys := sortedKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
				"field %q not found in %q; available: [%s]", seg, path, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"path": path, "available_fields": keys})
		}
		current = val
	}
	return current, nil
}

func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
