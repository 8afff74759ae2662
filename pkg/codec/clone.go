package codec

import "strings"

// DeepCopy clones a document so that no nested map or slice is shared
func DeepCopy(source map[string]any) map[string]any {
	if source == nil {
		return nil
	}
	result := make(map[string]any, len(source))
	for k, v := range source {
		result[k] = DeepCopyValue(v)
	}
	return result
}

// DeepCopyValue clones maps and slices reachable from v
func DeepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopy(val)
	case []any:
		if val == nil {
			return nil
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopyValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopy(item)
		}
		return out
	default:
		return v
	}
}

// Lookup reads a dotted path such as "a.b.c". A missing key or a non-map
// intermediate yields nil. An empty path returns the document itself.
func Lookup(doc map[string]any, path string) any {
	if doc == nil {
		return nil
	}
	if path == "" {
		return doc
	}
	current := any(doc)
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok || current == nil {
			return nil
		}
	}
	return current
}
