// Package jsonutil provides small generic helpers for walking untyped JSON
// trees — the response-parsing layer proper is an external collaborator,
// but the Paginated Stream Driver still needs to locate entries and
// cursors inside arbitrary response shapes.
package jsonutil

import "encoding/json"

// Decode unmarshals raw into a generic JSON tree (map/slice/scalar).
func Decode(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// FindByKey performs a depth-first search for the first object for which
// match returns true, mirroring the source's find_obj helper.
func FindByKey(node any, match func(map[string]any) bool) map[string]any {
	switch v := node.(type) {
	case map[string]any:
		if match(v) {
			return v
		}
		for _, child := range v {
			if found := FindByKey(child, match); found != nil {
				return found
			}
		}
	case []any:
		for _, child := range v {
			if found := FindByKey(child, match); found != nil {
				return found
			}
		}
	}
	return nil
}

// GetByPath returns the first value anywhere in node reachable under a key
// equal to name, depth-first. This mirrors the source's permissive
// get_by_path helper, which does not require a single rooted path — entries
// can appear at varying depths across different timeline instruction
// shapes.
func GetByPath(node any, name string) any {
	switch v := node.(type) {
	case map[string]any:
		if val, ok := v[name]; ok {
			return val
		}
		for _, child := range v {
			if found := GetByPath(child, name); found != nil {
				return found
			}
		}
	case []any:
		for _, child := range v {
			if found := GetByPath(child, name); found != nil {
				return found
			}
		}
	}
	return nil
}

// StringEntries coerces a JSON array value (as returned by GetByPath) into
// a slice of objects, dropping anything that isn't a JSON object.
func StringEntries(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
