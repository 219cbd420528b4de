package analysis

import "encoding/json"

// Helpers for walking the loosely-typed model payload. Every accessor
// tolerates absence and wrong types; fusion never trusts payload shape.

func payloadMap(payload map[string]any, path ...string) map[string]any {
	current := payload
	for _, key := range path {
		if current == nil {
			return nil
		}
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func payloadSlice(payload map[string]any, path ...string) []any {
	if len(path) == 0 || payload == nil {
		return nil
	}
	parent := payload
	if len(path) > 1 {
		parent = payloadMap(payload, path[:len(path)-1]...)
		if parent == nil {
			return nil
		}
	}
	slice, _ := parent[path[len(path)-1]].([]any)
	return slice
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	f, ok := asFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func marshalRaw(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
