package store

import (
	"time"

	"github.com/google/uuid"
)

// jsonSafe recursively converts a payload into plain JSON-marshalable values:
// timestamps become ISO-8601 strings, UUIDs become strings, typed maps and
// slices become generic ones. This is the single serialization pass at the
// store boundary; nothing upstream hand-rolls its own conversion.
func jsonSafe(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339)
	case uuid.UUID:
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonSafe(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonSafe(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonSafe(item)
		}
		return out
	default:
		return val
	}
}
