// Package envelope normalises the wire form of event envelopes.
//
// The log broker stores entry fields as flat strings, which erases the
// nested types producers put on the wire: integer sequences arrive as
// numeric (or empty) strings, recipient lists and payloads arrive as
// JSON-encoded strings. Sanitize coerces those fields back to their
// canonical types so downstream decoders never branch on wire quirks.
package envelope

import (
	"encoding/json"
	"strconv"
)

// Sanitize returns a copy of the envelope with recognised fields coerced
// to canonical types:
//
//   - seq, c_seq: empty or absent values become 0, digit strings become
//     integers, anything unparseable becomes 0.
//   - rec: JSON-encoded strings are decoded to lists; a bare non-JSON
//     string becomes a one-element list (empty string becomes an empty
//     list); nil becomes an empty list.
//   - dat: JSON-encoded strings are decoded; non-JSON strings are left
//     untouched so raw-map handlers can still accept them.
//
// All other keys pass through unchanged. Sanitize is idempotent.
func Sanitize(data map[string]any) map[string]any {
	result := make(map[string]any, len(data))
	for k, v := range data {
		result[k] = v
	}

	for _, key := range []string{"seq", "c_seq"} {
		if v, ok := result[key]; ok {
			result[key] = coerceInt(v)
		}
	}

	if v, ok := result["rec"]; ok {
		result["rec"] = coerceList(v)
	}

	if v, ok := result["dat"]; ok {
		if s, isStr := v.(string); isStr {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				result["dat"] = decoded
			}
		}
	}

	return result
}

// Seq reads a sanitised sequence field, defaulting to 0 when absent.
func Seq(data map[string]any, key string) int64 {
	v, ok := data[key]
	if !ok {
		return 0
	}
	return coerceInt(v)
}

func coerceInt(v any) int64 {
	switch n := v.(type) {
	case nil:
		return 0
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	case string:
		if n == "" {
			return 0
		}
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func coerceList(v any) any {
	switch rec := v.(type) {
	case nil:
		return []any{}
	case string:
		var decoded []any
		if err := json.Unmarshal([]byte(rec), &decoded); err == nil {
			return decoded
		}
		if rec == "" {
			return []any{}
		}
		return []any{rec}
	default:
		return v
	}
}
