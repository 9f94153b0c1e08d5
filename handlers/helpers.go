package handlers

import (
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/billie-money/servicing-processor/event"
)

// nowFn is the clock; package variable so tests can pin it.
var nowFn = func() time.Time { return time.Now().UTC() }

// payloadMap extracts the event body from a raw envelope. The body may
// live under "payload" or "dat" and may still be a JSON-encoded string
// when the producer bypassed envelope sanitisation; decode defensively
// and fall back to an empty map.
func payloadMap(raw map[string]any) map[string]any {
	for _, key := range []string{"payload", "dat"} {
		switch v := raw[key].(type) {
		case map[string]any:
			return v
		case bson.M:
			return map[string]any(v)
		case string:
			var decoded map[string]any
			if err := json.Unmarshal([]byte(v), &decoded); err == nil {
				return decoded
			}
		}
	}
	return map[string]any{}
}

// firstString returns the first non-empty string value among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := event.AsString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// docMap coerces a stored document value to bson.M.
func docMap(v any) bson.M {
	switch m := v.(type) {
	case bson.M:
		return m
	case map[string]any:
		return bson.M(m)
	default:
		return nil
	}
}

// docList coerces a stored document value to a slice.
func docList(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case bson.A:
		return []any(s)
	default:
		return nil
	}
}

// valueOr returns v when non-nil, else the fallback.
func valueOr(v any, fallback any) any {
	if v == nil {
		return fallback
	}
	return v
}

// stringOrNil maps the empty string to nil so absent wire fields are
// stored as null, matching the projection schema.
func stringOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// floatOr dereferences an optional amount with a default.
func floatOr(f *float64, def float64) float64 {
	if f == nil {
		return def
	}
	return *f
}

// floatOrNil stores an optional amount as null when absent.
func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
