package reconcile

import (
	"encoding/json"
	"strconv"
	"strings"
)

// The hot store accumulated several generations of encodings for the same
// fields. Normalization is total: any shape it cannot make sense of becomes
// the empty value, never an error, so one defective record cannot stall a
// reconciliation run.

// ParseIDList decodes a participant list that may be a JSON array, a JSON
// array double-encoded as a single string, or a bare comma-separated string.
func ParseIDList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}

	if strings.HasPrefix(raw, "[") {
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err == nil {
			// a single element that is itself a JSON array is the
			// double-encoded legacy shape
			if len(ids) == 1 && strings.HasPrefix(strings.TrimSpace(ids[0]), "[") {
				return ParseIDList(ids[0])
			}
			return cleanIDs(ids)
		}
		// mixed-type array: salvage the string members
		var loose []any
		if err := json.Unmarshal([]byte(raw), &loose); err == nil {
			ids = ids[:0]
			for _, v := range loose {
				if s, ok := v.(string); ok {
					ids = append(ids, s)
				}
			}
			return cleanIDs(ids)
		}
		return []string{}
	}

	return cleanIDs(strings.Split(raw, ","))
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ParseReactions decodes a reactions value that may be a JSON object of
// emoji to user-id lists, or that object double-encoded as a JSON string.
// Emoji entries whose user list cannot be decoded are dropped individually.
func ParseReactions(raw string) map[string][]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string][]string{}
	}

	if strings.HasPrefix(raw, "\"") {
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return map[string][]string{}
		}
		return ParseReactions(inner)
	}

	var loose map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(loose))
	for emoji, v := range loose {
		var users []string
		if err := json.Unmarshal(v, &users); err == nil {
			if users = cleanIDs(users); len(users) > 0 {
				out[emoji] = users
			}
			continue
		}
		// legacy: comma-separated string instead of an array
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if users = ParseIDList(s); len(users) > 0 {
				out[emoji] = users
			}
		}
	}
	return out
}

// ParseTimestamp accepts unix millis or unix seconds, as a number or a
// numeric string, and returns millis. Returns 0 for anything else.
func ParseTimestamp(v any) int64 {
	var n int64
	switch t := v.(type) {
	case float64:
		n = int64(t)
	case int64:
		n = t
	case json.Number:
		n, _ = t.Int64()
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}
	if n <= 0 {
		return 0
	}
	// values before ~2001-09 in millis are taken as seconds
	if n < 1_000_000_000_000 {
		n *= 1000
	}
	return n
}
