package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05.000000000"

// FormatTime renders t in the nanosecond-precision layout used for node
// record timestamps. The format compares lexicographically in time order,
// which the restart cut-off relies on.
func FormatTime(t time.Time) string {
	return t.Format(timeLayout)
}

// NowFormatted returns the current time in the node-record layout.
func NowFormatted() string {
	return FormatTime(time.Now())
}

// FilterJSONValues projects v onto plain JSON types. Strings, numbers,
// booleans and nil pass through; slices and string-keyed maps are filtered
// recursively; anything else is dropped.
func FilterJSONValues(v any) (any, bool) {
	switch val := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val, true
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if f, ok := FilterJSONValues(item); ok {
				out = append(out, f)
			}
		}
		return out, true
	case []string:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, item)
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if f, ok := FilterJSONValues(item); ok {
				out[k] = f
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// CanonicalMD5 hashes the canonical JSON projection of args. Map keys are
// emitted in sorted order so identical projections always yield identical
// hashes regardless of insertion order.
func CanonicalMD5(args map[string]any) string {
	filtered, _ := FilterJSONValues(args)
	data, err := json.Marshal(filtered)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", args))
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ToJSONString renders v as compact JSON, falling back to fmt for values the
// encoder rejects.
func ToJSONString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// ExtractFirstJSON pulls the first JSON object out of free-form model text.
// A fenced ```json block wins; otherwise the span from the first '{' to the
// last '}' is taken.
func ExtractFirstJSON(s string) (string, bool) {
	if idx := strings.Index(s, "```json"); idx >= 0 {
		rest := s[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]), true
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1], true
	}
	return "", false
}
