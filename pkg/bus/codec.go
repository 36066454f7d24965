// Package bus carries per-trace progress event streams. Each trace key holds
// a bounded FIFO; on overflow the oldest event is dropped, because the
// stream reports progress, it is not an audit trail. Events travel msgpack
// encoded; an in-memory variant serves single-process setups and a Redis
// variant serves multi-process ones.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/masworks/chorus/pkg/protocol"
)

// Capacity bounds each trace's queue.
const Capacity = 10

// Encode serialises an event to the wire format. Content is sanitised first
// so only JSON-shaped values cross the wire; everything else is rendered as
// a string.
func Encode(event protocol.Event) ([]byte, error) {
	return msgpack.Marshal(map[string]any{
		"type":    string(event.Type),
		"content": sanitize(event.Content),
	})
}

// Decode reverses Encode.
func Decode(data []byte) (protocol.Event, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return protocol.Event{}, fmt.Errorf("decoding bus event: %w", err)
	}
	event := protocol.Event{Content: normalizeDecoded(raw["content"])}
	if t, ok := raw["type"].(string); ok {
		event.Type = protocol.EventType(t)
	}
	return event, nil
}

func sanitize(v any) any {
	switch val := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case json.Number:
		return val.String()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitize(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = sanitize(item)
		}
		return out
	default:
		return fmt.Sprintf("%v", val)
	}
}

// normalizeDecoded folds msgpack's map[any]any shape back into string-keyed
// maps so consumers see the same types they published.
func normalizeDecoded(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeDecoded(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeDecoded(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeDecoded(item)
		}
		return out
	default:
		return val
	}
}
