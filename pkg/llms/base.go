// Package llms provides the model-client components. Both adapters share
// one contract: normalise the inbound messages, merge parameters (global
// config, component options, per-request overrides, in that order), post the
// chat payload and return the assistant's text. Multimodal parts are fetched
// and base64-encoded on the way out when enabled.
package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/masworks/chorus/pkg/httpclient"
	"github.com/masworks/chorus/pkg/protocol"
)

const (
	DefaultMaxImagePixels = 10_000_000
	DefaultMaxVideoBytes  = 12 * 1024 * 1024
)

// Options configures one model client.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string

	// Params are provider parameters (temperature etc) merged under
	// per-request overrides.
	Params map[string]any

	IsConvertURLToBase64 bool
	MaxImagePixels       int
	MaxVideoBytes        int64

	HTTPTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxImagePixels <= 0 {
		o.MaxImagePixels = DefaultMaxImagePixels
	}
	if o.MaxVideoBytes <= 0 {
		o.MaxVideoBytes = DefaultMaxVideoBytes
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 300 * time.Second
	}
}

func newHTTPClient(o Options) *httpclient.Client {
	return httpclient.New(httpclient.WithHTTPClient(
		&http.Client{Timeout: o.HTTPTimeout},
	))
}

// normalizeMessages accepts the shapes callers put under arguments.messages
// and folds them into provider maps.
func normalizeMessages(raw any) []map[string]any {
	switch msgs := raw.(type) {
	case []map[string]any:
		return msgs
	case []protocol.Message:
		out := make([]map[string]any, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, m.ToDict())
		}
		return out
	case []any:
		out := make([]map[string]any, 0, len(msgs))
		for _, item := range msgs {
			switch m := item.(type) {
			case map[string]any:
				out = append(out, m)
			case protocol.Message:
				out = append(out, m.ToDict())
			}
		}
		return out
	case *protocol.Memory:
		return msgs.ToDicts()
	default:
		return nil
	}
}

// mergeParams layers request overrides on top of component params on top of
// the global defaults.
func mergeParams(global, component, request map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range global {
		out[k] = v
	}
	for k, v := range component {
		out[k] = v
	}
	for k, v := range request {
		out[k] = v
	}
	return out
}

// extractThink pulls the reasoning span the adapter surfaces as a think
// event: the <think> block when the model emits one, otherwise the think
// field of the first JSON object (the tool-call shape the agents request).
// Returns empty when there is none.
func extractThink(content string) string {
	trimmed := strings.TrimSpace(content)
	if end := strings.Index(trimmed, "</think>"); end >= 0 {
		return strings.TrimSpace(strings.ReplaceAll(trimmed[:end], "<think>", ""))
	}
	span, ok := protocol.ExtractFirstJSON(trimmed)
	if !ok {
		return ""
	}
	var call map[string]any
	if err := json.Unmarshal([]byte(span), &call); err != nil {
		return ""
	}
	think, _ := call["think"].(string)
	return strings.TrimSpace(think)
}

// emitThink publishes the model's reasoning span when configured to.
func emitThink(ctx context.Context, req *protocol.Request, content string) {
	think := extractThink(content)
	if think == "" {
		return
	}
	req.SendMessage(ctx, protocol.Event{Type: protocol.EventThink, Content: think})
}
