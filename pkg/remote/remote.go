// Package remote proxies a peer runtime reachable over SSE. The proxy
// registers as a local agent; dispatching to it forwards the envelope to the
// peer's chat endpoint and re-emits the peer's event stream on the local bus.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/httpclient"
	"github.com/masworks/chorus/pkg/logger"
	"github.com/masworks/chorus/pkg/protocol"
)

// Config describes the peer endpoint.
type Config struct {
	ServerURL string

	// NoShareCallStack presents the dispatch to the peer as a fresh
	// user-originated call instead of sharing the local stack.
	NoShareCallStack bool

	// HTTPClient overrides the streaming client, mainly for tests.
	HTTPClient *http.Client
}

// SSEAgent is the local proxy behaviour for one peer runtime.
type SSEAgent struct {
	component.NopBehaviour
	cfg    Config
	fetch  *httpclient.Client
	stream *http.Client
	org    map[string]any
}

// NewSSEComponent builds the proxy as a registered agent component.
func NewSSEComponent(cfg component.Config, remoteCfg Config) *component.Component {
	cfg.Kind = protocol.KindAgent
	stream := remoteCfg.HTTPClient
	if stream == nil {
		stream = &http.Client{}
	}
	return component.New(cfg, &SSEAgent{
		cfg:    remoteCfg,
		fetch:  httpclient.New(httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second})),
		stream: stream,
	})
}

// Init validates the endpoint and fetches the peer's organisation tree.
func (a *SSEAgent) Init(ctx context.Context, c *component.Component) error {
	parsed, err := url.Parse(a.cfg.ServerURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("server_url must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(a.cfg.ServerURL, "/get_organization"), nil)
	if err != nil {
		return err
	}
	resp, err := a.fetch.Do(req)
	if err != nil {
		return fmt.Errorf("fetching organization from %s: %w", a.cfg.ServerURL, err)
	}
	defer resp.Body.Close()

	var body struct {
		Data struct {
			Organization map[string]any `json:"organization"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding organization: %w", err)
	}
	a.org = body.Data.Organization
	return nil
}

// Organization returns the peer tree with every node marked remote.
func (a *SSEAgent) Organization() []any {
	children, _ := a.org["children"].([]any)
	return markRemote(deepCopyList(children))
}

func markRemote(children []any) []any {
	for _, item := range children {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		node["is_remote"] = true
		if sub, ok := node["children"].([]any); ok {
			markRemote(sub)
		}
	}
	return children
}

func deepCopyList(list []any) []any {
	raw, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (a *SSEAgent) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	log := logger.WithTrace(req.CurrentTraceID, req.NodeID)
	log.Info("initiating SSE connection", "server_url", a.cfg.ServerURL)

	payload := a.buildPayload(req)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(a.cfg.ServerURL, "/sse/chat"), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", a.cfg.ServerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned status %d", resp.StatusCode)
	}

	answer := ""
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := line[len("data: "):]
		if data == "done" {
			log.Info("peer terminated SSE stream", "server_url", a.cfg.ServerURL)
			break
		}

		var event struct {
			Type    string `json:"type"`
			Content any    `json:"content"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			log.Warn("skipping unparseable SSE frame", "error", err)
			continue
		}

		switch protocol.EventType(event.Type) {
		case protocol.EventAnswer:
			if s, ok := event.Content.(string); ok {
				answer = s
			}
		case protocol.EventToolCall, protocol.EventObservation:
			content, ok := event.Content.(map[string]any)
			if !ok {
				continue
			}
			// User-boundary frames belong to the peer's own surface.
			if content["caller_category"] == "user" || content["callee_category"] == "user" {
				continue
			}
			if a.cfg.NoShareCallStack {
				content["call_stack"] = stitchCallStack(req.CallStack, content["call_stack"])
			}
			req.SendMessage(ctx, protocol.Event{Type: protocol.EventType(event.Type), Content: content})
		default:
			req.SendMessage(ctx, protocol.Event{Type: protocol.EventType(event.Type), Content: event.Content})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading SSE stream: %w", err)
	}

	return &protocol.Response{State: protocol.StateCompleted, Output: answer, Request: req}, nil
}

// buildPayload flattens the envelope for the peer: arguments are merged to
// the top level and the peer always sees a user-category caller.
func (a *SSEAgent) buildPayload(req *protocol.Request) map[string]any {
	payload := map[string]any{
		"current_trace_id":   req.CurrentTraceID,
		"from_trace_id":      req.FromTraceID,
		"root_trace_ids":     req.RootTraceIDs,
		"reference_trace_id": req.ReferenceTraceID,
		"restart_node_id":    req.RestartNodeID,
		"restart_node_output": func() any {
			if req.RestartNodeOutput == "" {
				return nil
			}
			return req.RestartNodeOutput
		}(),
		"caller":          req.Caller,
		"callee":          req.Callee,
		"caller_category": "user",
		"callee_category": req.CalleeCategory,
		"shared_data":     req.SharedData,
		"is_save_history": req.IsSaveHistory,
	}
	if a.cfg.NoShareCallStack {
		payload["caller"] = "user"
	} else {
		payload["call_stack"] = dropLast(req.CallStack)
		payload["node_id_stack"] = dropLast(req.NodeIDStack)
	}
	for key, value := range req.Arguments {
		payload[key] = value
	}
	return payload
}

// stitchCallStack grafts the peer's stack below the local one, dropping the
// peer's synthetic user frame and entry agent.
func stitchCallStack(local []string, peer any) []any {
	out := make([]any, 0, len(local))
	for _, frame := range local {
		out = append(out, frame)
	}
	if frames, ok := peer.([]any); ok && len(frames) > 2 {
		out = append(out, frames[2:]...)
	}
	return out
}

func dropLast(stack []string) []string {
	if len(stack) == 0 {
		return stack
	}
	return append([]string(nil), stack[:len(stack)-1]...)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
