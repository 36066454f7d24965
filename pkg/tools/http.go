package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/httpclient"
	"github.com/masworks/chorus/pkg/protocol"
)

// HTTPConfig points a tool at one remote endpoint. The tool posts the
// request arguments as JSON and returns the response body.
type HTTPConfig struct {
	URL     string
	Method  string
	Headers map[string]string
}

type httpBehaviour struct {
	component.NopBehaviour
	cfg    HTTPConfig
	client *httpclient.Client
}

func (b *httpBehaviour) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	filtered, _ := protocol.FilterJSONValues(req.Arguments)
	data, err := json.Marshal(filtered)
	if err != nil {
		return nil, fmt.Errorf("encoding tool arguments: %w", err)
	}

	method := b.cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, b.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range b.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool endpoint returned %d", resp.StatusCode)
	}

	// JSON bodies come back decoded so agents can reach into them.
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		return &protocol.Response{State: protocol.StateCompleted, Output: decoded, Request: req}, nil
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: string(body), Request: req}, nil
}

// NewHTTP registers a remote endpoint as a permission-gated tool.
func NewHTTP(cfg component.Config, httpCfg HTTPConfig) *component.Component {
	cfg.Kind = protocol.KindTool
	cfg.IsPermissionRequired = true
	return component.New(cfg, &httpBehaviour{cfg: httpCfg, client: httpclient.New()})
}
