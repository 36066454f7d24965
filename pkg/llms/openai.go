package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/httpclient"
	"github.com/masworks/chorus/pkg/protocol"
)

// OpenAICompatible speaks the OpenAI-style JSON chat endpoint. Any provider
// exposing /chat/completions works through it.
type OpenAICompatible struct {
	component.NopBehaviour
	opts Options
	http *httpclient.Client
}

// NewOpenAICompatible builds the behaviour for one provider endpoint.
func NewOpenAICompatible(opts Options) *OpenAICompatible {
	opts.applyDefaults()
	return &OpenAICompatible{opts: opts, http: newHTTPClient(opts)}
}

// NewOpenAIComponent wraps the behaviour in a registered LLM component.
func NewOpenAIComponent(cfg component.Config, opts Options) *component.Component {
	cfg.Kind = protocol.KindLLM
	return component.New(cfg, NewOpenAICompatible(opts))
}

func (o *OpenAICompatible) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	payload, err := o.buildPayload(ctx, c, req)
	if err != nil {
		return nil, err
	}

	body, err := postJSON(ctx, o.http, o.endpoint(), o.opts.APIKey, payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	content := parsed.Choices[0].Message.Content
	if c.Settings().SendThink {
		emitThink(ctx, req, content)
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: content, Request: req}, nil
}

func (o *OpenAICompatible) endpoint() string {
	base := strings.TrimSuffix(o.opts.BaseURL, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func (o *OpenAICompatible) buildPayload(ctx context.Context, c *component.Component, req *protocol.Request) (map[string]any, error) {
	raw, _ := req.Argument("messages")
	messages := normalizeMessages(raw)
	if len(messages) == 0 {
		return nil, fmt.Errorf("llm call without messages")
	}
	if o.opts.IsConvertURLToBase64 {
		var err error
		messages, err = convertMultimodal(ctx, o.http, messages, o.opts.MaxImagePixels, o.opts.MaxVideoBytes)
		if err != nil {
			return nil, err
		}
	}

	settings := c.Settings()
	var reqParams map[string]any
	if v, ok := req.Argument("llm_params"); ok {
		reqParams, _ = v.(map[string]any)
	}
	payload := mergeParams(settings.LLMParams, o.opts.Params, reqParams)
	payload["messages"] = messages
	payload["stream"] = false
	if _, ok := payload["model"]; !ok {
		model := o.opts.Model
		if model == "" {
			model = settings.LLMModel
		}
		payload["model"] = model
	}
	return payload, nil
}

func postJSON(ctx context.Context, client *httpclient.Client, url, apiKey string, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding chat payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
