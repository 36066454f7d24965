package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/httpclient"
	"github.com/masworks/chorus/pkg/protocol"
)

// Ollama speaks the Ollama chat endpoint, whose responses carry the text
// under message.content instead of a choices array.
type Ollama struct {
	component.NopBehaviour
	opts Options
	http *httpclient.Client
}

func NewOllama(opts Options) *Ollama {
	opts.applyDefaults()
	return &Ollama{opts: opts, http: newHTTPClient(opts)}
}

// NewOllamaComponent wraps the behaviour in a registered LLM component.
func NewOllamaComponent(cfg component.Config, opts Options) *component.Component {
	cfg.Kind = protocol.KindLLM
	return component.New(cfg, NewOllama(opts))
}

func (o *Ollama) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
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

	body, err := postJSON(ctx, o.http, o.endpoint(), o.opts.APIKey, payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("llm error: %s", parsed.Error)
	}

	content := parsed.Message.Content
	if c.Settings().SendThink {
		emitThink(ctx, req, content)
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: content, Request: req}, nil
}

func (o *Ollama) endpoint() string {
	base := strings.TrimSuffix(o.opts.BaseURL, "/")
	if strings.HasSuffix(base, "/api/chat") {
		return base
	}
	return base + "/api/chat"
}
