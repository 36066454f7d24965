package agent

import (
	"context"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
)

// Chat is the plain conversational agent: system prompt, short memory,
// user query, one model call.
type Chat struct {
	base
}

func NewChat(cfg Config) *Chat {
	return &Chat{base: newBase(cfg)}
}

// NewChatComponent wraps the behaviour in a registered agent component.
func NewChatComponent(cfg component.Config, agentCfg Config) *component.Component {
	cfg.Kind = protocol.KindAgent
	return component.New(cfg, NewChat(agentCfg))
}

func (a *Chat) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	messages := []map[string]any{
		{"role": "system", "content": a.systemPrompt(c, req, a.toolsDescription(ctx, c, req))},
	}
	messages = append(messages, a.shortMemory(ctx, c, req)...)
	messages = append(messages, map[string]any{"role": "user", "content": req.Query()})

	out, err := a.callLLM(ctx, req, messages)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: out, Request: req}, nil
}
