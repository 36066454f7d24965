// Package mcp connects the runtime to Model Context Protocol servers. A
// gateway component owns one server session; tool discovery during Init
// registers a proxy component per remote tool, so agents call MCP tools
// exactly like local ones.
package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
)

// registrar is the startup-phase registration surface for discovered tools.
type registrar interface {
	RegisterComponent(c *component.Component) error
}

// Gateway is the shared MCP client behaviour: connect, handshake, discover
// tools and proxy their execution over the session.
type Gateway struct {
	component.NopBehaviour
	connect func(ctx context.Context) (*mcpclient.Client, error)

	mu      sync.Mutex
	session *mcpclient.Client
	tools   []string
}

// NewGateway builds a gateway over a custom transport. The stdio and SSE
// constructors cover the common cases.
func NewGateway(connect func(ctx context.Context) (*mcpclient.Client, error)) *Gateway {
	return &Gateway{connect: connect}
}

// Tools lists the names discovered from the server.
func (g *Gateway) Tools() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.tools...)
}

func (g *Gateway) Init(ctx context.Context, c *component.Component) error {
	session, err := g.connect(ctx)
	if err != nil {
		return fmt.Errorf("server %s error: %w", c.Name(), err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "chorus", Version: "1.0.0"}
	if _, err := session.Initialize(ctx, initReq); err != nil {
		session.Close()
		return fmt.Errorf("server %s error: %w", c.Name(), err)
	}

	g.mu.Lock()
	g.session = session
	g.mu.Unlock()

	if err := g.discoverTools(ctx, c); err != nil {
		g.Cleanup(ctx, c)
		return fmt.Errorf("server %s error: %w", c.Name(), err)
	}
	return nil
}

// discoverTools registers a proxy component per server tool. Without a
// registrar in the system the names are still recorded for diagnostics.
func (g *Gateway) discoverTools(ctx context.Context, c *component.Component) error {
	res, err := g.session.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return err
	}

	reg, canRegister := c.System().(registrar)
	for _, tool := range res.Tools {
		g.mu.Lock()
		g.tools = append(g.tools, tool.Name)
		g.mu.Unlock()

		if !canRegister {
			continue
		}
		proxy := component.New(component.Config{
			Name:                 tool.Name,
			Desc:                 tool.Description,
			Kind:                 protocol.KindTool,
			IsPermissionRequired: true,
			InputSchema:          convertInputSchema(tool.InputSchema),
		}, &toolProxy{gateway: g})
		if err := reg.RegisterComponent(proxy); err != nil {
			return err
		}
	}
	return nil
}

// Execute forwards the callee name to the server, mirroring the proxy path
// when the gateway itself is invoked as a tool.
func (g *Gateway) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	out, err := g.callTool(ctx, req.Callee, req.Arguments)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: out, Request: req}, nil
}

func (g *Gateway) callTool(ctx context.Context, name string, args map[string]any) (any, error) {
	g.mu.Lock()
	session := g.session
	g.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("server not initialized for tool %s", name)
	}

	callReq := mcpgo.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = args
	res, err := session.CallTool(ctx, callReq)
	if err != nil {
		return nil, err
	}

	var texts []string
	for _, content := range res.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			texts = append(texts, strings.TrimSpace(tc.Text))
		}
	}
	if len(texts) == 1 {
		return texts[0], nil
	}
	return texts, nil
}

// Cleanup closes the session. Safe to call repeatedly; close errors are
// swallowed so shutdown never cascades.
func (g *Gateway) Cleanup(ctx context.Context, c *component.Component) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != nil {
		_ = g.session.Close()
		g.session = nil
	}
	return nil
}

// toolProxy is the per-tool component behaviour delegating to the gateway.
type toolProxy struct {
	component.NopBehaviour
	gateway *Gateway
}

func (p *toolProxy) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	out, err := p.gateway.callTool(ctx, req.Callee, req.Arguments)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: out, Request: req}, nil
}

func convertInputSchema(schema mcpgo.ToolInputSchema) map[string]any {
	out := map[string]any{}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		required := make([]any, 0, len(schema.Required))
		for _, name := range schema.Required {
			required = append(required, name)
		}
		out["required"] = required
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
