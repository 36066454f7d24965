package mcp

import (
	"context"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
)

// NewSSEComponent builds a gateway over an SSE MCP endpoint.
func NewSSEComponent(cfg component.Config, sseURL string) *component.Component {
	cfg.Kind = protocol.KindTool
	g := NewGateway(func(ctx context.Context) (*mcpclient.Client, error) {
		c, err := mcpclient.NewSSEMCPClient(sseURL)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	})
	return component.New(cfg, g)
}
