package mcp

import (
	"context"
	"fmt"
	"sync"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/config"
	"github.com/masworks/chorus/pkg/protocol"
	"github.com/masworks/chorus/pkg/store"
	"github.com/masworks/chorus/pkg/store/local"
)

type mcpTestSystem struct {
	backing    *local.Local
	settings   *config.Settings
	mu         sync.Mutex
	components map[string]protocol.Callee
}

func newMCPTestSystem(t *testing.T) *mcpTestSystem {
	t.Helper()
	s, err := local.New(t.TempDir())
	require.NoError(t, err)
	return &mcpTestSystem{
		backing:    s,
		settings:   config.Default(),
		components: map[string]protocol.Callee{},
	}
}

func (s *mcpTestSystem) NodeStore() store.NodeStore { return s.backing }
func (s *mcpTestSystem) Settings() *config.Settings { return s.settings }
func (s *mcpTestSystem) AppName() string            { return "test_app" }

func (s *mcpTestSystem) Component(name string) (protocol.Callee, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[name]
	return c, ok
}

func (s *mcpTestSystem) Publish(ctx context.Context, traceID string, event protocol.Event) {}

func (s *mcpTestSystem) RegisterComponent(c *component.Component) error {
	s.mu.Lock()
	if _, exists := s.components[c.Name()]; exists {
		s.mu.Unlock()
		return fmt.Errorf("component %s already registered", c.Name())
	}
	c.Attach(s)
	s.components[c.Name()] = c
	s.mu.Unlock()
	return c.Init(context.Background())
}

func newTestServer() *server.MCPServer {
	srv := server.NewMCPServer("test-server", "1.0.0")
	srv.AddTool(
		mcpgo.NewTool("echo",
			mcpgo.WithDescription("Echo the given text"),
			mcpgo.WithString("text", mcpgo.Required()),
		),
		func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			text, _ := req.GetArguments()["text"].(string)
			return mcpgo.NewToolResultText("echo: " + text), nil
		},
	)
	srv.AddTool(
		mcpgo.NewTool("multi", mcpgo.WithDescription("Return two parts")),
		func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return &mcpgo.CallToolResult{Content: []mcpgo.Content{
				mcpgo.NewTextContent("part one"),
				mcpgo.NewTextContent(" part two "),
			}}, nil
		},
	)
	return srv
}

func newTestGateway(t *testing.T, sys *mcpTestSystem) *component.Component {
	t.Helper()
	srv := newTestServer()
	g := NewGateway(func(ctx context.Context) (*mcpclient.Client, error) {
		c, err := mcpclient.NewInProcessClient(srv)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	})
	gw := component.New(component.Config{Name: "mcp_test", Kind: protocol.KindTool}, g)
	require.NoError(t, sys.RegisterComponent(gw))
	return gw
}

func TestGatewayDiscoversAndRegistersTools(t *testing.T) {
	sys := newMCPTestSystem(t)
	gw := newTestGateway(t, sys)

	g := gw.Behaviour().(*Gateway)
	assert.ElementsMatch(t, []string{"echo", "multi"}, g.Tools())

	echo, ok := sys.Component("echo")
	require.True(t, ok)
	assert.Equal(t, "Echo the given text", echo.Desc())
	assert.True(t, echo.PermissionRequired())
}

func TestProxyExecutesRemoteTool(t *testing.T) {
	sys := newMCPTestSystem(t)
	newTestGateway(t, sys)

	req := protocol.NewRequest(sys)
	resp, err := req.Call(context.Background(), protocol.CallOptions{
		Callee:    "echo",
		Arguments: map[string]any{"text": "hi"},
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.StateCompleted, resp.State)
	assert.Equal(t, "echo: hi", resp.OutputString())
}

func TestProxyMultiContentBecomesList(t *testing.T) {
	sys := newMCPTestSystem(t)
	newTestGateway(t, sys)

	req := protocol.NewRequest(sys)
	resp, err := req.Call(context.Background(), protocol.CallOptions{Callee: "multi"})
	require.NoError(t, err)

	require.Equal(t, protocol.StateCompleted, resp.State)
	assert.Equal(t, []string{"part one", "part two"}, resp.Output)
}

func TestCleanupIsIdempotent(t *testing.T) {
	sys := newMCPTestSystem(t)
	gw := newTestGateway(t, sys)
	g := gw.Behaviour().(*Gateway)

	ctx := context.Background()
	g.Cleanup(ctx, gw)
	g.Cleanup(ctx, gw)

	_, err := g.callTool(ctx, "echo", map[string]any{"text": "x"})
	assert.Error(t, err)
}

func TestPrepareArgsValidatesToolFile(t *testing.T) {
	err := prepareArgs([]string{"--directory", t.TempDir(), "run", "missing.py"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestPrepareArgsCreatesFilesystemDir(t *testing.T) {
	target := t.TempDir() + "/workdir"
	require.NoError(t, prepareArgs([]string{"-y", "@modelcontextprotocol/server-filesystem", target}))
	assert.DirExists(t, target)
}
