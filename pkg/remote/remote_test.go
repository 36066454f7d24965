package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/config"
	"github.com/masworks/chorus/pkg/protocol"
	"github.com/masworks/chorus/pkg/store"
	"github.com/masworks/chorus/pkg/store/local"
)

type remoteTestSystem struct {
	backing    *local.Local
	settings   *config.Settings
	mu         sync.Mutex
	components map[string]protocol.Callee
	events     []protocol.Event
}

func newRemoteTestSystem(t *testing.T) *remoteTestSystem {
	t.Helper()
	s, err := local.New(t.TempDir())
	require.NoError(t, err)
	return &remoteTestSystem{
		backing:    s,
		settings:   config.Default(),
		components: map[string]protocol.Callee{},
	}
}

func (s *remoteTestSystem) NodeStore() store.NodeStore { return s.backing }
func (s *remoteTestSystem) Settings() *config.Settings { return s.settings }
func (s *remoteTestSystem) AppName() string            { return "test_app" }

func (s *remoteTestSystem) Component(name string) (protocol.Callee, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[name]
	return c, ok
}

func (s *remoteTestSystem) Publish(ctx context.Context, traceID string, event protocol.Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *remoteTestSystem) eventsOfType(et protocol.EventType) []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Event
	for _, e := range s.events {
		if e.Type == et {
			out = append(out, e)
		}
	}
	return out
}

// newPeer serves an organisation endpoint and a scripted SSE chat stream,
// capturing the payload of the last chat request.
func newPeer(t *testing.T, frames []string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_organization":
			fmt.Fprint(w, `{"data":{"organization":{"children":[{"name":"peer_master","children":[{"name":"peer_tool"}]}]}}}`)
		case "/sse/chat":
			body, _ := io.ReadAll(r.Body)
			var payload map[string]any
			if err := json.Unmarshal(body, &payload); err == nil {
				captured = payload
			}

			w.Header().Set("Content-Type", "text/event-stream")
			for _, frame := range frames {
				fmt.Fprintf(w, "data: %s\n\n", frame)
			}
			fmt.Fprint(w, "data: done\n\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func registerProxy(t *testing.T, sys *remoteTestSystem, srv *httptest.Server, remoteCfg Config) *component.Component {
	t.Helper()
	remoteCfg.ServerURL = srv.URL
	remoteCfg.HTTPClient = srv.Client()
	proxy := NewSSEComponent(component.Config{Name: "peer_proxy"}, remoteCfg)
	proxy.Attach(sys)
	sys.mu.Lock()
	sys.components["peer_proxy"] = proxy
	sys.mu.Unlock()
	require.NoError(t, proxy.Init(context.Background()))
	return proxy
}

func TestExecuteReturnsLastAnswer(t *testing.T) {
	frames := []string{
		`{"type":"answer","content":"first"}`,
		`{"type":"answer","content":"final answer"}`,
	}
	srv, _ := newPeer(t, frames)
	sys := newRemoteTestSystem(t)
	proxy := registerProxy(t, sys, srv, Config{})

	req := protocol.NewRequest(sys)
	req.SetQuery("hello peer")
	resp, err := proxy.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, protocol.StateCompleted, resp.State)
	assert.Equal(t, "final answer", resp.OutputString())
}

func TestExecuteFiltersUserBoundaryFrames(t *testing.T) {
	frames := []string{
		`{"type":"tool_call","content":{"caller_category":"user","callee_category":"agent","marker":"boundary"}}`,
		`{"type":"tool_call","content":{"caller":"peer_agent","caller_category":"agent","callee_category":"tool","call_stack":["user","peer_master","peer_agent","peer_tool"]}}`,
		`{"type":"think","content":"peer pondering"}`,
		`{"type":"answer","content":"ok"}`,
	}
	srv, _ := newPeer(t, frames)
	sys := newRemoteTestSystem(t)
	proxy := registerProxy(t, sys, srv, Config{})

	req := protocol.NewRequest(sys)
	req.SetQuery("q")
	_, err := proxy.Execute(context.Background(), req)
	require.NoError(t, err)

	thinks := sys.eventsOfType(protocol.EventThink)
	require.Len(t, thinks, 1)
	assert.Equal(t, "peer pondering", thinks[0].Content)

	var sawRelayed bool
	for _, e := range sys.eventsOfType(protocol.EventToolCall) {
		content, ok := e.Content.(map[string]any)
		if !ok {
			continue
		}
		assert.NotEqual(t, "boundary", content["marker"])
		if content["caller"] == "peer_agent" {
			sawRelayed = true
		}
	}
	assert.True(t, sawRelayed)
}

func TestSharedCallStackPayload(t *testing.T) {
	srv, captured := newPeer(t, []string{`{"type":"answer","content":"ok"}`})
	sys := newRemoteTestSystem(t)
	proxy := registerProxy(t, sys, srv, Config{})

	req := protocol.NewRequest(sys)
	req.SetQuery("shared stack")
	_, err := proxy.Execute(context.Background(), req)
	require.NoError(t, err)

	payload := *captured
	require.NotNil(t, payload)
	assert.Equal(t, "user", payload["caller_category"])
	assert.Equal(t, "shared stack", payload["query"])

	// The proxy's own frame is stripped before sharing.
	stack, ok := payload["call_stack"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"user"}, stack)
}

func TestUnsharedCallStackPayload(t *testing.T) {
	srv, captured := newPeer(t, []string{`{"type":"answer","content":"ok"}`})
	sys := newRemoteTestSystem(t)
	proxy := registerProxy(t, sys, srv, Config{NoShareCallStack: true})

	req := protocol.NewRequest(sys)
	req.SetQuery("fresh")
	_, err := proxy.Execute(context.Background(), req)
	require.NoError(t, err)

	payload := *captured
	require.NotNil(t, payload)
	assert.Equal(t, "user", payload["caller"])
	_, hasStack := payload["call_stack"]
	assert.False(t, hasStack)
}

func TestOrganizationMarkedRemote(t *testing.T) {
	srv, _ := newPeer(t, nil)
	sys := newRemoteTestSystem(t)
	proxy := registerProxy(t, sys, srv, Config{})

	agent := proxy.Behaviour().(*SSEAgent)
	children := agent.Organization()
	require.Len(t, children, 1)

	root := children[0].(map[string]any)
	assert.Equal(t, "peer_master", root["name"])
	assert.Equal(t, true, root["is_remote"])

	sub := root["children"].([]any)[0].(map[string]any)
	assert.Equal(t, true, sub["is_remote"])
}

func TestInitRejectsBadURL(t *testing.T) {
	proxy := NewSSEComponent(component.Config{Name: "bad"}, Config{ServerURL: "ftp://nope"})
	sys := newRemoteTestSystem(t)
	proxy.Attach(sys)
	err := proxy.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_url must start with http")
}
