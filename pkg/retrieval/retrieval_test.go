package retrieval

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/config"
	"github.com/masworks/chorus/pkg/protocol"
	"github.com/masworks/chorus/pkg/store"
	"github.com/masworks/chorus/pkg/store/local"
	"github.com/masworks/chorus/pkg/tools"
)

// bagEmbedding is a deterministic offline embedding over a tiny vocabulary.
func bagEmbedding() chromem.EmbeddingFunc {
	vocab := []string{"weather", "mail", "music", "tool"}
	return func(ctx context.Context, text string) ([]float32, error) {
		v := make([]float32, len(vocab))
		lower := strings.ToLower(text)
		for i, word := range vocab {
			if strings.Contains(lower, word) {
				v[i] = 1
			}
		}
		v[len(vocab)-1] += 0.1
		var norm float64
		for _, x := range v {
			norm += float64(x * x)
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
		return v, nil
	}
}

func newService(t *testing.T) *Chromem {
	t.Helper()
	return New(WithEmbeddingFunc(bagEmbedding()))
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	require.NoError(t, svc.Index(ctx, "app", "a1", "get_weather", "Look up the weather forecast for a city"))
	require.NoError(t, svc.Index(ctx, "app", "a1", "send_mail", "Send a mail message to a recipient"))
	require.NoError(t, svc.Index(ctx, "app", "a1", "play_music", "Play music from the library"))

	names, err := svc.Retrieve(ctx, "what is the weather like", "app", "a1", 2)
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, "get_weather", names[0])
}

func TestRetrieveIsolatesAgents(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	require.NoError(t, svc.Index(ctx, "app", "a1", "get_weather", "Look up the weather forecast"))
	require.NoError(t, svc.Index(ctx, "app", "a2", "send_mail", "Send a mail message"))

	names, err := svc.Retrieve(ctx, "weather", "app", "a1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"get_weather"}, names)

	names, err = svc.Retrieve(ctx, "weather", "app", "a3", 10)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRetrieveClampsTopK(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	require.NoError(t, svc.Index(ctx, "app", "a1", "get_weather", "weather forecast"))

	names, err := svc.Retrieve(ctx, "weather", "app", "a1", 10)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

// retrievalTestSystem wires the meta tool into the call protocol.
type retrievalTestSystem struct {
	backing    *local.Local
	settings   *config.Settings
	mu         sync.Mutex
	components map[string]protocol.Callee
}

func (s *retrievalTestSystem) NodeStore() store.NodeStore { return s.backing }
func (s *retrievalTestSystem) Settings() *config.Settings { return s.settings }
func (s *retrievalTestSystem) AppName() string            { return "app" }

func (s *retrievalTestSystem) Component(name string) (protocol.Callee, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[name]
	return c, ok
}

func (s *retrievalTestSystem) Publish(ctx context.Context, traceID string, event protocol.Event) {}

func TestRetrieveToolsMetaToolExpandsDescriptions(t *testing.T) {
	ctx := context.Background()
	backing, err := local.New(t.TempDir())
	require.NoError(t, err)
	sys := &retrievalTestSystem{
		backing:    backing,
		settings:   config.Default(),
		components: map[string]protocol.Callee{},
	}

	svc := newService(t)
	require.NoError(t, svc.Index(ctx, "app", "planner", "get_weather", "Look up the weather forecast"))

	register := func(c *component.Component) {
		c.Attach(sys)
		sys.components[c.Name()] = c
		require.NoError(t, c.Init(ctx))
	}
	register(NewRetrieveToolsComponent(svc))
	register(tools.NewOpenFunction(
		component.Config{Name: "get_weather", Desc: "Look up the weather forecast"},
		func(ctx context.Context, req *protocol.Request) (any, error) { return "sunny", nil }))

	req := protocol.NewRequest(sys)
	req.Callee = "planner"
	req.CalleeCategory = string(protocol.KindAgent)

	resp, err := req.Call(ctx, protocol.CallOptions{
		Callee:    protocol.RetrieveToolsName,
		Arguments: map[string]any{"query": "weather tools"},
	})
	require.NoError(t, err)

	require.Equal(t, protocol.StateCompleted, resp.State)
	assert.Equal(t, "get_weather: Look up the weather forecast", resp.OutputString())
}
