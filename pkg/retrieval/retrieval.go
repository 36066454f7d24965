// Package retrieval provides semantic tool recall over an embedded vector
// store. The MAS indexes every registered tool's description at startup and
// agents in sourcing mode query it through the retrieve_tools meta tool.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
	"github.com/masworks/chorus/pkg/tools"
)

// Service answers "which tools fit this query" for one agent of one app.
type Service interface {
	// Index registers a tool description under (appName, agentName).
	Index(ctx context.Context, appName, agentName, toolName, desc string) error
	// Retrieve returns up to topK tool names ranked by similarity.
	Retrieve(ctx context.Context, query, appName, agentName string, topK int) ([]string, error)
}

// Chromem implements Service on an embedded chromem-go database, one
// collection per app with agent-scoped metadata filters.
type Chromem struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc

	mu   sync.Mutex
	docs map[string]int
}

type Option func(*Chromem)

// WithEmbeddingFunc overrides the embedding provider.
func WithEmbeddingFunc(fn chromem.EmbeddingFunc) Option {
	return func(c *Chromem) { c.embed = fn }
}

// WithOpenAIEmbedding embeds through an OpenAI-compatible endpoint.
func WithOpenAIEmbedding(baseURL, apiKey, model string) Option {
	normalized := true
	return func(c *Chromem) {
		c.embed = chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, &normalized)
	}
}

// WithOllamaEmbedding embeds through a local Ollama instance.
func WithOllamaEmbedding(model, baseURL string) Option {
	return func(c *Chromem) {
		c.embed = chromem.NewEmbeddingFuncOllama(model, baseURL)
	}
}

// New builds an in-memory retrieval service. Without an explicit embedding
// option the chromem default (OpenAI, OPENAI_API_KEY env) applies.
func New(opts ...Option) *Chromem {
	c := &Chromem{
		db:    chromem.NewDB(),
		embed: chromem.NewEmbeddingFuncDefault(),
		docs:  map[string]int{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewPersistent builds a disk-backed retrieval service under dir.
func NewPersistent(dir string, opts ...Option) (*Chromem, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	c := &Chromem{
		db:    db,
		embed: chromem.NewEmbeddingFuncDefault(),
		docs:  map[string]int{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Chromem) collection(appName string) (*chromem.Collection, error) {
	return c.db.GetOrCreateCollection(appName, nil, c.embed)
}

func (c *Chromem) Index(ctx context.Context, appName, agentName, toolName, desc string) error {
	coll, err := c.collection(appName)
	if err != nil {
		return err
	}
	err = coll.AddDocument(ctx, chromem.Document{
		ID:       agentName + "__" + toolName,
		Content:  desc,
		Metadata: map[string]string{"agent": agentName, "tool": toolName},
	})
	if err != nil {
		return fmt.Errorf("indexing tool %s: %w", toolName, err)
	}
	c.mu.Lock()
	c.docs[appName+"/"+agentName]++
	c.mu.Unlock()
	return nil
}

func (c *Chromem) Retrieve(ctx context.Context, query, appName, agentName string, topK int) ([]string, error) {
	coll, err := c.collection(appName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	indexed := c.docs[appName+"/"+agentName]
	c.mu.Unlock()
	if indexed == 0 {
		return nil, nil
	}
	if topK > indexed {
		topK = indexed
	}

	results, err := coll.Query(ctx, query, topK, map[string]string{"agent": agentName}, nil)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	names := make([]string, 0, len(results))
	for _, res := range results {
		if name := res.Metadata["tool"]; name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// NewRetrieveToolsComponent exposes svc as the retrieve_tools meta tool. The
// call protocol fills app_name, agent_name and top_k; callers provide the
// usage query.
func NewRetrieveToolsComponent(svc Service) *component.Component {
	return tools.NewOpenFunction(component.Config{
		Name: protocol.RetrieveToolsName,
		Desc: "Retrieve tools based on query and filter by app_name and agent_name",
		InputSchema: map[string]any{
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "The usage of tools"},
			},
			"required": []any{"query"},
		},
	}, func(ctx context.Context, req *protocol.Request) (any, error) {
		query := req.Query()
		appName, _ := req.Argument("app_name")
		agentName, _ := req.Argument("agent_name")
		topK := 10
		if v, ok := req.Argument("top_k"); ok {
			switch n := v.(type) {
			case int:
				topK = n
			case float64:
				topK = int(n)
			}
		}
		names, err := svc.Retrieve(ctx, query,
			strings.TrimSpace(fmt.Sprint(appName)),
			strings.TrimSpace(fmt.Sprint(agentName)), topK)
		if err != nil {
			return nil, err
		}
		return names, nil
	})
}
