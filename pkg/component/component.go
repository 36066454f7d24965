// Package component implements the execution pipeline every registered unit
// runs through: semaphore, routing bookkeeping, input hashing, restart
// interception, persistence, retry/timeout handling and event emission. The
// component kinds differ only in their Behaviour; the pipeline is shared.
package component

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/masworks/chorus/pkg/config"
	"github.com/masworks/chorus/pkg/logger"
	"github.com/masworks/chorus/pkg/protocol"
	"github.com/masworks/chorus/pkg/store"
)

// Behaviour supplies the kind-specific semantics behind the shared pipeline.
type Behaviour interface {
	Init(ctx context.Context, c *Component) error
	Execute(ctx context.Context, c *Component, req *protocol.Request) (*protocol.Response, error)
	Cleanup(ctx context.Context, c *Component) error
}

// NopBehaviour provides no-op Init and Cleanup for behaviours that only
// need Execute.
type NopBehaviour struct{}

func (NopBehaviour) Init(ctx context.Context, c *Component) error    { return nil }
func (NopBehaviour) Cleanup(ctx context.Context, c *Component) error { return nil }

// preExecutor is the optional stage-9 hook a behaviour can provide for
// kind-specific preparation before the retry loop.
type preExecutor interface {
	BeforeExecute(ctx context.Context, c *Component, req *protocol.Request) error
}

// System is the slice of the owning runtime the pipeline depends on.
type System interface {
	NodeStore() store.NodeStore
	Settings() *config.Settings
}

// Component is one registered executable unit.
type Component struct {
	cfg       Config
	behaviour Behaviour
	sys       System

	sem    *semaphore.Weighted
	schema *jsonschema.Schema
	tracer trace.Tracer
	log    *slog.Logger

	initMu      sync.Mutex
	initialized bool
}

// New builds a component from cfg and its behaviour, applying kind defaults.
func New(cfg Config, behaviour Behaviour) *Component {
	cfg.applyDefaults()
	return &Component{
		cfg:       cfg,
		behaviour: behaviour,
		sem:       semaphore.NewWeighted(int64(cfg.SemaphoreLimit)),
		tracer:    otel.Tracer("chorus/component"),
		log:       logger.Get(),
	}
}

// Attach binds the component to its owning runtime. Called once during
// registration, before Init.
func (c *Component) Attach(sys System) {
	c.sys = sys
}

func (c *Component) Name() string              { return c.cfg.Name }
func (c *Component) Kind() protocol.Kind       { return c.cfg.Kind }
func (c *Component) Desc() string              { return c.cfg.Desc }
func (c *Component) DescForLLM() string        { return c.cfg.DescForLLM }
func (c *Component) Timeout() time.Duration    { return c.cfg.Timeout }
func (c *Component) PermissionRequired() bool  { return c.cfg.IsPermissionRequired }
func (c *Component) TopKTools() int            { return c.cfg.TopKTools }
func (c *Component) Config() Config            { return c.cfg }
func (c *Component) Behaviour() Behaviour      { return c.behaviour }
func (c *Component) InputSchema() map[string]any { return c.cfg.InputSchema }

// PermittedCallees is the union of the configured and extra permitted sets.
func (c *Component) PermittedCallees() []string {
	out := make([]string, 0, len(c.cfg.PermittedCallees)+len(c.cfg.ExtraPermittedCallees))
	out = append(out, c.cfg.PermittedCallees...)
	out = append(out, c.cfg.ExtraPermittedCallees...)
	return out
}

// AddPermittedCallees extends the permitted set during startup wiring.
func (c *Component) AddPermittedCallees(names ...string) {
	c.cfg.ExtraPermittedCallees = append(c.cfg.ExtraPermittedCallees, names...)
}

// System exposes the attached runtime so behaviours can reach richer
// surfaces (history store, registry) through type assertion.
func (c *Component) System() System {
	return c.sys
}

// Settings exposes the runtime settings to behaviours.
func (c *Component) Settings() *config.Settings {
	if c.sys == nil {
		return config.Default()
	}
	return c.sys.Settings()
}

// Init runs the behaviour's one-shot initialisation. Idempotent: repeat
// calls return the first outcome without re-running.
func (c *Component) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initialized {
		return nil
	}
	if len(c.cfg.InputSchema) > 0 {
		schema, err := compileSchema(c.cfg.Name, c.cfg.InputSchema)
		if err != nil {
			return fmt.Errorf("compiling input schema for %s: %w", c.cfg.Name, err)
		}
		c.schema = schema
	}
	if err := c.behaviour.Init(ctx, c); err != nil {
		return fmt.Errorf("initialising %s: %w", c.cfg.Name, err)
	}
	c.initialized = true
	return nil
}

// Cleanup releases behaviour resources on shutdown.
func (c *Component) Cleanup(ctx context.Context) error {
	return c.behaviour.Cleanup(ctx, c)
}

func compileSchema(name string, props map[string]any) (*jsonschema.Schema, error) {
	doc := map[string]any{"type": "object"}
	for k, v := range props {
		doc[k] = v
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", jsonDoc(doc)); err != nil {
		return nil, err
	}
	return compiler.Compile(name + ".json")
}
