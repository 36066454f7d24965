// Package mas assembles registered components into one runnable multi-agent
// space: phased initialisation, master resolution, the organisation tree,
// user dispatch and graceful shutdown. The MAS owns the component registry
// and is the runtime handle every request carries.
package mas

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/masworks/chorus/pkg/bus"
	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/config"
	"github.com/masworks/chorus/pkg/logger"
	"github.com/masworks/chorus/pkg/protocol"
	"github.com/masworks/chorus/pkg/registry"
	"github.com/masworks/chorus/pkg/retrieval"
	"github.com/masworks/chorus/pkg/store"
	"github.com/masworks/chorus/pkg/store/local"
)

// MAS is one multi-agent space. Build it with New, register components,
// call Init once, then dispatch through Chat/Call/Batch.
type MAS struct {
	name     string
	settings *config.Settings
	st       store.Store
	events   bus.Bus
	recall   retrieval.Service
	reg      *registry.Registry[*component.Component]
	log      *slog.Logger

	mu          sync.Mutex
	master      string
	initialized bool
	org         map[string]any
	orgIndex    map[string]map[string]any
}

// Option configures a MAS under construction.
type Option func(*MAS)

// WithName overrides the application name (defaults to settings.AppName).
func WithName(name string) Option {
	return func(m *MAS) { m.name = name }
}

// WithSettings supplies resolved settings instead of config.Default().
func WithSettings(s *config.Settings) Option {
	return func(m *MAS) { m.settings = s }
}

// WithStore supplies the persistence backend. Without it a local JSON store
// is opened under the cache directory.
func WithStore(st store.Store) Option {
	return func(m *MAS) { m.st = st }
}

// WithBus supplies the event channel (defaults to the in-memory bus).
func WithBus(b bus.Bus) Option {
	return func(m *MAS) { m.events = b }
}

// WithRetrieval enables vector tool recall. Init registers the meta tool
// and indexes every agent's permitted tools.
func WithRetrieval(svc retrieval.Service) Option {
	return func(m *MAS) { m.recall = svc }
}

// WithMaster names the entry agent explicitly.
func WithMaster(name string) Option {
	return func(m *MAS) { m.master = name }
}

func New(opts ...Option) (*MAS, error) {
	m := &MAS{
		reg: registry.New[*component.Component](),
		log: logger.Get(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.settings == nil {
		m.settings = config.Default()
	}
	if m.name == "" {
		m.name = m.settings.AppName
	}
	if m.st == nil {
		st, err := local.New(filepath.Join(m.settings.CacheDir, m.name))
		if err != nil {
			return nil, err
		}
		m.st = st
	}
	if m.events == nil {
		var busOpts []bus.Option
		if m.settings.MessageIsStored {
			busOpts = append(busOpts, bus.WithMessageStore(m.st))
		}
		m.events = bus.NewMemory(busOpts...)
	}
	return m, nil
}

// Register adds components before Init. Duplicate names are rejected.
func (m *MAS) Register(comps ...*component.Component) error {
	for _, c := range comps {
		c.Attach(m)
		if err := m.reg.Register(c.Name(), c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterMaster registers c and makes it the entry agent.
func (m *MAS) RegisterMaster(c *component.Component) error {
	if err := m.Register(c); err != nil {
		return err
	}
	m.mu.Lock()
	m.master = c.Name()
	m.mu.Unlock()
	return nil
}

// RegisterComponent is the init-phase expansion surface (MCP tool discovery,
// team clones). Unlike Register it initialises the component immediately.
func (m *MAS) RegisterComponent(c *component.Component) error {
	c.Attach(m)
	if err := m.reg.Register(c.Name(), c); err != nil {
		return err
	}
	return c.Init(context.Background())
}

// ReplaceComponent swaps a registered component during init-phase expansion.
func (m *MAS) ReplaceComponent(c *component.Component) error {
	c.Attach(m)
	if err := m.reg.Replace(c.Name(), c); err != nil {
		return err
	}
	return c.Init(context.Background())
}

// Init brings the space up: models and tools first (MCP discovery may append
// tool proxies), then agents and flows (team expansion may append clones).
// After Init the registry is closed to writes. Idempotent.
func (m *MAS) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if m.recall != nil && !m.reg.Has(protocol.RetrieveToolsName) {
		if err := m.Register(retrieval.NewRetrieveToolsComponent(m.recall)); err != nil {
			return err
		}
		m.settings.RetrievalEnabled = true
	}

	if err := m.initPhase(ctx, protocol.KindLLM, protocol.KindTool); err != nil {
		return err
	}
	m.expandGatewayPermissions()
	if err := m.initPhase(ctx, protocol.KindAgent, protocol.KindFlow); err != nil {
		return err
	}

	m.resolveMaster()
	if err := m.indexTools(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.org, m.orgIndex = m.buildOrganization()
	m.initialized = true
	m.mu.Unlock()
	m.reg.Freeze()

	m.log.Info("mas initialized",
		"app", m.name, "master", m.Master(), "components", m.reg.Count())
	return nil
}

func (m *MAS) initPhase(ctx context.Context, kinds ...protocol.Kind) error {
	want := map[protocol.Kind]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	// Snapshot before starting: Init callbacks may register new components,
	// and those are initialised at registration time.
	snapshot := m.reg.List()
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range snapshot {
		if !want[c.Kind()] {
			continue
		}
		c := c
		g.Go(func() error { return c.Init(ctx) })
	}
	return g.Wait()
}

// toolLister is implemented by gateway behaviours that discover their tool
// catalogue during init.
type toolLister interface {
	Tools() []string
}

// expandGatewayPermissions widens each agent's permitted set: listing a
// gateway grants the tools the gateway discovered.
func (m *MAS) expandGatewayPermissions() {
	for _, c := range m.reg.List() {
		if c.Kind() != protocol.KindAgent && c.Kind() != protocol.KindFlow {
			continue
		}
		permitted := c.PermittedCallees()
		for _, name := range permitted {
			gw, ok := m.reg.Get(name)
			if !ok {
				continue
			}
			if lister, ok := gw.Behaviour().(toolLister); ok {
				c.AddPermittedCallees(lister.Tools()...)
			}
		}
	}
}

// resolveMaster falls back to the first agent or flow in name order when no
// master was named.
func (m *MAS) resolveMaster() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.master != "" {
		return
	}
	for _, c := range m.reg.List() {
		if c.Kind() == protocol.KindAgent || c.Kind() == protocol.KindFlow {
			m.master = c.Name()
			return
		}
	}
}

// indexTools feeds each agent's permitted tool catalogue into the retrieval
// service so sourcing-mode recall can rank them.
func (m *MAS) indexTools(ctx context.Context) error {
	if m.recall == nil {
		return nil
	}
	for _, c := range m.reg.List() {
		if c.Kind() != protocol.KindAgent && c.Kind() != protocol.KindFlow {
			continue
		}
		for _, name := range c.PermittedCallees() {
			tool, ok := m.reg.Get(name)
			if !ok || tool.Kind() != protocol.KindTool || name == protocol.RetrieveToolsName {
				continue
			}
			if err := m.recall.Index(ctx, m.name, c.Name(), tool.Name(), tool.Desc()); err != nil {
				return fmt.Errorf("indexing tool %s for %s: %w", name, c.Name(), err)
			}
		}
	}
	return nil
}

// Master returns the resolved entry agent name.
func (m *MAS) Master() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.master
}

func (m *MAS) isInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// NodeStore exposes the node persistence surface to the pipeline.
func (m *MAS) NodeStore() store.NodeStore { return m.st }

// HistoryStore exposes the dialogue persistence surface to agents.
func (m *MAS) HistoryStore() store.HistoryStore { return m.st }

// Settings exposes the runtime configuration.
func (m *MAS) Settings() *config.Settings { return m.settings }

// AppName scopes requests to this space.
func (m *MAS) AppName() string { return m.name }

// Component resolves a registered name for the call protocol.
func (m *MAS) Component(name string) (protocol.Callee, bool) {
	c, ok := m.reg.Get(name)
	if !ok {
		return nil, false
	}
	return c, true
}

// ComponentNames lists every registered name, sorted.
func (m *MAS) ComponentNames() []string {
	return m.reg.Names()
}

// Publish puts an event on the trace's stream. Bus failures are logged and
// never fail the execution.
func (m *MAS) Publish(ctx context.Context, traceID string, event protocol.Event) {
	if err := m.events.Publish(ctx, traceID, event); err != nil {
		m.log.Warn("publishing event failed", "trace_id", traceID, "error", err)
	}
}

// PopEvent drains one pending event from a trace's stream.
func (m *MAS) PopEvent(ctx context.Context, traceID string) (protocol.Event, bool, error) {
	return m.events.Pop(ctx, traceID)
}

// Shutdown cleans every component (MCP sessions included), drops the event
// queues and closes the store. Individual cleanup failures are logged, not
// propagated, so one bad component never blocks teardown.
func (m *MAS) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.reg.List() {
		c := c
		g.Go(func() error {
			if err := c.Cleanup(gctx); err != nil {
				m.log.Warn("component cleanup failed", "component", c.Name(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return m.st.Close()
}
