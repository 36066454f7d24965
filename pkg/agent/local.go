// Package agent implements the orchestrating components: the chat agent,
// the ReAct loop, parallel fan-out and user-defined workflows. Agents call
// their subordinate components through the envelope's nested-call protocol
// and never touch other components' state directly.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
	"github.com/masworks/chorus/pkg/store"
)

const (
	DefaultShortMemorySize = 10
	DefaultMaxReactRounds  = 16
	DefaultMemoryMaxTokens = 24800
	DefaultWeightShort     = 5
	DefaultWeightReact     = 1
)

// historyReader is the richer runtime surface agents need beyond the
// pipeline's view.
type historyReader interface {
	HistoryStore() store.HistoryStore
}

// Config carries the agent-specific knobs on top of the component config.
type Config struct {
	// LLMModel names the registered model component this agent reasons with.
	LLMModel string

	// Prompt is the system prompt; ${name} spans are substituted from the
	// request arguments and shared data.
	Prompt           string
	AdditionalPrompt string

	ShortMemorySize int
	// IsRetainMasterShortMemory reads the user__master session instead of
	// the agent's own when loading conversational context.
	IsRetainMasterShortMemory bool

	// Retrieval behaviour for the tool catalogue.
	IsRetrievalSourcing       bool
	IsRetainSubagentInToolset bool

	TrustMode      bool
	MaxReactRounds *int

	// Weighted memory assembly.
	IsDiscardReactMemory bool
	MemoryMaxTokens      int
	WeightShort          int
	WeightReact          int

	TeamSize int

	// Workflow function for workflow agents.
	Workflow func(ctx context.Context, req *protocol.Request) (any, error)
}

func (cfg *Config) applyDefaults() {
	if cfg.ShortMemorySize <= 0 {
		cfg.ShortMemorySize = DefaultShortMemorySize
	}
	if cfg.MaxReactRounds == nil {
		rounds := DefaultMaxReactRounds
		cfg.MaxReactRounds = &rounds
	}
	if cfg.MemoryMaxTokens <= 0 {
		cfg.MemoryMaxTokens = DefaultMemoryMaxTokens
	}
	if cfg.WeightShort <= 0 {
		cfg.WeightShort = DefaultWeightShort
	}
	if cfg.WeightReact <= 0 {
		cfg.WeightReact = DefaultWeightReact
	}
}

// base is the shared state of every local agent behaviour.
type base struct {
	component.NopBehaviour
	cfg Config
}

func newBase(cfg Config) base {
	cfg.applyDefaults()
	return base{cfg: cfg}
}

// callLLM routes one conversation to the agent's model component and
// returns the assistant text.
func (b *base) callLLM(ctx context.Context, req *protocol.Request, messages []map[string]any) (string, error) {
	resp, err := req.Call(ctx, protocol.CallOptions{
		Callee:    b.cfg.LLMModel,
		Arguments: map[string]any{"messages": messages},
	})
	if err != nil {
		return "", err
	}
	if resp.State != protocol.StateCompleted {
		return "", fmt.Errorf("%s", resp.OutputString())
	}
	return resp.OutputString(), nil
}

// systemPrompt renders the agent prompt with the tool catalogue and
// substitutes ${name} spans from the envelope.
func (b *base) systemPrompt(c *component.Component, req *protocol.Request, toolsDescription string) string {
	prompt := b.cfg.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}
	prompt = strings.ReplaceAll(prompt, "${tools_description}", toolsDescription)
	prompt = expandTemplate(prompt, req)
	if b.cfg.AdditionalPrompt != "" {
		prompt += "\n" + b.cfg.AdditionalPrompt
	}
	return prompt
}

// expandTemplate substitutes ${name} from arguments first, then shared
// data. Unknown names stay verbatim.
func expandTemplate(prompt string, req *protocol.Request) string {
	return templatePattern.ReplaceAllStringFunc(prompt, func(span string) string {
		name := span[2 : len(span)-1]
		if v, ok := req.Argument(name); ok {
			return protocol.ToJSONString(v)
		}
		if v, ok := req.Shared(name); ok {
			return protocol.ToJSONString(v)
		}
		return span
	})
}

// shortMemory loads the last dialogue turns for this session, restricted to
// the request's ancestor traces, as alternating user/assistant messages.
func (b *base) shortMemory(ctx context.Context, c *component.Component, req *protocol.Request) []map[string]any {
	hr, ok := c.System().(historyReader)
	if !ok {
		return nil
	}
	session := req.SessionName()
	if b.cfg.IsRetainMasterShortMemory && len(req.CallStack) >= 2 {
		// First two stack frames are the user boundary and the entry agent.
		session = req.CallStack[0] + "__" + req.CallStack[1]
	}

	recs, err := hr.HistoryStore().ListHistory(ctx, session, req.RootTraceIDs, b.cfg.ShortMemorySize)
	if err != nil {
		return nil
	}
	// Newest-first from the store; the conversation reads oldest-first.
	out := make([]map[string]any, 0, len(recs)*2)
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out,
			map[string]any{"role": "user", "content": recs[i].Query},
			map[string]any{"role": "assistant", "content": recs[i].Answer},
		)
	}
	return out
}

// toolsDescription assembles the catalogue injected into the system prompt.
func (b *base) toolsDescription(ctx context.Context, c *component.Component, req *protocol.Request) string {
	permitted := c.PermittedCallees()
	retrievalReady := b.retrievalReady(c, req)

	var subagents, plain []string
	for _, name := range permitted {
		if name == protocol.RetrieveToolsName {
			continue
		}
		callee, ok := req.Runtime().Component(name)
		if !ok {
			continue
		}
		if callee.Kind() == protocol.KindAgent || callee.Kind() == protocol.KindFlow {
			subagents = append(subagents, callee.DescForLLM())
		} else {
			plain = append(plain, callee.DescForLLM())
		}
	}

	var parts []string
	if b.cfg.IsRetainSubagentInToolset {
		parts = append(parts, subagents...)
	} else if !retrievalReady {
		parts = append(parts, subagents...)
	}

	switch {
	case !retrievalReady:
		parts = append(parts, plain...)
	case b.cfg.IsRetrievalSourcing:
		if recall, ok := req.Runtime().Component(protocol.RetrieveToolsName); ok {
			parts = append(parts, recall.DescForLLM())
		}
	case len(plain) <= c.TopKTools():
		parts = append(parts, plain...)
	default:
		resp, err := req.Call(ctx, protocol.CallOptions{
			Callee:    protocol.RetrieveToolsName,
			Arguments: map[string]any{"query": req.Query()},
		})
		if err == nil && resp.State == protocol.StateCompleted {
			parts = append(parts, resp.OutputString())
		} else {
			parts = append(parts, plain...)
		}
	}
	return strings.Join(parts, "\n")
}

func (b *base) retrievalReady(c *component.Component, req *protocol.Request) bool {
	if !c.Settings().RetrievalEnabled {
		return false
	}
	_, ok := req.Runtime().Component(protocol.RetrieveToolsName)
	return ok
}

func (b *base) maxReactRounds() int {
	return *b.cfg.MaxReactRounds
}
