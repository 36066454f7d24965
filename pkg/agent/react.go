package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
)

// ReAct runs the reason/act loop: ask the model, parse its reply, fan out
// tool calls, feed observations back, until it answers or the round budget
// runs out.
type ReAct struct {
	base
	reflexion ReflexionFunc
}

// NewReAct builds the behaviour. A nil reflexion keeps the default
// empty-response check.
func NewReAct(cfg Config, reflexion ReflexionFunc) *ReAct {
	return &ReAct{base: newBase(cfg), reflexion: reflexion}
}

// NewReActComponent wraps the behaviour in a registered agent component.
func NewReActComponent(cfg component.Config, agentCfg Config) *component.Component {
	cfg.Kind = protocol.KindAgent
	return component.New(cfg, NewReAct(agentCfg, nil))
}

// registrar is the startup-phase surface for team expansion.
type registrar interface {
	RegisterComponent(c *component.Component) error
	ReplaceComponent(c *component.Component) error
}

// Init expands team mode: the agent clones itself TeamSize times and swaps
// its own registration for a parallel aggregator over the clones.
func (r *ReAct) Init(ctx context.Context, c *component.Component) error {
	if r.cfg.TeamSize <= 1 {
		return nil
	}
	reg, ok := c.System().(registrar)
	if !ok {
		return nil
	}

	memberCfg := r.cfg
	memberCfg.TeamSize = 0
	names := make([]string, 0, r.cfg.TeamSize)
	for i := 0; i < r.cfg.TeamSize; i++ {
		cloneCfg := c.Config()
		cloneCfg.Name = fmt.Sprintf("%s_%d", c.Name(), i)
		clone := component.New(cloneCfg, NewReAct(memberCfg, r.reflexion))
		if err := reg.RegisterComponent(clone); err != nil {
			return fmt.Errorf("registering team member %s: %w", cloneCfg.Name, err)
		}
		names = append(names, cloneCfg.Name)
	}

	aggCfg := c.Config()
	aggCfg.PermittedCallees = names
	aggCfg.ExtraPermittedCallees = nil
	aggregator := component.New(aggCfg, NewParallel(Config{LLMModel: r.cfg.LLMModel}))
	return reg.ReplaceComponent(aggregator)
}

func (r *ReAct) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	toolsDesc := r.toolsDescription(ctx, c, req)
	messages := r.buildMessages(ctx, c, req, toolsDesc)

	var reactMemory []map[string]any
	var allObservations []string

	for round := 0; round < r.maxReactRounds(); round++ {
		raw, err := r.callLLM(ctx, req, append(messages, reactMemory...))
		if err != nil {
			return nil, err
		}

		result := parseResponse(raw, r.reflexion, req)
		switch result.state {
		case parseAnswer:
			resp := &protocol.Response{State: protocol.StateCompleted, Output: result.answer, Request: req}
			resp.SetExtra("react_memory", reactMemory)
			return resp, nil

		case parseError:
			reactMemory = append(reactMemory,
				map[string]any{"role": "assistant", "content": raw},
				map[string]any{"role": "user", "content": result.coaching},
			)

		case parseToolCall:
			obs, trusted, trustedOutput, err := r.act(ctx, req, result.toolCalls)
			if err != nil {
				return nil, err
			}
			allObservations = append(allObservations, obs.String())
			reactMemory = append(reactMemory,
				map[string]any{"role": "assistant", "content": raw},
				map[string]any{"role": "user", "content": obs.ToContent()},
			)
			if trusted {
				resp := &protocol.Response{State: protocol.StateCompleted, Output: trustedOutput, Request: req}
				resp.SetExtra("react_memory", reactMemory)
				return resp, nil
			}
		}
	}

	return r.fallbackSummarize(ctx, req, reactMemory, allObservations)
}

// act runs one fan-out round. Multiple calls share a parallel id so their
// node records form one group.
func (r *ReAct) act(ctx context.Context, req *protocol.Request, calls []map[string]any) (*protocol.Observation, bool, any, error) {
	parallelID := ""
	if len(calls) > 1 {
		parallelID = protocol.NewShortID()
	}

	results := make([]protocol.ExecResult, len(calls))
	trustFlags := make([]bool, len(calls))
	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	for i, call := range calls {
		toolName, _ := call["tool_name"].(string)
		var args map[string]any
		if m, ok := call["arguments"].(map[string]any); ok {
			args = m
		}
		trustFlags[i] = r.cfg.TrustMode || truthy(call["trust_mode"])

		wg.Add(1)
		go func(i int, toolName string, args map[string]any) {
			defer wg.Done()
			resp, err := req.Call(ctx, protocol.CallOptions{
				Callee:     toolName,
				Arguments:  args,
				ParallelID: parallelID,
			})
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return
			}
			results[i] = protocol.ExecResult{Executor: toolName, Response: resp}
		}(i, toolName, args)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, false, nil, firstErr
	}

	obs := &protocol.Observation{}
	for i, res := range results {
		obs.Add(res)
		if trustFlags[i] && res.Response != nil && res.Response.State == protocol.StateCompleted {
			return obs, true, res.Response.Output, nil
		}
	}
	return obs, false, nil, nil
}

// buildMessages assembles system prompt, conversational context and the
// current query. With react-memory retention enabled the context goes
// through the weighted token-budget assembly.
func (r *ReAct) buildMessages(ctx context.Context, c *component.Component, req *protocol.Request, toolsDesc string) []map[string]any {
	messages := []map[string]any{
		{"role": "system", "content": r.systemPrompt(c, req, toolsDesc)},
	}

	if r.cfg.IsDiscardReactMemory {
		messages = append(messages, r.shortMemory(ctx, c, req)...)
	} else {
		messages = append(messages, r.weightedContext(ctx, c, req)...)
	}

	return append(messages, map[string]any{"role": "user", "content": req.Query()})
}

// weightedContext scores prior turns and prior react transcripts and keeps
// the best within the token budget.
func (r *ReAct) weightedContext(ctx context.Context, c *component.Component, req *protocol.Request) []map[string]any {
	hr, ok := c.System().(historyReader)
	if !ok {
		return nil
	}
	recs, err := hr.HistoryStore().ListHistory(ctx, req.SessionName(), req.RootTraceIDs, r.cfg.ShortMemorySize)
	if err != nil || len(recs) == 0 {
		return nil
	}

	var shortPairs, reactFragments [][]map[string]any
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		shortPairs = append(shortPairs, []map[string]any{
			{"role": "user", "content": rec.Query},
			{"role": "assistant", "content": rec.Answer},
		})
		if rec.Extra == nil {
			continue
		}
		if frag, ok := rec.Extra["react_memory"].([]any); ok {
			var msgs []map[string]any
			for _, item := range frag {
				if m, ok := item.(map[string]any); ok {
					msgs = append(msgs, m)
				}
			}
			if len(msgs) > 0 {
				reactFragments = append(reactFragments, msgs)
			}
		}
	}
	return assembleWeightedMemory(shortPairs, reactFragments, r.cfg.WeightShort, r.cfg.WeightReact, r.cfg.MemoryMaxTokens)
}

// fallbackSummarize answers from the accumulated observations once the
// round budget is exhausted. The observation log is trimmed to the memory
// token budget before the final call.
func (r *ReAct) fallbackSummarize(ctx context.Context, req *protocol.Request, reactMemory []map[string]any, observations []string) (*protocol.Response, error) {
	obsText := truncateToTokens(strings.Join(observations, "\n"), r.cfg.MemoryMaxTokens)
	system := strings.ReplaceAll(fallbackSummaryPrompt, "${observations}", obsText)

	out, err := r.callLLM(ctx, req, []map[string]any{
		{"role": "system", "content": system},
		{"role": "user", "content": req.Query()},
	})
	if err != nil {
		return nil, err
	}
	resp := &protocol.Response{State: protocol.StateCompleted, Output: out, Request: req}
	resp.SetExtra("react_memory", reactMemory)
	return resp, nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val == "1" || strings.EqualFold(val, "true")
	default:
		return false
	}
}
