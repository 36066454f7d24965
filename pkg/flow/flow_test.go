package flow

import (
	"context"
	"fmt"
	"strings"
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

type flowTestSystem struct {
	backing    *local.Local
	settings   *config.Settings
	mu         sync.Mutex
	components map[string]protocol.Callee
}

func newFlowTestSystem(t *testing.T) *flowTestSystem {
	t.Helper()
	s, err := local.New(t.TempDir())
	require.NoError(t, err)
	return &flowTestSystem{
		backing:    s,
		settings:   config.Default(),
		components: map[string]protocol.Callee{},
	}
}

func (s *flowTestSystem) NodeStore() store.NodeStore { return s.backing }
func (s *flowTestSystem) Settings() *config.Settings { return s.settings }
func (s *flowTestSystem) AppName() string            { return "test_app" }

func (s *flowTestSystem) Component(name string) (protocol.Callee, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[name]
	return c, ok
}

func (s *flowTestSystem) Publish(ctx context.Context, traceID string, event protocol.Event) {}

func (s *flowTestSystem) register(t *testing.T, c *component.Component) *component.Component {
	t.Helper()
	c.Attach(s)
	s.mu.Lock()
	s.components[c.Name()] = c
	s.mu.Unlock()
	require.NoError(t, c.Init(context.Background()))
	return c
}

// scriptedAgent replies from a canned queue and records incoming queries.
type scriptedAgent struct {
	component.NopBehaviour
	mu      sync.Mutex
	outputs []string
	fn      func(query string) string
	queries []string
}

func (s *scriptedAgent) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := req.Query()
	s.queries = append(s.queries, query)

	var out string
	switch {
	case s.fn != nil:
		out = s.fn(query)
	case len(s.queries) <= len(s.outputs):
		out = s.outputs[len(s.queries)-1]
	default:
		out = s.outputs[len(s.outputs)-1]
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: out, Request: req}, nil
}

func (s *scriptedAgent) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func registerAgent(t *testing.T, sys *flowTestSystem, name string, outputs ...string) *scriptedAgent {
	t.Helper()
	agent := &scriptedAgent{outputs: outputs}
	sys.register(t, component.New(component.Config{Name: name, Kind: protocol.KindAgent}, agent))
	return agent
}

// scriptedLLM answers messages-style calls with one canned string.
type scriptedLLM struct {
	component.NopBehaviour
	output string
}

func (s *scriptedLLM) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	return &protocol.Response{State: protocol.StateCompleted, Output: s.output, Request: req}, nil
}

func newUserRequest(sys *flowTestSystem, query string) *protocol.Request {
	req := protocol.NewRequest(sys)
	req.SetQuery(query)
	return req
}

func TestParallelFanOutSharesGroup(t *testing.T) {
	sys := newFlowTestSystem(t)
	sys.register(t, component.New(component.Config{Name: "tool_a", Kind: protocol.KindTool},
		&scriptedAgent{outputs: []string{"A"}}))
	sys.register(t, component.New(component.Config{Name: "tool_b", Kind: protocol.KindTool},
		&scriptedAgent{outputs: []string{"B"}}))

	par := sys.register(t, NewParallelComponent(component.Config{
		Name:             "parallel_flow",
		PermittedCallees: []string{"tool_a", "tool_b"},
	}))

	resp, err := par.Execute(context.Background(), newUserRequest(sys, "go"))
	require.NoError(t, err)

	assert.Equal(t, protocol.StateCompleted, resp.State)
	out := resp.OutputString()
	assert.Contains(t, out, "A")
	assert.Contains(t, out, "B")
	assert.True(t, strings.HasPrefix(out, "The following are the results from multiple executions:"))

	recs, err := sys.backing.ListNodes(context.Background(), resp.Request.CurrentTraceID)
	require.NoError(t, err)
	pids := map[string]bool{}
	for _, rec := range recs {
		if rec.Callee == "tool_a" || rec.Callee == "tool_b" {
			require.NotEmpty(t, rec.ParallelID)
			pids[rec.ParallelID] = true
		}
	}
	assert.Len(t, pids, 1)
}

func TestPlanAndSolveSequentialSteps(t *testing.T) {
	sys := newFlowTestSystem(t)
	registerAgent(t, sys, "planner", `{"steps":["s1","s2"]}`)
	executor := &scriptedAgent{fn: func(query string) string {
		return fmt.Sprintf("done(%s)", query)
	}}
	sys.register(t, component.New(component.Config{Name: "executor", Kind: protocol.KindAgent}, executor))

	pas := sys.register(t, NewPlanAndSolveComponent(
		component.Config{Name: "pas"},
		PlanAndSolveConfig{PlannerAgent: "planner", ExecutorAgent: "executor", MaxReplanRounds: 5},
	))

	resp, err := pas.Execute(context.Background(), newUserRequest(sys, "?"))
	require.NoError(t, err)

	assert.Equal(t, protocol.StateCompleted, resp.State)
	assert.Equal(t, 2, executor.callCount())
	out := resp.OutputString()
	assert.True(t, strings.HasPrefix(out, "done("))
	assert.Contains(t, out, "s2")
}

func TestPlanAndSolveEmptyPrePlanSteps(t *testing.T) {
	sys := newFlowTestSystem(t)
	planner := registerAgent(t, sys, "planner", `{"steps":["s1"]}`)
	executor := registerAgent(t, sys, "executor", "x")

	pas := sys.register(t, NewPlanAndSolveComponent(
		component.Config{Name: "pas"},
		PlanAndSolveConfig{PlannerAgent: "planner", ExecutorAgent: "executor", PrePlanSteps: []string{}},
	))

	resp, err := pas.Execute(context.Background(), newUserRequest(sys, "?"))
	require.NoError(t, err)

	assert.Equal(t, protocol.StateCompleted, resp.State)
	assert.Equal(t, "", resp.OutputString())
	assert.Equal(t, 0, planner.callCount())
	assert.Equal(t, 0, executor.callCount())
}

func TestPlanAndSolveReplannerAnswers(t *testing.T) {
	sys := newFlowTestSystem(t)
	registerAgent(t, sys, "planner", `{"steps":["s1","s2","s3"]}`)
	executor := registerAgent(t, sys, "executor", "step done")
	replanner := registerAgent(t, sys, "replanner", `{"action":{"response":"final answer"}}`)

	pas := sys.register(t, NewPlanAndSolveComponent(
		component.Config{Name: "pas"},
		PlanAndSolveConfig{
			PlannerAgent:    "planner",
			ExecutorAgent:   "executor",
			ReplannerAgent:  "replanner",
			EnableReplanner: true,
		},
	))

	resp, err := pas.Execute(context.Background(), newUserRequest(sys, "?"))
	require.NoError(t, err)

	assert.Equal(t, "final answer", resp.OutputString())
	assert.Equal(t, 1, executor.callCount())
	require.Equal(t, 1, replanner.callCount())
	assert.Contains(t, replanner.queries[0], "The target of user is:")
	assert.Contains(t, replanner.queries[0], "1. s1")
}

func TestPlanAndSolveStrictParseFailure(t *testing.T) {
	sys := newFlowTestSystem(t)
	registerAgent(t, sys, "planner", "I refuse to produce JSON")
	registerAgent(t, sys, "executor", "unused")

	pas := sys.register(t, NewPlanAndSolveComponent(
		component.Config{Name: "pas", Retries: -1},
		PlanAndSolveConfig{PlannerAgent: "planner", ExecutorAgent: "executor"},
	))

	resp, err := pas.Execute(context.Background(), newUserRequest(sys, "?"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StateFailed, resp.State)
}

func TestReflexionSatisfactoryFirstRound(t *testing.T) {
	sys := newFlowTestSystem(t)
	worker := registerAgent(t, sys, "worker", "42")
	registerAgent(t, sys, "checker",
		`{"is_satisfactory": true, "evaluation_reason": "correct"}`)

	ref := sys.register(t, NewReflexionComponent(
		component.Config{Name: "ref"},
		ReflexionConfig{WorkerAgent: "worker", ReflexionAgent: "checker"},
	))

	resp, err := ref.Execute(context.Background(), newUserRequest(sys, "meaning of life?"))
	require.NoError(t, err)

	assert.Equal(t, 1, worker.callCount())
	out := resp.OutputString()
	assert.True(t, strings.HasPrefix(out, "Final answer optimized through 1 rounds of reflexion:"))
	assert.Contains(t, out, "42")

	rounds, ok := resp.ExtraValue("reflexion_rounds")
	require.True(t, ok)
	assert.Equal(t, 1, rounds)
}

func TestReflexionImprovementFeedsBack(t *testing.T) {
	sys := newFlowTestSystem(t)
	worker := registerAgent(t, sys, "worker", "first try", "second try")
	registerAgent(t, sys, "checker",
		`{"is_satisfactory": false, "evaluation_reason": "shallow", "improvement_suggestions": "add detail"}`,
		`{"is_satisfactory": true, "evaluation_reason": "good"}`,
	)

	ref := sys.register(t, NewReflexionComponent(
		component.Config{Name: "ref"},
		ReflexionConfig{WorkerAgent: "worker", ReflexionAgent: "checker"},
	))

	resp, err := ref.Execute(context.Background(), newUserRequest(sys, "explain"))
	require.NoError(t, err)

	require.Equal(t, 2, worker.callCount())
	assert.Contains(t, worker.queries[1], "add detail")
	assert.Contains(t, worker.queries[1], "first try")
	assert.True(t, strings.HasPrefix(resp.OutputString(), "Final answer optimized through 2 rounds"))
}

func TestReflexionExhaustionFallsBack(t *testing.T) {
	sys := newFlowTestSystem(t)
	registerAgent(t, sys, "worker", "attempt")
	registerAgent(t, sys, "checker",
		`{"is_satisfactory": false, "evaluation_reason": "never good enough"}`)
	sys.register(t, component.New(component.Config{Name: "default_llm", Kind: protocol.KindLLM},
		&scriptedLLM{output: "best effort"}))

	ref := sys.register(t, NewReflexionComponent(
		component.Config{Name: "ref"},
		ReflexionConfig{WorkerAgent: "worker", ReflexionAgent: "checker", MaxReflexionRounds: 1},
	))

	resp, err := ref.Execute(context.Background(), newUserRequest(sys, "q"))
	require.NoError(t, err)

	out := resp.OutputString()
	assert.True(t, strings.HasPrefix(out, "Answer after 2 rounds of reflexion attempts:"))
	assert.Contains(t, out, "best effort")

	reached, ok := resp.ExtraValue("reached_max_rounds")
	require.True(t, ok)
	assert.Equal(t, true, reached)
}

func TestMathReflexionDefaults(t *testing.T) {
	sys := newFlowTestSystem(t)
	worker := registerAgent(t, sys, DefaultMathWorkerAgent, "x = 4")
	checker := registerAgent(t, sys, DefaultMathReflexionAgent,
		`{"is_satisfactory": true, "evaluation_reason": "pass"}`)

	ref := sys.register(t, NewMathReflexionComponent(component.Config{Name: "math_ref"}, ReflexionConfig{}))

	resp, err := ref.Execute(context.Background(), newUserRequest(sys, "2+2?"))
	require.NoError(t, err)

	assert.Equal(t, 1, worker.callCount())
	require.Equal(t, 1, checker.callCount())
	assert.Contains(t, checker.queries[0], "calculation steps")
	assert.Contains(t, resp.OutputString(), "x = 4")
}

func TestWorkflowFlowRunsFunction(t *testing.T) {
	sys := newFlowTestSystem(t)
	wf := sys.register(t, NewWorkflowComponent(component.Config{Name: "wf"},
		func(ctx context.Context, req *protocol.Request) (any, error) {
			return "ran:" + req.Query(), nil
		}))

	resp, err := wf.Execute(context.Background(), newUserRequest(sys, "job"))
	require.NoError(t, err)
	assert.Equal(t, "ran:job", resp.OutputString())
}

func TestParsePlanAndAction(t *testing.T) {
	p, err := parsePlan("Here you go:\n```json\n{\"steps\": [\"a\", \"b\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.Steps)

	_, err = parsePlan(`{"notsteps": 1}`)
	assert.Error(t, err)

	act, err := parseAction(`{"action": {"response": "done"}}`)
	require.NoError(t, err)
	require.NotNil(t, act.response)
	assert.Equal(t, "done", *act.response)

	act, err = parseAction(`{"action": {"steps": ["next"]}}`)
	require.NoError(t, err)
	assert.Nil(t, act.response)
	assert.Equal(t, []string{"next"}, act.steps)

	_, err = parseAction(`{"action": {"neither": true}}`)
	assert.Error(t, err)

	_, err = parseAction("plain text")
	assert.Error(t, err)
}

func TestParseEvaluationFallbackText(t *testing.T) {
	ev := parseEvaluation(`- is_satisfactory: false
- evaluation reason: too short
- improvement suggestions: expand the second section`)
	assert.False(t, ev.IsSatisfactory)
	assert.Equal(t, "too short", ev.EvaluationReason)
	assert.Equal(t, "expand the second section", ev.ImprovementSuggestions)

	ev = parseEvaluation(`{"is_satisfactory": true, "evaluation_reason": "fine"}`)
	assert.True(t, ev.IsSatisfactory)
	assert.Equal(t, "fine", ev.EvaluationReason)
}
