package protocol

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCallee struct {
	name       string
	kind       Kind
	descForLLM string
	timeout    time.Duration
	permission bool
	permitted  []string
	execute    func(ctx context.Context, req *Request) (*Response, error)
}

func (f *fakeCallee) Name() string               { return f.name }
func (f *fakeCallee) Kind() Kind                 { return f.kind }
func (f *fakeCallee) Desc() string               { return f.name }
func (f *fakeCallee) DescForLLM() string         { return f.descForLLM }
func (f *fakeCallee) Timeout() time.Duration     { return f.timeout }
func (f *fakeCallee) PermissionRequired() bool   { return f.permission }
func (f *fakeCallee) PermittedCallees() []string { return f.permitted }

func (f *fakeCallee) Execute(ctx context.Context, req *Request) (*Response, error) {
	if f.execute != nil {
		return f.execute(ctx, req)
	}
	return &Response{State: StateCompleted, Output: f.name, Request: req}, nil
}

type fakeRuntime struct {
	components map[string]Callee
	events     []Event
}

func newFakeRuntime(callees ...*fakeCallee) *fakeRuntime {
	rt := &fakeRuntime{components: map[string]Callee{}}
	for _, c := range callees {
		rt.components[c.name] = c
	}
	return rt
}

func (rt *fakeRuntime) Component(name string) (Callee, bool) {
	c, ok := rt.components[name]
	return c, ok
}

func (rt *fakeRuntime) AppName() string { return "test_app" }

func (rt *fakeRuntime) Publish(ctx context.Context, traceID string, event Event) {
	rt.events = append(rt.events, event)
}

func TestNewRequestStacksAligned(t *testing.T) {
	req := NewRequest(newFakeRuntime())
	assert.Len(t, req.CallStack, len(req.NodeIDStack))
	assert.Equal(t, CategoryUser, req.CallStack[0])
	assert.NotEmpty(t, req.CurrentTraceID)
	assert.True(t, req.IsLoadDataForRestart)
	assert.True(t, req.IsSaveHistory)
}

func TestPushFrameKeepsStacksAligned(t *testing.T) {
	req := NewRequest(newFakeRuntime())
	req.PushFrame("agent", "n1")
	req.PushFrame("llm", "n2")

	require.Len(t, req.CallStack, len(req.NodeIDStack))
	assert.Equal(t, "llm", req.CallStack[len(req.CallStack)-1])
	assert.Equal(t, "n2", req.NodeIDStack[len(req.NodeIDStack)-1])
}

func TestCanonicalMD5Deterministic(t *testing.T) {
	a := map[string]any{"query": "hi", "n": 1, "flags": []any{true, nil}}
	b := map[string]any{"flags": []any{true, nil}, "n": 1, "query": "hi"}
	assert.Equal(t, CanonicalMD5(a), CanonicalMD5(b))

	// Non-JSON values are excluded from the projection.
	c := map[string]any{"query": "hi", "n": 1, "flags": []any{true, nil}, "fn": func() {}}
	assert.Equal(t, CanonicalMD5(a), CanonicalMD5(c))

	d := map[string]any{"query": "bye", "n": 1, "flags": []any{true, nil}}
	assert.NotEqual(t, CanonicalMD5(a), CanonicalMD5(d))
}

func TestCallMissingComponent(t *testing.T) {
	req := NewRequest(newFakeRuntime())

	resp, err := req.Call(context.Background(), CallOptions{Callee: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, resp.State)
	assert.Equal(t, "Tool ghost not exists", resp.Output)
}

func TestCallPermissionDenied(t *testing.T) {
	agent := &fakeCallee{name: "agent_a", kind: KindAgent, permitted: []string{"tool_b"}}
	toolC := &fakeCallee{name: "tool_c", kind: KindTool, permission: true}
	rt := newFakeRuntime(agent, toolC)

	req := NewRequest(rt)
	req.Callee = "agent_a"
	req.CalleeCategory = string(KindAgent)

	resp, err := req.Call(context.Background(), CallOptions{Callee: "tool_c"})
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, resp.State)
	assert.Contains(t, resp.Output, "No permission")
}

func TestCallUserCallerAlwaysPermitted(t *testing.T) {
	toolC := &fakeCallee{name: "tool_c", kind: KindTool, permission: true, timeout: time.Second}
	rt := newFakeRuntime(toolC)

	req := NewRequest(rt)
	req.Callee = CategoryUser
	req.CalleeCategory = CategoryUser

	resp, err := req.Call(context.Background(), CallOptions{Callee: "tool_c"})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, resp.State)
}

func TestCallTimeout(t *testing.T) {
	slow := &fakeCallee{
		name:    "slow",
		kind:    KindTool,
		timeout: 10 * time.Millisecond,
		execute: func(ctx context.Context, req *Request) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	req := NewRequest(newFakeRuntime(slow))

	resp, err := req.Call(context.Background(), CallOptions{Callee: "slow"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, resp.State)
	assert.Equal(t, "Executing tool slow timed out", resp.Output)
}

func TestCallCancellationPropagates(t *testing.T) {
	blocked := &fakeCallee{
		name:    "blocked",
		kind:    KindTool,
		timeout: time.Minute,
		execute: func(ctx context.Context, req *Request) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	req := NewRequest(newFakeRuntime(blocked))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := req.Call(ctx, CallOptions{Callee: "blocked"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCallRoutingFields(t *testing.T) {
	var seen *Request
	tool := &fakeCallee{
		name:    "echo",
		kind:    KindTool,
		timeout: time.Second,
		execute: func(ctx context.Context, req *Request) (*Response, error) {
			seen = req
			return &Response{State: StateCompleted, Output: "ok", Request: req}, nil
		},
	}
	req := NewRequest(newFakeRuntime(tool))
	req.Callee = "agent_a"
	req.CalleeCategory = string(KindAgent)
	req.NodeID = "parent_node"

	_, err := req.Call(context.Background(), CallOptions{
		Callee:    "echo",
		Arguments: map[string]any{"text": "abc"},
	})
	require.NoError(t, err)
	require.NotNil(t, seen)

	assert.Equal(t, "agent_a", seen.Caller)
	assert.Equal(t, string(KindAgent), seen.CallerCategory)
	assert.Equal(t, "echo", seen.Callee)
	assert.Equal(t, string(KindTool), seen.CalleeCategory)
	assert.Equal(t, "parent_node", seen.FatherNodeID)
	assert.NotEmpty(t, seen.NodeID)
	assert.NotEqual(t, req.NodeID, seen.NodeID)
	assert.Equal(t, req.CurrentTraceID, seen.CurrentTraceID)
	assert.Equal(t, map[string]any{"text": "abc"}, seen.Arguments)
}

func TestParallelGroupSharesPredecessors(t *testing.T) {
	var mu sync.Mutex
	var members []*Request
	tool := &fakeCallee{
		name:    "worker",
		kind:    KindTool,
		timeout: time.Second,
		execute: func(ctx context.Context, req *Request) (*Response, error) {
			mu.Lock()
			members = append(members, req)
			mu.Unlock()
			return &Response{State: StateCompleted, Output: "ok", Request: req}, nil
		},
	}
	req := NewRequest(newFakeRuntime(tool))
	req.Callee = CategoryUser
	req.CalleeCategory = CategoryUser
	req.LatestNodeIDs = []string{"pred_1", "pred_2"}

	pid := NewShortID()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := req.Call(context.Background(), CallOptions{Callee: "worker", ParallelID: pid})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, members, 4)
	seenNodes := map[string]bool{}
	for _, m := range members {
		assert.Equal(t, []string{"pred_1", "pred_2"}, m.PreNodeIDs)
		seenNodes[m.NodeID] = true
	}
	assert.Len(t, seenNodes, 4)
	// The caller's frontier advances to the whole group.
	assert.Len(t, req.LatestNodeIDs, 4)
}

func TestSequentialCallsAdvanceFrontier(t *testing.T) {
	tool := &fakeCallee{name: "step", kind: KindTool, timeout: time.Second}
	req := NewRequest(newFakeRuntime(tool))
	req.Callee = CategoryUser
	req.CalleeCategory = CategoryUser

	_, err := req.Call(context.Background(), CallOptions{Callee: "step"})
	require.NoError(t, err)
	require.Len(t, req.LatestNodeIDs, 1)
	first := req.LatestNodeIDs[0]

	_, err = req.Call(context.Background(), CallOptions{Callee: "step"})
	require.NoError(t, err)
	require.Len(t, req.LatestNodeIDs, 1)
	assert.NotEqual(t, first, req.LatestNodeIDs[0])
}

func TestRetrieveToolsAugmentationAndExpansion(t *testing.T) {
	var seen *Request
	recall := &fakeCallee{
		name:    RetrieveToolsName,
		kind:    KindTool,
		timeout: time.Second,
		execute: func(ctx context.Context, req *Request) (*Response, error) {
			seen = req
			return &Response{State: StateCompleted, Output: []string{"tool_x", "tool_y"}, Request: req}, nil
		},
	}
	toolX := &fakeCallee{name: "tool_x", kind: KindTool, descForLLM: "X does x"}
	toolY := &fakeCallee{name: "tool_y", kind: KindTool, descForLLM: "Y does y"}
	req := NewRequest(newFakeRuntime(recall, toolX, toolY))
	req.Callee = CategoryUser
	req.CalleeCategory = CategoryUser

	resp, err := req.Call(context.Background(), CallOptions{
		Callee:    RetrieveToolsName,
		Arguments: map[string]any{"query": "find"},
	})
	require.NoError(t, err)
	require.NotNil(t, seen)

	assert.Equal(t, "test_app", seen.Arguments["app_name"])
	assert.Equal(t, 10, seen.Arguments["top_k"])
	assert.Equal(t, "X does x\nY does y", resp.Output)
}

func TestCloneIsolatesArgumentsSharesData(t *testing.T) {
	req := NewRequest(newFakeRuntime())
	req.SetQuery("original")
	req.SetShared("k", "v")
	req.ParallelID = "pid"
	req.LatestNodeIDs = []string{"n1"}

	clone := req.Clone()
	clone.SetQuery("changed")
	assert.Equal(t, "original", req.Query())

	clone.SetShared("k2", "v2")
	v, ok := req.Shared("k2")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	assert.Empty(t, clone.ParallelID)
}

func TestExecResultString(t *testing.T) {
	r := ExecResult{Executor: "echo", Response: &Response{State: StateCompleted, Output: "abc"}}
	assert.Equal(t, "Tool [echo] execution result: abc", r.String())
}

func TestObservationJoinsResults(t *testing.T) {
	var o Observation
	o.Add(ExecResult{Executor: "a", Response: &Response{Output: "1"}})
	o.Add(ExecResult{Executor: "b", Response: &Response{Output: map[string]any{"k": "v"}}})

	s := o.String()
	assert.Contains(t, s, "Tool [a] execution result: 1")
	assert.Contains(t, s, `Tool [b] execution result: {"k":"v"}`)
}

func TestExtractFirstJSON(t *testing.T) {
	fenced := "thought\n```json\n{\"tool_name\": \"echo\"}\n```\ntrailer"
	got, ok := ExtractFirstJSON(fenced)
	require.True(t, ok)
	assert.Equal(t, `{"tool_name": "echo"}`, got)

	bare := `prefix {"tool_name": "echo", "arguments": {"a": 1}} suffix`
	got, ok = ExtractFirstJSON(bare)
	require.True(t, ok)
	assert.Equal(t, `{"tool_name": "echo", "arguments": {"a": 1}}`, got)

	_, ok = ExtractFirstJSON("no json here")
	assert.False(t, ok)
}

func TestFormatTimeSortsLexicographically(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 1; i < 5; i++ {
		earlier := FormatTime(base.Add(time.Duration(i-1) * time.Nanosecond))
		later := FormatTime(base.Add(time.Duration(i) * time.Nanosecond))
		assert.Less(t, earlier, later)
	}
}

func TestSessionName(t *testing.T) {
	req := NewRequest(newFakeRuntime())
	req.Caller = "user"
	req.Callee = "master"
	assert.Equal(t, "user__master", req.SessionName())
}

func TestShortIDLength(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewShortID()
		assert.Len(t, id, 16)
		assert.False(t, seen[id], fmt.Sprintf("duplicate id %s", id))
		seen[id] = true
	}
}
