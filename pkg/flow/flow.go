// Package flow provides composite orchestration patterns built on the
// cross-component call protocol: parallel fan-out, plan-and-solve,
// reflexion and user-defined workflows.
package flow

import (
	"context"
	"strings"
	"sync"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
)

// callQuery dispatches a single {query} call to an agent and returns its
// textual output. A non-completed sub-response is handed back so the flow
// can propagate it as its own result.
func callQuery(ctx context.Context, req *protocol.Request, callee, query string) (string, *protocol.Response, error) {
	resp, err := req.Call(ctx, protocol.CallOptions{
		Callee:    callee,
		Arguments: map[string]any{"query": query},
	})
	if err != nil {
		return "", nil, err
	}
	if resp.State != protocol.StateCompleted {
		return "", resp, nil
	}
	return resp.OutputString(), nil, nil
}

// callModel dispatches a raw messages call to an LLM component.
func callModel(ctx context.Context, req *protocol.Request, model string, messages []map[string]any) (string, *protocol.Response, error) {
	resp, err := req.Call(ctx, protocol.CallOptions{
		Callee:    model,
		Arguments: map[string]any{"messages": messages},
	})
	if err != nil {
		return "", nil, err
	}
	if resp.State != protocol.StateCompleted {
		return "", resp, nil
	}
	return resp.OutputString(), nil, nil
}

// Parallel dispatches the inbound arguments to every permitted callee under
// one shared parallel id and concatenates the outputs deterministically.
// Failed siblings contribute their failure text; they do not abort the rest.
type Parallel struct {
	component.NopBehaviour
}

// NewParallelComponent builds a parallel flow over cfg.PermittedCallees.
func NewParallelComponent(cfg component.Config) *component.Component {
	cfg.Kind = protocol.KindFlow
	cfg.IsPermissionRequired = true
	return component.New(cfg, &Parallel{})
}

func (f *Parallel) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	callees := c.PermittedCallees()
	parallelID := protocol.NewShortID()
	outputs := make([]string, len(callees))

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	for i, name := range callees {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			resp, err := req.Call(ctx, protocol.CallOptions{
				Callee:     name,
				Arguments:  req.Arguments,
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
			outputs[i] = resp.OutputString()
		}(i, name)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return &protocol.Response{
		State:   protocol.StateCompleted,
		Output:  "The following are the results from multiple executions:" + strings.Join(outputs, "\n"),
		Request: req,
	}, nil
}

// Workflow wraps a user-supplied function as a flow. The pipeline still
// applies: persistence, retries and events all happen around fn.
type Workflow struct {
	component.NopBehaviour
	fn func(ctx context.Context, req *protocol.Request) (any, error)
}

// NewWorkflowComponent builds a flow around fn.
func NewWorkflowComponent(cfg component.Config, fn func(ctx context.Context, req *protocol.Request) (any, error)) *component.Component {
	cfg.Kind = protocol.KindFlow
	cfg.IsPermissionRequired = true
	return component.New(cfg, &Workflow{fn: fn})
}

func (f *Workflow) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	if f.fn == nil {
		return &protocol.Response{State: protocol.StateCompleted, Output: "", Request: req}, nil
	}
	out, err := f.fn(ctx, req)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: out, Request: req}, nil
}
