package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
)

// Parallel fans the inbound arguments out to every permitted callee under
// one parallel id and summarises the outputs with the model. Partial
// failures reach the summariser verbatim; they never abort siblings.
type Parallel struct {
	base
}

func NewParallel(cfg Config) *Parallel {
	return &Parallel{base: newBase(cfg)}
}

// NewParallelComponent wraps the behaviour in a registered agent component.
func NewParallelComponent(cfg component.Config, agentCfg Config) *component.Component {
	cfg.Kind = protocol.KindAgent
	return component.New(cfg, NewParallel(agentCfg))
}

func (a *Parallel) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	results, err := fanOut(ctx, req, c.PermittedCallees())
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, res := range results {
		lines = append(lines, res.String())
	}

	system := fmt.Sprintf(
		"The user's question is: %s\nSummarize the results from the workers below into one final answer.\n\n%s",
		req.Query(), strings.Join(lines, "\n"))
	out, err := a.callLLM(ctx, req, []map[string]any{
		{"role": "system", "content": system},
		{"role": "user", "content": req.Query()},
	})
	if err != nil {
		return nil, err
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: out, Request: req}, nil
}

// fanOut invokes every callee concurrently with a copy of the inbound
// arguments, all under one shared parallel id.
func fanOut(ctx context.Context, req *protocol.Request, callees []string) ([]protocol.ExecResult, error) {
	parallelID := protocol.NewShortID()
	results := make([]protocol.ExecResult, len(callees))

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
			results[i] = protocol.ExecResult{Executor: name, Response: resp}
		}(i, name)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
