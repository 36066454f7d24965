package agent

import (
	"context"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
)

// Workflow wraps a user-supplied function in the full pipeline. Errors
// surface through the standard retry and failure path.
type Workflow struct {
	base
}

func NewWorkflow(cfg Config) *Workflow {
	return &Workflow{base: newBase(cfg)}
}

// NewWorkflowComponent wraps the behaviour in a registered agent component.
func NewWorkflowComponent(cfg component.Config, agentCfg Config) *component.Component {
	cfg.Kind = protocol.KindAgent
	return component.New(cfg, NewWorkflow(agentCfg))
}

func (a *Workflow) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	if a.cfg.Workflow == nil {
		return &protocol.Response{State: protocol.StateCompleted, Output: "", Request: req}, nil
	}
	out, err := a.cfg.Workflow(ctx, req)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: out, Request: req}, nil
}
