// Package tools provides the leaf tool components: plain Go functions and
// outbound HTTP calls, both wrapped in the standard execution pipeline.
package tools

import (
	"context"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
)

// Func is a tool implementation. The returned value becomes the response
// output; an error flows through the pipeline's retry and failure path.
type Func func(ctx context.Context, req *protocol.Request) (any, error)

type funcBehaviour struct {
	component.NopBehaviour
	fn Func
}

func (b *funcBehaviour) Execute(ctx context.Context, c *component.Component, req *protocol.Request) (*protocol.Response, error) {
	out, err := b.fn(ctx, req)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{State: protocol.StateCompleted, Output: out, Request: req}, nil
}

// NewFunction registers fn as a tool component. Tools require permission
// unless the config opens them up.
func NewFunction(cfg component.Config, fn Func) *component.Component {
	cfg.Kind = protocol.KindTool
	cfg.IsPermissionRequired = true
	return component.New(cfg, &funcBehaviour{fn: fn})
}

// NewOpenFunction registers fn as a tool callable without permission.
func NewOpenFunction(cfg component.Config, fn Func) *component.Component {
	cfg.Kind = protocol.KindTool
	return component.New(cfg, &funcBehaviour{fn: fn})
}
