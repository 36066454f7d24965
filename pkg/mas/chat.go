package mas

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/masworks/chorus/pkg/component"
	"github.com/masworks/chorus/pkg/protocol"
	"github.com/masworks/chorus/pkg/store"
)

// ChatPayload is the normalised user dispatch. Unknown keys become request
// arguments alongside the query.
type ChatPayload struct {
	Query             string         `mapstructure:"query"`
	Callee            string         `mapstructure:"callee"`
	FromTraceID       string         `mapstructure:"from_trace_id"`
	ReferenceTraceID  string         `mapstructure:"reference_trace_id"`
	RestartNodeID     string         `mapstructure:"restart_node_id"`
	RestartNodeOutput string         `mapstructure:"restart_node_output"`
	SharedData        map[string]any `mapstructure:"shared_data"`
	IsSaveHistory     *bool          `mapstructure:"is_save_history"`
	Arguments         map[string]any `mapstructure:",remain"`
}

// Chat dispatches one user turn to the master agent (or the named callee).
// The trace record is written before execution and updated with the answer
// after; a close event terminates the trace's stream.
func (m *MAS) Chat(ctx context.Context, payload map[string]any) (*protocol.Response, error) {
	if !m.isInitialized() {
		return nil, fmt.Errorf("mas %s is not initialized", m.name)
	}
	var p ChatPayload
	if err := mapstructure.Decode(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding chat payload: %w", err)
	}
	return m.dispatch(ctx, &p)
}

func (m *MAS) dispatch(ctx context.Context, p *ChatPayload) (*protocol.Response, error) {
	callee := p.Callee
	if callee == "" {
		callee = m.Master()
	}
	if callee == "" {
		return nil, fmt.Errorf("no master agent configured")
	}
	comp, ok := m.reg.Get(callee)
	if !ok {
		return nil, fmt.Errorf("agent %s is not registered", callee)
	}

	req := protocol.NewRequest(m)
	req.SetQuery(p.Query)
	for k, v := range p.Arguments {
		req.SetArgument(k, v)
	}
	for k, v := range p.SharedData {
		req.SetShared(k, v)
	}
	req.SetShared("query", p.Query)
	req.FromTraceID = p.FromTraceID
	req.ReferenceTraceID = p.ReferenceTraceID
	if p.IsSaveHistory != nil {
		req.IsSaveHistory = *p.IsSaveHistory
	}

	m.chainRootTraces(ctx, req)
	m.resolveRestart(ctx, req, p)

	createTime := protocol.NowFormatted()
	input, _ := protocol.FilterJSONValues(req.Arguments)
	trace := &store.TraceRecord{
		TraceID:      req.CurrentTraceID,
		FromTraceID:  req.FromTraceID,
		RootTraceIDs: req.RootTraceIDs,
		Input:        protocol.ToJSONString(input),
		CreateTime:   createTime,
		UpdateTime:   createTime,
	}
	if err := m.st.SaveTrace(ctx, trace); err != nil {
		m.log.Warn("trace pre-save failed", "trace_id", trace.TraceID, "error", err)
	}

	resp, err := comp.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	trace.Output = resp.OutputString()
	trace.UpdateTime = protocol.NowFormatted()
	if err := m.st.SaveTrace(context.WithoutCancel(ctx), trace); err != nil {
		m.log.Warn("trace post-save failed", "trace_id", trace.TraceID, "error", err)
	}

	m.Publish(ctx, req.CurrentTraceID, protocol.Event{Type: protocol.EventClose, Content: "done"})
	return resp, nil
}

// chainRootTraces continues a conversation: the new trace's ancestry is the
// previous trace's ancestry plus the previous trace itself.
func (m *MAS) chainRootTraces(ctx context.Context, req *protocol.Request) {
	if req.FromTraceID == "" {
		return
	}
	prev, ok, err := m.st.GetTrace(ctx, req.FromTraceID)
	if err == nil && ok {
		req.RootTraceIDs = append(append([]string(nil), prev.RootTraceIDs...), req.FromTraceID)
		return
	}
	req.RootTraceIDs = []string{req.FromTraceID}
}

// resolveRestart turns a restart node id into the replay cut-off: the
// node's trace becomes the reference and its update time the order below
// which stored outputs are reused.
func (m *MAS) resolveRestart(ctx context.Context, req *protocol.Request, p *ChatPayload) {
	if p.RestartNodeID == "" {
		return
	}
	req.RestartNodeID = p.RestartNodeID
	req.RestartNodeOutput = p.RestartNodeOutput

	rec, ok, err := m.st.GetNode(ctx, p.RestartNodeID)
	if err != nil || !ok {
		m.log.Warn("restart node not found", "node_id", p.RestartNodeID)
		return
	}
	if p.ReferenceTraceID != "" && p.ReferenceTraceID != rec.TraceID {
		m.log.Warn("restart node belongs to another trace",
			"node_id", p.RestartNodeID, "node_trace_id", rec.TraceID, "reference_trace_id", p.ReferenceTraceID)
		return
	}
	req.ReferenceTraceID = rec.TraceID
	req.RestartNodeOrder = rec.UpdateTime
}

// Call dispatches a single component directly with explicit arguments,
// outside the chat surface. The caller is the user category.
func (m *MAS) Call(ctx context.Context, callee string, args map[string]any) (*protocol.Response, error) {
	if !m.isInitialized() {
		return nil, fmt.Errorf("mas %s is not initialized", m.name)
	}
	comp, ok := m.reg.Get(callee)
	if !ok {
		return &protocol.Response{
			State:  protocol.StateFailed,
			Output: fmt.Sprintf("Tool %s not exists", callee),
		}, nil
	}

	req := protocol.NewRequest(m)
	for k, v := range args {
		req.SetArgument(k, v)
	}
	if q, ok := args["query"].(string); ok {
		req.SetShared("query", q)
	}
	return comp.Execute(ctx, req)
}

// Batch runs independent chat payloads concurrently and returns responses
// in payload order. The first dispatch error cancels the rest.
func (m *MAS) Batch(ctx context.Context, payloads []map[string]any) ([]*protocol.Response, error) {
	out := make([]*protocol.Response, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(component.DefaultSemaphoreLimit)
	for i, payload := range payloads {
		i, payload := i, payload
		g.Go(func() error {
			resp, err := m.Chat(gctx, payload)
			if err != nil {
				return err
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
