package component

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/masworks/chorus/pkg/protocol"
	"github.com/masworks/chorus/pkg/store"
)

// restartConsumedKey marks in the trace's shared data that the operator
// override was consumed, so every node after it re-executes fresh.
const restartConsumedKey = "__restart_consumed"

// Execute runs the full pipeline for one request. It returns an error only
// on cancellation; all other failures come back as FAILED responses.
func (c *Component) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	// Stage 1: bound concurrency per component.
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	// Stage 2: routing bookkeeping and the input hook.
	if req.NodeID == "" {
		req.NodeID = protocol.NewShortID()
	}
	req.Callee = c.cfg.Name
	req.CalleeCategory = string(c.cfg.Kind)
	req.PushFrame(c.cfg.Name, req.NodeID)
	if c.cfg.Hooks.ProcessInput != nil {
		c.cfg.Hooks.ProcessInput(req)
	}

	ctx, span := c.tracer.Start(ctx, "execute",
		oteltrace.WithAttributes(
			attribute.String("chorus.callee", c.cfg.Name),
			attribute.String("chorus.trace_id", req.CurrentTraceID),
			attribute.String("chorus.node_id", req.NodeID),
		))
	defer span.End()

	// Stage 3.
	log := c.log.With("trace_id", req.CurrentTraceID, "node_id", req.NodeID)
	log.Info("executing", "callee", c.cfg.Name, "caller", req.Caller, "call_stack", req.CallStack)

	// Stage 4.
	req.ComputeInputMD5()

	// Stage 5: restart interception for llm/tool nodes.
	if resp := c.restartIntercept(ctx, req, log); resp != nil {
		c.postSave(ctx, req, resp, nil, log)
		return c.finish(ctx, req, resp), nil
	}

	// Stage 6: dispatch the initial RUNNING record without blocking, but
	// remember the handle; the post-save must not overtake it.
	preSaved := c.preSave(ctx, req, log)

	// Stage 7.
	if c.cfg.Hooks.FormatInput != nil {
		c.cfg.Hooks.FormatInput(req)
	}

	// Stage 8.
	c.sendToolCall(ctx, req)

	// Stage 9.
	if pre, ok := c.behaviour.(preExecutor); ok {
		if err := pre.BeforeExecute(ctx, c, req); err != nil {
			resp := c.failed(req, err.Error())
			c.postSave(ctx, req, resp, preSaved, log)
			return c.finish(ctx, req, resp), nil
		}
	}

	// Stage 10.
	resp, execErr := c.executeWithRetry(ctx, req, log)
	if execErr != nil {
		// Cancellation: persist the CANCELED record, then propagate.
		canceled := &protocol.Response{State: protocol.StateCanceled, Output: execErr.Error(), Request: req}
		c.postSave(ctx, req, canceled, preSaved, log)
		return nil, execErr
	}
	if resp.Request == nil {
		resp.Request = req
	}

	// Stage 11.
	if c.cfg.Hooks.ProcessOutput != nil {
		c.cfg.Hooks.ProcessOutput(resp)
	}

	// Stage 12.
	c.postSave(ctx, req, resp, preSaved, log)
	c.saveHistory(ctx, req, resp, log)

	// Stage 13.
	return c.finish(ctx, req, resp), nil
}

// restartIntercept replays the reference trace's stored output when the
// incoming arguments hash-match a node finished before the restart cut-off.
func (c *Component) restartIntercept(ctx context.Context, req *protocol.Request, log *slog.Logger) *protocol.Response {
	if req.ReferenceTraceID == "" || !req.IsLoadDataForRestart {
		return nil
	}
	if c.cfg.Kind != protocol.KindLLM && c.cfg.Kind != protocol.KindTool {
		return nil
	}
	if consumed, _ := req.Shared(restartConsumedKey); consumed == true {
		return nil
	}
	if c.sys == nil {
		return nil
	}

	rec, ok, err := c.sys.NodeStore().FindNodeByInput(ctx, req.ReferenceTraceID, req.InputMD5)
	if err != nil {
		log.Warn("restart lookup failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	// Without a restart cut-off every hash-match replays from the reference
	// trace; with one, only nodes finished strictly before it.
	if req.RestartNodeOrder == "" || rec.UpdateTime < req.RestartNodeOrder {
		return &protocol.Response{
			State:   protocol.State(rec.State),
			Output:  decodeStoredOutput(rec.Output),
			Extra:   rec.Extra,
			Request: req,
		}
	}
	if rec.UpdateTime == req.RestartNodeOrder && req.RestartNodeOutput != "" {
		req.IsLoadDataForRestart = false
		req.SetShared(restartConsumedKey, true)
		return &protocol.Response{
			State:   protocol.StateCompleted,
			Output:  req.RestartNodeOutput,
			Request: req,
		}
	}
	return nil
}

// preSave persists the RUNNING node record concurrently. The returned
// channel closes when the write lands.
func (c *Component) preSave(ctx context.Context, req *protocol.Request, log *slog.Logger) <-chan struct{} {
	if c.cfg.NoSaveData || c.sys == nil {
		return nil
	}
	now := protocol.NowFormatted()
	filtered, _ := protocol.FilterJSONValues(req.Arguments)
	rec := &store.NodeRecord{
		NodeID:         req.NodeID,
		TraceID:        req.CurrentTraceID,
		Caller:         req.Caller,
		Callee:         req.Callee,
		CallerCategory: req.CallerCategory,
		CalleeCategory: req.CalleeCategory,
		FatherNodeID:   req.FatherNodeID,
		PreNodeIDs:     req.PreNodeIDs,
		ParallelID:     req.ParallelID,
		CallStack:      append([]string(nil), req.CallStack...),
		InputMD5:       req.InputMD5,
		Input:          protocol.ToJSONString(filtered),
		State:          string(protocol.StateRunning),
		CreateTime:     now,
		UpdateTime:     now,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.sys.NodeStore().SaveNode(ctx, rec); err != nil {
			log.Warn("node pre-save failed", "error", err)
		}
	}()
	return done
}

// postSave writes the terminal node record after awaiting the pre-save so
// start-then-complete ordering holds per node.
func (c *Component) postSave(ctx context.Context, req *protocol.Request, resp *protocol.Response, preSaved <-chan struct{}, log *slog.Logger) {
	if c.cfg.NoSaveData || c.sys == nil {
		return
	}
	if preSaved != nil {
		<-preSaved
	}
	filtered, _ := protocol.FilterJSONValues(req.Arguments)
	now := protocol.NowFormatted()
	rec := &store.NodeRecord{
		NodeID:         req.NodeID,
		TraceID:        req.CurrentTraceID,
		Caller:         req.Caller,
		Callee:         req.Callee,
		CallerCategory: req.CallerCategory,
		CalleeCategory: req.CalleeCategory,
		FatherNodeID:   req.FatherNodeID,
		PreNodeIDs:     req.PreNodeIDs,
		ParallelID:     req.ParallelID,
		CallStack:      append([]string(nil), req.CallStack...),
		InputMD5:       req.InputMD5,
		Input:          protocol.ToJSONString(filtered),
		Output:         protocol.ToJSONString(resp.Output),
		Extra:          resp.Extra,
		State:          string(resp.State),
		CreateTime:     now,
		UpdateTime:     now,
	}
	// Persistence failures are logged, never fatal to the execution.
	saveCtx := ctx
	if saveCtx.Err() != nil {
		saveCtx = context.WithoutCancel(ctx)
	}
	if err := c.sys.NodeStore().SaveNode(saveCtx, rec); err != nil {
		log.Warn("node post-save failed", "error", err)
	}
}

// historyKeeper is the richer runtime surface that persists dialogue turns.
type historyKeeper interface {
	HistoryStore() store.HistoryStore
}

// saveHistory records the completed turn for this caller__callee session.
// Only agent-category nodes write history; the per-turn extra (react memory,
// reflexion verdicts) rides along so later turns can reconstruct context.
func (c *Component) saveHistory(ctx context.Context, req *protocol.Request, resp *protocol.Response, log *slog.Logger) {
	if c.cfg.Kind != protocol.KindAgent && c.cfg.Kind != protocol.KindFlow {
		return
	}
	if !req.IsSaveHistory || c.cfg.NoSaveData || c.sys == nil {
		return
	}
	keeper, ok := c.sys.(historyKeeper)
	if !ok {
		return
	}

	saveCtx := ctx
	if saveCtx.Err() != nil {
		saveCtx = context.WithoutCancel(ctx)
	}
	rec := &store.HistoryRecord{
		TraceID:     req.CurrentTraceID,
		SessionName: req.SessionName(),
		Query:       req.Query(),
		Answer:      resp.OutputString(),
		Extra:       resp.Extra,
		CreateTime:  protocol.NowFormatted(),
	}
	if err := keeper.HistoryStore().SaveHistory(saveCtx, rec); err != nil {
		log.Warn("history save failed", "error", err)
	}
}

// executeWithRetry is stage 10: schema validation, then the behaviour under
// a per-attempt timeout, retried on failure with a fixed delay.
func (c *Component) executeWithRetry(ctx context.Context, req *protocol.Request, log *slog.Logger) (*protocol.Response, error) {
	if c.schema != nil {
		if err := c.validateArguments(req.Arguments); err != nil {
			return c.failed(req, fmt.Sprintf("Invalid arguments for %s: %v", c.cfg.Name, err)), nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		resp, err := c.runOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt < c.cfg.Retries {
			log.Warn("execution failed, retrying", "callee", c.cfg.Name, "attempt", attempt+1, "error", err)
			timer := time.NewTimer(c.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return c.failed(req, lastErr.Error()), nil
}

func (c *Component) runOnce(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	execCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.behaviour.Execute(execCtx, c, req)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("Executing tool %s timed out", c.cfg.Name)
		}
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("component %s returned no response", c.cfg.Name)
	}
	return resp, nil
}

func (c *Component) validateArguments(args map[string]any) error {
	// Round-trip through JSON so the validator sees plain decoded values.
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return c.schema.Validate(doc)
}

// finish is stage 13: friendly error substitution, the output hook, and the
// observation/answer events.
func (c *Component) finish(ctx context.Context, req *protocol.Request, resp *protocol.Response) *protocol.Response {
	if resp.State == protocol.StateFailed && c.cfg.FriendlyErrorText != "" {
		resp.Output = c.cfg.FriendlyErrorText
	}
	if c.cfg.Hooks.FormatOutput != nil {
		c.cfg.Hooks.FormatOutput(resp)
	}

	settings := c.Settings()
	if sendEnabled(c.cfg.SendObservation, settings.SendObservation) {
		req.SendMessage(ctx, protocol.Event{
			Type: protocol.EventObservation,
			Content: map[string]any{
				"callee": c.cfg.Name,
				"state":  string(resp.State),
				"output": resp.Output,
			},
		})
	}
	if req.CallerCategory == protocol.CategoryUser && sendEnabled(c.cfg.SendAnswer, settings.SendAnswer) {
		req.SendMessage(ctx, protocol.Event{
			Type:    protocol.EventAnswer,
			Content: resp.Output,
		})
	}
	return resp
}

// sendEnabled resolves a per-component event flag against the global one.
func sendEnabled(override *bool, global bool) bool {
	if override != nil {
		return *override
	}
	return global
}

func (c *Component) sendToolCall(ctx context.Context, req *protocol.Request) {
	if !sendEnabled(c.cfg.SendToolCall, c.Settings().SendToolCall) {
		return
	}
	filtered, _ := protocol.FilterJSONValues(req.Arguments)
	req.SendMessage(ctx, protocol.Event{
		Type: protocol.EventToolCall,
		Content: map[string]any{
			"callee":    c.cfg.Name,
			"arguments": filtered,
		},
	})
}

func (c *Component) failed(req *protocol.Request, message string) *protocol.Response {
	return &protocol.Response{State: protocol.StateFailed, Output: message, Request: req}
}

// decodeStoredOutput reverses the node record's output serialisation. Plain
// strings are stored unquoted, so a decode failure means the raw text is
// the value.
func decodeStoredOutput(data string) any {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return data
	}
	return v
}

func jsonDoc(v any) io.Reader {
	data, _ := json.Marshal(v)
	return bytes.NewReader(data)
}
