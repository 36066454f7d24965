package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// RetrieveToolsName is the reserved name of the tool-recall meta tool. Calls
// to it get the retrieval context injected and their output expanded into
// tool descriptions.
const RetrieveToolsName = "retrieve_tools"

// Callee is the view of a registered component the call protocol needs.
type Callee interface {
	Name() string
	Kind() Kind
	Desc() string
	DescForLLM() string
	Timeout() time.Duration
	PermissionRequired() bool
	PermittedCallees() []string
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Runtime is the non-owning handle a request carries back to the system that
// dispatched it. It resolves names, publishes bus events and scopes the
// request to an application.
type Runtime interface {
	Component(name string) (Callee, bool)
	AppName() string
	Publish(ctx context.Context, traceID string, event Event)
}

// toolRecaller is implemented by agents that size their own tool recall.
type toolRecaller interface {
	TopKTools() int
}

type parallelGroup struct {
	preNodeIDs []string
	nodeIDs    []string
}

// Request is the mutable call envelope threaded through the execution
// pipeline. One Request describes one component entry; nested calls clone
// it via Call.
type Request struct {
	// Identity.
	CurrentTraceID   string
	FromTraceID      string
	RootTraceIDs     []string
	NodeID           string
	InputMD5         string
	ReferenceTraceID string

	// Restart.
	RestartNodeID        string
	RestartNodeOutput    string
	RestartNodeOrder     string
	IsLoadDataForRestart bool

	// Routing.
	Caller         string
	Callee         string
	CallerCategory string
	CalleeCategory string
	CallStack      []string
	NodeIDStack    []string
	FatherNodeID   string
	PreNodeIDs     []string
	LatestNodeIDs  []string
	ParallelID     string

	// Payload.
	Arguments     map[string]any
	IsSaveHistory bool

	// SharedData propagates to every descendant by reference; guard access
	// through the Shared helpers.
	SharedData map[string]any
	sharedMu   *sync.Mutex

	runtime    Runtime
	parallelMu sync.Mutex
	parallel   map[string]*parallelGroup
}

// NewRequest builds a fresh user-originated envelope bound to rt.
func NewRequest(rt Runtime) *Request {
	return &Request{
		CurrentTraceID:       NewShortID(),
		Caller:               CategoryUser,
		CallerCategory:       CategoryUser,
		CallStack:            []string{CategoryUser},
		NodeIDStack:          []string{""},
		IsLoadDataForRestart: true,
		IsSaveHistory:        true,
		Arguments:            map[string]any{},
		SharedData:           map[string]any{},
		sharedMu:             &sync.Mutex{},
		runtime:              rt,
		parallel:             map[string]*parallelGroup{},
	}
}

// Runtime returns the dispatch handle the envelope is bound to.
func (r *Request) Runtime() Runtime {
	return r.runtime
}

// BindRuntime attaches the dispatch handle. The MAS calls this once at
// dispatch entry.
func (r *Request) BindRuntime(rt Runtime) {
	r.runtime = rt
	if r.sharedMu == nil {
		r.sharedMu = &sync.Mutex{}
	}
	if r.parallel == nil {
		r.parallel = map[string]*parallelGroup{}
	}
}

// Query reads the canonical query argument.
func (r *Request) Query() string {
	if q, ok := r.Arguments["query"].(string); ok {
		return q
	}
	return ""
}

// SetQuery writes the canonical query argument.
func (r *Request) SetQuery(q string) {
	if r.Arguments == nil {
		r.Arguments = map[string]any{}
	}
	r.Arguments["query"] = q
}

// Argument reads a named argument.
func (r *Request) Argument(key string) (any, bool) {
	v, ok := r.Arguments[key]
	return v, ok
}

// SetArgument writes a named argument.
func (r *Request) SetArgument(key string, value any) {
	if r.Arguments == nil {
		r.Arguments = map[string]any{}
	}
	r.Arguments[key] = value
}

// SessionName keys the history store for this caller/callee pair.
func (r *Request) SessionName() string {
	return r.Caller + "__" + r.Callee
}

// Shared reads a key from the cross-call shared data.
func (r *Request) Shared(key string) (any, bool) {
	if r.SharedData == nil {
		return nil, false
	}
	r.sharedMu.Lock()
	defer r.sharedMu.Unlock()
	v, ok := r.SharedData[key]
	return v, ok
}

// SetShared writes a key into the cross-call shared data.
func (r *Request) SetShared(key string, value any) {
	r.sharedMu.Lock()
	defer r.sharedMu.Unlock()
	if r.SharedData == nil {
		r.SharedData = map[string]any{}
	}
	r.SharedData[key] = value
}

// SendMessage publishes a progress event on this trace's stream.
func (r *Request) SendMessage(ctx context.Context, event Event) {
	if r.runtime == nil {
		return
	}
	r.runtime.Publish(ctx, r.CurrentTraceID, event)
}

// ComputeInputMD5 hashes the canonical projection of the arguments. Used by
// the pipeline before restart interception.
func (r *Request) ComputeInputMD5() string {
	r.InputMD5 = CanonicalMD5(r.Arguments)
	return r.InputMD5
}

// PushFrame records entry into a component on the routing stacks.
func (r *Request) PushFrame(name, nodeID string) {
	r.CallStack = append(r.CallStack, name)
	r.NodeIDStack = append(r.NodeIDStack, nodeID)
}

// Clone deep-copies the envelope. The runtime handle and shared data are
// carried by reference; parallel bookkeeping and the parallel id reset so
// the copy starts its own fan-out scope.
func (r *Request) Clone() *Request {
	clone := &Request{
		CurrentTraceID:       r.CurrentTraceID,
		FromTraceID:          r.FromTraceID,
		RootTraceIDs:         append([]string(nil), r.RootTraceIDs...),
		NodeID:               r.NodeID,
		InputMD5:             r.InputMD5,
		ReferenceTraceID:     r.ReferenceTraceID,
		RestartNodeID:        r.RestartNodeID,
		RestartNodeOutput:    r.RestartNodeOutput,
		RestartNodeOrder:     r.RestartNodeOrder,
		IsLoadDataForRestart: r.IsLoadDataForRestart,
		Caller:               r.Caller,
		Callee:               r.Callee,
		CallerCategory:       r.CallerCategory,
		CalleeCategory:       r.CalleeCategory,
		CallStack:            append([]string(nil), r.CallStack...),
		NodeIDStack:          append([]string(nil), r.NodeIDStack...),
		FatherNodeID:         r.FatherNodeID,
		PreNodeIDs:           append([]string(nil), r.PreNodeIDs...),
		Arguments:            deepCopyMap(r.Arguments),
		IsSaveHistory:        r.IsSaveHistory,
		SharedData:           r.SharedData,
		sharedMu:             r.sharedMu,
		runtime:              r.runtime,
		parallel:             map[string]*parallelGroup{},
	}
	if clone.sharedMu == nil {
		clone.sharedMu = &sync.Mutex{}
	}
	return clone
}

// CallOptions selects the overrides a nested call applies on top of the
// cloned envelope.
type CallOptions struct {
	Callee     string
	Arguments  map[string]any
	ParallelID string
	PreNodeIDs []string
}

// Call dispatches a nested call to another component. It returns an error
// only on caller cancellation; every other failure comes back as a FAILED
// or SKIPPED response.
func (r *Request) Call(ctx context.Context, opts CallOptions) (*Response, error) {
	callee, ok := r.lookup(opts.Callee)
	if !ok {
		return &Response{
			State:  StateFailed,
			Output: fmt.Sprintf("Tool %s not exists", opts.Callee),
		}, nil
	}

	sub := r.Clone()
	sub.Caller = r.Callee
	sub.CallerCategory = r.CalleeCategory
	sub.Callee = opts.Callee
	sub.CalleeCategory = string(callee.Kind())
	sub.NodeID = NewShortID()
	sub.FatherNodeID = r.NodeID
	sub.ParallelID = opts.ParallelID
	if opts.Arguments != nil {
		sub.Arguments = deepCopyMap(opts.Arguments)
	}
	sub.PreNodeIDs = r.joinParallelGroup(opts.ParallelID, sub.NodeID, opts.PreNodeIDs)

	if denied := r.checkPermission(sub, callee); denied != nil {
		return denied, nil
	}

	if opts.Callee == RetrieveToolsName {
		r.injectRetrievalContext(sub)
	}

	resp, err := r.invoke(ctx, callee, sub)
	if err != nil {
		return nil, err
	}

	if opts.Callee == RetrieveToolsName && resp.State == StateCompleted {
		resp.Output = r.expandToolDescriptions(resp.Output)
	}
	r.recordCompletion(opts.ParallelID, sub.NodeID)
	return resp, nil
}

func (r *Request) lookup(name string) (Callee, bool) {
	if r.runtime == nil {
		return nil, false
	}
	return r.runtime.Component(name)
}

// joinParallelGroup registers nodeID under parallelID and returns the
// predecessors the new node fans in from. Every member of one group shares
// the predecessor set recorded when the group was created.
func (r *Request) joinParallelGroup(parallelID, nodeID string, explicit []string) []string {
	if len(explicit) > 0 {
		return append([]string(nil), explicit...)
	}
	if parallelID == "" {
		return append([]string(nil), r.LatestNodeIDs...)
	}

	r.parallelMu.Lock()
	defer r.parallelMu.Unlock()

	group, ok := r.parallel[parallelID]
	if !ok {
		group = &parallelGroup{preNodeIDs: append([]string(nil), r.LatestNodeIDs...)}
		r.parallel[parallelID] = group
	}
	group.nodeIDs = append(group.nodeIDs, nodeID)
	return append([]string(nil), group.preNodeIDs...)
}

// recordCompletion advances the caller's fan-in frontier.
func (r *Request) recordCompletion(parallelID, nodeID string) {
	r.parallelMu.Lock()
	defer r.parallelMu.Unlock()

	if parallelID == "" {
		r.LatestNodeIDs = []string{nodeID}
		return
	}
	if group, ok := r.parallel[parallelID]; ok {
		r.LatestNodeIDs = append([]string(nil), group.nodeIDs...)
	}
}

// checkPermission gates non-user callers on the callee's permission flag and
// the caller's permitted set. Denial skips execution entirely.
func (r *Request) checkPermission(sub *Request, callee Callee) *Response {
	if sub.CallerCategory == CategoryUser || !callee.PermissionRequired() {
		return nil
	}
	if caller, ok := r.lookup(sub.Caller); ok {
		for _, name := range caller.PermittedCallees() {
			if name == sub.Callee {
				return nil
			}
		}
	}
	return &Response{
		State:   StateSkipped,
		Output:  "No permission for tool: " + sub.Callee,
		Request: sub,
	}
}

func (r *Request) injectRetrievalContext(sub *Request) {
	topK := 10
	if caller, ok := r.lookup(sub.Caller); ok {
		if recaller, ok := caller.(toolRecaller); ok {
			topK = recaller.TopKTools()
		}
	}
	sub.SetArgument("app_name", r.runtime.AppName())
	sub.SetArgument("agent_name", sub.Caller)
	sub.SetArgument("top_k", topK)
}

// expandToolDescriptions turns the recall tool's name list into the
// concatenated descriptions the agent injects into its prompt.
func (r *Request) expandToolDescriptions(output any) any {
	names := toStringSlice(output)
	if names == nil {
		return output
	}
	descs := make([]string, 0, len(names))
	for _, name := range names {
		if c, ok := r.lookup(name); ok {
			descs = append(descs, c.DescForLLM())
		}
	}
	return strings.Join(descs, "\n")
}

func (r *Request) invoke(ctx context.Context, callee Callee, sub *Request) (*Response, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout := callee.Timeout(); timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := callee.Execute(callCtx, sub)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		// Caller cancellation propagates instead of degrading to FAILED.
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Response{
			State:   StateFailed,
			Output:  fmt.Sprintf("Executing tool %s timed out", sub.Callee),
			Request: sub,
		}, nil
	}
	return &Response{
		State:   StateFailed,
		Output:  fmt.Sprintf("Error executing tool %s: %v", sub.Callee, err),
		Request: sub,
	}, nil
}

func toStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}
