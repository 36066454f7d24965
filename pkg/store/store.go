// Package store defines the persistence contracts for traces, nodes,
// dialogue history and bus messages, plus the record shapes they share.
// Implementations live in the local (JSON files) and sqlite subpackages.
package store

import (
	"context"
)

// TraceRecord is written once per user dispatch.
type TraceRecord struct {
	TraceID      string   `json:"trace_id"`
	FromTraceID  string   `json:"from_trace_id,omitempty"`
	RootTraceIDs []string `json:"root_trace_ids,omitempty"`
	Input        string   `json:"input"`
	Output       string   `json:"output,omitempty"`
	CreateTime   string   `json:"create_time"`
	UpdateTime   string   `json:"update_time"`
}

// NodeRecord captures one component execution. The restart engine reads
// nothing but these.
type NodeRecord struct {
	NodeID         string         `json:"node_id"`
	TraceID        string         `json:"trace_id"`
	Caller         string         `json:"caller"`
	Callee         string         `json:"callee"`
	CallerCategory string         `json:"caller_category"`
	CalleeCategory string         `json:"callee_category"`
	FatherNodeID   string         `json:"father_node_id,omitempty"`
	PreNodeIDs     []string       `json:"pre_node_ids,omitempty"`
	ParallelID     string         `json:"parallel_id,omitempty"`
	CallStack      []string       `json:"call_stack"`
	InputMD5       string         `json:"input_md5"`
	Input          string         `json:"input"`
	Output         string         `json:"output,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
	State          string         `json:"state"`
	CreateTime     string         `json:"create_time"`
	UpdateTime     string         `json:"update_time"`
}

// HistoryRecord is one completed dialogue turn for a caller__callee session.
type HistoryRecord struct {
	TraceID     string         `json:"trace_id"`
	SessionName string         `json:"session_name"`
	Query       string         `json:"query"`
	Answer      string         `json:"answer"`
	Extra       map[string]any `json:"extra,omitempty"`
	CreateTime  string         `json:"create_time"`
}

// Key returns the unique history key.
func (h *HistoryRecord) Key() string {
	return h.TraceID + "__" + h.SessionName
}

// MessageRecord is one persisted bus event.
type MessageRecord struct {
	TraceID    string `json:"trace_id"`
	Seq        int64  `json:"seq"`
	Type       string `json:"type"`
	Content    any    `json:"content"`
	CreateTime string `json:"create_time"`
}

// TraceStore persists per-dispatch trace records.
type TraceStore interface {
	SaveTrace(ctx context.Context, rec *TraceRecord) error
	GetTrace(ctx context.Context, traceID string) (*TraceRecord, bool, error)
}

// NodeStore persists node records. FindNodeByInput is the restart engine's
// sole query: the most recently updated node in a trace whose canonical
// input hash matches.
type NodeStore interface {
	SaveNode(ctx context.Context, rec *NodeRecord) error
	GetNode(ctx context.Context, nodeID string) (*NodeRecord, bool, error)
	FindNodeByInput(ctx context.Context, traceID, inputMD5 string) (*NodeRecord, bool, error)
	ListNodes(ctx context.Context, traceID string) ([]*NodeRecord, error)
}

// HistoryStore persists dialogue turns. ListHistory returns the newest
// records first, restricted to the given ancestor trace ids.
type HistoryStore interface {
	SaveHistory(ctx context.Context, rec *HistoryRecord) error
	ListHistory(ctx context.Context, sessionName string, traceIDs []string, limit int) ([]*HistoryRecord, error)
}

// MessageStore optionally persists bus events for later inspection.
type MessageStore interface {
	SaveMessage(ctx context.Context, rec *MessageRecord) error
	ListMessages(ctx context.Context, traceID string) ([]*MessageRecord, error)
}

// Store bundles the four contracts behind one backend.
type Store interface {
	TraceStore
	NodeStore
	HistoryStore
	MessageStore
	Close() error
}
