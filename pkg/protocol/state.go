// Package protocol defines the call envelope, response, memory and event
// types exchanged between components, plus the nested-call protocol that
// routes one component's request into another through the runtime.
package protocol

// State is the lifecycle state of a single component execution.
type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StatePaused    State = "PAUSED"
	StateSkipped   State = "SKIPPED"
	StateCanceled  State = "CANCELED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped, StateCanceled:
		return true
	}
	return false
}

// Kind classifies a component for dispatch defaults and restart rules.
type Kind string

const (
	KindLLM   Kind = "llm"
	KindTool  Kind = "tool"
	KindAgent Kind = "agent"
	KindFlow  Kind = "flow"
)

// CategoryUser is the caller category of requests entering from outside the
// runtime. Permission checks treat it as always allowed.
const CategoryUser = "user"
