package protocol

// EventType enumerates the message bus event kinds.
type EventType string

const (
	EventToolCall    EventType = "tool_call"
	EventObservation EventType = "observation"
	EventThink       EventType = "think"
	EventAnswer      EventType = "answer"
	EventMsg         EventType = "msg"
	EventClose       EventType = "close"
)

// Event is one progress item on a trace's message stream.
type Event struct {
	Type    EventType `json:"type" msgpack:"type"`
	Content any       `json:"content" msgpack:"content"`
}
