package protocol

import "encoding/json"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a conversation. Content is either a string or a
// list of typed multimodal parts.
type Message struct {
	Role      Role   `json:"role"`
	Content   any    `json:"content"`
	Name      string `json:"name,omitempty"`
	ToolCalls any    `json:"tool_calls,omitempty"`
}

func SystemMessage(content any) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content any) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content any) Message {
	return Message{Role: RoleAssistant, Content: content}
}

func ToolMessage(name string, content any) Message {
	return Message{Role: RoleTool, Content: content, Name: name}
}

// ToDict renders the message as the map shape LLM providers accept.
func (m Message) ToDict() map[string]any {
	d := map[string]any{"role": string(m.Role), "content": m.Content}
	if m.Name != "" {
		d["name"] = m.Name
	}
	if m.ToolCalls != nil {
		d["tool_calls"] = m.ToolCalls
	}
	return d
}

// ContentString returns the content as text; non-string content is rendered
// as JSON.
func (m Message) ContentString() string {
	return ToJSONString(m.Content)
}

// DefaultMaxMessages bounds a Memory when no limit is given.
const DefaultMaxMessages = 100

// Memory is an ordered bounded message list. When the bound is exceeded the
// oldest message is dropped. It is a pure in-process value; persistence
// happens separately through history records.
type Memory struct {
	maxMessages int
	messages    []Message
}

func NewMemory() *Memory {
	return NewMemoryWithLimit(DefaultMaxMessages)
}

func NewMemoryWithLimit(max int) *Memory {
	if max < 1 {
		max = DefaultMaxMessages
	}
	return &Memory{maxMessages: max}
}

func (m *Memory) AddMessage(msg Message) {
	m.messages = append(m.messages, msg)
	if len(m.messages) > m.maxMessages {
		m.messages = m.messages[len(m.messages)-m.maxMessages:]
	}
}

func (m *Memory) AddMessages(msgs []Message) {
	for _, msg := range msgs {
		m.AddMessage(msg)
	}
}

func (m *Memory) Len() int {
	return len(m.messages)
}

// Messages returns a copy so callers cannot bypass the bound.
func (m *Memory) Messages() []Message {
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// ToDicts renders the memory as the provider payload shape.
func (m *Memory) ToDicts() []map[string]any {
	out := make([]map[string]any, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, msg.ToDict())
	}
	return out
}

func (m *Memory) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.messages)
}

func (m *Memory) UnmarshalJSON(data []byte) error {
	if m.maxMessages == 0 {
		m.maxMessages = DefaultMaxMessages
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return err
	}
	m.messages = nil
	m.AddMessages(msgs)
	return nil
}

// MemoryFromDicts rebuilds a Memory from provider-shaped maps, e.g. a
// history record's serialised react memory.
func MemoryFromDicts(dicts []map[string]any) *Memory {
	mem := NewMemory()
	for _, d := range dicts {
		msg := Message{Content: d["content"]}
		if role, ok := d["role"].(string); ok {
			msg.Role = Role(role)
		}
		if name, ok := d["name"].(string); ok {
			msg.Name = name
		}
		if tc, ok := d["tool_calls"]; ok {
			msg.ToolCalls = tc
		}
		mem.AddMessage(msg)
	}
	return mem
}
