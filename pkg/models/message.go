package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Attachment is an opaque reference carried alongside a user message.
type Attachment struct {
	Name string `json:"name"`
	Mime string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message is one entry in a session timeline. Messages are append-only;
// truncation is only possible via forking or checkpoint restore.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"` // may be empty for tool-only messages

	// ToolCallIDs lists the tool calls owned by this message, in response
	// order. Only assistant messages carry tool calls.
	ToolCallIDs []string `json:"tool_call_ids,omitempty"`

	// ToolCallID is set on tool-result messages: the completed call this
	// message satisfies.
	ToolCallID string `json:"tool_call_id,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
	Seq         int          `json:"seq"` // position in the session timeline
	CreatedAt   time.Time    `json:"created_at"`
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	if m.ToolCallIDs != nil {
		c.ToolCallIDs = append([]string(nil), m.ToolCallIDs...)
	}
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return &c
}
