package llm

import (
	"encoding/json"
	"fmt"
)

// Role represents the role of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the Role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid value.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Message represents a single message in a conversation with an LLM.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Validate checks if the message is valid.
func (m Message) Validate() error {
	if !m.Role.IsValid() {
		return fmt.Errorf("invalid role: %s", m.Role)
	}
	if m.Content == "" {
		return fmt.Errorf("%s message must have content", m.Role)
	}
	return nil
}

// ToolDef describes a function the model may invoke instead of answering in
// text. Parameters is a JSON-schema object.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a model-issued invocation of a ToolDef, carrying the raw JSON
// arguments the model produced.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ReplyKind discriminates the two shapes an inference response can take.
type ReplyKind string

const (
	// ReplyText means the model answered with plain assistant text.
	ReplyText ReplyKind = "text"

	// ReplyToolCall means the model invoked one of the offered tools.
	ReplyToolCall ReplyKind = "tool_call"
)

// Reply is the tagged union of the two inference response shapes. Consumers
// must switch on Kind exhaustively; exactly one of Text or ToolCall is
// populated.
type Reply struct {
	Kind     ReplyKind
	Text     string
	ToolCall *ToolCall
}

// TextReply constructs a text-shaped Reply.
func TextReply(text string) *Reply {
	return &Reply{Kind: ReplyText, Text: text}
}

// ToolCallReply constructs a tool-call-shaped Reply.
func ToolCallReply(tc ToolCall) *Reply {
	return &Reply{Kind: ReplyToolCall, ToolCall: &tc}
}

// IsEmpty reports whether the reply carries no usable content.
func (r *Reply) IsEmpty() bool {
	if r == nil {
		return true
	}
	switch r.Kind {
	case ReplyText:
		return r.Text == ""
	case ReplyToolCall:
		return r.ToolCall == nil
	default:
		return true
	}
}
