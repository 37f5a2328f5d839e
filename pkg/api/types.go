package api

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the accepted roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ConversationTurn is one message of the conversation history. Turns are
// values and are never modified after the request is decoded.
type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserTurn returns a user turn with the given content.
func UserTurn(content string) ConversationTurn {
	return ConversationTurn{Role: RoleUser, Content: content}
}

// AssistantTurn returns an assistant turn with the given content.
func AssistantTurn(content string) ConversationTurn {
	return ConversationTurn{Role: RoleAssistant, Content: content}
}

// ChatRequest is the body of POST /api/chat and POST /api/chat/stream.
//
// Clients send either the full ordered turn list in Messages, or a single
// Message which the server wraps into one user turn using the configured
// template. Framing is not part of the JSON body; the HTTP adapter fills it
// in from the route and the Accept header.
type ChatRequest struct {
	Messages []ConversationTurn `json:"messages,omitempty"`
	Message  *string            `json:"message,omitempty"`

	Framing FramingMode `json:"-"`
}

// UnmarshalJSON rejects bodies that set both messages and message.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type plain ChatRequest
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Message != nil && len(p.Messages) > 0 {
		return NewInvalidRequestError("message", "message and messages are mutually exclusive")
	}
	*r = ChatRequest(p)
	return nil
}

// Increment is one fragment of generated text. It has no identity beyond its
// position in the stream.
type Increment string

// StreamRecord summarizes one relayed stream. It never carries the
// conversation content or the generated text.
type StreamRecord struct {
	ID         string      `json:"id"`
	Subject    string      `json:"subject,omitempty"`
	Provider   string      `json:"provider"`
	Model      string      `json:"model,omitempty"`
	Framing    FramingMode `json:"framing"`
	State      StreamState `json:"state"`
	Turns      int         `json:"turns"`
	Increments int         `json:"increments"`
	Bytes      int64       `json:"bytes"`
	Error      string      `json:"error,omitempty"`

	StartedAt        time.Time     `json:"started_at"`
	FirstIncrementAt *time.Time    `json:"first_increment_at,omitempty"`
	Duration         time.Duration `json:"duration_ns"`
}

// StreamList is a page of stream records.
type StreamList struct {
	Object  string          `json:"object"`
	Data    []*StreamRecord `json:"data"`
	FirstID string          `json:"first_id,omitempty"`
	LastID  string          `json:"last_id,omitempty"`
	HasMore bool            `json:"has_more"`
}
