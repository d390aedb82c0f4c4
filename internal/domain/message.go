package domain

import (
	"encoding/json"
	"time"
)

// Role is the author of a message.
type Role string

// Role constants for message roles.
const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleToolResult:
		return true
	}
	return false
}

// Attachment points at a content-addressed payload stored outside the message.
type Attachment struct {
	Kind   string `json:"kind"`             // "audio", "image"
	Ref    string `json:"ref"`              // e.g. "blake3:<hex>"
	Format string `json:"format,omitempty"` // e.g. "webm", "png"
}

// ToolCallRef identifies the tool call a tool_result message answers.
type ToolCallRef struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one conversation turn. Text and Role never change after
// creation; Active is owned by the budget manager.
type Message struct {
	ID         string       `json:"id"`
	Role       Role         `json:"role"`
	Text       string       `json:"text"`
	Active     bool         `json:"active"`
	Pinned     bool         `json:"pinned,omitempty"`
	Attachment *Attachment  `json:"attachment,omitempty"`
	ToolCall   *ToolCallRef `json:"tool_call,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Record is the persisted form of a message. Active flags are derived state
// and are never stored.
type Record struct {
	ID         string       `json:"id" cbor:"id"`
	Role       Role         `json:"role" cbor:"role"`
	Text       string       `json:"text" cbor:"text"`
	Pinned     bool         `json:"pinned,omitempty" cbor:"pinned,omitempty"`
	Attachment *Attachment  `json:"attachment,omitempty" cbor:"attachment,omitempty"`
	ToolCall   *ToolCallRef `json:"tool_call,omitempty" cbor:"tool_call,omitempty"`
	CreatedAt  time.Time    `json:"created_at" cbor:"created_at"`
}

// SessionConfig is the immutable per-session configuration.
type SessionConfig struct {
	TokenBudget       int    `json:"token_budget" cbor:"token_budget"`
	MaxActiveMessages int    `json:"max_active_messages" cbor:"max_active_messages"`
	StructuredMode    bool   `json:"structured_mode" cbor:"structured_mode"`
	Provider          string `json:"provider,omitempty" cbor:"provider,omitempty"`
}

// Snapshot is the exported/persisted layout of a session.
type Snapshot struct {
	Key       string          `json:"key" cbor:"key"`
	Config    SessionConfig   `json:"config" cbor:"config"`
	Records   []Record        `json:"records" cbor:"records"`
	Context   json.RawMessage `json:"context,omitempty" cbor:"context,omitempty"`
	UpdatedAt time.Time       `json:"updated_at" cbor:"updated_at"`
}

// Envelope is the structured-mode shape of an assistant reply.
type Envelope struct {
	Message string          `json:"message"`
	Context json.RawMessage `json:"context"`
}
