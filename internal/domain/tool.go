package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the successful outcome of a tool invocation.
type ToolResult struct {
	Text string `json:"text"`
}

// ToolError kinds.
const (
	ToolErrNotFound    = "not_found"
	ToolErrInvalidArgs = "invalid_arguments"
	ToolErrExecution   = "execution"
	ToolErrTimeout     = "timeout"
	ToolErrRateLimited = "rate_limited"
)

// ToolError is the failed outcome of a tool invocation. Its message is shown
// to the model so it can react on re-entry.
type ToolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is(err, ErrToolFailure) match every ToolError.
func (e *ToolError) Unwrap() error { return ErrToolFailure }

// Tool is the interface every locally registered tool implements.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolInvoker runs a named tool with JSON arguments. Failures are reported as
// *ToolError; Invoke must return promptly once ctx is cancelled.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
	Manifest() []ToolSchema
}

// ToolCallRequest accumulates one model-initiated tool call while streaming.
type ToolCallRequest struct {
	CallID    string
	ToolName  string
	Fragments []string
}

// Arguments concatenates the accumulated argument fragments. An empty
// payload becomes an empty JSON object.
func (r *ToolCallRequest) Arguments() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(r.Fragments, ""))
	if joined == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(joined)
}
