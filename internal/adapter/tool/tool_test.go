package tool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"monadic-chat/internal/domain"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubTool is a minimal tool with a configurable schema and handler.
type stubTool struct {
	name   string
	schema json.RawMessage
	exec   func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        s.name,
		Description: "stub",
		Parameters:  s.schema,
	}
}
func (s *stubTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if s.exec == nil {
		return &domain.ToolResult{Text: "ok"}, nil
	}
	return s.exec(ctx, params)
}

func asToolError(t *testing.T, err error) *domain.ToolError {
	t.Helper()
	var te *domain.ToolError
	if !errors.As(err, &te) {
		t.Fatalf("error %v (%T) is not a *domain.ToolError", err, err)
	}
	return te
}
