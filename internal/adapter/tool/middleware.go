package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/tracer"
)

// Execute is the standard tool execution pipeline: parse params, start a
// span, run the handler, format the result.
//
// The handler receives the parsed params and an active trace span. It should return:
//   - (string, nil): a plain-text result
//   - (*domain.ToolResult, nil): returned as-is
//   - (any other value, nil): JSON-marshaled into the result text
//   - (nil, error): turned into a *domain.ToolError
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName)
	defer span.End()

	p, perr := ParseParams[P](rawParams)
	if perr != nil {
		tracer.RecordError(span, perr)
		return nil, perr
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)
		return nil, toToolError(err)
	}

	return formatResult(span, result)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		tracer.SetOK(span)
		return v, nil
	case string:
		tracer.SetOK(span)
		return &domain.ToolResult{Text: v}, nil
	case nil:
		tracer.SetOK(span)
		return &domain.ToolResult{}, nil
	default:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			tracer.RecordError(span, err)
			return nil, &domain.ToolError{Kind: domain.ToolErrExecution, Message: fmt.Sprintf("failed to format response: %v", err)}
		}
		tracer.SetOK(span)
		return &domain.ToolResult{Text: string(data)}, nil
	}
}

// ParseParams unmarshals rawParams into P. Empty params decode as {}.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolError) {
	var p P
	if len(rawParams) == 0 {
		rawParams = json.RawMessage("{}")
	}
	if err := json.Unmarshal(rawParams, &p); err != nil {
		return p, &domain.ToolError{Kind: domain.ToolErrInvalidArgs, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return p, nil
}
