package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/tracer"
)

var _ domain.ToolInvoker = (*Registry)(nil)

// Registry holds named tools and runs them on behalf of the model. Every
// failure leaves Invoke as a *domain.ToolError.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]domain.Tool
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout bounds every invocation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithRateLimiter shares one token bucket across all invocations. A nil
// limiter disables limiting.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(r *Registry) { r.limiter = l }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool, wrapped with schema validation. If the schema does
// not compile, the tool is registered without validation and a warning is
// logged. Returns error if the name is already registered.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	wrapped, err := WithSchemaValidation(t)
	if err != nil {
		r.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
	} else {
		t = wrapped
	}

	r.tools[name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manifest implements domain.ToolInvoker. Schemas are sorted by name so
// requests are stable across turns.
func (r *Registry) Manifest() []domain.ToolSchema {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			schemas = append(schemas, t.Schema())
		}
	}
	return schemas
}

// Invoke implements domain.ToolInvoker.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "tool.invoke",
		trace.WithAttributes(tracer.StringAttr("tool.name", name)),
	)
	defer span.End()

	result, err := r.invoke(ctx, name, args)
	if err != nil {
		tracer.RecordError(span, err)
		r.logger.Warn("tool invocation failed",
			"tool", name,
			"session", domain.SessionKeyFromContext(ctx),
			"turn", domain.TurnIDFromContext(ctx),
			"error", err,
		)
		return nil, err
	}
	tracer.SetOK(span)
	return result, nil
}

func (r *Registry) invoke(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &domain.ToolError{Kind: domain.ToolErrNotFound, Message: fmt.Sprintf("tool %q not found", name)}
	}

	if r.limiter != nil && !r.limiter.Allow() {
		return nil, &domain.ToolError{Kind: domain.ToolErrRateLimited, Message: "tool rate limit exceeded, try again later"}
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		result *domain.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := t.Execute(callCtx, args)
		done <- outcome{res, err}
	}()

	var result *domain.ToolResult
	var err error
	select {
	case out := <-done:
		result, err = out.result, out.err
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	switch {
	case err == nil:
		if result == nil {
			result = &domain.ToolResult{}
		}
		return result, nil
	case ctx.Err() != nil:
		return nil, &domain.ToolError{Kind: domain.ToolErrExecution, Message: ctx.Err().Error()}
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, &domain.ToolError{Kind: domain.ToolErrTimeout, Message: fmt.Sprintf("tool %q timed out after %s", name, r.timeout)}
	default:
		return nil, toToolError(err)
	}
}
