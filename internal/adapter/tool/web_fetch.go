package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/infra/tracer"
	"monadic-chat/internal/security"
)

const (
	defaultMaxBodySize  = 1 * 1024 * 1024 // 1MB
	defaultFetchTimeout = 15 * time.Second
	maxRedirects        = 5
)

// WebFetchTool fetches a URL for the model, refusing private and reserved
// addresses both before the request and at dial time.
type WebFetchTool struct {
	client      *http.Client
	validate    func(ctx context.Context, rawURL string) error
	maxBodySize int64
	logger      *slog.Logger
}

// NewWebFetchTool creates the web_fetch tool.
func NewWebFetchTool(cfg config.WebFetchConfig, logger *slog.Logger) *WebFetchTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	client := &http.Client{
		Transport: security.NewSSRFSafeTransport(),
		Timeout:   timeout,
	}
	return newWebFetchTool(client, security.ValidateURL, cfg.MaxBytes, logger)
}

func newWebFetchTool(client *http.Client, validate func(context.Context, string) error, maxBytes int64, logger *slog.Logger) *WebFetchTool {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodySize
	}
	t := &WebFetchTool{
		client:      client,
		validate:    validate,
		maxBodySize: maxBytes,
		logger:      logger,
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("too many redirects")
		}
		return t.validate(req.Context(), req.URL.String())
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch the content of a public http(s) URL. Returns the status line followed by the body."
}

func (t *WebFetchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The URL to fetch"},
				"method": {"type": "string", "enum": ["GET", "HEAD"], "description": "HTTP method (default: GET)"},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}, "description": "Additional HTTP headers"}
			},
			"required": ["url"]
		}`),
	}
}

type webFetchParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (t *WebFetchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.web_fetch", t.logger, params,
		func(ctx context.Context, span trace.Span, p webFetchParams) (any, error) {
			span.SetAttributes(tracer.StringAttr("http.url", p.URL))

			if err := t.validate(ctx, p.URL); err != nil {
				return nil, &domain.ToolError{Kind: domain.ToolErrInvalidArgs, Message: err.Error()}
			}

			method := p.Method
			if method == "" {
				method = http.MethodGet
			}
			if method != http.MethodGet && method != http.MethodHead {
				return nil, &domain.ToolError{Kind: domain.ToolErrInvalidArgs,
					Message: fmt.Sprintf("invalid HTTP method: %q (only GET and HEAD allowed)", method)}
			}

			req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
			if err != nil {
				return nil, &domain.ToolError{Kind: domain.ToolErrInvalidArgs, Message: fmt.Sprintf("create request: %v", err)}
			}
			for k, v := range p.Headers {
				if containsCRLF(k) || containsCRLF(v) {
					return nil, &domain.ToolError{Kind: domain.ToolErrInvalidArgs,
						Message: "invalid header: CRLF characters not allowed"}
				}
				req.Header.Set(k, v)
			}

			resp, err := t.client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("http request: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodySize+1))
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}
			truncated := int64(len(body)) > t.maxBodySize
			if truncated {
				body = body[:t.maxBodySize]
			}

			span.SetAttributes(tracer.IntAttr("http.status_code", resp.StatusCode))
			t.logger.Debug("web fetch completed", "url", p.URL, "status", resp.StatusCode, "size", len(body))

			var b strings.Builder
			fmt.Fprintf(&b, "HTTP %d\n\n%s", resp.StatusCode, body)
			if truncated {
				fmt.Fprintf(&b, "\n\n[truncated at %d bytes]", t.maxBodySize)
			}
			return b.String(), nil
		},
	)
}

// containsCRLF checks for characters usable for header injection.
func containsCRLF(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
