package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/infra/tracer"
)

// Default Ollama timeouts: short connect (local), long response (model loading).
const (
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second
)

var _ domain.ProviderAdapter = (*OllamaProvider)(nil)

// OllamaProvider streams completions from the native Ollama /api/chat
// endpoint, which answers with newline-delimited JSON rather than SSE.
type OllamaProvider struct {
	name      string
	model     string
	maxTokens int
	baseURL   string
	client    *http.Client
	logger    *slog.Logger
}

// NewOllamaProvider creates a provider for a local or remote Ollama server.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	ollamaCfg := cfg
	if ollamaCfg.ConnTimeout == 0 {
		ollamaCfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if ollamaCfg.RespTimeout == 0 {
		ollamaCfg.RespTimeout = ollamaDefaultRespTimeout
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &OllamaProvider{
		name:      cfg.Name,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		baseURL:   baseURL,
		client:    NewHTTPClient(ollamaCfg),
		logger:    logger,
	}
}

// Name implements domain.ProviderAdapter.
func (p *OllamaProvider) Name() string { return p.name }

// StreamCompletion implements domain.ProviderAdapter.
func (p *OllamaProvider) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.RawStream, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.ollama.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", p.model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
		),
	)
	defer span.End()

	body, err := json.Marshal(p.toOllamaRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/api/chat", body, nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	p.logger.Debug("llm stream opened", "provider", p.name, "model", p.model)

	return &domain.RawStream{Events: readNDJSON(ctx, httpResp.Body), Parser: &ollamaParser{}}, nil
}

// --- Ollama wire types ---

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
	Format   string          `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaStreamChunk struct {
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason"`
	Error      string        `json:"error"`
}

func (p *OllamaProvider) toOllamaRequest(req domain.CompletionRequest) ollamaRequest {
	system, items := splitConversation(req)

	out := ollamaRequest{Model: p.model, Stream: true}
	if system != "" {
		out.Messages = append(out.Messages, ollamaMessage{Role: "system", Content: system})
	}
	for _, it := range items {
		if !it.isToolRun() {
			out.Messages = append(out.Messages, ollamaMessage{Role: vendorRole(it.msg.Role), Content: it.msg.Text})
			continue
		}
		call := ollamaMessage{Role: "assistant"}
		var results []ollamaMessage
		for _, r := range it.results {
			ref := toolCallOf(r)
			call.ToolCalls = append(call.ToolCalls, ollamaToolCall{Function: ollamaFunctionCall{Name: ref.Name, Arguments: ref.Arguments}})
			results = append(results, ollamaMessage{Role: "tool", Content: r.Text, ToolName: ref.Name})
		}
		out.Messages = append(out.Messages, call)
		out.Messages = append(out.Messages, results...)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type:     "function",
			Function: openaiFunction{Name: t.Name, Description: t.Description, Parameters: toolParameters(t)},
		})
	}
	if req.StructuredMode {
		out.Format = "json"
	}
	if p.maxTokens > 0 {
		out.Options = &ollamaOptions{NumPredict: p.maxTokens}
	}
	return out
}

// ollamaParser decodes /api/chat lines. Tool calls arrive whole and without
// ids; the final line carries done=true.
type ollamaParser struct {
	calls int
}

// Parse implements domain.ChunkParser.
func (p *ollamaParser) Parse(data []byte) (domain.Chunk, error) {
	var chunk ollamaStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return domain.Chunk{}, fmt.Errorf("decode chunk: %w", err)
	}
	if chunk.Error != "" {
		return domain.Chunk{}, fmt.Errorf("%w: %s", domain.ErrProviderStream, chunk.Error)
	}

	var out domain.Chunk
	if chunk.Message.Content != "" {
		out.Text = []string{chunk.Message.Content}
	}
	for _, tc := range chunk.Message.ToolCalls {
		p.calls++
		args := string(tc.Function.Arguments)
		if args == "" || args == "null" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCallFragment{
			CallID:   fmt.Sprintf("call_%d", p.calls),
			Name:     tc.Function.Name,
			ArgChunk: args,
		})
	}
	if chunk.Done {
		switch {
		case chunk.DoneReason == "length":
			out.Terminal = domain.ReasonLengthLimit
		case p.calls > 0:
			out.Terminal = domain.ReasonToolRequested
		default:
			out.Terminal = domain.ReasonStop
		}
	}
	return out, nil
}
