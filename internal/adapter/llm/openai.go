package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/infra/tracer"
)

var _ domain.ProviderAdapter = (*OpenAIProvider)(nil)

// OpenAIProvider streams completions from any OpenAI-compatible chat API.
type OpenAIProvider struct {
	name      string
	vendor    string
	model     string
	maxTokens int
	apiKey    string
	baseURL   string
	headers   map[string]string
	client    *http.Client
	logger    *slog.Logger
}

// NewOpenAIProvider creates a provider for api.openai.com or a compatible
// endpoint set through BaseURL.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIProvider{
		name:      cfg.Name,
		vendor:    "openai",
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		client:    NewHTTPClient(cfg),
		logger:    logger,
	}
}

// Name implements domain.ProviderAdapter.
func (p *OpenAIProvider) Name() string { return p.name }

// StreamCompletion implements domain.ProviderAdapter.
func (p *OpenAIProvider) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.RawStream, error) {
	ctx, span := tracer.StartSpan(ctx, "llm."+p.vendor+".stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", p.model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
		),
	)
	defer span.End()

	body, err := json.Marshal(p.toOpenAIRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := make(map[string]string, len(p.headers)+1)
	for k, v := range p.headers {
		headers[k] = v
	}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	p.logger.Debug("llm stream opened", "provider", p.name, "model", p.model)

	return &domain.RawStream{Events: readSSE(ctx, httpResp.Body), Parser: newOpenAIParser()}, nil
}

// --- OpenAI wire types ---

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	Tools          []openaiTool    `json:"tools,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *openaiFormat   `json:"response_format,omitempty"`
	Stream         bool            `json:"stream"`
}

type openaiFormat struct {
	Type string `json:"type"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	Index    int                `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiStreamChunk struct {
	Choices []openaiStreamChoice `json:"choices"`
	Error   *openaiError         `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string           `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls"`
}

type openaiError struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

func (p *OpenAIProvider) toOpenAIRequest(req domain.CompletionRequest) openaiRequest {
	system, items := splitConversation(req)

	out := openaiRequest{Model: p.model, MaxTokens: p.maxTokens, Stream: true}
	if system != "" {
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: system})
	}
	for _, it := range items {
		if !it.isToolRun() {
			out.Messages = append(out.Messages, openaiMessage{Role: vendorRole(it.msg.Role), Content: it.msg.Text})
			continue
		}
		call := openaiMessage{Role: "assistant"}
		var results []openaiMessage
		for _, r := range it.results {
			ref := toolCallOf(r)
			call.ToolCalls = append(call.ToolCalls, openaiToolCall{
				ID:       ref.ID,
				Type:     "function",
				Function: openaiFunctionCall{Name: ref.Name, Arguments: string(ref.Arguments)},
			})
			results = append(results, openaiMessage{Role: "tool", Content: r.Text, ToolCallID: ref.ID})
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
		out.ResponseFormat = &openaiFormat{Type: "json_object"}
	}
	return out
}

// openaiParser decodes chat.completion.chunk payloads. Tool call deltas after
// the first only carry their index, so the parser remembers index to id.
type openaiParser struct {
	ids map[int]string
}

func newOpenAIParser() *openaiParser {
	return &openaiParser{ids: make(map[int]string)}
}

// Parse implements domain.ChunkParser.
func (p *openaiParser) Parse(data []byte) (domain.Chunk, error) {
	if string(data) == "[DONE]" {
		return domain.Chunk{Terminal: domain.ReasonStop}, nil
	}

	var chunk openaiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return domain.Chunk{}, fmt.Errorf("decode chunk: %w", err)
	}
	if chunk.Error != nil {
		return domain.Chunk{}, fmt.Errorf("%w: %s", domain.ErrProviderStream, chunk.Error.Message)
	}

	var out domain.Chunk
	if len(chunk.Choices) == 0 {
		return out, nil
	}
	c := chunk.Choices[0]
	if c.Delta.Content != "" {
		out.Text = []string{c.Delta.Content}
	}
	for _, tc := range c.Delta.ToolCalls {
		id := tc.ID
		switch {
		case id != "":
			p.ids[tc.Index] = id
		case p.ids[tc.Index] != "":
			id = p.ids[tc.Index]
		default:
			id = fmt.Sprintf("call_%d", tc.Index)
			p.ids[tc.Index] = id
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCallFragment{
			CallID:   id,
			Name:     tc.Function.Name,
			ArgChunk: tc.Function.Arguments,
		})
	}
	if c.FinishReason != nil {
		out.Terminal = openaiFinishReason(*c.FinishReason)
	}
	return out, nil
}

func openaiFinishReason(reason string) domain.TerminalReason {
	switch reason {
	case "":
		return ""
	case "tool_calls", "function_call":
		return domain.ReasonToolRequested
	case "length":
		return domain.ReasonLengthLimit
	default:
		return domain.ReasonStop
	}
}

// toolParameters returns the JSON schema of a tool, defaulting to an empty
// object schema.
func toolParameters(t domain.ToolSchema) json.RawMessage {
	if len(t.Parameters) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.Parameters
}
