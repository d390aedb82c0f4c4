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

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

var _ domain.ProviderAdapter = (*AnthropicProvider)(nil)

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	name      string
	model     string
	maxTokens int
	apiKey    string
	baseURL   string
	client    *http.Client
	logger    *slog.Logger
	version   string
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	return &AnthropicProvider{
		name:      cfg.Name,
		model:     cfg.Model,
		maxTokens: maxTokens,
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		client:    NewHTTPClient(cfg),
		logger:    logger,
		version:   defaultAnthropicVersion,
	}
}

// Name implements domain.ProviderAdapter.
func (p *AnthropicProvider) Name() string { return p.name }

// StreamCompletion implements domain.ProviderAdapter.
func (p *AnthropicProvider) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.RawStream, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.anthropic.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", p.model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
		),
	)
	defer span.End()

	body, err := json.Marshal(p.toAnthropicRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/v1/messages", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	p.logger.Debug("llm stream opened", "provider", p.name, "model", p.model)

	return &domain.RawStream{Events: readSSE(ctx, httpResp.Body), Parser: newAnthropicParser()}, nil
}

// --- Anthropic wire types ---

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream"`
}

// anthropicMessage content is either a plain string or a list of blocks.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicStreamEvent struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	ContentBlock *anthropicStreamBlock `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta `json:"delta,omitempty"`
	Error        *anthropicError       `json:"error,omitempty"`
}

type anthropicStreamBlock struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *AnthropicProvider) toAnthropicRequest(req domain.CompletionRequest) anthropicRequest {
	system, items := splitConversation(req)

	out := anthropicRequest{Model: p.model, MaxTokens: p.maxTokens, System: system, Stream: true}
	for _, it := range items {
		if !it.isToolRun() {
			out.Messages = append(out.Messages, anthropicMessage{Role: vendorRole(it.msg.Role), Content: it.msg.Text})
			continue
		}
		var uses, results []anthropicBlock
		for _, r := range it.results {
			ref := toolCallOf(r)
			uses = append(uses, anthropicBlock{Type: "tool_use", ID: ref.ID, Name: ref.Name, Input: ref.Arguments})
			results = append(results, anthropicBlock{Type: "tool_result", ToolUseID: ref.ID, Content: r.Text})
		}
		out.Messages = append(out.Messages,
			anthropicMessage{Role: "assistant", Content: uses},
			anthropicMessage{Role: "user", Content: results},
		)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: toolParameters(t)})
	}
	return out
}

// anthropicParser decodes Messages API stream events. input_json_delta
// events only carry the content block index, mapped back to the tool_use id.
type anthropicParser struct {
	ids map[int]string
}

func newAnthropicParser() *anthropicParser {
	return &anthropicParser{ids: make(map[int]string)}
}

// Parse implements domain.ChunkParser.
func (p *anthropicParser) Parse(data []byte) (domain.Chunk, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.Chunk{}, fmt.Errorf("decode event: %w", err)
	}

	var out domain.Chunk
	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			p.ids[ev.Index] = ev.ContentBlock.ID
			out.ToolCalls = []domain.ToolCallFragment{{CallID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}}
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return out, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				out.Text = []string{ev.Delta.Text}
			}
		case "input_json_delta":
			id, ok := p.ids[ev.Index]
			if !ok {
				return domain.Chunk{}, fmt.Errorf("input_json_delta for unknown block %d", ev.Index)
			}
			if ev.Delta.PartialJSON != "" {
				out.ToolCalls = []domain.ToolCallFragment{{CallID: id, ArgChunk: ev.Delta.PartialJSON}}
			}
		}
	case "message_delta":
		if ev.Delta != nil {
			out.Terminal = anthropicStopReason(ev.Delta.StopReason)
		}
	case "message_stop":
		out.Terminal = domain.ReasonStop
	case "error":
		msg := "unknown error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		return domain.Chunk{}, fmt.Errorf("%w: %s", domain.ErrProviderStream, msg)
	}
	return out, nil
}

func anthropicStopReason(reason string) domain.TerminalReason {
	switch reason {
	case "":
		return ""
	case "tool_use":
		return domain.ReasonToolRequested
	case "max_tokens":
		return domain.ReasonLengthLimit
	default:
		return domain.ReasonStop
	}
}
