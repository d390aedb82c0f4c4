package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/infra/tracer"
)

var _ domain.ProviderAdapter = (*GeminiProvider)(nil)

// GeminiProvider streams completions from the Google Gemini API.
type GeminiProvider struct {
	name      string
	model     string
	maxTokens int
	apiKey    string
	baseURL   string
	client    *http.Client
	logger    *slog.Logger
}

// NewGeminiProvider creates a provider for the Gemini generateContent API.
func NewGeminiProvider(cfg config.ProviderConfig, logger *slog.Logger) *GeminiProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	return &GeminiProvider{
		name:      cfg.Name,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		client:    NewHTTPClient(cfg),
		logger:    logger,
	}
}

// Name implements domain.ProviderAdapter.
func (p *GeminiProvider) Name() string { return p.name }

// StreamCompletion implements domain.ProviderAdapter.
func (p *GeminiProvider) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.RawStream, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.gemini.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", p.model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
		),
	)
	defer span.End()

	body, err := json.Marshal(p.toGeminiRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, url.PathEscape(p.model))
	headers := map[string]string{"x-goog-api-key": p.apiKey}

	httpResp, err := doStreamRequest(ctx, p.client, endpoint, body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	p.logger.Debug("llm stream opened", "provider", p.name, "model", p.model)

	return &domain.RawStream{Events: readSSE(ctx, httpResp.Body), Parser: &geminiParser{}}, nil
}

// --- Gemini wire types ---

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerating `json:"generationConfig,omitempty"`
}

type geminiGenerating struct {
	MaxOutputTokens  int    `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFuncResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type geminiStreamChunk struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error      *geminiError      `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *GeminiProvider) toGeminiRequest(req domain.CompletionRequest) geminiRequest {
	system, items := splitConversation(req)

	var out geminiRequest
	if system != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	for _, it := range items {
		if !it.isToolRun() {
			role := "user"
			if it.msg.Role == domain.RoleAssistant {
				role = "model"
			}
			out.Contents = append(out.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: it.msg.Text}}})
			continue
		}
		calls := geminiContent{Role: "model"}
		responses := geminiContent{Role: "user"}
		for _, r := range it.results {
			ref := toolCallOf(r)
			calls.Parts = append(calls.Parts, geminiPart{FunctionCall: &geminiFunctionCall{ID: ref.ID, Name: ref.Name, Args: ref.Arguments}})
			responses.Parts = append(responses.Parts, geminiPart{FunctionResponse: &geminiFuncResponse{
				ID:       ref.ID,
				Name:     ref.Name,
				Response: map[string]any{"result": r.Text},
			}})
		}
		out.Contents = append(out.Contents, calls, responses)
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFuncDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: toolParameters(t)})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if p.maxTokens > 0 || req.StructuredMode {
		out.GenerationConfig = &geminiGenerating{MaxOutputTokens: p.maxTokens}
		if req.StructuredMode {
			out.GenerationConfig.ResponseMimeType = "application/json"
		}
	}
	return out
}

// geminiParser decodes streamGenerateContent chunks. Function calls arrive
// whole and usually without an id, so the parser numbers them. Gemini ends a
// function calling response with STOP, which becomes tool_requested once a
// call has been seen.
type geminiParser struct {
	calls int
}

// Parse implements domain.ChunkParser.
func (p *geminiParser) Parse(data []byte) (domain.Chunk, error) {
	var chunk geminiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return domain.Chunk{}, fmt.Errorf("decode chunk: %w", err)
	}
	if chunk.Error != nil {
		return domain.Chunk{}, fmt.Errorf("%w: %d %s", domain.ErrProviderStream, chunk.Error.Code, chunk.Error.Message)
	}

	var out domain.Chunk
	if len(chunk.Candidates) == 0 {
		return out, nil
	}
	c := chunk.Candidates[0]
	for _, part := range c.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			p.calls++
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", p.calls)
			}
			args := string(part.FunctionCall.Args)
			if args == "" || args == "null" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCallFragment{CallID: id, Name: part.FunctionCall.Name, ArgChunk: args})
		case part.Text != "":
			out.Text = append(out.Text, part.Text)
		}
	}
	out.Coalesce = len(out.Text) > 1

	switch c.FinishReason {
	case "", "FINISH_REASON_UNSPECIFIED":
	case "MAX_TOKENS":
		out.Terminal = domain.ReasonLengthLimit
	default:
		out.Terminal = domain.ReasonStop
		if p.calls > 0 {
			out.Terminal = domain.ReasonToolRequested
		}
	}
	return out, nil
}
