package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monadic-chat/internal/domain"
)

func TestOpenAIStreamText(t *testing.T) {
	srv, captured := streamServer(t, "text/event-stream", append([]string{": keep-alive", ""}, sseLines(
		`{"choices":[{"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"content":"Hello"},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)...)...)

	p := NewOpenAIProvider(providerConfig("openai", srv.URL), newTestLogger())
	stream, err := p.StreamCompletion(context.Background(), domain.CompletionRequest{
		Messages: []domain.Message{{ID: "u", Role: domain.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)

	chunks := drain(t, stream)
	assert.Equal(t, "Hello world", texts(chunks))
	assert.Equal(t, domain.ReasonStop, lastTerminal(chunks))

	req := captured()
	assert.Equal(t, "/chat/completions", req.Path)
	assert.Equal(t, "Bearer test-key", req.Header.Get("Authorization"))
	assert.Equal(t, "test-model", req.Body["model"])
	assert.Equal(t, true, req.Body["stream"])
}

func TestOpenAIStreamToolCalls(t *testing.T) {
	srv, _ := streamServer(t, "text/event-stream", sseLines(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"weather","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"time","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)...)

	p := NewOpenAIProvider(providerConfig("openai", srv.URL), newTestLogger())
	stream, err := p.StreamCompletion(context.Background(), domain.CompletionRequest{})
	require.NoError(t, err)

	chunks := drain(t, stream)
	args, names := toolArgs(chunks)
	assert.Equal(t, `{"city":"Paris"}`, args["call_a"])
	assert.Equal(t, `{}`, args["call_b"])
	assert.Equal(t, map[string]string{"call_a": "weather", "call_b": "time"}, names)
	assert.Equal(t, domain.ReasonToolRequested, lastTerminal(chunks))
}

func TestOpenAIRequestShape(t *testing.T) {
	p := NewOpenAIProvider(providerConfig("openai", ""), newTestLogger())
	req := toolTurnRequest()
	req.StructuredMode = true
	req.Context = json.RawMessage(`{"topic":"weather"}`)

	out := p.toOpenAIRequest(req)
	require.Len(t, out.Messages, 4)

	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Contains(t, out.Messages[0].Content, "Be brief.")
	assert.Contains(t, out.Messages[0].Content, `Current context: {"topic":"weather"}`)

	assert.Equal(t, "user", out.Messages[1].Role)

	call := out.Messages[2]
	assert.Equal(t, "assistant", call.Role)
	require.Len(t, call.ToolCalls, 1)
	assert.Equal(t, "call_1", call.ToolCalls[0].ID)
	assert.Equal(t, "weather", call.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, call.ToolCalls[0].Function.Arguments)

	result := out.Messages[3]
	assert.Equal(t, "tool", result.Role)
	assert.Equal(t, "call_1", result.ToolCallID)
	assert.Equal(t, "sunny", result.Content)

	require.Len(t, out.Tools, 1)
	assert.Equal(t, "weather", out.Tools[0].Function.Name)
	require.NotNil(t, out.ResponseFormat)
	assert.Equal(t, "json_object", out.ResponseFormat.Type)
}

func TestOpenAIParser(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    domain.TerminalReason
		wantErr bool
	}{
		{"done sentinel", `[DONE]`, domain.ReasonStop, false},
		{"length", `{"choices":[{"delta":{},"finish_reason":"length"}]}`, domain.ReasonLengthLimit, false},
		{"content filter", `{"choices":[{"delta":{},"finish_reason":"content_filter"}]}`, domain.ReasonStop, false},
		{"usage only", `{"choices":[],"usage":{"total_tokens":3}}`, "", false},
		{"garbage", `{"choices":`, "", true},
		{"error object", `{"error":{"message":"overloaded"}}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := newOpenAIParser().Parse([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Terminal)
		})
	}
}

func TestOpenAIParserInventsMissingIDs(t *testing.T) {
	p := newOpenAIParser()
	c, err := p.Parse([]byte(`{"choices":[{"delta":{"tool_calls":[{"index":2,"function":{"name":"x","arguments":"{"}}]}}]}`))
	require.NoError(t, err)
	require.Len(t, c.ToolCalls, 1)
	assert.Equal(t, "call_2", c.ToolCalls[0].CallID)

	c, err = p.Parse([]byte(`{"choices":[{"delta":{"tool_calls":[{"index":2,"function":{"arguments":"}"}}]}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "call_2", c.ToolCalls[0].CallID)
}

func TestOpenAIStreamHTTPError(t *testing.T) {
	srv := newStatusServer(t, 401, `{"error":{"message":"bad key"}}`)
	p := NewOpenAIProvider(providerConfig("openai", srv.URL), newTestLogger())

	_, err := p.StreamCompletion(context.Background(), domain.CompletionRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	assert.Contains(t, err.Error(), "API error 401")
}

func TestOpenRouterHeaders(t *testing.T) {
	srv, captured := streamServer(t, "text/event-stream", sseLines(`[DONE]`)...)
	p := NewOpenRouterProvider(providerConfig("openrouter", srv.URL), newTestLogger())

	stream, err := p.StreamCompletion(context.Background(), domain.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonStop, lastTerminal(drain(t, stream)))

	req := captured()
	assert.Equal(t, "monadic-chat", req.Header.Get("X-Title"))
	assert.NotEmpty(t, req.Header.Get("HTTP-Referer"))
	assert.Equal(t, "Bearer test-key", req.Header.Get("Authorization"))
}

func TestOpenRouterDefaultBaseURL(t *testing.T) {
	p := NewOpenRouterProvider(providerConfig("openrouter", ""), newTestLogger())
	assert.Equal(t, "https://openrouter.ai/api/v1", p.baseURL)
	assert.Equal(t, "openrouter-test", p.Name())
}
