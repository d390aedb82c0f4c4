package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturedRequest is what a test server saw.
type capturedRequest struct {
	Path   string
	Query  string
	Header http.Header
	Body   map[string]any
}

// streamServer answers every request with the given body lines, flushing
// after each one, and records the request.
func streamServer(t *testing.T, contentType string, lines ...string) (*httptest.Server, func() capturedRequest) {
	t.Helper()
	var (
		mu  sync.Mutex
		got capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = capturedRequest{Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header.Clone()}
		_ = json.Unmarshal(raw, &got.Body)
		mu.Unlock()

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}

// sseLines turns payloads into "data:" lines separated by blank lines.
func sseLines(payloads ...string) []string {
	out := make([]string, 0, 2*len(payloads))
	for _, p := range payloads {
		out = append(out, "data: "+p, "")
	}
	return out
}

// drain parses every raw event until the first terminal chunk or the end of
// the stream.
func drain(t *testing.T, stream *domain.RawStream) []domain.Chunk {
	t.Helper()
	var out []domain.Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events:
			if !ok {
				return out
			}
			require.NoError(t, ev.Err)
			c, err := stream.Parser.Parse(ev.Data)
			require.NoError(t, err, "payload %s", ev.Data)
			if c.Empty() {
				continue
			}
			out = append(out, c)
			if c.Terminal != "" {
				return out
			}
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

// texts concatenates the text of all chunks.
func texts(chunks []domain.Chunk) string {
	var s string
	for _, c := range chunks {
		for _, txt := range c.Text {
			s += txt
		}
	}
	return s
}

// toolArgs gathers argument chunks per call id and the name of each call.
func toolArgs(chunks []domain.Chunk) (map[string]string, map[string]string) {
	args := map[string]string{}
	names := map[string]string{}
	for _, c := range chunks {
		for _, f := range c.ToolCalls {
			args[f.CallID] += f.ArgChunk
			if f.Name != "" {
				names[f.CallID] = f.Name
			}
		}
	}
	return args, names
}

func lastTerminal(chunks []domain.Chunk) domain.TerminalReason {
	if len(chunks) == 0 {
		return ""
	}
	return chunks[len(chunks)-1].Terminal
}

func providerConfig(typ, baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:    typ + "-test",
		Type:    typ,
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   "test-model",
	}
}

// toolTurnRequest is a history with a finished tool round, the shape every
// adapter must render as a call followed by its result.
func toolTurnRequest() domain.CompletionRequest {
	return domain.CompletionRequest{
		Messages: []domain.Message{
			{ID: "s", Role: domain.RoleSystem, Text: "Be brief."},
			{ID: "u", Role: domain.RoleUser, Text: "Weather in Paris?"},
			{ID: "r", Role: domain.RoleToolResult, Text: "sunny", ToolCall: &domain.ToolCallRef{
				ID: "call_1", Name: "weather", Arguments: json.RawMessage(`{"city":"Paris"}`),
			}},
		},
		Tools: []domain.ToolSchema{{
			Name:        "weather",
			Description: "Current weather",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		}},
	}
}

// mockProvider is a scripted ProviderAdapter for the wrappers.
type mockProvider struct {
	name  string
	mu    sync.Mutex
	errs  []error
	calls int
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) StreamCompletion(_ context.Context, _ domain.CompletionRequest) (*domain.RawStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		if len(m.errs) > 1 {
			m.errs = m.errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	ch := make(chan domain.RawEvent)
	close(ch)
	return &domain.RawStream{Events: ch}, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// newStatusServer answers every request with status and body.
func newStatusServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParsersReportVendorErrors(t *testing.T) {
	tests := []struct {
		name    string
		parser  domain.ChunkParser
		payload string
		detail  string
	}{
		{"openai", newOpenAIParser(), `{"error":{"message":"Rate limit reached"}}`, "Rate limit reached"},
		{"anthropic", newAnthropicParser(), `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, "Overloaded"},
		{"gemini", &geminiParser{}, `{"error":{"code":503,"message":"unavailable"}}`, "unavailable"},
		{"ollama", &ollamaParser{}, `{"error":"model not found"}`, "model not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.parser.Parse([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrProviderStream))
			assert.Contains(t, err.Error(), tt.detail)

			_, err = tt.parser.Parse([]byte(`{not json`))
			require.Error(t, err)
			assert.False(t, errors.Is(err, domain.ErrProviderStream))
		})
	}
}
