package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"github.com/stretchr/testify/require"

	"monadic-chat/internal/domain"
)

// --- Mocks ---

// wordCounter costs a text by its whitespace-separated words.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

// punctDetector ends a sentence after '.', '!' or '?' plus trailing spaces.
type punctDetector struct{}

func (punctDetector) Find(buf string) ([]string, string) {
	var out []string
	start := 0
	runes := []rune(buf)
	pos := 0
	for i := 0; i < len(runes); i++ {
		size := len(string(runes[i]))
		pos += size
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if i+1 == len(runes) {
			break
		}
		for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			i++
			pos += len(string(runes[i]))
		}
		out = append(out, buf[start:pos])
		start = pos
	}
	return out, buf[start:]
}

// chunkJSON encodes a chunk the way the scripted parser reads it.
func chunkJSON(c domain.Chunk) domain.RawEvent {
	data, err := json.Marshal(c)
	if err != nil {
		panic(err)
	}
	return domain.RawEvent{Data: data}
}

func textRaw(parts ...string) domain.RawEvent { return chunkJSON(domain.Chunk{Text: parts}) }

func toolRaw(id, name, args string) domain.RawEvent {
	return chunkJSON(domain.Chunk{ToolCalls: []domain.ToolCallFragment{{CallID: id, Name: name, ArgChunk: args}}})
}

func doneRaw(reason domain.TerminalReason) domain.RawEvent {
	return chunkJSON(domain.Chunk{Terminal: reason})
}

func garbageRaw() domain.RawEvent { return domain.RawEvent{Data: []byte("{not json")} }

var jsonChunkParser = domain.ChunkParserFunc(func(data []byte) (domain.Chunk, error) {
	var c domain.Chunk
	err := json.Unmarshal(data, &c)
	return c, err
})

// scriptedProvider replays one scripted round per StreamCompletion call.
type scriptedProvider struct {
	mu       sync.Mutex
	rounds   [][]domain.RawEvent
	initErrs []error // consumed before rounds, one per call
	repeat   bool    // replay the last round forever
	hang     bool    // keep the stream open after the scripted events
	calls    int
	requests []domain.CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.RawStream, error) {
	p.mu.Lock()
	p.calls++
	p.requests = append(p.requests, req)
	if len(p.initErrs) > 0 {
		err := p.initErrs[0]
		p.initErrs = p.initErrs[1:]
		p.mu.Unlock()
		return nil, err
	}
	var events []domain.RawEvent
	switch {
	case len(p.rounds) > 0:
		events = p.rounds[0]
		if len(p.rounds) > 1 || !p.repeat {
			p.rounds = p.rounds[1:]
		}
	default:
		events = []domain.RawEvent{doneRaw(domain.ReasonStop)}
	}
	hang := p.hang
	p.mu.Unlock()

	ch := make(chan domain.RawEvent)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if hang {
			<-ctx.Done()
		}
	}()
	return &domain.RawStream{Events: ch, Parser: jsonChunkParser}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// stubInvoker runs tools from a map of handlers.
type stubInvoker struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, args json.RawMessage) (*domain.ToolResult, error)
	calls    []string
}

func (s *stubInvoker) Invoke(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name+" "+string(args))
	h, ok := s.handlers[name]
	s.mu.Unlock()
	if !ok {
		return nil, &domain.ToolError{Kind: domain.ToolErrNotFound, Message: fmt.Sprintf("tool %q not found", name)}
	}
	return h(ctx, args)
}

func (s *stubInvoker) Manifest() []domain.ToolSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ToolSchema, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, domain.ToolSchema{Name: name, Parameters: json.RawMessage(`{"type":"object"}`)})
	}
	return out
}

func (s *stubInvoker) invocations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func constTool(text string) func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	return func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		return &domain.ToolResult{Text: text}, nil
	}
}

// recordingSink collects client events.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.ClientEvent
}

func (s *recordingSink) Send(ev domain.ClientEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []domain.ClientEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ClientEvent(nil), s.events...)
}

func (s *recordingSink) ofType(typ domain.ClientEventType) []domain.ClientEvent {
	var out []domain.ClientEvent
	for _, ev := range s.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) texts(typ domain.ClientEventType) []string {
	var out []string
	for _, ev := range s.ofType(typ) {
		var p domain.TextPayload
		_ = json.Unmarshal(ev.Payload, &p)
		out = append(out, p.Text)
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, typ domain.ClientEventType) {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.ofType(typ)) > 0 },
		2*time.Second, 5*time.Millisecond, "no %s event", typ)
}

// recordingTurnSink collects coordinator output.
type recordingTurnSink struct {
	mu        sync.Mutex
	fragments []string
	sentences []string
	budgets   []BudgetResult
	warnings  []string
}

func (s *recordingTurnSink) Fragment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragments = append(s.fragments, text)
}

func (s *recordingTurnSink) Sentence(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentences = append(s.sentences, text)
}

func (s *recordingTurnSink) Budget(res BudgetResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets = append(s.budgets, res)
}

func (s *recordingTurnSink) Warning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

// memStore is an in-memory SessionStore.
type memStore struct {
	mu    sync.Mutex
	snaps map[string]domain.Snapshot
}

func newMemStore() *memStore { return &memStore{snaps: make(map[string]domain.Snapshot)} }

func (m *memStore) Save(_ context.Context, snap *domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.Key] = *snap
	return nil
}

func (m *memStore) Load(_ context.Context, key string) (*domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[key]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &snap, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, key)
	return nil
}

func (m *memStore) Reap(context.Context, time.Duration) (int, error) { return 0, nil }
func (m *memStore) Close() error                                     { return nil }

func newTestLogger() *slog.Logger { return slog.Default() }

func newTestSession(cfg domain.SessionConfig) *ConversationSession {
	return NewConversationSession("test-session", cfg, wordCounter{})
}

func newTestCoordinator(p domain.ProviderAdapter, tools domain.ToolInvoker, cfg CoordinatorConfig) *ToolCallCoordinator {
	return NewToolCallCoordinator(CoordinatorDeps{
		Provider: p,
		Tools:    tools,
		Decoder:  NewStreamDecoder(DecoderConfig{InactivityTimeout: time.Second}, newTestLogger()),
		Detector: punctDetector{},
		Logger:   newTestLogger(),
		Config:   cfg,
	})
}
