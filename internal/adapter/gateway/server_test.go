package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/usecase"
)

// --- test doubles ---

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

// tailDetector never finds a boundary; the remainder is flushed at turn end.
type tailDetector struct{}

func (tailDetector) Find(buf string) ([]string, string) { return nil, buf }

var jsonChunks = domain.ChunkParserFunc(func(data []byte) (domain.Chunk, error) {
	var c domain.Chunk
	err := json.Unmarshal(data, &c)
	return c, err
})

// fragmentProvider streams the given text deltas then stops.
type fragmentProvider struct {
	mu    sync.Mutex
	texts []string
	calls int
}

func (p *fragmentProvider) Name() string { return "stub" }

func (p *fragmentProvider) StreamCompletion(ctx context.Context, _ domain.CompletionRequest) (*domain.RawStream, error) {
	p.mu.Lock()
	p.calls++
	texts := append([]string(nil), p.texts...)
	p.mu.Unlock()

	var events []domain.RawEvent
	for _, t := range texts {
		data, _ := json.Marshal(domain.Chunk{Text: []string{t}})
		events = append(events, domain.RawEvent{Data: data})
	}
	done, _ := json.Marshal(domain.Chunk{Terminal: domain.ReasonStop})
	events = append(events, domain.RawEvent{Data: done})

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
	}()
	return &domain.RawStream{Events: ch, Parser: jsonChunks}, nil
}

type emptyTools struct{}

func (emptyTools) Invoke(context.Context, string, json.RawMessage) (*domain.ToolResult, error) {
	return nil, &domain.ToolError{Kind: domain.ToolErrNotFound, Message: "no tools"}
}

func (emptyTools) Manifest() []domain.ToolSchema {
	return []domain.ToolSchema{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}}
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startTestServer(t *testing.T, provider domain.ProviderAdapter) (*Server, *httptest.Server) {
	t.Helper()
	metrics := NewMetrics()
	logger := testLogger()
	coord := usecase.NewToolCallCoordinator(usecase.CoordinatorDeps{
		Provider: InstrumentProvider(provider, metrics),
		Decoder:  usecase.NewStreamDecoder(usecase.DecoderConfig{InactivityTimeout: time.Second}, logger),
		Detector: tailDetector{},
		Logger:   logger,
	})
	srv := NewServer(config.GatewayConfig{
		ClaimGrace: 20 * time.Millisecond,
	}, Deps{
		Coordinator: coord,
		Counter:     wordCounter{},
		Session:     domain.SessionConfig{TokenBudget: 1000},
		Providers:   []string{"stub"},
		Tools:       InstrumentTools(emptyTools{}, metrics),
		Metrics:     metrics,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(func() {
		srv.Stop(context.Background())
		ts.Close()
		cancel()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, session string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if session != "" {
		u += "?session=" + session
	}
	return u
}

func dialWS(t *testing.T, ts *httptest.Server, session string) (*websocket.Conn, *http.Response) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, resp, err := websocket.Dial(ctx, wsURL(ts, session), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws, resp
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, v))
}

// readUntil collects events up to and including the first one of typ.
func readUntil(t *testing.T, ws *websocket.Conn, typ domain.ClientEventType) []domain.ClientEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var out []domain.ClientEvent
	for {
		var ev domain.ClientEvent
		require.NoError(t, wsjson.Read(ctx, ws, &ev), "waiting for %s", typ)
		out = append(out, ev)
		if ev.Type == typ {
			return out
		}
	}
}

func ofType(events []domain.ClientEvent, typ domain.ClientEventType) []domain.ClientEvent {
	var out []domain.ClientEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func text(t *testing.T, ev domain.ClientEvent) string {
	t.Helper()
	var p domain.TextPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p.Text
}

// --- tests ---

func TestServer_SubmitStreamsOneTurn(t *testing.T) {
	_, ts := startTestServer(t, &fragmentProvider{texts: []string{"4", ""}})
	ws, resp := dialWS(t, ts, "scenario-a")
	assert.Equal(t, "scenario-a", resp.Header.Get(sessionHeader))

	send(t, ws, domain.Command{Type: domain.CmdSubmit, Text: "2+2?"})
	events := readUntil(t, ws, domain.EventTurnDone)

	require.Len(t, ofType(events, domain.EventUserEcho), 1)
	fragments := ofType(events, domain.EventTextFragment)
	require.Len(t, fragments, 1)
	assert.Equal(t, "4", text(t, fragments[0]))
	sentences := ofType(events, domain.EventSentence)
	require.Len(t, sentences, 1)
	assert.Equal(t, "4", text(t, sentences[0]))
	assert.Empty(t, ofType(events, domain.EventTurnError))

	send(t, ws, domain.Command{Type: domain.CmdExport})
	exported := readUntil(t, ws, domain.EventHistoryExported)
	var payload domain.ExportPayload
	require.NoError(t, json.Unmarshal(exported[len(exported)-1].Payload, &payload))
	require.Len(t, payload.Snapshot.Records, 2)
	assert.Equal(t, domain.RoleUser, payload.Snapshot.Records[0].Role)
	assert.Equal(t, domain.RoleAssistant, payload.Snapshot.Records[1].Role)
	assert.Equal(t, "4", payload.Snapshot.Records[1].Text)
}

func TestServer_AssignsSessionKey(t *testing.T) {
	_, ts := startTestServer(t, &fragmentProvider{})
	_, resp := dialWS(t, ts, "")
	assert.NotEmpty(t, resp.Header.Get(sessionHeader))
}

func TestServer_RejectsUnsafeSessionKey(t *testing.T) {
	_, ts := startTestServer(t, &fragmentProvider{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(ts, "a..b"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SessionBusy(t *testing.T) {
	srv, ts := startTestServer(t, &fragmentProvider{})
	first, _ := dialWS(t, ts, "shared")
	send(t, first, domain.Command{Type: domain.CmdPing})
	readUntil(t, first, domain.EventPong)

	second, _ := dialWS(t, ts, "shared")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.Equal(t, int64(1), srv.Metrics().ClaimsRejected.Load())

	// The first connection is unaffected.
	send(t, first, domain.Command{Type: domain.CmdPing})
	readUntil(t, first, domain.EventPong)
}

func TestServer_ReleasesSessionOnDisconnect(t *testing.T) {
	srv, ts := startTestServer(t, &fragmentProvider{})
	first, _ := dialWS(t, ts, "again")
	send(t, first, domain.Command{Type: domain.CmdPing})
	readUntil(t, first, domain.EventPong)
	first.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return srv.claims.Active() == 0 }, 2*time.Second, 5*time.Millisecond)

	second, _ := dialWS(t, ts, "again")
	send(t, second, domain.Command{Type: domain.CmdPing})
	readUntil(t, second, domain.EventPong)
}

func TestServer_BadFrames(t *testing.T) {
	srv, ts := startTestServer(t, &fragmentProvider{})
	ws, _ := dialWS(t, ts, "frames")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("{not json")))
	events := readUntil(t, ws, domain.EventCommandError)
	var rejected domain.CommandErrorPayload
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &rejected))
	assert.Empty(t, rejected.Command)
	assert.Contains(t, rejected.Message, "payload invalid")

	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}))
	readUntil(t, ws, domain.EventCommandError)

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"dance"}`)))
	events = readUntil(t, ws, domain.EventCommandError)
	var p domain.CommandErrorPayload
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &p))
	assert.Equal(t, "dance", p.Command)

	assert.Equal(t, int64(2), srv.Metrics().FramesRejected.Load())

	// The connection survives bad input.
	send(t, ws, domain.Command{Type: domain.CmdPing})
	readUntil(t, ws, domain.EventPong)
}

func TestServer_HTTPEndpoints(t *testing.T) {
	_, ts := startTestServer(t, &fragmentProvider{texts: []string{"hi"}})
	ws, _ := dialWS(t, ts, "observed")
	send(t, ws, domain.Command{Type: domain.CmdSubmit, Text: "hello"})
	readUntil(t, ws, domain.EventTurnDone)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, 1, status.Sessions.Claimed)
	assert.Equal(t, int64(1), status.Turns.Done)
	assert.Equal(t, []string{"stub"}, status.Providers)
	assert.Equal(t, []string{"lookup"}, status.Tools.Names)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatd_connections_active 1")
	assert.Contains(t, string(body), "chatd_provider_streams_total 1")
	assert.Contains(t, string(body), `chatd_turns_total{outcome="done"} 1`)
	assert.Contains(t, string(body), `chatd_commands_total{command="submit",result="ok"} 1`)

	resp, err = http.Post(ts.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_StopClosesConnections(t *testing.T) {
	srv, ts := startTestServer(t, &fragmentProvider{})
	ws, _ := dialWS(t, ts, "stopping")
	send(t, ws, domain.Command{Type: domain.CmdPing})
	readUntil(t, ws, domain.EventPong)

	require.NoError(t, srv.Stop(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := decodeCommand([]byte(`{"type":"edit","id":"m1","text":"new"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.CmdEdit, cmd.Type)
	assert.Equal(t, "m1", cmd.ID)

	cmd, err = decodeCommand([]byte(`{"type":"submit","audio":"AQID","format":"webm"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, cmd.Audio)

	_, err = decodeCommand([]byte(`{"text":"no type"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = decodeCommand([]byte(`[1,2]`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}
