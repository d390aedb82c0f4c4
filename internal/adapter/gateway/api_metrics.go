package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/usecase"
)

// Metrics tracks counters for the status API and Prometheus metrics. It
// observes every connection's protocol handler.
type Metrics struct {
	ConnectionsTotal  atomic.Int64
	ConnectionsActive atomic.Int64
	ClaimsRejected    atomic.Int64
	FramesRejected    atomic.Int64
	ProviderStreams   atomic.Int64
	ProviderErrors    atomic.Int64
	ToolCallsTotal    atomic.Int64
	ToolErrorsTotal   atomic.Int64

	mu          sync.Mutex
	commands    map[string]int64 // "type" or "type:error"
	turns       map[string]int64 // "done" or the failure kind
	turnSeconds float64
}

// NewMetrics creates an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		commands: make(map[string]int64),
		turns:    make(map[string]int64),
	}
}

// CommandHandled implements usecase.ProtocolObserver.
func (m *Metrics) CommandHandled(cmd domain.CommandType, err error) {
	key := string(cmd)
	if err != nil {
		key += ":error"
	}
	m.mu.Lock()
	m.commands[key]++
	m.mu.Unlock()
}

// TurnFinished implements usecase.ProtocolObserver.
func (m *Metrics) TurnFinished(out usecase.TurnOutcome, elapsed time.Duration) {
	outcome := "done"
	if out.Err != nil {
		outcome = string(out.Err.Kind)
	}
	m.mu.Lock()
	m.turns[outcome]++
	m.turnSeconds += elapsed.Seconds()
	m.mu.Unlock()
}

// TurnCount returns the number of finished turns with the given outcome.
func (m *Metrics) TurnCount(outcome string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns[outcome]
}

// CommandCount returns the number of handled commands of a type; failed
// commands are counted under "<type>:error".
func (m *Metrics) CommandCount(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commands[key]
}

type instrumentedProvider struct {
	domain.ProviderAdapter
	m *Metrics
}

// InstrumentProvider counts stream openings of p.
func InstrumentProvider(p domain.ProviderAdapter, m *Metrics) domain.ProviderAdapter {
	return &instrumentedProvider{ProviderAdapter: p, m: m}
}

func (p *instrumentedProvider) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.RawStream, error) {
	p.m.ProviderStreams.Add(1)
	stream, err := p.ProviderAdapter.StreamCompletion(ctx, req)
	if err != nil {
		p.m.ProviderErrors.Add(1)
	}
	return stream, err
}

type instrumentedTools struct {
	domain.ToolInvoker
	m *Metrics
}

// InstrumentTools counts invocations and failures of t.
func InstrumentTools(t domain.ToolInvoker, m *Metrics) domain.ToolInvoker {
	return &instrumentedTools{ToolInvoker: t, m: m}
}

func (t *instrumentedTools) Invoke(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	t.m.ToolCallsTotal.Add(1)
	res, err := t.ToolInvoker.Invoke(ctx, name, args)
	if err != nil {
		t.m.ToolErrorsTotal.Add(1)
	}
	return res, err
}

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m := s.metrics

		gauge(w, "chatd_connections_active", "Open WebSocket connections.", m.ConnectionsActive.Load())
		counter(w, "chatd_connections_total", "WebSocket connections accepted.", m.ConnectionsTotal.Load())
		gauge(w, "chatd_sessions_claimed", "Session keys held by a connection.", int64(s.claims.Active()))
		counter(w, "chatd_session_claims_rejected_total", "Connections refused because the session was busy.", m.ClaimsRejected.Load())
		counter(w, "chatd_frames_rejected_total", "Inbound frames that did not decode to a command.", m.FramesRejected.Load())
		counter(w, "chatd_provider_streams_total", "Completion streams opened.", m.ProviderStreams.Load())
		counter(w, "chatd_provider_errors_total", "Completion streams that failed to open.", m.ProviderErrors.Load())
		counter(w, "chatd_tool_calls_total", "Tool invocations.", m.ToolCallsTotal.Load())
		counter(w, "chatd_tool_errors_total", "Failed tool invocations.", m.ToolErrorsTotal.Load())

		m.mu.Lock()
		commands := sortedCounts(m.commands)
		turns := sortedCounts(m.turns)
		turnSeconds := m.turnSeconds
		m.mu.Unlock()

		fmt.Fprintf(w, "# HELP chatd_commands_total Control messages handled.\n")
		fmt.Fprintf(w, "# TYPE chatd_commands_total counter\n")
		for _, c := range commands {
			typ, result := c.key, "ok"
			if t, ok := strings.CutSuffix(typ, ":error"); ok {
				typ, result = t, "error"
			}
			fmt.Fprintf(w, "chatd_commands_total{command=%q,result=%q} %d\n", typ, result, c.n)
		}

		fmt.Fprintf(w, "# HELP chatd_turns_total Finished turns by outcome.\n")
		fmt.Fprintf(w, "# TYPE chatd_turns_total counter\n")
		for _, c := range turns {
			fmt.Fprintf(w, "chatd_turns_total{outcome=%q} %d\n", c.key, c.n)
		}

		fmt.Fprintf(w, "# HELP chatd_turn_seconds_total Wall time spent in turns.\n")
		fmt.Fprintf(w, "# TYPE chatd_turn_seconds_total counter\n")
		fmt.Fprintf(w, "chatd_turn_seconds_total %f\n", turnSeconds)

		fmt.Fprintf(w, "# HELP chatd_uptime_seconds Seconds since the server started.\n")
		fmt.Fprintf(w, "# TYPE chatd_uptime_seconds gauge\n")
		fmt.Fprintf(w, "chatd_uptime_seconds %.0f\n", time.Since(s.started).Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		gauge(w, "go_goroutines", "Number of goroutines.", int64(runtime.NumGoroutine()))
		gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", int64(mem.Alloc))
		gauge(w, "go_memstats_sys_bytes", "Total bytes of memory obtained from the OS.", int64(mem.Sys))

		fmt.Fprintf(w, "# HELP go_gc_duration_seconds Total GC pause duration.\n")
		fmt.Fprintf(w, "# TYPE go_gc_duration_seconds gauge\n")
		fmt.Fprintf(w, "go_gc_duration_seconds %f\n", float64(mem.PauseTotalNs)/1e9)
	}
}

func gauge(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
}

func counter(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

type keyCount struct {
	key string
	n   int64
}

func sortedCounts(m map[string]int64) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, n := range m {
		out = append(out, keyCount{k, n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
