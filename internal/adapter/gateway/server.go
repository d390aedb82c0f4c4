// Package gateway serves conversation sessions over WebSocket, one session
// per connection, plus health, status and metrics endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/infra/middleware"
	"monadic-chat/internal/usecase"
)

const (
	sendQueueSize  = 64
	writeTimeout   = 5 * time.Second
	defaultMaxRead = 8 << 20
	// sessionHeader carries the session key of an accepted connection.
	sessionHeader = "X-Session-Key"
)

// Deps holds the collaborators shared by all connections.
type Deps struct {
	Coordinator   *usecase.ToolCallCoordinator
	Store         domain.SessionStore // optional
	Blobs         domain.BlobStore    // optional
	Transcriber   domain.Transcriber  // optional
	Counter       domain.TokenCounter
	Session       domain.SessionConfig
	InitialPrompt string
	Providers     []string
	Tools         domain.ToolInvoker // optional, reported by /status
	Metrics       *Metrics           // optional
}

// Server is the WebSocket gateway. Each connection claims one session key
// and drives it through a SessionProtocolHandler.
type Server struct {
	cfg     config.GatewayConfig
	deps    Deps
	logger  *slog.Logger
	claims  *usecase.SessionClaims
	metrics *Metrics
	started time.Time

	conns    sync.Map // connID (uint64) -> *wsSink
	nextID   atomic.Uint64
	stopping atomic.Bool

	httpSrv   *http.Server
	boundAddr atomic.Value // string
}

// NewServer creates a gateway server.
func NewServer(cfg config.GatewayConfig, deps Deps, logger *slog.Logger) *Server {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxRead
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "gateway"),
		claims:  usecase.NewSessionClaims(cfg.ClaimGrace),
		metrics: deps.Metrics,
		started: time.Now(),
	}
}

// Metrics returns the counters the server reports.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler builds the HTTP handler tree. The rate limiter's cleanup loop
// stops when ctx is done.
func (s *Server) Handler(ctx context.Context) http.Handler {
	limiter := middleware.NewClientLimiter(ctx, middleware.RateLimitConfig{
		RequestsPerMin: s.cfg.RateLimit.PerMinute,
		BurstSize:      s.cfg.RateLimit.Burst,
		TrustedProxies: s.cfg.TrustedProxies,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", limiter.Middleware(http.HandlerFunc(s.handleUpgrade)))
	mux.HandleFunc("/healthz", healthHandler(s))
	mux.HandleFunc("/status", statusHandler(s))
	mux.HandleFunc("/metrics", metricsHandler(s))
	return middleware.SecurityHeaders(mux)
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())

	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}

	s.conns.Range(func(key, value any) bool {
		value.(*wsSink).close(websocket.StatusGoingAway, "server shutting down")
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

func (s *Server) originPatterns() []string {
	patterns := []string{
		"localhost",
		"localhost:*",
		"127.0.0.1",
		"127.0.0.1:*",
		"[::1]",
		"[::1]:*",
	}
	return append(patterns, s.cfg.AllowedOrigins...)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	key := r.URL.Query().Get("session")
	if key == "" {
		key = usecase.NewID()
	}
	if err := domain.ValidateSessionKey(key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set(sessionHeader, key)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	ctx, cancel := context.WithCancel(domain.ContextWithSessionKey(r.Context(), key))
	defer cancel()

	release, err := s.claims.Claim(ctx, key)
	if err != nil {
		s.metrics.ClaimsRejected.Add(1)
		s.logger.Info("session claim rejected", "session", key, "error", err)
		ws.Close(websocket.StatusPolicyViolation, "session is held by another connection")
		return
	}
	defer release()

	connID := s.nextID.Add(1)
	sink := newWSSink(ws)
	s.conns.Store(connID, sink)
	s.metrics.ConnectionsTotal.Add(1)
	s.metrics.ConnectionsActive.Add(1)
	defer func() {
		s.conns.Delete(connID)
		s.metrics.ConnectionsActive.Add(-1)
	}()

	go sink.writeLoop(s.logger)

	logger := s.logger.With("conn_id", connID, "session", key)
	logger.Info("gateway client connected")

	sess := usecase.NewConversationSession(key, s.deps.Session, s.deps.Counter)
	h := usecase.NewSessionProtocolHandler(sess, sink, usecase.ProtocolDeps{
		Coordinator:   s.deps.Coordinator,
		Store:         s.deps.Store,
		Blobs:         s.deps.Blobs,
		Transcriber:   s.deps.Transcriber,
		Observer:      s.metrics,
		InitialPrompt: s.deps.InitialPrompt,
		Logger:        s.logger,
	})
	if err := h.Open(ctx); err != nil {
		logger.Error("session open failed", "error", err)
		sink.close(websocket.StatusInternalError, "session could not be opened")
		return
	}

	s.readLoop(ctx, ws, h, logger)

	// Unblock pending sends before the running turn is cancelled and rolled back.
	sink.close(websocket.StatusNormalClosure, "")
	h.Close()
	logger.Info("gateway client disconnected")
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, h *usecase.SessionProtocolHandler, logger *slog.Logger) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				logger.Debug("read loop ended", "error", err)
			}
			return
		}

		if typ != websocket.MessageText {
			s.metrics.FramesRejected.Add(1)
			if err := h.Reject(fmt.Errorf("%w: binary frames are not accepted", domain.ErrInvalidPayload)); err != nil {
				return
			}
			continue
		}

		cmd, err := decodeCommand(data)
		if err != nil {
			s.metrics.FramesRejected.Add(1)
			if err := h.Reject(err); err != nil {
				return
			}
			continue
		}

		if err := h.Handle(ctx, cmd); err != nil {
			logger.Debug("connection no longer writable", "error", err)
			return
		}
	}
}

// wsSink queues client events for a single writer goroutine.
type wsSink struct {
	ws        *websocket.Conn
	sendCh    chan domain.ClientEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newWSSink(ws *websocket.Conn) *wsSink {
	return &wsSink{
		ws:     ws,
		sendCh: make(chan domain.ClientEvent, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Send queues ev, blocking while the queue is full. It fails once the
// connection is closed.
func (c *wsSink) Send(ev domain.ClientEvent) error {
	select {
	case <-c.done:
		return domain.ErrTransport
	default:
	}
	select {
	case c.sendCh <- ev:
		return nil
	case <-c.done:
		return domain.ErrTransport
	}
}

func (c *wsSink) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close(code, reason)
	})
}

func (c *wsSink) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, c.ws, ev)
			cancel()
			if err != nil {
				logger.Debug("gateway write failed", "error", err)
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
