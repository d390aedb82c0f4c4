package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/tracer"
)

const (
	defaultMaxToolRounds = 5
	defaultToolTimeout   = 2 * time.Minute
	maxToolCallsPerRound = 50

	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

// TurnState is a state of the tool-call state machine.
type TurnState int

const (
	StateIdle TurnState = iota
	StateStreaming
	StateToolRequested
	StateInvoking
	StateReentering
	StateDone
	StateFailed
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateToolRequested:
		return "tool_requested"
	case StateInvoking:
		return "invoking"
	case StateReentering:
		return "reentering"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// TurnSink receives the incremental output of a turn. Implementations must
// not block for long; they are called from the turn goroutine.
type TurnSink interface {
	Fragment(text string)
	Sentence(text string)
	Budget(res BudgetResult)
	Warning(msg string)
}

// TurnOutcome is the result of one user turn. Exactly one is produced per
// Run, and it is the only thing the caller reports as the turn's end.
type TurnOutcome struct {
	State   TurnState // StateDone or StateFailed
	Message *domain.Message
	Rounds  int
	Err     *domain.TurnError
	// Removed lists the ids rolled back by a cancelled turn.
	Removed []string
}

// CoordinatorConfig tunes the tool loop.
type CoordinatorConfig struct {
	MaxToolRounds int
	ToolTimeout   time.Duration
	InitRetries   int
	// Backoff overrides the delay before initiation retry n (0-based).
	Backoff func(attempt int) time.Duration
}

// CoordinatorDeps holds injected dependencies for the coordinator.
type CoordinatorDeps struct {
	Provider   domain.ProviderAdapter
	Tools      domain.ToolInvoker // optional, nil = no tools offered
	Decoder    *StreamDecoder
	Detector   domain.SentenceBoundaryDetector
	Envelope   domain.EnvelopeValidator // optional, nil = envelopes are not checked
	Classifier *ErrorClassifier
	Logger     *slog.Logger
	Config     CoordinatorConfig
}

// ToolCallCoordinator drives one user turn through streaming, tool
// invocation and re-entry until it is done or failed.
type ToolCallCoordinator struct {
	deps CoordinatorDeps
}

// NewToolCallCoordinator creates a coordinator.
func NewToolCallCoordinator(deps CoordinatorDeps) *ToolCallCoordinator {
	if deps.Config.MaxToolRounds <= 0 {
		deps.Config.MaxToolRounds = defaultMaxToolRounds
	}
	if deps.Config.ToolTimeout <= 0 {
		deps.Config.ToolTimeout = defaultToolTimeout
	}
	if deps.Config.InitRetries < 0 {
		deps.Config.InitRetries = 0
	}
	if deps.Config.Backoff == nil {
		deps.Config.Backoff = retryBackoff
	}
	if deps.Classifier == nil {
		deps.Classifier = NewErrorClassifier()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &ToolCallCoordinator{deps: deps}
}

// turn is the mutable state of one Run.
type turn struct {
	sess       *ConversationSession
	sink       TurnSink
	seg        *SentenceSegmenter
	text       strings.Builder
	pending    []*domain.ToolCallRequest
	invoked    map[string]struct{}
	rounds     int
	rollbackTo int
	logger     *slog.Logger
}

// Run executes a turn whose user message has already been appended to sess.
// rollbackTo is the message count before the turn began; a cancelled turn
// truncates the session back to it.
func (c *ToolCallCoordinator) Run(ctx context.Context, sess *ConversationSession, sink TurnSink, rollbackTo int) TurnOutcome {
	ctx, span := tracer.StartSpan(ctx, "turn",
		trace.WithAttributes(tracer.StringAttr("session.key", sess.Key())),
	)
	defer span.End()

	t := &turn{
		sess:       sess,
		sink:       sink,
		seg:        NewSentenceSegmenter(c.deps.Detector),
		invoked:    make(map[string]struct{}),
		rollbackTo: rollbackTo,
		logger:     c.deps.Logger.With("session", sess.Key(), "turn", domain.TurnIDFromContext(ctx)),
	}

	state := StateIdle
	var failure *domain.TurnError
	for state != StateDone && state != StateFailed {
		switch state {
		case StateIdle, StateReentering:
			state = StateStreaming

		case StateStreaming:
			reason, err := c.streamRound(ctx, t)
			switch {
			case err != nil:
				failure, state = err, StateFailed
			case reason == domain.ReasonToolRequested && len(t.pending) > 0:
				state = StateToolRequested
			case reason == domain.ReasonToolRequested:
				t.logger.Warn("tool_requested without tool calls, finishing turn")
				state = StateDone
			default:
				state = StateDone
			}

		case StateToolRequested:
			if t.rounds >= c.deps.Config.MaxToolRounds {
				failure = domain.NewTurnError(domain.KindToolLoopExceeded,
					fmt.Sprintf("model requested tools after %d rounds", t.rounds), domain.ErrToolLoopExceeded)
				state = StateFailed
				break
			}
			t.rounds++
			state = StateInvoking

		case StateInvoking:
			if err := c.invokeRound(ctx, t); err != nil {
				failure, state = err, StateFailed
				break
			}
			state = StateReentering
		}
		t.logger.Debug("turn state", "state", state, "round", t.rounds)
	}

	if failure != nil {
		tracer.RecordError(span, failure)
		return c.fail(ctx, t, failure)
	}
	tracer.SetOK(span)
	return c.finish(t)
}

// streamRound issues one completion request and consumes its stream.
func (c *ToolCallCoordinator) streamRound(ctx context.Context, t *turn) (domain.TerminalReason, *domain.TurnError) {
	ctx, span := tracer.StartSpan(ctx, "turn.round",
		trace.WithAttributes(tracer.IntAttr("round", t.rounds)),
	)
	defer span.End()

	// Releases the provider stream once the round is over.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := domain.CompletionRequest{
		Messages:       t.sess.SnapshotActive(),
		StructuredMode: t.sess.Config().StructuredMode,
		Context:        t.sess.StructuredContext(),
	}
	if c.deps.Tools != nil {
		req.Tools = c.deps.Tools.Manifest()
	}

	stream, err := c.open(ctx, req)
	if err != nil {
		te := c.classify(ctx, err)
		tracer.RecordError(span, te)
		return "", te
	}

	t.pending = t.pending[:0]
	calls := newToolCallSet()
	separate := t.text.Len() > 0
	var final domain.StreamEvent
	for ev := range c.deps.Decoder.Decode(ctx, stream) {
		switch ev.Kind {
		case domain.StreamFragment:
			// Text of a later round starts on its own line.
			if separate {
				separate = false
				if !endsWithSpace(t.text.String()) && !strings.HasPrefix(ev.Text, "\n") {
					ev.Text = "\n" + ev.Text
				}
			}
			t.text.WriteString(ev.Text)
			t.sink.Fragment(ev.Text)
			for _, s := range t.seg.Feed(ev.Text) {
				t.sink.Sentence(s)
			}
		case domain.StreamToolCallFragment:
			calls.add(ev.ToolCall)
		default:
			final = ev
		}
	}

	if ctx.Err() != nil || final.Kind == domain.StreamError {
		kind, detail := final.ErrKind, final.Detail
		switch err := ctx.Err(); {
		case errors.Is(err, context.DeadlineExceeded):
			kind, detail = domain.KindTimeout, "turn deadline exceeded"
		case err != nil:
			kind, detail = domain.KindCancelled, "cancelled by client"
		}
		te := domain.NewTurnError(kind, detail, nil)
		tracer.RecordError(span, te)
		return "", te
	}

	t.pending = calls.build()
	tracer.SetOK(span)
	return final.Reason, nil
}

// open starts a provider stream, retrying retryable initiation failures
// with exponential backoff. Nothing has been streamed at that point, so a
// retry cannot duplicate output.
func (c *ToolCallCoordinator) open(ctx context.Context, req domain.CompletionRequest) (*domain.RawStream, error) {
	for attempt := 0; ; attempt++ {
		stream, err := c.deps.Provider.StreamCompletion(ctx, req)
		if err == nil {
			return stream, nil
		}
		if attempt >= c.deps.Config.InitRetries || !c.deps.Classifier.Classify(err).Retryable() {
			return nil, err
		}
		delay := c.deps.Config.Backoff(attempt)
		c.deps.Logger.Warn("stream initiation failed, retrying",
			"provider", c.deps.Provider.Name(), "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// invokeRound runs the pending tool calls concurrently and appends one
// tool_result message per call, in request order.
func (c *ToolCallCoordinator) invokeRound(ctx context.Context, t *turn) *domain.TurnError {
	calls := make([]*domain.ToolCallRequest, 0, len(t.pending))
	for _, call := range t.pending {
		if _, dup := t.invoked[call.CallID]; dup {
			t.logger.Warn("tool call id already resolved this turn, skipping", "call_id", call.CallID)
			t.sink.Warning(fmt.Sprintf("tool call %q (%s) was already answered this turn and was not run again", call.CallID, call.ToolName))
			continue
		}
		t.invoked[call.CallID] = struct{}{}
		calls = append(calls, call)
	}

	results := make([]string, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call *domain.ToolCallRequest) {
			defer wg.Done()
			results[idx] = c.invokeTool(ctx, t.logger, call)
		}(i, call)
	}
	wg.Wait()

	if errors.Is(ctx.Err(), context.Canceled) {
		return domain.NewTurnError(domain.KindCancelled, "cancelled during tool invocation", ctx.Err())
	}

	for i, call := range calls {
		_, res := t.sess.AppendToolResult(domain.ToolCallRef{
			ID:        call.CallID,
			Name:      call.ToolName,
			Arguments: call.Arguments(),
		}, results[i])
		if res.Changed {
			t.sink.Budget(res)
		}
	}
	return nil
}

// invokeTool runs one tool call and renders its result or error as the
// payload of the tool_result message.
func (c *ToolCallCoordinator) invokeTool(ctx context.Context, logger *slog.Logger, call *domain.ToolCallRequest) string {
	ctx, span := tracer.StartSpan(ctx, "turn.tool",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.ToolName),
			tracer.StringAttr("tool.call_id", call.CallID),
		),
	)
	defer span.End()

	if c.deps.Tools == nil {
		err := &domain.ToolError{Kind: domain.ToolErrNotFound, Message: fmt.Sprintf("no tools available, %q cannot run", call.ToolName)}
		tracer.RecordError(span, err)
		return toolErrorText(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.deps.Config.ToolTimeout)
	defer cancel()

	res, err := c.deps.Tools.Invoke(ctx, call.ToolName, call.Arguments())
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn("tool invocation failed", "tool", call.ToolName, "call_id", call.CallID, "error", err)
		var te *domain.ToolError
		if !errors.As(err, &te) {
			te = &domain.ToolError{Kind: domain.ToolErrExecution, Message: err.Error()}
			if errors.Is(err, context.DeadlineExceeded) {
				te.Kind = domain.ToolErrTimeout
			}
		}
		return toolErrorText(te)
	}
	tracer.SetOK(span)
	if res == nil {
		return ""
	}
	return res.Text
}

func endsWithSpace(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsSpace(r)
}

func toolErrorText(err *domain.ToolError) string {
	return fmt.Sprintf("Error (%s): %s", err.Kind, err.Message)
}

// finish commits the assistant reply of a successful turn.
func (c *ToolCallCoordinator) finish(t *turn) TurnOutcome {
	if rest := t.seg.Flush(); rest != "" {
		t.sink.Sentence(rest)
	}

	out := TurnOutcome{State: StateDone, Rounds: t.rounds}
	text := t.text.String()
	if text == "" {
		return out
	}

	if t.sess.Config().StructuredMode {
		c.checkEnvelope(t, text)
	}
	msg, res := t.sess.AppendAssistantMessage(text)
	if res.Changed {
		t.sink.Budget(res)
	}
	out.Message = &msg
	return out
}

// checkEnvelope validates a structured reply. A malformed envelope never
// drops the turn; it only produces a warning.
func (c *ToolCallCoordinator) checkEnvelope(t *turn, text string) {
	if c.deps.Envelope == nil {
		return
	}
	env, err := c.deps.Envelope.Validate(text)
	if err != nil {
		t.logger.Warn("structured reply does not match envelope", "error", err)
		t.sink.Warning(fmt.Sprintf("structured reply stored as raw text: %v", err))
		return
	}
	if len(env.Context) > 0 {
		t.sess.SetStructuredContext(env.Context)
	}
}

// fail ends a turn. Cancellation rolls the session back; every other failure
// keeps the text produced so far.
func (c *ToolCallCoordinator) fail(ctx context.Context, t *turn, te *domain.TurnError) TurnOutcome {
	out := TurnOutcome{State: StateFailed, Rounds: t.rounds, Err: te}

	if !te.Kind.CommitsPartial() {
		removed, res := t.sess.Truncate(t.rollbackTo)
		if res.Changed {
			t.sink.Budget(res)
		}
		out.Removed = removed
		t.logger.Debug("turn cancelled, history rolled back", "removed", len(removed))
		return out
	}

	t.logger.Warn("turn failed", "kind", te.Kind, "detail", te.Detail)
	if rest := t.seg.Flush(); rest != "" {
		t.sink.Sentence(rest)
	}
	if text := t.text.String(); strings.TrimSpace(text) != "" {
		msg, res := t.sess.AppendAssistantMessage(text)
		if res.Changed {
			t.sink.Budget(res)
		}
		out.Message = &msg
	}
	return out
}

// classify maps an initiation error onto a turn error.
func (c *ToolCallCoordinator) classify(ctx context.Context, err error) *domain.TurnError {
	if errors.Is(ctx.Err(), context.Canceled) {
		return domain.NewTurnError(domain.KindCancelled, "cancelled by client", err)
	}
	return c.deps.Classifier.Classify(err).TurnError()
}

func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// toolCallSet accumulates tool call fragments by call id, keeping the order
// in which calls were opened.
type toolCallSet struct {
	order []string
	calls map[string]*domain.ToolCallRequest
}

func newToolCallSet() *toolCallSet {
	return &toolCallSet{calls: make(map[string]*domain.ToolCallRequest)}
}

// add merges a fragment. A fragment without call id continues the most
// recently opened call.
func (s *toolCallSet) add(f domain.ToolCallFragment) {
	id := f.CallID
	if id == "" {
		if len(s.order) == 0 {
			return
		}
		id = s.order[len(s.order)-1]
	}
	call, ok := s.calls[id]
	if !ok {
		if len(s.order) >= maxToolCallsPerRound {
			return
		}
		call = &domain.ToolCallRequest{CallID: id}
		s.calls[id] = call
		s.order = append(s.order, id)
	}
	if f.Name != "" {
		call.ToolName = f.Name
	}
	if f.ArgChunk != "" {
		call.Fragments = append(call.Fragments, f.ArgChunk)
	}
}

func (s *toolCallSet) build() []*domain.ToolCallRequest {
	out := make([]*domain.ToolCallRequest, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.calls[id])
	}
	return out
}
