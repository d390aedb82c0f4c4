package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"monadic-chat/internal/domain"
)

const persistTimeout = 5 * time.Second

// EventSink is the outbound event channel of one connection.
type EventSink interface {
	Send(ev domain.ClientEvent) error
}

// ProtocolObserver is notified about handled commands and finished turns.
type ProtocolObserver interface {
	CommandHandled(cmd domain.CommandType, err error)
	TurnFinished(out TurnOutcome, elapsed time.Duration)
}

// ProtocolDeps holds injected dependencies for a SessionProtocolHandler.
type ProtocolDeps struct {
	Coordinator   *ToolCallCoordinator
	Store         domain.SessionStore // optional, nil = no persistence
	Blobs         domain.BlobStore    // optional, required for audio submit
	Transcriber   domain.Transcriber  // optional, nil = audio submit rejected
	Observer      ProtocolObserver    // optional
	InitialPrompt string
	Logger        *slog.Logger
}

// activeTurn is the turn currently running for the connection.
type activeTurn struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionProtocolHandler processes the control messages of one connection
// and is the only writer of its outbound events. Commands are handled one at
// a time; a submitted turn runs on its own goroutine so cancel and ping stay
// responsive.
type SessionProtocolHandler struct {
	deps   ProtocolDeps
	sess   *ConversationSession
	sink   EventSink
	logger *slog.Logger

	// mu serializes commands against turn completion.
	mu     sync.Mutex
	active *activeTurn
	closed bool

	// emitMu keeps each event write atomic.
	emitMu sync.Mutex
}

// NewSessionProtocolHandler creates a handler for sess writing to sink.
func NewSessionProtocolHandler(sess *ConversationSession, sink EventSink, deps ProtocolDeps) *SessionProtocolHandler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &SessionProtocolHandler{
		deps:   deps,
		sess:   sess,
		sink:   sink,
		logger: deps.Logger.With("component", "protocol", "session", sess.Key()),
	}
}

// Session returns the session served by the handler.
func (h *SessionProtocolHandler) Session() *ConversationSession { return h.sess }

// Open prepares the session for a new connection: it restores persisted
// state into an empty session and installs the initial prompt.
func (h *SessionProtocolHandler) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.restore(ctx); err != nil {
		return err
	}
	if !h.hasPinned() && h.deps.InitialPrompt != "" {
		h.sess.SetInitialPrompt(h.deps.InitialPrompt)
	}
	return nil
}

// Handle processes one control message. Command failures are reported to
// the client as command_error events; the returned error is only non-nil
// when the connection can no longer be written to.
func (h *SessionProtocolHandler) Handle(ctx context.Context, cmd domain.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return domain.NewDomainError("SessionProtocolHandler.Handle", domain.ErrSessionNotFound, "handler closed")
	}

	err := h.dispatch(ctx, cmd)
	if h.deps.Observer != nil {
		h.deps.Observer.CommandHandled(cmd.Type, err)
	}
	if err != nil {
		h.logger.Debug("command rejected", "command", cmd.Type, "error", err)
		return h.emit(domain.NewClientEvent(domain.EventCommandError, "", domain.CommandErrorPayload{
			Command: string(cmd.Type),
			Message: err.Error(),
		}))
	}
	return nil
}

// Reject reports an inbound frame that never became a command. It emits a
// command_error with an empty command.
func (h *SessionProtocolHandler) Reject(reason error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return domain.NewDomainError("SessionProtocolHandler.Reject", domain.ErrSessionNotFound, "handler closed")
	}
	h.logger.Debug("frame rejected", "error", reason)
	return h.emit(domain.NewClientEvent(domain.EventCommandError, "", domain.CommandErrorPayload{
		Message: reason.Error(),
	}))
}

func (h *SessionProtocolHandler) dispatch(ctx context.Context, cmd domain.Command) error {
	switch cmd.Type {
	case domain.CmdPing:
		return h.emit(domain.NewClientEvent(domain.EventPong, "", nil))
	case domain.CmdCancel:
		return h.cancel()
	case domain.CmdExport:
		return h.emit(domain.NewClientEvent(domain.EventHistoryExported, "", domain.ExportPayload{Snapshot: h.sess.Export()}))
	}

	if h.active != nil {
		return domain.NewDomainError("SessionProtocolHandler."+string(cmd.Type), domain.ErrTurnInProgress, h.active.id)
	}

	switch cmd.Type {
	case domain.CmdReset:
		return h.reset(ctx, cmd)
	case domain.CmdDelete:
		return h.delete(ctx, cmd)
	case domain.CmdEdit:
		return h.edit(ctx, cmd)
	case domain.CmdLoad:
		return h.load(ctx)
	case domain.CmdImport:
		return h.importRecords(ctx, cmd)
	case domain.CmdSubmit:
		return h.submit(ctx, cmd)
	default:
		return domain.NewDomainError("SessionProtocolHandler.Handle", domain.ErrUnknownCommand, string(cmd.Type))
	}
}

func (h *SessionProtocolHandler) cancel() error {
	if h.active == nil {
		return domain.NewDomainError("SessionProtocolHandler.cancel", domain.ErrInvalidInput, "no turn in progress")
	}
	h.active.cancel()
	return nil
}

func (h *SessionProtocolHandler) reset(ctx context.Context, cmd domain.Command) error {
	h.sess.Reset()
	prompt := h.deps.InitialPrompt
	if cmd.InitialPrompt != nil {
		prompt = *cmd.InitialPrompt
	}
	res := h.sess.SetInitialPrompt(prompt)
	h.persist(ctx)
	return h.emitHistory(res, false)
}

func (h *SessionProtocolHandler) delete(ctx context.Context, cmd domain.Command) error {
	if cmd.ID == "" {
		return domain.NewDomainError("SessionProtocolHandler.delete", domain.ErrInvalidPayload, "missing id")
	}
	res, err := h.sess.DeleteMessage(cmd.ID)
	if err != nil {
		return err
	}
	h.persist(ctx)
	if err := h.emit(domain.NewClientEvent(domain.EventHistoryItemDeleted, "", domain.DeletedPayload{ID: cmd.ID})); err != nil {
		return err
	}
	return h.emitBudget("", res, false)
}

func (h *SessionProtocolHandler) edit(ctx context.Context, cmd domain.Command) error {
	if cmd.ID == "" || strings.TrimSpace(cmd.Text) == "" {
		return domain.NewDomainError("SessionProtocolHandler.edit", domain.ErrInvalidPayload, "id and text are required")
	}
	_, res, err := h.sess.EditMessage(cmd.ID, cmd.Text)
	if err != nil {
		return err
	}
	h.persist(ctx)
	return h.emitHistory(res, false)
}

// load replays the history to the client, restoring persisted state first
// when the session is empty.
func (h *SessionProtocolHandler) load(ctx context.Context) error {
	restored, err := h.restore(ctx)
	if err != nil {
		return err
	}
	res := h.sess.Budget()
	if restored {
		res.Changed = true
	}
	return h.emitHistory(res, true)
}

func (h *SessionProtocolHandler) importRecords(ctx context.Context, cmd domain.Command) error {
	res, err := h.sess.Import(cmd.Records, cmd.Context)
	if err != nil {
		return err
	}
	h.persist(ctx)
	return h.emitHistory(res, true)
}

// submit appends the user message and starts the turn.
func (h *SessionProtocolHandler) submit(ctx context.Context, cmd domain.Command) error {
	text := cmd.Text
	var att *domain.Attachment
	if len(cmd.Audio) > 0 {
		var err error
		text, att, err = h.transcribe(ctx, cmd)
		if err != nil {
			return err
		}
	}
	if strings.TrimSpace(text) == "" {
		return domain.NewDomainError("SessionProtocolHandler.submit", domain.ErrInvalidPayload, "empty submission")
	}

	mark := h.sess.Len()
	msg, res := h.sess.AppendUserMessage(text, att)

	turnID := NewID()
	if err := h.emit(domain.NewClientEvent(domain.EventUserEcho, turnID, domain.UserEchoPayload{Message: msg})); err != nil {
		return err
	}
	if err := h.emitBudget(turnID, res, false); err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(domain.ContextWithTurnID(ctx, turnID))
	at := &activeTurn{id: turnID, cancel: cancel, done: make(chan struct{})}
	h.active = at
	go h.runTurn(turnCtx, at, mark)
	return nil
}

func (h *SessionProtocolHandler) transcribe(ctx context.Context, cmd domain.Command) (string, *domain.Attachment, error) {
	if h.deps.Transcriber == nil || h.deps.Blobs == nil {
		return "", nil, domain.NewDomainError("SessionProtocolHandler.submit", domain.ErrDisabled, "audio input is not configured")
	}
	ref, err := h.deps.Blobs.Put(ctx, cmd.Audio)
	if err != nil {
		return "", nil, domain.WrapOp("store audio", err)
	}
	text, err := h.deps.Transcriber.Transcribe(ctx, cmd.Audio, cmd.Format)
	if err != nil {
		return "", nil, domain.NewDomainError("SessionProtocolHandler.submit", domain.ErrTranscription, err.Error())
	}
	return text, &domain.Attachment{Kind: "audio", Ref: ref, Format: cmd.Format}, nil
}

// runTurn drives the coordinator and reports the single terminal event.
func (h *SessionProtocolHandler) runTurn(ctx context.Context, at *activeTurn, mark int) {
	defer close(at.done)
	defer at.cancel()

	start := time.Now()
	sink := &turnSink{h: h, turnID: at.id}
	out := h.deps.Coordinator.Run(ctx, h.sess, sink, mark)

	for _, id := range out.Removed {
		sink.send(domain.NewClientEvent(domain.EventHistoryItemDeleted, at.id, domain.DeletedPayload{ID: id}))
	}
	h.persist(ctx)
	if h.deps.Observer != nil {
		h.deps.Observer.TurnFinished(out, time.Since(start))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	sink.send(terminalEvent(at.id, out))
	if h.active == at {
		h.active = nil
	}
}

// terminalEvent renders the outcome as turn_done or turn_error.
func terminalEvent(turnID string, out TurnOutcome) domain.ClientEvent {
	if out.State == StateFailed && out.Err != nil {
		return domain.NewClientEvent(domain.EventTurnError, turnID, domain.TurnErrorPayload{
			Kind:   out.Err.Kind,
			Detail: out.Err.Detail,
		})
	}
	payload := domain.TurnDonePayload{Rounds: out.Rounds}
	if out.Message != nil {
		payload.MessageID = out.Message.ID
	}
	return domain.NewClientEvent(domain.EventTurnDone, turnID, payload)
}

// Close cancels a running turn, waits for it to finish and stops accepting
// commands.
func (h *SessionProtocolHandler) Close() {
	h.mu.Lock()
	h.closed = true
	at := h.active
	h.mu.Unlock()

	if at != nil {
		at.cancel()
		<-at.done
	}
}

// Wait blocks until the running turn, if any, has finished.
func (h *SessionProtocolHandler) Wait() {
	h.mu.Lock()
	at := h.active
	h.mu.Unlock()
	if at != nil {
		<-at.done
	}
}

// restore loads the persisted snapshot into an empty session. It reports
// whether anything was restored.
func (h *SessionProtocolHandler) restore(ctx context.Context) (bool, error) {
	if h.deps.Store == nil || h.sess.Len() > 0 && !h.onlyPinned() {
		return false, nil
	}
	snap, err := h.deps.Store.Load(ctx, h.sess.Key())
	if errors.Is(err, domain.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.WrapOp("restore session", err)
	}
	if _, err := h.sess.Import(snap.Records, snap.Context); err != nil {
		return false, domain.WrapOp("restore session", err)
	}
	h.logger.Debug("session restored", "messages", len(snap.Records))
	return true, nil
}

func (h *SessionProtocolHandler) hasPinned() bool {
	for _, m := range h.sess.Messages() {
		if m.Pinned {
			return true
		}
	}
	return false
}

func (h *SessionProtocolHandler) onlyPinned() bool {
	msgs := h.sess.Messages()
	return len(msgs) == 1 && msgs[0].Pinned
}

// persist saves the session. Failures are logged; a turn is never failed
// because its state could not be saved.
func (h *SessionProtocolHandler) persist(ctx context.Context) {
	if h.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	snap := h.sess.Export()
	if err := h.deps.Store.Save(ctx, &snap); err != nil {
		h.logger.Warn("failed to persist session", "error", err)
	}
}

func (h *SessionProtocolHandler) emitHistory(res BudgetResult, alwaysBudget bool) error {
	if err := h.emit(domain.NewClientEvent(domain.EventHistoryReplaced, "", domain.HistoryPayload{Messages: h.sess.Messages()})); err != nil {
		return err
	}
	return h.emitBudget("", res, alwaysBudget)
}

func (h *SessionProtocolHandler) emitBudget(turnID string, res BudgetResult, always bool) error {
	if !res.Changed && !always {
		return nil
	}
	return h.emit(domain.NewClientEvent(domain.EventBudgetInfo, turnID, res.Payload()))
}

func (h *SessionProtocolHandler) emit(ev domain.ClientEvent) error {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if err := h.sink.Send(ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	return nil
}

// turnSink forwards coordinator output as client events of one turn.
type turnSink struct {
	h      *SessionProtocolHandler
	turnID string
}

func (s *turnSink) Fragment(text string) {
	s.send(domain.NewClientEvent(domain.EventTextFragment, s.turnID, domain.TextPayload{Text: text}))
}

func (s *turnSink) Sentence(text string) {
	s.send(domain.NewClientEvent(domain.EventSentence, s.turnID, domain.TextPayload{Text: text}))
}

func (s *turnSink) Budget(res BudgetResult) {
	s.send(domain.NewClientEvent(domain.EventBudgetInfo, s.turnID, res.Payload()))
}

func (s *turnSink) Warning(msg string) {
	s.send(domain.NewClientEvent(domain.EventWarning, s.turnID, domain.WarningPayload{Message: msg}))
}

// send writes an event; a vanished client does not stop the turn.
func (s *turnSink) send(ev domain.ClientEvent) {
	if err := s.h.emit(ev); err != nil {
		s.h.logger.Debug("dropping turn event", "type", ev.Type, "error", err)
	}
}
