package domain

import (
	"encoding/json"
	"time"
)

// ClientEventType identifies an outbound event sent to the client.
type ClientEventType string

const (
	EventUserEcho           ClientEventType = "user_echo"
	EventTextFragment       ClientEventType = "text_fragment"
	EventSentence           ClientEventType = "sentence"
	EventTurnDone           ClientEventType = "turn_done"
	EventTurnError          ClientEventType = "turn_error"
	EventHistoryReplaced    ClientEventType = "history_replaced"
	EventHistoryItemDeleted ClientEventType = "history_item_deleted"
	EventBudgetInfo         ClientEventType = "budget_info"
	EventWarning            ClientEventType = "warning"
	EventCommandError       ClientEventType = "command_error"
	EventHistoryExported    ClientEventType = "history_exported"
	EventPong               ClientEventType = "pong"
)

// ClientEvent is the envelope written to the client.
type ClientEvent struct {
	Type      ClientEventType `json:"type"`
	TurnID    string          `json:"turn_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewClientEvent marshals payload into a ClientEvent. A nil payload yields an
// event without payload.
func NewClientEvent(typ ClientEventType, turnID string, payload any) ClientEvent {
	ev := ClientEvent{Type: typ, TurnID: turnID, Timestamp: time.Now()}
	if payload != nil {
		// Payload types are plain structs; marshal cannot fail.
		ev.Payload, _ = json.Marshal(payload)
	}
	return ev
}

// UserEchoPayload echoes the stored user message.
type UserEchoPayload struct {
	Message Message `json:"message"`
}

// TextPayload carries a text fragment or a completed sentence.
type TextPayload struct {
	Text string `json:"text"`
}

// TurnDonePayload closes a successful turn.
type TurnDonePayload struct {
	MessageID string `json:"message_id,omitempty"`
	Rounds    int    `json:"rounds"`
}

// TurnErrorPayload closes a failed turn.
type TurnErrorPayload struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// HistoryPayload carries the full message list.
type HistoryPayload struct {
	Messages []Message `json:"messages"`
}

// DeletedPayload names a removed message.
type DeletedPayload struct {
	ID string `json:"id"`
}

// BudgetInfoPayload reports the outcome of a budget pass.
type BudgetInfoPayload struct {
	ActiveTokens   int  `json:"active_tokens"`
	ActiveMessages int  `json:"active_messages"`
	Changed        bool `json:"changed"`
}

// WarningPayload carries a non-fatal notice.
type WarningPayload struct {
	Message string `json:"message"`
}

// CommandErrorPayload reports a rejected control message.
type CommandErrorPayload struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// ExportPayload carries the persisted layout of the session.
type ExportPayload struct {
	Snapshot Snapshot `json:"snapshot"`
}
