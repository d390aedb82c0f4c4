package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleToolResult} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if Role("bot").Valid() {
		t.Error("unknown role should be invalid")
	}
}

func TestRecordOmitsActive(t *testing.T) {
	rec := Record{
		ID:        "01J",
		Role:      RoleToolResult,
		Text:      "42",
		ToolCall:  &ToolCallRef{ID: "c1", Name: "calc"},
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["active"]; ok {
		t.Error("record must not carry the active flag")
	}
	if raw["role"] != "tool_result" {
		t.Errorf("role = %v", raw["role"])
	}
}

func TestChunkEmpty(t *testing.T) {
	if !(Chunk{}).Empty() {
		t.Error("zero chunk should be empty")
	}
	if (Chunk{Terminal: ReasonStop}).Empty() {
		t.Error("terminal chunk is not empty")
	}
	if (Chunk{Text: []string{"a"}}).Empty() {
		t.Error("text chunk is not empty")
	}
}

func TestStreamEventFinal(t *testing.T) {
	if FragmentEvent("x").Final() {
		t.Error("fragment is not final")
	}
	if !TerminalEvent(ReasonStop).Final() || !ErrorEvent(KindTimeout, "").Final() {
		t.Error("terminal and error events are final")
	}
	if StreamToolCallFragment.String() != "tool_call_fragment" {
		t.Errorf("String() = %q", StreamToolCallFragment.String())
	}
}

func TestNewClientEvent(t *testing.T) {
	ev := NewClientEvent(EventTextFragment, "t1", TextPayload{Text: "hi"})
	if ev.TurnID != "t1" || ev.Timestamp.IsZero() {
		t.Errorf("unexpected event %+v", ev)
	}
	var p TextPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Text != "hi" {
		t.Errorf("payload = %s, err = %v", ev.Payload, err)
	}
	if bare := NewClientEvent(EventPong, "", nil); bare.Payload != nil {
		t.Errorf("nil payload should stay empty, got %s", bare.Payload)
	}
}
