package llm

import (
	"strings"

	"monadic-chat/internal/domain"
)

// structuredInstruction is appended to the system prompt in structured mode.
const structuredInstruction = `Reply with a single JSON object of the form {"message": string, "context": object}. ` +
	`"message" is the text shown to the user. "context" carries forward the state you want to keep; ` +
	`update the current context below instead of starting over.`

// conversationItem is either a plain message or a run of consecutive tool
// results. Vendors that pair results with an assistant tool call message
// render a run as one call message followed by its results.
type conversationItem struct {
	msg     domain.Message
	results []domain.Message
}

func (it conversationItem) isToolRun() bool { return len(it.results) > 0 }

// splitConversation separates system text from the rest of the history and
// groups adjacent tool results.
func splitConversation(req domain.CompletionRequest) (string, []conversationItem) {
	var system []string
	var items []conversationItem
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			if m.Text != "" {
				system = append(system, m.Text)
			}
		case domain.RoleToolResult:
			if n := len(items); n > 0 && items[n-1].isToolRun() {
				items[n-1].results = append(items[n-1].results, m)
				continue
			}
			items = append(items, conversationItem{results: []domain.Message{m}})
		default:
			items = append(items, conversationItem{msg: m})
		}
	}

	if req.StructuredMode {
		system = append(system, structuredInstruction)
		ctx := "{}"
		if len(req.Context) > 0 {
			ctx = string(req.Context)
		}
		system = append(system, "Current context: "+ctx)
	}
	return strings.Join(system, "\n\n"), items
}

// toolCallOf returns the call a tool result answers, inventing a stable id
// when the stored message predates call tracking.
func toolCallOf(m domain.Message) domain.ToolCallRef {
	if m.ToolCall != nil {
		ref := *m.ToolCall
		if ref.ID == "" {
			ref.ID = "call_" + m.ID
		}
		if len(ref.Arguments) == 0 {
			ref.Arguments = []byte("{}")
		}
		return ref
	}
	return domain.ToolCallRef{ID: "call_" + m.ID, Name: "unknown", Arguments: []byte("{}")}
}

// vendorRole maps a domain role onto the user/assistant pair every vendor
// understands.
func vendorRole(r domain.Role) string {
	if r == domain.RoleAssistant {
		return "assistant"
	}
	return "user"
}
