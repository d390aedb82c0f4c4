package domain

import "encoding/json"

// CommandType identifies an inbound control message.
type CommandType string

const (
	CmdReset  CommandType = "reset"
	CmdDelete CommandType = "delete"
	CmdEdit   CommandType = "edit"
	CmdLoad   CommandType = "load"
	CmdSubmit CommandType = "submit"
	CmdCancel CommandType = "cancel"
	CmdPing   CommandType = "ping"
	CmdExport CommandType = "export"
	CmdImport CommandType = "import"
)

// Command is one inbound control message. Audio is base64 on the wire.
type Command struct {
	Type          CommandType     `json:"type"`
	ID            string          `json:"id,omitempty"`
	Text          string          `json:"text,omitempty"`
	Audio         []byte          `json:"audio,omitempty"`
	Format        string          `json:"format,omitempty"`
	InitialPrompt *string         `json:"initial_prompt,omitempty"`
	Records       []Record        `json:"records,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
}
