package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"monadic-chat/internal/domain"
)

// decodeCommand parses one inbound text frame into a command. Unknown
// fields are tolerated; an unknown type is left for the handler to reject.
func decodeCommand(data []byte) (domain.Command, error) {
	var cmd domain.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return domain.Command{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	cmd.Type = domain.CommandType(strings.TrimSpace(string(cmd.Type)))
	if cmd.Type == "" {
		return domain.Command{}, fmt.Errorf("%w: missing type", domain.ErrInvalidPayload)
	}
	return cmd, nil
}
