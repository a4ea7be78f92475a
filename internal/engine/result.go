package engine

import (
	"fmt"

	"tessera.world/internal/protocol"
)

// CommandResult is the uniform outcome of every execution path: admin,
// deterministic handler, or generative fallback.
type CommandResult struct {
	Success  bool                    `json:"success"`
	Message  string                  `json:"message_to_player"`
	Code     string                  `json:"code,omitempty"`
	Changes  []protocol.ChangeRecord `json:"state_changes,omitempty"`
	Metadata map[string]any          `json:"metadata,omitempty"`
}

func (r CommandResult) ToMsg(requestID string) protocol.ActionResultMsg {
	return protocol.ActionResultMsg{
		Type:      protocol.TypeActionResult,
		Success:   r.Success,
		Message:   r.Message,
		Code:      r.Code,
		Changes:   r.Changes,
		Metadata:  r.Metadata,
		RequestID: requestID,
	}
}

func okf(format string, args ...any) CommandResult {
	return CommandResult{Success: true, Message: fmt.Sprintf(format, args...)}
}

func failf(code, format string, args ...any) CommandResult {
	return CommandResult{Success: false, Code: code, Message: fmt.Sprintf(format, args...)}
}

func (r CommandResult) withMeta(key string, v any) CommandResult {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = v
	return r
}
