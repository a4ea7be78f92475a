package protocol

import json "github.com/goccy/go-json"

const Version = "1.0"

// Message types.
const (
	TypeHello        = "hello"
	TypeSnapshot     = "snapshot"
	TypeAction       = "action"
	TypeActionResult = "action_result"
	TypeWorldUpdate  = "world_update"
	TypeResync       = "resync"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func Decode(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
