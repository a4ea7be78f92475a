package protocol

import "time"

// HELLO (client -> server): first message after the websocket opens.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Token           string `json:"token"`
	ExperienceID    string `json:"experience_id"`
	// Last world version the client applied, if it is reconnecting.
	LastVersion int64 `json:"last_version,omitempty"`
}

// SNAPSHOT (server -> client): full state for the connecting user.
type SnapshotMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ExperienceID    string         `json:"experience_id"`
	UserID          string         `json:"user_id"`
	Version         int64          `json:"version"`
	PlayerVersion   int64          `json:"player_version"`
	World           map[string]any `json:"world"`
	PlayerView      map[string]any `json:"player_view"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ACTION (client -> server)
type ActionMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`
	Action          string         `json:"action"`
	Params          map[string]any `json:"params,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
}

// ACTION_RESULT (server -> client)
type ActionResultMsg struct {
	Type      string         `json:"type"`
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Changes   []ChangeRecord `json:"state_changes,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ChangeRecord is one flattened terminal operation of an applied patch.
type ChangeRecord struct {
	Operation  string   `json:"operation"` // "add" | "remove" | "update"
	Path       []string `json:"path"`
	ZoneID     string   `json:"zone_id,omitempty"`
	AreaID     string   `json:"area_id,omitempty"`
	SpotID     string   `json:"spot_id,omitempty"`
	InstanceID string   `json:"instance_id,omitempty"`
	Payload    any      `json:"payload,omitempty"`
}

// WORLD_UPDATE (server -> client, broker-driven). The client applies the
// changes onto BaseVersion; any other local version means the stream is
// discontinuous and the client should request a resync.
type WorldUpdateMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ExperienceID    string         `json:"experience_id"`
	UserID          string         `json:"user_id"`
	Document        string         `json:"document"` // "world" | "player"
	BaseVersion     int64          `json:"base_version"`
	SnapshotVersion int64          `json:"snapshot_version"`
	Changes         []ChangeRecord `json:"changes"`
	Timestamp       time.Time      `json:"timestamp"`
}

// RESYNC (client -> server): ask for a fresh snapshot instead of deltas.
type ResyncMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	LastVersion     int64  `json:"last_version,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
}

const (
	OpAdd    = "add"
	OpRemove = "remove"
	OpUpdate = "update"
)

const (
	DocumentWorld  = "world"
	DocumentPlayer = "player"
)
