package state

import (
	"fmt"
	"time"
)

// DocKind selects between the two document families the store manages.
type DocKind string

const (
	KindWorld  DocKind = "world"
	KindPlayer DocKind = "player"
)

// SharedOwner is the owner slot used for the single world document of a
// shared-mode experience. Isolated-mode world documents are owned per user.
const SharedOwner = "shared"

// DocRef identifies one versioned document.
type DocRef struct {
	ExperienceID string
	Kind         DocKind
	Owner        string
}

func (r DocRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.ExperienceID, r.Kind, r.Owner)
}

// WorldRef returns the world document reference for a user, honoring the
// experience mode: one shared document, or one private copy per user.
func WorldRef(experienceID, userID string, isolated bool) DocRef {
	owner := SharedOwner
	if isolated {
		owner = userID
	}
	return DocRef{ExperienceID: experienceID, Kind: KindWorld, Owner: owner}
}

func PlayerRef(experienceID, userID string) DocRef {
	return DocRef{ExperienceID: experienceID, Kind: KindPlayer, Owner: userID}
}

// Quest status enum, kept as strings in the document tree.
const (
	QuestOffered   = "offered"
	QuestActive    = "active"
	QuestCompleted = "completed"
	QuestFailed    = "failed"
)

// Version reads metadata.version from a document tree. JSON decoding turns
// numbers into float64, so both representations are accepted.
func Version(doc map[string]any) int64 {
	md, ok := doc["metadata"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := md["version"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func stampMetadata(doc map[string]any, version int64, now time.Time) {
	md, ok := doc["metadata"].(map[string]any)
	if !ok {
		md = map[string]any{}
		doc["metadata"] = md
	}
	md["version"] = version
	md["last_modified"] = now.UTC().Format(time.RFC3339Nano)
}

// DeepCopy clones a JSON-shaped document tree. Backends hand out copies so
// callers can never mutate committed state in place.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = DeepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		return v
	}
}

func CopyDoc(doc map[string]any) map[string]any {
	return DeepCopy(doc).(map[string]any)
}
