package protocol

const (
	// Transport/handshake.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrAuth            = "E_AUTH"

	// Action layer.
	ErrValidation   = "E_VALIDATION"
	ErrPrecondition = "E_PRECONDITION"
	ErrNoPermission = "E_NO_PERMISSION"
	ErrLockTimeout  = "E_LOCK_TIMEOUT"
	ErrConflict     = "E_CONFLICT"
	ErrNotFound     = "E_NOT_FOUND"
	ErrInternal     = "E_INTERNAL"
)

// CloseCodeAuthFailure is sent before closing a connection that failed the
// credential check. It is deliberately distinct from the generic policy
// violation codes so clients can tell "bad token" from "bad message".
const CloseCodeAuthFailure = 4401

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrAuth:            {},
	ErrValidation:      {},
	ErrPrecondition:    {},
	ErrNoPermission:    {},
	ErrLockTimeout:     {},
	ErrConflict:        {},
	ErrNotFound:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
