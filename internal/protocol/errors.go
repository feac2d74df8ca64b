package protocol

import "errors"

var ErrEmptyPayload = errors.New("protocol: empty payload")

// Error codes sent in TypeError payloads. Keep these stable; browser
// clients switch on them.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeIllegalTransition = "illegal_transition"
	CodeAlreadyTaken      = "already_taken"
	CodeInvalidState      = "invalid_state"
	CodePeerUnavailable   = "peer_unavailable"
	CodeForbidden         = "forbidden"
	CodeInternal          = "internal"
)
