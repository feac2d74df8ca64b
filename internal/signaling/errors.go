package signaling

import (
	"errors"

	"support-platform/internal/arbitration"
	"support-platform/internal/calls"
	"support-platform/internal/protocol"
)

// codeFor maps an error to the stable wire code clients switch on.
func codeFor(err error) string {
	switch {
	case errors.Is(err, calls.ErrInvalidRequest), errors.Is(err, arbitration.ErrTooManyCalls):
		return protocol.CodeInvalidRequest
	case errors.Is(err, calls.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, calls.ErrIllegalTransition):
		return protocol.CodeIllegalTransition
	case errors.Is(err, calls.ErrAlreadyTaken):
		return protocol.CodeAlreadyTaken
	case errors.Is(err, calls.ErrInvalidState):
		return protocol.CodeInvalidState
	case errors.Is(err, calls.ErrPeerUnavailable):
		return protocol.CodePeerUnavailable
	case errors.Is(err, errForbidden):
		return protocol.CodeForbidden
	default:
		return protocol.CodeInternal
	}
}
