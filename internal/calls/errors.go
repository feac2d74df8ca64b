package calls

import "errors"

var (
	ErrInvalidRequest    = errors.New("calls: invalid request")
	ErrNotFound          = errors.New("calls: session not found")
	ErrIllegalTransition = errors.New("calls: illegal transition")
	ErrInvalidState      = errors.New("calls: invalid state")

	// ErrAlreadyTaken is a normal arbitration outcome, not a failure: another
	// agent won the accept race.
	ErrAlreadyTaken = errors.New("calls: already taken")

	// ErrPeerUnavailable means no eligible agent was present at request time.
	ErrPeerUnavailable = errors.New("calls: no agent available")
)
