package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - session_id is required; every event belongs to one call session.
// - Audit is best-effort; failures never block a transition.
//
// Storage (Postgres): table session_events, INSERT-only.
type Event struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`

	Type EventType `json:"type" db:"type"`

	// From and To are session states; Kind is the event that moved it.
	From string `json:"from,omitempty" db:"from_state"`
	To   string `json:"to,omitempty" db:"to_state"`
	Kind string `json:"kind,omitempty" db:"kind"`

	// Actor is the identity causing the event, "system" for timers.
	Actor     string `json:"actor,omitempty" db:"actor"`
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`

	Reason string `json:"reason,omitempty" db:"reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

// EventTypeTransition records a state change.
const EventTypeTransition EventType = "session_transition"

const ActorSystem = "system"
