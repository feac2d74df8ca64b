package records

import (
	"errors"
	"time"

	"support-platform/internal/calls"
)

var (
	ErrNotFound      = errors.New("records: not found")
	ErrInvalidRecord = errors.New("records: invalid record")
)

// Record is the persisted outcome of one terminal call session.
//
// Invariants:
// - One record per session id; saving again replaces nothing that changed
//   after the session became terminal, so repeated saves are harmless.
// - Transcript is stored as delivered, in emission order.
type Record struct {
	SessionID string      `json:"session_id" db:"session_id"`
	State     calls.State `json:"state" db:"state"`
	Reason    string      `json:"reason,omitempty" db:"reason"`

	CustomerIdentity string `json:"customer_identity" db:"customer_identity"`
	CustomerName     string `json:"customer_name,omitempty" db:"customer_name"`
	CustomerPhone    string `json:"customer_phone,omitempty" db:"customer_phone"`
	AgentIdentity    string `json:"agent_identity,omitempty" db:"agent_identity"`
	EndedBy          string `json:"ended_by,omitempty" db:"ended_by"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     time.Time  `json:"ended_at" db:"ended_at"`

	TalkTimeMs int64                   `json:"talk_time_ms" db:"talk_time_ms"`
	Transcript []calls.TranscriptEntry `json:"transcript" db:"transcript"`
}

// Filter narrows List. Zero fields match everything; the range is
// [From, To) over EndedAt.
type Filter struct {
	From  time.Time
	To    time.Time
	Agent string
	Limit int
}

func (f Filter) match(r Record) bool {
	if !f.From.IsZero() && r.EndedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.EndedAt.Before(f.To) {
		return false
	}
	if f.Agent != "" && r.AgentIdentity != f.Agent {
		return false
	}
	return true
}

// FromSnapshot converts a finalized session.
func FromSnapshot(s calls.Snapshot) Record {
	r := Record{
		SessionID:        s.SessionID,
		State:            s.State,
		Reason:           s.Reason,
		CustomerIdentity: s.Customer.Identity,
		CustomerName:     s.Customer.Name,
		CustomerPhone:    s.Customer.Phone,
		AgentIdentity:    s.Agent,
		EndedBy:          string(s.EndedBy),
		CreatedAt:        s.CreatedAt.UTC(),
		EndedAt:          s.EndedAt.UTC(),
		TalkTimeMs:       s.TalkTime().Milliseconds(),
		Transcript:       append([]calls.TranscriptEntry(nil), s.Transcript...),
	}
	if !s.AcceptedAt.IsZero() {
		t := s.AcceptedAt.UTC()
		r.AcceptedAt = &t
	}
	if !s.ConnectedAt.IsZero() {
		t := s.ConnectedAt.UTC()
		r.ConnectedAt = &t
	}
	if r.Transcript == nil {
		r.Transcript = []calls.TranscriptEntry{}
	}
	return r
}

func (r Record) validate() error {
	if r.SessionID == "" || r.CustomerIdentity == "" || !r.State.Terminal() || r.EndedAt.IsZero() {
		return ErrInvalidRecord
	}
	return nil
}
