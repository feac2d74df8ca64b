package calls

import (
	"fmt"
	"slices"
	"time"

	"support-platform/internal/protocol"
)

// EventKind names an input to the session state machine.
type EventKind string

const (
	EventNotify        EventKind = "agent_notified"
	EventAccept        EventKind = "accept"
	EventReject        EventKind = "reject"
	EventTimeout       EventKind = "timeout"
	EventCancel        EventKind = "cancel"
	EventAgentGone     EventKind = "agent_unavailable"
	EventPeerConnected EventKind = "peer_connected"
	EventDisconnect    EventKind = "disconnect"
	EventEnd           EventKind = "end"
)

// Event is applied to a session through Registry.Transition.
type Event struct {
	Kind EventKind

	// Agent is the acting agent identity for accept, reject and
	// agent_unavailable.
	Agent string
	// Role is the acting participant for peer_connected, disconnect and end.
	Role protocol.Role
	// Agents is the eligible set handed over with agent_notified.
	Agents []string
	// Expect guards timer-driven events: the event only applies while the
	// session is still in this state.
	Expect State

	Reason string
}

func (e Event) sameAs(o Event) bool {
	return e.Kind == o.Kind && e.Agent == o.Agent && e.Role == o.Role && e.Expect == o.Expect
}

// outcome describes what apply did.
type outcome struct {
	from    State
	changed bool // state moved
	touched bool // session mutated without a state move
}

// apply runs ev against s in place. It never partially mutates s when it
// returns an error.
func apply(s *Session, ev Event, now time.Time) (outcome, error) {
	out := outcome{from: s.State}

	if ev.Expect != "" && s.State != ev.Expect {
		return out, fmt.Errorf("%w: %s expects %s, session is %s", ErrIllegalTransition, ev.Kind, ev.Expect, s.State)
	}
	if s.State.Terminal() {
		return out, fmt.Errorf("%w: %s from terminal state %s", ErrIllegalTransition, ev.Kind, s.State)
	}

	switch s.State {
	case StateRequested:
		switch ev.Kind {
		case EventNotify:
			if len(ev.Agents) == 0 {
				return out, fmt.Errorf("%w: no agents to notify", ErrIllegalTransition)
			}
			s.Eligible = dedupe(ev.Agents)
			s.Offered = append([]string(nil), s.Eligible...)
			s.State = StateRinging
			out.changed = true
			return out, nil
		case EventCancel, EventTimeout, EventDisconnect:
			return abandonBeforeAnswer(s, ev, now, out)
		}

	case StateRinging:
		switch ev.Kind {
		case EventAccept:
			if !slices.Contains(s.Eligible, ev.Agent) {
				return out, fmt.Errorf("%w: agent %q is not eligible", ErrIllegalTransition, ev.Agent)
			}
			s.Agent = ev.Agent
			s.AcceptedAt = notBefore(now, s.CreatedAt)
			s.State = StateAccepted
			out.changed = true
			return out, nil
		case EventReject:
			if !slices.Contains(s.Eligible, ev.Agent) {
				return out, fmt.Errorf("%w: agent %q is not eligible", ErrIllegalTransition, ev.Agent)
			}
			s.Eligible = remove(s.Eligible, ev.Agent)
			s.Rejected = append(s.Rejected, ev.Agent)
			out.touched = true
			if len(s.Eligible) == 0 {
				reason := ev.Reason
				if reason == "" {
					reason = ReasonAllRejected
				}
				terminate(s, StateRejected, reason, "", now)
				out.changed = true
			}
			return out, nil
		case EventAgentGone:
			if !slices.Contains(s.Eligible, ev.Agent) {
				return out, nil
			}
			s.Eligible = remove(s.Eligible, ev.Agent)
			out.touched = true
			if len(s.Eligible) == 0 {
				terminate(s, StateAbandoned, ReasonAgentsUnavailable, "", now)
				out.changed = true
			}
			return out, nil
		case EventCancel, EventTimeout, EventDisconnect:
			return abandonBeforeAnswer(s, ev, now, out)
		}

	case StateAccepted:
		switch ev.Kind {
		case EventPeerConnected:
			if !ev.Role.Valid() {
				return out, fmt.Errorf("%w: invalid role %q", ErrInvalidRequest, ev.Role)
			}
			if !slices.Contains(s.ConnectedRoles, ev.Role) {
				s.ConnectedRoles = append(s.ConnectedRoles, ev.Role)
				out.touched = true
			}
			if len(s.ConnectedRoles) == 2 {
				s.ConnectedAt = notBefore(now, s.AcceptedAt)
				s.State = StateConnected
				out.changed = true
			}
			return out, nil
		case EventDisconnect:
			terminate(s, StateAbandoned, disconnectReason(ev.Role), ev.Role, now)
			out.changed = true
			return out, nil
		case EventEnd:
			terminate(s, StateAbandoned, ReasonEndedBeforeConnect, ev.Role, now)
			out.changed = true
			return out, nil
		case EventTimeout:
			terminate(s, StateAbandoned, ReasonConnectTimeout, "", now)
			out.changed = true
			return out, nil
		}

	case StateConnected:
		switch ev.Kind {
		case EventPeerConnected:
			return out, nil
		case EventEnd:
			reason := ReasonEndedByCustomer
			if ev.Role == protocol.RoleAgent {
				reason = ReasonEndedByAgent
			}
			terminate(s, StateEnded, reason, ev.Role, now)
			out.changed = true
			return out, nil
		case EventDisconnect:
			terminate(s, StateEnded, ReasonPeerDisconnected, ev.Role, now)
			out.changed = true
			return out, nil
		}
	}

	return out, fmt.Errorf("%w: %s from %s", ErrIllegalTransition, ev.Kind, s.State)
}

func abandonBeforeAnswer(s *Session, ev Event, now time.Time, out outcome) (outcome, error) {
	var reason string
	switch ev.Kind {
	case EventTimeout:
		reason = ReasonNoAnswer
	case EventCancel:
		reason = ReasonCancelled
	case EventDisconnect:
		if ev.Role != protocol.RoleCustomer {
			return out, fmt.Errorf("%w: only the customer is bound before answer", ErrIllegalTransition)
		}
		reason = ReasonCustomerDisconnected
	}
	if ev.Reason != "" && ev.Kind != EventDisconnect {
		reason = ev.Reason
	}
	terminate(s, StateAbandoned, reason, "", now)
	out.changed = true
	return out, nil
}

func terminate(s *Session, st State, reason string, by protocol.Role, now time.Time) {
	s.State = st
	s.Reason = reason
	s.EndedBy = by
	s.EndedAt = notBefore(now, latest(s))
	s.Eligible = nil
}

func disconnectReason(role protocol.Role) string {
	if role == protocol.RoleAgent {
		return ReasonAgentDisconnected
	}
	return ReasonCustomerDisconnected
}

func latest(s *Session) time.Time {
	t := s.CreatedAt
	for _, c := range []time.Time{s.AcceptedAt, s.ConnectedAt} {
		if c.After(t) {
			t = c
		}
	}
	return t
}

// notBefore keeps lifecycle timestamps monotonic when the clock steps back.
func notBefore(now, floor time.Time) time.Time {
	if now.Before(floor) {
		return floor
	}
	return now
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func remove(in []string, v string) []string {
	out := in[:0:0]
	for _, x := range in {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
