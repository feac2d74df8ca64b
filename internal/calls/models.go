package calls

import (
	"time"

	"support-platform/internal/protocol"
)

// Session is one call attempt between a customer and an agent.
//
// Invariants:
// - ID and CreatedAt never change after creation.
// - State only moves along the edges in machine.go; terminal states are final.
// - At most one customer connection and one agent connection are bound.
// - Transcript is append-only while connected and frozen once terminal.
//
// Values returned by the Registry are deep copies; mutating them has no
// effect on the stored session.
type Session struct {
	ID     string `json:"session_id"`
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`

	Customer Party `json:"customer"`

	// TargetAgent is set for addressed calls; empty means broadcast.
	TargetAgent string `json:"target_agent,omitempty"`
	// Agent is the accepting agent identity, empty until accepted.
	Agent string `json:"agent,omitempty"`

	// Eligible holds the agents still allowed to accept while ringing.
	Eligible []string `json:"eligible,omitempty"`
	// Rejected holds agents that explicitly declined.
	Rejected []string `json:"rejected,omitempty"`
	// Offered holds every agent the call was ever shown to; never shrinks.
	Offered []string `json:"offered,omitempty"`

	// OriginConn is the connection that requested the call. It receives
	// arbitration outcomes until the customer joins the signaling scope.
	OriginConn   string `json:"origin_conn,omitempty"`
	CustomerConn string `json:"customer_conn,omitempty"`
	AgentConn    string `json:"agent_conn,omitempty"`

	// ConnectedRoles records which participants reported an established
	// transport while accepted.
	ConnectedRoles []protocol.Role `json:"connected_roles,omitempty"`

	// EndedBy is the role that ended the call or dropped its transport.
	EndedBy protocol.Role `json:"ended_by,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	AcceptedAt  time.Time `json:"accepted_at,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`

	// Pending queues signaling messages per destination role until that
	// role's connection joins the session scope. Drained exactly once.
	Pending map[protocol.Role][]protocol.Message `json:"-"`

	Transcript []TranscriptEntry `json:"transcript,omitempty"`
}

// Party is the initiating customer as handed in by the identity provider.
type Party struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type TranscriptEntry struct {
	Speaker   protocol.Role `json:"speaker"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
}

type State string

const (
	StateRequested State = "requested"
	StateRinging   State = "ringing"
	StateAccepted  State = "accepted"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateRejected  State = "rejected"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateAbandoned:
		return true
	default:
		return false
	}
}

// Terminal reasons recorded on the session.
const (
	ReasonCancelled            = "cancelled"
	ReasonCustomerDisconnected = "customer_disconnected"
	ReasonAgentDisconnected    = "agent_disconnected"
	ReasonNoAnswer             = "no_answer"
	ReasonConnectTimeout       = "connect_timeout"
	ReasonAgentsUnavailable    = "agents_unavailable"
	ReasonAllRejected          = "all_rejected"
	ReasonEndedBeforeConnect   = "ended_before_connect"
	ReasonEndedByCustomer      = "ended_by_customer"
	ReasonEndedByAgent         = "ended_by_agent"
	ReasonPeerDisconnected     = "peer_disconnected"
)

// Broadcast reports whether the session was offered to every present agent.
func (s Session) Broadcast() bool { return s.TargetAgent == "" }

// ConnFor returns the bound connection id for role.
func (s Session) ConnFor(role protocol.Role) string {
	if role == protocol.RoleAgent {
		return s.AgentConn
	}
	return s.CustomerConn
}

// CustomerReach returns the connection that should hear about the customer
// side of the call.
func (s Session) CustomerReach() string {
	if s.CustomerConn != "" {
		return s.CustomerConn
	}
	return s.OriginConn
}

// IdentityFor returns the participant identity for role.
func (s Session) IdentityFor(role protocol.Role) string {
	if role == protocol.RoleAgent {
		return s.Agent
	}
	return s.Customer.Identity
}

// PendingCall projects the session into the agent queue view.
func (s Session) PendingCall() protocol.PendingCall {
	return protocol.PendingCall{
		SessionID:           s.ID,
		CustomerIdentity:    s.Customer.Identity,
		CallerName:          s.Customer.Name,
		CallerPhone:         s.Customer.Phone,
		TargetAgentIdentity: s.TargetAgent,
		State:               string(s.State),
		CreatedAt:           s.CreatedAt,
	}
}

func (s Session) clone() Session {
	out := s
	out.Eligible = append([]string(nil), s.Eligible...)
	out.Rejected = append([]string(nil), s.Rejected...)
	out.Offered = append([]string(nil), s.Offered...)
	out.ConnectedRoles = append([]protocol.Role(nil), s.ConnectedRoles...)
	out.Transcript = append([]TranscriptEntry(nil), s.Transcript...)
	if s.Pending != nil {
		out.Pending = make(map[protocol.Role][]protocol.Message, len(s.Pending))
		for role, q := range s.Pending {
			out.Pending[role] = append([]protocol.Message(nil), q...)
		}
	}
	return out
}

// Snapshot is the frozen view handed to collaborators on finalize.
type Snapshot struct {
	SessionID   string            `json:"session_id"`
	State       State             `json:"state"`
	Reason      string            `json:"reason,omitempty"`
	Customer    Party             `json:"customer"`
	Agent       string            `json:"agent,omitempty"`
	EndedBy     protocol.Role     `json:"ended_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	AcceptedAt  time.Time         `json:"accepted_at,omitempty"`
	ConnectedAt time.Time         `json:"connected_at,omitempty"`
	EndedAt     time.Time         `json:"ended_at"`
	Transcript  []TranscriptEntry `json:"transcript"`
}

func (s Session) snapshot() Snapshot {
	return Snapshot{
		SessionID:   s.ID,
		State:       s.State,
		Reason:      s.Reason,
		Customer:    s.Customer,
		Agent:       s.Agent,
		EndedBy:     s.EndedBy,
		CreatedAt:   s.CreatedAt,
		AcceptedAt:  s.AcceptedAt,
		ConnectedAt: s.ConnectedAt,
		EndedAt:     s.EndedAt,
		Transcript:  append([]TranscriptEntry(nil), s.Transcript...),
	}
}

// TalkTime is the connected duration, zero if the call never connected.
func (s Snapshot) TalkTime() time.Duration {
	if s.ConnectedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.ConnectedAt)
}
