package protocol

import (
	"encoding/json"
	"time"
)

// Message is the envelope for every frame on the signaling channel.
//
// Payload stays raw until the receiving side knows the Type; routing only
// needs Type and SessionID. Ref echoes a client-chosen correlation id so
// replies (e.g. the sessionId for call:request) can be matched.
type Message struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Type string

// Presence.
const (
	TypeAgentJoin  Type = "agent:join"
	TypeAgentLeave Type = "agent:leave"
)

// Arbitration.
const (
	TypeCallRequest   Type = "call:request"
	TypeCallAccept    Type = "call:accept"
	TypeCallReject    Type = "call:reject"
	TypeCallCancel    Type = "call:cancel"
	TypeCallTaken     Type = "call:taken"
	TypeCallAccepted  Type = "call:accepted"
	TypeCallRejected  Type = "call:rejected"
	TypeCallAbandoned Type = "call:abandoned"
	TypeCallWithdrawn Type = "call:withdrawn"
	TypeCallConnected Type = "call:connected"
)

// Session-scoped signaling.
const (
	TypeSignalJoin             Type = "signal:join"
	TypeSignalOffer            Type = "signal:offer"
	TypeSignalAnswer           Type = "signal:answer"
	TypeSignalICECandidate     Type = "signal:ice-candidate"
	TypeSignalPeerJoined       Type = "signal:peer-joined"
	TypeSignalConnected        Type = "signal:connected"
	TypeSignalEnd              Type = "signal:end"
	TypeSignalPeerDisconnected Type = "signal:peer-disconnected"
)

// Live call data.
const (
	TypeTranscriptChunk Type = "transcript:chunk"
	TypeInsightUpdate   Type = "insight:update"
)

// Connection control.
const (
	TypeReady Type = "ready"
	TypeError Type = "error"
	TypeAck   Type = "ack"
)

// Role is the side of a call a connection speaks for.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

func (r Role) Valid() bool { return r == RoleCustomer || r == RoleAgent }

// Other returns the counterpart role.
func (r Role) Other() Role {
	if r == RoleCustomer {
		return RoleAgent
	}
	return RoleCustomer
}

type AgentPresence struct {
	AgentIdentity string `json:"agentIdentity"`
}

type CallRequest struct {
	CustomerIdentity    string `json:"customerIdentity"`
	CallerName          string `json:"callerName"`
	CallerPhone         string `json:"callerPhone"`
	TargetAgentIdentity string `json:"targetAgentIdentity,omitempty"`
}

type CallRequested struct {
	SessionID string `json:"sessionId"`
}

// PendingCall is the denormalized queue entry agents render. It is derived
// from the session and never authoritative.
type PendingCall struct {
	SessionID           string    `json:"sessionId"`
	CustomerIdentity    string    `json:"customerIdentity"`
	CallerName          string    `json:"callerName"`
	CallerPhone         string    `json:"callerPhone"`
	TargetAgentIdentity string    `json:"targetAgentIdentity,omitempty"`
	State               string    `json:"state"`
	CreatedAt           time.Time `json:"createdAt"`
}

type CallAccept struct {
	SessionID     string `json:"sessionId"`
	AgentIdentity string `json:"agentIdentity"`
}

type CallReject struct {
	SessionID     string `json:"sessionId"`
	AgentIdentity string `json:"agentIdentity"`
	Reason        string `json:"reason,omitempty"`
}

// CallOutcome carries the session id plus a reason for accepted, rejected,
// abandoned, withdrawn and taken notifications.
type CallOutcome struct {
	SessionID     string `json:"sessionId"`
	AgentIdentity string `json:"agentIdentity,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type SignalJoin struct {
	SessionID string `json:"sessionId"`
	Role      Role   `json:"role"`
	Identity  string `json:"identity"`
}

type PeerJoined struct {
	SessionID string `json:"sessionId"`
	Role      Role   `json:"role"`
}

// Description carries an SDP offer or answer.
type Description struct {
	SessionID string `json:"sessionId"`
	SDP       string `json:"sdp"`
	From      Role   `json:"from"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	SessionID string    `json:"sessionId"`
	Candidate Candidate `json:"candidate"`
	From      Role      `json:"from"`
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type SignalConnected struct {
	SessionID string `json:"sessionId"`
	Role      Role   `json:"role"`
}

type SignalEnd struct {
	SessionID string `json:"sessionId"`
	EndedBy   Role   `json:"endedBy"`
	Reason    string `json:"reason,omitempty"`
}

type PeerDisconnected struct {
	SessionID string `json:"sessionId"`
}

type TranscriptChunk struct {
	SessionID string    `json:"sessionId"`
	Speaker   Role      `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type InsightUpdate struct {
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

type Ready struct {
	ConnectionID string      `json:"connectionId"`
	Role         Role        `json:"role"`
	Identity     string      `json:"identity"`
	ICEServers   []ICEServer `json:"iceServers,omitempty"`
}

// ICEServer mirrors the browser RTCIceServer shape.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds a message with an encoded payload. Encoding failures are not
// expected for the payload structs in this package, so they yield an empty
// payload rather than an error.
func New(t Type, sessionID string, payload any) Message {
	m := Message{Type: t, SessionID: sessionID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			m.Payload = raw
		}
	}
	return m
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(m.Payload, out)
}
