package signaling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"support-platform/internal/calls"
	"support-platform/internal/protocol"
	"support-platform/internal/rbac"
	"support-platform/internal/transcript"
)

const presenceKey = "presence"

var errForbidden = errors.New("signaling: not allowed for this role")

func (r *Router) dispatch(conn *Conn, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeAgentJoin:
		return r.handleAgentJoin(conn, msg)
	case protocol.TypeAgentLeave:
		return r.handleAgentLeave(conn, msg)
	case protocol.TypeCallRequest:
		return r.handleCallRequest(conn, msg)
	case protocol.TypeCallAccept:
		return r.handleCallAccept(conn, msg)
	case protocol.TypeCallReject:
		return r.handleCallReject(conn, msg)
	case protocol.TypeCallCancel:
		return r.handleCallCancel(conn, msg)
	case protocol.TypeSignalJoin:
		return r.handleSignalJoin(conn, msg)
	case protocol.TypeSignalOffer, protocol.TypeSignalAnswer, protocol.TypeSignalICECandidate:
		return r.handleNegotiation(conn, msg)
	case protocol.TypeSignalConnected:
		return r.handleSignalConnected(conn, msg)
	case protocol.TypeSignalEnd:
		return r.handleSignalEnd(conn, msg)
	case protocol.TypeTranscriptChunk:
		return r.handleTranscriptChunk(conn, msg)
	case protocol.TypeInsightUpdate:
		return r.handleInsight(conn, msg)
	default:
		return fmt.Errorf("%w: unknown message type %q", calls.ErrInvalidRequest, msg.Type)
	}
}

func (r *Router) handleAgentJoin(conn *Conn, msg protocol.Message) error {
	if conn.Role != rbac.RoleAgent {
		return errForbidden
	}
	var p protocol.AgentPresence
	if err := decodeOptional(msg, &p); err != nil {
		return err
	}
	if p.AgentIdentity != "" && p.AgentIdentity != conn.Identity {
		return fmt.Errorf("%w: agentIdentity does not match the connection", errForbidden)
	}

	identity := conn.Identity
	release, _ := r.dir.Register(identity, conn.ID)
	if !conn.onClose(presenceKey, func() {
		if release() {
			r.agentOffline(identity)
		}
	}) {
		// Already present through this connection.
		r.ack(conn, msg, nil)
		return nil
	}
	conn.log.Info("agent online")

	r.arb.AgentOnline(identity)
	// Queue sync: every ringing call this agent may answer.
	pending := r.reg.List(func(s calls.Session) bool {
		return s.State == calls.StateRinging && slices.Contains(s.Eligible, identity)
	})
	r.ack(conn, msg, nil)
	for _, s := range pending {
		_ = conn.enqueue(protocol.New(protocol.TypeCallRequest, s.ID, s.PendingCall()))
	}
	return nil
}

func (r *Router) handleAgentLeave(conn *Conn, msg protocol.Message) error {
	if conn.Role != rbac.RoleAgent {
		return errForbidden
	}
	conn.release(presenceKey)
	r.ack(conn, msg, nil)
	return nil
}

func (r *Router) handleCallRequest(conn *Conn, msg protocol.Message) error {
	if conn.Role != rbac.RoleCustomer {
		return errForbidden
	}
	var p protocol.CallRequest
	if err := decodeOptional(msg, &p); err != nil {
		return err
	}
	if p.CustomerIdentity != "" && p.CustomerIdentity != conn.Identity {
		return fmt.Errorf("%w: customerIdentity does not match the connection", errForbidden)
	}
	name, phone := strings.TrimSpace(p.CallerName), strings.TrimSpace(p.CallerPhone)
	if name == "" {
		name = conn.name
	}
	if phone == "" {
		phone = conn.phone
	}

	// The ack goes out before agents ring, so the caller always learns the
	// session id before call:accepted or call:rejected for it.
	var acked bool
	var ackErr error
	s, err := r.arb.RequestCallWith(context.Background(), calls.CreateRequest{
		CustomerIdentity:    conn.Identity,
		CallerName:          name,
		CallerPhone:         phone,
		TargetAgentIdentity: p.TargetAgentIdentity,
		OriginConn:          conn.ID,
	}, func(s calls.Session) {
		conn.markRequested(s.ID)
		reply := protocol.New(protocol.TypeAck, s.ID, protocol.CallRequested{SessionID: s.ID})
		reply.Ref = msg.Ref
		acked = true
		ackErr = conn.enqueue(reply)
	})
	if err != nil {
		if acked {
			// The session was created and then abandoned; the caller hears
			// call:abandoned for it.
			conn.log.Warn("call request failed after ack", "err", err)
			return nil
		}
		return err
	}
	conn.log.Info("call requested", "session_id", s.ID, "broadcast", s.Broadcast(), "eligible", len(s.Eligible))
	return ackErr
}

func (r *Router) handleCallAccept(conn *Conn, msg protocol.Message) error {
	if conn.Role != rbac.RoleAgent {
		return errForbidden
	}
	var p protocol.CallAccept
	if err := msg.Decode(&p); err != nil {
		return invalid(err)
	}
	if p.AgentIdentity != "" && p.AgentIdentity != conn.Identity {
		return fmt.Errorf("%w: agentIdentity does not match the connection", errForbidden)
	}
	sessionID := sessionOf(msg, p.SessionID)

	_, err := r.arb.AcceptCall(context.Background(), sessionID, conn.Identity)
	if errors.Is(err, calls.ErrAlreadyTaken) {
		// A lost race only updates this agent's queue.
		taken := protocol.New(protocol.TypeCallTaken, sessionID, protocol.CallOutcome{SessionID: sessionID})
		taken.Ref = msg.Ref
		return conn.enqueue(taken)
	}
	if err != nil {
		return err
	}
	r.ack(conn, msg, protocol.CallOutcome{SessionID: sessionID, AgentIdentity: conn.Identity})
	return nil
}

func (r *Router) handleCallReject(conn *Conn, msg protocol.Message) error {
	if conn.Role != rbac.RoleAgent {
		return errForbidden
	}
	var p protocol.CallReject
	if err := msg.Decode(&p); err != nil {
		return invalid(err)
	}
	if p.AgentIdentity != "" && p.AgentIdentity != conn.Identity {
		return fmt.Errorf("%w: agentIdentity does not match the connection", errForbidden)
	}
	sessionID := sessionOf(msg, p.SessionID)

	s, err := r.arb.RejectCall(context.Background(), sessionID, conn.Identity, p.Reason)
	if err != nil {
		return err
	}
	r.ack(conn, msg, nil)
	if !s.State.Terminal() {
		// The agent's other tabs drop the entry; other agents are unaffected.
		withdrawn := protocol.New(protocol.TypeCallWithdrawn, sessionID, protocol.CallOutcome{SessionID: sessionID, Reason: "rejected"})
		for _, id := range r.dir.Connections(conn.Identity) {
			if id != conn.ID {
				r.deliver(id, withdrawn)
			}
		}
	}
	return nil
}

func (r *Router) handleCallCancel(conn *Conn, msg protocol.Message) error {
	if conn.Role != rbac.RoleCustomer {
		return errForbidden
	}
	var p protocol.CallRequested
	if err := decodeOptional(msg, &p); err != nil {
		return err
	}
	if _, err := r.arb.CancelCall(context.Background(), sessionOf(msg, p.SessionID), conn.Identity); err != nil {
		return err
	}
	r.ack(conn, msg, nil)
	return nil
}

func (r *Router) handleSignalJoin(conn *Conn, msg protocol.Message) error {
	var p protocol.SignalJoin
	if err := msg.Decode(&p); err != nil {
		return invalid(err)
	}
	role := protocol.Role(conn.Role)
	if !role.Valid() {
		return errForbidden
	}
	if p.Role != "" && p.Role != role {
		return fmt.Errorf("%w: cannot join as %s", errForbidden, p.Role)
	}
	if p.Identity != "" && p.Identity != conn.Identity {
		return fmt.Errorf("%w: identity does not match the connection", errForbidden)
	}
	sessionID := sessionOf(msg, p.SessionID)

	res, err := r.reg.Bind(sessionID, role, conn.Identity, conn.ID)
	if err != nil {
		return err
	}
	conn.join(sessionID, role)
	conn.log.Info("joined session scope", "session_id", sessionID, "queued", len(res.Drained))

	r.ack(conn, msg, nil)
	for _, queued := range res.Drained {
		_ = conn.enqueue(queued)
	}
	if res.PeerConn != "" {
		r.deliver(res.PeerConn, protocol.New(protocol.TypeSignalPeerJoined, sessionID, protocol.PeerJoined{SessionID: sessionID, Role: role}))
		_ = conn.enqueue(protocol.New(protocol.TypeSignalPeerJoined, sessionID, protocol.PeerJoined{SessionID: sessionID, Role: role.Other()}))
	}
	return nil
}

// handleNegotiation forwards offer, answer and ICE frames to the
// counterpart, or queues them until the counterpart joins.
func (r *Router) handleNegotiation(conn *Conn, msg protocol.Message) error {
	sessionID := msg.SessionID
	if sessionID == "" {
		var probe struct {
			SessionID string `json:"sessionId"`
		}
		if err := msg.Decode(&probe); err != nil {
			return invalid(err)
		}
		sessionID = probe.SessionID
	}
	role, ok := conn.joined(sessionID)
	if !ok {
		return fmt.Errorf("%w: join the session before signaling", calls.ErrInvalidState)
	}

	out, err := stampSender(msg, sessionID, role)
	if err != nil {
		return err
	}
	target, err := r.reg.RouteSignal(sessionID, role, conn.ID, out)
	if err != nil {
		return err
	}
	if target != "" {
		r.deliver(target, out)
	}
	if msg.Ref != "" {
		r.ack(conn, msg, nil)
	}
	return nil
}

func (r *Router) handleSignalConnected(conn *Conn, msg protocol.Message) error {
	var p protocol.SignalConnected
	if err := decodeOptional(msg, &p); err != nil {
		return err
	}
	sessionID := sessionOf(msg, p.SessionID)
	role, ok := conn.joined(sessionID)
	if !ok {
		return fmt.Errorf("%w: join the session before reporting a connection", calls.ErrInvalidState)
	}
	if _, err := r.arb.ReportConnected(sessionID, role); err != nil {
		return err
	}
	r.ack(conn, msg, nil)
	return nil
}

func (r *Router) handleSignalEnd(conn *Conn, msg protocol.Message) error {
	var p protocol.SignalEnd
	if err := decodeOptional(msg, &p); err != nil {
		return err
	}
	sessionID := sessionOf(msg, p.SessionID)
	role, ok := conn.joined(sessionID)
	if !ok {
		return fmt.Errorf("%w: join the session before ending it", calls.ErrInvalidState)
	}
	if _, err := r.arb.End(sessionID, role, p.Reason); err != nil {
		return err
	}
	r.ack(conn, msg, nil)
	return nil
}

func (r *Router) handleTranscriptChunk(conn *Conn, msg protocol.Message) error {
	var p protocol.TranscriptChunk
	if err := msg.Decode(&p); err != nil {
		return invalid(err)
	}
	sessionID := sessionOf(msg, p.SessionID)
	role, ok := conn.joined(sessionID)
	if !ok {
		return fmt.Errorf("%w: join the session before sending transcript", calls.ErrInvalidState)
	}
	if _, err := r.relay.EmitChunk(transcript.Chunk{
		SessionID: sessionID,
		Speaker:   role,
		ConnID:    conn.ID,
		Text:      p.Text,
		Timestamp: p.Timestamp,
	}); err != nil {
		return err
	}
	if msg.Ref != "" {
		r.ack(conn, msg, nil)
	}
	return nil
}

func (r *Router) handleInsight(conn *Conn, msg protocol.Message) error {
	if conn.Role != rbac.RoleAnalyst {
		return errForbidden
	}
	var p protocol.InsightUpdate
	if err := msg.Decode(&p); err != nil {
		return invalid(err)
	}
	delivered, err := r.relay.EmitInsight(sessionOf(msg, p.SessionID), p.Payload)
	if err != nil {
		return err
	}
	r.ack(conn, msg, map[string]bool{"delivered": delivered})
	return nil
}

// ack confirms a request when the client asked for correlation.
func (r *Router) ack(conn *Conn, msg protocol.Message, payload any) {
	if msg.Ref == "" {
		return
	}
	reply := protocol.New(protocol.TypeAck, msg.SessionID, payload)
	reply.Ref = msg.Ref
	_ = conn.enqueue(reply)
}

func (r *Router) replyError(conn *Conn, msg protocol.Message, err error) {
	code := codeFor(err)
	if code == protocol.CodeInternal {
		conn.log.Error("message handling failed", "type", msg.Type, "session_id", msg.SessionID, "err", err)
	} else {
		conn.log.Debug("message rejected", "type", msg.Type, "session_id", msg.SessionID, "code", code, "err", err)
	}
	reply := protocol.New(protocol.TypeError, msg.SessionID, protocol.Error{Code: code, Message: err.Error()})
	reply.Ref = msg.Ref
	_ = conn.enqueue(reply)
}

// stampSender overwrites the payload's from field with the verified role so
// a participant cannot speak for its counterpart.
func stampSender(msg protocol.Message, sessionID string, role protocol.Role) (protocol.Message, error) {
	switch msg.Type {
	case protocol.TypeSignalICECandidate:
		var p protocol.ICECandidate
		if err := msg.Decode(&p); err != nil {
			return protocol.Message{}, invalid(err)
		}
		if strings.TrimSpace(p.Candidate.Candidate) == "" && p.Candidate.SDPMid == nil && p.Candidate.SDPMLineIndex == nil {
			return protocol.Message{}, fmt.Errorf("%w: empty candidate", calls.ErrInvalidRequest)
		}
		p.SessionID, p.From = sessionID, role
		return protocol.New(msg.Type, sessionID, p), nil
	default:
		var p protocol.Description
		if err := msg.Decode(&p); err != nil {
			return protocol.Message{}, invalid(err)
		}
		if strings.TrimSpace(p.SDP) == "" {
			return protocol.Message{}, fmt.Errorf("%w: sdp required", calls.ErrInvalidRequest)
		}
		p.SessionID, p.From = sessionID, role
		return protocol.New(msg.Type, sessionID, p), nil
	}
}

func decodeOptional(msg protocol.Message, out any) error {
	if err := msg.Decode(out); err != nil && !errors.Is(err, protocol.ErrEmptyPayload) {
		return invalid(err)
	}
	return nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", calls.ErrInvalidRequest, err)
}

func sessionOf(msg protocol.Message, fromPayload string) string {
	if fromPayload != "" {
		return fromPayload
	}
	return msg.SessionID
}
