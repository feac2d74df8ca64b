package signaling

import (
	"support-platform/internal/calls"
	"support-platform/internal/protocol"
)

// onChange turns a session transition into notifications for the parties
// that can observe it. It runs under the session's emit lock, so delivery
// only enqueues and never blocks.
func (r *Router) onChange(ch calls.Change) {
	s := ch.Session
	switch s.State {
	case calls.StateRinging:
		pc := protocol.New(protocol.TypeCallRequest, s.ID, s.PendingCall())
		for _, agent := range s.Eligible {
			r.deliverAgent(agent, pc)
		}

	case calls.StateAccepted:
		outcome := protocol.CallOutcome{SessionID: s.ID, AgentIdentity: s.Agent}
		accepted := protocol.New(protocol.TypeCallAccepted, s.ID, outcome)
		r.deliver(s.CustomerReach(), accepted)
		r.deliverAgent(s.Agent, accepted)

		taken := protocol.New(protocol.TypeCallTaken, s.ID, protocol.CallOutcome{SessionID: s.ID})
		for _, agent := range s.Offered {
			if agent != s.Agent {
				r.deliverAgent(agent, taken)
			}
		}

	case calls.StateConnected:
		connected := protocol.New(protocol.TypeCallConnected, s.ID, protocol.CallOutcome{SessionID: s.ID, AgentIdentity: s.Agent})
		r.deliver(s.CustomerConn, connected)
		r.deliver(s.AgentConn, connected)

	case calls.StateRejected, calls.StateAbandoned, calls.StateEnded:
		r.notifyTerminal(ch)
		r.forgetSession(s)
	}
}

func (r *Router) notifyTerminal(ch calls.Change) {
	s := ch.Session

	if ch.From == calls.StateRequested || ch.From == calls.StateRinging {
		typ := protocol.TypeCallAbandoned
		if s.State == calls.StateRejected {
			typ = protocol.TypeCallRejected
		}
		r.deliver(s.CustomerReach(), protocol.New(typ, s.ID, protocol.CallOutcome{SessionID: s.ID, Reason: s.Reason}))

		withdrawn := protocol.New(protocol.TypeCallWithdrawn, s.ID, protocol.CallOutcome{SessionID: s.ID, Reason: s.Reason})
		for _, agent := range s.Offered {
			r.deliverAgent(agent, withdrawn)
		}
		return
	}

	// Accepted or connected: the acting party already tore down locally;
	// only its counterpart is told, which prevents end loops.
	switch ch.Event.Kind {
	case calls.EventEnd:
		end := protocol.New(protocol.TypeSignalEnd, s.ID, protocol.SignalEnd{SessionID: s.ID, EndedBy: s.EndedBy, Reason: s.Reason})
		r.deliver(r.reachFor(s, s.EndedBy.Other()), end)
	case calls.EventDisconnect:
		gone := protocol.New(protocol.TypeSignalPeerDisconnected, s.ID, protocol.PeerDisconnected{SessionID: s.ID})
		r.deliver(r.reachFor(s, s.EndedBy.Other()), gone)
	default:
		abandoned := protocol.New(protocol.TypeCallAbandoned, s.ID, protocol.CallOutcome{SessionID: s.ID, AgentIdentity: s.Agent, Reason: s.Reason})
		r.deliver(s.CustomerReach(), abandoned)
		if s.AgentConn != "" {
			r.deliver(s.AgentConn, abandoned)
		} else {
			r.deliverAgent(s.Agent, abandoned)
		}
	}
}

// reachFor returns where the given party of s can be reached.
func (r *Router) reachFor(s calls.Session, role protocol.Role) string {
	if role == protocol.RoleCustomer {
		return s.CustomerReach()
	}
	return s.AgentConn
}

func (r *Router) forgetSession(s calls.Session) {
	for _, id := range []string{s.OriginConn, s.CustomerConn, s.AgentConn} {
		if c, ok := r.hub.get(id); ok {
			c.forget(s.ID)
		}
	}
}
