package arbitration

import "support-platform/internal/calls"

// Decision is the routing outcome for a call request. It carries only what
// is needed to ring agents; it has no side effects.
type Decision struct {
	Action Action
	Agents []string

	// Target is the addressed agent, empty when the call is broadcast. An
	// addressed request whose target is away falls back to broadcast.
	Target string

	// Reason is intended for logs and the rejection message.
	Reason string
}

type Action string

const (
	ActionRing   Action = "ring"
	ActionReject Action = "reject"
)

func (a *Arbiter) route(req calls.CreateRequest) Decision {
	if t := req.TargetAgentIdentity; t != "" && a.dir.Available(t) {
		return Decision{Action: ActionRing, Agents: []string{t}, Target: t, Reason: "addressed"}
	}

	agents := a.dir.AvailableAgents()
	if len(agents) == 0 {
		return Decision{Action: ActionReject, Reason: "no_agent_online"}
	}
	reason := "broadcast"
	if req.TargetAgentIdentity != "" {
		reason = "target_unavailable_broadcast"
	}
	return Decision{Action: ActionRing, Agents: agents, Reason: reason}
}
