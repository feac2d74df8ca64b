package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"support-platform/internal/calls"
	"support-platform/internal/presence"
	"support-platform/internal/protocol"
)

// Arbiter resolves which agent answers a call.
//
// Rules:
//  1. An addressed call rings only its target while the target is available.
//  2. Otherwise the call is broadcast and rings every available agent.
//  3. The first accept wins; the check-and-set happens inside the session's
//     lock in the registry, so racing accepts can never both succeed.
//
// Timers: a ringing session is abandoned after RingTimeout, an accepted
// session that never connects after ConnectTimeout.
type Arbiter struct {
	reg *calls.Registry
	dir *presence.Directory

	ringTimeout    time.Duration
	connectTimeout time.Duration
	limiter        Limiter
	afterFunc      func(time.Duration, func()) Timer
	log            *slog.Logger

	mu     sync.Mutex
	timers map[string]Timer
}

// Limiter caps concurrent calls per customer.
type Limiter interface {
	Acquire(ctx context.Context, customer string) (bool, error)
	Release(ctx context.Context, customer string) error
}

// Timer is the subset of *time.Timer the arbiter needs.
type Timer interface {
	Stop() bool
}

type Options struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration

	// Limiter is optional; nil means no per-customer cap.
	Limiter Limiter
	Logger  *slog.Logger

	// AfterFunc schedules timeouts. Defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
}

var ErrTooManyCalls = errors.New("arbitration: customer already has an active call")

const (
	defaultRingTimeout    = 30 * time.Second
	defaultConnectTimeout = 45 * time.Second
	releaseTimeout        = 5 * time.Second
)

// New wires an Arbiter to the registry's change stream.
func New(reg *calls.Registry, dir *presence.Directory, opts Options) *Arbiter {
	a := &Arbiter{
		reg:            reg,
		dir:            dir,
		ringTimeout:    opts.RingTimeout,
		connectTimeout: opts.ConnectTimeout,
		limiter:        opts.Limiter,
		afterFunc:      opts.AfterFunc,
		log:            opts.Logger,
		timers:         make(map[string]Timer),
	}
	if a.ringTimeout <= 0 {
		a.ringTimeout = defaultRingTimeout
	}
	if a.connectTimeout <= 0 {
		a.connectTimeout = defaultConnectTimeout
	}
	if a.afterFunc == nil {
		a.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	reg.Observe(a.onChange)
	return a
}

// RequestCall creates a session and rings the eligible agents.
func (a *Arbiter) RequestCall(ctx context.Context, req calls.CreateRequest) (calls.Session, error) {
	return a.RequestCallWith(ctx, req, nil)
}

// RequestCallWith is RequestCall with a hook that runs once the session
// exists and before any agent is rung. The signaling layer uses it to hand
// the caller its session id ahead of any outcome for that session.
func (a *Arbiter) RequestCallWith(ctx context.Context, req calls.CreateRequest, created func(calls.Session)) (calls.Session, error) {
	if req.CustomerIdentity == "" {
		return calls.Session{}, fmt.Errorf("%w: customer identity required", calls.ErrInvalidRequest)
	}

	d := a.route(req)
	if d.Action == ActionReject {
		return calls.Session{}, fmt.Errorf("%w: %s", calls.ErrPeerUnavailable, d.Reason)
	}
	req.TargetAgentIdentity = d.Target

	if a.limiter != nil {
		ok, err := a.limiter.Acquire(ctx, req.CustomerIdentity)
		if err != nil {
			return calls.Session{}, fmt.Errorf("arbitration: call cap: %w", err)
		}
		if !ok {
			return calls.Session{}, ErrTooManyCalls
		}
	}

	s, err := a.reg.Create(req)
	if err != nil {
		a.release(req.CustomerIdentity)
		return calls.Session{}, err
	}
	if created != nil {
		created(s)
	}
	s, err = a.reg.Transition(s.ID, calls.Event{Kind: calls.EventNotify, Agents: d.Agents})
	if err != nil {
		// Never rang; abandon so the limiter slot and session are settled.
		_, _ = a.reg.Transition(s.ID, calls.Event{Kind: calls.EventCancel, Reason: d.Reason})
		return calls.Session{}, err
	}
	return s, nil
}

// AcceptCall binds agent to the session if it is still ringing. Losing a
// race yields ErrAlreadyTaken.
//
// The agent is reserved in the directory before the transition, so one
// identity accepting from several connections holds at most one session.
func (a *Arbiter) AcceptCall(ctx context.Context, sessionID, agent string) (calls.Session, error) {
	if sessionID == "" || agent == "" {
		return calls.Session{}, fmt.Errorf("%w: session and agent required", calls.ErrInvalidRequest)
	}
	cur, err := a.reg.Get(sessionID)
	if err != nil {
		return calls.Session{}, err
	}
	reserved := false
	if cur.State == calls.StateRinging {
		if !a.dir.MarkBusy(agent, sessionID) {
			return calls.Session{}, fmt.Errorf("%w: agent %q is not available", calls.ErrInvalidState, agent)
		}
		reserved = true
	}

	s, err := a.reg.Transition(sessionID, calls.Event{Kind: calls.EventAccept, Agent: agent})
	if err == nil {
		return s, nil
	}
	cur, gerr := a.reg.Get(sessionID)
	if reserved && (gerr != nil || cur.Agent != agent) {
		a.dir.MarkFree(agent, sessionID)
	}
	if errors.Is(err, calls.ErrIllegalTransition) && gerr == nil && cur.Agent != "" && cur.Agent != agent {
		return calls.Session{}, fmt.Errorf("%w: %s", calls.ErrAlreadyTaken, sessionID)
	}
	return calls.Session{}, err
}

// RejectCall removes agent from the eligible set. The session only becomes
// rejected once no eligible agent remains.
func (a *Arbiter) RejectCall(ctx context.Context, sessionID, agent, reason string) (calls.Session, error) {
	if sessionID == "" || agent == "" {
		return calls.Session{}, fmt.Errorf("%w: session and agent required", calls.ErrInvalidRequest)
	}
	return a.reg.Transition(sessionID, calls.Event{Kind: calls.EventReject, Agent: agent, Reason: reason})
}

// CancelCall lets the requesting customer withdraw an unanswered call.
func (a *Arbiter) CancelCall(ctx context.Context, sessionID, customer string) (calls.Session, error) {
	s, err := a.reg.Get(sessionID)
	if err != nil {
		return calls.Session{}, err
	}
	if s.Customer.Identity != customer {
		return calls.Session{}, fmt.Errorf("%w: only the requesting customer can cancel", calls.ErrInvalidRequest)
	}
	return a.reg.Transition(sessionID, calls.Event{Kind: calls.EventCancel})
}

// ReportConnected records that role's transport is established.
func (a *Arbiter) ReportConnected(sessionID string, role protocol.Role) (calls.Session, error) {
	return a.reg.Transition(sessionID, calls.Event{Kind: calls.EventPeerConnected, Role: role})
}

// End applies an explicit hang-up by role.
func (a *Arbiter) End(sessionID string, role protocol.Role, reason string) (calls.Session, error) {
	return a.reg.Transition(sessionID, calls.Event{Kind: calls.EventEnd, Role: role, Reason: reason})
}

// Disconnected applies a transport drop of role's bound connection.
func (a *Arbiter) Disconnected(sessionID string, role protocol.Role) (calls.Session, error) {
	return a.reg.Transition(sessionID, calls.Event{Kind: calls.EventDisconnect, Role: role})
}

// AgentOnline offers ringing broadcast calls to an agent that just became
// available and returns the sessions it was added to.
func (a *Arbiter) AgentOnline(agent string) []calls.Session {
	if !a.dir.Available(agent) {
		return nil
	}
	ringing := a.reg.List(func(s calls.Session) bool {
		return s.State == calls.StateRinging && s.Broadcast()
	})
	out := make([]calls.Session, 0, len(ringing))
	for _, s := range ringing {
		if updated, added, err := a.reg.AddEligible(s.ID, agent); err == nil && added {
			out = append(out, updated)
		}
	}
	return out
}

// AgentOffline withdraws an agent whose last connection closed from every
// ringing session it was eligible for.
func (a *Arbiter) AgentOffline(agent string) {
	ringing := a.reg.List(func(s calls.Session) bool {
		return s.State == calls.StateRinging && slices.Contains(s.Eligible, agent)
	})
	for _, s := range ringing {
		if _, err := a.reg.Transition(s.ID, calls.Event{Kind: calls.EventAgentGone, Agent: agent}); err != nil {
			a.log.Debug("agent withdrawal skipped", "session_id", s.ID, "agent", agent, "err", err)
		}
	}
}

// onChange keeps timers, presence and collaborators in step with the
// session lifecycle.
func (a *Arbiter) onChange(ch calls.Change) {
	s := ch.Session
	switch {
	case s.State == calls.StateRinging:
		a.arm(s.ID, a.ringTimeout, calls.StateRinging)
	case s.State == calls.StateAccepted:
		// Normally reserved by AcceptCall already.
		if !a.dir.MarkBusy(s.Agent, s.ID) {
			a.log.Warn("accepting agent not marked busy", "session_id", s.ID, "agent", s.Agent)
		}
		a.arm(s.ID, a.connectTimeout, calls.StateAccepted)
	case s.State == calls.StateConnected:
		a.disarm(s.ID)
	case s.State.Terminal():
		a.disarm(s.ID)
		if s.Agent != "" {
			a.dir.MarkFree(s.Agent, s.ID)
		}
		a.release(s.Customer.Identity)
	}
}

func (a *Arbiter) arm(sessionID string, d time.Duration, expect calls.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[sessionID]; ok {
		t.Stop()
	}
	a.timers[sessionID] = a.afterFunc(d, func() {
		_, err := a.reg.Transition(sessionID, calls.Event{Kind: calls.EventTimeout, Expect: expect})
		if err != nil && !errors.Is(err, calls.ErrIllegalTransition) && !errors.Is(err, calls.ErrNotFound) {
			a.log.Error("session timeout failed", "session_id", sessionID, "err", err)
		}
	})
}

func (a *Arbiter) disarm(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[sessionID]; ok {
		t.Stop()
		delete(a.timers, sessionID)
	}
}

func (a *Arbiter) release(customer string) {
	if a.limiter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := a.limiter.Release(ctx, customer); err != nil {
		a.log.Warn("call cap release failed", "customer", customer, "err", err)
	}
}
