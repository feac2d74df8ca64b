package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"support-platform/internal/protocol"

	"github.com/google/uuid"
)

// Summarizer receives the finalized transcript of an ended call.
type Summarizer interface {
	Summarize(ctx context.Context, snap Snapshot) error
}

// Archiver persists the record of every terminal session.
type Archiver interface {
	Archive(ctx context.Context, snap Snapshot) error
}

// Change is emitted for every state move.
type Change struct {
	Session Session
	From    State
	Event   Event
}

// Observer is notified of changes in per-session order. Observers run while
// the session's emit lock is held: they may read the registry and call
// Finalize, but must not call Transition on the same session.
type Observer func(Change)

// RegistryOptions configures collaborators. All fields are optional.
type RegistryOptions struct {
	Summarizer Summarizer
	Archiver   Archiver
	Logger     *slog.Logger

	// FinalizeTimeout, when positive, makes a transition into a terminal
	// state finalize the session once every observer has run, so parties
	// are notified before storage is touched.
	FinalizeTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

// Registry is the in-memory store of call sessions.
//
// Concurrency: the map is guarded by mu; each session has its own lock, so
// operations on different sessions never contend beyond the map lookup.
// Lock order is always Registry.mu before entry.mu.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	obsMu     sync.RWMutex
	observers []Observer

	summarizer      Summarizer
	archiver        Archiver
	finalizeTimeout time.Duration
	log             *slog.Logger
	now             func() time.Time
	newID      func() string
}

type entry struct {
	mu sync.Mutex
	s  Session

	last    Event
	hasLast bool

	// emitMu is taken before mu is released so observers see changes of one
	// session in the order they were applied.
	emitMu sync.Mutex

	finMu     sync.Mutex
	finalized bool
	frozen    Snapshot
}

func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		sessions:        make(map[string]*entry),
		summarizer:      opts.Summarizer,
		archiver:        opts.Archiver,
		finalizeTimeout: opts.FinalizeTimeout,
		log:             opts.Logger,
		now:             opts.Now,
		newID:           opts.NewID,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// Observe registers fn for all future changes.
func (r *Registry) Observe(fn Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

type CreateRequest struct {
	CustomerIdentity    string
	CallerName          string
	CallerPhone         string
	TargetAgentIdentity string

	// OriginConn is the requesting connection, if any.
	OriginConn string
}

// Create registers a new session in the requested state.
func (r *Registry) Create(req CreateRequest) (Session, error) {
	cid := strings.TrimSpace(req.CustomerIdentity)
	if cid == "" {
		return Session{}, fmt.Errorf("%w: customer identity required", ErrInvalidRequest)
	}

	s := Session{
		ID:    r.newID(),
		State: StateRequested,
		Customer: Party{
			Identity: cid,
			Name:     strings.TrimSpace(req.CallerName),
			Phone:    strings.TrimSpace(req.CallerPhone),
		},
		TargetAgent: strings.TrimSpace(req.TargetAgentIdentity),
		OriginConn:  req.OriginConn,
		CreatedAt:   r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return Session{}, fmt.Errorf("%w: duplicate session id", ErrInvalidRequest)
	}
	r.sessions[s.ID] = &entry{s: s}
	return s.clone(), nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (r *Registry) Get(id string) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), nil
}

// List returns copies of all sessions matching pred.
func (r *Registry) List(pred func(Session) bool) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0)
	for _, e := range r.sessions {
		e.mu.Lock()
		if pred == nil || pred(e.s) {
			out = append(out, e.s.clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Transition applies ev. A repeat of the last applied event is a no-op that
// returns the current session, so retransmitted messages are harmless.
func (r *Registry) Transition(id string, ev Event) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	if e.hasLast && e.last.sameAs(ev) {
		s := e.s.clone()
		e.mu.Unlock()
		return s, nil
	}

	out, err := apply(&e.s, ev, r.now().UTC())
	if err != nil {
		e.mu.Unlock()
		return Session{}, err
	}
	if out.changed || out.touched {
		e.last = ev
		e.hasLast = true
	}
	s := e.s.clone()
	if !out.changed {
		e.mu.Unlock()
		return s, nil
	}
	if s.State.Terminal() {
		s.Pending = nil
		e.s.Pending = nil
	}

	e.emitMu.Lock()
	e.mu.Unlock()
	r.emit(e, Change{Session: s, From: out.from, Event: ev})

	if s.State.Terminal() && r.finalizeTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), r.finalizeTimeout)
		defer cancel()
		if _, err := r.Finalize(ctx, s.ID); err != nil {
			r.log.Error("session finalize failed", "session_id", s.ID, "err", err)
		}
	}
	return s, nil
}

// emit runs the observers for one change and releases e.emitMu, which the
// caller took while still holding e.mu.
func (r *Registry) emit(e *entry, ch Change) {
	defer e.emitMu.Unlock()

	r.log.Info("session transition",
		"session_id", ch.Session.ID,
		"from", ch.From,
		"to", ch.Session.State,
		"event", ch.Event.Kind,
		"reason", ch.Session.Reason,
	)

	r.obsMu.RLock()
	obs := slices.Clone(r.observers)
	r.obsMu.RUnlock()
	for _, fn := range obs {
		c := ch
		c.Session = ch.Session.clone()
		fn(c)
	}
}

// AddEligible offers a ringing broadcast session to an agent that came
// online after the call was requested. It reports whether the agent was added.
func (r *Registry) AddEligible(id, agent string) (Session, bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.s
	if s.State != StateRinging || !s.Broadcast() || agent == "" {
		return s.clone(), false, nil
	}
	if slices.Contains(s.Eligible, agent) || slices.Contains(s.Rejected, agent) {
		return s.clone(), false, nil
	}
	s.Eligible = append(s.Eligible, agent)
	if !slices.Contains(s.Offered, agent) {
		s.Offered = append(s.Offered, agent)
	}
	// A later withdrawal of the same agent is new, not a retransmission.
	e.hasLast = false
	return s.clone(), true, nil
}

// AppendTranscript adds one fragment. Only connected sessions accept text.
func (r *Registry) AppendTranscript(id string, te TranscriptEntry) (Session, error) {
	if !te.Speaker.Valid() {
		return Session{}, fmt.Errorf("%w: invalid speaker %q", ErrInvalidRequest, te.Speaker)
	}
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != StateConnected {
		return Session{}, fmt.Errorf("%w: transcript closed in state %s", ErrInvalidState, e.s.State)
	}
	if te.Timestamp.IsZero() {
		te.Timestamp = r.now().UTC()
	}
	e.s.Transcript = append(e.s.Transcript, te)
	return e.s.clone(), nil
}

// BindResult is returned when a connection joins a session's signaling scope.
type BindResult struct {
	Session Session
	// Drained holds queued messages for the joining role in receipt order.
	Drained []protocol.Message
	// PeerConn is the counterpart's connection, empty if not yet joined.
	PeerConn string
}

// Bind attaches connID as the role's connection for the session.
func (r *Registry) Bind(id string, role protocol.Role, identity, connID string) (BindResult, error) {
	if !role.Valid() || connID == "" {
		return BindResult{}, fmt.Errorf("%w: role and connection required", ErrInvalidRequest)
	}
	e, err := r.lookup(id)
	if err != nil {
		return BindResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.s
	if s.State.Terminal() {
		return BindResult{}, fmt.Errorf("%w: session is %s", ErrInvalidState, s.State)
	}
	switch role {
	case protocol.RoleCustomer:
		if identity != s.Customer.Identity {
			return BindResult{}, fmt.Errorf("%w: identity is not the session customer", ErrInvalidRequest)
		}
	case protocol.RoleAgent:
		if s.State != StateAccepted && s.State != StateConnected {
			return BindResult{}, fmt.Errorf("%w: agent cannot join a %s session", ErrInvalidState, s.State)
		}
		if identity != s.Agent {
			return BindResult{}, fmt.Errorf("%w: identity is not the accepting agent", ErrInvalidRequest)
		}
	}

	cur := s.ConnFor(role)
	if cur != "" && cur != connID {
		return BindResult{}, fmt.Errorf("%w: %s already bound", ErrInvalidState, role)
	}
	if role == protocol.RoleAgent {
		s.AgentConn = connID
	} else {
		s.CustomerConn = connID
	}

	drained := s.Pending[role]
	delete(s.Pending, role)
	return BindResult{Session: s.clone(), Drained: drained, PeerConn: s.ConnFor(role.Other())}, nil
}

// Unbind detaches connID if it is still the role's connection.
func (r *Registry) Unbind(id string, role protocol.Role, connID string) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case role == protocol.RoleAgent && e.s.AgentConn == connID:
		e.s.AgentConn = ""
	case role == protocol.RoleCustomer && e.s.CustomerConn == connID:
		e.s.CustomerConn = ""
	default:
		return false
	}
	return true
}

// RouteSignal resolves where a negotiation message from the sender goes.
// When the counterpart has not joined yet the message is queued for it and
// the returned connection id is empty.
func (r *Registry) RouteSignal(id string, from protocol.Role, connID string, msg protocol.Message) (string, error) {
	e, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.s
	if s.ConnFor(from) != connID {
		return "", fmt.Errorf("%w: sender has not joined the session as %s", ErrInvalidState, from)
	}
	if s.State != StateAccepted && s.State != StateConnected {
		return "", fmt.Errorf("%w: cannot signal in state %s", ErrInvalidState, s.State)
	}

	to := from.Other()
	if target := s.ConnFor(to); target != "" {
		return target, nil
	}
	if s.Pending == nil {
		s.Pending = make(map[protocol.Role][]protocol.Message)
	}
	s.Pending[to] = append(s.Pending[to], msg)
	return "", nil
}

// Finalize hands a terminal session to the collaborators exactly once and
// returns its frozen snapshot. Later calls return the cached snapshot.
func (r *Registry) Finalize(ctx context.Context, id string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	e.finMu.Lock()
	defer e.finMu.Unlock()
	if e.finalized {
		return e.frozen, nil
	}

	e.mu.Lock()
	s := e.s.clone()
	e.mu.Unlock()
	if !s.State.Terminal() {
		return Snapshot{}, fmt.Errorf("%w: cannot finalize %s session", ErrInvalidState, s.State)
	}

	e.frozen = s.snapshot()
	e.finalized = true

	var errs []error
	if r.archiver != nil {
		if err := r.archiver.Archive(ctx, e.frozen); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	if r.summarizer != nil && s.State == StateEnded {
		if err := r.summarizer.Summarize(ctx, e.frozen); err != nil {
			errs = append(errs, fmt.Errorf("summarize: %w", err))
		}
	}
	return e.frozen, errors.Join(errs...)
}

// Prune drops finalized terminal sessions that ended before cutoff.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.sessions {
		// A finalize in flight holds finMu; leave that session for the next pass.
		if !e.finMu.TryLock() {
			continue
		}
		done := e.finalized
		e.finMu.Unlock()
		if !done {
			continue
		}
		e.mu.Lock()
		old := e.s.State.Terminal() && e.s.EndedAt.Before(cutoff)
		e.mu.Unlock()
		if old {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}
