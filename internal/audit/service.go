package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"support-platform/internal/calls"
	"support-platform/internal/protocol"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListBySession(ctx context.Context, sessionID string) ([]Event, error)
}

// Service appends audit events.
//
// IMPORTANT:
// - Audit is internal-only. Expose it to supervisors, never to customers.
// - Callers treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.SessionID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// History returns a session's events oldest first.
func (s *Service) History(ctx context.Context, sessionID string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if sessionID == "" {
		return nil, ErrInvalidEvent
	}
	return s.repo.ListBySession(ctx, sessionID)
}

// FromChange describes one session transition.
func FromChange(ch calls.Change, at time.Time) Event {
	actor, role := actorOf(ch)
	return Event{
		SessionID: ch.Session.ID,
		Type:      EventTypeTransition,
		From:      string(ch.From),
		To:        string(ch.Session.State),
		Kind:      string(ch.Event.Kind),
		Actor:     actor,
		ActorRole: role,
		Reason:    ch.Session.Reason,
		CreatedAt: at,
	}
}

func actorOf(ch calls.Change) (string, string) {
	s, ev := ch.Session, ch.Event
	switch ev.Kind {
	case calls.EventAccept, calls.EventReject, calls.EventAgentGone:
		return ev.Agent, string(protocol.RoleAgent)
	case calls.EventCancel:
		return s.Customer.Identity, string(protocol.RoleCustomer)
	case calls.EventPeerConnected, calls.EventDisconnect, calls.EventEnd:
		if ev.Role == protocol.RoleAgent {
			return s.Agent, string(ev.Role)
		}
		return s.Customer.Identity, string(ev.Role)
	default:
		return ActorSystem, ""
	}
}

// Recorder turns registry changes into audit events without blocking the
// transition path. Changes are queued and written by Run; when the queue is
// full the event is dropped and logged.
type Recorder struct {
	svc   *Service
	queue chan Event
	log   *slog.Logger
	clock func() time.Time
}

func NewRecorder(svc *Service, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{svc: svc, queue: make(chan Event, buffer), log: log, clock: time.Now}
}

// Observe is a calls.Observer.
func (r *Recorder) Observe(ch calls.Change) {
	e := FromChange(ch, r.clock().UTC())
	select {
	case r.queue <- e:
	default:
		r.log.Warn("audit queue full, event dropped", "session_id", e.SessionID, "to", e.To)
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case e := <-r.queue:
					r.write(flushCtx, e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Event) {
	if err := r.svc.Append(ctx, e); err != nil {
		r.log.Warn("audit append failed", "session_id", e.SessionID, "err", err)
	}
}
