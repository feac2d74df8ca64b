package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"support-platform/internal/calls"
	"support-platform/internal/protocol"
)

func TestService_AppendRequiresSessionAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if err := svc.Append(context.Background(), Event{Type: EventTypeTransition}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{SessionID: "s1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_FillsIDAndTime(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	if err := svc.Append(context.Background(), Event{SessionID: "s1", Type: EventTypeTransition}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 || evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestFromChange_Actors(t *testing.T) {
	s := calls.Session{ID: "s1", State: calls.StateAccepted, Customer: calls.Party{Identity: "cust-1"}, Agent: "agent-a"}
	cases := []struct {
		ev        calls.Event
		actor     string
		actorRole string
	}{
		{calls.Event{Kind: calls.EventAccept, Agent: "agent-a"}, "agent-a", "agent"},
		{calls.Event{Kind: calls.EventCancel}, "cust-1", "customer"},
		{calls.Event{Kind: calls.EventEnd, Role: protocol.RoleAgent}, "agent-a", "agent"},
		{calls.Event{Kind: calls.EventDisconnect, Role: protocol.RoleCustomer}, "cust-1", "customer"},
		{calls.Event{Kind: calls.EventTimeout}, ActorSystem, ""},
	}
	for _, tc := range cases {
		e := FromChange(calls.Change{Session: s, From: calls.StateRinging, Event: tc.ev}, time.Now())
		if e.Actor != tc.actor || e.ActorRole != tc.actorRole {
			t.Errorf("%s: actor %q/%q, want %q/%q", tc.ev.Kind, e.Actor, e.ActorRole, tc.actor, tc.actorRole)
		}
		if e.From != "ringing" || e.To != "accepted" || e.Kind != string(tc.ev.Kind) {
			t.Errorf("%s: unexpected transition %+v", tc.ev.Kind, e)
		}
	}
}

func TestRecorder_WritesRegistryTransitions(t *testing.T) {
	repo := NewMemoryRepo()
	rec := NewRecorder(NewService(repo), 16, slog.New(slog.NewTextHandler(io.Discard, nil)))

	reg := calls.NewRegistry(calls.RegistryOptions{})
	reg.Observe(rec.Observe)
	s, err := reg.Create(calls.CreateRequest{CustomerIdentity: "cust-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Transition(s.ID, calls.Event{Kind: calls.EventNotify, Agents: []string{"agent-a"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if _, err := reg.Transition(s.ID, calls.Event{Kind: calls.EventCancel}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	history, err := NewService(repo).History(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 events, got %+v", history)
	}
	if history[0].To != "ringing" || history[1].To != "abandoned" || history[1].Reason != calls.ReasonCancelled {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	repo := NewMemoryRepo()
	rec := NewRecorder(NewService(repo), 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch := calls.Change{Session: calls.Session{ID: "s1", State: calls.StateRinging}, From: calls.StateRequested}
	rec.Observe(ch)
	rec.Observe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)
	if got := len(repo.Events()); got != 1 {
		t.Fatalf("expected 1 event, got %d", got)
	}
}
