package arbitration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"support-platform/internal/calls"
	"support-platform/internal/presence"
	"support-platform/internal/protocol"
)

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every live timer scheduled with duration d.
func (c *fakeClock) fire(d time.Duration) int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if t.d == d && !t.stopped.Load() {
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.stopped.Store(true)
		t.fn()
	}
	return len(due)
}

type memLimiter struct {
	mu     sync.Mutex
	max    int
	active map[string]int
}

func (l *memLimiter) Acquire(_ context.Context, customer string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[customer] >= l.max {
		return false, nil
	}
	l.active[customer]++
	return true, nil
}

func (l *memLimiter) Release(_ context.Context, customer string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[customer] > 0 {
		l.active[customer]--
	}
	return nil
}

type recordingArchiver struct {
	mu    sync.Mutex
	snaps []calls.Snapshot
}

func (r *recordingArchiver) Archive(_ context.Context, s calls.Snapshot) error {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
	return nil
}

const (
	ring    = 30 * time.Second
	connect = 45 * time.Second
)

type fixture struct {
	reg     *calls.Registry
	dir     *presence.Directory
	arb     *Arbiter
	clock   *fakeClock
	limiter *memLimiter
	archive *recordingArchiver
}

func newFixture(t *testing.T, agents ...string) *fixture {
	t.Helper()
	f := &fixture{
		dir:     presence.NewDirectory(),
		clock:   &fakeClock{},
		limiter: &memLimiter{max: 1, active: map[string]int{}},
		archive: &recordingArchiver{},
	}
	f.reg = calls.NewRegistry(calls.RegistryOptions{Archiver: f.archive, FinalizeTimeout: time.Second})
	f.arb = New(f.reg, f.dir, Options{
		RingTimeout:    ring,
		ConnectTimeout: connect,
		Limiter:        f.limiter,
		AfterFunc:      f.clock.AfterFunc,
	})
	for _, a := range agents {
		f.dir.Register(a, "conn-"+a)
	}
	return f
}

func (f *fixture) request(t *testing.T, target string) calls.Session {
	t.Helper()
	s, err := f.arb.RequestCall(context.Background(), calls.CreateRequest{
		CustomerIdentity:    "cust-1",
		CallerName:          "Ada",
		TargetAgentIdentity: target,
	})
	if err != nil {
		t.Fatalf("request call: %v", err)
	}
	return s
}

func TestRequestCall_BroadcastRingsAllAvailableAgents(t *testing.T) {
	f := newFixture(t, "b", "a", "c")
	f.dir.MarkBusy("c", "other-session")

	s := f.request(t, "")
	if s.State != calls.StateRinging {
		t.Fatalf("expected ringing, got %s", s.State)
	}
	if len(s.Eligible) != 2 || s.Eligible[0] != "a" || s.Eligible[1] != "b" {
		t.Fatalf("expected eligible [a b], got %v", s.Eligible)
	}
}

func TestRequestCall_PeerUnavailable(t *testing.T) {
	f := newFixture(t)
	_, err := f.arb.RequestCall(context.Background(), calls.CreateRequest{CustomerIdentity: "cust-1"})
	if !errors.Is(err, calls.ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable with no agents, got %v", err)
	}
	_, err = f.arb.RequestCall(context.Background(), calls.CreateRequest{
		CustomerIdentity:    "cust-1",
		TargetAgentIdentity: "offline-agent",
	})
	if !errors.Is(err, calls.ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable for offline target with nobody present, got %v", err)
	}
	if n := len(f.reg.List(nil)); n != 0 {
		t.Fatalf("no session should be created, got %d", n)
	}
}

func TestRequestCall_AbsentTargetFallsBackToBroadcast(t *testing.T) {
	f := newFixture(t, "a")
	s := f.request(t, "offline-agent")
	if s.State != calls.StateRinging {
		t.Fatalf("expected ringing, got %s", s.State)
	}
	if len(s.Eligible) != 1 || s.Eligible[0] != "a" {
		t.Fatalf("expected eligible [a], got %v", s.Eligible)
	}
	if !s.Broadcast() || s.TargetAgent != "" {
		t.Fatalf("fallback session should be broadcast, target %q", s.TargetAgent)
	}

	f.dir.Register("late", "conn-late")
	if added := f.arb.AgentOnline("late"); len(added) != 1 {
		t.Fatalf("late agent should catch up on the fallback call, got %v", added)
	}
}

func TestRequestCall_AvailableTargetIsAddressed(t *testing.T) {
	f := newFixture(t, "a", "b")
	s := f.request(t, "b")
	if s.Broadcast() || len(s.Eligible) != 1 || s.Eligible[0] != "b" {
		t.Fatalf("expected addressed to b, got target %q eligible %v", s.TargetAgent, s.Eligible)
	}
}

func TestRequestCall_InvalidRequest(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.arb.RequestCall(context.Background(), calls.CreateRequest{CustomerIdentity: ""})
	if !errors.Is(err, calls.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAcceptCall_FirstAcceptWins(t *testing.T) {
	f := newFixture(t, "a", "b")
	s := f.request(t, "")

	got, err := f.arb.AcceptCall(context.Background(), s.ID, "a")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.State != calls.StateAccepted || got.Agent != "a" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if f.dir.Available("a") {
		t.Fatalf("accepting agent should be busy")
	}

	_, err = f.arb.AcceptCall(context.Background(), s.ID, "b")
	if !errors.Is(err, calls.ErrAlreadyTaken) {
		t.Fatalf("expected ErrAlreadyTaken, got %v", err)
	}
}

func TestAcceptCall_ConcurrentAcceptsHaveOneWinner(t *testing.T) {
	agents := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"}
	f := newFixture(t, agents...)
	s := f.request(t, "")

	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		taken   atomic.Int32
		start   = make(chan struct{})
		winners = make(chan string, len(agents))
	)
	for _, a := range agents {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			<-start
			_, err := f.arb.AcceptCall(context.Background(), s.ID, agent)
			switch {
			case err == nil:
				wins.Add(1)
				winners <- agent
			case errors.Is(err, calls.ErrAlreadyTaken):
				taken.Add(1)
			default:
				t.Errorf("agent %s: unexpected error %v", agent, err)
			}
		}(a)
	}
	close(start)
	wg.Wait()
	close(winners)

	if wins.Load() != 1 || taken.Load() != int32(len(agents)-1) {
		t.Fatalf("expected 1 winner and %d taken, got %d and %d", len(agents)-1, wins.Load(), taken.Load())
	}
	winner := <-winners
	cur, _ := f.reg.Get(s.ID)
	if cur.Agent != winner {
		t.Fatalf("session agent %q does not match winner %q", cur.Agent, winner)
	}
	for _, a := range agents {
		if a != winner && !f.dir.Available(a) {
			t.Fatalf("losing agent %s should stay available", a)
		}
	}
}

func TestAcceptCall_SameAgentHoldsOneSession(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, "a")
		f.dir.Register("a", "conn-a-2")
		var ids []string
		for _, cust := range []string{"cust-1", "cust-2"} {
			s, err := f.arb.RequestCall(context.Background(), calls.CreateRequest{CustomerIdentity: cust})
			if err != nil {
				t.Fatalf("request for %s: %v", cust, err)
			}
			ids = append(ids, s.ID)
		}

		var (
			wg    sync.WaitGroup
			wins  atomic.Int32
			start = make(chan struct{})
		)
		for _, id := range ids {
			wg.Add(1)
			go func(sessionID string) {
				defer wg.Done()
				<-start
				_, err := f.arb.AcceptCall(context.Background(), sessionID, "a")
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, calls.ErrInvalidState):
				default:
					t.Errorf("session %s: unexpected error %v", sessionID, err)
				}
			}(id)
		}
		close(start)
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("iteration %d: agent accepted %d sessions, want 1", i, wins.Load())
		}
		accepted := 0
		for _, id := range ids {
			if cur, _ := f.reg.Get(id); cur.State == calls.StateAccepted {
				accepted++
			}
		}
		if accepted != 1 {
			t.Fatalf("iteration %d: %d accepted sessions, want 1", i, accepted)
		}
	}
}

func TestAcceptCall_FailedAcceptReleasesReservation(t *testing.T) {
	f := newFixture(t, "a", "b")
	s := f.request(t, "a")

	if _, err := f.arb.AcceptCall(context.Background(), s.ID, "b"); !errors.Is(err, calls.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for a non-eligible agent, got %v", err)
	}
	if !f.dir.Available("b") {
		t.Fatalf("b should be free after a failed accept")
	}
	if _, err := f.arb.AcceptCall(context.Background(), s.ID, "a"); err != nil {
		t.Fatalf("accept a: %v", err)
	}
	if f.dir.Available("a") {
		t.Fatalf("a should be busy after accepting")
	}
}

func TestAcceptCall_AfterCustomerDisconnectIsIllegal(t *testing.T) {
	f := newFixture(t, "a")
	s := f.request(t, "")

	got, err := f.arb.Disconnected(s.ID, protocol.RoleCustomer)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got.State != calls.StateAbandoned || got.Reason != calls.ReasonCustomerDisconnected {
		t.Fatalf("expected abandoned/customer_disconnected, got %s/%s", got.State, got.Reason)
	}

	_, err = f.arb.AcceptCall(context.Background(), s.ID, "a")
	if !errors.Is(err, calls.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestRejectCall_AddressedRejectEndsSession(t *testing.T) {
	f := newFixture(t, "a", "b")
	s := f.request(t, "a")

	got, err := f.arb.RejectCall(context.Background(), s.ID, "a", "busy")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.State != calls.StateRejected || got.Reason != "busy" {
		t.Fatalf("expected rejected/busy, got %s/%s", got.State, got.Reason)
	}
}

func TestRejectCall_BroadcastNeedsEveryAgent(t *testing.T) {
	f := newFixture(t, "a", "b")
	s := f.request(t, "")

	got, err := f.arb.RejectCall(context.Background(), s.ID, "a", "")
	if err != nil {
		t.Fatalf("reject a: %v", err)
	}
	if got.State != calls.StateRinging {
		t.Fatalf("one reject of two should keep ringing, got %s", got.State)
	}
	got, err = f.arb.RejectCall(context.Background(), s.ID, "b", "")
	if err != nil {
		t.Fatalf("reject b: %v", err)
	}
	if got.State != calls.StateRejected || got.Reason != calls.ReasonAllRejected {
		t.Fatalf("expected rejected/all_rejected, got %s/%s", got.State, got.Reason)
	}
}

func TestRingTimeoutAbandons(t *testing.T) {
	f := newFixture(t, "a")
	s := f.request(t, "")

	if n := f.clock.fire(ring); n != 1 {
		t.Fatalf("expected one ring timer, got %d", n)
	}
	got, _ := f.reg.Get(s.ID)
	if got.State != calls.StateAbandoned || got.Reason != calls.ReasonNoAnswer {
		t.Fatalf("expected abandoned/no_answer, got %s/%s", got.State, got.Reason)
	}
}

func TestRingTimerStoppedOnAccept(t *testing.T) {
	f := newFixture(t, "a")
	s := f.request(t, "")
	if _, err := f.arb.AcceptCall(context.Background(), s.ID, "a"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if n := f.clock.fire(ring); n != 0 {
		t.Fatalf("ring timer should be stopped after accept, %d fired", n)
	}

	if n := f.clock.fire(connect); n != 1 {
		t.Fatalf("expected connect timer, got %d", n)
	}
	got, _ := f.reg.Get(s.ID)
	if got.State != calls.StateAbandoned || got.Reason != calls.ReasonConnectTimeout {
		t.Fatalf("expected abandoned/connect_timeout, got %s/%s", got.State, got.Reason)
	}
	if !f.dir.Available("a") {
		t.Fatalf("agent should be freed after the session terminates")
	}
}

func TestConnectedThenEnded(t *testing.T) {
	f := newFixture(t, "a")
	s := f.request(t, "")
	if _, err := f.arb.AcceptCall(context.Background(), s.ID, "a"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.arb.ReportConnected(s.ID, protocol.RoleCustomer); err != nil {
		t.Fatalf("customer connected: %v", err)
	}
	got, err := f.arb.ReportConnected(s.ID, protocol.RoleAgent)
	if err != nil {
		t.Fatalf("agent connected: %v", err)
	}
	if got.State != calls.StateConnected {
		t.Fatalf("expected connected, got %s", got.State)
	}
	if n := f.clock.fire(connect); n != 0 {
		t.Fatalf("connect timer should be stopped once connected")
	}

	got, err = f.arb.End(s.ID, protocol.RoleAgent, "")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if got.State != calls.StateEnded || got.Reason != calls.ReasonEndedByAgent {
		t.Fatalf("expected ended/ended_by_agent, got %s/%s", got.State, got.Reason)
	}
	if len(f.archive.snaps) != 1 || f.archive.snaps[0].SessionID != s.ID {
		t.Fatalf("expected the session archived once, got %d", len(f.archive.snaps))
	}
}

func TestLimiterCapsCustomerCalls(t *testing.T) {
	f := newFixture(t, "a", "b")
	s := f.request(t, "")

	_, err := f.arb.RequestCall(context.Background(), calls.CreateRequest{CustomerIdentity: "cust-1"})
	if !errors.Is(err, ErrTooManyCalls) {
		t.Fatalf("expected ErrTooManyCalls, got %v", err)
	}

	if _, err := f.arb.CancelCall(context.Background(), s.ID, "cust-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.arb.RequestCall(context.Background(), calls.CreateRequest{CustomerIdentity: "cust-1"}); err != nil {
		t.Fatalf("slot should be released after cancel: %v", err)
	}
}

func TestCancelCall_OnlyRequester(t *testing.T) {
	f := newFixture(t, "a")
	s := f.request(t, "")
	if _, err := f.arb.CancelCall(context.Background(), s.ID, "someone-else"); !errors.Is(err, calls.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	got, err := f.arb.CancelCall(context.Background(), s.ID, "cust-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != calls.StateAbandoned || got.Reason != calls.ReasonCancelled {
		t.Fatalf("expected abandoned/cancelled, got %s/%s", got.State, got.Reason)
	}
}

func TestAgentOnlineCatchesUpOnBroadcast(t *testing.T) {
	f := newFixture(t, "a")
	broadcast := f.request(t, "")

	f.dir.Register("late", "conn-late")
	added := f.arb.AgentOnline("late")
	if len(added) != 1 || added[0].ID != broadcast.ID {
		t.Fatalf("expected late agent added to the broadcast session, got %v", added)
	}
	if _, err := f.arb.AcceptCall(context.Background(), broadcast.ID, "late"); err != nil {
		t.Fatalf("late agent accept: %v", err)
	}
}

func TestAgentOfflineAbandonsWhenNobodyLeft(t *testing.T) {
	f := newFixture(t, "a", "b")
	s := f.request(t, "")

	f.arb.AgentOffline("a")
	got, _ := f.reg.Get(s.ID)
	if got.State != calls.StateRinging {
		t.Fatalf("b is still eligible, expected ringing, got %s", got.State)
	}
	f.arb.AgentOffline("b")
	got, _ = f.reg.Get(s.ID)
	if got.State != calls.StateAbandoned || got.Reason != calls.ReasonAgentsUnavailable {
		t.Fatalf("expected abandoned/agents_unavailable, got %s/%s", got.State, got.Reason)
	}
}

func TestAgentRejoinThenLeaveAgainIsWithdrawn(t *testing.T) {
	f := newFixture(t, "a", "b")
	s := f.request(t, "")

	f.arb.AgentOffline("a")
	if added := f.arb.AgentOnline("a"); len(added) != 1 {
		t.Fatalf("expected a re-added, got %v", added)
	}
	f.arb.AgentOffline("a")

	got, _ := f.reg.Get(s.ID)
	if len(got.Eligible) != 1 || got.Eligible[0] != "b" {
		t.Fatalf("expected eligible [b] after leave/rejoin/leave, got %v", got.Eligible)
	}
	got, err := f.arb.RejectCall(context.Background(), s.ID, "b", "")
	if err != nil {
		t.Fatalf("reject b: %v", err)
	}
	if got.State != calls.StateRejected {
		t.Fatalf("expected rejected once the only real agent rejects, got %s/%s", got.State, got.Reason)
	}
}

func TestRequestCallWith_HookRunsBeforeAgentsRing(t *testing.T) {
	f := newFixture(t, "a")
	var (
		mu     sync.Mutex
		events []string
	)
	f.reg.Observe(func(ch calls.Change) {
		mu.Lock()
		events = append(events, string(ch.Session.State))
		mu.Unlock()
	})

	s, err := f.arb.RequestCallWith(context.Background(), calls.CreateRequest{CustomerIdentity: "cust-1"}, func(s calls.Session) {
		if s.State != calls.StateRequested {
			t.Errorf("hook saw state %s, want requested", s.State)
		}
		mu.Lock()
		events = append(events, "created:"+s.ID)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "created:"+s.ID || events[1] != string(calls.StateRinging) {
		t.Fatalf("expected hook before ringing, got %v", events)
	}
}
