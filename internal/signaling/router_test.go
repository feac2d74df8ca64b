package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"support-platform/internal/arbitration"
	"support-platform/internal/auth"
	"support-platform/internal/calls"
	"support-platform/internal/config"
	"support-platform/internal/presence"
	"support-platform/internal/protocol"

	"github.com/gin-gonic/gin"
)

const waitTimeout = 3 * time.Second

type harness struct {
	reg *calls.Registry
	dir *presence.Directory
	srv *httptest.Server
	jwt *auth.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := calls.NewRegistry(calls.RegistryOptions{})
	dir := presence.NewDirectory()
	arb := arbitration.New(reg, dir, arbitration.Options{RingTimeout: time.Minute, ConnectTimeout: time.Minute})
	router := NewRouter(reg, dir, arb, Options{
		WriteTimeout:   time.Second,
		PingInterval:   5 * time.Second,
		AllowedOrigins: []string{"*"},
		ICEServers:     []protocol.ICEServer{{URLs: []string{"stun:stun.example:3478"}}},
	})

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "test", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	e := gin.New()
	e.GET("/ws", auth.RequireAccessToken(m), router.ServeWS)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &harness{reg: reg, dir: dir, srv: srv, jwt: m}
}

type peer struct {
	t *testing.T
	*Client
}

func (h *harness) dial(t *testing.T, identity, role string) *peer {
	t.Helper()
	pair, err := h.jwt.IssuePair(time.Now(), auth.Identity{UserID: identity, Role: role, Name: identity + " name"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	c, err := Dial(ctx, url, pair.AccessToken)
	if err != nil {
		t.Fatalf("dial %s: %v", identity, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &peer{t: t, Client: c}
}

func (p *peer) send(typ protocol.Type, sessionID string, payload any, ref string) {
	p.t.Helper()
	msg := protocol.New(typ, sessionID, payload)
	msg.Ref = ref
	if err := p.Send(msg); err != nil {
		p.t.Fatalf("send %s: %v", typ, err)
	}
}

// waitFor skips other messages until one of type typ arrives.
func (p *peer) waitFor(typ protocol.Type) protocol.Message {
	p.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-p.Messages():
			if !ok {
				p.t.Fatalf("connection closed while waiting for %s", typ)
			}
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// request sends msg with a ref and returns the correlated reply.
func (p *peer) request(typ protocol.Type, sessionID string, payload any) protocol.Message {
	p.t.Helper()
	ref := string(typ) + "-" + sessionID
	p.send(typ, sessionID, payload, ref)
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-p.Messages():
			if !ok {
				p.t.Fatalf("connection closed while waiting for reply to %s", typ)
			}
			if msg.Ref == ref {
				return msg
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for reply to %s", typ)
		}
	}
}

func mustAck(t *testing.T, msg protocol.Message) {
	t.Helper()
	if msg.Type != protocol.TypeAck {
		var e protocol.Error
		_ = msg.Decode(&e)
		t.Fatalf("expected ack, got %s %+v", msg.Type, e)
	}
}

func errorCode(t *testing.T, msg protocol.Message) string {
	t.Helper()
	if msg.Type != protocol.TypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
	var e protocol.Error
	if err := msg.Decode(&e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return e.Code
}

func requestCall(t *testing.T, customer *peer, target string) string {
	t.Helper()
	reply := customer.request(protocol.TypeCallRequest, "", protocol.CallRequest{TargetAgentIdentity: target})
	mustAck(t, reply)
	var out protocol.CallRequested
	if err := reply.Decode(&out); err != nil || out.SessionID == "" {
		t.Fatalf("expected session id, got %v %+v", err, out)
	}
	return out.SessionID
}

func TestRouter_ReadyCarriesIdentityAndICE(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "cust-1", "customer")
	if c.Ready.Identity != "cust-1" || c.Ready.Role != protocol.RoleCustomer || c.Ready.ConnectionID == "" {
		t.Fatalf("unexpected ready %+v", c.Ready)
	}
	if len(c.Ready.ICEServers) != 1 {
		t.Fatalf("expected ice servers in ready, got %+v", c.Ready.ICEServers)
	}
}

func TestRouter_NoAgentsIsPeerUnavailable(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "cust-1", "customer")
	reply := c.request(protocol.TypeCallRequest, "", protocol.CallRequest{})
	if code := errorCode(t, reply); code != protocol.CodePeerUnavailable {
		t.Fatalf("expected peer_unavailable, got %s", code)
	}
}

func TestRouter_RoleGuards(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "cust-1", "customer")
	reply := c.request(protocol.TypeCallAccept, "s1", protocol.CallAccept{SessionID: "s1"})
	if code := errorCode(t, reply); code != protocol.CodeForbidden {
		t.Fatalf("expected forbidden, got %s", code)
	}
	a := h.dial(t, "agent-a", "agent")
	reply = a.request(protocol.TypeAgentJoin, "", protocol.AgentPresence{AgentIdentity: "someone-else"})
	if code := errorCode(t, reply); code != protocol.CodeForbidden {
		t.Fatalf("expected forbidden for spoofed identity, got %s", code)
	}
}

func TestRouter_BroadcastFirstAcceptWins(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "agent-a", "agent")
	b := h.dial(t, "agent-b", "agent")
	mustAck(t, a.request(protocol.TypeAgentJoin, "", nil))
	mustAck(t, b.request(protocol.TypeAgentJoin, "", nil))

	c := h.dial(t, "cust-1", "customer")
	sid := requestCall(t, c, "")

	for _, p := range []*peer{a, b} {
		var pc protocol.PendingCall
		if err := p.waitFor(protocol.TypeCallRequest).Decode(&pc); err != nil || pc.SessionID != sid {
			t.Fatalf("expected pending call %s, got %+v (%v)", sid, pc, err)
		}
		if pc.CallerName != "cust-1 name" {
			t.Fatalf("caller name should default from the token, got %q", pc.CallerName)
		}
	}

	mustAck(t, a.request(protocol.TypeCallAccept, sid, protocol.CallAccept{SessionID: sid}))
	if msg := b.waitFor(protocol.TypeCallTaken); msg.SessionID != sid {
		t.Fatalf("expected call:taken for %s", sid)
	}
	var accepted protocol.CallOutcome
	if err := c.waitFor(protocol.TypeCallAccepted).Decode(&accepted); err != nil || accepted.AgentIdentity != "agent-a" {
		t.Fatalf("customer should learn agent-a accepted, got %+v", accepted)
	}

	late := b.request(protocol.TypeCallAccept, sid, protocol.CallAccept{SessionID: sid})
	if late.Type != protocol.TypeCallTaken {
		t.Fatalf("losing accept should yield call:taken, got %s", late.Type)
	}
	s, _ := h.reg.Get(sid)
	if s.Agent != "agent-a" || s.State != calls.StateAccepted {
		t.Fatalf("unexpected session %s agent=%s", s.State, s.Agent)
	}
}

func TestRouter_FullCallLifecycle(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "agent-a", "agent")
	mustAck(t, a.request(protocol.TypeAgentJoin, "", nil))
	c := h.dial(t, "cust-1", "customer")
	sid := requestCall(t, c, "agent-a")
	a.waitFor(protocol.TypeCallRequest)
	mustAck(t, a.request(protocol.TypeCallAccept, sid, protocol.CallAccept{SessionID: sid}))
	c.waitFor(protocol.TypeCallAccepted)

	mustAck(t, a.request(protocol.TypeSignalJoin, sid, protocol.SignalJoin{SessionID: sid, Role: protocol.RoleAgent}))
	mustAck(t, c.request(protocol.TypeSignalJoin, sid, protocol.SignalJoin{SessionID: sid, Role: protocol.RoleCustomer}))

	var joined protocol.PeerJoined
	if err := c.waitFor(protocol.TypeSignalPeerJoined).Decode(&joined); err != nil || joined.Role != protocol.RoleAgent {
		t.Fatalf("customer should see the agent join, got %+v", joined)
	}
	if err := a.waitFor(protocol.TypeSignalPeerJoined).Decode(&joined); err != nil || joined.Role != protocol.RoleCustomer {
		t.Fatalf("agent should see the customer join, got %+v", joined)
	}

	// A spoofed sender role is overwritten with the verified one.
	c.send(protocol.TypeSignalOffer, sid, protocol.Description{SessionID: sid, SDP: "v=0 offer", From: protocol.RoleAgent}, "")
	var offer protocol.Description
	if err := a.waitFor(protocol.TypeSignalOffer).Decode(&offer); err != nil || offer.SDP != "v=0 offer" || offer.From != protocol.RoleCustomer {
		t.Fatalf("unexpected offer %+v", offer)
	}
	a.send(protocol.TypeSignalAnswer, sid, protocol.Description{SessionID: sid, SDP: "v=0 answer"}, "")
	c.waitFor(protocol.TypeSignalAnswer)

	mustAck(t, c.request(protocol.TypeSignalConnected, sid, protocol.SignalConnected{SessionID: sid}))
	mustAck(t, a.request(protocol.TypeSignalConnected, sid, protocol.SignalConnected{SessionID: sid}))
	c.waitFor(protocol.TypeCallConnected)
	a.waitFor(protocol.TypeCallConnected)

	mustAck(t, c.request(protocol.TypeTranscriptChunk, sid, protocol.TranscriptChunk{SessionID: sid, Text: "my router is down"}))
	var chunk protocol.TranscriptChunk
	if err := a.waitFor(protocol.TypeTranscriptChunk).Decode(&chunk); err != nil || chunk.Speaker != protocol.RoleCustomer {
		t.Fatalf("unexpected chunk %+v", chunk)
	}
	mustAck(t, a.request(protocol.TypeTranscriptChunk, sid, protocol.TranscriptChunk{SessionID: sid, Text: "let me check"}))
	c.waitFor(protocol.TypeTranscriptChunk)

	mustAck(t, c.request(protocol.TypeSignalEnd, sid, protocol.SignalEnd{SessionID: sid}))
	var end protocol.SignalEnd
	if err := a.waitFor(protocol.TypeSignalEnd).Decode(&end); err != nil || end.EndedBy != protocol.RoleCustomer {
		t.Fatalf("agent should receive end by customer, got %+v", end)
	}

	late := a.request(protocol.TypeTranscriptChunk, sid, protocol.TranscriptChunk{SessionID: sid, Text: "hello?"})
	if code := errorCode(t, late); code != protocol.CodeInvalidState {
		t.Fatalf("expected invalid_state after end, got %s", code)
	}

	s, _ := h.reg.Get(sid)
	if s.State != calls.StateEnded || s.Reason != calls.ReasonEndedByCustomer {
		t.Fatalf("unexpected final state %s/%s", s.State, s.Reason)
	}
	if len(s.Transcript) != 2 || s.Transcript[0].Speaker != protocol.RoleCustomer || s.Transcript[1].Speaker != protocol.RoleAgent {
		t.Fatalf("unexpected transcript %+v", s.Transcript)
	}
	if !h.dir.Available("agent-a") {
		t.Fatalf("agent should be available after the call")
	}
}

func TestRouter_SignalsQueuedUntilPeerJoins(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "agent-a", "agent")
	mustAck(t, a.request(protocol.TypeAgentJoin, "", nil))
	c := h.dial(t, "cust-1", "customer")
	sid := requestCall(t, c, "")
	a.waitFor(protocol.TypeCallRequest)
	mustAck(t, a.request(protocol.TypeCallAccept, sid, protocol.CallAccept{SessionID: sid}))

	mustAck(t, c.request(protocol.TypeSignalJoin, sid, protocol.SignalJoin{SessionID: sid}))
	c.send(protocol.TypeSignalOffer, sid, protocol.Description{SessionID: sid, SDP: "v=0 early"}, "")
	mid := "0"
	mustAck(t, c.request(protocol.TypeSignalICECandidate, sid, protocol.ICECandidate{
		SessionID: sid,
		Candidate: protocol.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid},
	}))

	mustAck(t, a.request(protocol.TypeSignalJoin, sid, protocol.SignalJoin{SessionID: sid}))
	first := a.waitFor(protocol.TypeSignalOffer)
	var offer protocol.Description
	if err := first.Decode(&offer); err != nil || offer.SDP != "v=0 early" {
		t.Fatalf("expected queued offer, got %+v", offer)
	}
	var ice protocol.ICECandidate
	if err := a.waitFor(protocol.TypeSignalICECandidate).Decode(&ice); err != nil || ice.From != protocol.RoleCustomer {
		t.Fatalf("expected queued candidate, got %+v", ice)
	}
	a.waitFor(protocol.TypeSignalPeerJoined)
}

func TestRouter_CustomerDropWhileRinging(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "agent-a", "agent")
	mustAck(t, a.request(protocol.TypeAgentJoin, "", nil))
	c := h.dial(t, "cust-1", "customer")
	sid := requestCall(t, c, "")
	a.waitFor(protocol.TypeCallRequest)

	_ = c.Close()

	var withdrawn protocol.CallOutcome
	if err := a.waitFor(protocol.TypeCallWithdrawn).Decode(&withdrawn); err != nil || withdrawn.Reason != calls.ReasonCustomerDisconnected {
		t.Fatalf("expected withdrawal after customer drop, got %+v", withdrawn)
	}
	reply := a.request(protocol.TypeCallAccept, sid, protocol.CallAccept{SessionID: sid})
	if code := errorCode(t, reply); code != protocol.CodeIllegalTransition {
		t.Fatalf("expected illegal_transition, got %s", code)
	}
}

func TestRouter_LateAgentReceivesPendingCalls(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "agent-a", "agent")
	mustAck(t, a.request(protocol.TypeAgentJoin, "", nil))
	c := h.dial(t, "cust-1", "customer")
	sid := requestCall(t, c, "")

	late := h.dial(t, "agent-late", "agent")
	mustAck(t, late.request(protocol.TypeAgentJoin, "", nil))
	var pc protocol.PendingCall
	if err := late.waitFor(protocol.TypeCallRequest).Decode(&pc); err != nil || pc.SessionID != sid {
		t.Fatalf("late agent should receive the ringing call, got %+v", pc)
	}
	mustAck(t, late.request(protocol.TypeCallAccept, sid, protocol.CallAccept{SessionID: sid}))
	a.waitFor(protocol.TypeCallTaken)
}

func TestRouter_AgentDropAbandonsAcceptedCall(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "agent-a", "agent")
	mustAck(t, a.request(protocol.TypeAgentJoin, "", nil))
	c := h.dial(t, "cust-1", "customer")
	sid := requestCall(t, c, "")
	a.waitFor(protocol.TypeCallRequest)
	mustAck(t, a.request(protocol.TypeCallAccept, sid, protocol.CallAccept{SessionID: sid}))
	mustAck(t, c.request(protocol.TypeSignalJoin, sid, protocol.SignalJoin{SessionID: sid}))

	_ = a.Close()

	c.waitFor(protocol.TypeSignalPeerDisconnected)
	s, _ := h.reg.Get(sid)
	if s.State != calls.StateAbandoned || s.Reason != calls.ReasonAgentDisconnected {
		t.Fatalf("expected abandoned/agent_disconnected, got %s/%s", s.State, s.Reason)
	}
}
