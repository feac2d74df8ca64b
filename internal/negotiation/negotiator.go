package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"support-platform/internal/protocol"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrMediaAccessDenied means the local microphone could not be opened.
	ErrMediaAccessDenied = errors.New("negotiation: media access denied")
	// ErrNegotiationFailed means a description or candidate could not be
	// applied. The attempt is over; callers restart the whole call.
	ErrNegotiationFailed = errors.New("negotiation: failed")
	ErrClosed            = errors.New("negotiation: closed")
)

type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring_media"
	StateAwaitingPeer   State = "awaiting_peer"
	StateOffering       State = "offering"
	StateNegotiated     State = "negotiated"
	StateConnected      State = "connected"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// Reasons recorded when the local side tears down.
const (
	ReasonLocalEnd         = "local_end"
	ReasonRemoteEnd        = "remote_end"
	ReasonPeerDisconnected = "peer_disconnected"
	ReasonAbandoned        = "abandoned"
	ReasonTransportFailed  = "transport_failed"
)

// PeerConnection is the part of a WebRTC peer connection the negotiator
// drives. Candidate callbacks deliver nil once gathering completes.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// AudioTrack is the outgoing local audio.
type AudioTrack interface {
	SetEnabled(bool)
	Stop() error
}

// MediaSource opens local audio. It may block for user consent.
type MediaSource interface {
	Acquire(ctx context.Context) (AudioTrack, error)
}

// PeerFactory builds a peer connection carrying track.
type PeerFactory interface {
	NewPeer(ice []protocol.ICEServer, track AudioTrack) (PeerConnection, error)
}

// Signaler sends on the session's signaling channel.
type Signaler interface {
	Send(protocol.Message) error
}

type Config struct {
	SessionID  string
	Role       protocol.Role
	ICEServers []protocol.ICEServer

	Media    MediaSource
	Peers    PeerFactory
	Signaler Signaler
	Logger   *slog.Logger

	// OnStateChange runs under the negotiator lock and must not call back
	// into the Negotiator.
	OnStateChange func(from, to State)
}

// Negotiator runs one participant's side of a session: local audio, the
// peer connection and the offer/answer/ICE exchange. The customer offers
// once the agent joins; the agent answers.
type Negotiator struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	reason    string
	err       error
	track     AudioTrack
	pc        PeerConnection
	muted     bool
	remoteSet bool
	// pending holds remote candidates received before the remote
	// description, in receipt order.
	pending []webrtc.ICECandidateInit

	disposers []func()
	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config) (*Negotiator, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("negotiation: session id required")
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("negotiation: invalid role %q", cfg.Role)
	}
	if cfg.Media == nil || cfg.Peers == nil || cfg.Signaler == nil {
		return nil, errors.New("negotiation: media, peers and signaler are required")
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Negotiator{
		cfg:   cfg,
		log:   l.With("session_id", cfg.SessionID, "role", string(cfg.Role)),
		state: StateIdle,
		done:  make(chan struct{}),
	}, nil
}

// Start acquires audio, builds the peer connection and joins the session
// scope. Any failure tears the attempt down.
func (n *Negotiator) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateIdle {
		n.mu.Unlock()
		return fmt.Errorf("negotiation: start from %s", n.state)
	}
	n.setState(StateAcquiringMedia)
	n.mu.Unlock()

	// Acquisition may wait on the user; the lock is not held.
	track, err := n.cfg.Media.Acquire(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
		n.fail(err)
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Terminal() {
		_ = track.Stop()
		return ErrClosed
	}
	n.track = track
	n.disposers = append(n.disposers, func() { _ = track.Stop() })
	track.SetEnabled(!n.muted)

	pc, err := n.cfg.Peers.NewPeer(n.cfg.ICEServers, track)
	if err != nil {
		return n.failLocked(fmt.Errorf("%w: create peer: %v", ErrNegotiationFailed, err))
	}
	n.pc = pc
	n.disposers = append(n.disposers, func() { _ = pc.Close() })
	pc.OnICECandidate(n.onLocalCandidate)
	pc.OnConnectionStateChange(n.onConnectionState)

	join := protocol.New(protocol.TypeSignalJoin, n.cfg.SessionID, protocol.SignalJoin{SessionID: n.cfg.SessionID, Role: n.cfg.Role})
	if err := n.cfg.Signaler.Send(join); err != nil {
		return n.failLocked(fmt.Errorf("%w: join: %v", ErrNegotiationFailed, err))
	}
	n.setState(StateAwaitingPeer)
	return nil
}

// Handle applies one inbound signaling message for this session. Messages
// for other sessions are ignored.
func (n *Negotiator) Handle(msg protocol.Message) error {
	if msg.SessionID != "" && msg.SessionID != n.cfg.SessionID {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Terminal() {
		return nil
	}

	switch msg.Type {
	case protocol.TypeSignalPeerJoined:
		var p protocol.PeerJoined
		if err := msg.Decode(&p); err != nil {
			return n.failLocked(fmt.Errorf("%w: peer-joined: %v", ErrNegotiationFailed, err))
		}
		return n.onPeerJoined(p.Role)
	case protocol.TypeSignalOffer:
		return n.onOffer(msg)
	case protocol.TypeSignalAnswer:
		return n.onAnswer(msg)
	case protocol.TypeSignalICECandidate:
		return n.onRemoteCandidate(msg)
	case protocol.TypeSignalEnd:
		n.teardownLocked(StateEnded, ReasonRemoteEnd, nil)
	case protocol.TypeSignalPeerDisconnected:
		n.teardownLocked(StateEnded, ReasonPeerDisconnected, nil)
	case protocol.TypeCallAbandoned:
		n.teardownLocked(StateEnded, ReasonAbandoned, nil)
	}
	return nil
}

func (n *Negotiator) onPeerJoined(role protocol.Role) error {
	if n.cfg.Role != protocol.RoleCustomer || role != protocol.RoleAgent || n.state != StateAwaitingPeer {
		return nil
	}
	offer, err := n.pc.CreateOffer()
	if err != nil {
		return n.failLocked(fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err))
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return n.failLocked(fmt.Errorf("%w: set local offer: %v", ErrNegotiationFailed, err))
	}
	if err := n.send(protocol.TypeSignalOffer, protocol.Description{SessionID: n.cfg.SessionID, SDP: offer.SDP}); err != nil {
		return err
	}
	n.setState(StateOffering)
	return nil
}

func (n *Negotiator) onOffer(msg protocol.Message) error {
	if n.cfg.Role != protocol.RoleAgent || n.state != StateAwaitingPeer {
		n.log.Warn("unexpected offer ignored", "state", n.state)
		return nil
	}
	var p protocol.Description
	if err := msg.Decode(&p); err != nil {
		return n.failLocked(fmt.Errorf("%w: offer: %v", ErrNegotiationFailed, err))
	}
	if err := n.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
		return err
	}
	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return n.failLocked(fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err))
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return n.failLocked(fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailed, err))
	}
	if err := n.send(protocol.TypeSignalAnswer, protocol.Description{SessionID: n.cfg.SessionID, SDP: answer.SDP}); err != nil {
		return err
	}
	n.setState(StateNegotiated)
	return nil
}

func (n *Negotiator) onAnswer(msg protocol.Message) error {
	if n.cfg.Role != protocol.RoleCustomer || n.state != StateOffering {
		n.log.Warn("unexpected answer ignored", "state", n.state)
		return nil
	}
	var p protocol.Description
	if err := msg.Decode(&p); err != nil {
		return n.failLocked(fmt.Errorf("%w: answer: %v", ErrNegotiationFailed, err))
	}
	if err := n.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
		return err
	}
	// Media may not flow yet; connected waits for the transport.
	n.setState(StateNegotiated)
	return nil
}

// applyRemote sets the remote description, then replays buffered
// candidates in receipt order. The buffer is not used again.
func (n *Negotiator) applyRemote(desc webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return n.failLocked(fmt.Errorf("%w: set remote %s: %v", ErrNegotiationFailed, desc.Type, err))
	}
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			return n.failLocked(fmt.Errorf("%w: buffered candidate: %v", ErrNegotiationFailed, err))
		}
	}
	if len(pending) > 0 {
		n.log.Debug("applied buffered candidates", "count", len(pending))
	}
	return nil
}

func (n *Negotiator) onRemoteCandidate(msg protocol.Message) error {
	var p protocol.ICECandidate
	if err := msg.Decode(&p); err != nil {
		return n.failLocked(fmt.Errorf("%w: candidate: %v", ErrNegotiationFailed, err))
	}
	c := candidateFromWire(p.Candidate)
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		return nil
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		return n.failLocked(fmt.Errorf("%w: candidate: %v", ErrNegotiationFailed, err))
	}
	return nil
}

func (n *Negotiator) onLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Terminal() {
		return
	}
	_ = n.send(protocol.TypeSignalICECandidate, protocol.ICECandidate{SessionID: n.cfg.SessionID, Candidate: candidateToWire(*c)})
}

func (n *Negotiator) onConnectionState(st webrtc.PeerConnectionState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Terminal() {
		return
	}
	n.log.Debug("peer connection state", "state", st.String())

	switch st {
	case webrtc.PeerConnectionStateConnected:
		if n.state != StateNegotiated {
			return
		}
		n.setState(StateConnected)
		_ = n.send(protocol.TypeSignalConnected, protocol.SignalConnected{SessionID: n.cfg.SessionID, Role: n.cfg.Role})
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		// The peer cannot be reached over media; tell the session so it ends.
		_ = n.send(protocol.TypeSignalEnd, protocol.SignalEnd{SessionID: n.cfg.SessionID, EndedBy: n.cfg.Role, Reason: ReasonTransportFailed})
		n.teardownLocked(StateEnded, ReasonTransportFailed, nil)
	}
}

// SetMuted toggles the outgoing track locally. No signaling is involved.
func (n *Negotiator) SetMuted(muted bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.muted = muted
	if n.track != nil {
		n.track.SetEnabled(!muted)
	}
}

func (n *Negotiator) Muted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.muted
}

// End hangs up: the peer is told once, then local resources are released.
func (n *Negotiator) End(reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Terminal() {
		return nil
	}
	var sendErr error
	if n.state != StateIdle && n.state != StateAcquiringMedia {
		sendErr = n.cfg.Signaler.Send(protocol.New(protocol.TypeSignalEnd, n.cfg.SessionID,
			protocol.SignalEnd{SessionID: n.cfg.SessionID, EndedBy: n.cfg.Role, Reason: reason}))
	}
	n.teardownLocked(StateEnded, ReasonLocalEnd, nil)
	return sendErr
}

// Close releases local resources without signaling. Safe to call more
// than once.
func (n *Negotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.teardownLocked(StateEnded, ReasonLocalEnd, nil)
}

// Run feeds inbound messages to Handle until the negotiation is over, the
// channel closes or ctx is done. A cancelled ctx ends the call.
func (n *Negotiator) Run(ctx context.Context, in <-chan protocol.Message) error {
	for {
		select {
		case <-n.done:
			return n.Err()
		case <-ctx.Done():
			_ = n.End("cancelled")
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				n.Close()
				return ErrClosed
			}
			if err := n.Handle(msg); err != nil {
				return err
			}
		}
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Reason reports why the negotiation stopped.
func (n *Negotiator) Reason() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reason
}

// Err is the failure that stopped the negotiation, if any.
func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Done is closed once local resources are released.
func (n *Negotiator) Done() <-chan struct{} { return n.done }

// PendingCandidates reports how many remote candidates await the remote
// description.
func (n *Negotiator) PendingCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

func (n *Negotiator) send(typ protocol.Type, payload any) error {
	if err := n.cfg.Signaler.Send(protocol.New(typ, n.cfg.SessionID, payload)); err != nil {
		return n.failLocked(fmt.Errorf("%w: send %s: %v", ErrNegotiationFailed, typ, err))
	}
	return nil
}

func (n *Negotiator) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failLocked(err)
}

func (n *Negotiator) failLocked(err error) error {
	n.log.Warn("negotiation failed", "err", err)
	n.teardownLocked(StateFailed, "", err)
	return err
}

func (n *Negotiator) setState(to State) {
	from := n.state
	if from == to {
		return
	}
	n.state = to
	if n.cfg.OnStateChange != nil {
		n.cfg.OnStateChange(from, to)
	}
}

// teardownLocked runs every disposer exactly once, whichever path got here.
func (n *Negotiator) teardownLocked(to State, reason string, err error) {
	n.closeOnce.Do(func() {
		n.reason, n.err = reason, err
		n.setState(to)
		for i := len(n.disposers) - 1; i >= 0; i-- {
			n.disposers[i]()
		}
		n.disposers = nil
		n.pending = nil
		close(n.done)
		n.log.Info("negotiation closed", "state", to, "reason", reason)
	})
}

func candidateFromWire(c protocol.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateToWire(c webrtc.ICECandidateInit) protocol.Candidate {
	return protocol.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
