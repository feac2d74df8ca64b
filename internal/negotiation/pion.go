package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"support-platform/internal/protocol"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// PionFactory builds peer connections with the default codecs and the
// default NACK/RTCP interceptors.
type PionFactory struct {
	api *webrtc.API
}

func NewPionFactory() (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return &PionFactory{api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir))}, nil
}

func (f *PionFactory) NewPeer(ice []protocol.ICEServer, track AudioTrack) (PeerConnection, error) {
	local, ok := track.(interface{ TrackLocal() webrtc.TrackLocal })
	if !ok {
		return nil, errors.New("track has no local rtp source")
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(ice)})
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(local.TrackLocal())
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}
	// RTCP must be drained for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &pionPeer{pc: pc}, nil
}

func iceServers(in []protocol.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// pionPeer drops callbacks once Close starts; the negotiator closes while
// holding its lock.
type pionPeer struct {
	pc     *webrtc.PeerConnection
	closed atomic.Bool
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error)  { return p.pc.CreateOffer(nil) }
func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) { return p.pc.CreateAnswer(nil) }

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error { return p.pc.AddICECandidate(c) }

func (p *pionPeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if p.closed.Load() {
			return
		}
		if c == nil {
			fn(nil)
			return
		}
		cand := c.ToJSON()
		fn(&cand)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if p.closed.Load() {
			return
		}
		fn(st)
	})
}

func (p *pionPeer) Close() error {
	p.closed.Store(true)
	return p.pc.Close()
}

// opusSilence is a single 20ms Opus frame encoding silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SilenceSource yields an Opus track that streams silence. It stands in for
// a microphone in headless participants.
type SilenceSource struct {
	StreamID string
}

func (s SilenceSource) Acquire(ctx context.Context) (AudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := s.StreamID
	if stream == "" {
		stream = "support-call"
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", stream,
	)
	if err != nil {
		return nil, err
	}
	t := &OpusTrack{local: local, stop: make(chan struct{})}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

// OpusTrack is an outgoing Opus track. While disabled no samples are
// written, which the remote side hears as silence.
type OpusTrack struct {
	local    *webrtc.TrackLocalStaticSample
	enabled  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *OpusTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *OpusTrack) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *OpusTrack) Enabled() bool { return t.enabled.Load() }

func (t *OpusTrack) Stop() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}

func (t *OpusTrack) pump() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			if err := t.local.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				return
			}
		}
	}
}
