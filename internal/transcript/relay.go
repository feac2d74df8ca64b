package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"support-platform/internal/calls"
	"support-platform/internal/protocol"
)

// Deliverer pushes one message to a live connection.
type Deliverer interface {
	Deliver(connID string, msg protocol.Message) error
}

// Relay forwards transcript fragments and insights between the two parties
// of a connected call. Fragments are appended to the session; insights are
// not stored.
type Relay struct {
	reg *calls.Registry
	out Deliverer
	log *slog.Logger
	now func() time.Time
}

func NewRelay(reg *calls.Registry, out Deliverer, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{reg: reg, out: out, log: log, now: time.Now}
}

// Chunk is one fragment emitted by a participant connection.
type Chunk struct {
	SessionID string
	Speaker   protocol.Role
	ConnID    string
	Text      string
	Timestamp time.Time
}

// EmitChunk appends the fragment and forwards it to the other party. Each
// speaker's connection is read sequentially, so fragments reach the peer in
// emission order per speaker.
func (r *Relay) EmitChunk(c Chunk) (calls.TranscriptEntry, error) {
	text := strings.TrimSpace(c.Text)
	if c.SessionID == "" || text == "" {
		return calls.TranscriptEntry{}, fmt.Errorf("%w: session and text required", calls.ErrInvalidRequest)
	}
	if !c.Speaker.Valid() {
		return calls.TranscriptEntry{}, fmt.Errorf("%w: invalid speaker %q", calls.ErrInvalidRequest, c.Speaker)
	}

	cur, err := r.reg.Get(c.SessionID)
	if err != nil {
		return calls.TranscriptEntry{}, err
	}
	if cur.ConnFor(c.Speaker) != c.ConnID {
		return calls.TranscriptEntry{}, fmt.Errorf("%w: connection is not the session %s", calls.ErrInvalidState, c.Speaker)
	}

	ts := c.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	entry := calls.TranscriptEntry{Speaker: c.Speaker, Text: text, Timestamp: ts.UTC()}
	s, err := r.reg.AppendTranscript(c.SessionID, entry)
	if err != nil {
		return calls.TranscriptEntry{}, err
	}

	peer := s.ConnFor(c.Speaker.Other())
	if peer == "" {
		return entry, nil
	}
	msg := protocol.New(protocol.TypeTranscriptChunk, c.SessionID, protocol.TranscriptChunk{
		SessionID: c.SessionID,
		Speaker:   c.Speaker,
		Text:      entry.Text,
		Timestamp: entry.Timestamp,
	})
	if err := r.out.Deliver(peer, msg); err != nil {
		r.log.Warn("transcript forward failed", "session_id", c.SessionID, "conn_id", peer, "err", err)
	}
	return entry, nil
}

// EmitInsight pushes an analysis payload to the agent's connection only.
// Delivery is best effort: it reports whether the agent was reached and
// never affects the call.
func (r *Relay) EmitInsight(sessionID string, payload json.RawMessage) (bool, error) {
	if sessionID == "" || len(payload) == 0 {
		return false, fmt.Errorf("%w: session and payload required", calls.ErrInvalidRequest)
	}
	if !json.Valid(payload) {
		return false, fmt.Errorf("%w: payload is not valid JSON", calls.ErrInvalidRequest)
	}

	s, err := r.reg.Get(sessionID)
	if err != nil {
		return false, err
	}
	if s.State != calls.StateAccepted && s.State != calls.StateConnected {
		return false, fmt.Errorf("%w: insights closed in state %s", calls.ErrInvalidState, s.State)
	}
	if s.AgentConn == "" {
		r.log.Debug("insight dropped, agent not joined", "session_id", sessionID)
		return false, nil
	}

	msg := protocol.New(protocol.TypeInsightUpdate, sessionID, protocol.InsightUpdate{SessionID: sessionID, Payload: payload})
	if err := r.out.Deliver(s.AgentConn, msg); err != nil {
		r.log.Debug("insight delivery failed", "session_id", sessionID, "err", err)
		return false, nil
	}
	return true, nil
}
