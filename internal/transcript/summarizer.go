package transcript

import (
	"context"
	"encoding/json"
	"fmt"

	"support-platform/internal/calls"
)

// Publisher appends one entry to a named stream.
type Publisher interface {
	Publish(ctx context.Context, stream string, fields map[string]any) (string, error)
}

// StreamSummarizer hands finalized transcripts to the external summarization
// service by appending them to a stream it consumes.
type StreamSummarizer struct {
	pub    Publisher
	stream string
}

func NewStreamSummarizer(pub Publisher, stream string) *StreamSummarizer {
	return &StreamSummarizer{pub: pub, stream: stream}
}

func (s *StreamSummarizer) Summarize(ctx context.Context, snap calls.Snapshot) error {
	body, err := json.Marshal(snap.Transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	_, err = s.pub.Publish(ctx, s.stream, map[string]any{
		"session_id":        snap.SessionID,
		"customer_identity": snap.Customer.Identity,
		"agent_identity":    snap.Agent,
		"reason":            snap.Reason,
		"ended_at":          snap.EndedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"talk_time_ms":      snap.TalkTime().Milliseconds(),
		"transcript":        string(body),
	})
	if err != nil {
		return fmt.Errorf("publish summary request: %w", err)
	}
	return nil
}
