package reporting

import (
	"context"
	"errors"

	"support-platform/internal/calls"
	"support-platform/internal/records"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the record source reporting reads from.
type Repository interface {
	List(ctx context.Context, f records.Filter) ([]records.Record, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.List(ctx, records.Filter{From: req.Range.From, To: req.Range.To, Agent: req.Agent})
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{Range: req.Range, Agent: req.Agent, ByReason: map[string]int{}}
	for _, r := range rows {
		out.TotalCalls++
		if r.Reason != "" {
			out.ByReason[r.Reason]++
		}
		switch r.State {
		case calls.StateEnded:
			out.EndedCalls++
			out.TotalTalkSeconds += r.TalkTimeMs / 1000
		case calls.StateRejected:
			out.RejectedCalls++
		case calls.StateAbandoned:
			out.AbandonedCalls++
			switch r.Reason {
			case calls.ReasonNoAnswer:
				out.NoAnswerCalls++
			case calls.ReasonCancelled:
				out.CancelledCalls++
			case calls.ReasonCustomerDisconnected, calls.ReasonAgentDisconnected:
				out.DisconnectedCalls++
			}
		}
	}
	if out.EndedCalls > 0 {
		out.AverageTalkSeconds = out.TotalTalkSeconds / int64(out.EndedCalls)
	}
	return out, nil
}
