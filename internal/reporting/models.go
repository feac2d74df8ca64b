package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call outcomes over records whose
// session ended inside Range.
type CallsSummaryRequest struct {
	Range TimeRange `json:"range"`
	Agent string    `json:"agent,omitempty"`
}

type CallsSummary struct {
	Range TimeRange `json:"range"`
	Agent string    `json:"agent,omitempty"`

	TotalCalls     int `json:"total_calls"`
	EndedCalls     int `json:"ended_calls"`
	RejectedCalls  int `json:"rejected_calls"`
	AbandonedCalls int `json:"abandoned_calls"`

	// Abandoned breakdown.
	NoAnswerCalls     int `json:"no_answer_calls"`
	CancelledCalls    int `json:"cancelled_calls"`
	DisconnectedCalls int `json:"disconnected_calls"`

	TotalTalkSeconds   int64 `json:"total_talk_seconds"`
	AverageTalkSeconds int64 `json:"average_talk_seconds"`

	// ByReason counts every terminal reason.
	ByReason map[string]int `json:"by_reason"`
}
