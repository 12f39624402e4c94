package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest asks for aggregates over calls created in Range.
// An empty UserID covers every user and is reserved for admins.
type CallsSummaryRequest struct {
	UserID string    `json:"user_id,omitempty"`
	Range  TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID string    `json:"user_id,omitempty"`
	Range  TimeRange `json:"range"`

	TotalCalls int `json:"total_calls"`
	// ByStatus counts calls per current status.
	ByStatus map[string]int `json:"by_status"`
	// LiveCalls are calls not yet in a terminal status.
	LiveCalls int `json:"live_calls"`
	// TimedOutCalls were failed by the stale sweep.
	TimedOutCalls int `json:"timed_out_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	RecordedCalls    int `json:"recorded_calls"`
	TranscribedCalls int `json:"transcribed_calls"`
	AnalyzedCalls    int `json:"analyzed_calls"`

	// Sentiment counts analytics records processed in Range, across all users.
	Sentiment map[string]int `json:"sentiment,omitempty"`
}
