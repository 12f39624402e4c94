package reporting

import (
	"context"
	"errors"
	"time"

	"voice-platform/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// maxRange bounds a single summary so one request cannot scan the whole table.
const maxRange = 92 * 24 * time.Hour

// CallLister is the read side of the call store that reporting needs.
type CallLister interface {
	ListRecent(ctx context.Context, f calls.ListFilter) ([]calls.Call, error)
}

// SentimentSource is satisfied by analytics.Repository.
type SentimentSource interface {
	SentimentCounts(ctx context.Context, from, to time.Time) (map[string]int, error)
}

type Service struct {
	calls     CallLister
	sentiment SentimentSource
}

// NewService builds the reporting service. sentiment may be nil.
func NewService(calls CallLister, sentiment SentimentSource) *Service {
	return &Service{calls: calls, sentiment: sentiment}
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.calls == nil {
		return CallsSummary{}, errors.New("reporting: call store not configured")
	}

	rows, err := s.calls.ListRecent(ctx, calls.ListFilter{UserID: req.UserID, From: req.Range.From, To: req.Range.To})
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID, Range: req.Range, ByStatus: map[string]int{}}
	ended := 0
	for _, c := range rows {
		out.TotalCalls++
		out.ByStatus[string(c.Status)]++
		if !c.Status.IsTerminal() {
			out.LiveCalls++
		}
		if c.EndReason == calls.EndReasonCleanupTimeout {
			out.TimedOutCalls++
		}
		if c.DurationSeconds != nil {
			out.TotalDurationSeconds += *c.DurationSeconds
			ended++
		}
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		if c.TranscriptReadyAt != nil {
			out.TranscribedCalls++
		}
		if c.AnalyzedAt != nil {
			out.AnalyzedCalls++
		}
	}
	if ended > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / ended
	}

	if s.sentiment != nil {
		counts, err := s.sentiment.SentimentCounts(ctx, req.Range.From, req.Range.To)
		if err != nil {
			return CallsSummary{}, err
		}
		out.Sentiment = counts
	}
	return out, nil
}
