package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("calls: not found")
	ErrInvalidCall         = errors.New("calls: invalid call")
	ErrDuplicateProviderID = errors.New("calls: provider call id already assigned to another call")
	ErrCallNotTerminal     = errors.New("calls: call is not terminal")
)

// Ref addresses a call either by local id or by provider call id. Exactly one is set.
type Ref struct {
	ID             string
	ProviderCallID string
}

func ByID(id string) Ref          { return Ref{ID: id} }
func ByProviderID(pid string) Ref { return Ref{ProviderCallID: pid} }

func (r Ref) String() string {
	if r.ID != "" {
		return "id=" + r.ID
	}
	return "provider_call_id=" + r.ProviderCallID
}

// Result is what ApplyTransition reports back. Previous and Current are equal unless
// Outcome is OutcomeApplied.
type Result struct {
	Outcome  Outcome
	Reason   string
	Previous Call
	Current  Call
}

// ListFilter narrows ListRecent. Zero values mean "no constraint".
type ListFilter struct {
	UserID string
	Status CallStatus
	From   time.Time
	To     time.Time
	Limit  int
}

// Stage names a post-call pipeline step whose provider failures are retried with backoff.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageInsights      Stage = "insights"
	StageAnalytics     Stage = "analytics"
)

// Pending narrows the pipeline listings. Items whose stage already failed MaxAttempts
// times, or whose next attempt falls after Now, are left out. Results are ordered by next
// attempt time, falling back to creation time for items that never failed.
type Pending struct {
	Limit int
	// Now defaults to the store clock.
	Now time.Time
	// MaxAttempts <= 0 retries forever.
	MaxAttempts int
}

// Backoff doubles from Base on each failure, capped at Max (a year when unset).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

const maxBackoff = 365 * 24 * time.Hour

func (b Backoff) ceiling() time.Duration {
	if b.Max <= 0 || b.Max > maxBackoff {
		return maxBackoff
	}
	return b.Max
}

// Delay is the wait before the next try after attempts failures.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 || attempts <= 0 {
		return 0
	}
	ceil := b.ceiling()
	d := b.Base
	for i := 1; i < attempts && d < ceil; i++ {
		d *= 2
	}
	return min(d, ceil)
}

// Store is the durable record of calls and transcripts.
//
// ApplyTransition is the only way status changes. Implementations must run the
// read-decide-write cycle atomically per call: concurrent callers racing on the same row
// each see a consistent previous state, and exactly one of them wins a given edge.
type Store interface {
	Create(ctx context.Context, c Call) (Call, error)
	Get(ctx context.Context, id string) (Call, error)
	FindByProviderID(ctx context.Context, providerCallID string) (Call, error)
	ListRecent(ctx context.Context, f ListFilter) ([]Call, error)

	ApplyTransition(ctx context.Context, ref Ref, ev Event) (Result, error)

	// SweepStale returns up to limit calls in one of statuses created before olderThan, oldest first.
	SweepStale(ctx context.Context, olderThan time.Time, statuses []CallStatus, limit int) ([]Call, error)

	// AttachRecording sets the recording URL when none is set yet. It reports whether it wrote.
	AttachRecording(ctx context.Context, id, url string) (bool, error)
	MarkRecordingArchived(ctx context.Context, id, key string) error
	ListAwaitingTranscription(ctx context.Context, p Pending) ([]Call, error)
	MarkTranscriptionRequested(ctx context.Context, id string) error

	// UpsertTranscript stores the transcript for a terminal call, replacing any previous one.
	UpsertTranscript(ctx context.Context, t Transcript) (Transcript, error)
	GetTranscript(ctx context.Context, callID string) (Transcript, error)
	MarkTranscriptReady(ctx context.Context, callID string) error
	ListTranscriptsMissingInsights(ctx context.Context, p Pending) ([]Transcript, error)
	UpdateTranscriptInsights(ctx context.Context, callID, summary string, sentiment *float64) error

	// ListAnalyticsCandidates returns completed calls with a ready transcript and no analysis yet.
	ListAnalyticsCandidates(ctx context.Context, p Pending) ([]Call, error)
	MarkAnalyzed(ctx context.Context, id string) error

	// RecordStageFailure counts a failed attempt at stage for callID and schedules the next
	// one by b. It returns the attempts so far.
	RecordStageFailure(ctx context.Context, callID string, stage Stage, reason string, b Backoff) (int, error)
}

// maxTransitionAttempts bounds how often ApplyTransition re-reads after losing a race.
const maxTransitionAttempts = 5

var errTransitionContended = errors.New("calls: transition contended")

func validateNew(c Call) error {
	if c.To == "" {
		return ErrInvalidCall
	}
	switch c.Direction {
	case "", DirectionOutbound, DirectionInbound:
	default:
		return ErrInvalidCall
	}
	return nil
}

func resultFrom(prev Call, d Decision) Result {
	return Result{Outcome: d.Outcome, Reason: d.Reason, Previous: prev, Current: d.Next}
}
