package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"voice-platform/internal/calls"
)

// Repository is append-only; there is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service writes audit events. Audit is best-effort: a failed write is logged and never
// fails the transition that produced it.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// AfterTransition records rejected attempts, forced cleanups and user deletes.
func (s *Service) AfterTransition(ctx context.Context, ev calls.Event, res calls.Result) {
	var typ EventType
	switch {
	case res.Outcome == calls.OutcomeRejected:
		typ = EventTypeTransitionRejected
	case res.Outcome != calls.OutcomeApplied:
		return
	case ev.Kind == calls.EventCleanupTimeout:
		typ = EventTypeForcedTermination
	case ev.Kind == calls.EventUserDelete:
		typ = EventTypeUserDelete
	default:
		return
	}

	to := string(res.Current.Status)
	if res.Outcome == calls.OutcomeRejected {
		to = string(ev.Status)
	}
	err := s.Append(context.WithoutCancel(ctx), Event{
		Type:           typ,
		CallID:         res.Previous.ID,
		ProviderCallID: res.Previous.ProviderCallID,
		EventKind:      string(ev.Kind),
		FromStatus:     string(res.Previous.Status),
		ToStatus:       to,
		Reason:         res.Reason,
	})
	if err != nil {
		s.log.Warn("audit append failed", "call_id", res.Previous.ID, "type", typ, "err", err)
	}
}
