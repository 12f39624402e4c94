package audit

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"voice-platform/internal/calls"
)

func TestService_AppendRequiresCallAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo(), slog.Default())

	if err := svc.Append(context.Background(), Event{Type: EventTypeUserDelete}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{CallID: "c1"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := NewService(nil, nil).Append(context.Background(), Event{CallID: "c1", Type: EventTypeUserDelete}); err == nil {
		t.Fatalf("expected error without repository")
	}
}

func TestService_RecordsRejectedAndForcedTransitions(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, slog.Default())
	ctx := context.Background()
	prev := calls.Call{ID: "c1", ProviderCallID: "CA1", Status: calls.CallStatusCompleted}

	svc.AfterTransition(ctx,
		calls.Event{Kind: calls.EventProviderStatus, Status: calls.CallStatusRinging},
		calls.Result{Outcome: calls.OutcomeRejected, Reason: "completed is terminal", Previous: prev, Current: prev})
	svc.AfterTransition(ctx,
		calls.Event{Kind: calls.EventProviderStatus, Status: calls.CallStatusCompleted},
		calls.Result{Outcome: calls.OutcomeDuplicate, Previous: prev, Current: prev})
	svc.AfterTransition(ctx,
		calls.Event{Kind: calls.EventProviderStatus, Status: calls.CallStatusInProgress},
		calls.Result{Outcome: calls.OutcomeApplied, Previous: calls.Call{ID: "c2"}, Current: calls.Call{ID: "c2", Status: calls.CallStatusInProgress}})
	svc.AfterTransition(ctx,
		calls.Event{Kind: calls.EventCleanupTimeout},
		calls.Result{Outcome: calls.OutcomeApplied,
			Previous: calls.Call{ID: "c3", Status: calls.CallStatusRinging},
			Current:  calls.Call{ID: "c3", Status: calls.CallStatusFailed}})

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Type != EventTypeTransitionRejected || evs[0].ToStatus != "ringing" || evs[0].Reason == "" {
		t.Fatalf("unexpected rejected event: %+v", evs[0])
	}
	if evs[1].Type != EventTypeForcedTermination || evs[1].FromStatus != "ringing" || evs[1].ToStatus != "failed" {
		t.Fatalf("unexpected forced event: %+v", evs[1])
	}
	if evs[1].ID == "" || evs[1].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}
}

func TestService_UserDeleteGroupedByCall(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, slog.Default())
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c1"} {
		svc.AfterTransition(ctx,
			calls.Event{Kind: calls.EventUserDelete},
			calls.Result{Outcome: calls.OutcomeApplied,
				Previous: calls.Call{ID: id, Status: calls.CallStatusRinging},
				Current:  calls.Call{ID: id, Status: calls.CallStatusDeleted}})
	}
	if got := repo.ForCall("c1"); len(got) != 2 || got[0].Type != EventTypeUserDelete || got[1].ToStatus != "deleted" {
		t.Fatalf("unexpected c1 events: %+v", got)
	}
	if got := repo.ForCall("missing"); len(got) != 0 {
		t.Fatalf("expected no events, got %+v", got)
	}

	repo.Err = errors.New("disk full")
	svc.AfterTransition(ctx,
		calls.Event{Kind: calls.EventUserDelete},
		calls.Result{Outcome: calls.OutcomeApplied, Previous: calls.Call{ID: "c2"}, Current: calls.Call{ID: "c2", Status: calls.CallStatusDeleted}})
	if got := repo.ForCall("c2"); len(got) != 1 {
		t.Fatalf("failed append must not record, got %d", len(got))
	}
}
