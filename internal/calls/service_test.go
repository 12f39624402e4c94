package calls

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"voice-platform/internal/telephony"
)

type recordingHook struct {
	mu      sync.Mutex
	results []Result
}

func (h *recordingHook) AfterTransition(ctx context.Context, ev Event, res Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, res)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *telephony.SandboxProvider, *recordingHook) {
	t.Helper()
	store := NewMemoryStore()
	dialer := telephony.NewSandboxProvider()
	hook := &recordingHook{}
	svc := NewService(store, dialer, ServiceConfig{DefaultFrom: "+15550000000"}, slog.Default(), hook)
	return svc, store, dialer, hook
}

func TestService_PlaceAcknowledgesCall(t *testing.T) {
	svc, store, dialer, hook := newTestService(t)

	c, err := svc.Place(context.Background(), PlaceRequest{UserID: "u1", To: "+15551112222"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Status != CallStatusStarted || c.ProviderCallID == "" {
		t.Fatalf("expected started with provider id, got %+v", c)
	}
	placed := dialer.Placed()
	if len(placed) != 1 || placed[0].CallID != c.ID || placed[0].From != "+15550000000" {
		t.Fatalf("unexpected provider request: %+v", placed)
	}
	got, err := store.FindByProviderID(context.Background(), c.ProviderCallID)
	if err != nil || got.ID != c.ID {
		t.Fatalf("expected lookup by provider id, got %v %v", got, err)
	}
	if len(hook.results) != 1 || hook.results[0].Outcome != OutcomeApplied {
		t.Fatalf("expected one applied hook call, got %+v", hook.results)
	}
}

func TestService_PlaceTagsCallbacksWithCallID(t *testing.T) {
	store := NewMemoryStore()
	dialer := telephony.NewSandboxProvider()
	svc := NewService(store, dialer, ServiceConfig{
		DefaultFrom:          "+15550000000",
		StatusCallbackURL:    "https://voice.example/webhooks/telephony/status?v=2",
		RecordingCallbackURL: "https://voice.example/webhooks/telephony/recording",
	}, slog.Default())

	c, err := svc.Place(context.Background(), PlaceRequest{To: "+15551112222"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	req := dialer.Placed()[0]
	if want := "https://voice.example/webhooks/telephony/status?call_id=" + c.ID + "&v=2"; req.StatusCallbackURL != want {
		t.Fatalf("status callback = %q, want %q", req.StatusCallbackURL, want)
	}
	if want := "https://voice.example/webhooks/telephony/recording?call_id=" + c.ID; req.RecordingCallbackURL != want {
		t.Fatalf("recording callback = %q, want %q", req.RecordingCallbackURL, want)
	}
	if withCallID("", c.ID) != "" {
		t.Fatalf("unset callback url must stay unset")
	}
}

func TestService_PlaceProviderFailureFailsCallLocally(t *testing.T) {
	svc, store, dialer, _ := newTestService(t)
	dialer.FailPlace = errors.New("twilio down")

	c, err := svc.Place(context.Background(), PlaceRequest{To: "+15551112222"})
	if !errors.Is(err, ErrProviderFailed) {
		t.Fatalf("expected ErrProviderFailed, got %v", err)
	}
	stored, _ := store.Get(context.Background(), c.ID)
	if stored.Status != CallStatusFailed || stored.EndedAt == nil || stored.DurationSeconds == nil {
		t.Fatalf("expected failed terminal call, got %+v", stored)
	}
}

func TestService_PlaceRejectsMissingDestination(t *testing.T) {
	svc, _, dialer, _ := newTestService(t)
	if _, err := svc.Place(context.Background(), PlaceRequest{}); !errors.Is(err, ErrInvalidCall) {
		t.Fatalf("expected ErrInvalidCall, got %v", err)
	}
	if len(dialer.Placed()) != 0 {
		t.Fatalf("nothing should be dialed")
	}
}

func TestService_CancelEndsLiveCallAndDeletes(t *testing.T) {
	svc, _, dialer, _ := newTestService(t)
	c, err := svc.Place(context.Background(), PlaceRequest{To: "+15551112222"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	got, err := svc.Cancel(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != CallStatusDeleted || got.EndReason != EndReasonUserDeleted {
		t.Fatalf("unexpected call after cancel: %+v", got)
	}
	if ended := dialer.Ended(); len(ended) != 1 || ended[0] != c.ProviderCallID {
		t.Fatalf("expected provider hang-up, got %v", ended)
	}
}

func TestService_CancelSurvivesProviderError(t *testing.T) {
	svc, _, dialer, _ := newTestService(t)
	c, _ := svc.Place(context.Background(), PlaceRequest{To: "+15551112222"})
	dialer.FailEnd = errors.New("boom")

	got, err := svc.Cancel(context.Background(), c.ID)
	if err != nil || got.Status != CallStatusDeleted {
		t.Fatalf("expected delete despite provider error, got %+v %v", got, err)
	}
	if _, err := svc.Cancel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_TransitionRunsHooksForEveryOutcome(t *testing.T) {
	svc, _, _, hook := newTestService(t)
	c, _ := svc.Place(context.Background(), PlaceRequest{To: "+15551112222"})

	ref := ByProviderID(c.ProviderCallID)
	ev := Event{Kind: EventProviderStatus, Status: CallStatusCompleted, ProviderStatus: "completed"}
	if _, err := svc.Transition(context.Background(), ref, ev); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := svc.Transition(context.Background(), ref, ev); err != nil {
		t.Fatalf("transition: %v", err)
	}
	back := Event{Kind: EventProviderStatus, Status: CallStatusRinging, ProviderStatus: "ringing"}
	if _, err := svc.Transition(context.Background(), ref, back); err != nil {
		t.Fatalf("transition: %v", err)
	}

	want := []Outcome{OutcomeApplied, OutcomeApplied, OutcomeDuplicate, OutcomeRejected}
	if len(hook.results) != len(want) {
		t.Fatalf("expected %d hook calls, got %d", len(want), len(hook.results))
	}
	for i, w := range want {
		if hook.results[i].Outcome != w {
			t.Fatalf("hook %d: expected %s, got %s", i, w, hook.results[i].Outcome)
		}
	}

	if _, err := svc.Transition(context.Background(), ByProviderID("nope"), ev); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
