package calls

import (
	"testing"
	"time"
)

var t0 = time.Unix(1700000000, 0).UTC()

func callIn(status CallStatus) Call {
	c := Call{ID: "c1", ProviderCallID: "CA1", To: "+15550001", Status: status, CreatedAt: t0, UpdatedAt: t0}
	if status.IsTerminal() {
		c.EndedAt = timePtr(t0.Add(time.Minute))
		c.DurationSeconds = intPtr(42)
		c.EndReason = string(status)
	}
	return c
}

func statusEvent(s CallStatus) Event {
	return Event{Kind: EventProviderStatus, Status: s, ProviderStatus: string(s)}
}

func TestDecide_ForwardOnly(t *testing.T) {
	cases := []struct {
		name string
		from CallStatus
		to   CallStatus
		want Outcome
	}{
		{"started to ringing", CallStatusStarted, CallStatusRinging, OutcomeApplied},
		{"ringing to in-progress", CallStatusRinging, CallStatusInProgress, OutcomeApplied},
		{"in-progress to completed", CallStatusInProgress, CallStatusCompleted, OutcomeApplied},
		{"started jumps to completed", CallStatusStarted, CallStatusCompleted, OutcomeApplied},
		{"initiating to busy", CallStatusInitiating, CallStatusBusy, OutcomeApplied},
		{"ringing repeated", CallStatusRinging, CallStatusRinging, OutcomeDuplicate},
		{"completed repeated", CallStatusCompleted, CallStatusCompleted, OutcomeDuplicate},
		{"in-progress back to ringing", CallStatusInProgress, CallStatusRinging, OutcomeRejected},
		{"completed back to ringing", CallStatusCompleted, CallStatusRinging, OutcomeRejected},
		{"completed to failed", CallStatusCompleted, CallStatusFailed, OutcomeRejected},
		{"busy to completed", CallStatusBusy, CallStatusCompleted, OutcomeRejected},
		{"deleted to completed", CallStatusDeleted, CallStatusCompleted, OutcomeRejected},
		{"provider cannot delete", CallStatusRinging, CallStatusDeleted, OutcomeRejected},
		{"provider cannot reset", CallStatusRinging, CallStatusInitiating, OutcomeRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cur := callIn(tc.from)
			d := Decide(cur, statusEvent(tc.to), t0.Add(time.Hour))
			if d.Outcome != tc.want {
				t.Fatalf("expected %s, got %s (%s)", tc.want, d.Outcome, d.Reason)
			}
			if d.Outcome != OutcomeApplied && d.Next != cur {
				t.Fatalf("non-applied decision must return the call unchanged")
			}
			if d.Outcome == OutcomeRejected && d.Reason == "" {
				t.Fatalf("expected rejection reason")
			}
		})
	}
}

func TestDecide_TerminalSetsEndFields(t *testing.T) {
	now := t0.Add(90 * time.Second)

	d := Decide(callIn(CallStatusInProgress), Event{
		Kind:            EventProviderStatus,
		Status:          CallStatusCompleted,
		ProviderStatus:  "completed",
		DurationSeconds: intPtr(61),
		RecordingURL:    "https://rec/1",
	}, now)
	if d.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", d.Outcome)
	}
	n := d.Next
	if n.EndedAt == nil || !n.EndedAt.Equal(now) {
		t.Fatalf("expected ended_at %v, got %v", now, n.EndedAt)
	}
	if n.DurationSeconds == nil || *n.DurationSeconds != 61 {
		t.Fatalf("expected provider duration 61, got %v", n.DurationSeconds)
	}
	if n.RecordingURL != "https://rec/1" || n.EndReason != "completed" {
		t.Fatalf("unexpected end fields: %+v", n)
	}

	d = Decide(callIn(CallStatusRinging), Event{Kind: EventProviderStatus, Status: CallStatusFailed, ProviderStatus: "no-answer"}, now)
	if *d.Next.DurationSeconds != 0 || d.Next.EndReason != "no-answer" {
		t.Fatalf("expected zero duration and raw reason, got %v %q", *d.Next.DurationSeconds, d.Next.EndReason)
	}
}

func TestDecide_NonTerminalLeavesEndFieldsEmpty(t *testing.T) {
	d := Decide(callIn(CallStatusStarted), statusEvent(CallStatusRinging), t0.Add(time.Second))
	if d.Next.EndedAt != nil || d.Next.DurationSeconds != nil {
		t.Fatalf("non-terminal transition must not set end fields")
	}
	if !d.Next.UpdatedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("expected updated_at bumped")
	}
}

func TestDecide_ProviderAck(t *testing.T) {
	cur := Call{ID: "c1", Status: CallStatusInitiating, CreatedAt: t0}

	d := Decide(cur, Event{Kind: EventProviderAck, ProviderCallID: "CA9"}, t0)
	if d.Outcome != OutcomeApplied || d.Next.Status != CallStatusStarted || d.Next.ProviderCallID != "CA9" {
		t.Fatalf("unexpected ack decision: %+v", d)
	}
	if again := Decide(d.Next, Event{Kind: EventProviderAck, ProviderCallID: "CA9"}, t0); again.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate ack, got %s", again.Outcome)
	}
	if other := Decide(d.Next, Event{Kind: EventProviderAck, ProviderCallID: "CA10"}, t0); other.Outcome != OutcomeRejected {
		t.Fatalf("expected provider id to be set once")
	}
	if empty := Decide(cur, Event{Kind: EventProviderAck}, t0); empty.Outcome != OutcomeRejected {
		t.Fatalf("expected ack without id rejected")
	}
	deleted := Call{ID: "c1", Status: CallStatusDeleted, CreatedAt: t0}
	if late := Decide(deleted, Event{Kind: EventProviderAck, ProviderCallID: "CA9"}, t0); late.Outcome != OutcomeRejected {
		t.Fatalf("expected ack after delete rejected")
	}
}

func TestDecide_CleanupTimeout(t *testing.T) {
	now := t0.Add(2 * time.Hour)
	d := Decide(callIn(CallStatusRinging), Event{Kind: EventCleanupTimeout}, now)
	if d.Outcome != OutcomeApplied || d.Next.Status != CallStatusFailed {
		t.Fatalf("expected forced failure, got %+v", d)
	}
	if *d.Next.DurationSeconds != 7200 {
		t.Fatalf("expected duration from created_at, got %d", *d.Next.DurationSeconds)
	}
	if d.Next.EndReason != EndReasonCleanupTimeout {
		t.Fatalf("expected cleanup reason, got %q", d.Next.EndReason)
	}

	if d := Decide(callIn(CallStatusCompleted), Event{Kind: EventCleanupTimeout}, now); d.Outcome != OutcomeRejected {
		t.Fatalf("cleanup must not touch terminal calls")
	}
	if d := Decide(callIn(CallStatusFailed), Event{Kind: EventCleanupTimeout}, now); d.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate for already failed call, got %s", d.Outcome)
	}
}

func TestDecide_UserDelete(t *testing.T) {
	now := t0.Add(30 * time.Second)

	d := Decide(callIn(CallStatusInProgress), Event{Kind: EventUserDelete}, now)
	if d.Outcome != OutcomeApplied || d.Next.Status != CallStatusDeleted {
		t.Fatalf("expected deleted, got %+v", d)
	}
	if d.Next.EndedAt == nil || *d.Next.DurationSeconds != 30 || d.Next.EndReason != EndReasonUserDeleted {
		t.Fatalf("expected end fields set on delete: %+v", d.Next)
	}

	done := callIn(CallStatusCompleted)
	d = Decide(done, Event{Kind: EventUserDelete}, now)
	if d.Outcome != OutcomeApplied {
		t.Fatalf("expected delete of terminal call applied")
	}
	if !d.Next.EndedAt.Equal(*done.EndedAt) || *d.Next.DurationSeconds != 42 || d.Next.EndReason != "completed" {
		t.Fatalf("delete must keep original end fields: %+v", d.Next)
	}

	if again := Decide(d.Next, Event{Kind: EventUserDelete}, now); again.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate delete, got %s", again.Outcome)
	}
}

func TestDecide_DoesNotMutateInput(t *testing.T) {
	cur := callIn(CallStatusRinging)
	snapshot := cur
	_ = Decide(cur, statusEvent(CallStatusCompleted), t0.Add(time.Minute))
	if cur != snapshot {
		t.Fatalf("input call mutated")
	}
}

func TestNormalizeProviderStatus(t *testing.T) {
	cases := map[string]CallStatus{
		"queued":      CallStatusStarted,
		"initiated":   CallStatusStarted,
		"Ringing":     CallStatusRinging,
		"in-progress": CallStatusInProgress,
		"answered":    CallStatusInProgress,
		"completed":   CallStatusCompleted,
		"busy":        CallStatusBusy,
		"no-answer":   CallStatusFailed,
		"canceled":    CallStatusFailed,
		" failed ":    CallStatusFailed,
	}
	for raw, want := range cases {
		got, ok := NormalizeProviderStatus(raw)
		if !ok || got != want {
			t.Fatalf("NormalizeProviderStatus(%q) = %q, %v", raw, got, ok)
		}
	}
	for _, raw := range []string{"", "deleted", "initiating", "bogus"} {
		if _, ok := NormalizeProviderStatus(raw); ok {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
