package calls

import (
	"strings"
	"time"
)

// EventKind identifies what drove a transition attempt.
type EventKind string

const (
	// EventProviderAck is the telephony provider accepting the call and assigning its id.
	EventProviderAck EventKind = "provider_ack"
	// EventProviderStatus is a status callback from the telephony provider.
	EventProviderStatus EventKind = "provider_status"
	// EventCleanupTimeout is the stale sweep force-terminating a call.
	EventCleanupTimeout EventKind = "cleanup_timeout"
	// EventUserDelete is an explicit user teardown.
	EventUserDelete EventKind = "user_delete"
)

// Event is the typed input to Decide. Provider payloads are converted into an Event
// at the webhook boundary; nothing untyped reaches the state machine.
type Event struct {
	Kind EventKind

	// ProviderCallID is required for EventProviderAck.
	ProviderCallID string

	// Status is the target status for EventProviderStatus.
	Status CallStatus
	// ProviderStatus is the raw provider value, kept as the end reason.
	ProviderStatus string

	DurationSeconds *int
	RecordingURL    string
}

// Outcome of applying an Event to a Call.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

const (
	EndReasonCleanupTimeout = "cleanup_timeout"
	EndReasonUserDeleted    = "user_deleted"
)

// Decision is the result of Decide. Next equals the input call unless Outcome is applied.
type Decision struct {
	Outcome Outcome
	Next    Call
	// Reason explains a rejection.
	Reason string
}

// rank orders statuses along the forward-only graph.
// All of completed, failed and busy share the terminal rank; deleted sits above them.
func rank(s CallStatus) int {
	switch s {
	case CallStatusInitiating:
		return 0
	case CallStatusStarted:
		return 1
	case CallStatusRinging:
		return 2
	case CallStatusInProgress:
		return 3
	case CallStatusCompleted, CallStatusFailed, CallStatusBusy:
		return 4
	case CallStatusDeleted:
		return 5
	default:
		return -1
	}
}

// Decide is the pure transition function: given the stored call and an event it returns
// the next call state and whether the event applied, was a duplicate, or was rejected.
// It performs no I/O and never mutates cur.
func Decide(cur Call, ev Event, now time.Time) Decision {
	now = now.UTC()

	switch ev.Kind {
	case EventProviderAck:
		return decideAck(cur, ev, now)
	case EventUserDelete:
		return decideDelete(cur, now)
	case EventCleanupTimeout:
		return decideStatus(cur, CallStatusFailed, ev, now, true)
	case EventProviderStatus:
		return decideStatus(cur, ev.Status, ev, now, false)
	default:
		return reject(cur, "unknown event kind")
	}
}

func decideAck(cur Call, ev Event, now time.Time) Decision {
	if strings.TrimSpace(ev.ProviderCallID) == "" {
		return reject(cur, "provider ack without provider call id")
	}
	if cur.ProviderCallID != "" {
		if cur.ProviderCallID == ev.ProviderCallID {
			return Decision{Outcome: OutcomeDuplicate, Next: cur}
		}
		return reject(cur, "provider call id already assigned")
	}
	if cur.Status != CallStatusInitiating {
		return reject(cur, "provider ack for call in status "+string(cur.Status))
	}
	next := cur
	next.ProviderCallID = ev.ProviderCallID
	next.Status = CallStatusStarted
	next.UpdatedAt = now
	return Decision{Outcome: OutcomeApplied, Next: next}
}

func decideDelete(cur Call, now time.Time) Decision {
	if cur.Status == CallStatusDeleted {
		return Decision{Outcome: OutcomeDuplicate, Next: cur}
	}
	next := cur
	next.Status = CallStatusDeleted
	next.UpdatedAt = now
	// A call that already ended keeps its original end fields.
	if next.EndedAt == nil {
		next.EndedAt = timePtr(now)
		next.DurationSeconds = intPtr(elapsedSeconds(cur.CreatedAt, now))
		next.EndReason = EndReasonUserDeleted
	}
	return Decision{Outcome: OutcomeApplied, Next: next}
}

func decideStatus(cur Call, target CallStatus, ev Event, now time.Time, forced bool) Decision {
	if rank(target) < 0 || target == CallStatusDeleted || target == CallStatusInitiating {
		return reject(cur, "illegal target status "+string(target))
	}
	if target == cur.Status {
		return Decision{Outcome: OutcomeDuplicate, Next: cur}
	}
	if cur.Status == CallStatusDeleted {
		return reject(cur, "call deleted")
	}
	if cur.Status.IsTerminal() {
		return reject(cur, string(cur.Status)+" is terminal")
	}
	if !forced && rank(target) <= rank(cur.Status) {
		return reject(cur, "backward transition "+string(cur.Status)+" -> "+string(target))
	}

	next := cur
	next.Status = target
	next.UpdatedAt = now
	if !target.IsTerminal() {
		return Decision{Outcome: OutcomeApplied, Next: next}
	}

	next.EndedAt = timePtr(now)
	switch {
	case forced:
		next.DurationSeconds = intPtr(elapsedSeconds(cur.CreatedAt, now))
		next.EndReason = EndReasonCleanupTimeout
	case ev.DurationSeconds != nil && *ev.DurationSeconds >= 0:
		next.DurationSeconds = intPtr(*ev.DurationSeconds)
	case target == CallStatusCompleted:
		next.DurationSeconds = intPtr(elapsedSeconds(cur.CreatedAt, now))
	default:
		next.DurationSeconds = intPtr(0)
	}
	if !forced {
		next.EndReason = ev.ProviderStatus
		if next.EndReason == "" {
			next.EndReason = string(target)
		}
	}
	if ev.RecordingURL != "" && next.RecordingURL == "" {
		next.RecordingURL = ev.RecordingURL
	}
	return Decision{Outcome: OutcomeApplied, Next: next}
}

func reject(cur Call, reason string) Decision {
	return Decision{Outcome: OutcomeRejected, Next: cur, Reason: reason}
}

func elapsedSeconds(from, to time.Time) int {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Second)
}

// NormalizeProviderStatus maps a telephony provider status onto the local enumeration.
// Twilio values and the local names are both accepted.
func NormalizeProviderStatus(raw string) (CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated", "started":
		return CallStatusStarted, true
	case "ringing":
		return CallStatusRinging, true
	case "in-progress", "in_progress", "answered":
		return CallStatusInProgress, true
	case "completed":
		return CallStatusCompleted, true
	case "busy":
		return CallStatusBusy, true
	case "failed", "no-answer", "no_answer", "canceled", "cancelled":
		return CallStatusFailed, true
	default:
		return "", false
	}
}
