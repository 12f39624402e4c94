package audit

import "time"

// Event is an append-only record of a lifecycle decision worth keeping: transitions that
// were refused and terminations the platform forced rather than observed.
//
// Storage: table audit_events, INSERT only.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	CallID         string `json:"call_id" db:"call_id"`
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	// EventKind is the calls.EventKind that drove the attempt.
	EventKind  string `json:"event_kind" db:"event_kind"`
	FromStatus string `json:"from_status" db:"from_status"`
	ToStatus   string `json:"to_status,omitempty" db:"to_status"`

	Reason string `json:"reason,omitempty" db:"reason"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeTransitionRejected EventType = "transition_rejected"
	EventTypeForcedTermination  EventType = "forced_termination"
	EventTypeUserDelete         EventType = "user_delete"
)
