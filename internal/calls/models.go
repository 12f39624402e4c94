package calls

import (
	"encoding/json"
	"time"
)

// Call is a single phone call tracked from local creation to termination.
//
// Invariants:
// - Status only moves forward (see Decide). Terminal statuses never revert, except to deleted.
// - EndedAt != nil exactly when Status is terminal.
// - DurationSeconds and EndedAt are written once, at the terminal transition.
//
// ProviderCallID stays empty until the telephony provider acknowledges the call.
type Call struct {
	ID             string `json:"id" db:"id"`
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`
	UserID         string `json:"user_id,omitempty" db:"user_id"`

	From      string    `json:"from" db:"from_number"`
	To        string    `json:"to" db:"to_number"`
	Direction Direction `json:"direction" db:"direction"`

	Status CallStatus `json:"status" db:"status"`

	// DurationSeconds is nil until the call reaches a terminal status.
	DurationSeconds *int `json:"duration,omitempty" db:"duration"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
	// RecordingKey is the object key once the recording is archived.
	RecordingKey string `json:"recording_key,omitempty" db:"recording_key"`

	// EndReason records why the call ended: the provider status, cleanup_timeout or user_deleted.
	EndReason string `json:"end_reason,omitempty" db:"end_reason"`

	TranscriptionRequestedAt *time.Time `json:"transcription_requested_at,omitempty" db:"transcription_requested_at"`
	TranscriptReadyAt        *time.Time `json:"transcript_ready_at,omitempty" db:"transcript_ready_at"`
	AnalyzedAt               *time.Time `json:"analyzed_at,omitempty" db:"analyzed_at"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusStarted    CallStatus = "started"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusDeleted    CallStatus = "deleted"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []CallStatus{
	CallStatusInitiating,
	CallStatusStarted,
	CallStatusRinging,
	CallStatusInProgress,
	CallStatusCompleted,
	CallStatusFailed,
	CallStatusBusy,
	CallStatusDeleted,
}

// NonTerminalStatuses are the statuses the stale sweep looks at.
var NonTerminalStatuses = []CallStatus{
	CallStatusInitiating,
	CallStatusStarted,
	CallStatusRinging,
	CallStatusInProgress,
}

func (s CallStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusBusy, CallStatusDeleted:
		return true
	default:
		return false
	}
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Transcript is the speech-to-text result for a call. At most one exists per call.
type Transcript struct {
	CallID string `json:"call_id" db:"call_id"`

	// Payload is the provider body exactly as received.
	Payload json.RawMessage `json:"payload" db:"payload"`
	// Text is the flattened transcript across channels.
	Text string `json:"text" db:"text"`

	Summary string `json:"summary,omitempty" db:"summary"`
	// SentimentScore is bounded to [-1, 1]; nil until derived.
	SentimentScore *float64 `json:"sentiment_score,omitempty" db:"sentiment_score"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ClampSentiment bounds a score to [-1, 1].
func ClampSentiment(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }
