package webhook

import "net/http"

// Outcome is what happened to one webhook delivery. Providers only see the HTTP status;
// the outcome goes to logs and metrics.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeRejected        Outcome = "rejected"
	OutcomeUnknownCall     Outcome = "unknown_call"
	OutcomeValidationError Outcome = "validation_error"
	OutcomeError           Outcome = "error"
)

type Result struct {
	Outcome Outcome `json:"outcome"`
	CallID  string  `json:"call_id,omitempty"`
	Status  string  `json:"status,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// HTTPStatus maps an outcome to the acknowledgement code. Only malformed payloads and
// storage failures are non-2xx; the latter lets the provider redeliver.
func (r Result) HTTPStatus() int {
	switch r.Outcome {
	case OutcomeValidationError:
		return http.StatusBadRequest
	case OutcomeError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// settled reports whether a redelivery of the same payload can be skipped.
func (r Result) settled() bool {
	return r.Outcome != OutcomeError && r.Outcome != OutcomeValidationError
}

func invalid(reason string) Result { return Result{Outcome: OutcomeValidationError, Reason: reason} }

func failed(callID string, err error) Result {
	return Result{Outcome: OutcomeError, CallID: callID, Reason: err.Error()}
}
