package telephony

import (
	"context"
	"errors"
)

// Provider is the provider-agnostic surface the call lifecycle depends on.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Request/response types stay provider-agnostic.
type Provider interface {
	Name() string

	// PlaceCall asks the provider to dial. The returned ProviderCallID is what every later
	// status callback is keyed on.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)

	// EndCall hangs up a live call. Ending a call the provider no longer knows is not an error.
	EndCall(ctx context.Context, providerCallID string) error
}

var (
	ErrNotConfigured  = errors.New("telephony: provider not configured")
	ErrInvalidRequest = errors.New("telephony: invalid request")
)

type PlaceCallRequest struct {
	// CallID is our identifier; it is echoed back on callback URLs for tracing only.
	CallID string `json:"call_id"`

	// From and To are E.164 where possible.
	From string `json:"from"`
	To   string `json:"to"`

	StatusCallbackURL    string `json:"status_callback_url,omitempty"`
	RecordingCallbackURL string `json:"recording_callback_url,omitempty"`

	Record bool `json:"record"`
}

func (r PlaceCallRequest) validate() error {
	if r.To == "" || r.From == "" {
		return ErrInvalidRequest
	}
	return nil
}

type PlaceCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
	// Status is the raw provider status at creation, usually "queued".
	Status string `json:"status"`
}
