package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var ErrInvalidPayload = errors.New("telephony: invalid callback payload")

// StatusCallback is a provider status notification, still in provider vocabulary.
// Mapping Status onto the local enumeration happens in the webhook layer.
type StatusCallback struct {
	ProviderCallID  string `json:"providerCallId"`
	Status          string `json:"status"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	Direction       string `json:"direction,omitempty"`
	DurationSeconds *int   `json:"durationSeconds,omitempty"`
	RecordingURL    string `json:"recordingUrl,omitempty"`

	// CallID is our id for the call, taken from the callback URL's call_id parameter.
	CallID string `json:"-"`
}

// RecordingCallback announces that a recording is available.
type RecordingCallback struct {
	ProviderCallID string `json:"providerCallId"`
	RecordingURL   string `json:"recordingUrl"`
	// RecordingStatus is "completed" when the media is ready. Other values are ignored upstream.
	RecordingStatus string `json:"recordingStatus,omitempty"`

	CallID string `json:"-"`
}

// ParseStatusCallback accepts either Twilio's form encoding or the JSON shape of StatusCallback.
// The raw body is returned so callers can fingerprint the delivery.
func ParseStatusCallback(r *http.Request) (StatusCallback, []byte, error) {
	body, form, isJSON, err := readCallback(r)
	if err != nil {
		return StatusCallback{}, nil, err
	}

	var cb StatusCallback
	if isJSON {
		if err := json.Unmarshal(body, &cb); err != nil {
			return StatusCallback{}, body, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	} else {
		cb = StatusCallback{
			ProviderCallID: form.Get("CallSid"),
			Status:         form.Get("CallStatus"),
			From:           normalizePhone(form.Get("From")),
			To:             normalizePhone(form.Get("To")),
			Direction:      form.Get("Direction"),
			RecordingURL:   form.Get("RecordingUrl"),
		}
		if raw := strings.TrimSpace(form.Get("CallDuration")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return StatusCallback{}, body, fmt.Errorf("%w: CallDuration %q", ErrInvalidPayload, raw)
			}
			cb.DurationSeconds = &n
		}
	}

	cb.ProviderCallID = strings.TrimSpace(cb.ProviderCallID)
	cb.Status = strings.TrimSpace(cb.Status)
	cb.CallID = callIDFromURL(r)
	if cb.ProviderCallID == "" || cb.Status == "" {
		return StatusCallback{}, body, fmt.Errorf("%w: provider call id and status are required", ErrInvalidPayload)
	}
	if cb.DurationSeconds != nil && *cb.DurationSeconds < 0 {
		return StatusCallback{}, body, fmt.Errorf("%w: negative duration", ErrInvalidPayload)
	}
	return cb, body, nil
}

// ParseRecordingCallback accepts Twilio's recording status callback or its JSON equivalent.
func ParseRecordingCallback(r *http.Request) (RecordingCallback, []byte, error) {
	body, form, isJSON, err := readCallback(r)
	if err != nil {
		return RecordingCallback{}, nil, err
	}
	var cb RecordingCallback
	if isJSON {
		if err := json.Unmarshal(body, &cb); err != nil {
			return RecordingCallback{}, body, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	} else {
		cb = RecordingCallback{
			ProviderCallID:  form.Get("CallSid"),
			RecordingURL:    form.Get("RecordingUrl"),
			RecordingStatus: form.Get("RecordingStatus"),
		}
	}
	cb.ProviderCallID = strings.TrimSpace(cb.ProviderCallID)
	cb.RecordingURL = strings.TrimSpace(cb.RecordingURL)
	cb.CallID = callIDFromURL(r)
	if cb.ProviderCallID == "" || cb.RecordingURL == "" {
		return RecordingCallback{}, body, fmt.Errorf("%w: provider call id and recording url are required", ErrInvalidPayload)
	}
	if cb.RecordingStatus == "" {
		cb.RecordingStatus = "completed"
	}
	return cb, body, nil
}

// maxCallbackBytes bounds callback bodies; provider callbacks are a few hundred bytes.
const maxCallbackBytes = 1 << 20

func readCallback(r *http.Request) (body []byte, form url.Values, isJSON bool, err error) {
	body, err = io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		return body, nil, true, nil
	}
	form, err = url.ParseQuery(string(body))
	if err != nil {
		return body, nil, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return body, form, false, nil
}

func callIDFromURL(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("call_id"))
}

func normalizePhone(s string) string {
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return strings.TrimSpace(s)
}
