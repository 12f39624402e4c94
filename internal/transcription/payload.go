package transcription

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPayload = errors.New("transcription: invalid completion payload")
	ErrMissingCallID  = errors.New("transcription: call id missing from payload and callback url")
)

// Completion is the parsed transcription callback.
type Completion struct {
	CallID  string
	UserID  string
	Text    string
	Summary string
	// Raw is the body exactly as delivered.
	Raw json.RawMessage
}

type completionBody struct {
	Metadata struct {
		CallID    string `json:"callId"`
		UserID    string `json:"userId"`
		RequestID string `json:"request_id"`
		// Extra carries the key:value pairs sent with the request.
		Extra map[string]string `json:"extra"`
	} `json:"metadata"`
	Results *struct {
		Summary  json.RawMessage `json:"summary"`
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// ParseCompletion decodes a transcription callback. fallbackCallID is used when the body
// does not name the call (it comes from the call_id query parameter of the callback URL).
func ParseCompletion(body []byte, fallbackCallID string) (Completion, error) {
	var b completionBody
	if err := json.Unmarshal(body, &b); err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if b.Results == nil {
		return Completion{}, fmt.Errorf("%w: results missing", ErrInvalidPayload)
	}

	c := Completion{
		CallID: firstNonEmpty(b.Metadata.CallID, b.Metadata.Extra["callId"], fallbackCallID),
		UserID: firstNonEmpty(b.Metadata.UserID, b.Metadata.Extra["userId"]),
		Raw:    json.RawMessage(body),
	}
	if c.CallID == "" {
		return Completion{}, ErrMissingCallID
	}

	parts := make([]string, 0, len(b.Results.Channels))
	for _, ch := range b.Results.Channels {
		if len(ch.Alternatives) == 0 {
			continue
		}
		if t := strings.TrimSpace(ch.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	c.Text = strings.Join(parts, "\n")
	c.Summary = parseSummary(b.Results.Summary)
	return c, nil
}

// parseSummary accepts a bare string or an object carrying "short".
func parseSummary(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Short string `json:"short"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Short)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
