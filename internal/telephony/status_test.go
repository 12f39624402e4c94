package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

func formRequest(path string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestParseStatusCallback_TwilioForm(t *testing.T) {
	r := formRequest("/webhooks/telephony/status?call_id=c-42", url.Values{
		"CallSid":      {"CA123"},
		"CallStatus":   {"completed"},
		"From":         {"+15551234567"},
		"To":           {" +15557654321 "},
		"Direction":    {"outbound-api"},
		"CallDuration": {"37"},
		"RecordingUrl": {"https://api.twilio.com/rec/RE1"},
	})

	cb, body, err := ParseStatusCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(body) == 0 {
		t.Fatalf("expected raw body")
	}
	if cb.ProviderCallID != "CA123" || cb.Status != "completed" || cb.CallID != "c-42" {
		t.Fatalf("unexpected callback: %+v", cb)
	}
	if cb.To != "+15557654321" {
		t.Fatalf("expected trimmed number, got %q", cb.To)
	}
	if cb.DurationSeconds == nil || *cb.DurationSeconds != 37 {
		t.Fatalf("expected duration 37")
	}
	if cb.RecordingURL == "" {
		t.Fatalf("expected recording url")
	}
}

func TestParseStatusCallback_JSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/telephony/status",
		strings.NewReader(`{"providerCallId":"CA9","status":"ringing","from":"+1","to":"+2","direction":"outbound"}`))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")

	cb, _, err := ParseStatusCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cb.ProviderCallID != "CA9" || cb.Status != "ringing" || cb.DurationSeconds != nil || cb.CallID != "" {
		t.Fatalf("unexpected callback: %+v", cb)
	}
}

func TestParseStatusCallback_Invalid(t *testing.T) {
	cases := map[string]*http.Request{
		"missing sid":       formRequest("/", url.Values{"CallStatus": {"ringing"}}),
		"missing status":    formRequest("/", url.Values{"CallSid": {"CA1"}}),
		"bad duration":      formRequest("/", url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}, "CallDuration": {"abc"}}),
		"negative duration": formRequest("/", url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}, "CallDuration": {"-4"}}),
	}
	bad := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"providerCallId":`))
	bad.Header.Set("Content-Type", "application/json")
	cases["broken json"] = bad

	for name, r := range cases {
		if _, _, err := ParseStatusCallback(r); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("%s: expected ErrInvalidPayload, got %v", name, err)
		}
	}
}

func TestParseRecordingCallback(t *testing.T) {
	r := formRequest("/webhooks/telephony/recording?call_id=c-7", url.Values{
		"CallSid":         {"CA1"},
		"RecordingUrl":    {"https://api.twilio.com/rec/RE1"},
		"RecordingStatus": {"completed"},
	})
	cb, _, err := ParseRecordingCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cb.ProviderCallID != "CA1" || cb.RecordingURL == "" || cb.RecordingStatus != "completed" || cb.CallID != "c-7" {
		t.Fatalf("unexpected callback: %+v", cb)
	}

	if _, _, err := ParseRecordingCallback(formRequest("/", url.Values{"CallSid": {"CA1"}})); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureVerifier(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}
	v := NewSignatureVerifier("secret", "https://voice.example.com/")

	r := formRequest("/webhooks/telephony/status", form)
	r.Header.Set(headerTwilioSignature, twilioSignature("secret", "https://voice.example.com/webhooks/telephony/status", form))
	if !v.Verify(r, []byte(form.Encode())) {
		t.Fatalf("expected valid signature")
	}

	r.Header.Set(headerTwilioSignature, twilioSignature("other", "https://voice.example.com/webhooks/telephony/status", form))
	if v.Verify(r, []byte(form.Encode())) {
		t.Fatalf("expected signature from another token to fail")
	}

	r.Header.Del(headerTwilioSignature)
	if v.Verify(r, []byte(form.Encode())) {
		t.Fatalf("expected missing signature to fail")
	}
}
