package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"voice-platform/pkg/logger"
)

// callsAPI is the slice of the Twilio REST surface we use. *twilioApi.ApiService satisfies it.
type callsAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// twilioNotFound is the REST error code for an unknown resource.
const twilioNotFound = 20404

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// AnswerURL serves TwiML when the callee picks up. When empty, AnswerTwiML is sent inline.
	AnswerURL   string
	AnswerTwiML string

	// RingTimeoutSeconds is how long Twilio lets the callee ring.
	RingTimeoutSeconds int
}

type TwilioProvider struct {
	api callsAPI
	cfg TwilioConfig
}

func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrNotConfigured
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioProvider(rest.Api, cfg), nil
}

func newTwilioProvider(api callsAPI, cfg TwilioConfig) *TwilioProvider {
	if cfg.AnswerURL == "" && cfg.AnswerTwiML == "" {
		cfg.AnswerTwiML = DefaultAnswerTwiML()
	}
	return &TwilioProvider{api: api, cfg: cfg}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if err := req.validate(); err != nil {
		return PlaceCallResult{}, err
	}

	params := &twilioApi.CreateCallParams{}
	params.SetPathAccountSid(p.cfg.AccountSID)
	params.SetTo(req.To)
	params.SetFrom(req.From)
	if p.cfg.AnswerURL != "" {
		params.SetUrl(p.cfg.AnswerURL)
	} else {
		params.SetTwiml(p.cfg.AnswerTwiML)
	}
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}
	if req.Record {
		params.SetRecord(true)
		if req.RecordingCallbackURL != "" {
			params.SetRecordingStatusCallback(req.RecordingCallbackURL)
			params.SetRecordingStatusCallbackMethod(http.MethodPost)
		}
	}
	if p.cfg.RingTimeoutSeconds > 0 {
		params.SetTimeout(p.cfg.RingTimeoutSeconds)
	}

	// The SDK call is not context-aware; honour cancellation around it.
	done := make(chan createResult, 1)
	go func() {
		call, err := p.api.CreateCall(params)
		done <- createResult{call, err}
	}()

	select {
	case <-ctx.Done():
		go p.hangUpLate(logger.From(ctx).With("call_id", req.CallID), done)
		return PlaceCallResult{}, fmt.Errorf("twilio create call: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return PlaceCallResult{}, fmt.Errorf("twilio create call: %w", res.err)
		}
		sid := res.sid()
		if sid == "" {
			return PlaceCallResult{}, errors.New("twilio create call: response without sid")
		}
		out := PlaceCallResult{ProviderCallID: sid}
		if res.call.Status != nil {
			out.Status = *res.call.Status
		}
		return out, nil
	}
}

type createResult struct {
	call *twilioApi.ApiV2010Call
	err  error
}

func (r createResult) sid() string {
	if r.err != nil || r.call == nil || r.call.Sid == nil {
		return ""
	}
	return *r.call.Sid
}

// hangUpLate waits out a CreateCall the caller gave up on. A call Twilio created after
// that point has no owner on our side, so it is ended straight away.
func (p *TwilioProvider) hangUpLate(log *slog.Logger, done <-chan createResult) {
	sid := (<-done).sid()
	if sid == "" {
		return
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetPathAccountSid(p.cfg.AccountSID)
	params.SetStatus("completed")
	if _, err := p.api.UpdateCall(sid, params); err != nil && !isTwilioNotFound(err) {
		log.Error("twilio: ending call created after deadline failed", "provider_call_id", sid, "err", err)
		return
	}
	log.Warn("twilio: ended call created after deadline", "provider_call_id", sid)
}

func (p *TwilioProvider) EndCall(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return ErrInvalidRequest
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetPathAccountSid(p.cfg.AccountSID)
	params.SetStatus("completed")

	done := make(chan error, 1)
	go func() {
		_, err := p.api.UpdateCall(providerCallID, params)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("twilio end call: %w", ctx.Err())
	case err := <-done:
		if err == nil || isTwilioNotFound(err) {
			return nil
		}
		return fmt.Errorf("twilio end call: %w", err)
	}
}

func isTwilioNotFound(err error) bool {
	var restErr *client.TwilioRestError
	return errors.As(err, &restErr) && (restErr.Code == twilioNotFound || restErr.Status == http.StatusNotFound)
}
