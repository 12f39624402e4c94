package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"voice-platform/internal/telephony"
)

// TransitionHook observes every ApplyTransition result that went through the Service.
// Hooks run inline and must not block; the realtime broadcaster only enqueues.
type TransitionHook interface {
	AfterTransition(ctx context.Context, ev Event, res Result)
}

// TransitionHookFunc adapts a function to TransitionHook.
type TransitionHookFunc func(ctx context.Context, ev Event, res Result)

func (f TransitionHookFunc) AfterTransition(ctx context.Context, ev Event, res Result) { f(ctx, ev, res) }

var ErrProviderFailed = errors.New("calls: telephony provider failed")

type ServiceConfig struct {
	// DefaultFrom is the caller id used when a request does not pick one.
	DefaultFrom string

	StatusCallbackURL    string
	RecordingCallbackURL string
	Record               bool

	// ProviderTimeout bounds each provider request made on behalf of an API caller.
	ProviderTimeout time.Duration
}

// Service is the entry point for status changes. Everything that moves a call (webhooks,
// API, scheduler jobs) goes through Transition so hooks see every outcome.
type Service struct {
	store  Store
	dialer telephony.Provider
	cfg    ServiceConfig
	hooks  []TransitionHook
	log    *slog.Logger
}

func NewService(store Store, dialer telephony.Provider, cfg ServiceConfig, log *slog.Logger, hooks ...TransitionHook) *Service {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, dialer: dialer, cfg: cfg, hooks: hooks, log: log}
}

func (s *Service) Store() Store { return s.store }

func (s *Service) Dialer() telephony.Provider { return s.dialer }

// Transition applies ev to the call behind ref and notifies hooks. Storage errors are
// returned as-is (ErrNotFound included) and no hook runs for them.
func (s *Service) Transition(ctx context.Context, ref Ref, ev Event) (Result, error) {
	res, err := s.store.ApplyTransition(ctx, ref, ev)
	if err != nil {
		return Result{}, err
	}
	switch res.Outcome {
	case OutcomeRejected:
		s.log.Warn("transition rejected",
			"call_id", res.Current.ID, "from", res.Previous.Status, "event", ev.Kind,
			"target", ev.Status, "reason", res.Reason)
	case OutcomeApplied:
		s.log.Info("call transitioned",
			"call_id", res.Current.ID, "from", res.Previous.Status, "to", res.Current.Status, "event", ev.Kind)
	}
	for _, h := range s.hooks {
		h.AfterTransition(ctx, ev, res)
	}
	return res, nil
}

type PlaceRequest struct {
	UserID string
	From   string
	To     string
}

// Place records a new outbound call and asks the provider to dial it. When the provider
// refuses, the call is failed locally and ErrProviderFailed is returned with that call.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (Call, error) {
	from := req.From
	if from == "" {
		from = s.cfg.DefaultFrom
	}
	c, err := s.store.Create(ctx, Call{UserID: req.UserID, From: from, To: req.To, Direction: DirectionOutbound})
	if err != nil {
		return Call{}, err
	}
	log := s.log.With("call_id", c.ID, "provider", s.dialer.Name())

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	placed, perr := s.dialer.PlaceCall(pctx, telephony.PlaceCallRequest{
		CallID:               c.ID,
		From:                 c.From,
		To:                   c.To,
		StatusCallbackURL:    withCallID(s.cfg.StatusCallbackURL, c.ID),
		RecordingCallbackURL: withCallID(s.cfg.RecordingCallbackURL, c.ID),
		Record:               s.cfg.Record,
	})
	cancel()
	if perr != nil {
		log.Error("place call failed", "err", perr)
		res, err := s.Transition(context.WithoutCancel(ctx), ByID(c.ID), Event{
			Kind:           EventProviderStatus,
			Status:         CallStatusFailed,
			ProviderStatus: "provider_error",
		})
		if err != nil {
			return c, fmt.Errorf("%w: %v (marking failed: %v)", ErrProviderFailed, perr, err)
		}
		return res.Current, fmt.Errorf("%w: %v", ErrProviderFailed, perr)
	}

	res, err := s.Transition(ctx, ByID(c.ID), Event{Kind: EventProviderAck, ProviderCallID: placed.ProviderCallID})
	if err != nil {
		return c, err
	}
	if res.Outcome == OutcomeRejected {
		// The call was deleted or failed while we were dialing; hang up what we started.
		s.hangUp(ctx, placed.ProviderCallID, log)
	}
	return res.Current, nil
}

// withCallID tags a callback URL with our call id so callbacks can be matched even when
// the provider id never made it back to us.
func withCallID(raw, id string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(CallbackCallIDParam, id)
	u.RawQuery = q.Encode()
	return u.String()
}

// CallbackCallIDParam is the query parameter carrying our call id on provider callbacks.
const CallbackCallIDParam = "call_id"

// Cancel hangs up at the provider when possible and marks the call deleted either way.
func (s *Service) Cancel(ctx context.Context, id string) (Call, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return Call{}, err
	}
	if c.ProviderCallID != "" && !c.Status.IsTerminal() {
		s.hangUp(ctx, c.ProviderCallID, s.log.With("call_id", c.ID))
	}
	res, err := s.Transition(ctx, ByID(id), Event{Kind: EventUserDelete})
	if err != nil {
		return Call{}, err
	}
	return res.Current, nil
}

// HangUp ends a live provider call, logging instead of failing. Used by the stale sweep too.
func (s *Service) HangUp(ctx context.Context, c Call) {
	if c.ProviderCallID == "" {
		return
	}
	s.hangUp(ctx, c.ProviderCallID, s.log.With("call_id", c.ID))
}

func (s *Service) hangUp(ctx context.Context, providerCallID string, log *slog.Logger) {
	ectx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	if err := s.dialer.EndCall(ectx, providerCallID); err != nil {
		log.Warn("end call at provider failed", "provider_call_id", providerCallID, "err", err)
	}
}
