package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/calls"
	"voice-platform/internal/telephony"
	"voice-platform/internal/transcription"
	"voice-platform/pkg/logger"
)

const (
	kindStatus        = "status"
	kindRecording     = "recording"
	kindTranscription = "transcription"

	maxTranscriptionBytes = 8 << 20
)

// Recorder receives one observation per delivery.
type Recorder interface {
	Observe(op, outcome string, d time.Duration)
}

// TranscriptPublisher announces transcripts to dashboards.
type TranscriptPublisher interface {
	PublishTranscriptReady(c calls.Call)
}

type Options struct {
	// Dedupe is optional.
	Dedupe Deduper
	// TranscriptionToken, when set, must match the token query parameter on transcription callbacks.
	TranscriptionToken string
}

type Handlers struct {
	svc     *calls.Service
	pub     TranscriptPublisher
	metrics Recorder
	opts    Options
	log     *slog.Logger
}

func NewHandlers(svc *calls.Service, pub TranscriptPublisher, metrics Recorder, opts Options, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{svc: svc, pub: pub, metrics: metrics, opts: opts, log: log}
}

// Register mounts the webhook routes. verify guards the telephony routes and may be nil.
func (h *Handlers) Register(rg *gin.RouterGroup, verify gin.HandlerFunc) {
	tel := rg.Group("/telephony")
	if verify != nil {
		tel.Use(verify)
	}
	tel.POST("/status", h.TelephonyStatus)
	tel.POST("/recording", h.TelephonyRecording)
	rg.POST("/transcription", h.Transcription)
}

func (h *Handlers) TelephonyStatus(c *gin.Context) {
	start := time.Now()
	cb, body, err := telephony.ParseStatusCallback(c.Request)
	res := invalid("")
	if err != nil {
		res.Reason = err.Error()
	} else {
		res = h.deduped(c.Request.Context(), kindStatus, body, func(ctx context.Context) Result {
			return h.HandleStatus(ctx, cb)
		})
	}
	h.finish(c, kindStatus, res, start)
}

func (h *Handlers) TelephonyRecording(c *gin.Context) {
	start := time.Now()
	cb, body, err := telephony.ParseRecordingCallback(c.Request)
	res := invalid("")
	if err != nil {
		res.Reason = err.Error()
	} else {
		res = h.deduped(c.Request.Context(), kindRecording, body, func(ctx context.Context) Result {
			return h.HandleRecording(ctx, cb)
		})
	}
	h.finish(c, kindRecording, res, start)
}

func (h *Handlers) Transcription(c *gin.Context) {
	start := time.Now()
	if want := h.opts.TranscriptionToken; want != "" &&
		subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(want)) != 1 {
		logger.FromGin(c).Warn("transcription callback with bad token")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid token"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTranscriptionBytes))
	var res Result
	switch {
	case err != nil:
		res = invalid("unreadable body")
	default:
		comp, perr := transcription.ParseCompletion(body, c.Query("call_id"))
		if perr != nil {
			res = invalid(perr.Error())
			break
		}
		res = h.deduped(c.Request.Context(), kindTranscription, body, func(ctx context.Context) Result {
			return h.HandleTranscription(ctx, comp)
		})
	}
	h.finish(c, kindTranscription, res, start)
}

// HandleStatus applies a telephony status callback to its call.
func (h *Handlers) HandleStatus(ctx context.Context, cb telephony.StatusCallback) Result {
	status, ok := calls.NormalizeProviderStatus(cb.Status)
	if !ok {
		// Parseable but outside our vocabulary; acknowledge so the provider stops retrying.
		return Result{Outcome: OutcomeRejected, Status: cb.Status, Reason: "unrecognized provider status"}
	}
	ev := calls.Event{
		Kind:            calls.EventProviderStatus,
		Status:          status,
		ProviderStatus:  cb.Status,
		DurationSeconds: cb.DurationSeconds,
		RecordingURL:    cb.RecordingURL,
	}
	res, err := h.svc.Transition(ctx, calls.ByProviderID(cb.ProviderCallID), ev)
	if errors.Is(err, calls.ErrNotFound) && cb.CallID != "" {
		res, err = h.statusByCallID(ctx, cb, ev)
	}
	if errors.Is(err, calls.ErrNotFound) {
		return Result{Outcome: OutcomeUnknownCall, Status: string(status)}
	}
	if err != nil {
		return failed("", err)
	}
	return Result{
		Outcome: Outcome(res.Outcome),
		CallID:  res.Current.ID,
		Status:  string(res.Current.Status),
		Reason:  res.Reason,
	}
}

// statusByCallID handles a status callback for a call whose provider id was never
// recorded, which happens when placing the call timed out on our side. The provider id
// is adopted first so later callbacks match directly.
func (h *Handlers) statusByCallID(ctx context.Context, cb telephony.StatusCallback, ev calls.Event) (calls.Result, error) {
	c, err := h.matchCallID(ctx, cb.CallID, cb.ProviderCallID)
	if err != nil {
		return calls.Result{}, err
	}
	if c.ProviderCallID == "" {
		if _, err := h.svc.Transition(ctx, calls.ByID(c.ID), calls.Event{
			Kind:           calls.EventProviderAck,
			ProviderCallID: cb.ProviderCallID,
		}); err != nil {
			return calls.Result{}, err
		}
	}
	return h.svc.Transition(ctx, calls.ByID(c.ID), ev)
}

// matchCallID loads the call named by a callback's call_id. A call already bound to a
// different provider id is not a match.
func (h *Handlers) matchCallID(ctx context.Context, callID, providerCallID string) (calls.Call, error) {
	c, err := h.svc.Store().Get(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	if c.ProviderCallID != "" && c.ProviderCallID != providerCallID {
		return calls.Call{}, calls.ErrNotFound
	}
	return c, nil
}

// HandleRecording attaches a recording URL the first time one is reported.
func (h *Handlers) HandleRecording(ctx context.Context, cb telephony.RecordingCallback) Result {
	store := h.svc.Store()
	c, err := store.FindByProviderID(ctx, cb.ProviderCallID)
	if errors.Is(err, calls.ErrNotFound) && cb.CallID != "" {
		c, err = h.matchCallID(ctx, cb.CallID, cb.ProviderCallID)
	}
	if errors.Is(err, calls.ErrNotFound) {
		return Result{Outcome: OutcomeUnknownCall}
	}
	if err != nil {
		return failed("", err)
	}
	if cb.RecordingStatus != "completed" {
		return Result{Outcome: OutcomeRejected, CallID: c.ID, Status: string(c.Status), Reason: "recording " + cb.RecordingStatus}
	}
	wrote, err := store.AttachRecording(ctx, c.ID, cb.RecordingURL)
	if err != nil {
		return failed(c.ID, err)
	}
	if !wrote {
		return Result{Outcome: OutcomeDuplicate, CallID: c.ID, Status: string(c.Status)}
	}
	return Result{Outcome: OutcomeApplied, CallID: c.ID, Status: string(c.Status)}
}

// HandleTranscription stores the transcript, flags the call and announces it.
func (h *Handlers) HandleTranscription(ctx context.Context, comp transcription.Completion) Result {
	store := h.svc.Store()
	t, err := store.UpsertTranscript(ctx, calls.Transcript{
		CallID:  comp.CallID,
		Payload: comp.Raw,
		Text:    comp.Text,
		Summary: comp.Summary,
	})
	switch {
	case errors.Is(err, calls.ErrNotFound):
		return Result{Outcome: OutcomeUnknownCall, CallID: comp.CallID}
	case errors.Is(err, calls.ErrCallNotTerminal):
		return Result{Outcome: OutcomeRejected, CallID: comp.CallID, Reason: "call has not ended"}
	case err != nil:
		return failed(comp.CallID, err)
	}
	if err := store.MarkTranscriptReady(ctx, t.CallID); err != nil {
		return failed(t.CallID, err)
	}
	if h.pub != nil {
		c, err := store.Get(ctx, t.CallID)
		if err != nil {
			h.log.Warn("transcript ready: call reload failed", "call_id", t.CallID, "err", err)
			c = calls.Call{ID: t.CallID}
		}
		h.pub.PublishTranscriptReady(c)
	}
	return Result{Outcome: OutcomeApplied, CallID: t.CallID}
}

func (h *Handlers) deduped(ctx context.Context, kind string, body []byte, fn func(context.Context) Result) Result {
	if h.opts.Dedupe == nil || len(body) == 0 {
		return fn(ctx)
	}
	key := deliveryKey(kind, body)
	if seen, err := h.opts.Dedupe.Seen(ctx, key); err == nil && seen {
		return Result{Outcome: OutcomeDuplicate, Reason: "redelivery"}
	} else if err != nil {
		h.log.Warn("webhook dedupe lookup failed", "kind", kind, "err", err)
	}
	res := fn(ctx)
	if res.settled() {
		if err := h.opts.Dedupe.Mark(context.WithoutCancel(ctx), key); err != nil {
			h.log.Warn("webhook dedupe mark failed", "kind", kind, "err", err)
		}
	}
	return res
}

func (h *Handlers) finish(c *gin.Context, kind string, res Result, start time.Time) {
	elapsed := time.Since(start)
	if h.metrics != nil {
		h.metrics.Observe("webhook."+kind, string(res.Outcome), elapsed)
	}
	log := logger.FromGin(c).With("webhook", kind, "outcome", res.Outcome, "call_id", res.CallID)
	switch res.Outcome {
	case OutcomeError:
		log.Error("webhook failed", "reason", res.Reason, "duration_ms", elapsed.Milliseconds())
	case OutcomeValidationError:
		log.Warn("webhook payload invalid", "reason", res.Reason)
	case OutcomeUnknownCall, OutcomeRejected:
		log.Info("webhook not applied", "reason", res.Reason, "status", res.Status)
	default:
		log.Debug("webhook processed", "status", res.Status)
	}
	c.JSON(res.HTTPStatus(), res)
}
