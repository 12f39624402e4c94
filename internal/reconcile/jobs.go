package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"voice-platform/internal/analytics"
	"voice-platform/internal/calls"
	"voice-platform/internal/llm"
	"voice-platform/internal/scheduler"
	"voice-platform/internal/storage"
	"voice-platform/internal/transcription"
)

const (
	TaskStaleSweep     = "stale-call-sweep"
	TaskRecordings     = "recording-processor"
	TaskTranscripts    = "transcript-processor"
	TaskAnalytics      = "analytics-pipeline"
	DefaultBatchLimit  = 50
	DefaultConcurrency = 4
	DefaultStaleAfter  = time.Hour
	DefaultMaxAttempts = 5
	DefaultRetryBase   = 15 * time.Minute
	DefaultRetryMax    = 24 * time.Hour
	DefaultLLMTimeout  = llm.DefaultTimeout
)

type Options struct {
	BatchLimit  int
	Concurrency int
	// StaleAfter is how long a call may stay non-terminal before the sweep fails it.
	StaleAfter time.Duration
	// PublicBaseURL is where the api process is reachable; transcription callbacks go there.
	PublicBaseURL string
	// CallbackToken is appended to transcription callback URLs when set.
	CallbackToken string
	// MaxAttempts is how often a pipeline stage is tried per call before it is left alone.
	MaxAttempts int
	// Retry spaces out attempts after a provider failure.
	Retry calls.Backoff
	// LLMTimeout bounds each language-model request.
	LLMTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchLimit <= 0 {
		o.BatchLimit = DefaultBatchLimit
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Retry.Base <= 0 {
		o.Retry.Base = DefaultRetryBase
	}
	if o.Retry.Max <= 0 {
		o.Retry.Max = DefaultRetryMax
	}
	if o.LLMTimeout <= 0 {
		o.LLMTimeout = DefaultLLMTimeout
	}
	return o
}

// Deps are the collaborators the jobs use. Archive, Transcriber, LLM and Analytics may be
// nil; the jobs needing them then do nothing.
type Deps struct {
	Calls       *calls.Service
	Archive     storage.RecordingArchive
	Transcriber transcription.Requester
	LLM         llm.Client
	Analytics   analytics.Repository
}

// Report counts what one tick did.
type Report struct {
	Seen      int64 `json:"seen"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

type counters struct{ seen, processed, failed, skipped atomic.Int64 }

func (c *counters) report() Report {
	return Report{Seen: c.seen.Load(), Processed: c.processed.Load(), Failed: c.failed.Load(), Skipped: c.skipped.Load()}
}

// Jobs holds the four reconciliation tasks.
type Jobs struct {
	deps  Deps
	opts  Options
	log   *slog.Logger
	clock func() time.Time
}

func NewJobs(deps Deps, opts Options, log *slog.Logger) *Jobs {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	if deps.LLM != nil {
		deps.LLM = llm.WithTimeout(deps.LLM, opts.LLMTimeout)
	}
	return &Jobs{deps: deps, opts: opts, log: log, clock: time.Now}
}

// Specs maps task name to its cron spec.
type Specs map[string]string

func DefaultSpecs() Specs {
	return Specs{
		TaskStaleSweep:  "@every 30m",
		TaskRecordings:  "@every 15m",
		TaskTranscripts: "@every 1h",
		TaskAnalytics:   "@every 1h",
	}
}

// Tasks returns the scheduler tasks in a fixed order.
func (j *Jobs) Tasks() []scheduler.Task {
	return []scheduler.Task{
		j.task(TaskStaleSweep, j.SweepStale),
		j.task(TaskRecordings, j.ProcessRecordings),
		j.task(TaskTranscripts, j.ProcessTranscripts),
		j.task(TaskAnalytics, j.RunAnalytics),
	}
}

// Register adds every task to s. Specs missing from specs fall back to DefaultSpecs.
func (j *Jobs) Register(s *scheduler.Scheduler, specs Specs) error {
	def := DefaultSpecs()
	for _, t := range j.Tasks() {
		spec := specs[t.Name()]
		if spec == "" {
			spec = def[t.Name()]
		}
		if err := s.Register(t, spec); err != nil {
			return err
		}
	}
	return nil
}

func (j *Jobs) task(name string, fn func(ctx context.Context) (Report, error)) scheduler.Task {
	return scheduler.NewTask(name, func(ctx context.Context) error {
		rep, err := fn(ctx)
		j.log.Info("reconcile tick", "task", name, "seen", rep.Seen, "processed", rep.Processed,
			"failed", rep.Failed, "skipped", rep.Skipped)
		return err
	})
}

// each runs fn over items with bounded concurrency. fn returns an error only for storage
// failures, which stop the tick; provider failures are counted and logged by fn itself.
func each[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, it := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error { return fn(gctx, it) })
	}
	return g.Wait()
}

func (j *Jobs) pending() calls.Pending {
	return calls.Pending{Limit: j.opts.BatchLimit, Now: j.clock().UTC(), MaxAttempts: j.opts.MaxAttempts}
}

// stageFailed counts a provider failure and pushes the call's next attempt back.
func (j *Jobs) stageFailed(ctx context.Context, c *counters, log *slog.Logger, callID string, stage calls.Stage, msg string, cause error) error {
	c.failed.Add(1)
	reason := msg
	if cause != nil {
		reason = msg + ": " + cause.Error()
	}
	n, err := j.deps.Calls.Store().RecordStageFailure(ctx, callID, stage, reason, j.opts.Retry)
	if errors.Is(err, calls.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record %s failure %s: %w", stage, callID, err)
	}
	if n >= j.opts.MaxAttempts {
		log.Error(msg+"; giving up", "stage", stage, "attempts", n, "err", cause)
	} else {
		log.Warn(msg, "stage", stage, "attempts", n, "err", cause)
	}
	return nil
}

// SweepStale fails calls stuck in a non-terminal status for longer than StaleAfter,
// hanging them up at the provider first.
func (j *Jobs) SweepStale(ctx context.Context) (Report, error) {
	var c counters
	svc := j.deps.Calls
	cutoff := j.clock().Add(-j.opts.StaleAfter)
	stale, err := svc.Store().SweepStale(ctx, cutoff, calls.NonTerminalStatuses, j.opts.BatchLimit)
	if err != nil {
		return c.report(), fmt.Errorf("list stale calls: %w", err)
	}
	c.seen.Store(int64(len(stale)))

	err = each(ctx, j.opts.Concurrency, stale, func(ctx context.Context, call calls.Call) error {
		svc.HangUp(ctx, call)
		res, err := svc.Transition(ctx, calls.ByID(call.ID), calls.Event{Kind: calls.EventCleanupTimeout})
		if errors.Is(err, calls.ErrNotFound) {
			c.skipped.Add(1)
			return nil
		}
		if err != nil {
			return fmt.Errorf("fail stale call %s: %w", call.ID, err)
		}
		if res.Outcome == calls.OutcomeApplied {
			c.processed.Add(1)
		} else {
			c.skipped.Add(1)
		}
		return nil
	})
	return c.report(), err
}

// ProcessRecordings archives finished recordings and asks for their transcription.
func (j *Jobs) ProcessRecordings(ctx context.Context) (Report, error) {
	var c counters
	if j.deps.Transcriber == nil {
		return c.report(), nil
	}
	store := j.deps.Calls.Store()
	pending, err := store.ListAwaitingTranscription(ctx, j.pending())
	if err != nil {
		return c.report(), fmt.Errorf("list calls awaiting transcription: %w", err)
	}
	c.seen.Store(int64(len(pending)))

	err = each(ctx, j.opts.Concurrency, pending, func(ctx context.Context, call calls.Call) error {
		log := j.log.With("task", TaskRecordings, "call_id", call.ID)
		media := call.RecordingURL

		if j.deps.Archive != nil {
			key := call.RecordingKey
			if key == "" {
				k, err := j.deps.Archive.Archive(ctx, call.ID, call.RecordingURL)
				if err != nil {
					return j.stageFailed(ctx, &c, log, call.ID, calls.StageTranscription, "archive recording failed", err)
				}
				if err := store.MarkRecordingArchived(ctx, call.ID, k); err != nil {
					return fmt.Errorf("mark recording archived %s: %w", call.ID, err)
				}
				key = k
			}
			signed, err := j.deps.Archive.PresignGet(ctx, key)
			if err != nil {
				return j.stageFailed(ctx, &c, log.With("key", key), call.ID, calls.StageTranscription, "presign recording failed", err)
			}
			media = signed
		}

		reqID, err := j.deps.Transcriber.RequestTranscription(ctx, transcription.Request{
			CallID:      call.ID,
			UserID:      call.UserID,
			MediaURL:    media,
			CallbackURL: j.callbackURL(call.ID),
		})
		if err != nil {
			return j.stageFailed(ctx, &c, log, call.ID, calls.StageTranscription, "request transcription failed", err)
		}
		if err := store.MarkTranscriptionRequested(ctx, call.ID); err != nil {
			return fmt.Errorf("mark transcription requested %s: %w", call.ID, err)
		}
		log.Info("transcription requested", "request_id", reqID)
		c.processed.Add(1)
		return nil
	})
	return c.report(), err
}

func (j *Jobs) callbackURL(callID string) string {
	q := url.Values{"call_id": {callID}}
	if j.opts.CallbackToken != "" {
		q.Set("token", j.opts.CallbackToken)
	}
	return j.opts.PublicBaseURL + "/webhooks/transcription?" + q.Encode()
}

// ProcessTranscripts fills in summary and sentiment for transcripts that lack them.
func (j *Jobs) ProcessTranscripts(ctx context.Context) (Report, error) {
	var c counters
	if j.deps.LLM == nil {
		return c.report(), nil
	}
	store := j.deps.Calls.Store()
	pending, err := store.ListTranscriptsMissingInsights(ctx, j.pending())
	if err != nil {
		return c.report(), fmt.Errorf("list transcripts missing insights: %w", err)
	}
	c.seen.Store(int64(len(pending)))

	err = each(ctx, j.opts.Concurrency, pending, func(ctx context.Context, t calls.Transcript) error {
		ins, err := llm.SummarizeTranscript(ctx, j.deps.LLM, t.Text)
		if err != nil {
			log := j.log.With("task", TaskTranscripts, "call_id", t.CallID)
			return j.stageFailed(ctx, &c, log, t.CallID, calls.StageInsights, "summarize transcript failed", err)
		}
		score := calls.ClampSentiment(ins.SentimentScore)
		if err := store.UpdateTranscriptInsights(ctx, t.CallID, ins.Summary, &score); err != nil {
			return fmt.Errorf("update transcript insights %s: %w", t.CallID, err)
		}
		c.processed.Add(1)
		return nil
	})
	return c.report(), err
}

// RunAnalytics writes one analytics record per completed, transcribed call.
func (j *Jobs) RunAnalytics(ctx context.Context) (Report, error) {
	var c counters
	if j.deps.LLM == nil || j.deps.Analytics == nil {
		return c.report(), nil
	}
	store := j.deps.Calls.Store()
	candidates, err := store.ListAnalyticsCandidates(ctx, j.pending())
	if err != nil {
		return c.report(), fmt.Errorf("list analytics candidates: %w", err)
	}
	c.seen.Store(int64(len(candidates)))

	err = each(ctx, j.opts.Concurrency, candidates, func(ctx context.Context, call calls.Call) error {
		log := j.log.With("task", TaskAnalytics, "call_id", call.ID)

		if _, err := j.deps.Analytics.Get(ctx, call.ID); err == nil {
			c.skipped.Add(1)
			return j.markAnalyzed(ctx, store, call.ID)
		} else if !errors.Is(err, analytics.ErrNotFound) {
			return fmt.Errorf("load analytics record %s: %w", call.ID, err)
		}

		t, err := store.GetTranscript(ctx, call.ID)
		if errors.Is(err, calls.ErrNotFound) {
			return j.stageFailed(ctx, &c, log, call.ID, calls.StageAnalytics, "call flagged transcribed without a transcript", nil)
		}
		if err != nil {
			return fmt.Errorf("load transcript %s: %w", call.ID, err)
		}

		rec := analytics.Record{CallID: call.ID, Sentiment: string(llm.SentimentNeutral), Topics: []string{}}
		if t.Text != "" {
			emb, err := j.deps.LLM.Embed(ctx, t.Text)
			if err != nil {
				return j.stageFailed(ctx, &c, log, call.ID, calls.StageAnalytics, "embed transcript failed", err)
			}
			cls, err := llm.ClassifyTranscript(ctx, j.deps.LLM, t.Text)
			if err != nil {
				return j.stageFailed(ctx, &c, log, call.ID, calls.StageAnalytics, "classify transcript failed", err)
			}
			rec.Embedding = emb
			rec.Sentiment = string(cls.Sentiment)
			rec.Topics = cls.Topics
		}
		rec.ProcessedAt = j.clock().UTC()

		wrote, err := j.deps.Analytics.InsertIfAbsent(ctx, rec)
		if err != nil {
			return fmt.Errorf("insert analytics record %s: %w", call.ID, err)
		}
		if wrote {
			c.processed.Add(1)
		} else {
			c.skipped.Add(1)
		}
		return j.markAnalyzed(ctx, store, call.ID)
	})
	return c.report(), err
}

func (j *Jobs) markAnalyzed(ctx context.Context, store calls.Store, id string) error {
	if err := store.MarkAnalyzed(ctx, id); err != nil {
		return fmt.Errorf("mark analyzed %s: %w", id, err)
	}
	return nil
}
