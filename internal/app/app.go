// Package app assembles the collaborators shared by the api and worker binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"voice-platform/internal/analytics"
	"voice-platform/internal/audit"
	"voice-platform/internal/calls"
	"voice-platform/internal/config"
	"voice-platform/internal/llm"
	"voice-platform/internal/metrics"
	"voice-platform/internal/realtime"
	"voice-platform/internal/reconcile"
	"voice-platform/internal/storage"
	"voice-platform/internal/telephony"
	"voice-platform/internal/transcription"
	"voice-platform/pkg/utils"
)

// Deps is everything wired from Config. Redis, Bridge, Archive, Transcriber and LLM are nil
// when not configured.
type Deps struct {
	Config config.Config
	Log    *slog.Logger

	DB    *sql.DB
	Redis *redis.Client

	Calls     *calls.Service
	Audit     *audit.Service
	Metrics   *metrics.Registry
	Analytics *analytics.GormRepository

	Hub         *realtime.Hub
	Bridge      *realtime.RedisBridge
	Broadcaster *realtime.Broadcaster

	Archive     storage.RecordingArchive
	Transcriber transcription.Requester
	LLM         llm.Client

	closers []func() error
}

// Options picks what a process needs beyond the shared core.
type Options struct {
	// LocalHub attaches an in-process hub for websocket observers (api only).
	LocalHub bool
	// Pipeline builds the storage, transcription and LLM clients (worker only).
	Pipeline bool
}

// Build opens connections and wires services. On error everything opened so far is closed.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger, opts Options) (*Deps, error) {
	d := &Deps{Config: cfg, Log: log, Metrics: metrics.NewRegistry()}
	built := false
	defer func() {
		if !built {
			_ = d.Close()
		}
	}()

	var err error
	d.DB, err = utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	d.closers = append(d.closers, d.DB.Close)

	gdb, err := analytics.Open(cfg.PostgresDSN())
	if err != nil {
		return nil, err
	}
	if sqlDB, derr := gdb.DB(); derr == nil {
		d.closers = append(d.closers, sqlDB.Close)
	}
	d.Analytics = analytics.NewGormRepository(gdb)

	if cfg.Redis.Enabled() {
		d.Redis, err = utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		d.closers = append(d.closers, d.Redis.Close)
		d.Bridge = realtime.NewRedisBridge(d.Redis, cfg.Realtime.Channel, log)
	} else {
		log.Warn("redis not configured; realtime stays in-process and webhook dedupe is off")
	}

	if opts.LocalHub {
		d.Hub = realtime.NewHub()
	}
	var remote realtime.RemotePublisher
	if d.Bridge != nil {
		remote = d.Bridge
	}
	d.Broadcaster = realtime.NewBroadcaster(d.Hub, remote, cfg.Realtime.OutboxSize, log)

	d.Audit = audit.NewService(audit.NewPostgresRepo(d.DB), log)

	dialer, err := newDialer(cfg, log)
	if err != nil {
		return nil, err
	}
	d.Calls = calls.NewService(
		calls.NewPostgresStore(d.DB),
		dialer,
		calls.ServiceConfig{
			DefaultFrom:          cfg.Twilio.FromNumber,
			StatusCallbackURL:    cfg.StatusCallbackURL(),
			RecordingCallbackURL: cfg.RecordingCallbackURL(),
			Record:               cfg.Twilio.Record,
		},
		log,
		d.Broadcaster, d.Audit, d.Metrics,
	)

	if opts.Pipeline {
		if err := d.buildPipeline(ctx); err != nil {
			return nil, err
		}
	}
	built = true
	return d, nil
}

func newDialer(cfg config.Config, log *slog.Logger) (telephony.Provider, error) {
	p, err := telephony.NewTwilioProvider(telephony.TwilioConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		AnswerURL:  cfg.Twilio.AnswerURL,
	})
	if errors.Is(err, telephony.ErrNotConfigured) {
		log.Warn("twilio not configured; using sandbox provider")
		return telephony.NewSandboxProvider(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("twilio: %w", err)
	}
	return p, nil
}

func (d *Deps) buildPipeline(ctx context.Context) error {
	cfg := d.Config

	s3, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.Storage.Region,
		AccessKeyID:          cfg.Storage.AccessKeyID,
		SecretAccessKey:      cfg.Storage.SecretAccessKey,
		RecordingsBucket:     cfg.Storage.RecordingsBucket,
		Endpoint:             cfg.Storage.Endpoint,
		PresignExpireMinutes: cfg.Storage.PresignExpireMinutes,
		SourceUsername:       cfg.Twilio.AccountSID,
		SourcePassword:       cfg.Twilio.AuthToken,
	}, d.Log)
	switch {
	case errors.Is(err, storage.ErrNotConfigured):
		d.Log.Warn("recording archive not configured; provider recording urls are used directly")
	case err != nil:
		return fmt.Errorf("s3: %w", err)
	default:
		d.Archive = s3
	}

	dg, err := transcription.NewDeepgramClient(transcription.DeepgramConfig{
		APIKey:  cfg.Transcription.APIKey,
		BaseURL: cfg.Transcription.BaseURL,
		Model:   cfg.Transcription.Model,
	})
	switch {
	case errors.Is(err, transcription.ErrNotConfigured):
		d.Log.Warn("transcription not configured; recording processor idles")
	case err != nil:
		return fmt.Errorf("deepgram: %w", err)
	default:
		d.Transcriber = dg
	}

	gem, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
		APIKey:         cfg.LLM.GeminiAPIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        cfg.LLM.Timeout,
	})
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		d.Log.Warn("llm not configured; transcript and analytics jobs idle")
	case err != nil:
		return fmt.Errorf("gemini: %w", err)
	default:
		d.LLM = gem
	}
	return nil
}

// Jobs builds the reconciliation jobs from the pipeline clients.
func (d *Deps) Jobs() *reconcile.Jobs {
	cfg := d.Config
	deps := reconcile.Deps{
		Calls:       d.Calls,
		Archive:     d.Archive,
		Transcriber: d.Transcriber,
		LLM:         d.LLM,
	}
	if d.Analytics != nil {
		deps.Analytics = d.Analytics
	}
	return reconcile.NewJobs(deps, reconcile.Options{
		BatchLimit:    cfg.Scheduler.BatchLimit,
		Concurrency:   cfg.Scheduler.Concurrency,
		StaleAfter:    cfg.Scheduler.StaleAfter,
		PublicBaseURL: cfg.App.PublicBaseURL,
		CallbackToken: cfg.Transcription.CallbackToken,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		Retry:         calls.Backoff{Base: cfg.Scheduler.RetryBase, Max: cfg.Scheduler.RetryMax},
		LLMTimeout:    cfg.LLM.Timeout,
	}, d.Log)
}

// Specs maps configured schedules onto task names.
func (d *Deps) Specs() reconcile.Specs {
	s := d.Config.Scheduler
	return reconcile.Specs{
		reconcile.TaskStaleSweep:  s.SweepSchedule,
		reconcile.TaskRecordings:  s.RecordingSchedule,
		reconcile.TaskTranscripts: s.TranscriptSchedule,
		reconcile.TaskAnalytics:   s.AnalyticsSchedule,
	}
}

// Migrate applies the embedded SQL migrations, then the analytics tables.
func (d *Deps) Migrate(ctx context.Context) ([]string, error) {
	applied, err := utils.Migrate(ctx, d.DB)
	if err != nil {
		return applied, err
	}
	if err := d.Analytics.Migrate(); err != nil {
		return applied, err
	}
	return applied, nil
}

// Close releases connections in reverse order of opening.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
