package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"voice-platform/internal/app"
	"voice-platform/internal/config"
	"voice-platform/internal/scheduler"
	"voice-platform/pkg/logger"
)

// bootstrap loads configuration and wires the worker's dependencies.
func bootstrap(ctx context.Context) (*app.Deps, error) {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.App.Env, "worker")
	slog.SetDefault(log)

	deps, err := app.Build(ctx, cfg, log, app.Options{Pipeline: true})
	if err != nil {
		return nil, err
	}
	return deps, nil
}

// newScheduler builds a scheduler with every reconcile job registered. The Redis lease is
// used when Redis is configured so replicas take turns.
func newScheduler(deps *app.Deps) (*scheduler.Scheduler, error) {
	loc, err := time.LoadLocation(deps.Config.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone: %w", err)
	}
	opts := scheduler.Options{Timeout: deps.Config.Scheduler.TaskTimeout, Location: loc}
	if deps.Redis != nil {
		opts.Locker = scheduler.NewRedisLocker(deps.Redis)
	}
	s := scheduler.New(deps.Log, opts)
	if err := deps.Jobs().Register(s, deps.Specs()); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	return s, nil
}

// startBroadcaster drains realtime events (sweep terminations) to Redis until the returned
// stop func is called; stop waits for the final flush.
func startBroadcaster(deps *app.Deps) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		deps.Broadcaster.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
