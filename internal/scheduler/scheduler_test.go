package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RegisterRejectsDuplicatesAndBadSpecs(t *testing.T) {
	s := New(slog.Default(), Options{})
	noop := NewTask("sweep", func(ctx context.Context) error { return nil })

	if err := s.Register(noop, "@every 30m"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := s.Register(noop, "@every 1h"); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	if err := s.Register(NewTask("bad", func(ctx context.Context) error { return nil }), "not a spec"); err == nil {
		t.Fatalf("expected spec error")
	}
	entries := s.Entries()
	if len(entries) != 1 || entries[0].Name != "sweep" || entries[0].Spec != "@every 30m" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestScheduler_RunNowRecoversPanics(t *testing.T) {
	s := New(slog.Default(), Options{})
	_ = s.Register(NewTask("boom", func(ctx context.Context) error { panic("kaboom") }), "@every 1h")

	err := s.RunNow(context.Background(), "boom")
	if err == nil {
		t.Fatalf("expected panic converted to error")
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestScheduler_RunIsTimeBounded(t *testing.T) {
	s := New(slog.Default(), Options{Timeout: 20 * time.Millisecond})
	_ = s.Register(NewTask("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), "@every 1h")

	start := time.Now()
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("run was not bounded")
	}
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := New(slog.Default(), Options{})
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Register(NewTask("long", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}), "@every 1h")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.RunNow(context.Background(), "long")
	}()
	<-started
	if err := s.RunNow(context.Background(), "long"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	wg.Wait()
}

func TestScheduler_CancelIsIndependent(t *testing.T) {
	s := New(slog.Default(), Options{})
	var otherRuns atomic.Int32
	cancelled := make(chan error, 1)
	started := make(chan struct{})

	_ = s.Register(NewTask("a", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled <- ctx.Err()
		return ctx.Err()
	}), "@every 1h")
	_ = s.Register(NewTask("b", func(ctx context.Context) error {
		otherRuns.Add(1)
		return nil
	}), "@every 1h")

	s.mu.Lock()
	a := s.entries["a"]
	s.mu.Unlock()
	go func() { _ = s.run(a.ctx, a) }()
	<-started

	if err := s.Cancel("a"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	select {
	case err := <-cancelled:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("in-flight run not cancelled")
	}
	if err := s.Cancel("a"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask on second cancel")
	}
	if err := s.RunNow(context.Background(), "b"); err != nil || otherRuns.Load() != 1 {
		t.Fatalf("other task must keep working: %v", err)
	}
}

type denyLocker struct{}

func (denyLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	return func() {}, false, nil
}

func TestScheduler_LeaseHeldElsewhere(t *testing.T) {
	s := New(slog.Default(), Options{Locker: denyLocker{}})
	ran := false
	_ = s.Register(NewTask("x", func(ctx context.Context) error { ran = true; return nil }), "@every 1h")
	if err := s.RunNow(context.Background(), "x"); !errors.Is(err, ErrLeaseHeld) || ran {
		t.Fatalf("expected lease to block the run, got %v ran=%v", err, ran)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(slog.Default(), Options{})
	var runs atomic.Int32
	_ = s.Register(NewTask("tick", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}), "@every 1s")
	s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop err: %v", err)
	}
	if runs.Load() == 0 {
		t.Fatalf("expected the task to run at least once")
	}
}
