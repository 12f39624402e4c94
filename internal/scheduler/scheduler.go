package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one named periodic job.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type funcTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (t funcTask) Name() string                  { return t.name }
func (t funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// NewTask adapts a function to Task.
func NewTask(name string, fn func(ctx context.Context) error) Task {
	return funcTask{name: name, fn: fn}
}

var (
	ErrDuplicateTask  = errors.New("scheduler: task already registered")
	ErrUnknownTask    = errors.New("scheduler: unknown task")
	ErrAlreadyRunning = errors.New("scheduler: task already running")
	ErrLeaseHeld      = errors.New("scheduler: task lease held elsewhere")
)

// Locker provides a cross-process lease so replicas do not run the same task at once.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type Options struct {
	// Timeout bounds a single run. Zero uses 10 minutes.
	Timeout time.Duration
	Locker  Locker
	// Location for cron expressions. Nil is UTC.
	Location *time.Location
}

type entry struct {
	task    Task
	spec    string
	id      cron.EntryID
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Scheduler owns a set of named tasks. Each run is time-bounded, recovered from panics and
// logged; a task never overlaps with itself.
type Scheduler struct {
	cron    *cron.Cron
	log     *slog.Logger
	timeout time.Duration
	locker  Locker

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

func New(log *slog.Logger, opts Options) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       c,
		log:        log,
		timeout:    opts.Timeout,
		locker:     opts.Locker,
		baseCtx:    ctx,
		baseCancel: cancel,
		entries:    map[string]*entry{},
	}
}

// Register adds task on spec ("@every 30m", "0 * * * *", ...). Names are unique.
func (s *Scheduler) Register(task Task, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := task.Name()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	e := &entry{task: task, spec: spec, ctx: ctx, cancel: cancel}
	id, err := s.cron.AddFunc(spec, func() {
		if err := s.run(e.ctx, e); err != nil && !errors.Is(err, ErrAlreadyRunning) && !errors.Is(err, ErrLeaseHeld) {
			s.log.Error("task failed", "task", name, "err", err)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("scheduler: task %s: bad spec %q: %w", name, spec, err)
	}
	e.id = id
	s.entries[name] = e
	return nil
}

// Cancel removes a task and aborts its in-flight run, leaving the others untouched.
func (s *Scheduler) Cancel(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	s.cron.Remove(e.id)
	e.cancel()
	s.log.Info("task cancelled", "task", name)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "tasks", len(s.Entries()))
}

// Stop prevents new runs and waits for in-flight ones. If ctx expires first the running
// tasks are cancelled and Stop returns ctx's error.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.baseCancel()
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.baseCancel()
		<-done
		s.log.Warn("scheduler stopped after cancelling running tasks")
		return ctx.Err()
	}
}

// RunNow runs a registered task once, synchronously, with the same guards as a scheduled run.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) run(parent context.Context, e *entry) (err error) {
	name := e.task.Name()
	if !e.running.CompareAndSwap(false, true) {
		s.log.Warn("task skipped, previous run still active", "task", name)
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	if s.locker != nil {
		release, ok, lerr := s.locker.TryLock(ctx, "scheduler:task:"+name, s.timeout)
		if lerr != nil {
			return fmt.Errorf("task %s lease: %w", name, lerr)
		}
		if !ok {
			s.log.Info("task skipped, lease held by another worker", "task", name)
			return ErrLeaseHeld
		}
		defer release()
	}

	start := time.Now()
	log := s.log.With("task", name)
	log.Info("task started")
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", name, p)
			log.Error("task panicked", "panic", p, "stack", string(debug.Stack()))
		}
		attrs := []any{"duration_ms", time.Since(start).Milliseconds()}
		if err != nil {
			log.Error("task finished with error", append(attrs, "err", err)...)
			return
		}
		log.Info("task finished", attrs...)
	}()

	return e.task.Run(ctx)
}

// EntryInfo describes a registered task.
type EntryInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
	Running bool      `json:"running"`
}

func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, EntryInfo{Name: name, Spec: e.spec, Next: ce.Next, Prev: ce.Prev, Running: e.running.Load()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger bridges cron's logger onto slog. Cron's own Info chatter is demoted to debug.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
