package metrics

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/calls"
)

// Registry counts outcomes per operation and accumulates their durations.
// Keys are "<operation>" and "<operation>.<outcome>".
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	timings  map[string]*timing
	started  time.Time
}

type timing struct {
	count   atomic.Int64
	totalNs atomic.Int64
	maxNs   atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{
		counters: map[string]*atomic.Int64{},
		timings:  map[string]*timing{},
		started:  time.Now(),
	}
}

func (r *Registry) counter(key string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[key]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[key]; !ok {
		c = &atomic.Int64{}
		r.counters[key] = c
	}
	return c
}

func (r *Registry) timingFor(op string) *timing {
	r.mu.RLock()
	t, ok := r.timings[op]
	r.mu.RUnlock()
	if ok {
		return t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.timings[op]; !ok {
		t = &timing{}
		r.timings[op] = t
	}
	return t
}

func (r *Registry) Inc(key string) { r.counter(key).Add(1) }

func (r *Registry) Count(key string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[key]; ok {
		return c.Load()
	}
	return 0
}

// Observe records one finished operation with its outcome and elapsed time.
func (r *Registry) Observe(op, outcome string, d time.Duration) {
	r.Inc(op)
	if outcome != "" {
		r.Inc(op + "." + outcome)
	}
	t := r.timingFor(op)
	t.count.Add(1)
	t.totalNs.Add(int64(d))
	for {
		cur := t.maxNs.Load()
		if int64(d) <= cur || t.maxNs.CompareAndSwap(cur, int64(d)) {
			break
		}
	}
}

// AfterTransition counts transition outcomes by event kind.
func (r *Registry) AfterTransition(_ context.Context, ev calls.Event, res calls.Result) {
	r.Inc("transition." + string(ev.Kind) + "." + string(res.Outcome))
	if res.Outcome == calls.OutcomeApplied && res.Current.Status.IsTerminal() {
		r.Inc("call.ended." + string(res.Current.Status))
	}
}

type TimingSnapshot struct {
	Count   int64   `json:"count"`
	TotalMs float64 `json:"total_ms"`
	AvgMs   float64 `json:"avg_ms"`
	MaxMs   float64 `json:"max_ms"`
}

type Snapshot struct {
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Counters      map[string]int64          `json:"counters"`
	Timings       map[string]TimingSnapshot `json:"timings"`
	Gauges        map[string]int64          `json:"gauges,omitempty"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		UptimeSeconds: int64(time.Since(r.started) / time.Second),
		Counters:      make(map[string]int64, len(r.counters)),
		Timings:       make(map[string]TimingSnapshot, len(r.timings)),
	}
	for k, c := range r.counters {
		s.Counters[k] = c.Load()
	}
	for k, t := range r.timings {
		n := t.count.Load()
		total := float64(t.totalNs.Load()) / float64(time.Millisecond)
		ts := TimingSnapshot{Count: n, TotalMs: total, MaxMs: float64(t.maxNs.Load()) / float64(time.Millisecond)}
		if n > 0 {
			ts.AvgMs = total / float64(n)
		}
		s.Timings[k] = ts
	}
	return s
}

// Keys returns counter names in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.counters))
	for k := range r.counters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Handler serves the snapshot as JSON. gauges are sampled at request time.
func (r *Registry) Handler(gauges map[string]func() int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := r.Snapshot()
		if len(gauges) > 0 {
			s.Gauges = make(map[string]int64, len(gauges))
			for name, fn := range gauges {
				s.Gauges[name] = fn()
			}
		}
		c.JSON(http.StatusOK, s)
	}
}
