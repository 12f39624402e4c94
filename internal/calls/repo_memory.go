package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development.
// A single mutex makes every ApplyTransition atomic.
type MemoryStore struct {
	mu sync.Mutex

	calls       map[string]Call
	byProvider  map[string]string
	transcripts map[string]Transcript
	attempts    map[stageKey]stageAttempt

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:       map[string]Call{},
		byProvider:  map[string]string{},
		transcripts: map[string]Transcript{},
		attempts:    map[stageKey]stageAttempt{},
		clock:       time.Now,
	}
}

// WithClock replaces the time source; tests use it to age calls.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) now() time.Time { return s.clock().UTC() }

func (s *MemoryStore) Create(ctx context.Context, c Call) (Call, error) {
	if err := validateNew(c); err != nil {
		return Call{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ProviderCallID != "" {
		if _, taken := s.byProvider[c.ProviderCallID]; taken {
			return Call{}, ErrDuplicateProviderID
		}
	}
	now := s.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Direction == "" {
		c.Direction = DirectionOutbound
	}
	c.Status = CallStatusInitiating
	c.DurationSeconds = nil
	c.EndedAt = nil
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	s.calls[c.ID] = c
	if c.ProviderCallID != "" {
		s.byProvider[c.ProviderCallID] = c.ID
	}
	return c, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) FindByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProvider[providerCallID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return s.calls[id], nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, f ListFilter) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0)
	for _, c := range s.calls {
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && c.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !c.CreatedAt.Before(f.To) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, ref Ref, ev Event) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ref.ID
	if id == "" {
		var ok bool
		if id, ok = s.byProvider[ref.ProviderCallID]; !ok {
			return Result{}, ErrNotFound
		}
	}
	cur, ok := s.calls[id]
	if !ok {
		return Result{}, ErrNotFound
	}

	d := Decide(cur, ev, s.now())
	if d.Outcome != OutcomeApplied {
		return resultFrom(cur, d), nil
	}
	if pid := d.Next.ProviderCallID; pid != "" && pid != cur.ProviderCallID {
		if owner, taken := s.byProvider[pid]; taken && owner != id {
			return Result{}, ErrDuplicateProviderID
		}
		s.byProvider[pid] = id
	}
	s.calls[id] = d.Next
	return resultFrom(cur, d), nil
}

func (s *MemoryStore) SweepStale(ctx context.Context, olderThan time.Time, statuses []CallStatus, limit int) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[CallStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]Call, 0)
	for _, c := range s.calls {
		if want[c.Status] && c.CreatedAt.Before(olderThan) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return capped(out, limit), nil
}

func (s *MemoryStore) AttachRecording(ctx context.Context, id, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.RecordingURL != "" || url == "" {
		return false, nil
	}
	c.RecordingURL = url
	c.UpdatedAt = s.now()
	s.calls[id] = c
	return true, nil
}

func (s *MemoryStore) MarkRecordingArchived(ctx context.Context, id, key string) error {
	return s.update(id, func(c *Call) { c.RecordingKey = key })
}

func (s *MemoryStore) ListAwaitingTranscription(ctx context.Context, p Pending) ([]Call, error) {
	return s.filterDue(p, StageTranscription, func(c Call) bool {
		return c.Status == CallStatusCompleted && c.RecordingURL != "" && c.TranscriptionRequestedAt == nil
	}), nil
}

func (s *MemoryStore) MarkTranscriptionRequested(ctx context.Context, id string) error {
	now := s.now()
	return s.update(id, func(c *Call) {
		if c.TranscriptionRequestedAt == nil {
			c.TranscriptionRequestedAt = timePtr(now)
		}
	})
}

func (s *MemoryStore) UpsertTranscript(ctx context.Context, t Transcript) (Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[t.CallID]
	if !ok {
		return Transcript{}, ErrNotFound
	}
	if !c.Status.IsTerminal() {
		return Transcript{}, ErrCallNotTerminal
	}
	now := s.now()
	if prev, exists := s.transcripts[t.CallID]; exists {
		t.CreatedAt = prev.CreatedAt
		if t.Summary == "" {
			t.Summary = prev.Summary
		}
		if t.SentimentScore == nil {
			t.SentimentScore = prev.SentimentScore
		}
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.transcripts[t.CallID] = t
	return t, nil
}

func (s *MemoryStore) GetTranscript(ctx context.Context, callID string) (Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[callID]
	if !ok {
		return Transcript{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) MarkTranscriptReady(ctx context.Context, callID string) error {
	now := s.now()
	return s.update(callID, func(c *Call) {
		if c.TranscriptReadyAt == nil {
			c.TranscriptReadyAt = timePtr(now)
		}
	})
}

func (s *MemoryStore) ListTranscriptsMissingInsights(ctx context.Context, p Pending) ([]Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.pendingNow(p)
	out := make([]Transcript, 0)
	for _, t := range s.transcripts {
		if t.Text != "" && (t.Summary == "" || t.SentimentScore == nil) && s.due(t.CallID, StageInsights, p, now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.dueAt(out[i].CallID, StageInsights, out[i].CreatedAt).Before(s.dueAt(out[j].CallID, StageInsights, out[j].CreatedAt))
	})
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateTranscriptInsights(ctx context.Context, callID, summary string, sentiment *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[callID]
	if !ok {
		return ErrNotFound
	}
	if t.Summary == "" {
		t.Summary = summary
	}
	if t.SentimentScore == nil && sentiment != nil {
		v := ClampSentiment(*sentiment)
		t.SentimentScore = &v
	}
	t.UpdatedAt = s.now()
	s.transcripts[callID] = t
	return nil
}

func (s *MemoryStore) ListAnalyticsCandidates(ctx context.Context, p Pending) ([]Call, error) {
	return s.filterDue(p, StageAnalytics, func(c Call) bool {
		return c.Status == CallStatusCompleted && c.TranscriptReadyAt != nil && c.AnalyzedAt == nil
	}), nil
}

func (s *MemoryStore) MarkAnalyzed(ctx context.Context, id string) error {
	now := s.now()
	return s.update(id, func(c *Call) {
		if c.AnalyzedAt == nil {
			c.AnalyzedAt = timePtr(now)
		}
	})
}

func (s *MemoryStore) update(id string, fn func(c *Call)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	fn(&c)
	c.UpdatedAt = s.now()
	s.calls[id] = c
	return nil
}

func (s *MemoryStore) RecordStageFailure(ctx context.Context, callID string, stage Stage, reason string, b Backoff) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[callID]; !ok {
		return 0, ErrNotFound
	}
	k := stageKey{callID, stage}
	a := s.attempts[k]
	a.count++
	a.next = s.now().Add(b.Delay(a.count))
	a.lastError = reason
	s.attempts[k] = a
	return a.count, nil
}

type stageKey struct {
	callID string
	stage  Stage
}

type stageAttempt struct {
	count     int
	next      time.Time
	lastError string
}

func (s *MemoryStore) pendingNow(p Pending) time.Time {
	if p.Now.IsZero() {
		return s.now()
	}
	return p.Now
}

// due reports whether callID may be tried at stage. Callers hold s.mu.
func (s *MemoryStore) due(callID string, stage Stage, p Pending, now time.Time) bool {
	a, ok := s.attempts[stageKey{callID, stage}]
	if !ok {
		return true
	}
	if p.MaxAttempts > 0 && a.count >= p.MaxAttempts {
		return false
	}
	return !a.next.After(now)
}

func (s *MemoryStore) dueAt(callID string, stage Stage, created time.Time) time.Time {
	if a, ok := s.attempts[stageKey{callID, stage}]; ok {
		return a.next
	}
	return created
}

func (s *MemoryStore) filterDue(p Pending, stage Stage, keep func(Call) bool) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.pendingNow(p)
	out := make([]Call, 0)
	for _, c := range s.calls {
		if keep(c) && s.due(c.ID, stage, p, now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.dueAt(out[i].ID, stage, out[i].CreatedAt).Before(s.dueAt(out[j].ID, stage, out[j].CreatedAt))
	})
	return capped(out, p.Limit)
}

func capped(in []Call, limit int) []Call {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
