package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"voice-platform/pkg/utils"
)

// NOTE: PostgresStore assumes the tables created by pkg/utils migrations:
// - calls (provider_call_id UNIQUE, nullable)
// - transcripts (call_id PRIMARY KEY REFERENCES calls)
//
// Status changes are compare-and-set on the observed status, so two webhooks racing on
// the same row cannot both win the same edge.

type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) now() time.Time { return s.clock().UTC() }

const callColumns = `
id, COALESCE(provider_call_id, ''), user_id, from_number, to_number, direction, status, duration,
recording_url, recording_key, end_reason, transcription_requested_at, transcript_ready_at, analyzed_at,
created_at, ended_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c        Call
		duration sql.NullInt64
		trReq    sql.NullTime
		trReady  sql.NullTime
		analyzed sql.NullTime
		ended    sql.NullTime
	)
	if err := row.Scan(
		&c.ID,
		&c.ProviderCallID,
		&c.UserID,
		&c.From,
		&c.To,
		&c.Direction,
		&c.Status,
		&duration,
		&c.RecordingURL,
		&c.RecordingKey,
		&c.EndReason,
		&trReq,
		&trReady,
		&analyzed,
		&c.CreatedAt,
		&ended,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	if duration.Valid {
		c.DurationSeconds = intPtr(int(duration.Int64))
	}
	c.TranscriptionRequestedAt = nullTime(trReq)
	c.TranscriptReadyAt = nullTime(trReady)
	c.AnalyzedAt = nullTime(analyzed)
	c.EndedAt = nullTime(ended)
	return c, nil
}

func scanCalls(rows *sql.Rows) ([]Call, error) {
	defer rows.Close()
	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) Create(ctx context.Context, c Call) (Call, error) {
	if err := validateNew(c); err != nil {
		return Call{}, err
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

	const q = `
INSERT INTO calls (id, provider_call_id, user_id, from_number, to_number, direction, status, created_at, updated_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)
`
	if _, err := s.db.ExecContext(ctx, q,
		c.ID, c.ProviderCallID, c.UserID, c.From, c.To, c.Direction, c.Status, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return Call{}, ErrDuplicateProviderID
		}
		return Call{}, fmt.Errorf("insert call: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Call, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Call{}, ErrNotFound
	}
	return scanCall(s.db.QueryRowContext(ctx, `SELECT`+callColumns+` FROM calls WHERE id = $1`, id))
}

func (s *PostgresStore) FindByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	if providerCallID == "" {
		return Call{}, ErrNotFound
	}
	return scanCall(s.db.QueryRowContext(ctx, `SELECT`+callColumns+` FROM calls WHERE provider_call_id = $1`, providerCallID))
}

func (s *PostgresStore) get(ctx context.Context, ref Ref) (Call, error) {
	if ref.ID != "" {
		return s.Get(ctx, ref.ID)
	}
	return s.FindByProviderID(ctx, ref.ProviderCallID)
}

func (s *PostgresStore) ListRecent(ctx context.Context, f ListFilter) ([]Call, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	q := `SELECT` + callColumns + ` FROM calls`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

// ApplyTransition reads the row, lets Decide pick the next state and writes it back only if
// the status is still the one observed. A lost race re-reads and decides again.
func (s *PostgresStore) ApplyTransition(ctx context.Context, ref Ref, ev Event) (Result, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		cur, err := s.get(ctx, ref)
		if err != nil {
			return Result{}, err
		}
		d := Decide(cur, ev, s.now())
		if d.Outcome != OutcomeApplied {
			return resultFrom(cur, d), nil
		}

		won, err := s.compareAndSet(ctx, cur.Status, d.Next)
		if err != nil {
			return Result{}, err
		}
		if won {
			return resultFrom(cur, d), nil
		}
	}
	return Result{}, fmt.Errorf("%w: %s", errTransitionContended, ref)
}

func (s *PostgresStore) compareAndSet(ctx context.Context, observed CallStatus, next Call) (bool, error) {
	// ended_at and duration are write-once.
	const q = `
UPDATE calls
SET provider_call_id = COALESCE(provider_call_id, NULLIF($3, '')),
    status = $4,
    duration = COALESCE(duration, $5),
    ended_at = COALESCE(ended_at, $6),
    end_reason = CASE WHEN end_reason = '' THEN $7 ELSE end_reason END,
    recording_url = CASE WHEN recording_url = '' THEN $8 ELSE recording_url END,
    updated_at = $9
WHERE id = $1 AND status = $2
`
	var duration sql.NullInt64
	if next.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*next.DurationSeconds), Valid: true}
	}
	var ended sql.NullTime
	if next.EndedAt != nil {
		ended = sql.NullTime{Time: *next.EndedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, q,
		next.ID, observed, next.ProviderCallID, next.Status, duration, ended, next.EndReason, next.RecordingURL, next.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrDuplicateProviderID
		}
		return false, fmt.Errorf("update call status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) SweepStale(ctx context.Context, olderThan time.Time, statuses []CallStatus, limit int) ([]Call, error) {
	if len(statuses) == 0 {
		return []Call{}, nil
	}
	args := []any{olderThan}
	marks := make([]string, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, st)
		marks = append(marks, fmt.Sprintf("$%d", len(args)))
	}
	args = append(args, limit)
	q := `SELECT` + callColumns + ` FROM calls
WHERE created_at < $1 AND status IN (` + strings.Join(marks, ", ") + `)
ORDER BY created_at ASC
LIMIT $` + fmt.Sprint(len(args))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func (s *PostgresStore) AttachRecording(ctx context.Context, id, url string) (bool, error) {
	if url == "" {
		return false, nil
	}
	const q = `UPDATE calls SET recording_url = $2, updated_at = $3 WHERE id = $1 AND recording_url = ''`
	res, err := s.db.ExecContext(ctx, q, id, url, s.now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (s *PostgresStore) exec(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRecordingArchived(ctx context.Context, id, key string) error {
	return s.exec(ctx, `UPDATE calls SET recording_key = $2, updated_at = $3 WHERE id = $1`, id, key, s.now())
}

// dueFilter and dueOrder scope a pipeline listing to rows whose stage is not exhausted or
// backing off. $1 is the stage, $2 the attempt cap and $3 now; owner is the call id column.
func dueFilter(owner string) string {
	return ` AND NOT EXISTS (
    SELECT 1 FROM pipeline_attempts pa
    WHERE pa.call_id = ` + owner + ` AND pa.stage = $1 AND (pa.attempts >= $2 OR pa.next_attempt_at > $3))`
}

func dueOrder(owner, created string) string {
	return `
ORDER BY COALESCE((SELECT pa.next_attempt_at FROM pipeline_attempts pa WHERE pa.call_id = ` + owner + ` AND pa.stage = $1), ` + created + `) ASC
LIMIT $4`
}

func (s *PostgresStore) pendingArgs(stage Stage, p Pending) []any {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	now := p.Now
	if now.IsZero() {
		now = s.now()
	}
	var limit any
	if p.Limit > 0 {
		limit = p.Limit
	}
	return []any{stage, maxAttempts, now, limit}
}

func (s *PostgresStore) ListAwaitingTranscription(ctx context.Context, p Pending) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+callColumns+` FROM calls
WHERE status = 'completed' AND recording_url <> '' AND transcription_requested_at IS NULL`+
		dueFilter("calls.id")+dueOrder("calls.id", "calls.created_at"), s.pendingArgs(StageTranscription, p)...)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func (s *PostgresStore) MarkTranscriptionRequested(ctx context.Context, id string) error {
	now := s.now()
	return s.exec(ctx, `UPDATE calls SET transcription_requested_at = COALESCE(transcription_requested_at, $2), updated_at = $2 WHERE id = $1`, id, now)
}

// UpsertTranscript locks the call row so a concurrent delete cannot interleave with the check.
func (s *PostgresStore) UpsertTranscript(ctx context.Context, t Transcript) (Transcript, error) {
	if len(t.Payload) == 0 {
		t.Payload = json.RawMessage(`{}`)
	}
	now := s.now()
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var status CallStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM calls WHERE id = $1 FOR SHARE`, t.CallID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !status.IsTerminal() {
			return ErrCallNotTerminal
		}
		const q = `
INSERT INTO transcripts (call_id, payload, text, summary, sentiment_score, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (call_id) DO UPDATE
SET payload = EXCLUDED.payload,
    text = EXCLUDED.text,
    summary = CASE WHEN EXCLUDED.summary <> '' THEN EXCLUDED.summary ELSE transcripts.summary END,
    sentiment_score = COALESCE(EXCLUDED.sentiment_score, transcripts.sentiment_score),
    updated_at = EXCLUDED.updated_at
RETURNING summary, sentiment_score, created_at, updated_at
`
		var sentiment sql.NullFloat64
		if t.SentimentScore != nil {
			sentiment = sql.NullFloat64{Float64: ClampSentiment(*t.SentimentScore), Valid: true}
		}
		var stored sql.NullFloat64
		if err := tx.QueryRowContext(ctx, q, t.CallID, []byte(t.Payload), t.Text, t.Summary, sentiment, now).
			Scan(&t.Summary, &stored, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return err
		}
		t.SentimentScore = nil
		if stored.Valid {
			v := stored.Float64
			t.SentimentScore = &v
		}
		return nil
	})
	if err != nil {
		return Transcript{}, err
	}
	return t, nil
}

const transcriptColumns = `call_id, payload, text, summary, sentiment_score, created_at, updated_at`

func scanTranscript(row rowScanner) (Transcript, error) {
	var (
		t         Transcript
		payload   []byte
		sentiment sql.NullFloat64
	)
	if err := row.Scan(&t.CallID, &payload, &t.Text, &t.Summary, &sentiment, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transcript{}, ErrNotFound
		}
		return Transcript{}, err
	}
	t.Payload = json.RawMessage(payload)
	if sentiment.Valid {
		v := sentiment.Float64
		t.SentimentScore = &v
	}
	return t, nil
}

func (s *PostgresStore) GetTranscript(ctx context.Context, callID string) (Transcript, error) {
	if _, err := uuid.Parse(callID); err != nil {
		return Transcript{}, ErrNotFound
	}
	return scanTranscript(s.db.QueryRowContext(ctx, `SELECT `+transcriptColumns+` FROM transcripts WHERE call_id = $1`, callID))
}

func (s *PostgresStore) MarkTranscriptReady(ctx context.Context, callID string) error {
	return s.exec(ctx, `UPDATE calls SET transcript_ready_at = COALESCE(transcript_ready_at, $2), updated_at = $2 WHERE id = $1`, callID, s.now())
}

func (s *PostgresStore) ListTranscriptsMissingInsights(ctx context.Context, p Pending) ([]Transcript, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transcriptColumns+` FROM transcripts
WHERE text <> '' AND (summary = '' OR sentiment_score IS NULL)`+
		dueFilter("transcripts.call_id")+dueOrder("transcripts.call_id", "transcripts.created_at"), s.pendingArgs(StageInsights, p)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Transcript, 0)
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateTranscriptInsights(ctx context.Context, callID, summary string, sentiment *float64) error {
	var score sql.NullFloat64
	if sentiment != nil {
		score = sql.NullFloat64{Float64: ClampSentiment(*sentiment), Valid: true}
	}
	return s.exec(ctx, `
UPDATE transcripts
SET summary = CASE WHEN summary = '' THEN $2 ELSE summary END,
    sentiment_score = COALESCE(sentiment_score, $3),
    updated_at = $4
WHERE call_id = $1`, callID, summary, score, s.now())
}

func (s *PostgresStore) ListAnalyticsCandidates(ctx context.Context, p Pending) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+callColumns+` FROM calls
WHERE status = 'completed' AND transcript_ready_at IS NOT NULL AND analyzed_at IS NULL`+
		dueFilter("calls.id")+dueOrder("calls.id", "calls.created_at"), s.pendingArgs(StageAnalytics, p)...)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func (s *PostgresStore) MarkAnalyzed(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE calls SET analyzed_at = COALESCE(analyzed_at, $2), updated_at = $2 WHERE id = $1`, id, s.now())
}

// RecordStageFailure upserts the attempt row. The doubling mirrors Backoff.Delay so the
// schedule does not depend on a read before the write.
func (s *PostgresStore) RecordStageFailure(ctx context.Context, callID string, stage Stage, reason string, b Backoff) (int, error) {
	const q = `
INSERT INTO pipeline_attempts (call_id, stage, attempts, next_attempt_at, last_error, last_failed_at)
VALUES ($1, $2, 1, $3::timestamptz + make_interval(secs => $4::float8), $6, $3::timestamptz)
ON CONFLICT (call_id, stage) DO UPDATE
SET attempts = pipeline_attempts.attempts + 1,
    next_attempt_at = $3::timestamptz + make_interval(secs => LEAST($4::float8 * power(2, pipeline_attempts.attempts), $5::float8)),
    last_error = EXCLUDED.last_error,
    last_failed_at = EXCLUDED.last_failed_at
RETURNING attempts
`
	var attempts int
	err := s.db.QueryRowContext(ctx, q, callID, stage, s.now(), b.Delay(1).Seconds(), b.ceiling().Seconds(), reason).Scan(&attempts)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("record %s failure: %w", stage, err)
	}
	return attempts, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
