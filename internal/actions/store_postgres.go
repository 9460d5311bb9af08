package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/promptsync/internal/reliability"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying owner ids of changed records.
const NotifyChannel = "promptsync_changes"

type PostgresStore struct {
	pool *pgxpool.Pool

	mu   sync.RWMutex
	hook ChangeFunc
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS action_records (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			displayed_at TIMESTAMPTZ NULL,
			resolved_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_action_records_owner_created ON action_records (owner_id, created_at DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_action_records_active_pair
			ON action_records (owner_id, subject_id) WHERE status IN ('pending', 'displayed');`,
		`CREATE TABLE IF NOT EXISTS action_subjects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS action_outcomes (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL REFERENCES action_records(id) ON DELETE CASCADE,
			owner_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			score INTEGER NOT NULL DEFAULT 0,
			comment TEXT NOT NULL DEFAULT '',
			comment_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_action_outcomes_subject_created ON action_outcomes (subject_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init action schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const recordColumns = `id, owner_id, subject_id, kind, status, note, created_at, updated_at, displayed_at, resolved_at`

func (s *PostgresStore) SetChangeHook(hook ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Listen delivers NOTIFY payloads to the change hook until ctx is done,
// reconnecting with backoff when the listening connection drops.
func (s *PostgresStore) Listen(ctx context.Context, onError func(error)) error {
	for attempt := 0; ; attempt++ {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if onError != nil {
			onError(err)
		}
		wait := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 10*time.Second)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		s.mu.RLock()
		hook := s.hook
		s.mu.RUnlock()
		notify(hook, n.Payload)
	}
}

func (s *PostgresStore) CreateRecord(ctx context.Context, req CreateRequest) (Record, bool, error) {
	req, err := normalizeCreate(req)
	if err != nil {
		return Record{}, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	row := tx.QueryRow(ctx,
		`INSERT INTO action_records (id, owner_id, subject_id, kind, status, note, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (owner_id, subject_id) WHERE status IN ('pending', 'displayed') DO NOTHING
		 RETURNING `+recordColumns,
		uuid.NewString(), req.OwnerID, req.SubjectID, string(req.Kind), string(StatusPending), req.Note, now,
	)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanRecord(tx.QueryRow(ctx,
			`SELECT `+recordColumns+` FROM action_records
			  WHERE owner_id=$1 AND subject_id=$2 AND status IN ('pending', 'displayed')`,
			req.OwnerID, req.SubjectID,
		))
		if err != nil {
			return Record{}, false, fmt.Errorf("load active record: %w", err)
		}
		return existing, true, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("insert record: %w", err)
	}
	if err := notifyTx(ctx, tx, r.OwnerID); err != nil {
		return Record{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, false, fmt.Errorf("commit tx: %w", err)
	}
	return r, false, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM action_records WHERE id=$1`, strings.TrimSpace(recordID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListActive(ctx context.Context, ownerID string) ([]Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM action_records
		  WHERE owner_id=$1 AND status IN ('pending', 'displayed')
		  ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM action_records
		  WHERE owner_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		ownerID, clampLimit(limit, 50),
	)
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Transition(ctx context.Context, recordID string, to Status, from ...Status) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := lockRecord(ctx, tx, recordID)
	if err != nil {
		return Record{}, err
	}
	noop, err := checkTransition(r, to, from)
	if err != nil || noop {
		return r, err
	}
	r.applyTransition(to, time.Now().UTC())
	if err := updateStatus(ctx, tx, r); err != nil {
		return Record{}, err
	}
	if err := notifyTx(ctx, tx, r.OwnerID); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("commit tx: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Complete(ctx context.Context, outcome Outcome) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := lockRecord(ctx, tx, outcome.RecordID)
	if err != nil {
		return Record{}, err
	}
	if !r.Status.Active() {
		return r, fmt.Errorf("%w: record %s is %s", ErrStaleTransition, r.ID, r.Status)
	}
	now := time.Now().UTC()
	outcome = fillOutcome(outcome, r, now)
	r.applyTransition(StatusCompleted, now)

	if _, err := tx.Exec(ctx,
		`INSERT INTO action_outcomes (id, record_id, owner_id, subject_id, score, comment, comment_redacted, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		outcome.ID, outcome.RecordID, outcome.OwnerID, outcome.SubjectID,
		outcome.Score, outcome.Comment, outcome.CommentRedacted, outcome.CreatedAt,
	); err != nil {
		return Record{}, fmt.Errorf("insert outcome: %w", err)
	}
	if err := updateStatus(ctx, tx, r); err != nil {
		return Record{}, err
	}
	if err := notifyTx(ctx, tx, r.OwnerID); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("commit tx: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) SaveSubject(ctx context.Context, subject Subject) error {
	subject.ID = strings.TrimSpace(subject.ID)
	if subject.ID == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidRequest)
	}
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO action_subjects (id, name, kind, created_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, kind=EXCLUDED.kind`,
		subject.ID, subject.Name, subject.Kind, subject.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subject: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubject(ctx context.Context, subjectID string) (Subject, error) {
	var subject Subject
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, kind, created_at FROM action_subjects WHERE id=$1`,
		strings.TrimSpace(subjectID),
	).Scan(&subject.ID, &subject.Name, &subject.Kind, &subject.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subject{}, ErrSubjectNotFound
		}
		return Subject{}, fmt.Errorf("get subject: %w", err)
	}
	return subject, nil
}

func (s *PostgresStore) DeleteSubject(ctx context.Context, subjectID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM action_subjects WHERE id=$1`, strings.TrimSpace(subjectID))
	if err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, subjectID string, limit int) ([]Outcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, record_id, owner_id, subject_id, score, comment, comment_redacted, created_at
		   FROM action_outcomes WHERE subject_id=$1 ORDER BY created_at DESC LIMIT $2`,
		subjectID, clampLimit(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]Outcome, 0, 8)
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.ID, &o.RecordID, &o.OwnerID, &o.SubjectID, &o.Score, &o.Comment, &o.CommentRedacted, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func lockRecord(ctx context.Context, tx pgx.Tx, recordID string) (Record, error) {
	r, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM action_records WHERE id=$1 FOR UPDATE`, strings.TrimSpace(recordID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("lock record: %w", err)
	}
	return r, nil
}

func updateStatus(ctx context.Context, tx pgx.Tx, r Record) error {
	_, err := tx.Exec(ctx,
		`UPDATE action_records SET status=$2, updated_at=$3, displayed_at=$4, resolved_at=$5 WHERE id=$1`,
		r.ID, string(r.Status), r.UpdatedAt, r.DisplayedAt, r.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	return nil
}

func notifyTx(ctx context.Context, tx pgx.Tx, ownerID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, ownerID); err != nil {
		return fmt.Errorf("notify change: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r           Record
		kind        string
		status      string
		displayedAt *time.Time
		resolvedAt  *time.Time
	)
	if err := row.Scan(
		&r.ID,
		&r.OwnerID,
		&r.SubjectID,
		&kind,
		&status,
		&r.Note,
		&r.CreatedAt,
		&r.UpdatedAt,
		&displayedAt,
		&resolvedAt,
	); err != nil {
		return Record{}, err
	}
	r.Kind = Kind(kind)
	r.Status = Status(status)
	r.DisplayedAt = displayedAt
	r.ResolvedAt = resolvedAt
	return r, nil
}
