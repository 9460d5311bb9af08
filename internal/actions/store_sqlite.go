package actions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps records in a single database file. Timestamps are stored
// as unix nanoseconds so ordering matches the in-memory store exactly.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.RWMutex
	hook ChangeFunc
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidRequest)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers, which the active-pair check relies on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS action_records (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			displayed_at INTEGER NULL,
			resolved_at INTEGER NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_action_records_owner_created ON action_records (owner_id, created_at DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_action_records_active_pair
			ON action_records (owner_id, subject_id) WHERE status IN ('pending', 'displayed');`,
		`CREATE TABLE IF NOT EXISTS action_subjects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS action_outcomes (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL REFERENCES action_records(id) ON DELETE CASCADE,
			owner_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			score INTEGER NOT NULL DEFAULT 0,
			comment TEXT NOT NULL DEFAULT '',
			comment_redacted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_action_outcomes_subject_created ON action_outcomes (subject_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SetChangeHook(hook ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *SQLiteStore) changed(ownerID string) {
	s.mu.RLock()
	hook := s.hook
	s.mu.RUnlock()
	notify(hook, ownerID)
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, req CreateRequest) (Record, bool, error) {
	req, err := normalizeCreate(req)
	if err != nil {
		return Record{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM action_records
		  WHERE owner_id=? AND subject_id=? AND status IN ('pending', 'displayed')`,
		req.OwnerID, req.SubjectID,
	))
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, fmt.Errorf("load active record: %w", err)
	}

	now := time.Now().UTC()
	r := Record{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		SubjectID: req.SubjectID,
		Kind:      req.Kind,
		Status:    StatusPending,
		Note:      req.Note,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_records (id, owner_id, subject_id, kind, status, note, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.OwnerID, r.SubjectID, string(r.Kind), string(r.Status), r.Note, now.UnixNano(), now.UnixNano(),
	); err != nil {
		return Record{}, false, fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, false, fmt.Errorf("commit tx: %w", err)
	}
	s.changed(r.OwnerID)
	return r, false, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, recordID string) (Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM action_records WHERE id=?`, strings.TrimSpace(recordID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListActive(ctx context.Context, ownerID string) ([]Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM action_records
		  WHERE owner_id=? AND status IN ('pending', 'displayed')
		  ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM action_records
		  WHERE owner_id=? ORDER BY created_at DESC, id DESC LIMIT ?`,
		ownerID, clampLimit(limit, 50),
	)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
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

func (s *SQLiteStore) Transition(ctx context.Context, recordID string, to Status, from ...Status) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := s.loadInTx(ctx, tx, recordID)
	if err != nil {
		return Record{}, err
	}
	noop, err := checkTransition(r, to, from)
	if err != nil || noop {
		return r, err
	}
	r.applyTransition(to, time.Now().UTC())
	if err := updateSQLiteStatus(ctx, tx, r); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit tx: %w", err)
	}
	s.changed(r.OwnerID)
	return r, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, outcome Outcome) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := s.loadInTx(ctx, tx, outcome.RecordID)
	if err != nil {
		return Record{}, err
	}
	if !r.Status.Active() {
		return r, fmt.Errorf("%w: record %s is %s", ErrStaleTransition, r.ID, r.Status)
	}
	now := time.Now().UTC()
	outcome = fillOutcome(outcome, r, now)
	r.applyTransition(StatusCompleted, now)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_outcomes (id, record_id, owner_id, subject_id, score, comment, comment_redacted, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		outcome.ID, outcome.RecordID, outcome.OwnerID, outcome.SubjectID,
		outcome.Score, outcome.Comment, outcome.CommentRedacted, outcome.CreatedAt.UnixNano(),
	); err != nil {
		return Record{}, fmt.Errorf("insert outcome: %w", err)
	}
	if err := updateSQLiteStatus(ctx, tx, r); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit tx: %w", err)
	}
	s.changed(r.OwnerID)
	return r, nil
}

func (s *SQLiteStore) SaveSubject(ctx context.Context, subject Subject) error {
	subject.ID = strings.TrimSpace(subject.ID)
	if subject.ID == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidRequest)
	}
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_subjects (id, name, kind, created_at) VALUES (?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET name=excluded.name, kind=excluded.kind`,
		subject.ID, subject.Name, subject.Kind, subject.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert subject: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSubject(ctx context.Context, subjectID string) (Subject, error) {
	var (
		subject Subject
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, created_at FROM action_subjects WHERE id=?`,
		strings.TrimSpace(subjectID),
	).Scan(&subject.ID, &subject.Name, &subject.Kind, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subject{}, ErrSubjectNotFound
		}
		return Subject{}, fmt.Errorf("get subject: %w", err)
	}
	subject.CreatedAt = time.Unix(0, created).UTC()
	return subject, nil
}

func (s *SQLiteStore) DeleteSubject(ctx context.Context, subjectID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM action_subjects WHERE id=?`, strings.TrimSpace(subjectID))
	if err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, subjectID string, limit int) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, owner_id, subject_id, score, comment, comment_redacted, created_at
		   FROM action_outcomes WHERE subject_id=? ORDER BY created_at DESC LIMIT ?`,
		subjectID, clampLimit(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]Outcome, 0, 8)
	for rows.Next() {
		var (
			o       Outcome
			created int64
		)
		if err := rows.Scan(&o.ID, &o.RecordID, &o.OwnerID, &o.SubjectID, &o.Score, &o.Comment, &o.CommentRedacted, &created); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		o.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) loadInTx(ctx context.Context, tx *sql.Tx, recordID string) (Record, error) {
	r, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM action_records WHERE id=?`, strings.TrimSpace(recordID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("load record: %w", err)
	}
	return r, nil
}

func updateSQLiteStatus(ctx context.Context, tx *sql.Tx, r Record) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE action_records SET status=?, updated_at=?, displayed_at=?, resolved_at=? WHERE id=?`,
		string(r.Status), r.UpdatedAt.UnixNano(), nanosOrNil(r.DisplayedAt), nanosOrNil(r.ResolvedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		r                     Record
		kind, status          string
		created, updated      int64
		displayedAt, resolved sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &r.SubjectID, &kind, &status, &r.Note, &created, &updated, &displayedAt, &resolved); err != nil {
		return Record{}, err
	}
	r.Kind = Kind(kind)
	r.Status = Status(status)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	r.DisplayedAt = timeOrNil(displayedAt)
	r.ResolvedAt = timeOrNil(resolved)
	return r, nil
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
