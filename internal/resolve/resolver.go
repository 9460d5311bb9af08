// Package resolve validates and persists a user's answer to a prompt.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/promptsync/internal/actions"
	"github.com/ent0n29/promptsync/internal/policy"
	"github.com/ent0n29/promptsync/internal/reliability"
)

var (
	ErrForbidden       = errors.New("record belongs to another owner")
	ErrAlreadyResolved = errors.New("record already resolved")
	ErrRetryable       = errors.New("resolution failed, retry later")
	ErrInvalidRequest  = errors.New("invalid resolve request")
)

const (
	MinScore = 0
	MaxScore = 5
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeInvalid   Outcome = "invalid"
)

type Request struct {
	RecordID string `json:"record_id"`
	OwnerID  string `json:"owner_id"`
	Score    int    `json:"score"`
	Comment  string `json:"comment,omitempty"`
}

type Result struct {
	Outcome         Outcome        `json:"outcome"`
	Record          actions.Record `json:"record"`
	CommentRedacted bool           `json:"comment_redacted,omitempty"`
	Attempts        int            `json:"attempts"`
}

type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	OpTimeout   time.Duration
}

type Resolver struct {
	store  actions.Store
	cfg    Config
	logger *zap.Logger
}

func New(store actions.Store, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, cfg: cfg, logger: logger}
}

// Resolve completes the record with the user's answer, or marks it invalid
// when its subject no longer exists. Transient store failures are retried;
// once the budget is spent the error wraps ErrRetryable and the record is
// left as it was.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	req.RecordID = strings.TrimSpace(req.RecordID)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.RecordID == "" {
		return Result{}, fmt.Errorf("%w: record_id is required", ErrInvalidRequest)
	}
	if req.Score < MinScore || req.Score > MaxScore {
		return Result{}, fmt.Errorf("%w: score must be between %d and %d", ErrInvalidRequest, MinScore, MaxScore)
	}

	var result Result
	attempts, err := reliability.Retry(ctx, r.cfg.MaxAttempts, r.cfg.BackoffBase, r.cfg.BackoffCap, reliability.IsTransientStoreError, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
		defer cancel()
		var err error
		result, err = r.resolveOnce(opCtx, req)
		return err
	})
	if err != nil {
		if reliability.IsTransientStoreError(err) {
			r.logger.Warn("resolve exhausted retries",
				zap.String("record_id", req.RecordID),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return Result{Attempts: attempts}, fmt.Errorf("%w: %v", ErrRetryable, err)
		}
		return Result{Attempts: attempts}, err
	}
	result.Attempts = attempts
	r.logger.Debug("record resolved",
		zap.String("record_id", result.Record.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("attempts", attempts),
	)
	return result, nil
}

func (r *Resolver) resolveOnce(ctx context.Context, req Request) (Result, error) {
	record, err := r.store.GetRecord(ctx, req.RecordID)
	if err != nil {
		return Result{}, err
	}
	if req.OwnerID != "" && record.OwnerID != req.OwnerID {
		return Result{}, ErrForbidden
	}
	if !record.Status.Active() {
		return Result{Record: record}, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, record.ID, record.Status)
	}

	if _, err := r.store.GetSubject(ctx, record.SubjectID); err != nil {
		if !errors.Is(err, actions.ErrSubjectNotFound) {
			return Result{}, err
		}
		updated, err := r.store.Transition(ctx, record.ID, actions.StatusInvalid, actions.StatusPending, actions.StatusDisplayed)
		if err != nil {
			return Result{}, staleAsResolved(err)
		}
		return Result{Outcome: OutcomeInvalid, Record: updated}, nil
	}

	comment, redacted := policy.SanitizeComment(req.Comment)
	updated, err := r.store.Complete(ctx, actions.Outcome{
		RecordID:        record.ID,
		Score:           req.Score,
		Comment:         comment,
		CommentRedacted: redacted,
	})
	if err != nil {
		return Result{}, staleAsResolved(err)
	}
	return Result{Outcome: OutcomeCompleted, Record: updated, CommentRedacted: redacted}, nil
}

// staleAsResolved reports a lost race with another writer as already resolved.
func staleAsResolved(err error) error {
	if errors.Is(err, actions.ErrStaleTransition) {
		return fmt.Errorf("%w: %v", ErrAlreadyResolved, err)
	}
	return err
}
