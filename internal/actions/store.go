package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrSubjectNotFound = errors.New("subject not found")
	ErrStaleTransition = errors.New("stale status transition")
	ErrInvalidRequest  = errors.New("invalid request")
)

// ChangeFunc is called with the owner whose active set may have changed.
type ChangeFunc func(ownerID string)

// Store persists pending action records, their subjects and outcomes.
type Store interface {
	CreateRecord(ctx context.Context, req CreateRequest) (Record, bool, error)
	GetRecord(ctx context.Context, recordID string) (Record, error)
	ListActive(ctx context.Context, ownerID string) ([]Record, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Record, error)
	// Transition moves a record to status to when its current status is in from.
	// A record already in status to is returned unchanged.
	Transition(ctx context.Context, recordID string, to Status, from ...Status) (Record, error)
	// Complete persists the outcome and marks its record completed in one step.
	Complete(ctx context.Context, outcome Outcome) (Record, error)

	SaveSubject(ctx context.Context, subject Subject) error
	GetSubject(ctx context.Context, subjectID string) (Subject, error)
	DeleteSubject(ctx context.Context, subjectID string) error
	ListOutcomes(ctx context.Context, subjectID string, limit int) ([]Outcome, error)

	SetChangeHook(hook ChangeFunc)
	Close() error
}

func normalizeCreate(req CreateRequest) (CreateRequest, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.Note = strings.TrimSpace(req.Note)
	req.Kind = Kind(strings.TrimSpace(string(req.Kind)))
	if req.OwnerID == "" {
		return CreateRequest{}, fmt.Errorf("%w: owner_id is required", ErrInvalidRequest)
	}
	if req.SubjectID == "" {
		return CreateRequest{}, fmt.Errorf("%w: subject_id is required", ErrInvalidRequest)
	}
	if req.Kind == "" {
		req.Kind = KindRatePartner
	}
	return req, nil
}

func checkTransition(current Record, to Status, from []Status) (noop bool, err error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, to)
	}
	if current.Status == to {
		return true, nil
	}
	if !statusIn(current.Status, from) {
		return false, fmt.Errorf("%w: record %s is %s, want one of %v", ErrStaleTransition, current.ID, current.Status, from)
	}
	return false, nil
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
