package actions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process store for local/dev use and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	byOwner  map[string][]string
	subjects map[string]Subject
	outcomes map[string][]Outcome
	hook     ChangeFunc
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		byOwner:  make(map[string][]string),
		subjects: make(map[string]Subject),
		outcomes: make(map[string][]Outcome),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) SetChangeHook(hook ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *MemoryStore) CreateRecord(_ context.Context, req CreateRequest) (Record, bool, error) {
	req, err := normalizeCreate(req)
	if err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	for _, id := range s.byOwner[req.OwnerID] {
		r := s.records[id]
		if r != nil && r.SubjectID == req.SubjectID && r.Status.Active() {
			out := r.Clone()
			s.mu.Unlock()
			return out, true, nil
		}
	}
	now := s.now()
	r := &Record{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		SubjectID: req.SubjectID,
		Kind:      req.Kind,
		Status:    StatusPending,
		Note:      req.Note,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[r.ID] = r
	s.byOwner[r.OwnerID] = append(s.byOwner[r.OwnerID], r.ID)
	out := r.Clone()
	hook := s.hook
	s.mu.Unlock()

	notify(hook, out.OwnerID)
	return out, false, nil
}

func (s *MemoryStore) GetRecord(_ context.Context, recordID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[strings.TrimSpace(recordID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListActive(_ context.Context, ownerID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, 4)
	for _, id := range s.byOwner[ownerID] {
		if r := s.records[id]; r != nil && r.Status.Active() {
			out = append(out, r.Clone())
		}
	}
	SortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]Record, error) {
	limit = clampLimit(limit, 50)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byOwner[ownerID]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if r := s.records[id]; r != nil {
			out = append(out, r.Clone())
		}
	}
	SortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, recordID string, to Status, from ...Status) (Record, error) {
	s.mu.Lock()
	r, ok := s.records[strings.TrimSpace(recordID)]
	if !ok {
		s.mu.Unlock()
		return Record{}, ErrNotFound
	}
	noop, err := checkTransition(*r, to, from)
	if err != nil || noop {
		out := r.Clone()
		s.mu.Unlock()
		return out, err
	}
	r.applyTransition(to, s.now())
	out := r.Clone()
	hook := s.hook
	s.mu.Unlock()

	notify(hook, out.OwnerID)
	return out, nil
}

func (s *MemoryStore) Complete(_ context.Context, outcome Outcome) (Record, error) {
	s.mu.Lock()
	r, ok := s.records[strings.TrimSpace(outcome.RecordID)]
	if !ok {
		s.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if !r.Status.Active() {
		out := r.Clone()
		s.mu.Unlock()
		return out, fmt.Errorf("%w: record %s is %s", ErrStaleTransition, r.ID, r.Status)
	}
	now := s.now()
	outcome = fillOutcome(outcome, *r, now)
	r.applyTransition(StatusCompleted, now)
	s.outcomes[outcome.SubjectID] = append(s.outcomes[outcome.SubjectID], outcome)
	out := r.Clone()
	hook := s.hook
	s.mu.Unlock()

	notify(hook, out.OwnerID)
	return out, nil
}

func (s *MemoryStore) SaveSubject(_ context.Context, subject Subject) error {
	subject.ID = strings.TrimSpace(subject.ID)
	if subject.ID == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.subjects[subject.ID]; ok && subject.CreatedAt.IsZero() {
		subject.CreatedAt = prev.CreatedAt
	}
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = s.now()
	}
	s.subjects[subject.ID] = subject
	return nil
}

func (s *MemoryStore) GetSubject(_ context.Context, subjectID string) (Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.subjects[strings.TrimSpace(subjectID)]
	if !ok {
		return Subject{}, ErrSubjectNotFound
	}
	return subject, nil
}

func (s *MemoryStore) DeleteSubject(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	subjectID = strings.TrimSpace(subjectID)
	if _, ok := s.subjects[subjectID]; !ok {
		return ErrSubjectNotFound
	}
	delete(s.subjects, subjectID)
	return nil
}

func (s *MemoryStore) ListOutcomes(_ context.Context, subjectID string, limit int) ([]Outcome, error) {
	limit = clampLimit(limit, 50)
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.outcomes[subjectID]
	out := make([]Outcome, 0, len(arr))
	for i := len(arr) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func fillOutcome(outcome Outcome, r Record, now time.Time) Outcome {
	if outcome.ID == "" {
		outcome.ID = uuid.NewString()
	}
	outcome.RecordID = r.ID
	outcome.OwnerID = r.OwnerID
	outcome.SubjectID = r.SubjectID
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = now
	}
	return outcome
}

func notify(hook ChangeFunc, ownerID string) {
	if hook != nil && ownerID != "" {
		hook(ownerID)
	}
}
