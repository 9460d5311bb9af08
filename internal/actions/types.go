package actions

import (
	"sort"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDisplayed Status = "displayed"
	StatusCompleted Status = "completed"
	StatusInvalid   Status = "invalid"
)

// Active reports whether a record still awaits a user response.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusDisplayed
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusInvalid
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDisplayed, StatusCompleted, StatusInvalid:
		return true
	default:
		return false
	}
}

type Kind string

const (
	KindRatePartner Kind = "rate_partner"
	KindAckMessage  Kind = "ack_message"
)

// Record is a pending action awaiting a response from its owner.
type Record struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	SubjectID   string     `json:"subject_id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	Note        string     `json:"note,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DisplayedAt *time.Time `json:"displayed_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type CreateRequest struct {
	OwnerID   string `json:"owner_id"`
	SubjectID string `json:"subject_id"`
	Kind      Kind   `json:"kind,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Subject is the thing an action refers to, e.g. a partner to rate.
type Subject struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Outcome is the user-submitted resolution of a record.
type Outcome struct {
	ID              string    `json:"id"`
	RecordID        string    `json:"record_id"`
	OwnerID         string    `json:"owner_id"`
	SubjectID       string    `json:"subject_id"`
	Score           int       `json:"score,omitempty"`
	Comment         string    `json:"comment,omitempty"`
	CommentRedacted bool      `json:"comment_redacted,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Snapshot is the complete set of active records for one owner, newest first.
type Snapshot struct {
	OwnerID string    `json:"owner_id"`
	Seq     uint64    `json:"seq"`
	Records []Record  `json:"records"`
	At      time.Time `json:"at"`
}

// Newer orders records by creation time, then by id, both descending.
func Newer(a, b Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// SortNewestFirst sorts records in place using Newer.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return Newer(records[i], records[j])
	})
}

func (r Record) Clone() Record {
	out := r
	if r.DisplayedAt != nil {
		t := *r.DisplayedAt
		out.DisplayedAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// applyTransition stamps the timestamps that go with a status change.
func (r *Record) applyTransition(to Status, now time.Time) {
	r.Status = to
	r.UpdatedAt = now
	switch to {
	case StatusDisplayed:
		if r.DisplayedAt == nil {
			r.DisplayedAt = &now
		}
	case StatusCompleted, StatusInvalid:
		r.ResolvedAt = &now
	}
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
