// Package reconcile converts a stream of owner snapshots into at most one
// visible prompt at a time.
//
// A Loop is owned by a single goroutine. It never touches the backend; the
// caller performs the side effects it returns (showing or hiding a prompt,
// writing the displayed status back).
package reconcile

import (
	"errors"
	"fmt"

	"github.com/ent0n29/promptsync/internal/actions"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePrompting Phase = "prompting"
	PhaseResolving Phase = "resolving"
)

type EffectKind string

const (
	EffectNone EffectKind = "none"
	EffectShow EffectKind = "show"
	EffectHide EffectKind = "hide"
)

// Effect is what the caller must do after feeding the loop an event.
type Effect struct {
	Kind   EffectKind
	Record actions.Record
	// MarkDisplayed asks the caller to write status=displayed for Record.
	// It is set at most once per record id.
	MarkDisplayed bool
	// Echo reports an absorbed snapshot in which the prompted record itself
	// changed, such as the displayed write-back coming back from the store.
	Echo bool
}

// Outcome is how a resolution attempt ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
)

var ErrNotPrompting = errors.New("record is not the prompted record")

// State is a read-only view of the loop, for diagnostics and tests.
type State struct {
	Phase     Phase  `json:"phase"`
	TrackedID string `json:"tracked_id,omitempty"`
	Visible   bool   `json:"visible"`
	SettledID string `json:"settled_id,omitempty"`
}

type Loop struct {
	phase   Phase
	tracked actions.Record
	visible bool

	// settledID is a successfully resolved record still echoed by stale
	// snapshots; it is ignored until a snapshot no longer contains it.
	settledID string
	// marked holds ids already written back as displayed; pruned to the
	// ids present in the latest snapshot.
	marked map[string]struct{}
	// last is the most recent snapshot, replayed after a resolution ends.
	last    actions.Snapshot
	hasLast bool
}

func NewLoop() *Loop {
	return &Loop{
		phase:  PhaseIdle,
		marked: make(map[string]struct{}),
	}
}

func (l *Loop) State() State {
	return State{
		Phase:     l.phase,
		TrackedID: l.tracked.ID,
		Visible:   l.visible,
		SettledID: l.settledID,
	}
}

// Select picks the record to present: newest by CreatedAt, ties broken by
// the greater id. ok is false only for an empty input.
func Select(records []actions.Record) (actions.Record, bool) {
	var (
		best  actions.Record
		found bool
	)
	for _, r := range records {
		if !found || actions.Newer(r, best) {
			best = r
			found = true
		}
	}
	return best, found
}

// Observe feeds one snapshot into the loop.
func (l *Loop) Observe(snap actions.Snapshot) Effect {
	if l.hasLast && snap.OwnerID == l.last.OwnerID && snap.Seq != 0 && snap.Seq < l.last.Seq {
		// Out-of-order delivery: an older view cannot override a newer one.
		return Effect{Kind: EffectNone}
	}
	l.last = snap
	l.hasLast = true

	active := l.filter(snap.Records)
	if l.phase == PhaseResolving {
		return Effect{Kind: EffectNone}
	}

	best, ok := Select(active)
	if !ok {
		return l.clear()
	}

	if best.ID == l.tracked.ID && l.phase == PhasePrompting && l.visible {
		echo := best.Status != l.tracked.Status
		l.tracked = best
		return Effect{Kind: EffectNone, Echo: echo}
	}
	if best.ID == l.tracked.ID && l.phase == PhasePrompting && !l.visible {
		// Dismissed by the user; only a different record brings a prompt back.
		l.tracked = best
		return Effect{Kind: EffectNone}
	}
	return l.show(best)
}

// Dismiss hides the current prompt without resolving it.
func (l *Loop) Dismiss(recordID string) (Effect, error) {
	if l.phase != PhasePrompting || l.tracked.ID != recordID {
		return Effect{Kind: EffectNone}, fmt.Errorf("%w: %s", ErrNotPrompting, recordID)
	}
	if !l.visible {
		return Effect{Kind: EffectNone}, nil
	}
	l.visible = false
	return Effect{Kind: EffectHide, Record: l.tracked}, nil
}

// BeginResolve moves the prompted record into resolving. Snapshots are
// absorbed until FinishResolve is called.
func (l *Loop) BeginResolve(recordID string) error {
	if l.phase != PhasePrompting || l.tracked.ID != recordID {
		return fmt.Errorf("%w: %s", ErrNotPrompting, recordID)
	}
	l.phase = PhaseResolving
	return nil
}

// FinishResolve ends a resolution started with BeginResolve.
//
// Completed and invalid records are hidden and settled. A failed resolution
// re-offers the newest active record, which is usually the same one; it
// stays displayed in the backend.
func (l *Loop) FinishResolve(recordID string, outcome Outcome) (Effect, error) {
	if l.phase != PhaseResolving || l.tracked.ID != recordID {
		return Effect{Kind: EffectNone}, fmt.Errorf("%w: %s", ErrNotPrompting, recordID)
	}

	switch outcome {
	case OutcomeCompleted, OutcomeInvalid:
		resolved := l.tracked
		l.phase = PhaseIdle
		l.tracked = actions.Record{}
		l.visible = false
		l.settledID = resolved.ID
		if l.hasLast && l.containsID(l.last.Records, resolved.ID) {
			return Effect{Kind: EffectHide, Record: resolved}, nil
		}
		// The backend already dropped it; move straight to the next record.
		l.settledID = ""
		next := l.replay()
		if next.Kind == EffectShow {
			return next, nil
		}
		return Effect{Kind: EffectHide, Record: resolved}, nil
	default:
		if l.hasLast && !l.containsID(l.last.Records, recordID) {
			// Resolved elsewhere while we were failing; nothing to re-offer.
			prev := l.tracked
			l.phase = PhaseIdle
			l.tracked = actions.Record{}
			l.visible = false
			if next := l.replay(); next.Kind == EffectShow {
				return next, nil
			}
			return Effect{Kind: EffectHide, Record: prev}, nil
		}
		// Re-run selection: a newer record may have arrived while resolving.
		prev := l.tracked
		l.phase = PhasePrompting
		l.visible = false
		next := l.replay()
		switch {
		case next.Kind == EffectShow:
			return next, nil
		case l.phase == PhasePrompting && l.tracked.ID == prev.ID:
			return l.show(l.tracked), nil
		default:
			return Effect{Kind: EffectHide, Record: prev}, nil
		}
	}
}

func (l *Loop) replay() Effect {
	if !l.hasLast {
		return Effect{Kind: EffectNone}
	}
	snap := l.last
	l.hasLast = false
	return l.Observe(snap)
}

func (l *Loop) show(r actions.Record) Effect {
	l.phase = PhasePrompting
	l.tracked = r
	l.visible = true

	mark := false
	if r.Status == actions.StatusPending {
		if _, done := l.marked[r.ID]; !done {
			l.marked[r.ID] = struct{}{}
			mark = true
		}
	}
	return Effect{Kind: EffectShow, Record: r, MarkDisplayed: mark}
}

func (l *Loop) clear() Effect {
	if l.phase == PhaseIdle {
		return Effect{Kind: EffectNone}
	}
	prev := l.tracked
	wasVisible := l.visible
	l.phase = PhaseIdle
	l.tracked = actions.Record{}
	l.visible = false
	if !wasVisible {
		return Effect{Kind: EffectNone}
	}
	return Effect{Kind: EffectHide, Record: prev}
}

// filter keeps active records, drops the settled record while it is still
// echoed, and prunes bookkeeping for ids that left the snapshot.
func (l *Loop) filter(records []actions.Record) []actions.Record {
	present := make(map[string]struct{}, len(records))
	out := make([]actions.Record, 0, len(records))
	for _, r := range records {
		present[r.ID] = struct{}{}
		if !r.Status.Active() || r.ID == l.settledID {
			continue
		}
		out = append(out, r)
	}
	if l.settledID != "" {
		if _, still := present[l.settledID]; !still {
			l.settledID = ""
		}
	}
	for id := range l.marked {
		if _, still := present[id]; !still {
			delete(l.marked, id)
		}
	}
	return out
}

func (l *Loop) containsID(records []actions.Record, id string) bool {
	for _, r := range records {
		if r.ID == id && r.Status.Active() {
			return true
		}
	}
	return false
}
