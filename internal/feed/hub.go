// Package feed turns store change notifications into ordered, full
// snapshots of an owner's active records.
package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/promptsync/internal/actions"
)

// Lister is the read side of the store the hub needs.
type Lister interface {
	ListActive(ctx context.Context, ownerID string) ([]actions.Record, error)
}

// Observer receives hub events for metrics.
type Observer interface {
	ObserveSnapshot(result string)
}

// Hub fans out per-owner snapshots. Delivery coalesces: each subscriber has a
// mailbox of one, so a slow reader only ever sees the latest snapshot.
type Hub struct {
	lister    Lister
	logger    *zap.Logger
	observer  Observer
	opTimeout time.Duration

	mu        sync.Mutex
	seq       uint64
	subs      map[string]map[int]*subscription
	nextSubID int

	// loadMu serializes reloads per hub so published seqs stay ordered
	// with respect to the reads that produced them.
	loadMu sync.Mutex
}

type subscription struct {
	ch chan actions.Snapshot
}

func NewHub(lister Lister, logger *zap.Logger, observer Observer, opTimeout time.Duration) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Hub{
		lister:    lister,
		logger:    logger,
		observer:  observer,
		opTimeout: opTimeout,
		subs:      make(map[string]map[int]*subscription),
	}
}

// Subscribe registers a listener for ownerID. The current snapshot is
// delivered right away when it can be loaded.
func (h *Hub) Subscribe(ownerID string) (<-chan actions.Snapshot, func()) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		ch := make(chan actions.Snapshot)
		close(ch)
		return ch, func() {}
	}

	sub := &subscription{ch: make(chan actions.Snapshot, 1)}
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subs[ownerID]; !ok {
		h.subs[ownerID] = make(map[int]*subscription)
	}
	h.subs[ownerID][id] = sub
	h.mu.Unlock()

	h.Notify(ownerID)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subs[ownerID]
			if subs == nil {
				return
			}
			if s, ok := subs[id]; ok {
				delete(subs, id)
				close(s.ch)
			}
			if len(subs) == 0 {
				delete(h.subs, ownerID)
			}
		})
	}
}

// Notify reloads ownerID's active set and publishes it to subscribers.
// It is safe to use as an actions.ChangeFunc.
func (h *Hub) Notify(ownerID string) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" || !h.hasSubscribers(ownerID) {
		return
	}

	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
	defer cancel()
	records, err := h.lister.ListActive(ctx, ownerID)
	if err != nil {
		// The next change retries the load; a failed read is never published.
		h.logger.Warn("snapshot load failed", zap.String("owner_id", ownerID), zap.Error(err))
		h.observe("load_error")
		return
	}
	actions.SortNewestFirst(records)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	snap := actions.Snapshot{
		OwnerID: ownerID,
		Seq:     h.seq,
		Records: records,
		At:      time.Now().UTC(),
	}
	for _, sub := range h.subs[ownerID] {
		deliverLatest(sub.ch, snap)
	}
	h.observe("published")
}

// SubscriberCount reports live subscriptions for ownerID.
func (h *Hub) SubscriberCount(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[ownerID])
}

func (h *Hub) hasSubscribers(ownerID string) bool {
	return h.SubscriberCount(ownerID) > 0
}

func (h *Hub) observe(result string) {
	if h.observer != nil {
		h.observer.ObserveSnapshot(result)
	}
}

// deliverLatest replaces any undelivered snapshot with snap. Callers hold h.mu,
// which is the only path that sends, so the second send cannot block.
func deliverLatest(ch chan actions.Snapshot, snap actions.Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
