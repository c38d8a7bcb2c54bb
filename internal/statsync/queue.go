package statsync

import (
	"context"
	"sync"
	"time"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/platform/logger"
)

const defaultMaxAttempts = 3

// Queue is the ordered, at-least-once buffer between the change listener and
// the single sync consumer. When the buffer fills, increment events are
// dropped in favor of one pending full-recompute marker per entity, so
// correctness degrades to eventual instead of being lost.
type Queue struct {
	log *logger.Logger
	max int

	mu      sync.Mutex
	items   []domain.SyncEvent
	pending map[string]domain.Category // entityID -> category, coalesced recompute markers
	closed  bool
	notify  chan struct{}
}

func NewQueue(log *logger.Logger, max int) *Queue {
	if max <= 0 {
		max = 1024
	}
	return &Queue{
		log:     log.With("component", "SyncQueue"),
		max:     max,
		pending: make(map[string]domain.Category),
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue adds an event, degrading to a coalesced full-recompute marker when
// the buffer is full. Returns false only after Close.
func (q *Queue) Enqueue(ev domain.SyncEvent) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = time.Now().UTC()
	}
	if len(q.items) < q.max {
		q.items = append(q.items, ev)
	} else {
		// drop queued increments for this entity; one recompute marker
		// subsumes them all
		kept := q.items[:0]
		for _, it := range q.items {
			if it.EntityID == ev.EntityID && it.Kind == domain.ChangeIncrement {
				continue
			}
			kept = append(kept, it)
		}
		q.items = kept
		if _, ok := q.pending[ev.EntityID]; !ok {
			q.pending[ev.EntityID] = ev.Category
			q.log.Warn("sync queue full; degrading entity to full recompute",
				"entityId", ev.EntityID, "depth", len(q.items))
		}
	}
	q.mu.Unlock()
	q.wake()
	return true
}

// Requeue puts a failed event back with an incremented attempt count. Past
// the attempt limit an increment degrades to a recompute marker and a
// recompute is dropped with an error log.
func (q *Queue) Requeue(ev domain.SyncEvent) {
	ev.Attempts++
	if ev.Attempts < defaultMaxAttempts {
		q.Enqueue(ev)
		return
	}
	if ev.Kind == domain.ChangeIncrement {
		q.mu.Lock()
		if !q.closed {
			q.pending[ev.EntityID] = ev.Category
		}
		q.mu.Unlock()
		q.wake()
		return
	}
	q.log.Error("sync event dropped after max attempts",
		"entityId", ev.EntityID, "kind", ev.Kind, "attempts", ev.Attempts)
}

// Dequeue blocks until an event is available or the context ends. Ordered
// items drain before coalesced recompute markers.
func (q *Queue) Dequeue(ctx context.Context) (domain.SyncEvent, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		if len(q.pending) > 0 {
			for id, cat := range q.pending {
				delete(q.pending, id)
				q.mu.Unlock()
				return domain.SyncEvent{
					EntityID:   id,
					Category:   cat,
					Kind:       domain.ChangeFullRecompute,
					EnqueuedAt: time.Now().UTC(),
				}, nil
			}
		}
		if q.closed {
			q.mu.Unlock()
			return domain.SyncEvent{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.SyncEvent{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.pending)
}

func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
