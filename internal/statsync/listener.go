package statsync

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/observability"
	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/store"
)

// watchedCollections are the change streams the listener subscribes to.
var watchedCollections = []string{
	store.CollectionEntities,
	store.CollectionFacts,
	store.CollectionMemberships,
}

// Listener owns one change stream subscription per watched collection,
// classifies raw document changes into sync events, and enqueues them. A
// broken stream reconnects with exponential backoff and jitter; the cache
// keeps serving while the stream is down.
type Listener struct {
	log     *logger.Logger
	store   store.Store
	queue   *Queue
	metrics *observability.Metrics

	baseBackoff time.Duration
	maxBackoff  time.Duration

	wg sync.WaitGroup
}

func NewListener(log *logger.Logger, st store.Store, q *Queue, m *observability.Metrics) *Listener {
	return &Listener{
		log:         log.With("component", "ChangeListener"),
		store:       st,
		queue:       q,
		metrics:     m,
		baseBackoff: 500 * time.Millisecond,
		maxBackoff:  30 * time.Second,
	}
}

// Start opens the change stream for every watched collection before it
// returns, so a change committed right after startup already has a live
// subscription. Draining and reconnects run in the background.
func (l *Listener) Start(ctx context.Context) {
	for _, collection := range watchedCollections {
		changes, cancel, err := l.store.Subscribe(ctx, collection)
		if err != nil {
			l.log.Warn("initial change stream subscribe failed; retrying in background",
				"collection", collection, "error", err)
			l.metrics.RecordListenerReconnect(collection)
			changes, cancel = nil, nil
		}
		l.wg.Add(1)
		go l.watch(ctx, collection, changes, cancel)
	}
}

func (l *Listener) Wait() {
	l.wg.Wait()
}

func (l *Listener) watch(ctx context.Context, collection string, changes <-chan store.Change, cancel func()) {
	defer l.wg.Done()
	backoff := l.baseBackoff
	for {
		if ctx.Err() != nil {
			if cancel != nil {
				cancel()
			}
			return
		}
		if changes == nil {
			var err error
			changes, cancel, err = l.store.Subscribe(ctx, collection)
			if err != nil {
				l.log.Warn("change stream subscribe failed; backing off",
					"collection", collection, "backoff", backoff, "error", err)
				l.metrics.RecordListenerReconnect(collection)
				if !sleep(ctx, withJitter(backoff)) {
					return
				}
				backoff = nextBackoff(backoff, l.maxBackoff)
				continue
			}
			backoff = l.baseBackoff
		}

		l.drain(ctx, changes)
		cancel()
		changes, cancel = nil, nil
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("change stream closed; reconnecting", "collection", collection)
		l.metrics.RecordListenerReconnect(collection)
		if !sleep(ctx, withJitter(backoff)) {
			return
		}
		backoff = nextBackoff(backoff, l.maxBackoff)
	}
}

func (l *Listener) drain(ctx context.Context, changes <-chan store.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			for _, ev := range Classify(c) {
				l.queue.Enqueue(ev)
			}
		}
	}
}

// Classify maps one observed document change to the sync events it implies.
//
// Engagement facts drive cheap increments; memberships are counted from the
// membership links themselves (a membership-type fact would double-count, so
// it forces a recompute instead); anything surprising degrades to a full
// recompute of the affected entity.
func Classify(c store.Change) []domain.SyncEvent {
	now := time.Now().UTC()
	switch c.Collection {
	case store.CollectionFacts:
		fact := store.NormalizeFact(&c.Doc)
		if fact.SubjectEntityID == "" {
			return nil
		}
		if c.Kind != store.ChangeAdded || fact.Type == domain.FactMembership {
			return []domain.SyncEvent{{
				EntityID:   fact.SubjectEntityID,
				Kind:       domain.ChangeFullRecompute,
				EnqueuedAt: now,
			}}
		}
		return []domain.SyncEvent{{
			EntityID:   fact.SubjectEntityID,
			Kind:       domain.ChangeIncrement,
			Field:      string(fact.Type),
			Delta:      fact.Delta,
			EnqueuedAt: now,
		}}

	case store.CollectionMemberships:
		userID := store.StrField(c.Doc.Fields, "userId", "memberId")
		clubID := store.StrField(c.Doc.Fields, "clubId", "organizationId")
		var delta int64
		switch c.Kind {
		case store.ChangeAdded:
			delta = 1
		case store.ChangeRemoved:
			delta = -1
		default:
			return nil
		}
		var evs []domain.SyncEvent
		if userID != "" {
			evs = append(evs, domain.SyncEvent{
				EntityID:   userID,
				Category:   domain.CategoryIndividual,
				Kind:       domain.ChangeIncrement,
				Field:      string(domain.FactMembership),
				Delta:      delta,
				EnqueuedAt: now,
			})
		}
		if clubID != "" {
			evs = append(evs, domain.SyncEvent{
				EntityID:   clubID,
				Category:   domain.CategoryOrganization,
				Kind:       domain.ChangeIncrement,
				Field:      string(domain.FactMembership),
				Delta:      delta,
				EnqueuedAt: now,
			})
		}
		return evs

	case store.CollectionEntities:
		if c.Kind == store.ChangeAdded {
			return []domain.SyncEvent{{
				EntityID:   c.Doc.ID,
				Kind:       domain.ChangeFullRecompute,
				EnqueuedAt: now,
			}}
		}
		return []domain.SyncEvent{{
			EntityID:   c.Doc.ID,
			Kind:       domain.ChangeExternalTrigger,
			EnqueuedAt: now,
		}}
	}
	return nil
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
