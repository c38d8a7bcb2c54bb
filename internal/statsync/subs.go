package statsync

import (
	"sync"

	"github.com/google/uuid"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/observability"
	"github.com/campuspulse/backend/internal/platform/logger"
)

// SnapshotFunc receives the snapshot produced by a completed propagation.
type SnapshotFunc func(domain.Snapshot)

// Registry holds per-entity snapshot subscriptions. Callbacks run
// synchronously in registration order after each propagation; a panicking
// callback is isolated and logged, the rest still run.
type Registry struct {
	log     *logger.Logger
	metrics *observability.Metrics

	mu   sync.RWMutex
	subs map[string]map[uuid.UUID]SnapshotFunc
}

func NewRegistry(log *logger.Logger, m *observability.Metrics) *Registry {
	return &Registry{
		log:     log.With("component", "SubscriptionRegistry"),
		metrics: m,
		subs:    make(map[string]map[uuid.UUID]SnapshotFunc),
	}
}

// Subscribe registers a callback for one entity and returns the token used to
// unsubscribe.
func (r *Registry) Subscribe(entityID string, fn SnapshotFunc) uuid.UUID {
	token := uuid.New()
	r.mu.Lock()
	if r.subs[entityID] == nil {
		r.subs[entityID] = make(map[uuid.UUID]SnapshotFunc)
	}
	r.subs[entityID][token] = fn
	r.mu.Unlock()
	return token
}

func (r *Registry) Unsubscribe(entityID string, token uuid.UUID) {
	r.mu.Lock()
	if set, ok := r.subs[entityID]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(r.subs, entityID)
		}
	}
	r.mu.Unlock()
}

// Notify delivers the snapshot to every subscriber of its entity.
func (r *Registry) Notify(snap domain.Snapshot) {
	r.mu.RLock()
	fns := make([]SnapshotFunc, 0, len(r.subs[snap.EntityID]))
	for _, fn := range r.subs[snap.EntityID] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		r.call(snap, fn)
	}
}

func (r *Registry) call(snap domain.Snapshot, fn SnapshotFunc) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("subscriber panicked", "entityId", snap.EntityID, "panic", rec)
		}
	}()
	fn(snap)
	r.metrics.RecordSubscriberNotify()
}
