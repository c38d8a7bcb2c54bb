package statsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/observability"
	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/store"
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	QueueSize     int
	CacheTTL      time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	Schema        domain.ScoringSchema
}

// Engine is the statistics synchronization service. It consumes classified
// change events from a single queue, recomputes aggregates from facts,
// propagates them to every redundant copy, and serves snapshots from a
// stale-while-revalidate cache. Read operations never return errors to
// collaborators; they serve degraded snapshots instead.
type Engine struct {
	log     *logger.Logger
	store   store.Store
	metrics *observability.Metrics
	schema  domain.ScoringSchema
	cfg     Config

	queue      *Queue
	listener   *Listener
	recomputer *Recomputer
	propagator *Propagator
	ranker     *Ranker
	cache      *Cache
	registry   *Registry

	refreshGroup singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(log *logger.Logger, st store.Store, m *observability.Metrics, cfg Config) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 200
	}
	if cfg.Schema.LevelSize == 0 {
		cfg.Schema = domain.DefaultSchema()
	}

	e := &Engine{
		log:     log.With("component", "SyncEngine"),
		store:   st,
		metrics: m,
		schema:  cfg.Schema,
		cfg:     cfg,
	}
	e.queue = NewQueue(log, cfg.QueueSize)
	e.listener = NewListener(log, st, e.queue, m)
	e.recomputer = NewRecomputer(log, st, cfg.Schema)
	e.propagator = NewPropagator(log, st, m)
	e.ranker = NewRanker(log, st)
	e.cache = NewCache(log, m, cfg.CacheTTL, e.rebuild)
	e.registry = NewRegistry(log, m)
	return e
}

// Start launches the listener, the single consumer, and the anomaly sweep.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.listener.Start(runCtx)
	e.metrics.StartQueueDepthCollector(runCtx, e.queue.Depth, 10*time.Second)

	e.wg.Add(2)
	go e.consume(runCtx)
	go e.sweep(runCtx)
	e.log.Info("sync engine started",
		"cacheTtl", e.cache.ttl, "sweepInterval", e.cfg.SweepInterval)
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.queue.Close()
	e.listener.Wait()
	e.wg.Wait()
	e.log.Info("sync engine stopped")
}

// GetAggregate serves the snapshot for an entity from the cache, refreshing
// on miss. Failures yield a degraded placeholder, never an error.
func (e *Engine) GetAggregate(ctx context.Context, entityID string) domain.Snapshot {
	snap, ok := e.cache.Get(ctx, entityID)
	if !ok {
		e.metrics.RecordDegradedSnapshot()
		return domain.Snapshot{EntityID: entityID, Degraded: true, ComputedAt: time.Now().UTC()}
	}
	return snap
}

// ForceRefresh bypasses the cache: recompute, propagate, notify. Concurrent
// refreshes of the same entity are coalesced into one pass.
func (e *Engine) ForceRefresh(ctx context.Context, entityID string) domain.Snapshot {
	v, err, _ := e.refreshGroup.Do("refresh:"+entityID, func() (any, error) {
		return e.syncOnce(ctx, entityID)
	})
	if err != nil {
		e.log.Warn("force refresh failed", "entityId", entityID, "error", err)
		e.metrics.RecordDegradedSnapshot()
		return domain.Snapshot{EntityID: entityID, Degraded: true, ComputedAt: time.Now().UTC()}
	}
	return v.(domain.Snapshot)
}

// Leaderboard returns the top entities of a category. Failures yield an
// empty board.
func (e *Engine) Leaderboard(ctx context.Context, category domain.Category, limit int) []LeaderboardEntry {
	entries, err := e.ranker.Leaderboard(ctx, category, limit)
	if err != nil {
		e.log.Warn("leaderboard failed", "category", category, "error", err)
		return nil
	}
	return entries
}

func (e *Engine) Subscribe(entityID string, fn SnapshotFunc) uuid.UUID {
	return e.registry.Subscribe(entityID, fn)
}

func (e *Engine) Unsubscribe(entityID string, token uuid.UUID) {
	e.registry.Unsubscribe(entityID, token)
}

// RecordEngagement appends an immutable fact. The engine reacts to the fact
// through the change listener; callers do not wait for the aggregate.
func (e *Engine) RecordEngagement(ctx context.Context, fact domain.EngagementFact) (string, error) {
	if strings.TrimSpace(fact.SubjectEntityID) == "" {
		return "", fmt.Errorf("engagement fact requires a subject entity")
	}
	switch fact.Type {
	case domain.FactLike, domain.FactComment, domain.FactParticipation,
		domain.FactMembership, domain.FactContentCreated:
	default:
		return "", fmt.Errorf("unknown fact type %q", fact.Type)
	}
	if fact.FactID == "" {
		fact.FactID = uuid.NewString()
	}
	if fact.Delta == 0 {
		fact.Delta = 1
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}
	err := e.store.BatchWrite(ctx, []store.WriteOp{{
		Kind:       store.OpSet,
		Collection: store.CollectionFacts,
		ID:         fact.FactID,
		Fields: map[string]any{
			"type":            string(fact.Type),
			"subjectEntityId": fact.SubjectEntityID,
			"targetId":        fact.TargetID,
			"actorEntityId":   fact.ActorEntityID,
			"delta":           fact.Delta,
			"createdAt":       fact.CreatedAt.Format(time.RFC3339),
		},
	}})
	if err != nil {
		return "", err
	}
	return fact.FactID, nil
}

// ---- consumer ----

func (e *Engine) consume(ctx context.Context) {
	defer e.wg.Done()
	for {
		ev, err := e.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		start := time.Now()
		outcome := e.process(ctx, ev)
		e.metrics.RecordSyncEvent(string(ev.Kind), outcome, time.Since(start).Seconds())
	}
}

func (e *Engine) process(ctx context.Context, ev domain.SyncEvent) string {
	switch ev.Kind {
	case domain.ChangeIncrement:
		return e.applyIncrement(ctx, ev)
	case domain.ChangeFullRecompute:
		return e.applyRecompute(ctx, ev)
	case domain.ChangeExternalTrigger:
		return e.applyExternalTrigger(ctx, ev)
	default:
		e.log.Warn("unknown sync event kind", "kind", ev.Kind)
		return "skipped"
	}
}

// applyIncrement is the cheap path: bump the affected counter and the score
// by the fact's weight, keep the profile copy in step, and notify. Anything
// implausible afterwards degrades to a full recompute.
func (e *Engine) applyIncrement(ctx context.Context, ev domain.SyncEvent) string {
	entity, err := e.entity(ctx, ev.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return "skipped"
	}
	if err != nil {
		e.queue.Requeue(ev)
		return "retry"
	}

	field, weight, ok := incrementTarget(e.schema, entity.Category, ev.Field)
	if !ok {
		return "skipped"
	}
	if err := e.store.AtomicIncrement(ctx, store.CollectionEntityStats, ev.EntityID, field, ev.Delta); err != nil {
		e.queue.Requeue(ev)
		return "retry"
	}
	points := weight * ev.Delta
	if points != 0 {
		if err := e.store.AtomicIncrement(ctx, store.CollectionEntityStats, ev.EntityID, "score", points); err != nil {
			e.queue.Requeue(ev)
			return "retry"
		}
	}

	stats, err := e.store.Get(ctx, store.CollectionEntityStats, ev.EntityID)
	if err != nil {
		e.cache.Invalidate(ev.EntityID)
		return "ok"
	}
	score := store.IntField(stats.Fields, "score")
	if score < 0 {
		e.log.Warn("increment drove score negative; scheduling recompute",
			"entityId", ev.EntityID, "score", score)
		e.queue.Enqueue(domain.SyncEvent{
			EntityID: ev.EntityID,
			Category: entity.Category,
			Kind:     domain.ChangeFullRecompute,
		})
		return "anomaly"
	}
	level := e.schema.LevelFor(score)
	_ = e.store.BatchWrite(ctx, []store.WriteOp{
		{Kind: store.OpMerge, Collection: store.CollectionEntityStats, ID: ev.EntityID,
			Fields: map[string]any{"level": level, "pointsToNextLevel": e.schema.PointsToNextLevel(score)}},
		{Kind: store.OpMerge, Collection: store.CollectionEntities, ID: ev.EntityID,
			Fields: map[string]any{"score": score, "level": level}},
	})

	snap := e.snapshotFromStats(entity, stats, score, level)
	e.cache.Put(snap)
	e.registry.Notify(snap)
	return "ok"
}

func (e *Engine) applyRecompute(ctx context.Context, ev domain.SyncEvent) string {
	snap, err := e.syncOnce(ctx, ev.EntityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "skipped"
	case errors.Is(err, store.ErrVersionConflict):
		e.queue.Requeue(ev)
		return "conflict"
	case err != nil:
		e.queue.Requeue(ev)
		return "retry"
	}
	if snap.Degraded {
		return "degraded"
	}
	return "ok"
}

// applyExternalTrigger handles entity documents modified outside the engine.
// The engine's own propagation also lands here; a snapshot that already
// matches the document is left alone to keep the cache warm.
func (e *Engine) applyExternalTrigger(ctx context.Context, ev domain.SyncEvent) string {
	entity, err := e.entity(ctx, ev.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		e.cache.Invalidate(ev.EntityID)
		return "skipped"
	}
	if err != nil {
		e.queue.Requeue(ev)
		return "retry"
	}
	if !e.recomputer.Plausible(ctx, entity) {
		e.log.Warn("implausible stored score; scheduling recompute",
			"entityId", entity.ID, "score", entity.Score,
			"floor", e.schema.Floor(entity.Category))
		e.queue.Enqueue(domain.SyncEvent{
			EntityID: entity.ID,
			Category: entity.Category,
			Kind:     domain.ChangeFullRecompute,
		})
		return "anomaly"
	}
	if snap, ok := e.cache.Peek(entity.ID); ok &&
		snap.Score == entity.Score && snap.Level == entity.Level {
		return "ok"
	}
	e.cache.Invalidate(entity.ID)
	return "ok"
}

// rebuild is the cache refresh path: recompute and rank without writing
// anything back.
func (e *Engine) rebuild(ctx context.Context, entityID string) (domain.Snapshot, error) {
	entity, err := e.entity(ctx, entityID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap := e.recomputer.Recompute(ctx, entityID, entity.Category)
	e.fillRank(ctx, &snap)
	return snap, nil
}

// syncOnce runs the full pipeline for one entity: recompute, rank, propagate
// with one conflict retry, cache, notify.
func (e *Engine) syncOnce(ctx context.Context, entityID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	for attempt := 0; attempt < 2; attempt++ {
		entity, err := e.entity(ctx, entityID)
		if err != nil {
			return domain.Snapshot{}, err
		}
		snap = e.recomputer.Recompute(ctx, entityID, entity.Category)
		e.fillRank(ctx, &snap)

		degraded, err := e.propagator.Propagate(ctx, snap, entity.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			// entity moved between recompute and write; re-derive once
			continue
		}
		if err != nil {
			return domain.Snapshot{}, err
		}
		snap.Degraded = snap.Degraded || degraded
		if snap.Degraded {
			e.metrics.RecordDegradedSnapshot()
		}
		e.cache.Put(snap)
		e.registry.Notify(snap)
		return snap, nil
	}
	return domain.Snapshot{}, store.ErrVersionConflict
}

func (e *Engine) fillRank(ctx context.Context, snap *domain.Snapshot) {
	rank, err := e.ranker.Rank(ctx, domain.Entity{
		ID:       snap.EntityID,
		Category: snap.Category,
		Score:    snap.Score,
	})
	if err != nil {
		e.log.Warn("rank failed; snapshot degraded", "entityId", snap.EntityID, "error", err)
		snap.Degraded = true
		return
	}
	snap.Rank = rank
}

func (e *Engine) entity(ctx context.Context, entityID string) (domain.Entity, error) {
	doc, err := e.store.Get(ctx, store.CollectionEntities, entityID)
	if err != nil {
		return domain.Entity{}, err
	}
	return store.NormalizeEntity(doc), nil
}

func (e *Engine) snapshotFromStats(entity domain.Entity, stats *store.Document, score int64, level int) domain.Snapshot {
	var counts domain.FactCounts
	for _, field := range []string{
		"likes", "comments", "participations", "memberships",
		"eventsOrganized", "members", "ownedLikes", "ownedComments", "ownedAttendees",
	} {
		setCount(&counts, field, store.IntField(stats.Fields, field))
	}
	return domain.Snapshot{
		EntityID:          entity.ID,
		Category:          entity.Category,
		Counts:            counts,
		Score:             score,
		Level:             level,
		PointsToNextLevel: e.schema.PointsToNextLevel(score),
		Streak:            int(store.IntField(stats.Fields, "streak")),
		Rank:              int(store.IntField(stats.Fields, "rank")),
		ComputedAt:        time.Now().UTC(),
	}
}

// incrementTarget maps a fact type onto the counter it feeds for a category
// and the points one unit is worth. Unweighted fact types report ok=false.
func incrementTarget(schema domain.ScoringSchema, category domain.Category, factType string) (string, int64, bool) {
	for _, spec := range countSpecs(schema, category) {
		if spec.membership != "" {
			if factType == string(domain.FactMembership) {
				return spec.field, spec.weight, true
			}
			continue
		}
		if string(spec.factType) == factType {
			return spec.field, spec.weight, true
		}
	}
	return "", 0, false
}

// sweep periodically walks the lowest-scored entities and schedules a
// recompute for any whose stored score fails the plausibility floor. This is
// the self-healing pass that repairs drift and historical corruption.
func (e *Engine) sweep(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	docs, err := e.store.Query(ctx, store.CollectionEntities, store.Query{
		OrderByScore: true,
		Limit:        e.cfg.SweepBatch,
	})
	if err != nil {
		e.log.Warn("anomaly sweep query failed", "error", err)
		return
	}
	repaired := 0
	for _, doc := range docs {
		entity := store.NormalizeEntity(doc)
		if e.recomputer.Plausible(ctx, entity) {
			continue
		}
		e.queue.Enqueue(domain.SyncEvent{
			EntityID: entity.ID,
			Category: entity.Category,
			Kind:     domain.ChangeFullRecompute,
		})
		repaired++
	}
	if repaired > 0 {
		e.log.Info("anomaly sweep scheduled recomputes", "count", repaired)
	}
}
