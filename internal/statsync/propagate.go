package statsync

import (
	"context"
	"errors"
	"time"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/observability"
	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/store"
)

// Propagator writes a recomputed snapshot into every redundant copy: the
// profile document, the stats record, and the embedded copies on owned
// contents and membership links.
type Propagator struct {
	log     *logger.Logger
	store   store.Store
	metrics *observability.Metrics
	retries int
}

func NewPropagator(log *logger.Logger, st store.Store, m *observability.Metrics) *Propagator {
	return &Propagator{
		log:     log.With("component", "Propagator"),
		store:   st,
		metrics: m,
		retries: 3,
	}
}

// Propagate applies the snapshot. The profile write is guarded by the entity
// version observed at recompute time; a conflict means the entity moved
// underneath us and the caller must re-derive from a fresh recompute.
//
// Secondary copies are written best-effort with per-op retries. Exhausted
// retries degrade the update (logged, counted) rather than failing it.
func (p *Propagator) Propagate(ctx context.Context, snap domain.Snapshot, expectedVersion int64) (bool, error) {
	primary := []store.WriteOp{
		{
			Kind:       store.OpMerge,
			Collection: store.CollectionEntities,
			ID:         snap.EntityID,
			Fields: map[string]any{
				"score":        snap.Score,
				"level":        snap.Level,
				"streak":       snap.Streak,
				"lastSyncedAt": snap.ComputedAt.Format(time.RFC3339),
			},
			ExpectedVersion: &expectedVersion,
		},
		{
			Kind:       store.OpSet,
			Collection: store.CollectionEntityStats,
			ID:         snap.EntityID,
			Fields:     statsFields(snap),
		},
	}
	if err := p.store.BatchWrite(ctx, primary); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			p.metrics.RecordVersionConflict()
			return false, err
		}
		p.metrics.RecordPropagationOps("failed", len(primary))
		return false, err
	}
	p.metrics.RecordPropagationOps("ok", len(primary))

	degraded := false
	secondary, err := p.secondaryOps(ctx, snap)
	if err != nil {
		p.log.Warn("embedded copy lookup failed; propagation degraded",
			"entityId", snap.EntityID, "error", err)
		degraded = true
	}
	if p.writeChunked(ctx, snap.EntityID, secondary) {
		degraded = true
	}
	return degraded, nil
}

func statsFields(snap domain.Snapshot) map[string]any {
	return map[string]any{
		"entityId":          snap.EntityID,
		"category":          string(snap.Category),
		"likes":             snap.Counts.Likes,
		"comments":          snap.Counts.Comments,
		"participations":    snap.Counts.Participations,
		"memberships":       snap.Counts.Memberships,
		"eventsOrganized":   snap.Counts.EventsOrganized,
		"members":           snap.Counts.Members,
		"ownedLikes":        snap.Counts.OwnedLikes,
		"ownedComments":     snap.Counts.OwnedComments,
		"ownedAttendees":    snap.Counts.OwnedAttendees,
		"score":             snap.Score,
		"level":             snap.Level,
		"pointsToNextLevel": snap.PointsToNextLevel,
		"streak":            snap.Streak,
		"rank":              snap.Rank,
		"degraded":          snap.Degraded,
		"computedAt":        snap.ComputedAt.Format(time.RFC3339),
	}
}

// secondaryOps builds merges for every document embedding a copy of this
// entity's stats.
func (p *Propagator) secondaryOps(ctx context.Context, snap domain.Snapshot) ([]store.WriteOp, error) {
	var ops []store.WriteOp

	contents, err := p.store.Query(ctx, store.CollectionContents, store.Query{
		Filters: []store.Filter{{Field: "ownerId", Value: snap.EntityID}},
	})
	if err != nil {
		return ops, err
	}
	for _, doc := range contents {
		ops = append(ops, store.WriteOp{
			Kind:       store.OpMerge,
			Collection: store.CollectionContents,
			ID:         doc.ID,
			Fields: map[string]any{
				"ownerScore": snap.Score,
				"ownerLevel": snap.Level,
			},
		})
	}

	linkField, scoreField, levelField := "userId", "memberScore", "memberLevel"
	if snap.Category == domain.CategoryOrganization {
		linkField, scoreField, levelField = "clubId", "clubScore", "clubLevel"
	}
	links, err := p.store.Query(ctx, store.CollectionMemberships, store.Query{
		Filters: []store.Filter{{Field: linkField, Value: snap.EntityID}},
	})
	if err != nil {
		return ops, err
	}
	for _, doc := range links {
		ops = append(ops, store.WriteOp{
			Kind:       store.OpMerge,
			Collection: store.CollectionMemberships,
			ID:         doc.ID,
			Fields: map[string]any{
				scoreField: snap.Score,
				levelField: snap.Level,
			},
		})
	}
	return ops, nil
}

// writeChunked splits ops at the store batch limit and falls back to per-op
// retries when a chunk fails. Reports whether anything was left unwritten.
func (p *Propagator) writeChunked(ctx context.Context, entityID string, ops []store.WriteOp) bool {
	degraded := false
	for start := 0; start < len(ops); start += store.MaxBatchWrite {
		end := start + store.MaxBatchWrite
		if end > len(ops) {
			end = len(ops)
		}
		chunk := ops[start:end]
		if err := p.store.BatchWrite(ctx, chunk); err == nil {
			p.metrics.RecordPropagationOps("ok", len(chunk))
			continue
		}
		for _, op := range chunk {
			if p.retryOp(ctx, op) {
				p.metrics.RecordPropagationOps("ok", 1)
				continue
			}
			p.metrics.RecordPropagationOps("failed", 1)
			p.log.Warn("embedded copy write exhausted retries",
				"entityId", entityID, "collection", op.Collection, "docId", op.ID)
			degraded = true
		}
	}
	return degraded
}

func (p *Propagator) retryOp(ctx context.Context, op store.WriteOp) bool {
	for attempt := 0; attempt < p.retries; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, time.Duration(attempt)*50*time.Millisecond) {
				return false
			}
		}
		err := p.store.BatchWrite(ctx, []store.WriteOp{op})
		if err == nil {
			return true
		}
		if !store.IsRetryable(err) {
			return false
		}
	}
	return false
}
