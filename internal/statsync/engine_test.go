package statsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/realtime/bus"
	"github.com/campuspulse/backend/internal/store"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	log := mustTestLogger(t)
	return store.NewMemoryStore(log, bus.NewMemoryBus(log))
}

func newTestEngine(t *testing.T, st store.Store) *Engine {
	t.Helper()
	return NewEngine(mustTestLogger(t), st, nil, Config{
		CacheTTL: time.Minute,
	})
}

func seedEntity(t *testing.T, st store.Store, id string, category domain.Category, score int64) {
	t.Helper()
	err := st.BatchWrite(context.Background(), []store.WriteOp{{
		Kind:       store.OpSet,
		Collection: store.CollectionEntities,
		ID:         id,
		Fields: map[string]any{
			"displayName": id,
			"category":    string(category),
			"score":       score,
		},
	}})
	if err != nil {
		t.Fatalf("seed entity %s: %v", id, err)
	}
}

func seedFact(t *testing.T, st store.Store, id, subject string, typ domain.FactType, delta int64) {
	t.Helper()
	err := st.BatchWrite(context.Background(), []store.WriteOp{{
		Kind:       store.OpSet,
		Collection: store.CollectionFacts,
		ID:         id,
		Fields: map[string]any{
			"type":            string(typ),
			"subjectEntityId": subject,
			"delta":           delta,
			"createdAt":       time.Now().UTC().Format(time.RFC3339),
		},
	}})
	if err != nil {
		t.Fatalf("seed fact %s: %v", id, err)
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSyncOnceConvergesToWeightedSum(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	seedEntity(t, st, "u1", domain.CategoryIndividual, 0)
	for i := 0; i < 5; i++ {
		seedFact(t, st, fmt.Sprintf("like-%d", i), "u1", domain.FactLike, 1)
	}
	for i := 0; i < 2; i++ {
		seedFact(t, st, fmt.Sprintf("comment-%d", i), "u1", domain.FactComment, 1)
	}
	seedFact(t, st, "part-0", "u1", domain.FactParticipation, 1)

	snap, err := e.syncOnce(ctx, "u1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	// 5*5 + 2*10 + 1*20
	if snap.Score != 65 {
		t.Fatalf("score = %d, want 65", snap.Score)
	}
	if snap.Counts.Likes != 5 || snap.Counts.Comments != 2 || snap.Counts.Participations != 1 {
		t.Fatalf("counts = %+v", snap.Counts)
	}
	if snap.Level != 0 || snap.PointsToNextLevel != 935 {
		t.Fatalf("level = %d, pointsToNext = %d", snap.Level, snap.PointsToNextLevel)
	}
	if snap.Degraded {
		t.Fatal("snapshot unexpectedly degraded")
	}

	doc, err := st.Get(ctx, store.CollectionEntities, "u1")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if got := store.IntField(doc.Fields, "score"); got != 65 {
		t.Fatalf("propagated entity score = %d, want 65", got)
	}
	stats, err := st.Get(ctx, store.CollectionEntityStats, "u1")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if got := store.IntField(stats.Fields, "score"); got != 65 {
		t.Fatalf("propagated stats score = %d, want 65", got)
	}
}

func TestSyncOnceIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	seedEntity(t, st, "u1", domain.CategoryIndividual, 0)
	seedFact(t, st, "f1", "u1", domain.FactLike, 1)
	seedFact(t, st, "f2", "u1", domain.FactComment, 1)

	first, err := e.syncOnce(ctx, "u1")
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	second, err := e.syncOnce(ctx, "u1")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if first.Score != second.Score || first.Counts != second.Counts ||
		first.Level != second.Level || first.Rank != second.Rank {
		t.Fatalf("recompute not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestSyncAdvancesEntityVersionMonotonically(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	seedEntity(t, st, "u1", domain.CategoryIndividual, 0)
	seedFact(t, st, "f1", "u1", domain.FactLike, 1)

	before, err := st.Get(ctx, store.CollectionEntities, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var versions []int64
	for i := 0; i < 3; i++ {
		if _, err := e.syncOnce(ctx, "u1"); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		doc, err := st.Get(ctx, store.CollectionEntities, "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		versions = append(versions, doc.Version)
	}
	prev := before.Version
	for i, v := range versions {
		if v <= prev {
			t.Fatalf("version %d not monotonic: %d after %d", i, v, prev)
		}
		prev = v
	}
}

func TestPropagateStaleVersionConflicts(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	seedEntity(t, st, "u1", domain.CategoryIndividual, 0)
	seedFact(t, st, "f1", "u1", domain.FactLike, 1)

	entity, err := e.entity(ctx, "u1")
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	snap := e.recomputer.Recompute(ctx, "u1", entity.Category)

	// another writer moves the entity between recompute and the CAS write
	err = st.BatchWrite(ctx, []store.WriteOp{{
		Kind: store.OpMerge, Collection: store.CollectionEntities, ID: "u1",
		Fields: map[string]any{"displayName": "renamed"},
	}})
	if err != nil {
		t.Fatalf("interleaved write: %v", err)
	}

	if _, err := e.propagator.Propagate(ctx, snap, entity.Version); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}

	// syncOnce re-derives from a fresh read and succeeds
	out, err := e.syncOnce(ctx, "u1")
	if err != nil {
		t.Fatalf("sync after conflict: %v", err)
	}
	if out.Score != 5 {
		t.Fatalf("score = %d, want 5", out.Score)
	}
}

func TestForceRefreshNotifiesSubscribersExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	seedEntity(t, st, "org1", domain.CategoryOrganization, 0)
	seedFact(t, st, "ev1", "org1", domain.FactContentCreated, 1)
	seedFact(t, st, "like1", "org1", domain.FactLike, 1)
	err := st.BatchWrite(ctx, []store.WriteOp{{
		Kind: store.OpSet, Collection: store.CollectionMemberships, ID: "m1",
		Fields: map[string]any{"userId": "u9", "clubId": "org1"},
	}})
	if err != nil {
		t.Fatalf("seed membership: %v", err)
	}

	var got []domain.Snapshot
	token := e.Subscribe("org1", func(s domain.Snapshot) { got = append(got, s) })
	defer e.Unsubscribe("org1", token)

	snap := e.ForceRefresh(ctx, "org1")
	// 1*50 (event) + 1*10 (member) + 1*2 (owned like)
	if snap.Score != 62 {
		t.Fatalf("score = %d, want 62", snap.Score)
	}
	if len(got) != 1 {
		t.Fatalf("subscriber notified %d times, want 1", len(got))
	}
	if got[0].Score != 62 {
		t.Fatalf("notified score = %d, want 62", got[0].Score)
	}

	// membership link got the embedded copy
	link, err := st.Get(ctx, store.CollectionMemberships, "m1")
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if gotScore := store.IntField(link.Fields, "clubScore"); gotScore != 62 {
		t.Fatalf("embedded clubScore = %d, want 62", gotScore)
	}
}

func TestExternalTriggerRepairsImplausibleScore(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	// facts worth 25 points, but the stored score was corrupted to 3,
	// under the individual floor of 10
	seedEntity(t, st, "u1", domain.CategoryIndividual, 3)
	for i := 0; i < 5; i++ {
		seedFact(t, st, fmt.Sprintf("f%d", i), "u1", domain.FactLike, 1)
	}

	outcome := e.applyExternalTrigger(ctx, domain.SyncEvent{
		EntityID: "u1",
		Kind:     domain.ChangeExternalTrigger,
	})
	if outcome != "anomaly" {
		t.Fatalf("outcome = %q, want anomaly", outcome)
	}

	ev, err := e.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ev.Kind != domain.ChangeFullRecompute {
		t.Fatalf("queued kind = %q, want full recompute", ev.Kind)
	}
	if got := e.applyRecompute(ctx, ev); got != "ok" {
		t.Fatalf("recompute outcome = %q", got)
	}

	doc, err := st.Get(ctx, store.CollectionEntities, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := store.IntField(doc.Fields, "score"); got != 25 {
		t.Fatalf("repaired score = %d, want 25", got)
	}
}

func TestEngineEndToEndReactsToRecordedEngagements(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedEntity(t, st, "u1", domain.CategoryIndividual, 0)

	e.Start(ctx)
	defer e.Stop()

	for i := 0; i < 3; i++ {
		_, err := e.RecordEngagement(ctx, domain.EngagementFact{
			Type:            domain.FactLike,
			SubjectEntityID: "u1",
			ActorEntityID:   "u2",
		})
		if err != nil {
			t.Fatalf("record engagement: %v", err)
		}
	}

	waitFor(t, 5*time.Second, "stats to reach 15 points", func() bool {
		doc, err := st.Get(ctx, store.CollectionEntityStats, "u1")
		if err != nil {
			return false
		}
		return store.IntField(doc.Fields, "score") == 15 &&
			store.IntField(doc.Fields, "likes") == 3
	})

	snap := e.GetAggregate(ctx, "u1")
	if snap.Degraded {
		t.Fatal("aggregate degraded")
	}
	if snap.Score != 15 {
		t.Fatalf("cached score = %d, want 15", snap.Score)
	}
}

func TestGetAggregateNeverErrors(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	snap := e.GetAggregate(context.Background(), "ghost")
	if !snap.Degraded {
		t.Fatal("missing entity should serve a degraded placeholder")
	}
	if snap.EntityID != "ghost" {
		t.Fatalf("entityId = %q", snap.EntityID)
	}
}

func TestRecordEngagementValidates(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	if _, err := e.RecordEngagement(ctx, domain.EngagementFact{Type: domain.FactLike}); err == nil {
		t.Fatal("missing subject accepted")
	}
	if _, err := e.RecordEngagement(ctx, domain.EngagementFact{
		Type: "teleport", SubjectEntityID: "u1",
	}); err == nil {
		t.Fatal("unknown fact type accepted")
	}
}
