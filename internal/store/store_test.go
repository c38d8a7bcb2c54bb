package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/realtime/bus"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func newMemory(t *testing.T) Store {
	t.Helper()
	log := mustTestLogger(t)
	return NewMemoryStore(log, bus.NewMemoryBus(log))
}

func newSqlite(t *testing.T) Store {
	t.Helper()
	log := mustTestLogger(t)
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s, err := NewGormStore(db, log, bus.NewMemoryBus(log))
	if err != nil {
		t.Fatalf("gorm store: %v", err)
	}
	return s
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemory(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSqlite(t)) })
}

func seed(t *testing.T, s Store, collection, id string, fields map[string]any) {
	t.Helper()
	err := s.BatchWrite(context.Background(), []WriteOp{
		{Kind: OpSet, Collection: collection, ID: id, Fields: fields},
	})
	if err != nil {
		t.Fatalf("seed %s/%s: %v", collection, id, err)
	}
}

func TestGetMissingDocument(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), CollectionEntities, "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})
}

func TestBatchWriteSetMergeIncrement(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, CollectionEntities, "u1", map[string]any{"score": 10, "displayName": "Ada"})

		err := s.BatchWrite(ctx, []WriteOp{
			{Kind: OpMerge, Collection: CollectionEntities, ID: "u1", Fields: map[string]any{"level": 1}},
			{Kind: OpIncrement, Collection: CollectionEntities, ID: "u1", Field: "score", Delta: 5},
		})
		if err != nil {
			t.Fatalf("batch write: %v", err)
		}

		doc, err := s.Get(ctx, CollectionEntities, "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got := IntField(doc.Fields, "score"); got != 15 {
			t.Fatalf("score = %d, want 15", got)
		}
		if got := IntField(doc.Fields, "level"); got != 1 {
			t.Fatalf("level = %d, want 1", got)
		}
		if got := StrField(doc.Fields, "displayName"); got != "Ada" {
			t.Fatalf("merge dropped displayName, got %q", got)
		}
		if doc.Version != 3 {
			t.Fatalf("version = %d, want 3 after three writes", doc.Version)
		}
	})
}

func TestBatchWriteVersionConflictIsAllOrNothing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, CollectionEntities, "u1", map[string]any{"score": 10})
		seed(t, s, CollectionEntities, "u2", map[string]any{"score": 20})

		stale := int64(99)
		err := s.BatchWrite(ctx, []WriteOp{
			{Kind: OpMerge, Collection: CollectionEntities, ID: "u1", Fields: map[string]any{"score": 11}},
			{Kind: OpMerge, Collection: CollectionEntities, ID: "u2", Fields: map[string]any{"score": 21}, ExpectedVersion: &stale},
		})
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("want ErrVersionConflict, got %v", err)
		}

		// the passing op must not have been applied
		doc, err := s.Get(ctx, CollectionEntities, "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got := IntField(doc.Fields, "score"); got != 10 {
			t.Fatalf("u1 score = %d after failed batch, want 10", got)
		}
	})
}

func TestBatchWriteCASMatchingVersionSucceeds(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, CollectionEntities, "u1", map[string]any{"score": 10})
		doc, err := s.Get(ctx, CollectionEntities, "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}

		err = s.BatchWrite(ctx, []WriteOp{
			{Kind: OpMerge, Collection: CollectionEntities, ID: "u1",
				Fields: map[string]any{"score": 42}, ExpectedVersion: &doc.Version},
		})
		if err != nil {
			t.Fatalf("cas write: %v", err)
		}
		after, err := s.Get(ctx, CollectionEntities, "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got := IntField(after.Fields, "score"); got != 42 {
			t.Fatalf("score = %d, want 42", got)
		}
		if after.Version != doc.Version+1 {
			t.Fatalf("version = %d, want %d", after.Version, doc.Version+1)
		}
	})
}

func TestBatchWriteDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, CollectionContents, "c1", map[string]any{"title": "hello"})
		err := s.BatchWrite(ctx, []WriteOp{
			{Kind: OpDelete, Collection: CollectionContents, ID: "c1"},
		})
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Get(ctx, CollectionContents, "c1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound after delete, got %v", err)
		}
	})
}

func TestBatchWriteLimit(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ops := make([]WriteOp, MaxBatchWrite+1)
		for i := range ops {
			ops[i] = WriteOp{Kind: OpMerge, Collection: CollectionEntities, ID: "x", Fields: map[string]any{}}
		}
		if err := s.BatchWrite(context.Background(), ops); err == nil {
			t.Fatal("oversized batch accepted")
		}
	})
}

func TestAtomicIncrementVersionsAreMonotonic(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if err := s.AtomicIncrement(ctx, CollectionEntityStats, "u1", "likes", 1); err != nil {
				t.Fatalf("increment %d: %v", i, err)
			}
		}
		doc, err := s.Get(ctx, CollectionEntityStats, "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got := IntField(doc.Fields, "likes"); got != 5 {
			t.Fatalf("likes = %d, want 5", got)
		}
		if doc.Version != 5 {
			t.Fatalf("version = %d, want 5", doc.Version)
		}
	})
}

func TestQueryScoreOrderingAndTieBreak(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, CollectionEntities, "b", map[string]any{"score": 100, "category": "individual"})
		seed(t, s, CollectionEntities, "a", map[string]any{"score": 100, "category": "individual"})
		seed(t, s, CollectionEntities, "c", map[string]any{"score": 50, "category": "individual"})
		seed(t, s, CollectionEntities, "d", map[string]any{"score": 200, "category": "organization"})

		docs, err := s.Query(ctx, CollectionEntities, Query{
			Filters:      []Filter{{Field: "category", Value: "individual"}},
			OrderByScore: true,
			Desc:         true,
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		var ids []string
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
		want := []string{"a", "b", "c"}
		if len(ids) != len(want) {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("ids = %v, want %v", ids, want)
			}
		}
	})
}

func TestBatchGetSplitsOversizedRequests(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ids := make([]string, MaxBatchGet+5)
		for i := range ids {
			ids[i] = fmt.Sprintf("e%03d", i)
			seed(t, s, CollectionEntities, ids[i], map[string]any{"score": i})
		}
		docs, err := s.BatchGet(ctx, CollectionEntities, ids)
		if err != nil {
			t.Fatalf("batch get: %v", err)
		}
		if len(docs) != len(ids) {
			t.Fatalf("got %d docs, want %d", len(docs), len(ids))
		}
	})
}

func TestCountScoreGreater(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, CollectionEntities, "a", map[string]any{"score": 100, "category": "individual"})
		seed(t, s, CollectionEntities, "b", map[string]any{"score": 300, "category": "individual"})
		seed(t, s, CollectionEntities, "c", map[string]any{"score": 500, "category": "organization"})

		n, err := s.CountScoreGreater(ctx, CollectionEntities,
			[]Filter{{Field: "category", Value: "individual"}}, 150)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 1 {
			t.Fatalf("count = %d, want 1", n)
		}
	})
}

func TestSubscribeDeliversCommittedChanges(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		changes, stop, err := s.Subscribe(ctx, CollectionFacts)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer stop()

		seed(t, s, CollectionFacts, "f1", map[string]any{"type": "like", "subjectEntityId": "u1"})

		select {
		case c := <-changes:
			if c.Kind != ChangeAdded {
				t.Fatalf("kind = %q, want %q", c.Kind, ChangeAdded)
			}
			if c.Doc.ID != "f1" {
				t.Fatalf("doc id = %q, want f1", c.Doc.ID)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for change")
		}
	})
}

func TestFailCollectionSimulatesPermissionDenied(t *testing.T) {
	s := newMemory(t)
	ctx := context.Background()
	seed(t, s, CollectionMemberships, "m1", map[string]any{"clubId": "org1"})

	FailCollection(s, CollectionMemberships, ErrPermissionDenied)
	if _, err := s.Get(ctx, CollectionMemberships, "m1"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("want ErrPermissionDenied, got %v", err)
	}

	FailCollection(s, CollectionMemberships, nil)
	if _, err := s.Get(ctx, CollectionMemberships, "m1"); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}
