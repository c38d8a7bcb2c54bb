package statsync

import (
	"context"
	"fmt"
	"testing"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/store"
)

func TestRankIsDenseAndDeterministicOnTies(t *testing.T) {
	st := newTestStore(t)
	r := NewRanker(mustTestLogger(t), st)
	ctx := context.Background()

	seedEntity(t, st, "carol", domain.CategoryIndividual, 100)
	seedEntity(t, st, "alice", domain.CategoryIndividual, 100)
	seedEntity(t, st, "bob", domain.CategoryIndividual, 50)
	seedEntity(t, st, "org1", domain.CategoryOrganization, 500)

	want := map[string]int{"alice": 1, "carol": 2, "bob": 3}
	seen := map[int]bool{}
	for id, wantRank := range want {
		e := domain.Entity{ID: id, Category: domain.CategoryIndividual}
		switch id {
		case "bob":
			e.Score = 50
		default:
			e.Score = 100
		}
		rank, err := r.Rank(ctx, e)
		if err != nil {
			t.Fatalf("rank %s: %v", id, err)
		}
		if rank != wantRank {
			t.Fatalf("rank(%s) = %d, want %d", id, rank, wantRank)
		}
		if seen[rank] {
			t.Fatalf("rank %d assigned twice", rank)
		}
		seen[rank] = true
	}

	// the organization cohort is ranked separately
	orgRank, err := r.Rank(ctx, domain.Entity{ID: "org1", Category: domain.CategoryOrganization, Score: 500})
	if err != nil {
		t.Fatalf("org rank: %v", err)
	}
	if orgRank != 1 {
		t.Fatalf("org rank = %d, want 1", orgRank)
	}
}

func TestRankApproximatesLargeCohorts(t *testing.T) {
	st := newTestStore(t)
	r := NewRanker(mustTestLogger(t), st)
	r.approxThreshold = 5
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		seedEntity(t, st, fmt.Sprintf("u%02d", i), domain.CategoryIndividual, int64(i*10))
	}

	// score 45: five entities score higher (50..90)
	rank, err := r.Rank(ctx, domain.Entity{ID: "u-mid", Category: domain.CategoryIndividual, Score: 45})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if rank != 6 {
		t.Fatalf("approximate rank = %d, want 6", rank)
	}
}

func TestRankUsesCallerScoreOverStoredScore(t *testing.T) {
	st := newTestStore(t)
	r := NewRanker(mustTestLogger(t), st)
	ctx := context.Background()

	// dave's stored score predates the recompute; the rank paired with the
	// fresh score must come from that fresh score
	seedEntity(t, st, "dave", domain.CategoryIndividual, 0)
	seedEntity(t, st, "erin", domain.CategoryIndividual, 10)
	seedEntity(t, st, "finn", domain.CategoryIndividual, 5)

	rank, err := r.Rank(ctx, domain.Entity{ID: "dave", Category: domain.CategoryIndividual, Score: 65})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if rank != 1 {
		t.Fatalf("rank = %d, want 1", rank)
	}

	rank, err = r.Rank(ctx, domain.Entity{ID: "dave", Category: domain.CategoryIndividual, Score: 7})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if rank != 2 {
		t.Fatalf("rank = %d, want 2", rank)
	}
}

func TestLeaderboardRanksPageMetrics(t *testing.T) {
	st := newTestStore(t)
	r := NewRanker(mustTestLogger(t), st)
	ctx := context.Background()

	seedEntity(t, st, "alice", domain.CategoryIndividual, 300)
	seedEntity(t, st, "bob", domain.CategoryIndividual, 200)
	seedEntity(t, st, "carol", domain.CategoryIndividual, 100)
	for id, likes := range map[string]int64{"alice": 2, "bob": 9, "carol": 5} {
		err := st.BatchWrite(ctx, []store.WriteOp{{
			Kind: store.OpSet, Collection: store.CollectionEntityStats, ID: id,
			Fields: map[string]any{"likes": likes},
		}})
		if err != nil {
			t.Fatalf("seed stats: %v", err)
		}
	}

	entries, err := r.Leaderboard(ctx, domain.CategoryIndividual, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	for i, wantID := range []string{"alice", "bob", "carol"} {
		if entries[i].Entity.ID != wantID || entries[i].Rank != i+1 {
			t.Fatalf("entry %d = %s rank %d", i, entries[i].Entity.ID, entries[i].Rank)
		}
	}
	likesRanks := map[string]int{}
	for _, e := range entries {
		likesRanks[e.Entity.ID] = e.LikesRank
	}
	if likesRanks["bob"] != 1 || likesRanks["carol"] != 2 || likesRanks["alice"] != 3 {
		t.Fatalf("likes ranks = %v", likesRanks)
	}
}

func TestLeaderboardCapsLimit(t *testing.T) {
	st := newTestStore(t)
	r := NewRanker(mustTestLogger(t), st)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		seedEntity(t, st, fmt.Sprintf("u%02d", i), domain.CategoryIndividual, int64(i))
	}
	entries, err := r.Leaderboard(ctx, domain.CategoryIndividual, -1)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(entries) != 25 {
		t.Fatalf("default page = %d, want 25", len(entries))
	}
}
