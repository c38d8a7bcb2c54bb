package statsync

import (
	"context"
	"sort"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/store"
)

const defaultApproxThreshold = 1000

// Ranker computes dense cohort ranks. Cohorts are partitioned by category;
// ordering is score descending with entity id ascending as the tie-break, so
// two recomputes over the same data always agree.
type Ranker struct {
	log             *logger.Logger
	store           store.Store
	approxThreshold int
}

func NewRanker(log *logger.Logger, st store.Store) *Ranker {
	return &Ranker{
		log:             log.With("component", "Ranker"),
		store:           st,
		approxThreshold: defaultApproxThreshold,
	}
}

// Rank returns the 1-based position of the entity inside its category cohort.
// Ranking always uses e.Score as passed in, so a freshly recomputed score
// ranks correctly before it is written back; the caller's own stored doc is
// skipped. Small cohorts are ranked exactly; past the threshold the rank is
// approximated as count(score > mine) + 1, which collapses ties but avoids
// reading the whole cohort.
func (r *Ranker) Rank(ctx context.Context, e domain.Entity) (int, error) {
	cohort := []store.Filter{{Field: "category", Value: string(e.Category)}}
	docs, err := r.store.Query(ctx, store.CollectionEntities, store.Query{
		Filters:      cohort,
		OrderByScore: true,
		Desc:         true,
		Limit:        r.approxThreshold + 1,
	})
	if err != nil {
		return 0, err
	}
	if len(docs) <= r.approxThreshold {
		rank := 1
		for _, doc := range docs {
			if doc.ID == e.ID {
				continue
			}
			score := store.IntField(doc.Fields, "score", "totalPoints")
			if score > e.Score || (score == e.Score && doc.ID < e.ID) {
				rank++
			}
		}
		return rank, nil
	}
	above, err := r.store.CountScoreGreater(ctx, store.CollectionEntities, cohort, e.Score)
	if err != nil {
		return 0, err
	}
	return int(above) + 1, nil
}

// LeaderboardEntry is one row of a cohort leaderboard, with per-metric ranks
// computed over the returned page.
type LeaderboardEntry struct {
	Entity             domain.Entity     `json:"entity"`
	Counts             domain.FactCounts `json:"counts"`
	Rank               int               `json:"rank"`
	LikesRank          int               `json:"likesRank,omitempty"`
	CommentsRank       int               `json:"commentsRank,omitempty"`
	ParticipationsRank int               `json:"participationsRank,omitempty"`
}

// Leaderboard returns the top entities of a category with overall and
// per-metric ranks.
func (r *Ranker) Leaderboard(ctx context.Context, category domain.Category, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	docs, err := r.store.Query(ctx, store.CollectionEntities, store.Query{
		Filters:      []store.Filter{{Field: "category", Value: string(category)}},
		OrderByScore: true,
		Desc:         true,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(docs))
	ids := make([]string, 0, len(docs))
	for i, doc := range docs {
		entries = append(entries, LeaderboardEntry{
			Entity: store.NormalizeEntity(doc),
			Rank:   i + 1,
		})
		ids = append(ids, doc.ID)
	}

	stats, err := r.store.BatchGet(ctx, store.CollectionEntityStats, ids)
	if err != nil {
		r.log.Warn("leaderboard stats lookup failed; serving ranks only", "error", err)
		return entries, nil
	}
	byID := make(map[string]*store.Document, len(stats))
	for _, doc := range stats {
		byID[doc.ID] = doc
	}
	for i := range entries {
		doc, ok := byID[entries[i].Entity.ID]
		if !ok {
			continue
		}
		for _, field := range []string{
			"likes", "comments", "participations", "memberships",
			"eventsOrganized", "members", "ownedLikes", "ownedComments", "ownedAttendees",
		} {
			setCount(&entries[i].Counts, field, store.IntField(doc.Fields, field))
		}
	}

	rankMetric(entries, func(e LeaderboardEntry) int64 { return e.Counts.Likes },
		func(e *LeaderboardEntry, r int) { e.LikesRank = r })
	rankMetric(entries, func(e LeaderboardEntry) int64 { return e.Counts.Comments },
		func(e *LeaderboardEntry, r int) { e.CommentsRank = r })
	rankMetric(entries, func(e LeaderboardEntry) int64 { return e.Counts.Participations },
		func(e *LeaderboardEntry, r int) { e.ParticipationsRank = r })
	return entries, nil
}

// rankMetric assigns 1..N over the page for one metric, same tie-break rule
// as the overall rank.
func rankMetric(entries []LeaderboardEntry, value func(LeaderboardEntry) int64, assign func(*LeaderboardEntry, int)) {
	idx := make([]int, len(entries))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		va, vb := value(entries[idx[a]]), value(entries[idx[b]])
		if va != vb {
			return va > vb
		}
		return entries[idx[a]].Entity.ID < entries[idx[b]].Entity.ID
	})
	for pos, i := range idx {
		assign(&entries[i], pos+1)
	}
}
