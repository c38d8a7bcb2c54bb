package statsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/store"
)

// countSpec binds one snapshot counter to the query that produces it and the
// points one unit is worth.
type countSpec struct {
	field  string
	weight int64

	factType   domain.FactType // counted from engagement facts when set
	membership string          // membership link field to filter on otherwise
}

func countSpecs(schema domain.ScoringSchema, category domain.Category) []countSpec {
	if category == domain.CategoryOrganization {
		return []countSpec{
			{field: "eventsOrganized", factType: domain.FactContentCreated, weight: schema.Organization.EventOrganized},
			{field: "members", membership: "clubId", weight: schema.Organization.Member},
			{field: "ownedLikes", factType: domain.FactLike, weight: schema.Organization.OwnedLike},
			{field: "ownedComments", factType: domain.FactComment, weight: schema.Organization.OwnedComment},
			{field: "ownedAttendees", factType: domain.FactParticipation, weight: schema.Organization.OwnedAttendee},
		}
	}
	return []countSpec{
		{field: "participations", factType: domain.FactParticipation, weight: schema.Individual.Participation},
		{field: "likes", factType: domain.FactLike, weight: schema.Individual.Like},
		{field: "comments", factType: domain.FactComment, weight: schema.Individual.Comment},
		{field: "memberships", membership: "userId", weight: schema.Individual.Membership},
	}
}

func setCount(c *domain.FactCounts, field string, v int64) {
	switch field {
	case "likes":
		c.Likes = v
	case "comments":
		c.Comments = v
	case "participations":
		c.Participations = v
	case "memberships":
		c.Memberships = v
	case "eventsOrganized":
		c.EventsOrganized = v
	case "members":
		c.Members = v
	case "ownedLikes":
		c.OwnedLikes = v
	case "ownedComments":
		c.OwnedComments = v
	case "ownedAttendees":
		c.OwnedAttendees = v
	}
}

func getCount(c domain.FactCounts, field string) int64 {
	switch field {
	case "likes":
		return c.Likes
	case "comments":
		return c.Comments
	case "participations":
		return c.Participations
	case "memberships":
		return c.Memberships
	case "eventsOrganized":
		return c.EventsOrganized
	case "members":
		return c.Members
	case "ownedLikes":
		return c.OwnedLikes
	case "ownedComments":
		return c.OwnedComments
	case "ownedAttendees":
		return c.OwnedAttendees
	}
	return 0
}

// Recomputer rebuilds an entity's aggregate from the raw facts.
type Recomputer struct {
	log         *logger.Logger
	store       store.Store
	schema      domain.ScoringSchema
	readTimeout time.Duration
}

func NewRecomputer(log *logger.Logger, st store.Store, schema domain.ScoringSchema) *Recomputer {
	return &Recomputer{
		log:         log.With("component", "Recomputer"),
		store:       st,
		schema:      schema,
		readTimeout: 5 * time.Second,
	}
}

// Recompute fans out one bounded read per counter, sums deltas, and derives
// the weighted score and level. A failed counter read falls back to the
// previously stored count and marks the snapshot degraded instead of
// failing the whole pass.
func (r *Recomputer) Recompute(ctx context.Context, entityID string, category domain.Category) domain.Snapshot {
	specs := countSpecs(r.schema, category)
	prior := r.storedCounts(ctx, entityID)

	var mu sync.Mutex
	counts := domain.FactCounts{}
	degraded := false
	var participationTimes []time.Time

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			readCtx, cancel := context.WithTimeout(gctx, r.readTimeout)
			defer cancel()

			total, times, err := r.count(readCtx, entityID, spec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.log.Warn("counter read failed; keeping stored count",
					"entityId", entityID, "field", spec.field, "error", err)
				setCount(&counts, spec.field, getCount(prior, spec.field))
				degraded = true
				return nil
			}
			setCount(&counts, spec.field, total)
			if spec.factType == domain.FactParticipation {
				participationTimes = times
			}
			return nil
		})
	}
	_ = g.Wait()

	score := r.schema.Score(category, counts)
	if raw := rawScore(r.schema, category, counts); raw < 0 {
		r.log.Warn("negative weighted sum clamped to zero",
			"entityId", entityID, "raw", raw)
	}

	return domain.Snapshot{
		EntityID:          entityID,
		Category:          category,
		Counts:            counts,
		Score:             score,
		Level:             r.schema.LevelFor(score),
		PointsToNextLevel: r.schema.PointsToNextLevel(score),
		Streak:            streakFrom(participationTimes, time.Now().UTC()),
		Degraded:          degraded,
		ComputedAt:        time.Now().UTC(),
	}
}

// Plausible reports whether a stored score passes the category floor given
// observable activity. An entity with facts but a score under the floor is
// suspect and should be recomputed.
func (r *Recomputer) Plausible(ctx context.Context, e domain.Entity) bool {
	floor := r.schema.Floor(e.Category)
	if e.Score >= floor {
		return true
	}
	readCtx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()
	docs, err := r.store.Query(readCtx, store.CollectionFacts, store.Query{
		Filters: []store.Filter{{Field: "subjectEntityId", Value: e.ID}},
		Limit:   1,
	})
	if err != nil {
		return true // cannot tell; do not force work on a degraded read path
	}
	return len(docs) == 0
}

func (r *Recomputer) count(ctx context.Context, entityID string, spec countSpec) (int64, []time.Time, error) {
	if spec.membership != "" {
		docs, err := r.store.Query(ctx, store.CollectionMemberships, store.Query{
			Filters: []store.Filter{{Field: spec.membership, Value: entityID}},
		})
		if err != nil {
			return 0, nil, err
		}
		return int64(len(docs)), nil, nil
	}

	docs, err := r.store.Query(ctx, store.CollectionFacts, store.Query{
		Filters: []store.Filter{
			{Field: "subjectEntityId", Value: entityID},
			{Field: "type", Value: string(spec.factType)},
		},
	})
	if err != nil {
		return 0, nil, err
	}
	var total int64
	var times []time.Time
	for _, doc := range docs {
		fact := store.NormalizeFact(doc)
		total += fact.Delta
		if fact.Delta > 0 {
			times = append(times, fact.CreatedAt)
		}
	}
	if total < 0 {
		total = 0
	}
	return total, times, nil
}

func (r *Recomputer) storedCounts(ctx context.Context, entityID string) domain.FactCounts {
	readCtx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()
	doc, err := r.store.Get(readCtx, store.CollectionEntityStats, entityID)
	if err != nil {
		return domain.FactCounts{}
	}
	var c domain.FactCounts
	for _, field := range []string{
		"likes", "comments", "participations", "memberships",
		"eventsOrganized", "members", "ownedLikes", "ownedComments", "ownedAttendees",
	} {
		setCount(&c, field, store.IntField(doc.Fields, field))
	}
	return c
}

// rawScore is the unclamped weighted sum, used only to detect the anomaly.
func rawScore(s domain.ScoringSchema, category domain.Category, c domain.FactCounts) int64 {
	if category == domain.CategoryOrganization {
		return c.EventsOrganized*s.Organization.EventOrganized +
			c.Members*s.Organization.Member +
			c.OwnedLikes*s.Organization.OwnedLike +
			c.OwnedComments*s.Organization.OwnedComment +
			c.OwnedAttendees*s.Organization.OwnedAttendee
	}
	return c.Participations*s.Individual.Participation +
		c.Likes*s.Individual.Like +
		c.Comments*s.Individual.Comment +
		c.Memberships*s.Individual.Membership
}

// streakFrom counts consecutive active days ending at the most recent
// participation. A gap of more than one full day from now breaks the streak.
func streakFrom(times []time.Time, now time.Time) int {
	if len(times) == 0 {
		return 0
	}
	days := make(map[string]bool, len(times))
	var last time.Time
	for _, t := range times {
		t = t.UTC()
		days[t.Format("2006-01-02")] = true
		if t.After(last) {
			last = t
		}
	}
	if now.Sub(last) > 48*time.Hour {
		return 0
	}
	streak := 0
	day := last
	for days[day.Format("2006-01-02")] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}
