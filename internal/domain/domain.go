package domain

import (
	"strings"
	"time"
)

// Category partitions entities into ranking cohorts. Individuals are only
// ever ranked against individuals, organizations against organizations.
type Category string

const (
	CategoryIndividual   Category = "individual"
	CategoryOrganization Category = "organization"
)

func ParseCategory(s string) Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "organization", "club", "org":
		return CategoryOrganization
	default:
		return CategoryIndividual
	}
}

// FactType identifies the kind of user action an engagement fact records.
type FactType string

const (
	FactLike           FactType = "like"
	FactComment        FactType = "comment"
	FactParticipation  FactType = "participation"
	FactMembership     FactType = "membership"
	FactContentCreated FactType = "content-created"
)

// EngagementFact is an immutable, append-only record of a single user action.
// Reversals (unlike, leave) are recorded as new facts with Delta=-1 rather
// than deletions.
type EngagementFact struct {
	FactID          string    `json:"factId"`
	Type            FactType  `json:"type"`
	SubjectEntityID string    `json:"subjectEntityId"`
	TargetID        string    `json:"targetId,omitempty"`
	ActorEntityID   string    `json:"actorEntityId,omitempty"`
	Delta           int64     `json:"delta"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Entity is the canonical shape of a user or organization as seen by the
// engine. Documents are normalized into this shape once, at the store
// boundary.
type Entity struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	DisplayName string    `json:"displayName"`
	Score       int64     `json:"score"`
	Level       int       `json:"level"`
	Rank        int       `json:"rank"` // 0 = not yet ranked
	Streak      int       `json:"streak"`
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// FactCounts holds raw per-type counts summed from engagement facts.
type FactCounts struct {
	Likes           int64 `json:"likes"`
	Comments        int64 `json:"comments"`
	Participations  int64 `json:"participations"`
	Memberships     int64 `json:"memberships"`
	EventsOrganized int64 `json:"eventsOrganized"`
	Members         int64 `json:"members"`
	OwnedLikes      int64 `json:"ownedLikes"`
	OwnedComments   int64 `json:"ownedComments"`
	OwnedAttendees  int64 `json:"ownedAttendees"`
}

// Snapshot is the recomputed aggregate for one entity at a point in time.
// It is what gets denormalized into every redundant copy.
type Snapshot struct {
	EntityID          string     `json:"entityId"`
	Category          Category   `json:"category"`
	Counts            FactCounts `json:"counts"`
	Score             int64      `json:"score"`
	Level             int        `json:"level"`
	PointsToNextLevel int64      `json:"pointsToNextLevel"`
	Streak            int        `json:"streak"`
	Rank              int        `json:"rank"`
	Degraded          bool       `json:"degraded"`
	ComputedAt        time.Time  `json:"computedAt"`
}

// ChangeKind classifies a sync event.
type ChangeKind string

const (
	ChangeIncrement       ChangeKind = "increment"
	ChangeFullRecompute   ChangeKind = "full-recompute"
	ChangeExternalTrigger ChangeKind = "external-trigger"
)

// SyncEvent is an ephemeral queue item describing work for the sync consumer.
type SyncEvent struct {
	EntityID   string
	Category   Category
	Kind       ChangeKind
	Field      string
	Delta      int64
	Attempts   int
	EnqueuedAt time.Time
}
