package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IndividualWeights are the per-fact point values for individual entities.
type IndividualWeights struct {
	Participation int64 `yaml:"participation"`
	Like          int64 `yaml:"like"`
	Comment       int64 `yaml:"comment"`
	Membership    int64 `yaml:"membership"`
}

// OrganizationWeights are the per-fact point values for organizations.
// "Owned" weights apply to engagement received on content the organization
// published, not actions the organization performed.
type OrganizationWeights struct {
	EventOrganized int64 `yaml:"event_organized"`
	Member         int64 `yaml:"member"`
	OwnedLike      int64 `yaml:"owned_like"`
	OwnedComment   int64 `yaml:"owned_comment"`
	OwnedAttendee  int64 `yaml:"owned_attendee"`
}

// ScoringSchema is the full tunable scoring configuration. The zero value is
// not usable; start from DefaultSchema and override from YAML if a schema
// file is configured.
type ScoringSchema struct {
	Individual   IndividualWeights   `yaml:"individual"`
	Organization OrganizationWeights `yaml:"organization"`
	LevelSize    int64               `yaml:"level_size"`

	// PlausibilityFloor is the per-category score under which a stored
	// aggregate is treated as suspect and recomputed from facts. The
	// historical values are arbitrary; keep them tunable.
	PlausibilityFloor map[Category]int64 `yaml:"plausibility_floor"`
}

func DefaultSchema() ScoringSchema {
	return ScoringSchema{
		Individual: IndividualWeights{
			Participation: 20,
			Like:          5,
			Comment:       10,
			Membership:    15,
		},
		Organization: OrganizationWeights{
			EventOrganized: 50,
			Member:         10,
			OwnedLike:      2,
			OwnedComment:   5,
			OwnedAttendee:  3,
		},
		LevelSize: 1000,
		PlausibilityFloor: map[Category]int64{
			CategoryIndividual:   10,
			CategoryOrganization: 50,
		},
	}
}

// LoadSchema reads a YAML schema file over the defaults. A missing path
// returns the defaults unchanged.
func LoadSchema(path string) (ScoringSchema, error) {
	schema := DefaultSchema()
	if path == "" {
		return schema, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return schema, fmt.Errorf("read scoring schema: %w", err)
	}
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return schema, fmt.Errorf("parse scoring schema: %w", err)
	}
	if schema.LevelSize <= 0 {
		schema.LevelSize = DefaultSchema().LevelSize
	}
	if schema.PlausibilityFloor == nil {
		schema.PlausibilityFloor = DefaultSchema().PlausibilityFloor
	}
	return schema, nil
}

// Score computes the weighted sum for one category over raw fact counts.
// A sum that would go negative clamps to zero; the caller is responsible
// for logging the anomaly.
func (s ScoringSchema) Score(category Category, c FactCounts) int64 {
	var score int64
	switch category {
	case CategoryOrganization:
		score = c.EventsOrganized*s.Organization.EventOrganized +
			c.Members*s.Organization.Member +
			c.OwnedLikes*s.Organization.OwnedLike +
			c.OwnedComments*s.Organization.OwnedComment +
			c.OwnedAttendees*s.Organization.OwnedAttendee
	default:
		score = c.Participations*s.Individual.Participation +
			c.Likes*s.Individual.Like +
			c.Comments*s.Individual.Comment +
			c.Memberships*s.Individual.Membership
	}
	if score < 0 {
		return 0
	}
	return score
}

func (s ScoringSchema) LevelFor(score int64) int {
	if score < 0 {
		return 0
	}
	return int(score / s.LevelSize)
}

func (s ScoringSchema) PointsToNextLevel(score int64) int64 {
	if score < 0 {
		score = 0
	}
	return s.LevelSize - (score % s.LevelSize)
}

// Floor returns the plausibility floor for a category, zero if unset.
func (s ScoringSchema) Floor(category Category) int64 {
	if s.PlausibilityFloor == nil {
		return 0
	}
	return s.PlausibilityFloor[category]
}
