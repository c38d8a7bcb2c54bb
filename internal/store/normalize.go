package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/campuspulse/backend/internal/domain"
)

// Documents written by older app versions carry inconsistent field names and
// numeric types. Normalization happens once, here, at the adapter boundary;
// the engine only ever sees the canonical shapes in internal/domain.

// NormalizeEntity maps a loosely-shaped entity document onto the canonical
// Entity struct.
func NormalizeEntity(doc *Document) domain.Entity {
	if doc == nil {
		return domain.Entity{}
	}
	f := doc.Fields
	return domain.Entity{
		ID:          doc.ID,
		Category:    domain.ParseCategory(StrField(f, "category", "userType", "accountType")),
		DisplayName: StrField(f, "displayName", "name", "username", "title"),
		Score:       IntField(f, "score", "totalPoints"),
		Level:       int(IntField(f, "level")),
		Rank:        int(IntField(f, "rank")),
		Streak:      int(IntField(f, "streak", "streakCount")),
		Version:     doc.Version,
		LastUpdated: doc.UpdatedAt,
	}
}

// NormalizeFact maps an engagement fact document onto the canonical shape.
// A fact without an explicit delta counts as +1.
func NormalizeFact(doc *Document) domain.EngagementFact {
	if doc == nil {
		return domain.EngagementFact{}
	}
	f := doc.Fields
	delta := IntField(f, "delta")
	if delta == 0 {
		delta = 1
	}
	created := doc.UpdatedAt
	if ts := StrField(f, "createdAt"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			created = parsed
		}
	}
	return domain.EngagementFact{
		FactID:          doc.ID,
		Type:            domain.FactType(StrField(f, "type")),
		SubjectEntityID: StrField(f, "subjectEntityId", "subjectId", "clubId"),
		TargetID:        StrField(f, "targetId", "eventId", "contentId"),
		ActorEntityID:   StrField(f, "actorEntityId", "actorId", "userId"),
		Delta:           delta,
		CreatedAt:       created,
	}
}

// StrField returns the first non-empty string value among the fallback names.
func StrField(fields map[string]any, names ...string) string {
	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				return s
			}
		}
	}
	return ""
}

// IntField returns the first present numeric value among the fallback names,
// coercing the types JSON decoding produces.
func IntField(fields map[string]any, names ...string) int64 {
	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case int64:
			return t
		case int:
			return int64(t)
		case float64:
			return int64(t)
		case json.Number:
			if i, err := t.Int64(); err == nil {
				return i
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
				return i
			}
		}
	}
	return 0
}
