package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/campuspulse/backend/internal/realtime/bus"
)

// Collection names watched and written by the sync engine.
const (
	CollectionEntities    = "entities"
	CollectionEntityStats = "entity_stats"
	CollectionFacts       = "engagement_facts"
	CollectionContents    = "contents"
	CollectionMemberships = "memberships"
)

// Store limits, mirroring typical document-store batch caps.
const (
	MaxBatchGet   = 30
	MaxBatchWrite = 500
)

var (
	// ErrNotFound is returned by Get for a missing document.
	ErrNotFound = errors.New("document not found")
	// ErrVersionConflict is returned when a CAS write loses the race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrPermissionDenied marks writes/reads rejected by store rules. Callers
	// degrade to cache-only for the collection, never crash.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransient marks network/availability failures that are retryable.
	ErrTransient = errors.New("transient store error")
)

// Document is the store's unit of data. Fields hold the loosely-shaped
// payload; Version increases on every committed write.
type Document struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
	Version    int64          `json:"version"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Filter is an equality predicate on a payload field.
type Filter struct {
	Field string
	Value any
}

// Query bundles equality filters with optional score ordering. Only the
// capabilities the underlying document store actually offers are modeled;
// no joins, no inequality filters besides the score count helper.
type Query struct {
	Filters      []Filter
	OrderByScore bool
	Desc         bool
	Limit        int
}

// OpKind enumerates batch write operations.
type OpKind string

const (
	OpSet       OpKind = "set"    // replace full payload
	OpMerge     OpKind = "merge"  // upsert listed fields
	OpDelete    OpKind = "delete" // remove document
	OpIncrement OpKind = "increment"
)

// WriteOp is one entry of a bounded batch write. ExpectedVersion, when set,
// turns the op into a compare-and-set: the write fails with
// ErrVersionConflict if the stored version has moved.
type WriteOp struct {
	Kind            OpKind
	Collection      string
	ID              string
	Fields          map[string]any
	Field           string // increment target
	Delta           int64  // increment amount
	ExpectedVersion *int64
}

// ChangeKind classifies an observed document change.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one element of a collection's change stream.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	Collection string     `json:"collection"`
	Doc        Document   `json:"doc"`
}

// Store is the capability contract over the document store. All operations
// take a context and must respect its deadline; failures are transient or
// permission errors, never process-fatal.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Query(ctx context.Context, collection string, q Query) ([]*Document, error)
	BatchGet(ctx context.Context, collection string, ids []string) ([]*Document, error)
	AtomicIncrement(ctx context.Context, collection, id, field string, delta int64) error
	BatchWrite(ctx context.Context, ops []WriteOp) error
	CountScoreGreater(ctx context.Context, collection string, filters []Filter, score int64) (int64, error)
	// Subscribe opens the change stream for one collection. The returned
	// cancel func releases the subscription.
	Subscribe(ctx context.Context, collection string) (<-chan Change, func(), error)
}

func changeTopic(collection string) string {
	return "changes." + strings.TrimSpace(collection)
}

// publishChange encodes and publishes a change on the bus. Change delivery is
// best-effort; a failed publish is the caller's to log, the committed write
// stands either way.
func publishChange(ctx context.Context, b bus.Bus, c Change) error {
	if b == nil {
		return nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	return b.Publish(ctx, changeTopic(c.Collection), raw)
}

// subscribeChanges adapts a bus subscription into a typed change stream.
func subscribeChanges(ctx context.Context, b bus.Bus, collection string) (<-chan Change, func(), error) {
	if b == nil {
		return nil, nil, fmt.Errorf("store has no bus; change streams unavailable")
	}
	raw, cancel, err := b.Subscribe(ctx, changeTopic(collection))
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Change, 64)
	go func() {
		defer close(out)
		for payload := range raw {
			var c Change
			if err := json.Unmarshal(payload, &c); err != nil {
				continue
			}
			out <- c
		}
	}()
	return out, cancel, nil
}

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrTransient, err)
}

// IsRetryable reports whether an error should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
