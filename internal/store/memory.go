package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/realtime/bus"
)

// memoryStore keeps documents in process memory. It implements the same
// contract and change-stream behavior as the GORM store so the engine and
// its tests can run without a database.
type memoryStore struct {
	log  *logger.Logger
	bus  bus.Bus
	mu   sync.RWMutex
	data map[string]map[string]*Document // collection -> id -> doc

	// failCollections simulates permission-denied rules per collection.
	failMu          sync.RWMutex
	failCollections map[string]error
}

// NewMemoryStore returns an in-memory Store publishing change streams on the
// given bus.
func NewMemoryStore(log *logger.Logger, b bus.Bus) Store {
	return &memoryStore{
		log:             log.With("component", "MemoryStore"),
		bus:             b,
		data:            make(map[string]map[string]*Document),
		failCollections: make(map[string]error),
	}
}

// FailCollection makes every access to a collection return err until reset
// with a nil err. Only used by tests to exercise degraded paths.
func FailCollection(s Store, collection string, err error) {
	ms, ok := s.(*memoryStore)
	if !ok {
		return
	}
	ms.failMu.Lock()
	defer ms.failMu.Unlock()
	if err == nil {
		delete(ms.failCollections, collection)
		return
	}
	ms.failCollections[collection] = err
}

func (s *memoryStore) failure(collection string) error {
	s.failMu.RLock()
	defer s.failMu.RUnlock()
	return s.failCollections[collection]
}

func cloneDoc(d *Document) *Document {
	if d == nil {
		return nil
	}
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	out := *d
	out.Fields = fields
	return &out
}

func (s *memoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := s.failure(collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func matches(doc *Document, filters []Filter) bool {
	for _, f := range filters {
		if !looseEqual(doc.Fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if fmt.Sprint(a) == fmt.Sprint(b) {
		return true
	}
	return false
}

func docScore(doc *Document) int64 {
	return IntField(doc.Fields, "score", "totalPoints")
}

func (s *memoryStore) Query(ctx context.Context, collection string, q Query) ([]*Document, error) {
	if err := s.failure(collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []*Document
	for _, doc := range s.data[collection] {
		if matches(doc, q.Filters) {
			out = append(out, cloneDoc(doc))
		}
	}
	s.mu.RUnlock()

	if q.OrderByScore {
		sort.Slice(out, func(i, j int) bool {
			si, sj := docScore(out[i]), docScore(out[j])
			if si != sj {
				if q.Desc {
					return si > sj
				}
				return si < sj
			}
			return out[i].ID < out[j].ID
		})
	} else {
		// deterministic order for tests
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memoryStore) BatchGet(ctx context.Context, collection string, ids []string) ([]*Document, error) {
	if err := s.failure(collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := s.data[collection][id]; ok {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

func (s *memoryStore) AtomicIncrement(ctx context.Context, collection, id, field string, delta int64) error {
	if err := s.failure(collection); err != nil {
		return err
	}
	s.mu.Lock()
	if s.data[collection] == nil {
		s.data[collection] = make(map[string]*Document)
	}
	doc, ok := s.data[collection][id]
	kind := ChangeModified
	if !ok {
		doc = &Document{Collection: collection, ID: id, Fields: map[string]any{}}
		s.data[collection][id] = doc
		kind = ChangeAdded
	}
	doc.Fields[field] = IntField(doc.Fields, field) + delta
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	snapshot := cloneDoc(doc)
	s.mu.Unlock()

	s.emit(ctx, Change{Kind: kind, Collection: collection, Doc: *snapshot})
	return nil
}

func (s *memoryStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxBatchWrite {
		return fmt.Errorf("batch of %d exceeds limit %d", len(ops), MaxBatchWrite)
	}
	for _, op := range ops {
		if err := s.failure(op.Collection); err != nil {
			return err
		}
	}

	s.mu.Lock()
	// validate CAS preconditions before mutating anything: the batch is
	// all-or-nothing.
	for _, op := range ops {
		if op.ExpectedVersion == nil {
			continue
		}
		var current int64
		if doc, ok := s.data[op.Collection][op.ID]; ok {
			current = doc.Version
		}
		if current != *op.ExpectedVersion {
			s.mu.Unlock()
			return ErrVersionConflict
		}
	}

	changes := make([]Change, 0, len(ops))
	for _, op := range ops {
		if s.data[op.Collection] == nil {
			s.data[op.Collection] = make(map[string]*Document)
		}
		doc, exists := s.data[op.Collection][op.ID]
		switch op.Kind {
		case OpDelete:
			if exists {
				delete(s.data[op.Collection], op.ID)
				changes = append(changes, Change{Kind: ChangeRemoved, Collection: op.Collection, Doc: *cloneDoc(doc)})
			}
			continue
		case OpIncrement:
			if !exists {
				doc = &Document{Collection: op.Collection, ID: op.ID, Fields: map[string]any{}}
				s.data[op.Collection][op.ID] = doc
			}
			doc.Fields[op.Field] = IntField(doc.Fields, op.Field) + op.Delta
		case OpSet:
			if !exists {
				doc = &Document{Collection: op.Collection, ID: op.ID}
				s.data[op.Collection][op.ID] = doc
			}
			fields := make(map[string]any, len(op.Fields))
			for k, v := range op.Fields {
				fields[k] = v
			}
			doc.Fields = fields
		case OpMerge:
			if !exists {
				doc = &Document{Collection: op.Collection, ID: op.ID, Fields: map[string]any{}}
				s.data[op.Collection][op.ID] = doc
			}
			if doc.Fields == nil {
				doc.Fields = map[string]any{}
			}
			for k, v := range op.Fields {
				doc.Fields[k] = v
			}
		default:
			s.mu.Unlock()
			return fmt.Errorf("unknown write op %q", op.Kind)
		}
		kind := ChangeModified
		if !exists {
			kind = ChangeAdded
		}
		doc.Version++
		doc.UpdatedAt = time.Now().UTC()
		changes = append(changes, Change{Kind: kind, Collection: op.Collection, Doc: *cloneDoc(doc)})
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.emit(ctx, c)
	}
	return nil
}

func (s *memoryStore) CountScoreGreater(ctx context.Context, collection string, filters []Filter, score int64) (int64, error) {
	if err := s.failure(collection); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, doc := range s.data[collection] {
		if matches(doc, filters) && docScore(doc) > score {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Subscribe(ctx context.Context, collection string) (<-chan Change, func(), error) {
	return subscribeChanges(ctx, s.bus, collection)
}

func (s *memoryStore) emit(ctx context.Context, c Change) {
	if err := publishChange(ctx, s.bus, c); err != nil {
		s.log.Warn("change publish failed", "collection", c.Collection, "error", err)
	}
}
