package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/realtime/bus"
)

// docRecord is the relational shape of a document: one row per document,
// payload as JSON, plus the extracted score column the rank queries need.
type docRecord struct {
	Collection string            `gorm:"primaryKey;size:64"`
	DocID      string            `gorm:"primaryKey;size:128;column:doc_id"`
	Payload    datatypes.JSONMap `gorm:"type:json"`
	Version    int64
	Score      int64 `gorm:"index"`
	UpdatedAt  time.Time
}

func (docRecord) TableName() string { return "documents" }

type gormStore struct {
	db  *gorm.DB
	log *logger.Logger
	bus bus.Bus
}

// NewGormStore returns a Store backed by a GORM database (postgres in
// production, sqlite in tests). Change streams are published on the bus
// after each committed write.
func NewGormStore(db *gorm.DB, log *logger.Logger, b bus.Bus) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm store requires a db")
	}
	if err := db.AutoMigrate(&docRecord{}); err != nil {
		return nil, fmt.Errorf("migrate documents table: %w", err)
	}
	return &gormStore{
		db:  db,
		log: log.With("component", "GormStore"),
		bus: b,
	}, nil
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Transient(err)
	default:
		return Transient(err)
	}
}

func (r *docRecord) toDocument() *Document {
	fields := make(map[string]any, len(r.Payload))
	for k, v := range r.Payload {
		fields[k] = v
	}
	return &Document{
		Collection: r.Collection,
		ID:         r.DocID,
		Fields:     fields,
		Version:    r.Version,
		UpdatedAt:  r.UpdatedAt,
	}
}

func recordFrom(collection, id string, fields map[string]any, version int64) docRecord {
	payload := datatypes.JSONMap{}
	for k, v := range fields {
		payload[k] = v
	}
	return docRecord{
		Collection: collection,
		DocID:      id,
		Payload:    payload,
		Version:    version,
		Score:      IntField(fields, "score", "totalPoints"),
		UpdatedAt:  time.Now().UTC(),
	}
}

func (s *gormStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var rec docRecord
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		First(&rec).Error
	if err != nil {
		return nil, mapStoreError(err)
	}
	return rec.toDocument(), nil
}

func (s *gormStore) applyFilters(tx *gorm.DB, filters []Filter) *gorm.DB {
	for _, f := range filters {
		tx = tx.Where(datatypes.JSONQuery("payload").Equals(f.Value, f.Field))
	}
	return tx
}

func (s *gormStore) Query(ctx context.Context, collection string, q Query) ([]*Document, error) {
	tx := s.db.WithContext(ctx).Model(&docRecord{}).Where("collection = ?", collection)
	tx = s.applyFilters(tx, q.Filters)
	if q.OrderByScore {
		if q.Desc {
			tx = tx.Order("score DESC, doc_id ASC")
		} else {
			tx = tx.Order("score ASC, doc_id ASC")
		}
	} else {
		tx = tx.Order("doc_id ASC")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var recs []docRecord
	if err := tx.Find(&recs).Error; err != nil {
		return nil, mapStoreError(err)
	}
	out := make([]*Document, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toDocument())
	}
	return out, nil
}

func (s *gormStore) BatchGet(ctx context.Context, collection string, ids []string) ([]*Document, error) {
	out := make([]*Document, 0, len(ids))
	for start := 0; start < len(ids); start += MaxBatchGet {
		end := start + MaxBatchGet
		if end > len(ids) {
			end = len(ids)
		}
		var recs []docRecord
		err := s.db.WithContext(ctx).
			Where("collection = ? AND doc_id IN ?", collection, ids[start:end]).
			Find(&recs).Error
		if err != nil {
			return nil, mapStoreError(err)
		}
		for i := range recs {
			out = append(out, recs[i].toDocument())
		}
	}
	return out, nil
}

func (s *gormStore) AtomicIncrement(ctx context.Context, collection, id, field string, delta int64) error {
	var change Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec docRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection = ? AND doc_id = ?", collection, id).
			First(&rec).Error
		kind := ChangeModified
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = recordFrom(collection, id, map[string]any{}, 0)
			kind = ChangeAdded
		case err != nil:
			return err
		}
		fields := map[string]any(rec.Payload)
		if fields == nil {
			fields = map[string]any{}
		}
		fields[field] = IntField(fields, field) + delta
		next := recordFrom(collection, id, fields, rec.Version+1)
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		change = Change{Kind: kind, Collection: collection, Doc: *next.toDocument()}
		return nil
	})
	if err != nil {
		return mapStoreError(err)
	}
	s.emit(ctx, change)
	return nil
}

func (s *gormStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxBatchWrite {
		return fmt.Errorf("batch of %d exceeds limit %d", len(ops), MaxBatchWrite)
	}

	var changes []Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			var rec docRecord
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("collection = ? AND doc_id = ?", op.Collection, op.ID).
				First(&rec).Error
			exists := true
			if errors.Is(err, gorm.ErrRecordNotFound) {
				exists = false
			} else if err != nil {
				return err
			}

			if op.ExpectedVersion != nil {
				var current int64
				if exists {
					current = rec.Version
				}
				if current != *op.ExpectedVersion {
					return ErrVersionConflict
				}
			}

			switch op.Kind {
			case OpDelete:
				if !exists {
					continue
				}
				if err := tx.Where("collection = ? AND doc_id = ?", op.Collection, op.ID).
					Delete(&docRecord{}).Error; err != nil {
					return err
				}
				changes = append(changes, Change{Kind: ChangeRemoved, Collection: op.Collection, Doc: *rec.toDocument()})
				continue
			case OpSet:
				next := recordFrom(op.Collection, op.ID, op.Fields, rec.Version+1)
				if err := tx.Save(&next).Error; err != nil {
					return err
				}
				rec = next
			case OpMerge:
				fields := map[string]any(rec.Payload)
				if fields == nil {
					fields = map[string]any{}
				}
				for k, v := range op.Fields {
					fields[k] = v
				}
				next := recordFrom(op.Collection, op.ID, fields, rec.Version+1)
				if err := tx.Save(&next).Error; err != nil {
					return err
				}
				rec = next
			case OpIncrement:
				fields := map[string]any(rec.Payload)
				if fields == nil {
					fields = map[string]any{}
				}
				fields[op.Field] = IntField(fields, op.Field) + op.Delta
				next := recordFrom(op.Collection, op.ID, fields, rec.Version+1)
				if err := tx.Save(&next).Error; err != nil {
					return err
				}
				rec = next
			default:
				return fmt.Errorf("unknown write op %q", op.Kind)
			}

			kind := ChangeModified
			if !exists {
				kind = ChangeAdded
			}
			changes = append(changes, Change{Kind: kind, Collection: op.Collection, Doc: *rec.toDocument()})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return ErrVersionConflict
		}
		return mapStoreError(err)
	}

	for _, c := range changes {
		s.emit(ctx, c)
	}
	return nil
}

func (s *gormStore) CountScoreGreater(ctx context.Context, collection string, filters []Filter, score int64) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&docRecord{}).
		Where("collection = ? AND score > ?", collection, score)
	tx = s.applyFilters(tx, filters)
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, mapStoreError(err)
	}
	return n, nil
}

func (s *gormStore) Subscribe(ctx context.Context, collection string) (<-chan Change, func(), error) {
	return subscribeChanges(ctx, s.bus, collection)
}

func (s *gormStore) emit(ctx context.Context, c Change) {
	if err := publishChange(ctx, s.bus, c); err != nil {
		s.log.Warn("change publish failed", "collection", c.Collection, "error", err)
	}
}
