// Package gorm provides a SQL saga.Repository backed by gorm.
//
// Usage:
//
//	db, _ := gorm.Open(sqlite.Open("sagas.db"), &gorm.Config{})
//	store, err := sagagorm.NewStore(db, "order_sagas",
//	    func() saga.Instance { return &OrderState{} })
//
// One row per instance with the state struct serialized to a JSON column.
// Optimistic concurrency rides on the version column: updates match
// (correlation_id, version) and a zero rows-affected result maps to
// saga.ErrVersionConflict.
package gorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/saga"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// record is the persisted row shape.
type record struct {
	CorrelationID string `gorm:"primaryKey;size:191"`
	CurrentState  string `gorm:"index;size:64"`
	Version       int
	Data          string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ArchivedAt    *time.Time `gorm:"index"`
}

// Store implements saga.Repository on a SQL table via gorm.
type Store struct {
	db      *gorm.DB
	table   string
	factory saga.Factory
}

// NewStore migrates the table and returns the store.
func NewStore(db *gorm.DB, table string, factory saga.Factory) (*Store, error) {
	s := &Store{db: db, table: table, factory: factory}
	if err := db.Table(table).AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("sagastore/gorm: migrate %s: %w", table, err)
	}
	return s, nil
}

func (s *Store) tx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

func (s *Store) FindByCorrelationID(ctx context.Context, id string) (saga.Instance, error) {
	var rec record
	err := s.tx(ctx).
		Where("correlation_id = ? AND archived_at IS NULL", id).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sagastore/gorm: find %s: %w", id, err)
	}
	return s.decode(&rec)
}

func (s *Store) decode(rec *record) (saga.Instance, error) {
	inst := s.factory()
	if err := json.Unmarshal([]byte(rec.Data), inst); err != nil {
		return nil, fmt.Errorf("sagastore/gorm: decode instance %s: %w", rec.CorrelationID, err)
	}
	return inst, nil
}

// Save upserts with an optimistic lock on Version and increments it.
func (s *Store) Save(ctx context.Context, inst saga.Instance) error {
	emb := inst.Saga()
	if emb.CorrelationID == "" {
		return fmt.Errorf("sagastore/gorm: instance has no correlation id")
	}

	now := time.Now().UTC()
	next := emb.Version + 1
	emb.Version = next
	raw, err := json.Marshal(inst)
	if err != nil {
		emb.Version = next - 1
		return fmt.Errorf("sagastore/gorm: encode instance: %w", err)
	}

	if next == 1 {
		// First save: the primary key rejects a phantom instance racing an
		// existing row.
		err := s.tx(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record{
			CorrelationID: emb.CorrelationID,
			CurrentState:  emb.CurrentState,
			Version:       next,
			Data:          string(raw),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err.Error != nil {
			emb.Version = next - 1
			return fmt.Errorf("sagastore/gorm: insert %s: %w", emb.CorrelationID, err.Error)
		}
		if err.RowsAffected == 0 {
			emb.Version = next - 1
			return saga.ErrVersionConflict
		}
		return nil
	}

	res := s.tx(ctx).
		Where("correlation_id = ? AND version = ?", emb.CorrelationID, next-1).
		Updates(map[string]any{
			"current_state": emb.CurrentState,
			"version":       next,
			"data":          string(raw),
			"updated_at":    now,
		})
	if res.Error != nil {
		emb.Version = next - 1
		return fmt.Errorf("sagastore/gorm: update %s: %w", emb.CorrelationID, res.Error)
	}
	if res.RowsAffected == 0 {
		emb.Version = next - 1
		return saga.ErrVersionConflict
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.tx(ctx).Where("correlation_id = ?", id).Delete(&record{}).Error; err != nil {
		return fmt.Errorf("sagastore/gorm: delete %s: %w", id, err)
	}
	return nil
}

// Archive soft-deletes: the row stays queryable through Find on raw SQL but
// stops resolving by correlation id.
func (s *Store) Archive(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := s.tx(ctx).
		Where("correlation_id = ?", id).
		Updates(map[string]any{
			"current_state": saga.StateFinalize,
			"archived_at":   now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("sagastore/gorm: archive %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sagastore/gorm: archive unknown instance %s", id)
	}
	return nil
}

func (s *Store) FindByState(ctx context.Context, state string) ([]saga.Instance, error) {
	var recs []record
	err := s.tx(ctx).
		Where("current_state = ? AND archived_at IS NULL", state).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("sagastore/gorm: find by state %s: %w", state, err)
	}
	return s.decodeAll(recs)
}

// Find matches instance fields inside the JSON column. Query keys address
// top-level JSON fields of the state struct.
func (s *Store) Find(ctx context.Context, query map[string]any) ([]saga.Instance, error) {
	var recs []record
	if err := s.tx(ctx).Where("archived_at IS NULL").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("sagastore/gorm: find: %w", err)
	}

	var out []saga.Instance
	for i := range recs {
		var fields map[string]any
		if err := json.Unmarshal([]byte(recs[i].Data), &fields); err != nil {
			return nil, fmt.Errorf("sagastore/gorm: decode row %s: %w", recs[i].CorrelationID, err)
		}
		if !matches(fields, query) {
			continue
		}
		inst, err := s.decode(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func matches(fields, query map[string]any) bool {
	for k, want := range query {
		got, ok := fields[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (s *Store) decodeAll(recs []record) ([]saga.Instance, error) {
	var out []saga.Instance
	for i := range recs {
		inst, err := s.decode(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.tx(ctx).Where("archived_at IS NULL").Count(&n).Error; err != nil {
		return 0, fmt.Errorf("sagastore/gorm: count: %w", err)
	}
	return n, nil
}

var _ saga.Repository = (*Store)(nil)
