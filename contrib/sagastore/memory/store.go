// Package memory provides an in-memory saga.Repository for tests and local
// development.
//
// Usage:
//
//	store := memory.NewStore(func() saga.Instance { return &OrderState{} })
//	app.AddSagaStateMachine(machine, store, "order-saga")
//
// Instances are stored as JSON documents, so reads and writes are deep copies
// and callers can never mutate stored state through a shared pointer.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/saga"
)

type document struct {
	raw        []byte
	version    int
	state      string
	archivedAt *time.Time
}

// Store implements saga.Repository in process memory.
type Store struct {
	mu      sync.RWMutex
	docs    map[string]*document
	factory saga.Factory
}

// NewStore creates an empty store for one machine's state type.
func NewStore(factory saga.Factory) *Store {
	return &Store{
		docs:    make(map[string]*document),
		factory: factory,
	}
}

func (s *Store) FindByCorrelationID(_ context.Context, id string) (saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok || doc.archivedAt != nil {
		return nil, nil
	}
	return s.decode(doc)
}

func (s *Store) decode(doc *document) (saga.Instance, error) {
	inst := s.factory()
	if err := json.Unmarshal(doc.raw, inst); err != nil {
		return nil, fmt.Errorf("sagastore/memory: decode instance: %w", err)
	}
	return inst, nil
}

// Save upserts with an optimistic lock on Version and increments it.
func (s *Store) Save(_ context.Context, inst saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	emb := inst.Saga()
	if emb.CorrelationID == "" {
		return fmt.Errorf("sagastore/memory: instance has no correlation id")
	}

	if doc, ok := s.docs[emb.CorrelationID]; ok {
		if doc.version != emb.Version {
			return saga.ErrVersionConflict
		}
	} else if emb.Version != 0 {
		return saga.ErrVersionConflict
	}

	emb.Version++
	raw, err := json.Marshal(inst)
	if err != nil {
		emb.Version--
		return fmt.Errorf("sagastore/memory: encode instance: %w", err)
	}
	s.docs[emb.CorrelationID] = &document{
		raw:     raw,
		version: emb.Version,
		state:   emb.CurrentState,
	}
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

// Archive soft-deletes: the document stays queryable through Find but stops
// resolving by correlation id.
func (s *Store) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("sagastore/memory: archive unknown instance %s", id)
	}
	now := time.Now().UTC()
	doc.archivedAt = &now
	doc.state = saga.StateFinalize
	return nil
}

func (s *Store) FindByState(_ context.Context, state string) ([]saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []saga.Instance
	for _, doc := range s.docs {
		if doc.archivedAt != nil || doc.state != state {
			continue
		}
		inst, err := s.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// Find matches documents whose top-level JSON fields equal the query values.
func (s *Store) Find(_ context.Context, query map[string]any) ([]saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []saga.Instance
	for _, doc := range s.docs {
		if doc.archivedAt != nil {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(doc.raw, &fields); err != nil {
			return nil, fmt.Errorf("sagastore/memory: decode document: %w", err)
		}
		if !matches(fields, query) {
			continue
		}
		inst, err := s.decode(doc)
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

func (s *Store) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, doc := range s.docs {
		if doc.archivedAt == nil {
			n++
		}
	}
	return n, nil
}
