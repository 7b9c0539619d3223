// Package memstore is an in-memory store.Store used by tests and by the
// memory backend for local runs.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/rpattn/rowstage/internal/store"
	"github.com/rpattn/rowstage/internal/typedvalue"
)

// BatchHook lets tests decide which items of a batch write are reported as
// unprocessed. call is 1-based across the store's lifetime.
type BatchHook func(call int, items []typedvalue.Item) (unprocessed []typedvalue.Item, err error)

// Store keeps tables in maps guarded by a single mutex, so every conditional
// update is linearizable.
type Store struct {
	mu         sync.Mutex
	tables     map[string]map[string]typedvalue.Item
	batchHook  BatchHook
	batchCalls int
	batchSizes []int
}

// New returns a store containing the given (empty) tables.
func New(tables ...string) *Store {
	s := &Store{tables: map[string]map[string]typedvalue.Item{}}
	for _, table := range tables {
		s.tables[table] = map[string]typedvalue.Item{}
	}
	return s
}

// SetBatchHook installs a hook consulted on every BatchWriteItems call.
func (s *Store) SetBatchHook(hook BatchHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchHook = hook
}

// BatchSizes returns the size of every batch write call received.
func (s *Store) BatchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batchSizes...)
}

// CreateTable adds an empty table if it is missing.
func (s *Store) CreateTable(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		s.tables[table] = map[string]typedvalue.Item{}
	}
}

// Len returns the number of items in table.
func (s *Store) Len(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

func (s *Store) table(name string) (map[string]typedvalue.Item, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, store.ErrTableNotFound
	}
	return t, nil
}

func (s *Store) PutItem(ctx context.Context, table string, item typedvalue.Item) error {
	id, err := store.ItemKey(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return err
	}
	t[id] = item.Clone()
	return nil
}

func (s *Store) GetItem(ctx context.Context, table, id string) (typedvalue.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return nil, false, err
	}
	item, ok := t[id]
	if !ok {
		return nil, false, nil
	}
	return item.Clone(), true, nil
}

func (s *Store) UpdateItem(ctx context.Context, table, id string, plan store.UpdatePlan, cond store.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return err
	}
	current, exists := t[id]
	if len(cond) > 0 && (!exists || !cond.Matches(current)) {
		return store.ErrConditionFailed
	}
	if !exists {
		current = typedvalue.Item{store.KeyAttribute: typedvalue.String(id)}
	}
	t[id] = plan.Apply(current)
	return nil
}

func (s *Store) BatchWriteItems(ctx context.Context, table string, items []typedvalue.Item) ([]typedvalue.Item, error) {
	s.mu.Lock()
	s.batchCalls++
	call := s.batchCalls
	s.batchSizes = append(s.batchSizes, len(items))
	hook := s.batchHook
	s.mu.Unlock()

	var unprocessed []typedvalue.Item
	if hook != nil {
		var err error
		unprocessed, err = hook(call, items)
		if err != nil {
			return nil, err
		}
	}
	skip := make(map[string]bool, len(unprocessed))
	for _, item := range unprocessed {
		if id, err := store.ItemKey(item); err == nil {
			skip[id] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		id, err := store.ItemKey(item)
		if err != nil {
			return nil, err
		}
		if skip[id] {
			continue
		}
		t[id] = item.Clone()
	}
	return unprocessed, nil
}

func (s *Store) Scan(ctx context.Context, table string, filter store.Filter) ([]typedvalue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(t))
	for id, item := range t {
		if filter.Matches(item) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]typedvalue.Item, len(ids))
	for i, id := range ids {
		out[i] = t[id].Clone()
	}
	return out, nil
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[table]
	return ok, nil
}

var _ store.Store = (*Store)(nil)
