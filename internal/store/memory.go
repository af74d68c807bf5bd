package store

import (
	"context"
	"sort"
	"sync"

	"github.com/oghenemoses/tablesync/internal/model"
)

// MemoryStore is an in-memory Local Store used by engine-level tests. It
// implements the same contract as SQLiteStore without touching disk.
type MemoryStore struct {
	mu      sync.RWMutex
	defs    map[string]model.TableDefinition
	tables  map[string]map[string]model.Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:   make(map[string]model.TableDefinition),
		tables: make(map[string]map[string]model.Record),
	}
}

func (s *MemoryStore) DefineTable(def model.TableDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.Name] = def
	if s.tables[def.Name] == nil {
		s.tables[def.Name] = make(map[string]model.Record)
	}
	return nil
}

func (s *MemoryStore) TableDefinition(name string) (model.TableDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[name]
	return d, ok
}

func (s *MemoryStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range []string{"__operations", "__errors", "__config"} {
		if s.tables[name] == nil {
			s.tables[name] = make(map[string]model.Record)
		}
	}
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, table string, items []model.Record, ignoreMissingColumns bool, source model.StoreOperationSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]model.Record)
	}
	for _, item := range items {
		s.tables[table][item.ID()] = item.Clone()
	}
	return nil
}

func (s *MemoryStore) DeleteIDs(ctx context.Context, table string, ids []string, source model.StoreOperationSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.tables[table], id)
	}
	return nil
}

func (s *MemoryStore) DeleteQuery(ctx context.Context, query model.Query, source model.StoreOperationSource) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.tables[query.TableName] {
		if !query.IncludeDeleted && rec.Deleted() {
			continue
		}
		delete(s.tables[query.TableName], id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) Lookup(ctx context.Context, table, id string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tables[table][id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Read(ctx context.Context, query model.Query) (model.ReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var values []model.Record
	for _, rec := range s.tables[query.TableName] {
		if !query.IncludeDeleted && rec.Deleted() {
			continue
		}
		values = append(values, rec.Clone())
	}
	sort.Slice(values, func(i, j int) bool {
		ti, tj := values[i].UpdatedAt(), values[j].UpdatedAt()
		if ti.Equal(tj) {
			return values[i].ID() < values[j].ID()
		}
		return ti.Before(tj)
	})

	if query.HasSkip() && query.Skip < len(values) {
		values = values[query.Skip:]
	} else if query.HasSkip() {
		values = nil
	}
	if query.HasTop() && query.Top < len(values) {
		values = values[:query.Top]
	}

	result := model.ReadResult{Values: values}
	if query.IncludeTotalCount {
		n := len(values)
		result.TotalCount = &n
	}
	return result, nil
}

func (s *MemoryStore) Query(ctx context.Context, query model.Query) ([]model.Record, error) {
	res, err := s.Read(ctx, query)
	if err != nil {
		return nil, err
	}
	return res.Values, nil
}

func (s *MemoryStore) Close() error { return nil }
