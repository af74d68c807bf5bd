package remote

import (
	"context"
	"sort"
	"sync"

	syncerrors "github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/model"
)

// Fake is an in-memory Remote Table used by engine-level tests. Each table
// maintains its own monotonic version counter so conflicting updates can be
// simulated by pre-seeding a row's version ahead of what the client knows.
type Fake struct {
	mu      sync.Mutex
	rows    map[string]map[string]model.Record // table -> id -> item
	nextVer map[string]int
}

// NewFake constructs an empty Fake remote table.
func NewFake() *Fake {
	return &Fake{rows: make(map[string]map[string]model.Record), nextVer: make(map[string]int)}
}

// Seed inserts item directly, bypassing version checks, for test setup.
func (f *Fake) Seed(tableName string, item model.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureTable(tableName)
	f.rows[tableName][item.ID()] = item.Clone()
}

func (f *Fake) ensureTable(tableName string) {
	if f.rows[tableName] == nil {
		f.rows[tableName] = make(map[string]model.Record)
	}
}

func (f *Fake) nextVersion(tableName string) string {
	f.nextVer[tableName]++
	return itoa(f.nextVer[tableName])
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}

func (f *Fake) Insert(ctx context.Context, tableName string, item model.Record) (model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureTable(tableName)
	if _, exists := f.rows[tableName][item.ID()]; exists {
		return nil, syncerrors.RemoteFailure(syncerrors.RemoteConflict, 409, "duplicate id")
	}
	out := item.Clone()
	out[model.FieldVersion] = f.nextVersion(tableName)
	f.rows[tableName][item.ID()] = out
	return out.Clone(), nil
}

func (f *Fake) Update(ctx context.Context, tableName string, item model.Record, ifMatch string) (model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureTable(tableName)
	existing, ok := f.rows[tableName][item.ID()]
	if !ok {
		return nil, syncerrors.RemoteFailure(syncerrors.RemoteNotFound, 404, "not found")
	}
	if existing.Version() != ifMatch {
		return nil, syncerrors.RemoteFailure(syncerrors.RemotePreconditionFailed, 412, "version mismatch")
	}
	out := item.Clone()
	out[model.FieldVersion] = f.nextVersion(tableName)
	f.rows[tableName][item.ID()] = out
	return out.Clone(), nil
}

func (f *Fake) Delete(ctx context.Context, tableName, id, ifMatch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureTable(tableName)
	if _, ok := f.rows[tableName][id]; !ok {
		return nil // 404 treated as success
	}
	delete(f.rows[tableName], id)
	return nil
}

func (f *Fake) Lookup(ctx context.Context, tableName, id string) (model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[tableName][id]
	if !ok {
		return nil, syncerrors.RemoteFailure(syncerrors.RemoteNotFound, 404, "not found")
	}
	return rec.Clone(), nil
}

func (f *Fake) Read(ctx context.Context, query model.Query) (model.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureTable(query.TableName)

	var values []model.Record
	for _, rec := range f.rows[query.TableName] {
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
