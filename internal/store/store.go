// Package store defines the Local Store contract the sync engine is built
// against, and ships a concrete SQLite-backed implementation of it.
package store

import (
	"context"

	"github.com/oghenemoses/tablesync/internal/model"
)

// Store is the Local Store contract consumed by the Operation Queue, Sync
// Settings, Push Engine, Pull Engine and Change Tracker. The engine treats it
// as an external collaborator: any backend satisfying this interface — not
// just the SQLite one shipped here — can sit underneath a Sync Context.
type Store interface {
	// DefineTable registers a table's schema. Must be called before
	// Initialize; the definition is frozen thereafter.
	DefineTable(def model.TableDefinition) error

	// Initialize creates any storage objects (tables, indexes) for every
	// defined table, including the reserved system tables.
	Initialize(ctx context.Context) error

	// Upsert writes items into table, tagged with source for change-tracking
	// routing. When ignoreMissingColumns is false, a record containing a key
	// absent from the table's definition is an error.
	Upsert(ctx context.Context, table string, items []model.Record, ignoreMissingColumns bool, source model.StoreOperationSource) error

	// DeleteIDs removes rows by id.
	DeleteIDs(ctx context.Context, table string, ids []string, source model.StoreOperationSource) error

	// DeleteQuery removes rows matching query.
	DeleteQuery(ctx context.Context, query model.Query, source model.StoreOperationSource) (int, error)

	// Lookup returns a single row by id, or nil if absent.
	Lookup(ctx context.Context, table, id string) (model.Record, error)

	// Read runs a structured query and returns a page of values plus an
	// optional total count.
	Read(ctx context.Context, query model.Query) (model.ReadResult, error)

	// Query is a convenience wrapper over Read that discards paging metadata.
	Query(ctx context.Context, query model.Query) ([]model.Record, error)

	// TableDefinition returns the frozen definition for name, if defined.
	TableDefinition(name string) (model.TableDefinition, bool)

	Close() error
}
