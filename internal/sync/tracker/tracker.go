// Package tracker implements the Change Tracker: a thin decorator over the
// Local Store that emits per-record and per-batch change notifications,
// scoped to a single push/pull/purge/local-resolution invocation.
package tracker

import (
	"context"
	"reflect"

	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
)

// Flags selects which notifications a Tracker instance emits.
type Flags uint16

const (
	NotifyLocalOperations Flags = 1 << iota
	NotifyLocalConflictResolutionOperations
	NotifyServerPullOperations
	NotifyServerPushOperations
	NotifyServerPullBatch
	NotifyServerPushBatch
	DetectInsertsAndUpdates
	DetectRecordChanges
)

// Has reports whether flags contains f.
func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// ChangeKind classifies a single record event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "Insert"
	ChangeUpdate ChangeKind = "Update"
	ChangeDelete ChangeKind = "Delete"
)

// RecordEvent is emitted once per affected row.
type RecordEvent struct {
	TableName string
	ID        string
	Kind      ChangeKind
	Source    model.StoreOperationSource
	BatchID   string
}

// BatchEvent is emitted once per scope close, aggregating counts by kind.
type BatchEvent struct {
	TableName string
	Source    model.StoreOperationSource
	BatchID   string
	Counts    map[ChangeKind]int
}

// Listener receives Change Tracker notifications.
type Listener interface {
	OnRecord(RecordEvent)
	OnBatch(BatchEvent)
}

// Tracker decorates a Local Store handle for the duration of one invocation.
// Non-mutating methods delegate straight through via the embedded Store.
type Tracker struct {
	store.Store
	flags    Flags
	listener Listener
	batchID  string
	counts   map[ChangeKind]int
}

// New wraps underlying for one scoped invocation, identified by batchID.
func New(underlying store.Store, flags Flags, listener Listener, batchID string) *Tracker {
	return &Tracker{Store: underlying, flags: flags, listener: listener, batchID: batchID, counts: make(map[ChangeKind]int)}
}

func (t *Tracker) notifyRecords(source model.StoreOperationSource) bool {
	switch source {
	case model.SourceLocal:
		return t.flags.Has(NotifyLocalOperations)
	case model.SourceLocalConflictResolution:
		return t.flags.Has(NotifyLocalConflictResolutionOperations)
	case model.SourceServerPull:
		return t.flags.Has(NotifyServerPullOperations)
	case model.SourceServerPush:
		return t.flags.Has(NotifyServerPushOperations)
	default:
		return false
	}
}

func (t *Tracker) notifyBatch(source model.StoreOperationSource) bool {
	switch source {
	case model.SourceServerPull:
		return t.flags.Has(NotifyServerPullBatch)
	case model.SourceServerPush:
		return t.flags.Has(NotifyServerPushBatch)
	default:
		return false
	}
}

// Upsert applies items to the underlying store, classifying and emitting a
// RecordEvent per row when notifications are enabled for source.
func (t *Tracker) Upsert(ctx context.Context, table string, items []model.Record, ignoreMissingColumns bool, source model.StoreOperationSource) error {
	if isSystemTable(table) || (!t.notifyRecords(source) && !t.notifyBatch(source)) {
		return t.Store.Upsert(ctx, table, items, ignoreMissingColumns, source)
	}

	existingByID := make(map[string]model.Record, len(items))
	if t.flags.Has(DetectInsertsAndUpdates) || t.flags.Has(DetectRecordChanges) {
		for _, item := range items {
			rec, err := t.Store.Lookup(ctx, table, item.ID())
			if err == nil && rec != nil {
				existingByID[item.ID()] = rec
			}
		}
	}

	if err := t.Store.Upsert(ctx, table, items, ignoreMissingColumns, source); err != nil {
		return err
	}

	for _, item := range items {
		existing, hadExisting := existingByID[item.ID()]
		kind := ChangeInsert
		if hadExisting {
			kind = ChangeUpdate
		}
		if t.suppress(source, existing, item, hadExisting) {
			continue
		}
		t.record(table, source, kind, item.ID())
	}
	return nil
}

// suppress reports whether a classified change should not be notified: an
// Update whose version is unchanged (source != Local), or whose full content
// is unchanged when DetectRecordChanges asks for a deeper comparison.
func (t *Tracker) suppress(source model.StoreOperationSource, existing, incoming model.Record, hadExisting bool) bool {
	if !hadExisting {
		return false
	}
	if t.flags.Has(DetectInsertsAndUpdates) && source != model.SourceLocal {
		if v := incoming.Version(); v != "" && v == existing.Version() {
			return true
		}
	}
	if t.flags.Has(DetectRecordChanges) {
		return reflect.DeepEqual(existing, incoming)
	}
	return false
}

// DeleteIDs removes rows from the underlying store, emitting a RecordEvent
// per id when notifications are enabled for source.
func (t *Tracker) DeleteIDs(ctx context.Context, table string, ids []string, source model.StoreOperationSource) error {
	if err := t.Store.DeleteIDs(ctx, table, ids, source); err != nil {
		return err
	}
	if isSystemTable(table) || (!t.notifyRecords(source) && !t.notifyBatch(source)) {
		return nil
	}
	for _, id := range ids {
		t.record(table, source, ChangeDelete, id)
	}
	return nil
}

func (t *Tracker) record(table string, source model.StoreOperationSource, kind ChangeKind, id string) {
	t.counts[kind]++
	if t.notifyRecords(source) && t.listener != nil {
		t.listener.OnRecord(RecordEvent{TableName: table, ID: id, Kind: kind, Source: source, BatchID: t.batchID})
	}
}

// Close emits the scope's aggregate BatchEvent, if any batch-level
// notification flag is set for source, and resets the counters.
func (t *Tracker) Close(table string, source model.StoreOperationSource) {
	if t.notifyBatch(source) && t.listener != nil && len(t.counts) > 0 {
		t.listener.OnBatch(BatchEvent{TableName: table, Source: source, BatchID: t.batchID, Counts: t.counts})
	}
	t.counts = make(map[ChangeKind]int)
}

func isSystemTable(table string) bool {
	return len(table) >= 2 && table[0] == '_' && table[1] == '_'
}
