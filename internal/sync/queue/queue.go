// Package queue implements the Operation Queue: the durable, ordered log of
// pending local mutations backed by the __operations system table.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/logging"
	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
	"github.com/oghenemoses/tablesync/internal/sync/errrow"
	"github.com/oghenemoses/tablesync/internal/sync/lockset"
	"github.com/oghenemoses/tablesync/internal/sync/tableops"
)

// Queue is the Operation Queue. Callers are expected to hold the relevant
// per-item (and, for cross-item operations like purge, per-table) lock via
// LockItem/LockTable before calling the mutating methods below; the queue
// itself only guarantees consistency of its own in-memory index and the
// durable rows it writes through.
type Queue struct {
	store store.Store
	errs  *errrow.Log
	log   *logging.Logger

	mu     sync.Mutex
	byID   map[string]*model.Operation
	byItem map[string]*model.Operation // key: tableName + "\x00" + itemId

	counter      atomic.Int64
	pendingCount atomic.Int64

	itemLocks  *lockset.NamedMutexRegistry
	tableLocks *lockset.NamedMutexRegistry
}

// New constructs a Queue. Load must be called once before use.
func New(s store.Store, errs *errrow.Log, log *logging.Logger) *Queue {
	return &Queue{
		store:      s,
		errs:       errs,
		log:        log,
		byID:       make(map[string]*model.Operation),
		byItem:     make(map[string]*model.Operation),
		itemLocks:  lockset.NewNamedMutexRegistry(),
		tableLocks: lockset.NewNamedMutexRegistry(),
	}
}

func itemKey(tableName, itemID string) string { return tableName + "\x00" + itemID }

// Load scans the operation table, seeds the sequence counter from the
// maximum persisted sequence and the pending count from the row count. This
// is the only time the counter is read back from storage; every subsequent
// sequence comes from the in-memory atomic.
func (q *Queue) Load(ctx context.Context) error {
	rows, err := q.store.Query(ctx, model.Query{TableName: tableName, IncludeDeleted: true})
	if err != nil {
		return errors.LocalStoreFailure("load operation queue", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var maxSeq int64
	for _, rec := range rows {
		op, err := fromRecord(rec)
		if err != nil {
			return errors.LocalStoreFailure("decode operation row", err)
		}
		q.byID[op.ID] = op
		q.byItem[itemKey(op.TableName, op.ItemID)] = op
		if op.Sequence > maxSeq {
			maxSeq = op.Sequence
		}
	}
	q.counter.Store(maxSeq)
	q.pendingCount.Store(int64(len(rows)))
	return nil
}

// LockItem acquires the per-item named lock, released by the returned func.
func (q *Queue) LockItem(itemID string) func() { return q.itemLocks.Lock(itemID) }

// LockTable acquires the per-table named lock, released by the returned func.
func (q *Queue) LockTable(name string) func() { return q.tableLocks.Lock(name) }

// Enqueue assigns a sequence to newOp and persists it, or collapses it into
// the existing operation on the same (tableName, itemId) per the Table
// Operations collapse rules. The caller must hold the per-item lock for
// newOp.ItemID.
func (q *Queue) Enqueue(ctx context.Context, newOp *model.Operation) (*model.Operation, error) {
	q.mu.Lock()
	existing, hasExisting := q.byItem[itemKey(newOp.TableName, newOp.ItemID)]
	q.mu.Unlock()

	if !hasExisting {
		newOp.Sequence = q.counter.Add(1)
		newOp.Version = 1
		newOp.State = model.StatePending
		if err := q.persist(ctx, newOp); err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.byID[newOp.ID] = newOp
		q.byItem[itemKey(newOp.TableName, newOp.ItemID)] = newOp
		q.mu.Unlock()
		q.pendingCount.Add(1)
		return newOp, nil
	}

	outcome, err := tableops.Collapse(existing, newOp)
	if err != nil {
		return nil, err
	}

	if err := q.errs.DeleteByOperation(ctx, existing.ID); err != nil {
		return nil, errors.LocalStoreFailure("clear superseded error row", err)
	}

	switch outcome {
	case tableops.CollapseReplaceExisting:
		existing.Version++
		existing.State = model.StatePending
		if newOp.Kind == model.KindDelete {
			existing.Item = newOp.Item
		}
		if err := q.persist(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil

	case tableops.CollapseCancelBoth:
		if err := q.removeLocked(ctx, existing); err != nil {
			return nil, err
		}
		return nil, nil

	case tableops.CollapseSupersede:
		if err := q.removeLocked(ctx, existing); err != nil {
			return nil, err
		}
		newOp.Sequence = q.counter.Add(1)
		newOp.Version = 1
		newOp.State = model.StatePending
		if err := q.persist(ctx, newOp); err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.byID[newOp.ID] = newOp
		q.byItem[itemKey(newOp.TableName, newOp.ItemID)] = newOp
		q.mu.Unlock()
		return newOp, nil

	default:
		return nil, fmt.Errorf("enqueue: unhandled collapse outcome %v", outcome)
	}
}

func (q *Queue) removeLocked(ctx context.Context, op *model.Operation) error {
	if err := q.store.DeleteIDs(ctx, tableName, []string{op.ID}, model.SourceLocal); err != nil {
		return errors.LocalStoreFailure("delete collapsed operation", err)
	}
	q.mu.Lock()
	delete(q.byID, op.ID)
	delete(q.byItem, itemKey(op.TableName, op.ItemID))
	q.mu.Unlock()
	q.pendingCount.Add(-1)
	return nil
}

func (q *Queue) persist(ctx context.Context, op *model.Operation) error {
	rec, err := toRecord(op)
	if err != nil {
		return errors.LocalStoreFailure("encode operation row", err)
	}
	if err := q.store.Upsert(ctx, tableName, []model.Record{rec}, true, model.SourceLocal); err != nil {
		return errors.LocalStoreFailure("persist operation row", err)
	}
	return nil
}

// Peek returns the earliest pending operation with sequence > afterSequence
// matching tableKind and, if non-empty, tableFilter, ordered by sequence.
func (q *Queue) Peek(afterSequence int64, tableKind model.TableKind, tableFilter []string) (*model.Operation, bool) {
	allow := make(map[string]bool, len(tableFilter))
	for _, t := range tableFilter {
		allow[t] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var best *model.Operation
	for _, op := range q.byID {
		if op.Sequence <= afterSequence {
			continue
		}
		if op.TableKind != tableKind {
			continue
		}
		if len(allow) > 0 && !allow[op.TableName] {
			continue
		}
		if best == nil || op.Sequence < best.Sequence {
			best = op
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Clone(), true
}

// GetByItem returns the pending operation on (tableName, itemID), if any.
func (q *Queue) GetByItem(tableName, itemID string) (*model.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.byItem[itemKey(tableName, itemID)]
	if !ok {
		return nil, false
	}
	return op.Clone(), true
}

// GetByID returns the operation by id.
func (q *Queue) GetByID(id string) (*model.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return op.Clone(), true
}

// ListByTable returns every operation currently queued against tableName,
// used by Purge to discard pending operations ahead of a forced wipe.
func (q *Queue) ListByTable(tableName string) []*model.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*model.Operation
	for _, op := range q.byID {
		if op.TableName == tableName {
			out = append(out, op.Clone())
		}
	}
	return out
}

// CountPending returns the number of pending operations against tableName,
// or across all tables when tableName is empty.
func (q *Queue) CountPending(tableName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tableName == "" {
		return len(q.byID)
	}
	n := 0
	for _, op := range q.byID {
		if op.TableName == tableName {
			n++
		}
	}
	return n
}

// Update persists op's current state unconditionally (e.g. the
// Pending->Attempted transition made by the Push Engine before a remote
// call, which owns the per-item lock for the duration).
func (q *Queue) Update(ctx context.Context, op *model.Operation) error {
	if err := q.persist(ctx, op); err != nil {
		return err
	}
	q.mu.Lock()
	q.byID[op.ID] = op
	q.byItem[itemKey(op.TableName, op.ItemID)] = op
	q.mu.Unlock()
	return nil
}

// UpdateCAS rewrites an operation's item and bumps its version, resetting
// its state to Pending, iff its current version matches expectedVersion.
// Used to re-enqueue an operation after conflict resolution.
func (q *Queue) UpdateCAS(ctx context.Context, opID string, expectedVersion int64, item model.Record) (bool, error) {
	q.mu.Lock()
	op, ok := q.byID[opID]
	if !ok || op.Version != expectedVersion {
		q.mu.Unlock()
		return false, nil
	}
	updated := op.Clone()
	updated.Version++
	updated.State = model.StatePending
	if tableops.SerializeItemToQueue(updated.Kind) {
		updated.Item = item
	}
	q.mu.Unlock()

	if err := q.Update(ctx, updated); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteCAS removes an operation iff its current version matches
// expectedVersion, decrementing the pending count on success.
func (q *Queue) DeleteCAS(ctx context.Context, opID string, expectedVersion int64) (bool, error) {
	q.mu.Lock()
	op, ok := q.byID[opID]
	if !ok || op.Version != expectedVersion {
		q.mu.Unlock()
		return false, nil
	}
	q.mu.Unlock()

	if err := q.removeLocked(ctx, op); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes an operation unconditionally, used by the operation-level
// conflict resolutions (cancel_and_discard, cancel_and_update).
func (q *Queue) Delete(ctx context.Context, opID string) error {
	q.mu.Lock()
	op, ok := q.byID[opID]
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return q.removeLocked(ctx, op)
}

// PendingCount returns the total number of operations currently queued.
func (q *Queue) PendingCount() int64 { return q.pendingCount.Load() }
