// Package conflict implements the Conflict/Merge Engine: three-way
// property-level diff on Update errors, resolution primitives, and
// merged-write-back.
package conflict

import (
	"context"
	"fmt"
	"sync"

	"github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/logging"
	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
	"github.com/oghenemoses/tablesync/internal/sync/errrow"
	"github.com/oghenemoses/tablesync/internal/sync/lockset"
	"github.com/oghenemoses/tablesync/internal/sync/queue"
)

// Engine is the Conflict/Merge Engine. Comparer registration is scoped to
// one Engine instance, not process-global, so two Sync Contexts in the same
// process (as in tests) never interfere with each other's equality rules.
type Engine struct {
	queue *queue.Queue
	errs  *errrow.Log
	rw    *lockset.RWLock
	log   *logging.Logger

	mu        sync.RWMutex
	comparers map[string]model.PropertyValueComparer
}

// NewEngine constructs a Conflict/Merge Engine. Each resolution call takes
// its own store.Store handle, so the caller can route it through a scoped
// Change Tracker.
func NewEngine(q *queue.Queue, errs *errrow.Log, rw *lockset.RWLock, log *logging.Logger) *Engine {
	return &Engine{
		queue:     q,
		errs:      errs,
		rw:        rw,
		log:       log,
		comparers: make(map[string]model.PropertyValueComparer),
	}
}

func comparerKey(tableName, property string) string { return tableName + "\x00" + property }

// SetComparer registers a custom equality comparer for (tableName, property)
// on this Engine instance.
func (e *Engine) SetComparer(tableName, property string, cmp model.PropertyValueComparer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.comparers[comparerKey(tableName, property)] = cmp
}

func (e *Engine) comparerFor(tableName, property string) model.PropertyValueComparer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cmp, ok := e.comparers[comparerKey(tableName, property)]; ok {
		return cmp
	}
	return model.DefaultComparer
}

// Resolution is one in-progress three-way merge over an Update error's
// conflict set.
type Resolution struct {
	errRow    model.OperationError
	conflicts []*model.PropertyConflict
	engine    *Engine
}

// Conflicts returns the resolution's property conflict set.
func (r *Resolution) Conflicts() []*model.PropertyConflict { return r.conflicts }

// TableName returns the table the resolution's error row belongs to, for
// callers that need to scope a Change Tracker batch to it.
func (r *Resolution) TableName() string { return r.errRow.TableName }

// NewResolution builds the conflict set for an Update error and returns a
// Resolution for the caller to drive to completion.
func (e *Engine) NewResolution(errRow model.OperationError) (*Resolution, error) {
	if errRow.Kind != model.KindUpdate {
		return nil, fmt.Errorf("conflict resolution only applies to Update errors, got %s", errRow.Kind)
	}

	base, local, remote := errRow.PreviousItem, errRow.Item, errRow.Result
	var conflicts []*model.PropertyConflict

	for name := range base {
		if model.IsSystemField(name) {
			continue
		}
		localVal, inLocal := local[name]
		remoteVal, inRemote := remote[name]
		if !inLocal || !inRemote {
			continue
		}
		baseVal := base[name]

		if !model.IsPrimitive(baseVal) || !model.IsPrimitive(localVal) || !model.IsPrimitive(remoteVal) {
			return nil, errors.UnsupportedConflictValue(name)
		}

		cmp := e.comparerFor(errRow.TableName, name)
		if cmp(localVal, remoteVal) {
			continue // already agree
		}
		isLocalChanged := !cmp(baseVal, localVal)
		isRemoteChanged := !cmp(baseVal, remoteVal)
		if !isLocalChanged && !isRemoteChanged {
			continue // neither side actually changed
		}

		conflicts = append(conflicts, &model.PropertyConflict{
			PropertyName:    name,
			BaseValue:       baseVal,
			LocalValue:      localVal,
			RemoteValue:     remoteVal,
			IsLocalChanged:  isLocalChanged,
			IsRemoteChanged: isRemoteChanged,
		})
	}

	e.log.Info("conflict", "built conflict set", map[string]interface{}{
		"operation_id": errRow.OperationID,
		"table":        errRow.TableName,
		"conflicts":    len(conflicts),
	})

	return &Resolution{errRow: errRow, conflicts: conflicts, engine: e}, nil
}

func (r *Resolution) find(property string) (*model.PropertyConflict, error) {
	for _, c := range r.conflicts {
		if c.PropertyName == property {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no conflict registered for property %q", property)
}

// TakeRemote resolves property using the remote value.
func (r *Resolution) TakeRemote(property string) error {
	c, err := r.find(property)
	if err != nil {
		return err
	}
	return resolve(c, c.RemoteValue)
}

// TakeLocal resolves property using the local value.
func (r *Resolution) TakeLocal(property string) error {
	c, err := r.find(property)
	if err != nil {
		return err
	}
	return resolve(c, c.LocalValue)
}

// UpdateValue resolves property using an explicit value.
func (r *Resolution) UpdateValue(property string, value interface{}) error {
	c, err := r.find(property)
	if err != nil {
		return err
	}
	return resolve(c, value)
}

func resolve(c *model.PropertyConflict, value interface{}) error {
	if c.Handled {
		return errors.AlreadyHandled(c.PropertyName)
	}
	c.Handled = true
	c.ResolvedValue = value
	return nil
}

// allHandled reports whether every conflict in the set has been resolved.
func (r *Resolution) allHandled() bool {
	for _, c := range r.conflicts {
		if !c.Handled {
			return false
		}
	}
	return true
}

// MergeAndUpdate starts from the remote item, overwrites each conflicted
// property with its resolved value, and re-enqueues the operation with the
// merged item as the new local update. An empty conflict set (base != remote
// but local == remote) is treated as already merged and succeeds
// immediately using the remote item as-is. s receives the merged write, so
// the caller can pass a scoped Change Tracker in place of the raw store.
func (e *Engine) MergeAndUpdate(ctx context.Context, s store.Store, r *Resolution) error {
	if len(r.conflicts) > 0 && !r.allHandled() {
		return fmt.Errorf("merge_and_update: %d conflict(s) still unhandled", countUnhandled(r.conflicts))
	}

	return e.withLocks(r.errRow.TableName, r.errRow.Item.ID(), func() error {
		merged := r.errRow.Result.Clone()
		for _, c := range r.conflicts {
			merged[c.PropertyName] = c.ResolvedValue
		}

		if err := s.Upsert(ctx, r.errRow.TableName, []model.Record{merged}, false, model.SourceLocalConflictResolution); err != nil {
			return errors.LocalStoreFailure("upsert merged item", err)
		}
		ok, err := e.queue.UpdateCAS(ctx, r.errRow.OperationID, r.errRow.OperationVersion, nil)
		if err != nil {
			return err
		}
		if !ok {
			return errors.InconsistentState("merge_and_update: operation was modified concurrently")
		}
		return e.errs.Delete(ctx, r.errRow.ID)
	})
}

func countUnhandled(conflicts []*model.PropertyConflict) int {
	n := 0
	for _, c := range conflicts {
		if !c.Handled {
			n++
		}
	}
	return n
}

// CancelAndDiscard deletes the operation and its local row.
func (e *Engine) CancelAndDiscard(ctx context.Context, s store.Store, errRow model.OperationError) error {
	itemID := operationItemID(errRow)
	return e.withLocks(errRow.TableName, itemID, func() error {
		if err := e.queue.Delete(ctx, errRow.OperationID); err != nil {
			return err
		}
		if err := s.DeleteIDs(ctx, errRow.TableName, []string{itemID}, model.SourceLocalConflictResolution); err != nil {
			return errors.LocalStoreFailure("discard local row", err)
		}
		return e.errs.Delete(ctx, errRow.ID)
	})
}

// CancelAndUpdate deletes the operation and upserts item locally in its place.
func (e *Engine) CancelAndUpdate(ctx context.Context, s store.Store, errRow model.OperationError, item model.Record) error {
	itemID := operationItemID(errRow)
	return e.withLocks(errRow.TableName, itemID, func() error {
		if err := e.queue.Delete(ctx, errRow.OperationID); err != nil {
			return err
		}
		if err := s.Upsert(ctx, errRow.TableName, []model.Record{item}, false, model.SourceLocalConflictResolution); err != nil {
			return errors.LocalStoreFailure("apply resolved item", err)
		}
		return e.errs.Delete(ctx, errRow.ID)
	})
}

// UpdateOperation replaces the operation's payload and deletes its error
// row. For non-Delete operations it also upserts item locally, since those
// kinds carry their payload in the store rather than on the queue row.
func (e *Engine) UpdateOperation(ctx context.Context, s store.Store, errRow model.OperationError, item model.Record) error {
	itemID := operationItemID(errRow)
	return e.withLocks(errRow.TableName, itemID, func() error {
		if errRow.Kind != model.KindDelete {
			if err := s.Upsert(ctx, errRow.TableName, []model.Record{item}, false, model.SourceLocalConflictResolution); err != nil {
				return errors.LocalStoreFailure("apply updated payload", err)
			}
		}
		ok, err := e.queue.UpdateCAS(ctx, errRow.OperationID, errRow.OperationVersion, item)
		if err != nil {
			return err
		}
		if !ok {
			return errors.InconsistentState("update_operation: operation was modified concurrently")
		}
		return e.errs.Delete(ctx, errRow.ID)
	})
}

func operationItemID(errRow model.OperationError) string {
	if id := errRow.Item.ID(); id != "" {
		return id
	}
	return errRow.PreviousItem.ID()
}

// withLocks runs fn under lock_item, then lock_table, then the writer lock,
// in that order, to serialize with enqueues and pushes.
func (e *Engine) withLocks(tableName, itemID string, fn func() error) error {
	releaseItem := e.queue.LockItem(itemID)
	defer releaseItem()
	releaseTable := e.queue.LockTable(tableName)
	defer releaseTable()
	releaseWriter := e.rw.Lock()
	defer releaseWriter()
	return fn()
}
