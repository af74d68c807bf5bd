// Package sync wires the Local Store, Operation Queue, Sync Settings, Push
// Engine, Pull Engine, Purge, Conflict/Merge Engine and Change Tracker
// behind the Sync Context: the single facade applications call into.
package sync

import (
	"context"
	"fmt"

	"github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/logging"
	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
	"github.com/oghenemoses/tablesync/internal/sync/action"
	"github.com/oghenemoses/tablesync/internal/sync/conflict"
	"github.com/oghenemoses/tablesync/internal/sync/errrow"
	"github.com/oghenemoses/tablesync/internal/sync/lockset"
	"github.com/oghenemoses/tablesync/internal/sync/pull"
	"github.com/oghenemoses/tablesync/internal/sync/purge"
	"github.com/oghenemoses/tablesync/internal/sync/push"
	"github.com/oghenemoses/tablesync/internal/sync/queue"
	"github.com/oghenemoses/tablesync/internal/sync/settings"
	"github.com/oghenemoses/tablesync/internal/sync/tableops"
	"github.com/oghenemoses/tablesync/internal/sync/tracker"
	"github.com/oghenemoses/tablesync/internal/uuid"
)

// pushHandler, pullArgs and purgeArgs alias the engine packages' own types
// so the Context's public methods don't force callers to import three
// internal/sync/* packages just to call Push/Pull/Purge.
type pushHandler = push.Handler
type pullArgs = pull.Args
type purgeArgs = purge.Args

func newPushEngine(c *Context, s store.Store, onComplete push.Handler) *push.Engine {
	return push.New(s, c.queue, c.errs, c.remote, c.log, onComplete, nil)
}

func newPullEngine(c *Context, pullStore, pushStore store.Store) *pull.Engine {
	pusher := newPushEngine(c, pushStore, nil)
	return pull.New(pullStore, c.queue, c.settings, c.remote, pusher, c.log)
}

// batchTableName names the table a tracker scope's aggregate BatchEvent is
// tagged with. A call spanning more than one table (or every table) has no
// single name to report.
func batchTableName(tables []string) string {
	if len(tables) == 1 {
		return tables[0]
	}
	return ""
}

// RemoteTable is the union of the Remote Table surface the context drives:
// Table Operations' CRUD plus the Pull Engine's Read.
type RemoteTable interface {
	tableops.RemoteTable
	pull.Reader
}

// Config bundles the dependencies a Sync Context is built from.
type Config struct {
	Store      store.Store
	Remote     RemoteTable
	Log        *logging.Logger
	Passphrase string // derives the Remote Table credential's encryption key

	// TrackingFlags selects which Change Tracker notifications the context's
	// Push/Pull/Purge/mutation/resolution calls emit to a listener registered
	// via Watch/SetListener. The zero value disables all tracking.
	TrackingFlags tracker.Flags
}

// Context is the Sync Context: the facade applications and the Action
// Runner call into. It exclusively owns the Operation Queue, Sync Settings
// and the Local Store handle.
type Context struct {
	store    store.Store
	remote   RemoteTable
	log      *logging.Logger
	rw       *lockset.RWLock
	queue    *queue.Queue
	errs     *errrow.Log
	settings *settings.Settings
	conflict *conflict.Engine
	runner   *action.Runner
	trigger  *action.Trigger

	trackingFlags tracker.Flags
	listener      tracker.Listener
}

// New constructs a Sync Context. Call Initialize before any other operation.
func New(cfg Config) *Context {
	errs := errrow.New(cfg.Store)
	q := queue.New(cfg.Store, errs, cfg.Log)
	rw := &lockset.RWLock{}
	return &Context{
		store:         cfg.Store,
		remote:        cfg.Remote,
		log:           cfg.Log,
		rw:            rw,
		queue:         q,
		errs:          errs,
		settings:      settings.New(cfg.Store, cfg.Passphrase),
		conflict:      conflict.NewEngine(q, errs, rw, cfg.Log),
		runner:        action.New(),
		trackingFlags: cfg.TrackingFlags,
	}
}

// newTracker builds a Change Tracker scoped to one invocation, wrapping the
// Local Store with the context's configured flags and registered listener.
func (c *Context) newTracker(batchID string) *tracker.Tracker {
	return tracker.New(c.store, c.trackingFlags, c.listener, batchID)
}

// SetListener registers the Change Tracker sink used by subsequent calls.
// nil disables tracking.
func (c *Context) SetListener(l tracker.Listener) { c.listener = l }

// Initialize defines every table, initializes the store and loads the
// Operation Queue from persisted state. defs must include every
// application table the caller intends to use; system tables are handled
// internally.
func (c *Context) Initialize(ctx context.Context, defs []model.TableDefinition) error {
	for _, def := range defs {
		if err := c.store.DefineTable(def); err != nil {
			return fmt.Errorf("define table %q: %w", def.Name, err)
		}
	}
	if err := c.store.Initialize(ctx); err != nil {
		return errors.LocalStoreFailure("initialize local store", err)
	}
	if err := c.queue.Load(ctx); err != nil {
		return err
	}
	return nil
}

// Insert applies a local Insert: writes the row, then enqueues the
// operation. The per-item lock is held across both steps.
func (c *Context) Insert(ctx context.Context, tableName string, item model.Record) error {
	return c.mutate(ctx, tableName, model.KindInsert, item)
}

// Update applies a local Update.
func (c *Context) Update(ctx context.Context, tableName string, item model.Record) error {
	return c.mutate(ctx, tableName, model.KindUpdate, item)
}

// Delete applies a local Delete. The current row is loaded and inlined onto
// the operation before it is removed, so it can be replayed by Push.
func (c *Context) Delete(ctx context.Context, tableName, id string) error {
	release := c.queue.LockItem(id)
	defer release()
	releaseWriter := c.rw.Lock()
	defer releaseWriter()

	tr := c.newTracker(uuid.New())
	defer tr.Close(tableName, model.SourceLocal)

	existing, err := c.store.Lookup(ctx, tableName, id)
	if err != nil {
		return errors.LocalStoreFailure("load item for delete", err)
	}
	if existing == nil {
		existing = model.Record{model.FieldID: id}
	}
	if err := tableops.ExecuteLocal(ctx, tr, tableName, model.KindDelete, existing); err != nil {
		return errors.LocalStoreFailure("execute local delete", err)
	}
	_, err = c.queue.Enqueue(ctx, &model.Operation{
		ID:        uuid.New(),
		Kind:      model.KindDelete,
		TableName: tableName,
		TableKind: model.TableKindTable,
		ItemID:    id,
		Item:      existing,
	})
	return err
}

func (c *Context) mutate(ctx context.Context, tableName string, kind model.OperationKind, item model.Record) error {
	id := item.ID()
	if id == "" {
		return errors.InvalidInput("item must carry a non-empty id")
	}
	release := c.queue.LockItem(id)
	defer release()
	releaseWriter := c.rw.Lock()
	defer releaseWriter()

	tr := c.newTracker(uuid.New())
	defer tr.Close(tableName, model.SourceLocal)

	if err := tableops.ExecuteLocal(ctx, tr, tableName, kind, item); err != nil {
		return errors.LocalStoreFailure("execute local mutation", err)
	}
	_, err := c.queue.Enqueue(ctx, &model.Operation{
		ID:        uuid.New(),
		Kind:      kind,
		TableName: tableName,
		TableKind: model.TableKindTable,
		ItemID:    id,
	})
	return err
}

// Lookup reads a single row by id.
func (c *Context) Lookup(ctx context.Context, tableName, id string) (model.Record, error) {
	release := c.rw.RLock()
	defer release()
	rec, err := c.store.Lookup(ctx, tableName, id)
	if err != nil {
		return nil, errors.LocalStoreFailure("lookup", err)
	}
	return rec, nil
}

// Read runs a structured local query.
func (c *Context) Read(ctx context.Context, query model.Query) (model.ReadResult, error) {
	release := c.rw.RLock()
	defer release()
	result, err := c.store.Read(ctx, query)
	if err != nil {
		return model.ReadResult{}, errors.LocalStoreFailure("read", err)
	}
	return result, nil
}

// Push runs a push batch for tables (all tables if empty), serialized
// against any other in-flight Push/Pull/Purge by the Action Runner. Local
// writes it makes (e.g. writing a successful result back) run through a
// Change Tracker scoped to this call.
func (c *Context) Push(ctx context.Context, tables []string, onComplete pushHandler) error {
	return c.runner.Do(ctx, func(ctx context.Context) error {
		tr := c.newTracker(uuid.New())
		defer tr.Close(batchTableName(tables), model.SourceServerPush)

		engine := newPushEngine(c, tr, onComplete)
		_, err := engine.Run(ctx, tables)
		return err
	})
}

// Pull runs one pull invocation, serialized against any other in-flight
// Push/Pull/Purge. Its own store writes and any forced push the dirty gate
// triggers each run through their own Change Tracker scope.
func (c *Context) Pull(ctx context.Context, args pullArgs) error {
	return c.runner.Do(ctx, func(ctx context.Context) error {
		pullTr := c.newTracker(uuid.New())
		defer pullTr.Close(args.TableName, model.SourceServerPull)

		pushTr := c.newTracker(uuid.New())
		defer pushTr.Close(args.TableName, model.SourceServerPush)

		engine := newPullEngine(c, pullTr, pushTr)
		return engine.Run(ctx, args)
	})
}

// Purge runs purge(table, queryId?, query, force), serialized against any
// other in-flight Push/Pull/Purge.
func (c *Context) Purge(ctx context.Context, args purgeArgs) (int, error) {
	var n int
	err := c.runner.Do(ctx, func(ctx context.Context) error {
		tr := c.newTracker(uuid.New())
		defer tr.Close(args.TableName, model.SourceLocalPurge)

		p := purge.New(tr, c.queue, c.errs, c.settings)
		var runErr error
		n, runErr = p.Run(ctx, purge.Args(args))
		return runErr
	})
	return n, err
}

// NewResolution starts a conflict resolution session over errRow.
func (c *Context) NewResolution(errRow model.OperationError) (*conflict.Resolution, error) {
	return c.conflict.NewResolution(errRow)
}

// MergeAndUpdate completes a conflict resolution session.
func (c *Context) MergeAndUpdate(ctx context.Context, r *conflict.Resolution) error {
	tr := c.newTracker(uuid.New())
	defer tr.Close(r.TableName(), model.SourceLocalConflictResolution)
	return c.conflict.MergeAndUpdate(ctx, tr, r)
}

// CancelAndDiscard implements cancel_and_discard(error).
func (c *Context) CancelAndDiscard(ctx context.Context, errRow model.OperationError) error {
	tr := c.newTracker(uuid.New())
	defer tr.Close(errRow.TableName, model.SourceLocalConflictResolution)
	return c.conflict.CancelAndDiscard(ctx, tr, errRow)
}

// CancelAndUpdate implements cancel_and_update(error, item).
func (c *Context) CancelAndUpdate(ctx context.Context, errRow model.OperationError, item model.Record) error {
	tr := c.newTracker(uuid.New())
	defer tr.Close(errRow.TableName, model.SourceLocalConflictResolution)
	return c.conflict.CancelAndUpdate(ctx, tr, errRow, item)
}

// UpdateOperation implements update_operation(error, item).
func (c *Context) UpdateOperation(ctx context.Context, errRow model.OperationError, item model.Record) error {
	tr := c.newTracker(uuid.New())
	defer tr.Close(errRow.TableName, model.SourceLocalConflictResolution)
	return c.conflict.UpdateOperation(ctx, tr, errRow, item)
}

// ConfigureCredential stores the Remote Table bearer token, encrypted at rest.
func (c *Context) ConfigureCredential(ctx context.Context, bearerToken string) error {
	return c.settings.ConfigureCredential(ctx, bearerToken)
}

// ClearCredential removes the stored Remote Table credential.
func (c *Context) ClearCredential(ctx context.Context) error {
	return c.settings.ClearCredential(ctx)
}

// StartPeriodicTrigger begins running a push-then-pull cycle on expr's cron
// schedule, layered additively on top of manual Push/Pull calls.
func (c *Context) StartPeriodicTrigger(expr string, cycle action.Cycle) error {
	if c.trigger == nil {
		c.trigger = action.NewTrigger(c.runner, c.log)
	}
	return c.trigger.Start(expr, cycle)
}

// StopPeriodicTrigger halts the periodic trigger, if running.
func (c *Context) StopPeriodicTrigger() {
	if c.trigger != nil {
		c.trigger.Stop()
	}
}

// Watch returns a Change Tracker Listener the caller can register with
// SetListener; the Sync Context makes no assumption about its fan-out
// mechanism (see internal/sync/tracker.Broadcaster for the shipped
// WebSocket-backed one).
func (c *Context) Watch(l tracker.Listener) { c.SetListener(l) }

// Settings exposes the underlying Sync Settings for advanced callers
// (e.g. per-table system-property configuration before Initialize).
func (c *Context) Settings() *settings.Settings { return c.settings }
