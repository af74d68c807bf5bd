// Package purge implements the Purge operation: bulk local deletion of a
// table's rows (and any pending operations against them) with delta-token
// reset.
package purge

import (
	"context"

	syncerrors "github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
	"github.com/oghenemoses/tablesync/internal/sync/errrow"
	"github.com/oghenemoses/tablesync/internal/sync/queue"
	"github.com/oghenemoses/tablesync/internal/sync/settings"
)

// Args describes one purge call.
type Args struct {
	TableName string
	QueryID   string // if non-empty, the delta token for (TableName, QueryID) is reset
	Query     model.Query
	Force     bool
}

// Purge implements purge(table, queryId?, query, force).
type Purge struct {
	store    store.Store
	queue    *queue.Queue
	errs     *errrow.Log
	settings *settings.Settings
}

// New constructs a Purge operation.
func New(s store.Store, q *queue.Queue, errs *errrow.Log, st *settings.Settings) *Purge {
	return &Purge{store: s, queue: q, errs: errs, settings: st}
}

// Run executes the purge, failing with InconsistentState if the table has
// pending operations and either force is false or query carries a filter.
func (p *Purge) Run(ctx context.Context, args Args) (int, error) {
	release := p.queue.LockTable(args.TableName)
	defer release()

	pending := p.queue.CountPending(args.TableName)
	if pending > 0 && (!args.Force || args.Query.Filter != "") {
		return 0, syncerrors.InconsistentState("table has pending operations; purge requires force=true and no filter")
	}

	if pending > 0 {
		if err := p.deletePendingOperations(ctx, args.TableName); err != nil {
			return 0, err
		}
	}

	query := args.Query
	query.TableName = args.TableName
	query.IncludeDeleted = true
	n, err := p.store.DeleteQuery(ctx, query, model.SourceLocalPurge)
	if err != nil {
		return 0, syncerrors.LocalStoreFailure("purge matching records", err)
	}

	if args.QueryID != "" {
		if err := p.settings.ResetDeltaToken(ctx, args.TableName, args.QueryID); err != nil {
			return n, err
		}
	}
	return n, nil
}

// deletePendingOperations removes every pending operation (and its error
// row, if any) against tableName.
func (p *Purge) deletePendingOperations(ctx context.Context, tableName string) error {
	for _, op := range p.queue.ListByTable(tableName) {
		if err := p.errs.DeleteByOperation(ctx, op.ID); err != nil {
			return err
		}
		if err := p.queue.Delete(ctx, op.ID); err != nil {
			return err
		}
	}
	return nil
}
