// Package pull implements the Pull Engine: dirty-table-gated, paginated
// fetch from the Remote Table with cursor and incremental strategies.
package pull

import (
	"context"
	"fmt"
	"net/url"
	"time"

	syncerrors "github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/logging"
	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
	"github.com/oghenemoses/tablesync/internal/sync/push"
	"github.com/oghenemoses/tablesync/internal/sync/queue"
	"github.com/oghenemoses/tablesync/internal/sync/settings"
)

// Reader is the subset of the Remote Table contract the Pull Engine drives.
type Reader interface {
	Read(ctx context.Context, query model.Query) (model.ReadResult, error)
}

// RelatedTables controls the dirty-table gate's scope. The zero value (All)
// treats every table as related, matching the spec's "relatedTables is None"
// case; set Tables (possibly empty, meaning none) to narrow it.
type RelatedTables struct {
	All    bool
	Tables []string
}

func (r RelatedTables) tables(target string) []string {
	if r.All {
		return nil // nil tableFilter to CountPending/Run means "every table"
	}
	out := make([]string, 0, len(r.Tables)+1)
	out = append(out, target)
	out = append(out, r.Tables...)
	return out
}

// Options bounds one pull invocation's page size and page count.
type Options struct {
	PageSize     int
	MaxPageCount int
}

// Args describes one pull call.
type Args struct {
	TableName     string
	QueryID       string // empty means non-incremental
	Query         model.Query
	SupportedOpts model.QueryOption
	Related       RelatedTables
	Options       Options
}

// Engine is the Pull Engine.
type Engine struct {
	store    store.Store
	queue    *queue.Queue
	settings *settings.Settings
	remote   Reader
	pusher   *push.Engine
	log      *logging.Logger
}

// New constructs a Pull Engine. pusher drives the dirty-table gate's forced
// push; it may be nil if the caller guarantees tables are never dirty.
func New(s store.Store, q *queue.Queue, st *settings.Settings, remote Reader, pusher *push.Engine, log *logging.Logger) *Engine {
	return &Engine{store: s, queue: q, settings: st, remote: remote, pusher: pusher, log: log}
}

// Run executes one pull to completion, deferring for a forced push first if
// the target or related tables carry pending local operations.
func (e *Engine) Run(ctx context.Context, args Args) error {
	if err := validate(args); err != nil {
		return err
	}

	if err := e.dirtyGate(ctx, args); err != nil {
		return err
	}

	if args.QueryID != "" {
		return e.runIncremental(ctx, args)
	}
	return e.runCursor(ctx, args)
}

func validate(args Args) error {
	q := args.Query
	if q.Params != nil {
		if _, ok := q.Params[model.ReservedIncludeDeletedParam]; ok {
			return syncerrors.InvalidInput("the __includeDeleted parameter is reserved; use IncludeDeleted")
		}
	}
	if q.IncludeTotalCount {
		return syncerrors.InvalidInput("pull forces includeTotalCount=false")
	}
	if args.QueryID != "" {
		if q.HasOrderBy() || q.HasTop() || q.HasSkip() {
			return syncerrors.InvalidInput("incremental pulls reject orderby/top/skip")
		}
	}
	if q.HasOrderBy() && !args.SupportedOpts.Has(model.OptionOrderBy) {
		return syncerrors.InvalidInput("remote table does not support orderby")
	}
	if q.HasTop() && !args.SupportedOpts.Has(model.OptionTop) {
		return syncerrors.InvalidInput("remote table does not support top")
	}
	if q.HasSkip() && !args.SupportedOpts.Has(model.OptionSkip) {
		return syncerrors.InvalidInput("remote table does not support skip")
	}
	return nil
}

// dirtyGate defers the pull behind a forced push if the target or related
// tables have pending operations. Because the Action Runner already
// serializes Push/Pull/Purge against each other, this runs the push
// synchronously in place of the spec's yield/resume coroutine and resumes
// the same call on success.
func (e *Engine) dirtyGate(ctx context.Context, args Args) error {
	filter := args.Related.tables(args.TableName)
	dirty := e.queue.CountPending(args.TableName) > 0
	if !dirty && filter != nil {
		for _, t := range filter[1:] {
			if e.queue.CountPending(t) > 0 {
				dirty = true
				break
			}
		}
	}
	if !dirty && filter == nil {
		dirty = e.queue.CountPending("") > 0
	}
	if !dirty {
		return nil
	}
	if e.pusher == nil {
		return syncerrors.InconsistentState("pull deferred for dirty tables but no pusher configured")
	}

	e.log.Info("pull", "deferring pull, tables are dirty", map[string]interface{}{"table": args.TableName})
	if _, err := e.pusher.Run(ctx, filter); err != nil {
		return err // same abort (e.g. Network) propagates to the caller untouched
	}
	return nil
}

// runCursor implements the non-incremental strategy: a running max(updatedAt)
// and a bounded item count, paging via skip or nextLink.
func (e *Engine) runCursor(ctx context.Context, args Args) error {
	query := args.Query
	query.TableName = args.TableName
	query.IncludeDeleted = true
	query.IncludeTotalCount = false
	if args.Options.PageSize > 0 && args.SupportedOpts.Has(model.OptionTop) {
		query.Top = args.Options.PageSize
	}

	var maxUpdatedAt time.Time
	totalSeen := 0
	page := 0
	for {
		if args.Options.MaxPageCount > 0 && page >= args.Options.MaxPageCount {
			break
		}
		result, err := e.remote.Read(ctx, query)
		if err != nil {
			return err
		}
		if len(result.Values) == 0 {
			break
		}
		for _, item := range result.Values {
			if ts := item.UpdatedAt(); ts.After(maxUpdatedAt) {
				maxUpdatedAt = ts
			}
		}
		if err := e.processBatch(ctx, args.TableName, result.Values); err != nil {
			return err
		}
		totalSeen += len(result.Values)
		page++

		if !e.advancePage(&query, args, result) {
			break
		}
	}

	e.log.Info("pull", "cursor pull complete", map[string]interface{}{
		"table": args.TableName,
		"items": totalSeen,
		"pages": page,
	})
	return nil
}

// runIncremental implements the delta-token strategy.
func (e *Engine) runIncremental(ctx context.Context, args Args) error {
	token, _, err := e.settings.GetDeltaToken(ctx, args.TableName, args.QueryID)
	if err != nil {
		return err
	}

	query := args.Query
	query.TableName = args.TableName
	query.QueryID = args.QueryID
	query.IncludeDeleted = true
	query.IncludeTotalCount = false
	query.OrderBy = []string{"updatedAt asc", "id asc"}
	query.Filter = combineFilter(query.Filter, deltaFilter(token))

	var highWatermark time.Time
	if token != "" {
		highWatermark, _ = time.Parse(time.RFC3339Nano, token)
	}

	for {
		result, err := e.remote.Read(ctx, query)
		if err != nil {
			return err
		}
		if len(result.Values) == 0 {
			break
		}
		if err := e.processBatch(ctx, args.TableName, result.Values); err != nil {
			return err
		}
		for _, item := range result.Values {
			if ts := item.UpdatedAt(); ts.After(highWatermark) {
				highWatermark = ts
			}
		}
		if err := e.settings.SetDeltaToken(ctx, args.TableName, args.QueryID, highWatermark.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}

		if result.NextLink == "" {
			break
		}
		next, ok := e.nextQueryFromLink(result.NextLink, args.SupportedOpts)
		if !ok {
			break
		}
		next.QueryID = args.QueryID
		next.Filter = combineFilter(query.Filter, deltaFilter(highWatermark.UTC().Format(time.RFC3339Nano)))
		query = next
	}
	return nil
}

func deltaFilter(token string) string {
	if token == "" {
		return ""
	}
	return fmt.Sprintf("updatedAt ge '%s'", token)
}

func combineFilter(base, extra string) string {
	if base == "" {
		return extra
	}
	if extra == "" {
		return base
	}
	return base + " and " + extra
}

// advancePage mutates query in place for the next cursor page, following
// nextLink if its parameters respect the remote-options whitelist, else
// falling back to skip-based paging. Returns false when there is no next
// page.
func (e *Engine) advancePage(query *model.Query, args Args, result model.ReadResult) bool {
	if result.NextLink != "" {
		if next, ok := e.nextQueryFromLink(result.NextLink, args.SupportedOpts); ok {
			next.TableName = args.TableName
			*query = next
			return true
		}
	}
	if args.SupportedOpts.Has(model.OptionSkip) {
		query.Skip += len(result.Values)
		return true
	}
	return false
}

// nextQueryFromLink parses a server-supplied next-page URL and accepts it
// only if every parameter is one the remote's declared options whitelist.
func (e *Engine) nextQueryFromLink(link string, supported model.QueryOption) (model.Query, bool) {
	u, err := url.Parse(link)
	if err != nil {
		return model.Query{}, false
	}
	q := u.Query()
	var out model.Query
	for key, values := range q {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "$filter":
			out.Filter = values[0]
		case "$orderby":
			if !supported.Has(model.OptionOrderBy) {
				return model.Query{}, false
			}
			out.OrderBy = append(out.OrderBy, values[0])
		case "$skip":
			if !supported.Has(model.OptionSkip) {
				return model.Query{}, false
			}
			fmt.Sscanf(values[0], "%d", &out.Skip)
		case "$top":
			if !supported.Has(model.OptionTop) {
				return model.Query{}, false
			}
			fmt.Sscanf(values[0], "%d", &out.Top)
		case model.ReservedIncludeDeletedParam:
			out.IncludeDeleted = true
		default:
			return model.Query{}, false
		}
	}
	return out, true
}

// processBatch applies one server page to the local store: items with a
// pending local operation are skipped outright; the rest split into an
// upsert batch and a delete batch, each flushed tagged ServerPull.
func (e *Engine) processBatch(ctx context.Context, tableName string, items []model.Record) error {
	var upserts []model.Record
	var deletes []string
	for _, item := range items {
		if _, pending := e.queue.GetByItem(tableName, item.ID()); pending {
			continue
		}
		if item.Deleted() {
			deletes = append(deletes, item.ID())
		} else {
			upserts = append(upserts, item)
		}
	}
	if len(upserts) > 0 {
		if err := e.store.Upsert(ctx, tableName, upserts, false, model.SourceServerPull); err != nil {
			return syncerrors.LocalStoreFailure("apply pulled upserts", err)
		}
	}
	if len(deletes) > 0 {
		if err := e.store.DeleteIDs(ctx, tableName, deletes, model.SourceServerPull); err != nil {
			return syncerrors.LocalStoreFailure("apply pulled deletes", err)
		}
	}
	return nil
}
