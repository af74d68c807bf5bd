// Package push implements the Push Engine: it drains the Operation Queue in
// sequence order, invokes the Remote Table for each op, and classifies
// failures into abort-the-batch or record-and-continue.
package push

import (
	"context"
	"errors"

	syncerrors "github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/logging"
	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
	"github.com/oghenemoses/tablesync/internal/sync/errrow"
	"github.com/oghenemoses/tablesync/internal/sync/queue"
	"github.com/oghenemoses/tablesync/internal/sync/tableops"
)

// Status is the terminal state of a push batch, delivered to on_push_complete.
type Status string

const (
	StatusComplete                       Status = "Complete"
	StatusCancelledByNetworkError        Status = "CancelledByNetworkError"
	StatusCancelledByAuthenticationError Status = "CancelledByAuthenticationError"
	StatusCancelledByOperation           Status = "CancelledByOperation"
	StatusCancelledByToken               Status = "CancelledByToken"
)

// Result is handed to the caller's on_push_complete callback after a batch.
type Result struct {
	Status Status
	Errors []model.OperationError
}

// Handler is invoked once per batch with its outcome; it may mark individual
// errors handled (by deleting their rows via the caller's own resolution
// calls) before returning. Any errors still present afterward are reported
// as unhandled.
type Handler func(ctx context.Context, result Result)

// AbortSignal reports whether the current op requested abort_push, checked
// after ExecuteRemote so a handler-level abort takes effect immediately.
type AbortSignal func(op *model.Operation) bool

// Engine is the Push Engine.
type Engine struct {
	store  store.Store
	queue  *queue.Queue
	errs   *errrow.Log
	remote tableops.RemoteTable
	log    *logging.Logger

	onComplete Handler
	abort      AbortSignal
}

// New constructs a Push Engine. onComplete and abort may be nil.
func New(s store.Store, q *queue.Queue, errs *errrow.Log, remote tableops.RemoteTable, log *logging.Logger, onComplete Handler, abort AbortSignal) *Engine {
	return &Engine{store: s, queue: q, errs: errs, remote: remote, log: log, onComplete: onComplete, abort: abort}
}

// Run walks the queue for tableFilter (all tables if empty), pushing each
// pending operation in sequence order. Operations enqueued after Run starts
// are not visited by this batch, since peek is monotonic on sequence.
func (e *Engine) Run(ctx context.Context, tableFilter []string) (Result, error) {
	result := Result{Status: StatusComplete}
	var lastSequence int64

	for {
		if err := ctx.Err(); err != nil {
			result.Status = StatusCancelledByToken
			break
		}

		op, ok := e.queue.Peek(lastSequence, model.TableKindTable, tableFilter)
		if !ok {
			break
		}
		lastSequence = op.Sequence

		status, err := e.pushOne(ctx, op)
		if err != nil {
			e.log.ErrorWithCode("push", "push batch aborted", classify(err), err, map[string]interface{}{
				"operation_id": op.ID,
				"table":        op.TableName,
			})
			result.Status = status
			break
		}
	}

	errRows, err := e.errs.List(ctx)
	if err != nil {
		return result, syncerrors.LocalStoreFailure("list error rows after push", err)
	}
	result.Errors = errRows

	if e.onComplete != nil {
		e.onComplete(ctx, result)
		// re-read: the handler may have deleted rows via a resolution call.
		errRows, err = e.errs.List(ctx)
		if err != nil {
			return result, syncerrors.LocalStoreFailure("list error rows after handler", err)
		}
		result.Errors = errRows
	}

	if result.Status != StatusComplete {
		return result, syncerrors.PushAborted(abortReasonFor(result.Status), string(result.Status))
	}
	if len(result.Errors) > 0 {
		return result, syncerrors.Wrap(syncerrors.ErrPushAborted, "push completed with unhandled errors", pushFailed{errors: result.Errors})
	}
	return result, nil
}

// pushOne runs steps 1-7 of §4.3 for a single operation. The per-item lock is
// held across the remote call by design, to reject concurrent local edits
// on the same item mid-flight.
func (e *Engine) pushOne(ctx context.Context, op *model.Operation) (Status, error) {
	release := e.queue.LockItem(op.ItemID)
	defer release()

	item, err := e.loadItem(ctx, op)
	if err != nil {
		return StatusComplete, nil // missing-item error already recorded; keep going
	}

	op.State = model.StateAttempted
	if err := e.queue.Update(ctx, op); err != nil {
		return StatusComplete, syncerrors.LocalStoreFailure("persist attempted state", err)
	}

	result, remoteErr := tableops.ExecuteRemote(ctx, e.remote, op, item)
	if remoteErr == nil {
		return StatusComplete, e.onSuccess(ctx, op, result)
	}

	op.State = model.StateFailed
	if err := e.queue.Update(ctx, op); err != nil {
		return StatusComplete, syncerrors.LocalStoreFailure("persist failed state", err)
	}

	return e.onFailure(ctx, op, item, remoteErr)
}

func (e *Engine) loadItem(ctx context.Context, op *model.Operation) (model.Record, error) {
	if op.Kind == model.KindDelete {
		return op.Item, nil
	}
	item, err := e.store.Lookup(ctx, op.TableName, op.ItemID)
	if err != nil {
		return nil, syncerrors.LocalStoreFailure("load item for push", err)
	}
	if item == nil {
		e.saveMissingItemError(ctx, op)
		return nil, syncerrors.InvalidInput("item missing from local store")
	}
	return item, nil
}

func (e *Engine) saveMissingItemError(ctx context.Context, op *model.Operation) {
	e.errs.Save(ctx, model.OperationError{
		OperationID:      op.ID,
		OperationVersion: op.Version,
		Kind:             op.Kind,
		TableName:        op.TableName,
		TableKind:        op.TableKind,
		Item:             model.Record{model.FieldID: op.ItemID},
		RawResult:        "missing local item",
	})
}

func (e *Engine) onSuccess(ctx context.Context, op *model.Operation, result model.Record) error {
	if tableops.WritesResultBack(op.Kind) && result != nil {
		if err := e.store.Upsert(ctx, op.TableName, []model.Record{result}, false, model.SourceServerPush); err != nil {
			return syncerrors.LocalStoreFailure("write pushed result back", err)
		}
	}
	ok, err := e.queue.DeleteCAS(ctx, op.ID, op.Version)
	if err != nil {
		return syncerrors.LocalStoreFailure("delete acknowledged operation", err)
	}
	if !ok {
		return syncerrors.InconsistentState("operation changed concurrently during push")
	}
	return nil
}

func (e *Engine) onFailure(ctx context.Context, op *model.Operation, item model.Record, remoteErr error) (Status, error) {
	if isNetworkError(remoteErr) {
		return StatusCancelledByNetworkError, remoteErr
	}
	if syncerrors.Is(remoteErr, syncerrors.ErrPushAborted) && reasonOf(remoteErr) == syncerrors.AbortAuth {
		return StatusCancelledByAuthenticationError, remoteErr
	}
	if e.abort != nil && e.abort(op) {
		return StatusCancelledByOperation, remoteErr
	}
	if ctx.Err() != nil {
		return StatusCancelledByToken, ctx.Err()
	}

	httpStatus, rawResult, result := extractRemoteDetail(remoteErr)
	base, lookupErr := e.store.Lookup(ctx, op.TableName, op.ItemID)
	if lookupErr != nil {
		base = nil
	}
	_, saveErr := e.errs.Save(ctx, model.OperationError{
		OperationID:      op.ID,
		OperationVersion: op.Version,
		Kind:             op.Kind,
		HTTPStatus:       httpStatus,
		TableName:        op.TableName,
		TableKind:        op.TableKind,
		Item:             item,
		PreviousItem:     base,
		RawResult:        rawResult,
		Result:           result,
	})
	if saveErr != nil {
		return StatusComplete, syncerrors.LocalStoreFailure("save push error row", saveErr)
	}
	return StatusComplete, nil
}

func reasonOf(err error) syncerrors.PushAbortReason {
	var ae *syncerrors.AppError
	for err != nil {
		if v, ok := err.(*syncerrors.AppError); ok {
			ae = v
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ae == nil {
		return syncerrors.AbortNone
	}
	return ae.AbortReason
}

func extractRemoteDetail(err error) (httpStatus int, rawResult string, result model.Record) {
	var ae *syncerrors.AppError
	for e := err; e != nil; {
		if v, ok := e.(*syncerrors.AppError); ok {
			ae = v
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if ae == nil {
		return 0, err.Error(), nil
	}
	return ae.HTTPStatus, ae.Message, nil
}

func isNetworkError(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}

func abortReasonFor(status Status) syncerrors.PushAbortReason {
	switch status {
	case StatusCancelledByNetworkError:
		return syncerrors.AbortNetwork
	case StatusCancelledByAuthenticationError:
		return syncerrors.AbortAuth
	case StatusCancelledByOperation:
		return syncerrors.AbortOperation
	case StatusCancelledByToken:
		return syncerrors.AbortToken
	default:
		return syncerrors.AbortComplete
	}
}

func classify(err error) syncerrors.ErrorCode {
	var se syncerrors.SyncError
	if x, ok := err.(syncerrors.SyncError); ok {
		se = x
		return se.Code()
	}
	return syncerrors.ErrPushAborted
}

// pushFailed carries the unhandled error rows behind a PushAborted error.
type pushFailed struct {
	errors []model.OperationError
}

func (p pushFailed) Error() string {
	return "push completed with unhandled errors"
}

// UnhandledErrors extracts the unhandled error rows from a push failure, if err is one.
func UnhandledErrors(err error) ([]model.OperationError, bool) {
	var ae *syncerrors.AppError
	for e := err; e != nil; {
		if v, ok := e.(*syncerrors.AppError); ok {
			ae = v
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if ae == nil {
		return nil, false
	}
	pf, ok := ae.Err.(pushFailed)
	if !ok {
		return nil, false
	}
	return pf.errors, true
}
