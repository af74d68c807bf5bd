package purge

import (
	"context"
	"testing"

	"github.com/oghenemoses/tablesync/internal/logging"
	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
	"github.com/oghenemoses/tablesync/internal/sync/errrow"
	"github.com/oghenemoses/tablesync/internal/sync/queue"
	"github.com/oghenemoses/tablesync/internal/sync/settings"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type purgeHarness struct {
	store store.Store
	queue *queue.Queue
	errs  *errrow.Log
	st    *settings.Settings
}

func newPurgeHarness(t *testing.T) *purgeHarness {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	errs := errrow.New(s)
	log := logging.New(&discardWriter{}, logging.LevelError)
	q := queue.New(s, errs, log)
	if err := q.Load(ctx); err != nil {
		t.Fatalf("load queue: %v", err)
	}
	return &purgeHarness{store: s, queue: q, errs: errs, st: settings.New(s, "")}
}

func TestRun_deletesAllRowsWithNoPendingOps(t *testing.T) {
	h := newPurgeHarness(t)
	ctx := context.Background()
	h.store.Upsert(ctx, "notes", []model.Record{{model.FieldID: "item1"}, {model.FieldID: "item2"}}, true, model.SourceLocal)

	p := New(h.store, h.queue, h.errs, h.st)
	n, err := p.Run(ctx, Args{TableName: "notes"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 {
		t.Errorf("Run() = %d, want 2", n)
	}
}

func TestRun_rejectsPendingOpsWithoutForce(t *testing.T) {
	h := newPurgeHarness(t)
	ctx := context.Background()

	release := h.queue.LockItem("item1")
	h.store.Upsert(ctx, "notes", []model.Record{{model.FieldID: "item1"}}, true, model.SourceLocal)
	h.queue.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindInsert, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	release()

	p := New(h.store, h.queue, h.errs, h.st)
	if _, err := p.Run(ctx, Args{TableName: "notes"}); err == nil {
		t.Fatal("expected an error purging a table with pending operations and force=false")
	}
}

func TestRun_rejectsForceWithFilter(t *testing.T) {
	h := newPurgeHarness(t)
	ctx := context.Background()

	release := h.queue.LockItem("item1")
	h.store.Upsert(ctx, "notes", []model.Record{{model.FieldID: "item1"}}, true, model.SourceLocal)
	h.queue.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindInsert, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	release()

	p := New(h.store, h.queue, h.errs, h.st)
	if _, err := p.Run(ctx, Args{TableName: "notes", Force: true, Query: model.Query{Filter: "title eq 'x'"}}); err == nil {
		t.Fatal("expected an error combining force=true with a filter while operations are pending")
	}
}

func TestRun_forceDiscardsPendingOpsAndTheirErrorRows(t *testing.T) {
	h := newPurgeHarness(t)
	ctx := context.Background()

	release := h.queue.LockItem("item1")
	h.store.Upsert(ctx, "notes", []model.Record{{model.FieldID: "item1"}}, true, model.SourceLocal)
	op, _ := h.queue.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindInsert, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	release()

	errRow, err := h.errs.Save(ctx, model.OperationError{OperationID: op.ID, OperationVersion: op.Version, Kind: model.KindInsert, TableName: "notes", Item: model.Record{model.FieldID: "item1"}})
	if err != nil {
		t.Fatalf("save error row: %v", err)
	}

	p := New(h.store, h.queue, h.errs, h.st)
	n, err := p.Run(ctx, Args{TableName: "notes", Force: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("Run() = %d, want 1", n)
	}
	if h.queue.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", h.queue.PendingCount())
	}
	if got, _ := h.errs.Get(ctx, errRow.ID); got != nil {
		t.Error("error row for the discarded operation should have been deleted")
	}
}

func TestRun_resetsDeltaTokenWhenQueryIDGiven(t *testing.T) {
	h := newPurgeHarness(t)
	ctx := context.Background()
	h.st.SetDeltaToken(ctx, "notes", "q1", "some-token")

	p := New(h.store, h.queue, h.errs, h.st)
	if _, err := p.Run(ctx, Args{TableName: "notes", QueryID: "q1"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok, _ := h.st.GetDeltaToken(ctx, "notes", "q1"); ok {
		t.Error("expected the delta token to be reset after a queryId-scoped purge")
	}
}

func TestRun_leavesDeltaTokenWhenNoQueryIDGiven(t *testing.T) {
	h := newPurgeHarness(t)
	ctx := context.Background()
	h.st.SetDeltaToken(ctx, "notes", "q1", "some-token")

	p := New(h.store, h.queue, h.errs, h.st)
	if _, err := p.Run(ctx, Args{TableName: "notes"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok, _ := h.st.GetDeltaToken(ctx, "notes", "q1"); !ok {
		t.Error("delta token for a different queryId scope should not be touched by an unscoped purge")
	}
}
