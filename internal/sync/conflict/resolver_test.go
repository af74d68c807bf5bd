package conflict

import (
	"context"
	"testing"

	"github.com/oghenemoses/tablesync/internal/logging"
	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
	"github.com/oghenemoses/tablesync/internal/sync/errrow"
	"github.com/oghenemoses/tablesync/internal/sync/lockset"
	"github.com/oghenemoses/tablesync/internal/sync/queue"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestEngine(t *testing.T) (*Engine, store.Store, *queue.Queue) {
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
	return NewEngine(q, errs, &lockset.RWLock{}, log), s, q
}

func TestNewResolution_buildsConflictSetOnlyForDivergedChangedFields(t *testing.T) {
	e, _, _ := newTestEngine(t)

	errRow := model.OperationError{
		Kind:      model.KindUpdate,
		TableName: "notes",
		PreviousItem: model.Record{
			model.FieldID: "item1", "title": "A", "count": int64(1), "tag": "x",
		},
		Item: model.Record{
			model.FieldID: "item1", "title": "B", "count": int64(1), "tag": "x",
		},
		Result: model.Record{
			model.FieldID: "item1", "title": "A", "count": int64(2), "tag": "x",
		},
	}

	res, err := e.NewResolution(errRow)
	if err != nil {
		t.Fatalf("NewResolution: %v", err)
	}
	if len(res.conflicts) != 2 {
		t.Fatalf("got %d conflicts, want 2 (title, count); tag never changed so it should be excluded", len(res.conflicts))
	}

	title, err := res.find("title")
	if err != nil {
		t.Fatalf("find(title): %v", err)
	}
	if !title.IsLocalChanged || title.IsRemoteChanged {
		t.Errorf("title conflict flags = local=%v remote=%v, want local=true remote=false", title.IsLocalChanged, title.IsRemoteChanged)
	}

	count, err := res.find("count")
	if err != nil {
		t.Fatalf("find(count): %v", err)
	}
	if count.IsLocalChanged || !count.IsRemoteChanged {
		t.Errorf("count conflict flags = local=%v remote=%v, want local=false remote=true", count.IsLocalChanged, count.IsRemoteChanged)
	}
}

func TestNewResolution_rejectsNonUpdateKind(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.NewResolution(model.OperationError{Kind: model.KindInsert})
	if err == nil {
		t.Fatal("expected an error building a resolution for a non-Update error row")
	}
}

func TestNewResolution_nonPrimitiveValueErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)
	errRow := model.OperationError{
		Kind:         model.KindUpdate,
		TableName:    "notes",
		PreviousItem: model.Record{model.FieldID: "item1", "tags": []string{"a"}},
		Item:         model.Record{model.FieldID: "item1", "tags": []string{"a", "b"}},
		Result:       model.Record{model.FieldID: "item1", "tags": []string{"a", "c"}},
	}
	if _, err := e.NewResolution(errRow); err == nil {
		t.Fatal("expected UnsupportedConflictValue for a non-primitive property value")
	}
}

func TestResolution_takeRemoteAndTakeLocal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	errRow := model.OperationError{
		Kind:         model.KindUpdate,
		TableName:    "notes",
		PreviousItem: model.Record{model.FieldID: "item1", "title": "A", "count": int64(1)},
		Item:         model.Record{model.FieldID: "item1", "title": "B", "count": int64(1)},
		Result:       model.Record{model.FieldID: "item1", "title": "A", "count": int64(2)},
	}
	res, _ := e.NewResolution(errRow)

	if err := res.TakeLocal("title"); err != nil {
		t.Fatalf("TakeLocal: %v", err)
	}
	if err := res.TakeRemote("count"); err != nil {
		t.Fatalf("TakeRemote: %v", err)
	}

	title, _ := res.find("title")
	if title.ResolvedValue != "B" {
		t.Errorf("title resolved value = %v, want %q", title.ResolvedValue, "B")
	}
	count, _ := res.find("count")
	if count.ResolvedValue != int64(2) {
		t.Errorf("count resolved value = %v, want %v", count.ResolvedValue, int64(2))
	}
}

func TestResolution_doubleResolveIsAlreadyHandled(t *testing.T) {
	e, _, _ := newTestEngine(t)
	errRow := model.OperationError{
		Kind:         model.KindUpdate,
		TableName:    "notes",
		PreviousItem: model.Record{model.FieldID: "item1", "title": "A"},
		Item:         model.Record{model.FieldID: "item1", "title": "B"},
		Result:       model.Record{model.FieldID: "item1", "title": "C"},
	}
	res, _ := e.NewResolution(errRow)

	if err := res.TakeLocal("title"); err != nil {
		t.Fatalf("first TakeLocal: %v", err)
	}
	if err := res.TakeRemote("title"); err == nil {
		t.Fatal("expected an AlreadyHandled error on a second resolve of the same property")
	}
}

func TestResolution_unknownPropertyErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, _ := e.NewResolution(model.OperationError{
		Kind:         model.KindUpdate,
		TableName:    "notes",
		PreviousItem: model.Record{model.FieldID: "item1"},
		Item:         model.Record{model.FieldID: "item1"},
		Result:       model.Record{model.FieldID: "item1"},
	})
	if err := res.TakeLocal("nonexistent"); err == nil {
		t.Fatal("expected an error resolving a property with no registered conflict")
	}
}

func TestMergeAndUpdate_appliesResolvedValuesAndClearsError(t *testing.T) {
	e, s, q := newTestEngine(t)
	ctx := context.Background()

	op, _ := q.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindUpdate, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	errRow, _ := e.errs.Save(ctx, model.OperationError{
		OperationID:      op.ID,
		OperationVersion: op.Version,
		Kind:             model.KindUpdate,
		TableName:        "notes",
		PreviousItem:     model.Record{model.FieldID: "item1", "title": "A"},
		Item:             model.Record{model.FieldID: "item1", "title": "B"},
		Result:           model.Record{model.FieldID: "item1", model.FieldVersion: "remote-v2", "title": "A"},
	})

	res, _ := e.NewResolution(errRow)
	if err := res.TakeLocal("title"); err != nil {
		t.Fatalf("TakeLocal: %v", err)
	}
	if err := e.MergeAndUpdate(ctx, s, res); err != nil {
		t.Fatalf("MergeAndUpdate: %v", err)
	}

	got, _ := s.Lookup(ctx, "notes", "item1")
	if got["title"] != "B" {
		t.Errorf("stored title = %v, want %q", got["title"], "B")
	}

	gotErr, _ := e.errs.Get(ctx, errRow.ID)
	if gotErr != nil {
		t.Error("expected the error row to be deleted after a successful merge")
	}
}

func TestMergeAndUpdate_rejectsUnresolvedConflicts(t *testing.T) {
	e, s, q := newTestEngine(t)
	ctx := context.Background()

	op, _ := q.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindUpdate, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	errRow := model.OperationError{
		OperationID:      op.ID,
		OperationVersion: op.Version,
		Kind:             model.KindUpdate,
		TableName:        "notes",
		PreviousItem:     model.Record{model.FieldID: "item1", "title": "A"},
		Item:             model.Record{model.FieldID: "item1", "title": "B"},
		Result:           model.Record{model.FieldID: "item1", "title": "C"},
	}
	res, _ := e.NewResolution(errRow)
	if err := e.MergeAndUpdate(ctx, s, res); err == nil {
		t.Fatal("expected an error merging with an unresolved conflict")
	}
}

func TestMergeAndUpdate_emptyConflictSetSucceedsImmediately(t *testing.T) {
	e, s, q := newTestEngine(t)
	ctx := context.Background()

	op, _ := q.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindUpdate, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	errRow, _ := e.errs.Save(ctx, model.OperationError{
		OperationID:      op.ID,
		OperationVersion: op.Version,
		Kind:             model.KindUpdate,
		TableName:        "notes",
		PreviousItem:     model.Record{model.FieldID: "item1", "title": "A"},
		Item:             model.Record{model.FieldID: "item1", "title": "B"},
		Result:           model.Record{model.FieldID: "item1", model.FieldVersion: "remote-v2", "title": "B"},
	})

	res, err := e.NewResolution(errRow)
	if err != nil {
		t.Fatalf("NewResolution: %v", err)
	}
	if len(res.conflicts) != 0 {
		t.Fatalf("got %d conflicts, want 0 (local already matches remote)", len(res.conflicts))
	}

	if err := e.MergeAndUpdate(ctx, s, res); err != nil {
		t.Fatalf("MergeAndUpdate with an empty conflict set: %v", err)
	}
	got, _ := s.Lookup(ctx, "notes", "item1")
	if got["title"] != "B" {
		t.Errorf("stored title = %v, want %q", got["title"], "B")
	}
}

func TestCancelAndDiscard_removesOperationAndRow(t *testing.T) {
	e, s, q := newTestEngine(t)
	ctx := context.Background()

	op, _ := q.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindUpdate, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	s.Upsert(ctx, "notes", []model.Record{{model.FieldID: "item1", "title": "local"}}, true, model.SourceLocal)
	errRow, _ := e.errs.Save(ctx, model.OperationError{OperationID: op.ID, OperationVersion: op.Version, Kind: model.KindUpdate, TableName: "notes", Item: model.Record{model.FieldID: "item1"}})

	if err := e.CancelAndDiscard(ctx, s, errRow); err != nil {
		t.Fatalf("CancelAndDiscard: %v", err)
	}
	if _, ok := q.GetByID(op.ID); ok {
		t.Error("operation should be removed from the queue")
	}
	got, _ := s.Lookup(ctx, "notes", "item1")
	if got != nil {
		t.Error("local row should be discarded")
	}
}

func TestCancelAndUpdate_replacesLocalRow(t *testing.T) {
	e, s, q := newTestEngine(t)
	ctx := context.Background()

	op, _ := q.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindUpdate, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	errRow, _ := e.errs.Save(ctx, model.OperationError{OperationID: op.ID, OperationVersion: op.Version, Kind: model.KindUpdate, TableName: "notes", Item: model.Record{model.FieldID: "item1"}})

	replacement := model.Record{model.FieldID: "item1", model.FieldVersion: "remote-v3", "title": "remote wins"}
	if err := e.CancelAndUpdate(ctx, s, errRow, replacement); err != nil {
		t.Fatalf("CancelAndUpdate: %v", err)
	}
	if _, ok := q.GetByID(op.ID); ok {
		t.Error("operation should be removed from the queue")
	}
	got, _ := s.Lookup(ctx, "notes", "item1")
	if got["title"] != "remote wins" {
		t.Errorf("stored title = %v, want %q", got["title"], "remote wins")
	}
}

func TestUpdateOperation_reEnqueuesWithNewPayload(t *testing.T) {
	e, s, q := newTestEngine(t)
	ctx := context.Background()

	op, _ := q.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindUpdate, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	errRow, _ := e.errs.Save(ctx, model.OperationError{OperationID: op.ID, OperationVersion: op.Version, Kind: model.KindUpdate, TableName: "notes", Item: model.Record{model.FieldID: "item1"}})

	replacement := model.Record{model.FieldID: "item1", "title": "retry payload"}
	if err := e.UpdateOperation(ctx, s, errRow, replacement); err != nil {
		t.Fatalf("UpdateOperation: %v", err)
	}

	got, _ := s.Lookup(ctx, "notes", "item1")
	if got["title"] != "retry payload" {
		t.Errorf("stored title = %v, want %q", got["title"], "retry payload")
	}
	reQueued, ok := q.GetByID(op.ID)
	if !ok || reQueued.State != model.StatePending {
		t.Errorf("operation should be re-queued Pending, got %+v, ok=%v", reQueued, ok)
	}
}
