package pull

import (
	"context"
	"testing"
	"time"

	"github.com/oghenemoses/tablesync/internal/logging"
	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
	"github.com/oghenemoses/tablesync/internal/sync/errrow"
	"github.com/oghenemoses/tablesync/internal/sync/push"
	"github.com/oghenemoses/tablesync/internal/sync/queue"
	"github.com/oghenemoses/tablesync/internal/sync/remote"
	"github.com/oghenemoses/tablesync/internal/sync/settings"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type pullHarness struct {
	store store.Store
	queue *queue.Queue
	st    *settings.Settings
	fake  *remote.Fake
	log   *logging.Logger
}

func newPullHarness(t *testing.T) *pullHarness {
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
	return &pullHarness{store: s, queue: q, st: settings.New(s, ""), fake: remote.NewFake(), log: log}
}

func (h *pullHarness) newEngine(pusher *push.Engine) *Engine {
	return New(h.store, h.queue, h.st, h.fake, pusher, h.log)
}

func TestRun_rejectsReservedIncludeDeletedParam(t *testing.T) {
	h := newPullHarness(t)
	e := h.newEngine(nil)
	err := e.Run(context.Background(), Args{TableName: "notes", Query: model.Query{Params: map[string]string{model.ReservedIncludeDeletedParam: "true"}}})
	if err == nil {
		t.Fatal("expected an error for the reserved __includeDeleted param")
	}
}

func TestRun_rejectsIncrementalWithOrderByTopSkip(t *testing.T) {
	h := newPullHarness(t)
	e := h.newEngine(nil)
	err := e.Run(context.Background(), Args{
		TableName: "notes",
		QueryID:   "q1",
		Query:     model.Query{Top: 10},
	})
	if err == nil {
		t.Fatal("expected an error for an incremental pull specifying top")
	}
}

func TestRun_rejectsUnsupportedOrderBy(t *testing.T) {
	h := newPullHarness(t)
	e := h.newEngine(nil)
	err := e.Run(context.Background(), Args{
		TableName:     "notes",
		Query:         model.Query{OrderBy: []string{"title asc"}},
		SupportedOpts: 0,
	})
	if err == nil {
		t.Fatal("expected an error requesting orderby against a remote that doesn't support it")
	}
}

func TestDirtyGate_forcesPushBeforePulling(t *testing.T) {
	h := newPullHarness(t)
	ctx := context.Background()

	release := h.queue.LockItem("item1")
	h.store.Upsert(ctx, "notes", []model.Record{{model.FieldID: "item1"}}, true, model.SourceLocal)
	h.queue.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindInsert, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	release()

	errs := errrow.New(h.store)
	pusher := push.New(h.store, h.queue, errs, h.fake, h.log, nil, nil)
	e := h.newEngine(pusher)

	if err := e.Run(ctx, Args{TableName: "notes", Related: RelatedTables{All: true}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.queue.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0 (dirty gate should have pushed first)", h.queue.PendingCount())
	}
	if _, err := h.fake.Lookup(ctx, "notes", "item1"); err != nil {
		t.Errorf("item1 should have reached the remote via the forced push: %v", err)
	}
}

func TestDirtyGate_errorsWithNoPusherConfigured(t *testing.T) {
	h := newPullHarness(t)
	ctx := context.Background()
	release := h.queue.LockItem("item1")
	h.store.Upsert(ctx, "notes", []model.Record{{model.FieldID: "item1"}}, true, model.SourceLocal)
	h.queue.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindInsert, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	release()

	e := h.newEngine(nil)
	if err := e.Run(ctx, Args{TableName: "notes", Related: RelatedTables{All: true}}); err == nil {
		t.Fatal("expected an error when the table is dirty but no pusher is configured")
	}
}

func TestRunCursor_appliesPulledItemsAndPagesViaSkip(t *testing.T) {
	h := newPullHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	h.fake.Seed("notes", model.Record{model.FieldID: "item1", model.FieldUpdatedAt: now, "title": "a"})
	h.fake.Seed("notes", model.Record{model.FieldID: "item2", model.FieldUpdatedAt: now.Add(time.Second), "title": "b"})

	e := h.newEngine(nil)
	err := e.Run(ctx, Args{
		TableName:     "notes",
		SupportedOpts: model.OptionSkip | model.OptionTop,
		Options:       Options{PageSize: 1},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got1, _ := h.store.Lookup(ctx, "notes", "item1")
	got2, _ := h.store.Lookup(ctx, "notes", "item2")
	if got1 == nil || got2 == nil {
		t.Fatalf("expected both items applied locally, got item1=%v item2=%v", got1, got2)
	}
}

// processBatch is exercised directly here since Run's dirty gate always
// forces a push for a table carrying a pending local op before ever reaching
// it, so the skip-on-pending path cannot be driven end-to-end through Run.
func TestProcessBatch_skipsItemsWithPendingLocalOperation(t *testing.T) {
	h := newPullHarness(t)
	ctx := context.Background()

	h.store.Upsert(ctx, "notes", []model.Record{{model.FieldID: "item1", "title": "local-pending"}}, true, model.SourceLocal)
	release := h.queue.LockItem("item1")
	h.queue.Enqueue(ctx, &model.Operation{ID: "op1", Kind: model.KindUpdate, TableName: "notes", TableKind: model.TableKindTable, ItemID: "item1"})
	release()

	e := h.newEngine(nil)
	remoteVersion := model.Record{model.FieldID: "item1", model.FieldUpdatedAt: time.Now().UTC(), "title": "remote-version"}
	otherItem := model.Record{model.FieldID: "item2", model.FieldUpdatedAt: time.Now().UTC(), "title": "remote-item2"}

	if err := e.processBatch(ctx, "notes", []model.Record{remoteVersion, otherItem}); err != nil {
		t.Fatalf("processBatch: %v", err)
	}

	got, _ := h.store.Lookup(ctx, "notes", "item1")
	if got["title"] != "local-pending" {
		t.Errorf("title = %v, want %q (item with a pending local op should not be overwritten by the pull)", got["title"], "local-pending")
	}
	got2, _ := h.store.Lookup(ctx, "notes", "item2")
	if got2 == nil || got2["title"] != "remote-item2" {
		t.Errorf("item2 (no pending op) should have been applied, got %v", got2)
	}
}

func TestRunIncremental_advancesDeltaToken(t *testing.T) {
	h := newPullHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	h.fake.Seed("notes", model.Record{model.FieldID: "item1", model.FieldUpdatedAt: now, "title": "a"})

	e := h.newEngine(nil)
	if err := e.Run(ctx, Args{TableName: "notes", QueryID: "q1"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	token, ok, err := h.st.GetDeltaToken(ctx, "notes", "q1")
	if err != nil || !ok || token == "" {
		t.Errorf("GetDeltaToken = (%q, %v, %v), want a non-empty token", token, ok, err)
	}

	got, _ := h.store.Lookup(ctx, "notes", "item1")
	if got == nil {
		t.Error("expected item1 to be applied locally")
	}
}

func TestRunIncremental_secondRunOnlyFetchesNewerItems(t *testing.T) {
	h := newPullHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	h.fake.Seed("notes", model.Record{model.FieldID: "item1", model.FieldUpdatedAt: now, "title": "a"})

	e := h.newEngine(nil)
	if err := e.Run(ctx, Args{TableName: "notes", QueryID: "q1"}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	firstToken, _, _ := h.st.GetDeltaToken(ctx, "notes", "q1")

	// nothing new on the remote; a second run should leave the token settled.
	if err := e.Run(ctx, Args{TableName: "notes", QueryID: "q1"}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	secondToken, _, _ := h.st.GetDeltaToken(ctx, "notes", "q1")
	if secondToken != firstToken {
		t.Errorf("delta token moved with no new remote items: %q -> %q", firstToken, secondToken)
	}
}
