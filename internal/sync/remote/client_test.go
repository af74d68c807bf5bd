package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	syncerrors "github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/model"
)

type staticCreds struct {
	token string
	ok    bool
}

func (c staticCreds) BearerToken(ctx context.Context) (string, bool, error) {
	return c.token, c.ok, nil
}

func TestClient_Read_buildsQueryAndDecodesEnvelope(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(envelope{Value: []model.Record{{model.FieldID: "item1"}}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	result, err := c.Read(context.Background(), model.Query{TableName: "notes", Top: 10, Skip: 5, IncludeTotalCount: true})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(result.Values) != 1 || result.Values[0].ID() != "item1" {
		t.Errorf("unexpected result: %+v", result)
	}
	if gotQuery == "" {
		t.Fatal("expected a non-empty query string")
	}
}

func TestClient_Insert_attachesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.Record{model.FieldID: "item1"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, staticCreds{token: "abc123", ok: true})
	if _, err := c.Insert(context.Background(), "notes", model.Record{model.FieldID: "item1"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if gotAuth != "Bearer abc123" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer abc123")
	}
}

func TestClient_Update_sendsIfMatch(t *testing.T) {
	var gotIfMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfMatch = r.Header.Get("If-Match")
		json.NewEncoder(w).Encode(model.Record{model.FieldID: "item1"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	if _, err := c.Update(context.Background(), "notes", model.Record{model.FieldID: "item1"}, "v2"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if gotIfMatch != "v2" {
		t.Errorf("If-Match header = %q, want %q", gotIfMatch, "v2")
	}
}

func TestClient_Update_preconditionFailedClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 0}, nil)
	_, err := c.Update(context.Background(), "notes", model.Record{model.FieldID: "item1"}, "stale")
	kind, ok := syncerrors.RemoteKindOf(err)
	if !ok || kind != syncerrors.RemotePreconditionFailed {
		t.Errorf("RemoteKindOf(err) = (%v, %v), want (RemotePreconditionFailed, true)", kind, ok)
	}
}

func TestClient_Delete_404IsIdempotentSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	if err := c.Delete(context.Background(), "notes", "missing", "v1"); err != nil {
		t.Errorf("Delete on a 404 should be idempotent success, got %v", err)
	}
}

func TestClient_unauthorizedClassifiedAsPushAborted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	_, err := c.Insert(context.Background(), "notes", model.Record{model.FieldID: "item1"})
	if !syncerrors.Is(err, syncerrors.ErrPushAborted) {
		t.Errorf("expected ErrPushAborted for a 401 response, got %v", err)
	}
}

func TestClient_conflictClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	_, err := c.Insert(context.Background(), "notes", model.Record{model.FieldID: "item1"})
	kind, ok := syncerrors.RemoteKindOf(err)
	if !ok || kind != syncerrors.RemoteConflict {
		t.Errorf("RemoteKindOf(err) = (%v, %v), want (RemoteConflict, true)", kind, ok)
	}
}
