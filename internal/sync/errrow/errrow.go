// Package errrow persists Operation Error rows in the __errors system table.
// Rows are created by the Push Engine on a per-operation failure and consumed
// (and deleted) by the caller's push-complete handler or by the
// Conflict/Merge Engine when a resolution succeeds.
package errrow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
	"github.com/oghenemoses/tablesync/internal/uuid"
)

const tableName = "__errors"

// Log is the __errors system table.
type Log struct {
	store store.Store
}

// New wraps a Local Store handle to manage the __errors table.
func New(s store.Store) *Log {
	return &Log{store: s}
}

// Save inserts a new error row, assigning it an id if it does not have one.
func (l *Log) Save(ctx context.Context, e model.OperationError) (model.OperationError, error) {
	if e.ID == "" {
		e.ID = uuid.New()
	}
	rec, err := toRecord(e)
	if err != nil {
		return model.OperationError{}, err
	}
	if err := l.store.Upsert(ctx, tableName, []model.Record{rec}, true, model.SourceServerPush); err != nil {
		return model.OperationError{}, fmt.Errorf("save error row: %w", err)
	}
	return e, nil
}

// Get returns the error row by id.
func (l *Log) Get(ctx context.Context, id string) (*model.OperationError, error) {
	rec, err := l.store.Lookup(ctx, tableName, id)
	if err != nil {
		return nil, fmt.Errorf("get error row: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	e, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetByOperation returns the error row associated with operationID, if any.
func (l *Log) GetByOperation(ctx context.Context, operationID string) (*model.OperationError, error) {
	rows, err := l.store.Query(ctx, model.Query{TableName: tableName, IncludeDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("get error row by operation: %w", err)
	}
	for _, rec := range rows {
		e, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		if e.OperationID == operationID {
			return &e, nil
		}
	}
	return nil, nil
}

// DeleteByOperation removes the error row for operationID, if any. A no-op
// when none exists, since collapse calls this unconditionally.
func (l *Log) DeleteByOperation(ctx context.Context, operationID string) error {
	e, err := l.GetByOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	return l.Delete(ctx, e.ID)
}

// Delete removes the error row by id.
func (l *Log) Delete(ctx context.Context, id string) error {
	return l.store.DeleteIDs(ctx, tableName, []string{id}, model.SourceServerPush)
}

// List returns every error row, used to build on_push_complete's result set.
func (l *Log) List(ctx context.Context) ([]model.OperationError, error) {
	rows, err := l.store.Query(ctx, model.Query{TableName: tableName, IncludeDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("list error rows: %w", err)
	}
	out := make([]model.OperationError, 0, len(rows))
	for _, rec := range rows {
		e, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func toRecord(e model.OperationError) (model.Record, error) {
	item, err := json.Marshal(e.Item)
	if err != nil {
		return nil, err
	}
	prev, err := json.Marshal(e.PreviousItem)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(e.Result)
	if err != nil {
		return nil, err
	}
	return model.Record{
		model.FieldID:      e.ID,
		"operationId":      e.OperationID,
		"operationVersion": e.OperationVersion,
		"kind":             string(e.Kind),
		"httpStatus":       e.HTTPStatus,
		"tableName":        e.TableName,
		"tableKind":        string(e.TableKind),
		"item":             string(item),
		"previousItem":     string(prev),
		"rawResult":        e.RawResult,
		"result":           string(result),
	}, nil
}

func fromRecord(rec model.Record) (model.OperationError, error) {
	e := model.OperationError{
		ID:          asString(rec[model.FieldID]),
		OperationID: asString(rec["operationId"]),
		Kind:        model.OperationKind(asString(rec["kind"])),
		TableName:   asString(rec["tableName"]),
		TableKind:   model.TableKind(asString(rec["tableKind"])),
		RawResult:   asString(rec["rawResult"]),
	}
	if v, ok := rec["operationVersion"]; ok {
		e.OperationVersion = asInt64(v)
	}
	if v, ok := rec["httpStatus"]; ok {
		e.HTTPStatus = int(asInt64(v))
	}
	if s := asString(rec["item"]); s != "" {
		json.Unmarshal([]byte(s), &e.Item)
	}
	if s := asString(rec["previousItem"]); s != "" {
		json.Unmarshal([]byte(s), &e.PreviousItem)
	}
	if s := asString(rec["result"]); s != "" {
		json.Unmarshal([]byte(s), &e.Result)
	}
	return e, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
