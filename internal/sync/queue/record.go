package queue

import (
	"encoding/json"
	"time"

	"github.com/oghenemoses/tablesync/internal/model"
)

const tableName = "__operations"

func toRecord(op *model.Operation) (model.Record, error) {
	var itemJSON string
	if op.Item != nil {
		b, err := json.Marshal(op.Item)
		if err != nil {
			return nil, err
		}
		itemJSON = string(b)
	}
	return model.Record{
		model.FieldID:        op.ID,
		model.FieldUpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		"kind":               string(op.Kind),
		"state":              string(op.State),
		"tableName":          op.TableName,
		"tableKind":          string(op.TableKind),
		"itemId":             op.ItemID,
		"item":               itemJSON,
		"sequence":           op.Sequence,
		"version":            op.Version,
	}, nil
}

func fromRecord(rec model.Record) (*model.Operation, error) {
	op := &model.Operation{
		ID:        asString(rec[model.FieldID]),
		Kind:      model.OperationKind(asString(rec["kind"])),
		State:     model.OperationState(asString(rec["state"])),
		TableName: asString(rec["tableName"]),
		TableKind: model.TableKind(asString(rec["tableKind"])),
		ItemID:    asString(rec["itemId"]),
		Sequence:  asInt64(rec["sequence"]),
		Version:   asInt64(rec["version"]),
	}
	if s := asString(rec["item"]); s != "" {
		var item model.Record
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, err
		}
		op.Item = item
	}
	return op, nil
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
