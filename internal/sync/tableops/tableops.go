package tableops

import (
	"context"
	"fmt"

	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
)

// RemoteTable is the Remote Table contract this package's ExecuteRemote
// drives. It is consumed, not implemented, here; see internal/sync/remote
// for the shipped HTTP-backed implementation.
type RemoteTable interface {
	Insert(ctx context.Context, tableName string, item model.Record) (model.Record, error)
	Update(ctx context.Context, tableName string, item model.Record, ifMatch string) (model.Record, error)
	Delete(ctx context.Context, tableName, id, ifMatch string) error
	Lookup(ctx context.Context, tableName, id string) (model.Record, error)
}

// WritesResultBack reports whether a successful remote call's response item
// should be upserted into the local store.
func WritesResultBack(kind model.OperationKind) bool {
	return kind == model.KindInsert || kind == model.KindUpdate
}

// SerializeItemToQueue reports whether the operation's item must be carried
// on the queue row itself (Delete only — its local row is gone by the time
// it reaches the remote).
func SerializeItemToQueue(kind model.OperationKind) bool {
	return kind == model.KindDelete
}

// ExecuteLocal applies kind's local-store effect as part of the originating
// Insert/Update/Delete call on the Sync Context, before the operation is
// enqueued.
func ExecuteLocal(ctx context.Context, s store.Store, tableName string, kind model.OperationKind, item model.Record) error {
	switch kind {
	case model.KindInsert:
		existing, err := s.Lookup(ctx, tableName, item.ID())
		if err != nil {
			return fmt.Errorf("execute local insert: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("execute local insert: id %q already present", item.ID())
		}
		return s.Upsert(ctx, tableName, []model.Record{item}, false, model.SourceLocal)

	case model.KindUpdate:
		existing, err := s.Lookup(ctx, tableName, item.ID())
		if err != nil {
			return fmt.Errorf("execute local update: %w", err)
		}
		merged := item.Clone()
		if existing != nil {
			// version is preserved across a local update; the remote call
			// supplies If-Match from the queue row, not from this payload.
			merged[model.FieldVersion] = existing[model.FieldVersion]
		}
		return s.Upsert(ctx, tableName, []model.Record{merged}, false, model.SourceLocal)

	case model.KindDelete:
		return s.DeleteIDs(ctx, tableName, []string{item.ID()}, model.SourceLocal)

	default:
		return fmt.Errorf("execute local: unknown kind %q", kind)
	}
}

// ExecuteRemote invokes the remote table call appropriate to kind, stripping
// system fields from outgoing payloads as required by the behavior table.
func ExecuteRemote(ctx context.Context, remote RemoteTable, op *model.Operation, item model.Record) (model.Record, error) {
	switch op.Kind {
	case model.KindInsert:
		return remote.Insert(ctx, op.TableName, item.StripSystemFields())

	case model.KindUpdate:
		return remote.Update(ctx, op.TableName, item.StripSystemFields(), item.Version())

	case model.KindDelete:
		ifMatch := ""
		if item != nil {
			ifMatch = item.Version()
		}
		return nil, remote.Delete(ctx, op.TableName, op.ItemID, ifMatch)

	default:
		return nil, fmt.Errorf("execute remote: unknown kind %q", op.Kind)
	}
}
