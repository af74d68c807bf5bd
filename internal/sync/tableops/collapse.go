// Package tableops implements the Table Operations component: the
// Insert/Update/Delete behavior table and the collapse rules applied when a
// new operation is enqueued against an existing one on the same item.
package tableops

import (
	"github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/model"
)

// CollapseOutcome is the effect a collapse has on the existing operation.
type CollapseOutcome int

const (
	// CollapseReplaceExisting keeps the existing operation, bumping its
	// version and resetting it to Pending; the new operation is discarded.
	CollapseReplaceExisting CollapseOutcome = iota
	// CollapseCancelBoth discards the existing operation and rejects the new
	// one; net effect is as if neither had ever been enqueued.
	CollapseCancelBoth
	// CollapseSupersede cancels the existing operation and keeps the new one
	// in its place.
	CollapseSupersede
)

// Collapse applies the rule table from the Table Operations design to an
// existing operation and a newly-enqueued one on the same (tableName,
// itemId). It never mutates either argument; the caller applies the outcome.
func Collapse(existing *model.Operation, newOp *model.Operation) (CollapseOutcome, error) {
	switch {
	case existing.Kind == model.KindInsert && newOp.Kind == model.KindInsert:
		return 0, errors.InconsistentState("duplicate id locally: an Insert is already pending for this item")

	case existing.Kind == model.KindInsert && newOp.Kind == model.KindUpdate:
		return CollapseReplaceExisting, nil

	case existing.Kind == model.KindInsert && newOp.Kind == model.KindDelete:
		if existing.State != model.StatePending {
			return 0, errors.InconsistentState("cannot delete an item whose insert has already been attempted")
		}
		return CollapseCancelBoth, nil

	case existing.Kind == model.KindUpdate && newOp.Kind == model.KindUpdate:
		return CollapseReplaceExisting, nil

	case existing.Kind == model.KindUpdate && newOp.Kind == model.KindDelete:
		return CollapseSupersede, nil

	case existing.Kind == model.KindDelete:
		return 0, errors.InconsistentState("nothing may follow a pending delete")

	default:
		return 0, errors.InconsistentState("unrecognized operation collapse")
	}
}
