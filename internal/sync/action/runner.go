// Package action implements the Action Runner: the sequencer that executes
// Push/Pull/Purge against a shared context one at a time.
package action

import (
	"context"

	"github.com/oghenemoses/tablesync/internal/sync/lockset"
)

// Runner serializes Push, Pull and Purge invocations against a shared
// context via a single-slot action serializer.
type Runner struct {
	serializer *lockset.ActionSerializer
}

// New constructs an Action Runner.
func New() *Runner {
	return &Runner{serializer: lockset.NewActionSerializer()}
}

// Do runs fn exclusively of any other action currently in flight.
func (r *Runner) Do(ctx context.Context, fn func(context.Context) error) error {
	return r.serializer.Run(ctx, fn)
}
