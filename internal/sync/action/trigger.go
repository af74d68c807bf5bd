package action

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/oghenemoses/tablesync/internal/logging"
)

// Trigger runs a push-then-pull cycle against a Runner on a cron schedule.
// It is additive: manual Do calls still work identically whether or not a
// Trigger is running, since both funnel through the same ActionSerializer.
type Trigger struct {
	runner *Runner
	cron   *cron.Cron
	log    *logging.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	running bool
}

// Cycle is the push/pull/purge work a Trigger fires on schedule.
type Cycle func(context.Context) error

// NewTrigger constructs a Periodic Trigger over runner. It does not start
// until Start is called.
func NewTrigger(runner *Runner, log *logging.Logger) *Trigger {
	return &Trigger{runner: runner, cron: cron.New(), log: log}
}

// Start schedules cycle on the given cron expression (standard 5-field
// syntax) and begins running it. Calling Start while already running
// replaces the existing schedule.
func (t *Trigger) Start(expr string, cycle Cycle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		t.cron.Remove(t.entryID)
	}

	id, err := t.cron.AddFunc(expr, func() {
		err := t.runner.Do(context.Background(), cycle)
		if err != nil {
			t.log.Error("trigger", "periodic cycle failed", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule periodic trigger: %w", err)
	}
	t.entryID = id
	if !t.running {
		t.cron.Start()
		t.running = true
	}
	return nil
}

// Stop halts the schedule; in-flight cycles run to completion.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.cron.Stop()
	t.running = false
}
