// Package scheduler provides an in-memory trigger table with a tick-driven
// execution loop for one-shot background tasks.
package scheduler

import (
	"context"
	"time"
)

// Task is the unit of executable work a trigger fires. Args and kwargs are
// opaque to the engine; the task owns their interpretation. The returned
// value becomes the job's result, the returned error its failure.
type Task func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// TriggerState tracks where a trigger is in its one-shot life
type TriggerState string

const (
	TriggerScheduled TriggerState = "scheduled"
	TriggerFiring    TriggerState = "firing"
	TriggerFired     TriggerState = "fired"
	TriggerErrored   TriggerState = "errored"
	TriggerRemoved   TriggerState = "removed"
)

// Trigger binds a job id to a task and an optional fire time.
// A nil RunAt means eligible on the next tick; a RunAt in the past is a
// misfire and also runs on the next tick.
type Trigger struct {
	JobID  string
	RunAt  *time.Time
	Task   Task
	Args   []interface{}
	Kwargs map[string]interface{}
	State  TriggerState
}

// Due reports whether the trigger is eligible to fire at the given instant
func (t *Trigger) Due(now time.Time) bool {
	return t.RunAt == nil || !t.RunAt.After(now)
}
