package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calyptra/flowjobs/errors"
)

// EngineState tracks the engine lifecycle
type EngineState int

const (
	StateUninitialized EngineState = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s EngineState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config contains engine tuning
type Config struct {
	TickInterval    time.Duration // How often due triggers are checked (default: 1 second)
	EventBufferSize int           // Event channel capacity (default: 256)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:    1 * time.Second,
		EventBufferSize: 256,
	}
}

// Engine holds the in-memory trigger table and drives execution with a
// periodic tick loop. It enforces at most one in-flight execution per job
// id: a due trigger whose previous instance is still firing is skipped and
// reconsidered on a later tick. Execution outcomes are emitted as typed
// events on a single-consumer channel, closed by Stop after in-flight
// executions drain.
type Engine struct {
	interval time.Duration
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startMu sync.Mutex
	state   EngineState

	mu       sync.Mutex
	triggers map[string]*Trigger
	firing   map[string]struct{}

	events chan Event
}

// NewEngine creates an engine; no goroutines run until Start
func NewEngine(cfg Config, log *zap.SugaredLogger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 1 * time.Second
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		interval: cfg.TickInterval,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateUninitialized,
		triggers: make(map[string]*Trigger),
		firing:   make(map[string]struct{}),
		events:   make(chan Event, cfg.EventBufferSize),
	}
}

// State returns the current lifecycle state
func (e *Engine) State() EngineState {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	return e.state
}

// Events returns the engine's event channel. Single consumer; closed by Stop.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Start begins the tick loop. Idempotent: starting a running engine is a
// no-op success. A stopped engine cannot be restarted.
func (e *Engine) Start() error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	switch e.state {
	case StateRunning, StateStarting:
		return nil
	case StateStopped:
		return errors.Wrap(errors.ErrServiceUnavailable, "engine already stopped")
	}

	e.state = StateStarting
	e.wg.Add(1)
	go e.run()
	e.state = StateRunning

	e.logger.Infow("Scheduler engine started", "interval", e.interval)
	return nil
}

// Stop halts the tick loop, waits for in-flight executions to finish, then
// closes the event channel. Only acts when the engine is running.
func (e *Engine) Stop() {
	e.startMu.Lock()
	if e.state != StateRunning {
		e.startMu.Unlock()
		return
	}
	e.state = StateStopped
	e.startMu.Unlock()

	e.cancel()
	e.wg.Wait()
	close(e.events)

	e.logger.Infow("Scheduler engine stopped")
}

// Add schedules a trigger. A trigger with the same job id replaces the
// scheduled one; if the previous instance is mid-flight the replacement
// waits for it to clear before becoming eligible.
func (e *Engine) Add(t *Trigger) error {
	if t == nil {
		return errors.New("trigger cannot be nil")
	}
	if t.JobID == "" {
		return errors.New("trigger job id cannot be empty")
	}
	if t.Task == nil {
		return errors.New("trigger task cannot be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t.State = TriggerScheduled
	e.triggers[t.JobID] = t

	return nil
}

// Get returns the trigger for a job id, or nil when none is held
func (e *Engine) Get(id string) *Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggers[id]
}

// Remove withdraws a scheduled trigger. Returns false when no trigger is
// held for the id or its execution has already begun; a firing trigger
// cannot be removed.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.triggers[id]
	if !ok || t.State != TriggerScheduled {
		return false
	}

	t.State = TriggerRemoved
	delete(e.triggers, id)
	return true
}

// PendingIDs returns the ids of all triggers still awaiting execution
func (e *Engine) PendingIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.triggers))
	for id, t := range e.triggers {
		if t.State == TriggerScheduled {
			ids = append(ids, id)
		}
	}
	return ids
}

// run is the main tick loop
func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case tickTime := <-ticker.C:
			e.fireDue(tickTime)
		}
	}
}

// fireDue collects due triggers and launches their executions. Triggers
// whose id is still mid-flight stay in the table untouched and are
// reconsidered next tick.
func (e *Engine) fireDue(now time.Time) {
	e.mu.Lock()
	var due []*Trigger
	for id, t := range e.triggers {
		if t.State != TriggerScheduled || !t.Due(now) {
			continue
		}
		if _, inFlight := e.firing[id]; inFlight {
			continue
		}
		t.State = TriggerFiring
		e.firing[id] = struct{}{}
		delete(e.triggers, id)
		due = append(due, t)
	}
	e.mu.Unlock()

	for _, t := range due {
		e.wg.Add(1)
		go e.fire(t)
	}
}

// fire executes one trigger and emits its outcome event
func (e *Engine) fire(t *Trigger) {
	defer e.wg.Done()

	e.logger.Debugw("Firing trigger", "job_id", t.JobID)

	result, err := e.execute(t)

	e.mu.Lock()
	if err != nil {
		t.State = TriggerErrored
	} else {
		t.State = TriggerFired
	}
	delete(e.firing, t.JobID)
	e.mu.Unlock()

	if err != nil {
		e.logger.Warnw("Trigger errored", "job_id", t.JobID, "error", err)
		e.events <- JobError{JobID: t.JobID, Err: err}
		return
	}

	e.events <- JobExecuted{JobID: t.JobID, ReturnValue: result}
}

// execute runs the task with panic containment
func (e *Engine) execute(t *Trigger) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task panicked: %v", r)
		}
	}()
	return t.Task(e.ctx, t.Args, t.Kwargs)
}
