package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calyptra/flowjobs/errors"
	"github.com/calyptra/flowjobs/jobs/scheduler"
	"github.com/calyptra/flowjobs/jobs/webhook"
)

// Notifier delivers completion notifications. Satisfied by webhook.Notifier.
type Notifier interface {
	Send(ctx context.Context, data webhook.JobData) bool
}

// CreateJobRequest describes one unit of work to schedule. RunAt nil means
// eligible immediately; a past RunAt runs on the next tick. TaskName is
// the registered name of Task; when set it is mirrored onto the durable
// row so the job can be re-registered after a restart. Jobs created with
// an anonymous Task and no name are not recoverable.
type CreateJobRequest struct {
	Name     string
	FlowID   string
	UserID   string
	TaskName string
	Task     scheduler.Task
	RunAt    *time.Time
	Args     []interface{}
	Kwargs   map[string]interface{}
}

// Service coordinates the durable store, the scheduler engine, and the
// webhook notifier. Engine events are drained sequentially: each event's
// store transition commits before the next event is handled, so per job at
// most one execution is in flight and at most one outcome is being
// recorded at a time.
type Service struct {
	store    *Store
	engine   *scheduler.Engine
	notifier Notifier
	logger   *zap.SugaredLogger

	startMu sync.Mutex
	started bool
	stopped bool
	drainWG sync.WaitGroup

	updateMu sync.RWMutex
	onUpdate func(*Job)
}

// NewService creates a service. The engine does not run until the first
// public call; Stop shuts everything down.
func NewService(store *Store, engine *scheduler.Engine, notifier Notifier, log *zap.SugaredLogger) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		notifier: notifier,
		logger:   log,
	}
}

// OnJobUpdate registers a callback invoked after a job reaches a terminal
// state. Used by the event feed; may be nil.
func (s *Service) OnJobUpdate(fn func(*Job)) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	s.onUpdate = fn
}

// ensureStarted lazily starts the engine and the event drain loop.
// An already-running engine is success; a stopped service is not.
func (s *Service) ensureStarted() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.stopped {
		return errors.Wrap(errors.ErrServiceUnavailable, "job service stopped")
	}
	if s.started {
		return nil
	}

	if err := s.engine.Start(); err != nil {
		return errors.Wrap(err, "failed to start scheduler engine")
	}

	s.drainWG.Add(1)
	go s.drainEvents()
	s.started = true

	s.logger.Infow("Job service started")
	return nil
}

// CreateJob persists a pending job and schedules its trigger.
// Returns the new job id.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (string, error) {
	if req.Task == nil {
		return "", errors.Wrap(errors.ErrInvalidRequest, "task cannot be nil")
	}

	if err := s.ensureStarted(); err != nil {
		return "", err
	}

	job := NewJob(req.Name, req.FlowID, req.UserID)
	if job.Name == "" {
		job.Name = "task_" + job.ID
	}
	job.TaskName = req.TaskName
	job.RunAt = req.RunAt
	if len(req.Args) > 0 {
		data, err := json.Marshal(req.Args)
		if err != nil {
			return "", errors.Wrap(errors.ErrInvalidRequest, "task args are not serializable")
		}
		job.TaskArgs = data
	}
	if len(req.Kwargs) > 0 {
		data, err := json.Marshal(req.Kwargs)
		if err != nil {
			return "", errors.Wrap(errors.ErrInvalidRequest, "task kwargs are not serializable")
		}
		job.TaskKwargs = data
	}

	if err := s.store.Put(ctx, job); err != nil {
		return "", errors.Wrap(err, "failed to persist job")
	}

	trigger := &scheduler.Trigger{
		JobID:  job.ID,
		RunAt:  req.RunAt,
		Task:   req.Task,
		Args:   req.Args,
		Kwargs: req.Kwargs,
	}
	if err := s.engine.Add(trigger); err != nil {
		// The durable record stays PENDING; surfacing the error lets the
		// caller retry with the same id via Put's upsert.
		return "", errors.Wrap(err, "failed to schedule job trigger")
	}

	s.logger.Infow("Job created",
		"job_id", job.ID,
		"name", job.Name,
		"user_id", job.UserID,
		"run_at", req.RunAt)

	return job.ID, nil
}

// GetJob returns the job by id, scoped to owner when non-nil.
// Misses and owner mismatches return (nil, nil).
func (s *Service) GetJob(ctx context.Context, id string, owner *string) (*Job, error) {
	if err := s.ensureStarted(); err != nil {
		return nil, err
	}
	return s.store.Lookup(ctx, id, owner)
}

// CancelJob withdraws the pending trigger if one is held, then durably
// marks the job CANCELLED. When owner is non-nil the job must belong to
// that owner; a mismatch reports false without touching the job, same as
// an unknown id. In-flight executions are not interrupted; the guarded
// transition ensures their late completion cannot overwrite the
// cancellation.
func (s *Service) CancelJob(ctx context.Context, id string, owner *string) (bool, error) {
	if err := s.ensureStarted(); err != nil {
		return false, err
	}

	if owner != nil {
		job, err := s.store.Lookup(ctx, id, owner)
		if err != nil {
			return false, errors.Wrap(err, "failed to cancel job")
		}
		if job == nil {
			return false, nil
		}
	}

	removed := s.engine.Remove(id)

	transitioned, err := s.store.MarkCancelled(ctx, id)
	if err != nil {
		return false, errors.Wrap(err, "failed to cancel job")
	}

	if transitioned {
		s.logger.Infow("Job cancelled", "job_id", id, "trigger_removed", removed)
		s.notifyUpdate(ctx, id)
		return true, nil
	}

	// Already terminal still counts as cancelled from the caller's view;
	// only a missing record reports false.
	job, err := s.store.Lookup(ctx, id, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to cancel job")
	}
	return job != nil, nil
}

// ListJobs returns the owner's jobs, optionally filtered by status. When
// pending is set the rows are additionally reconciled against the
// engine's trigger view: only jobs the engine still holds a trigger for
// and whose durable status is PENDING are returned. The owner id is
// mandatory; listing across owners is not allowed.
func (s *Service) ListJobs(ctx context.Context, owner string, pending bool, status *Status) ([]*Job, error) {
	if owner == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "owner id is required to list jobs")
	}
	if err := s.ensureStarted(); err != nil {
		return nil, err
	}

	list, err := s.store.List(ctx, owner, status)
	if err != nil {
		return nil, err
	}
	if !pending {
		return list, nil
	}

	scheduled := make(map[string]struct{})
	for _, id := range s.engine.PendingIDs() {
		scheduled[id] = struct{}{}
	}

	filtered := list[:0]
	for _, job := range list {
		if job.Status != StatusPending {
			continue
		}
		if _, ok := scheduled[job.ID]; ok {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

// ListUserJobs returns all of the owner's jobs regardless of status
func (s *Service) ListUserJobs(ctx context.Context, owner string) ([]*Job, error) {
	return s.ListJobs(ctx, owner, false, nil)
}

// PendingJobIDs returns ids the engine still holds triggers for, filtered
// to those whose durable status is still PENDING. The store is
// authoritative: a trigger for a cancelled job does not count as pending.
func (s *Service) PendingJobIDs(ctx context.Context) ([]string, error) {
	if err := s.ensureStarted(); err != nil {
		return nil, err
	}

	var pending []string
	for _, id := range s.engine.PendingIDs() {
		job, err := s.store.Lookup(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		if job != nil && job.Status == StatusPending {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// RecoverPendingJobs re-registers triggers for PENDING jobs left over
// from a previous run. Task bodies are resolved by stored task name
// through the registry; a job whose named task is no longer registered
// is marked FAILED, and jobs created with an anonymous task carry no
// name and are skipped. Returns the number of triggers re-registered.
func (s *Service) RecoverPendingJobs(ctx context.Context, registry *scheduler.TaskRegistry) (int, error) {
	if err := s.ensureStarted(); err != nil {
		return 0, err
	}

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load pending jobs")
	}

	recovered := 0
	for _, job := range pending {
		if s.engine.Get(job.ID) != nil {
			continue
		}
		if job.TaskName == "" {
			s.logger.Warnw("Pending job has no task name, cannot recover", "job_id", job.ID)
			continue
		}

		task := registry.Get(job.TaskName)
		if task == nil {
			s.logger.Warnw("Pending job references unregistered task",
				"job_id", job.ID, "task", job.TaskName)
			if _, err := s.store.MarkFailed(ctx, job.ID, "task not registered: "+job.TaskName); err != nil {
				return recovered, errors.Wrap(err, "failed to fail unrecoverable job")
			}
			continue
		}

		var args []interface{}
		if len(job.TaskArgs) > 0 {
			if err := json.Unmarshal(job.TaskArgs, &args); err != nil {
				return recovered, errors.Wrapf(err, "invalid stored args for job %s", job.ID)
			}
		}
		var kwargs map[string]interface{}
		if len(job.TaskKwargs) > 0 {
			if err := json.Unmarshal(job.TaskKwargs, &kwargs); err != nil {
				return recovered, errors.Wrapf(err, "invalid stored kwargs for job %s", job.ID)
			}
		}

		trigger := &scheduler.Trigger{
			JobID:  job.ID,
			RunAt:  job.RunAt,
			Task:   task,
			Args:   args,
			Kwargs: kwargs,
		}
		if err := s.engine.Add(trigger); err != nil {
			return recovered, errors.Wrapf(err, "failed to reschedule job %s", job.ID)
		}
		recovered++

		s.logger.Infow("Recovered pending job",
			"job_id", job.ID, "task", job.TaskName, "run_at", job.RunAt)
	}

	return recovered, nil
}

// Stats returns job counts by status
func (s *Service) Stats(ctx context.Context) (map[Status]int, error) {
	if err := s.ensureStarted(); err != nil {
		return nil, err
	}
	return s.store.CountByStatus(ctx)
}

// Stop shuts the engine down, drains in-flight executions and their
// events, and rejects further calls. Idempotent.
func (s *Service) Stop() {
	s.startMu.Lock()
	if s.stopped {
		s.startMu.Unlock()
		return
	}
	s.stopped = true
	wasStarted := s.started
	s.startMu.Unlock()

	if wasStarted {
		s.engine.Stop()
		s.drainWG.Wait()
	}

	s.logger.Infow("Job service stopped")
}

// drainEvents consumes engine events until the channel closes. One event
// is fully handled, including its store commit, before the next is read.
func (s *Service) drainEvents() {
	defer s.drainWG.Done()

	for event := range s.engine.Events() {
		switch ev := event.(type) {
		case scheduler.JobExecuted:
			s.handleExecuted(ev)
		case scheduler.JobError:
			s.handleError(ev)
		default:
			s.logger.Warnw("Unknown scheduler event", "event", event)
		}
	}
}

// handleExecuted records a successful execution and, when the transition
// won, sends the completion webhook exactly once.
func (s *Service) handleExecuted(ev scheduler.JobExecuted) {
	ctx := context.Background()

	result := SerializeResult(ev.ReturnValue)
	transitioned, err := s.store.MarkCompleted(ctx, ev.JobID, result)
	if err != nil {
		s.logger.Errorw("Failed to record job completion", "job_id", ev.JobID, "error", err)
		return
	}
	if !transitioned {
		// Cancelled or otherwise terminal before the event landed.
		s.logger.Debugw("Completion event for terminal job ignored", "job_id", ev.JobID)
		return
	}

	s.logger.Infow("Job completed", "job_id", ev.JobID)

	job, err := s.store.Lookup(ctx, ev.JobID, nil)
	if err != nil || job == nil {
		s.logger.Warnw("Completed job not found after commit", "job_id", ev.JobID, "error", err)
		return
	}

	s.fireUpdate(job)

	if s.notifier != nil {
		s.notifier.Send(ctx, webhook.JobData{
			ID:     job.ID,
			Status: string(job.Status),
			Result: job.Result,
			Name:   job.Name,
			FlowID: job.FlowID,
			UserID: job.UserID,
		})
	}
}

// handleError records a failed execution. No webhook fires for failures.
func (s *Service) handleError(ev scheduler.JobError) {
	ctx := context.Background()

	msg := "task failed"
	if ev.Err != nil {
		msg = ev.Err.Error()
	}

	transitioned, err := s.store.MarkFailed(ctx, ev.JobID, msg)
	if err != nil {
		s.logger.Errorw("Failed to record job failure", "job_id", ev.JobID, "error", err)
		return
	}
	if !transitioned {
		s.logger.Debugw("Failure event for terminal job ignored", "job_id", ev.JobID)
		return
	}

	s.logger.Warnw("Job failed", "job_id", ev.JobID, "error", msg)
	s.notifyUpdate(ctx, ev.JobID)
}

func (s *Service) notifyUpdate(ctx context.Context, id string) {
	s.updateMu.RLock()
	fn := s.onUpdate
	s.updateMu.RUnlock()
	if fn == nil {
		return
	}

	job, err := s.store.Lookup(ctx, id, nil)
	if err != nil || job == nil {
		return
	}
	fn(job)
}

func (s *Service) fireUpdate(job *Job) {
	s.updateMu.RLock()
	fn := s.onUpdate
	s.updateMu.RUnlock()
	if fn != nil {
		fn(job)
	}
}
