package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/calyptra/flowjobs/errors"
)

// Store handles persistence of jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, name, status, result, error, flow_id, user_id, task_name, task_args, task_kwargs, run_at, is_active, created_at, updated_at`

// Put inserts a job, or replaces the stored row when the id already exists.
// Runs in its own transaction so callers observe either the old or new row.
func (s *Store) Put(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}
	if job.ID == "" {
		return errors.New("job id cannot be empty")
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			flow_id = excluded.flow_id,
			user_id = excluded.user_id,
			task_name = excluded.task_name,
			task_args = excluded.task_args,
			task_kwargs = excluded.task_kwargs,
			run_at = excluded.run_at,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	result := sql.NullString{String: string(job.Result), Valid: len(job.Result) > 0}
	jobErr := sql.NullString{String: job.Error, Valid: job.Error != ""}
	flowID := sql.NullString{String: job.FlowID, Valid: job.FlowID != ""}
	userID := sql.NullString{String: job.UserID, Valid: job.UserID != ""}
	taskName := sql.NullString{String: job.TaskName, Valid: job.TaskName != ""}
	taskArgs := sql.NullString{String: string(job.TaskArgs), Valid: len(job.TaskArgs) > 0}
	taskKwargs := sql.NullString{String: string(job.TaskKwargs), Valid: len(job.TaskKwargs) > 0}
	var runAt sql.NullString
	if job.RunAt != nil {
		runAt = sql.NullString{String: job.RunAt.UTC().Format(time.RFC3339), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.Status,
		result,
		jobErr,
		flowID,
		userID,
		taskName,
		taskArgs,
		taskKwargs,
		runAt,
		job.IsActive,
		job.CreatedAt.UTC().Format(time.RFC3339),
		job.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to put job")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit job")
	}

	return nil
}

// Lookup retrieves a job by id. When owner is non-nil the row must also
// belong to that owner. Absence and owner mismatch both return (nil, nil);
// a miss is not an error.
func (s *Store) Lookup(ctx context.Context, id string, owner *string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	args := []interface{}{id}
	if owner != nil {
		query += ` AND user_id = ?`
		args = append(args, *owner)
	}

	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to lookup job")
	}

	return job, nil
}

// List returns the owner's jobs, newest first, optionally filtered by status
func (s *Store) List(ctx context.Context, owner string, status *Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = ?`
	args := []interface{}{owner}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListPending returns every PENDING job across all owners, oldest first.
// Used at startup to re-register triggers for jobs that were scheduled
// before the process last exited.
func (s *Store) ListPending(ctx context.Context) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'PENDING' ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkCompleted transitions a pending job to COMPLETED with its result.
// Returns false when the job does not exist or is already terminal.
func (s *Store) MarkCompleted(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	res := sql.NullString{String: string(result), Valid: len(result) > 0}
	return s.transition(ctx, id, StatusCompleted,
		`UPDATE jobs
		 SET status = ?, result = ?, is_active = 0, updated_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		StatusCompleted, res, nowRFC3339(), id)
}

// MarkFailed transitions a pending job to FAILED with an error message.
// Returns false when the job does not exist or is already terminal.
func (s *Store) MarkFailed(ctx context.Context, id string, msg string) (bool, error) {
	return s.transition(ctx, id, StatusFailed,
		`UPDATE jobs
		 SET status = ?, error = ?, is_active = 0, updated_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		StatusFailed, msg, nowRFC3339(), id)
}

// MarkCancelled transitions a pending job to CANCELLED.
// Returns false when the job does not exist or is already terminal.
func (s *Store) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, StatusCancelled,
		`UPDATE jobs
		 SET status = ?, is_active = 0, updated_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		StatusCancelled, nowRFC3339(), id)
}

// transition runs one guarded status update inside a transaction. The
// WHERE status = 'PENDING' guard makes terminal states monotonic: a late
// completion event can never overwrite an earlier cancellation.
func (s *Store) transition(ctx context.Context, id string, to Status, query string, args ...interface{}) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark job %s", to)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit transition")
	}

	return rows > 0, nil
}

// CleanupOldJobs removes terminal jobs older than the specified duration.
// The retention contract consumed by the external cleanup worker.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)

	query := `
		DELETE FROM jobs
		WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		  AND updated_at < ?
	`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// CountByStatus returns job counts keyed by status
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status counts")
	}

	return counts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var result, jobErr, flowID, userID sql.NullString
	var taskName, taskArgs, taskKwargs, runAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Status,
		&result,
		&jobErr,
		&flowID,
		&userID,
		&taskName,
		&taskArgs,
		&taskKwargs,
		&runAt,
		&job.IsActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = jobErr.String
	job.FlowID = flowID.String
	job.UserID = userID.String
	job.TaskName = taskName.String
	if taskArgs.Valid {
		job.TaskArgs = json.RawMessage(taskArgs.String)
	}
	if taskKwargs.Valid {
		job.TaskKwargs = json.RawMessage(taskKwargs.String)
	}
	if runAt.Valid {
		at, err := time.Parse(time.RFC3339, runAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid run_at for job %s", job.ID)
		}
		job.RunAt = &at
	}

	if job.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "invalid created_at for job %s", job.ID)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "invalid updated_at for job %s", job.ID)
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	return jobs, nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
