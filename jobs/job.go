// Package jobs provides durable background job tracking with scheduling
// and lifecycle coordination.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a job
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that a job can never leave
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job represents one durable unit of background work and its outcome.
// Result is only set on COMPLETED, Error only on FAILED. FlowID and
// UserID are optional domain linkage; UserID scopes listing. TaskName,
// TaskArgs, TaskKwargs and RunAt mirror the in-memory trigger so pending
// jobs can be re-registered after a restart.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	FlowID     string          `json:"flow_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	TaskName   string          `json:"task_name,omitempty"`
	TaskArgs   json.RawMessage `json:"task_args,omitempty"`
	TaskKwargs json.RawMessage `json:"task_kwargs,omitempty"`
	RunAt      *time.Time      `json:"run_at,omitempty"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewJob creates a pending job with a fresh UUID
func NewJob(name, flowID, userID string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusPending,
		FlowID:    flowID,
		UserID:    userID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SerializeResult converts an arbitrary task return value to the JSON
// stored on a completed job. Values that cannot be marshalled are wrapped
// as {"output": "<stringified>"} rather than failing the completion.
func SerializeResult(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		fallback, _ := json.Marshal(map[string]string{"output": fmt.Sprintf("%v", v)})
		return fallback
	}
	return data
}
