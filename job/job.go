// Package job persists per-job execution state in a single broker hash
// per job: the serialized plan, the aggregate job status, and per-task
// status, result and error fields. The orchestrator is the only writer
// once a job is running.
package job

import (
	"context"
	"fmt"

	"github.com/weftworks/weft/broker"
	"github.com/weftworks/weft/plan"
)

// Status is the aggregate job state.
type Status string

// Job states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TaskStatus is the per-task state.
type TaskStatus string

// Task states. Completed, Failed and FailedDependency are terminal.
const (
	TaskPending          TaskStatus = "pending"
	TaskDispatched       TaskStatus = "dispatched"
	TaskCompleted        TaskStatus = "completed"
	TaskFailed           TaskStatus = "failed"
	TaskFailedDependency TaskStatus = "failed_dependency"
)

// Terminal reports whether no further transitions can occur from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskFailedDependency:
		return true
	}
	return false
}

// Hash field names within a job hash.
const (
	fieldPlan   = "plan"
	fieldStatus = "status"
)

// Key returns the broker hash key for a job.
func Key(jobID string) string { return "job:" + jobID }

// TaskStatusField returns the hash field holding a task's status.
func TaskStatusField(taskID string) string { return "task_status:" + taskID }

// ResultField returns the hash field holding a task's serialized result.
func ResultField(taskID string) string { return "result:" + taskID }

// ErrorField returns the hash field holding a task's error message.
func ErrorField(taskID string) string { return "error:" + taskID }

// Store reads and writes job hashes.
type Store struct {
	b broker.Client
}

// NewStore returns a Store over the given broker.
func NewStore(b broker.Client) *Store {
	return &Store{b: b}
}

// SavePlan persists a plan and marks the job pending. Called once by the
// planner; the plan is never mutated afterwards.
func (s *Store) SavePlan(ctx context.Context, p *plan.Plan) error {
	encoded, err := p.Encode()
	if err != nil {
		return err
	}
	if err := s.b.HSet(ctx, Key(p.JobID), fieldPlan, encoded); err != nil {
		return fmt.Errorf("save plan %s: %w", p.JobID, err)
	}
	return s.SetStatus(ctx, p.JobID, StatusPending)
}

// Plan loads and decodes the plan for a job.
func (s *Store) Plan(ctx context.Context, jobID string) (*plan.Plan, error) {
	raw, ok, err := s.b.HGet(ctx, Key(jobID), fieldPlan)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", jobID, err)
	}
	if !ok {
		return nil, fmt.Errorf("job %s has no plan", jobID)
	}
	return plan.Parse([]byte(raw))
}

// SetStatus sets the aggregate job status.
func (s *Store) SetStatus(ctx context.Context, jobID string, status Status) error {
	if err := s.b.HSet(ctx, Key(jobID), fieldStatus, string(status)); err != nil {
		return fmt.Errorf("set status %s: %w", jobID, err)
	}
	return nil
}

// Status reads the aggregate job status.
func (s *Store) Status(ctx context.Context, jobID string) (Status, error) {
	v, _, err := s.b.HGet(ctx, Key(jobID), fieldStatus)
	if err != nil {
		return "", fmt.Errorf("get status %s: %w", jobID, err)
	}
	return Status(v), nil
}

// SetTaskStatus sets a task's status field.
func (s *Store) SetTaskStatus(ctx context.Context, jobID, taskID string, status TaskStatus) error {
	if err := s.b.HSet(ctx, Key(jobID), TaskStatusField(taskID), string(status)); err != nil {
		return fmt.Errorf("set task status %s/%s: %w", jobID, taskID, err)
	}
	return nil
}

// SetResult records a task's serialized result.
func (s *Store) SetResult(ctx context.Context, jobID, taskID, result string) error {
	if err := s.b.HSet(ctx, Key(jobID), ResultField(taskID), result); err != nil {
		return fmt.Errorf("set result %s/%s: %w", jobID, taskID, err)
	}
	return nil
}

// Result reads a task's serialized result. The boolean reports whether a
// result has been recorded.
func (s *Store) Result(ctx context.Context, jobID, taskID string) (string, bool, error) {
	v, ok, err := s.b.HGet(ctx, Key(jobID), ResultField(taskID))
	if err != nil {
		return "", false, fmt.Errorf("get result %s/%s: %w", jobID, taskID, err)
	}
	return v, ok, nil
}

// SetError records a task's error message.
func (s *Store) SetError(ctx context.Context, jobID, taskID, message string) error {
	if err := s.b.HSet(ctx, Key(jobID), ErrorField(taskID), message); err != nil {
		return fmt.Errorf("set error %s/%s: %w", jobID, taskID, err)
	}
	return nil
}

// Snapshot returns the entire job hash: status, per-task statuses,
// results, errors, and the serialized plan.
func (s *Store) Snapshot(ctx context.Context, jobID string) (map[string]string, error) {
	state, err := s.b.HGetAll(ctx, Key(jobID))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", jobID, err)
	}
	return state, nil
}
