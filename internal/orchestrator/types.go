// Package orchestrator implements the Task Orchestrator: it turns a task
// description into a dependency-ordered ExecutionPlan, scores candidate
// agents against the registry, and drives the plan through the execution
// engine while exposing a live TaskExecution handle.
package orchestrator

import (
	"time"

	"github.com/scarmonit/a2a-exec/internal/engine"
)

// Status is a task's aggregate lifecycle position ('s
// Task/TaskExecution entity).
type Status string

const (
	StatusPending Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusPlanning Status = "planning"
	StatusDeploying Status = "deploying"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskRequest is the caller-supplied submission: either a free-text
// Description for the planner to resolve, or a caller-supplied Plan of
// step specs that bypasses planning entirely.
type TaskRequest struct {
	Description string
	Plan []engine.StepSpec
	Context map[string]interface{}
	MinConfidence float64 // default 0.5
	RequireApproval bool
}

// ApprovalFunc is invoked when a TaskRequest sets RequireApproval; it
// suspends the pipeline at "planning" until the callback returns.
type ApprovalFunc func(t *TaskExecution) (approved bool)

// TaskExecution is the live, owned record of one submitted task (:
// "exclusively owned by the TaskOrchestrator instance that created them").
type TaskExecution struct {
	TaskID string
	Description string
	Status Status
	Plan *engine.Plan
	Confidence float64
	Error error

	CreatedAt time.Time
	StartedAt time.Time
	FinishedAt time.Time

	cancel func()
}

// Snapshot is a read-only copy of a TaskExecution safe to hand to callers
// without exposing the live plan's internal mutex-guarded steps.
type Snapshot struct {
	TaskID string `json:"taskId"`
	Description string `json:"description"`
	Status Status `json:"status"`
	Confidence float64 `json:"confidence"`
	Error string `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Steps []StepSnapshot `json:"steps,omitempty"`
}

// StepSnapshot is the subset of engine.Step surfaced to API/history readers.
type StepSnapshot struct {
	StepID string `json:"stepId"`
	Name string `json:"name"`
	Status string `json:"status"`
	Attempt int `json:"attempt"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// Snapshot returns a read-only copy of t safe to hand to API/bus callers.
func (t *TaskExecution) Snapshot() Snapshot { return t.toSnapshot() }

func (t *TaskExecution) toSnapshot() Snapshot {
	s := Snapshot{
		TaskID: t.TaskID,
		Description: t.Description,
		Status: t.Status,
		Confidence: t.Confidence,
		CreatedAt: t.CreatedAt,
		StartedAt: t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if t.Error != nil {
		s.Error = t.Error.Error()
	}
	if t.Plan != nil {
		for _, step := range t.Plan.Steps {
			snap := step.Snapshot()
			s.Steps = append(s.Steps, StepSnapshot{
				StepID: snap.StepID,
				Name: snap.Name,
				Status: string(snap.Status),
				Attempt: snap.Attempt,
				ErrorKind: string(snap.ErrorKind),
			})
		}
	}
	return s
}
