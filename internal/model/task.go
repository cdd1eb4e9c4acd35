package model

import (
	"encoding/json"
	"time"
)

// TaskStatus scripted task state machine states
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusTimedOut  TaskStatus = "TIMED_OUT"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimedOut, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskConfig caller-defined unit of work, immutable once accepted
type TaskConfig struct {
	TaskID      string   `json:"task_id"`
	Instruction string   `json:"instruction,omitempty"` // Natural-language goal
	Steps       []string `json:"steps,omitempty"`       // Ordered step payloads (rationale + command)
	StepTimeout int      `json:"step_timeout,omitempty"` // Seconds, bounds one apply
	TaskTimeout int      `json:"task_timeout,omitempty"` // Seconds, bounds total wall clock
	// SuccessCriteria is opaque to the core; an external collaborator
	// evaluates it and reports through the step result's done/success flags.
	SuccessCriteria json.RawMessage `json:"success_criteria,omitempty"`
}

// StepAttempt one log record per executor attempt
type StepAttempt struct {
	StepIndex int       `json:"step_index"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// SubmitTaskRequest submit scripted task request
type SubmitTaskRequest struct {
	Task    TaskConfig      `json:"task" binding:"required"`
	Profile ResourceProfile `json:"profile"`
}

// SubmitTaskResponse submit scripted task response
type SubmitTaskResponse struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
}

// TaskResponse scripted task status response
type TaskResponse struct {
	ID            string        `json:"id"`
	Status        TaskStatus    `json:"status"`
	ReplicaID     string        `json:"replica_id,omitempty"`
	StepsTotal    int           `json:"steps_total"`
	StepsPassed   int           `json:"steps_passed"`
	Attempts      int           `json:"attempts"`
	FailedStep    *int          `json:"failed_step,omitempty"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	ExecutionMS   int64         `json:"execution_ms"`
	AttemptLog    []StepAttempt `json:"attempt_log,omitempty"`
}
