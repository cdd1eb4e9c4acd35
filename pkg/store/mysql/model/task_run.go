package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TaskRun MySQL model for task_runs table. One row per scripted task run.
type TaskRun struct {
	ID          int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID       string      `gorm:"column:run_id;type:varchar(255);not null;uniqueIndex:idx_run_id_unique" json:"run_id"`
	TaskID      string      `gorm:"column:task_id;type:varchar(255);not null;index:idx_task_id" json:"task_id"`
	ReplicaID   string      `gorm:"column:replica_id;type:varchar(255);index:idx_replica_id" json:"replica_id"`
	Pool        string      `gorm:"column:pool;type:varchar(255)" json:"pool"`
	Config      JSONMap     `gorm:"column:config;type:json;not null" json:"config"`
	Status      string      `gorm:"column:status;type:varchar(50);not null;index:idx_status" json:"status"`
	StepsTotal  int         `gorm:"column:steps_total;not null;default:0" json:"steps_total"`
	StepsPassed int         `gorm:"column:steps_passed;not null;default:0" json:"steps_passed"`
	Attempts    int         `gorm:"column:attempts;not null;default:0" json:"attempts"`
	FailedStep  *int        `gorm:"column:failed_step" json:"failed_step,omitempty"`
	Error       string      `gorm:"column:error;type:text" json:"error"`
	AttemptLog  *AttemptLog `gorm:"column:attempt_log;type:json" json:"attempt_log,omitempty"`
	CreatedAt   time.Time   `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3);index:idx_created_at" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"column:updated_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"updated_at"`
	StartedAt   *time.Time  `gorm:"column:started_at;type:datetime(3)" json:"started_at"`
	CompletedAt *time.Time  `gorm:"column:completed_at;type:datetime(3);index:idx_completed_at" json:"completed_at"`
}

// AttemptLog per-attempt history of a run (stored in JSON)
type AttemptLog []AttemptRecord

// AttemptRecord one executor attempt against one step
type AttemptRecord struct {
	StepIndex int       `json:"step_index"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// TableName specifies the table name for TaskRun
func (TaskRun) TableName() string {
	return "task_runs"
}

// Value implements driver.Valuer interface for AttemptLog
func (a AttemptLog) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner interface for AttemptLog
func (a *AttemptLog) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to scan AttemptLog: unsupported type %T", value)
	}

	var records []AttemptRecord
	if err := json.Unmarshal(bytes, &records); err != nil {
		return fmt.Errorf("failed to unmarshal AttemptLog: %w", err)
	}

	*a = records
	return nil
}

// Append adds one attempt record to the log.
func (t *TaskRun) Append(record AttemptRecord) {
	if t.AttemptLog == nil {
		empty := AttemptLog{}
		t.AttemptLog = &empty
	}
	*t.AttemptLog = append(*t.AttemptLog, record)
}
