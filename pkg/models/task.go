package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "pending"
	ProcessingTaskStatus TaskStatus = "processing"
	CompletedTaskStatus  TaskStatus = "completed"
	FailedTaskStatus     TaskStatus = "failed"
)

// DefaultRetryBudget is the number of automatic retries a task gets
// unless the submitter overrides it.
const DefaultRetryBudget = 3

// Task represents one unit of work with a typed payload and bounded retry budget.
type Task struct {
	ID             string         `json:"id" db:"id"`                                     // UUID assigned at submission, immutable
	TaskType       string         `json:"task_type" db:"task_type"`                       // Selects the queue and worker class (e.g. "index-tts", "whisper")
	Status         TaskStatus     `json:"status" db:"status"`                             // "pending", "processing", "completed", "failed"
	Data           types.JSONText `json:"data" db:"data"`                                 // Opaque submitter payload, never interpreted here
	TaskResult     types.JSONText `json:"task_result,omitempty" db:"task_result"`         // Set once on completion
	ErrorMsg       string         `json:"error_msg,omitempty" db:"error_msg"`             // Latest attempt's failure reason
	RetryTime      int            `json:"retry_time" db:"retry_time"`                     // Remaining retry budget, decremented per failed attempt
	Duration       float64        `json:"duration,omitempty" db:"duration"`               // Seconds spent by the attempt that finalized the task
	AssignedWorker string         `json:"assigned_worker,omitempty" db:"assigned_worker"` // Worker holding the task while processing, empty otherwise
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"` // Refreshed on every state transition
}

// TaskAssignment is what a polling worker receives for a claimed task.
type TaskAssignment struct {
	ID        string         `json:"id"`
	TaskType  string         `json:"task_type"`
	Data      types.JSONText `json:"data"`
	RetryTime int            `json:"retry_time"`
}

// Terminal reports whether the status is absorbing: once a task is
// completed or has exhausted its retry budget into failed, no further
// transition is accepted.
func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus
}

func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case PendingTaskStatus, ProcessingTaskStatus, CompletedTaskStatus, FailedTaskStatus:
		return true
	}
	return false
}
