package storage

import (
	"time"

	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/jmoiron/sqlx/types"
)

// Store defines the durable task and worker records for dispatchd.
//
// Every task mutation is a compare-and-set on the task's current state:
// the update only applies when the row is in the expected status (and,
// where relevant, held by the expected worker). A mutation that finds
// the row in any other state fails with ErrInvalidTransition or
// ErrStaleAssignment and leaves the row untouched.
type Store interface {
	// Task operations
	CreateTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	ListTasksByStatus(status models.TaskStatus) ([]models.Task, error)

	// ClaimTask transitions a pending task to processing and stamps the
	// assigned worker. Fails with ErrInvalidTransition if the task is
	// not pending.
	ClaimTask(id, workerID string) (models.Task, error)

	// CompleteTask transitions a processing task held by workerID to
	// completed, recording the result payload and attempt duration.
	CompleteTask(id, workerID string, result types.JSONText, duration float64) (models.Task, error)

	// RecordFailure consumes one unit of the task's retry budget. With
	// budget remaining the task goes back to pending (the caller is
	// responsible for re-enqueueing it); with the budget exhausted it
	// becomes terminally failed and the duration is recorded. Both
	// paths set error_msg and clear the assigned worker. The returned
	// task reflects the resulting state.
	RecordFailure(id, workerID, errorMsg string, duration float64) (models.Task, error)

	// ListStaleTasks returns processing tasks whose updated_at is older
	// than the given instant, for the liveness sweeper.
	ListStaleTasks(olderThan time.Time) ([]models.Task, error)

	// ListStalePendingTasks returns pending tasks untouched since the
	// given instant. The sweeper cross-checks them against the queue to
	// recover ids leaked by a crash between queue pop and store claim.
	ListStalePendingTasks(olderThan time.Time) ([]models.Task, error)

	// Worker operations
	SaveWorker(w models.Worker) error
	// TouchWorker refreshes a worker's heartbeat time; a non-nil
	// memoryAvailable also refreshes that descriptor.
	TouchWorker(id string, memoryAvailable *int64) error
	GetWorker(id string) (models.Worker, error)
	ListWorkers() ([]models.Worker, error)

	Close() error
}
