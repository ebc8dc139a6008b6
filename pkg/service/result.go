package service

import (
	"context"

	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"

	"github.com/inferlab/dispatchd/internal/metrics"
	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/queue"
	"github.com/inferlab/dispatchd/pkg/storage"
)

// ResultService accepts completion and failure reports from workers and
// finalizes or retries the task. Reports are only accepted from the
// worker currently holding the task: a late report from a worker whose
// task was reclaimed fails with ErrStaleAssignment and changes nothing.
type ResultService struct {
	store  storage.Store
	queue  queue.Queue
	logger Logger
}

func NewResultService(store storage.Store, q queue.Queue, logger Logger) *ResultService {
	return &ResultService{
		store:  store,
		queue:  q,
		logger: logger,
	}
}

// ReportSuccess transitions the task to completed, recording the result
// payload and the attempt's duration in seconds.
func (r *ResultService) ReportSuccess(taskID, workerID string, result types.JSONText, duration float64) (models.Task, error) {
	task, err := r.store.CompleteTask(taskID, workerID, result, duration)
	if err != nil {
		return models.Task{}, err
	}
	metrics.TasksCompletedTotal.WithLabelValues(task.TaskType).Inc()
	metrics.TaskDurationSeconds.WithLabelValues(task.TaskType).Observe(duration)
	r.logger.Infof("Task %s completed by worker %s in %.2fs", taskID, workerID, duration)
	return task, nil
}

// ReportFailure consumes one retry unit. With budget remaining the task
// goes back to pending and its id is appended to the tail of its type's
// queue, competing with fresh submissions; with the budget exhausted it
// is terminally failed and the last error message is preserved.
func (r *ResultService) ReportFailure(ctx context.Context, taskID, workerID, errorMsg string, duration float64) (models.Task, error) {
	task, err := r.store.RecordFailure(taskID, workerID, errorMsg, duration)
	if err != nil {
		return models.Task{}, err
	}

	if task.Status == models.PendingTaskStatus {
		if err := r.queue.Push(ctx, task.TaskType, task.ID); err != nil {
			// Pending but unqueued; the sweeper's reconciliation pass
			// picks it back up.
			r.logger.Errorf("Failed to re-enqueue task %s for retry: %v", task.ID, err)
			return task, errors.Wrapf(err, "failed to re-enqueue task %s", task.ID)
		}
		metrics.TasksRequeuedTotal.WithLabelValues(task.TaskType).Inc()
		r.logger.Infof("Task %s failed on worker %s, requeued (%d retries left): %s",
			taskID, workerID, task.RetryTime, errorMsg)
		return task, nil
	}

	metrics.TasksFailedTotal.WithLabelValues(task.TaskType).Inc()
	r.logger.Warnf("Task %s terminally failed after exhausting retries: %s", taskID, errorMsg)
	return task, nil
}
