package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/inferlab/dispatchd/internal/metrics"
	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/queue"
	"github.com/inferlab/dispatchd/pkg/storage"
)

// DispatchService binds pending tasks to polling workers. The pop-then-
// claim sequence is the one place where at-most-once assignment must
// hold: the queue pop hands any entry to a single caller, and the
// store's pending→processing compare-and-set rejects a second claim.
type DispatchService struct {
	store   storage.Store
	queue   queue.Queue
	workers *WorkerService
	logger  Logger
}

func NewDispatchService(store storage.Store, q queue.Queue, workers *WorkerService, logger Logger) *DispatchService {
	return &DispatchService{
		store:   store,
		queue:   q,
		workers: workers,
		logger:  logger,
	}
}

// Poll blocks up to timeout for a pending task of one of the requested
// types and assigns it to the worker. A nil assignment with a nil error
// means the window elapsed with nothing queued; workers are expected to
// re-poll in a loop.
func (d *DispatchService) Poll(ctx context.Context, workerID string, taskTypes []string, timeout time.Duration) (*models.TaskAssignment, error) {
	if workerID == "" {
		return nil, errors.New("worker_id cannot be empty")
	}
	if len(taskTypes) == 0 {
		return nil, errors.New("at least one task type must be requested")
	}

	if err := d.workers.Heartbeat(workerID, nil); err != nil {
		// Liveness tracking must not block dispatch.
		d.logger.Warnf("Failed to record heartbeat for worker %s: %v", workerID, err)
	}

	taskID, err := d.queue.PopBlocking(ctx, taskTypes, timeout)
	if err != nil {
		return nil, errors.Wrap(err, "queue pop failed")
	}
	if taskID == "" {
		return nil, nil
	}

	task, err := d.store.ClaimTask(taskID, workerID)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			// Single-pop semantics should make this impossible: the id
			// was queued but the row is not pending. Swallow the id so
			// it is not dispatched twice.
			d.logger.Errorf("Invariant violation: popped task %s could not be claimed: %v", taskID, err)
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to claim task %s", taskID)
	}

	metrics.TasksDispatchedTotal.WithLabelValues(task.TaskType).Inc()
	d.logger.Infof("Dispatched task %s (%s) to worker %s", task.ID, task.TaskType, workerID)
	return &models.TaskAssignment{
		ID:        task.ID,
		TaskType:  task.TaskType,
		Data:      task.Data,
		RetryTime: task.RetryTime,
	}, nil
}
