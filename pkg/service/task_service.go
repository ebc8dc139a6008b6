package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"

	"github.com/inferlab/dispatchd/internal/metrics"
	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/queue"
	"github.com/inferlab/dispatchd/pkg/storage"
)

// TaskService handles task submission and read access to tasks and
// queue lengths.
type TaskService struct {
	store        storage.Store
	queue        queue.Queue
	defaultRetry int
	logger       Logger
}

func NewTaskService(store storage.Store, q queue.Queue, defaultRetry int, logger Logger) *TaskService {
	return &TaskService{
		store:        store,
		queue:        q,
		defaultRetry: defaultRetry,
		logger:       logger,
	}
}

// Submit creates a pending task and enqueues its id at the tail of its
// type's queue. The payload is opaque: it is stored and handed to the
// claiming worker untouched. retryOverride, when non-nil, replaces the
// configured default retry budget for this task.
func (s *TaskService) Submit(ctx context.Context, taskType string, data types.JSONText, retryOverride *int) (string, error) {
	if taskType == "" {
		return "", errors.New("task_type cannot be empty")
	}
	if len(data) == 0 {
		data = types.JSONText("{}")
	}
	retry := s.defaultRetry
	if retryOverride != nil {
		if *retryOverride < 0 {
			return "", errors.New("retry_time cannot be negative")
		}
		retry = *retryOverride
	}

	task := models.Task{
		ID:        uuid.NewString(),
		TaskType:  taskType,
		Status:    models.PendingTaskStatus,
		Data:      data,
		RetryTime: retry,
	}
	if err := s.store.CreateTask(task); err != nil {
		return "", errors.Wrap(err, "failed to create task")
	}
	if err := s.queue.Push(ctx, taskType, task.ID); err != nil {
		// The row exists but the queue entry does not; the sweeper's
		// reconciliation pass will re-enqueue it.
		s.logger.Errorf("Failed to enqueue task %s after creation: %v", task.ID, err)
		return "", errors.Wrap(err, "failed to queue task")
	}
	metrics.TasksSubmittedTotal.WithLabelValues(taskType).Inc()
	s.logger.Infof("Submitted task %s of type '%s' (retry budget %d)", task.ID, taskType, retry)
	return task.ID, nil
}

func (s *TaskService) GetTask(id string) (models.Task, error) {
	return s.store.GetTask(id)
}

func (s *TaskService) ListTasks(status models.TaskStatus) ([]models.Task, error) {
	if !models.ValidTaskStatus(string(status)) {
		return nil, errors.Errorf("invalid status '%s'", status)
	}
	return s.store.ListTasksByStatus(status)
}

func (s *TaskService) QueueLength(ctx context.Context, taskType string) (int64, error) {
	n, err := s.queue.Length(ctx, taskType)
	if err != nil {
		return 0, err
	}
	metrics.QueueLength.WithLabelValues(taskType).Set(float64(n))
	return n, nil
}

// QueueLengths reports the length of every queue that has ever had an
// entry, including drained ones at zero.
func (s *TaskService) QueueLengths(ctx context.Context) (map[string]int64, error) {
	lengths, err := s.queue.Lengths(ctx)
	if err != nil {
		return nil, err
	}
	for taskType, n := range lengths {
		metrics.QueueLength.WithLabelValues(taskType).Set(float64(n))
	}
	return lengths, nil
}
