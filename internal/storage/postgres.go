package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq"

	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore persists tasks and workers. Every task mutation is a
// single conditional UPDATE, so the state-machine check and the write
// are one atomic statement; concurrent callers racing on the same row
// see exactly one winner.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil
}

const taskColumns = "id, task_type, status, data, task_result, error_msg, retry_time, duration, assigned_worker, created_at, updated_at"

// CreateTask inserts a new pending task
func (s *PostgresStore) CreateTask(t models.Task) error {
	_, err := s.db.Exec(
		"INSERT INTO tasks (id, task_type, status, data, retry_time) VALUES ($1, $2, $3, $4, $5)",
		t.ID, t.TaskType, models.PendingTaskStatus, t.Data, t.RetryTime)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasksByStatus(status models.TaskStatus) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks,
		"SELECT "+taskColumns+" FROM tasks WHERE status = $1 ORDER BY created_at DESC", status)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	return tasks, nil
}

// ClaimTask flips a pending task to processing and stamps the worker.
// The WHERE clause is the compare-and-set: if the task is no longer
// pending the update matches nothing and the miss is classified.
func (s *PostgresStore) ClaimTask(id, workerID string) (models.Task, error) {
	var task models.Task
	err := s.db.QueryRowx(`
		UPDATE tasks
		SET status = $3, assigned_worker = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $4
		RETURNING `+taskColumns,
		id, workerID, models.ProcessingTaskStatus, models.PendingTaskStatus).StructScan(&task)
	if err == sql.ErrNoRows {
		return models.Task{}, s.classifyMiss(id, "")
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("claim task %s: %w", id, err)
	}
	return task, nil
}

// CompleteTask finalizes a processing task held by workerID.
func (s *PostgresStore) CompleteTask(id, workerID string, result types.JSONText, duration float64) (models.Task, error) {
	if result == nil {
		result = types.JSONText("null")
	}
	var task models.Task
	err := s.db.QueryRowx(`
		UPDATE tasks
		SET status = $3, task_result = $4, duration = $5, assigned_worker = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $6 AND assigned_worker = $2
		RETURNING `+taskColumns,
		id, workerID, models.CompletedTaskStatus, result, duration, models.ProcessingTaskStatus).StructScan(&task)
	if err == sql.ErrNoRows {
		return models.Task{}, s.classifyMiss(id, workerID)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("complete task %s: %w", id, err)
	}
	return task, nil
}

// RecordFailure consumes one retry unit: back to pending while budget
// remains, terminally failed once it is exhausted. The CASE expressions
// evaluate against the pre-update row, so the decrement and the status
// choice agree.
func (s *PostgresStore) RecordFailure(id, workerID, errorMsg string, duration float64) (models.Task, error) {
	var task models.Task
	err := s.db.QueryRowx(`
		UPDATE tasks
		SET status = CASE WHEN retry_time > 0 THEN $3 ELSE $4 END,
		    retry_time = GREATEST(retry_time - 1, 0),
		    error_msg = $5,
		    duration = CASE WHEN retry_time > 0 THEN duration ELSE $6 END,
		    assigned_worker = '',
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $7 AND assigned_worker = $2
		RETURNING `+taskColumns,
		id, workerID, models.PendingTaskStatus, models.FailedTaskStatus,
		errorMsg, duration, models.ProcessingTaskStatus).StructScan(&task)
	if err == sql.ErrNoRows {
		return models.Task{}, s.classifyMiss(id, workerID)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("record failure for task %s: %w", id, err)
	}
	return task, nil
}

// classifyMiss explains why a conditional update matched nothing.
// A reporter whose task is back in pending (reclaimed but not yet
// re-claimed) or held by another worker no longer holds it, so both
// cases are stale assignments; absorbing states reject any transition.
func (s *PostgresStore) classifyMiss(id, workerID string) error {
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return storage.ErrInvalidTransition
	}
	if workerID != "" && task.AssignedWorker != workerID {
		return storage.ErrStaleAssignment
	}
	return storage.ErrInvalidTransition
}

func (s *PostgresStore) ListStaleTasks(olderThan time.Time) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks,
		"SELECT "+taskColumns+" FROM tasks WHERE status = $1 AND updated_at < $2 ORDER BY updated_at",
		models.ProcessingTaskStatus, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) ListStalePendingTasks(olderThan time.Time) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks,
		"SELECT "+taskColumns+" FROM tasks WHERE status = $1 AND updated_at < $2 ORDER BY updated_at",
		models.PendingTaskStatus, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale pending tasks: %w", err)
	}
	return tasks, nil
}

// SaveWorker upserts a worker row, keeping start_time from the first
// registration.
func (s *PostgresStore) SaveWorker(w models.Worker) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (id, platform, memory_total, memory_available, cpu_count, cpu_freq, gpu_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			platform = EXCLUDED.platform,
			memory_total = EXCLUDED.memory_total,
			memory_available = EXCLUDED.memory_available,
			cpu_count = EXCLUDED.cpu_count,
			cpu_freq = EXCLUDED.cpu_freq,
			gpu_info = EXCLUDED.gpu_info,
			updated_at = CURRENT_TIMESTAMP`,
		w.ID, w.Platform, w.MemoryTotal, w.MemoryAvailable, w.CPUCount, w.CPUFreq, w.GPUInfo)
	if err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID, err)
	}
	return nil
}

func (s *PostgresStore) TouchWorker(id string, memoryAvailable *int64) error {
	res, err := s.db.Exec(`
		UPDATE workers
		SET updated_at = CURRENT_TIMESTAMP,
		    memory_available = COALESCE($2, memory_available)
		WHERE id = $1`,
		id, memoryAvailable)
	if err != nil {
		return fmt.Errorf("touch worker %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetWorker(id string) (models.Worker, error) {
	var w models.Worker
	err := s.db.Get(&w, "SELECT * FROM workers WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Worker{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Worker{}, fmt.Errorf("get worker %s: %w", id, err)
	}
	return w, nil
}

func (s *PostgresStore) ListWorkers() ([]models.Worker, error) {
	workers := []models.Worker{}
	err := s.db.Select(&workers, "SELECT * FROM workers ORDER BY start_time")
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

var _ storage.Store = (*PostgresStore)(nil)
