package storage

import (
	"sync"
	"time"

	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/jmoiron/sqlx/types"
)

// mockStore implements Store with in-memory maps, for unit tests.
// All operations take the store lock so the compare-and-set semantics
// hold under concurrent callers, same as the SQL implementation.
type mockStore struct {
	mu      sync.Mutex
	tasks   map[string]models.Task
	workers map[string]models.Worker
}

func NewMockStore() Store {
	return &mockStore{
		tasks:   make(map[string]models.Task),
		workers: make(map[string]models.Worker),
	}
}

func (m *mockStore) CreateTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return ErrInvalidTransition
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *mockStore) ListTasksByStatus(status models.TaskStatus) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := []models.Task{}
	for _, t := range m.tasks {
		if t.Status == status {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (m *mockStore) ClaimTask(id, workerID string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	if t.Status != models.PendingTaskStatus {
		return models.Task{}, ErrInvalidTransition
	}
	t.Status = models.ProcessingTaskStatus
	t.AssignedWorker = workerID
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return t, nil
}

func (m *mockStore) CompleteTask(id, workerID string, result types.JSONText, duration float64) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	if err := checkAssignment(t, workerID); err != nil {
		return models.Task{}, err
	}
	t.Status = models.CompletedTaskStatus
	t.TaskResult = result
	t.Duration = duration
	t.AssignedWorker = ""
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return t, nil
}

func (m *mockStore) RecordFailure(id, workerID, errorMsg string, duration float64) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	if err := checkAssignment(t, workerID); err != nil {
		return models.Task{}, err
	}
	if t.RetryTime > 0 {
		t.RetryTime--
		t.Status = models.PendingTaskStatus
	} else {
		t.Status = models.FailedTaskStatus
		t.Duration = duration
	}
	t.ErrorMsg = errorMsg
	t.AssignedWorker = ""
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return t, nil
}

// checkAssignment classifies a report against a task's current state
// the same way the conditional SQL updates do: absorbing states reject
// any transition, and a reporter that no longer holds the task (it is
// pending again or assigned elsewhere) is stale.
func checkAssignment(t models.Task, workerID string) error {
	if t.Status.Terminal() {
		return ErrInvalidTransition
	}
	if t.Status != models.ProcessingTaskStatus || t.AssignedWorker != workerID {
		return ErrStaleAssignment
	}
	return nil
}

func (m *mockStore) ListStaleTasks(olderThan time.Time) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := []models.Task{}
	for _, t := range m.tasks {
		if t.Status == models.ProcessingTaskStatus && t.UpdatedAt.Before(olderThan) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (m *mockStore) ListStalePendingTasks(olderThan time.Time) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := []models.Task{}
	for _, t := range m.tasks {
		if t.Status == models.PendingTaskStatus && t.UpdatedAt.Before(olderThan) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (m *mockStore) SaveWorker(w models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.workers[w.ID]; ok {
		w.StartTime = existing.StartTime
	} else if w.StartTime.IsZero() {
		w.StartTime = now
	}
	w.UpdatedAt = now
	m.workers[w.ID] = w
	return nil
}

func (m *mockStore) TouchWorker(id string, memoryAvailable *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	if memoryAvailable != nil {
		w.MemoryAvailable = *memoryAvailable
	}
	w.UpdatedAt = time.Now()
	m.workers[id] = w
	return nil
}

func (m *mockStore) GetWorker(id string) (models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return models.Worker{}, ErrNotFound
	}
	return w, nil
}

func (m *mockStore) ListWorkers() ([]models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	workers := []models.Worker{}
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	return workers, nil
}

func (m *mockStore) Close() error {
	return nil
}
