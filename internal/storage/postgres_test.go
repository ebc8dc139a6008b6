package storage_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	internal_storage "github.com/inferlab/dispatchd/internal/storage"
	"github.com/inferlab/dispatchd/internal/testutil"
	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	newTestStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE tasks, workers")
			assert.NoError(t, err)
			assert.NoError(t, store.Close())
		})
		return store
	}

	newPendingTask := func(t *testing.T, store *internal_storage.PostgresStore, taskType string, retry int) models.Task {
		task := models.Task{
			ID:        uuid.NewString(),
			TaskType:  taskType,
			Data:      types.JSONText(`{"text":"hello"}`),
			RetryTime: retry,
		}
		assert.NoError(t, store.CreateTask(task))
		return task
	}

	t.Run("CreateAndGetTask", func(t *testing.T) {
		store := newTestStore(t)
		created := newPendingTask(t, store, "index-tts", 3)

		task, err := store.GetTask(created.ID)
		assert.NoError(t, err)
		assert.Equal(t, created.ID, task.ID)
		assert.Equal(t, "index-tts", task.TaskType)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
		assert.Equal(t, 3, task.RetryTime)
		assert.JSONEq(t, `{"text":"hello"}`, string(task.Data))
		assert.Empty(t, task.AssignedWorker)
		assert.False(t, task.CreatedAt.IsZero())
	})

	t.Run("GetUnknownTask", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.GetTask(uuid.NewString())
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("ClaimTask", func(t *testing.T) {
		store := newTestStore(t)
		created := newPendingTask(t, store, "whisper", 3)

		task, err := store.ClaimTask(created.ID, "w1")
		assert.NoError(t, err)
		assert.Equal(t, models.ProcessingTaskStatus, task.Status)
		assert.Equal(t, "w1", task.AssignedWorker)

		// The row is no longer pending; a second claim loses the race.
		_, err = store.ClaimTask(created.ID, "w2")
		assert.True(t, errors.Is(err, storage.ErrInvalidTransition))

		task, err = store.GetTask(created.ID)
		assert.NoError(t, err)
		assert.Equal(t, "w1", task.AssignedWorker)
	})

	t.Run("ClaimRaceSingleWinner", func(t *testing.T) {
		store := newTestStore(t)
		created := newPendingTask(t, store, "whisper", 3)

		const claimers = 8
		var wg sync.WaitGroup
		winners := make(chan string, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				if _, err := store.ClaimTask(created.ID, worker); err == nil {
					winners <- worker
				}
			}(uuid.NewString())
		}
		wg.Wait()
		close(winners)

		count := 0
		for range winners {
			count++
		}
		assert.Equal(t, 1, count)
	})

	t.Run("CompleteTask", func(t *testing.T) {
		store := newTestStore(t)
		created := newPendingTask(t, store, "whisper", 3)
		_, err := store.ClaimTask(created.ID, "w1")
		assert.NoError(t, err)

		task, err := store.CompleteTask(created.ID, "w1", types.JSONText(`{"out":"ok"}`), 2.5)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
		assert.Equal(t, 2.5, task.Duration)
		assert.Empty(t, task.AssignedWorker)
		assert.JSONEq(t, `{"out":"ok"}`, string(task.TaskResult))
	})

	t.Run("CompleteFromWrongWorker", func(t *testing.T) {
		store := newTestStore(t)
		created := newPendingTask(t, store, "whisper", 3)
		_, err := store.ClaimTask(created.ID, "w1")
		assert.NoError(t, err)

		_, err = store.CompleteTask(created.ID, "w2", nil, 1.0)
		assert.True(t, errors.Is(err, storage.ErrStaleAssignment))
	})

	t.Run("CompleteNonProcessingTask", func(t *testing.T) {
		store := newTestStore(t)
		created := newPendingTask(t, store, "whisper", 3)

		// A pending task is held by nobody, so the reporter is stale.
		_, err := store.CompleteTask(created.ID, "w1", nil, 1.0)
		assert.True(t, errors.Is(err, storage.ErrStaleAssignment))
	})

	t.Run("RecordFailureWithBudget", func(t *testing.T) {
		store := newTestStore(t)
		created := newPendingTask(t, store, "whisper", 2)
		_, err := store.ClaimTask(created.ID, "w1")
		assert.NoError(t, err)

		task, err := store.RecordFailure(created.ID, "w1", "OOM", 0.5)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
		assert.Equal(t, 1, task.RetryTime)
		assert.Equal(t, "OOM", task.ErrorMsg)
		assert.Empty(t, task.AssignedWorker)
		// Duration only records the finalizing attempt.
		assert.Equal(t, 0.0, task.Duration)
	})

	t.Run("RecordFailureExhaustedBudget", func(t *testing.T) {
		store := newTestStore(t)
		created := newPendingTask(t, store, "whisper", 0)
		_, err := store.ClaimTask(created.ID, "w1")
		assert.NoError(t, err)

		task, err := store.RecordFailure(created.ID, "w1", "OOM", 0.5)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, task.Status)
		assert.Equal(t, 0, task.RetryTime)
		assert.Equal(t, 0.5, task.Duration)

		// Terminal state absorbs further reports.
		_, err = store.RecordFailure(created.ID, "w1", "late", 0.5)
		assert.True(t, errors.Is(err, storage.ErrInvalidTransition))
		_, err = store.CompleteTask(created.ID, "w1", nil, 1.0)
		assert.True(t, errors.Is(err, storage.ErrInvalidTransition))
	})

	t.Run("ListTasksByStatus", func(t *testing.T) {
		store := newTestStore(t)
		first := newPendingTask(t, store, "whisper", 3)
		second := newPendingTask(t, store, "whisper", 3)
		_, err := store.ClaimTask(second.ID, "w1")
		assert.NoError(t, err)

		pending, err := store.ListTasksByStatus(models.PendingTaskStatus)
		assert.NoError(t, err)
		assert.Len(t, pending, 1)
		assert.Equal(t, first.ID, pending[0].ID)

		processing, err := store.ListTasksByStatus(models.ProcessingTaskStatus)
		assert.NoError(t, err)
		assert.Len(t, processing, 1)
		assert.Equal(t, second.ID, processing[0].ID)
	})

	t.Run("ListStaleTasks", func(t *testing.T) {
		store := newTestStore(t)
		stale := newPendingTask(t, store, "whisper", 3)
		fresh := newPendingTask(t, store, "whisper", 3)
		_, err := store.ClaimTask(stale.ID, "w1")
		assert.NoError(t, err)
		_, err = store.ClaimTask(fresh.ID, "w2")
		assert.NoError(t, err)

		// Age one row past the cutoff.
		_, err = testDB.DB.Exec(
			"UPDATE tasks SET updated_at = updated_at - INTERVAL '10 minutes' WHERE id = $1", stale.ID)
		assert.NoError(t, err)

		tasks, err := store.ListStaleTasks(time.Now().Add(-5 * time.Minute))
		assert.NoError(t, err)
		assert.Len(t, tasks, 1)
		assert.Equal(t, stale.ID, tasks[0].ID)
	})

	t.Run("ListStalePendingTasks", func(t *testing.T) {
		store := newTestStore(t)
		stale := newPendingTask(t, store, "whisper", 3)
		newPendingTask(t, store, "whisper", 3)

		_, err := testDB.DB.Exec(
			"UPDATE tasks SET updated_at = updated_at - INTERVAL '10 minutes' WHERE id = $1", stale.ID)
		assert.NoError(t, err)

		tasks, err := store.ListStalePendingTasks(time.Now().Add(-5 * time.Minute))
		assert.NoError(t, err)
		assert.Len(t, tasks, 1)
		assert.Equal(t, stale.ID, tasks[0].ID)
	})

	t.Run("SaveWorkerUpsert", func(t *testing.T) {
		store := newTestStore(t)
		assert.NoError(t, store.SaveWorker(models.Worker{
			ID:          "w1",
			Platform:    "linux/amd64",
			CPUCount:    8,
			MemoryTotal: 16 << 30,
		}))

		first, err := store.GetWorker("w1")
		assert.NoError(t, err)
		assert.Equal(t, "linux/amd64", first.Platform)

		assert.NoError(t, store.SaveWorker(models.Worker{
			ID:       "w1",
			Platform: "linux/arm64",
			CPUCount: 16,
		}))

		second, err := store.GetWorker("w1")
		assert.NoError(t, err)
		assert.Equal(t, "linux/arm64", second.Platform)
		assert.Equal(t, 16, second.CPUCount)
		// Re-registration keeps the original start time.
		assert.WithinDuration(t, first.StartTime, second.StartTime, time.Millisecond)
	})

	t.Run("TouchWorker", func(t *testing.T) {
		store := newTestStore(t)
		assert.NoError(t, store.SaveWorker(models.Worker{ID: "w1", MemoryAvailable: 100}))

		assert.NoError(t, store.TouchWorker("w1", nil))
		w, err := store.GetWorker("w1")
		assert.NoError(t, err)
		assert.Equal(t, int64(100), w.MemoryAvailable)

		mem := int64(42)
		assert.NoError(t, store.TouchWorker("w1", &mem))
		w, err = store.GetWorker("w1")
		assert.NoError(t, err)
		assert.Equal(t, int64(42), w.MemoryAvailable)

		err = store.TouchWorker("ghost", nil)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("ListWorkers", func(t *testing.T) {
		store := newTestStore(t)
		assert.NoError(t, store.SaveWorker(models.Worker{ID: "w1"}))
		assert.NoError(t, store.SaveWorker(models.Worker{ID: "w2"}))

		workers, err := store.ListWorkers()
		assert.NoError(t, err)
		assert.Len(t, workers, 2)
	})
}
