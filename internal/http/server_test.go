package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"

	internal_http "github.com/inferlab/dispatchd/internal/http"
	"github.com/inferlab/dispatchd/internal/log"
	"github.com/inferlab/dispatchd/pkg/client"
	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/queue"
	"github.com/inferlab/dispatchd/pkg/service"
	"github.com/inferlab/dispatchd/pkg/storage"
)

func TestAPIServer(t *testing.T) {
	ctx := context.Background()

	newServer := func(t *testing.T) (*httptest.Server, *service.Services) {
		svc := service.NewServices(storage.NewMockStore(), queue.NewMockQueue(), models.DefaultRetryBudget, time.Minute, log.GetLogger())
		ts := httptest.NewServer(internal_http.NewMux(svc, 20*time.Second))
		t.Cleanup(ts.Close)
		return ts, svc
	}

	postJSON := func(t *testing.T, url string, body interface{}) *http.Response {
		payload, err := json.Marshal(body)
		assert.NoError(t, err)
		resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
		assert.NoError(t, err)
		return resp
	}

	t.Run("Health", func(t *testing.T) {
		ts, _ := newServer(t)
		resp, err := http.Get(ts.URL + "/health")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Metrics", func(t *testing.T) {
		ts, _ := newServer(t)
		resp, err := http.Get(ts.URL + "/metrics")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "dispatchd_")
	})

	t.Run("FullTaskLifecycle", func(t *testing.T) {
		ts, _ := newServer(t)
		c := client.NewClient(ts.URL)

		assert.NoError(t, c.RegisterWorker(ctx, models.Worker{
			ID:       "w1",
			Platform: "linux/amd64",
			CPUCount: 4,
		}))

		id, err := c.SubmitTask(ctx, "index-tts", types.JSONText(`{"text":"hi"}`), nil)
		assert.NoError(t, err)
		assert.NotEmpty(t, id)

		assignment, err := c.NextTask(ctx, "w1", []string{"index-tts"}, 0)
		assert.NoError(t, err)
		assert.NotNil(t, assignment)
		assert.Equal(t, id, assignment.ID)
		assert.JSONEq(t, `{"text":"hi"}`, string(assignment.Data))

		assert.NoError(t, c.ReportSuccess(ctx, id, "w1", types.JSONText(`{"audio":"a.wav"}`), 1500*time.Millisecond))

		task, err := c.GetTask(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
		assert.JSONEq(t, `{"audio":"a.wav"}`, string(task.TaskResult))
		assert.Equal(t, 1.5, task.Duration)
	})

	t.Run("SuccessReportWithoutResultPayload", func(t *testing.T) {
		ts, _ := newServer(t)
		c := client.NewClient(ts.URL)

		id, err := c.SubmitTask(ctx, "whisper", nil, nil)
		assert.NoError(t, err)
		_, err = c.NextTask(ctx, "w1", []string{"whisper"}, 0)
		assert.NoError(t, err)

		// Handlers may legally produce no result; the report must still
		// be delivered on the first attempt.
		assert.NoError(t, c.ReportSuccess(ctx, id, "w1", nil, time.Second))

		task, err := c.GetTask(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)

		// Same for the zero-length slice a nil handler result becomes
		// after a string round trip.
		id, err = c.SubmitTask(ctx, "whisper", nil, nil)
		assert.NoError(t, err)
		_, err = c.NextTask(ctx, "w1", []string{"whisper"}, 0)
		assert.NoError(t, err)
		assert.NoError(t, c.ReportSuccess(ctx, id, "w1", types.JSONText(""), time.Second))

		task, err = c.GetTask(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
	})

	t.Run("FailureAndRetryOverHTTP", func(t *testing.T) {
		ts, _ := newServer(t)
		c := client.NewClient(ts.URL)

		retry := 1
		id, err := c.SubmitTask(ctx, "whisper", nil, &retry)
		assert.NoError(t, err)

		_, err = c.NextTask(ctx, "w1", []string{"whisper"}, 0)
		assert.NoError(t, err)
		assert.NoError(t, c.ReportFailure(ctx, id, "w1", "transcode crashed", time.Second))

		task, err := c.GetTask(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
		assert.Equal(t, 0, task.RetryTime)
		assert.Equal(t, "transcode crashed", task.ErrorMsg)

		// Exhaust the budget.
		_, err = c.NextTask(ctx, "w2", []string{"whisper"}, 0)
		assert.NoError(t, err)
		assert.NoError(t, c.ReportFailure(ctx, id, "w2", "crashed again", time.Second))

		task, err = c.GetTask(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, task.Status)
	})

	t.Run("PollEmptyReturns204", func(t *testing.T) {
		ts, _ := newServer(t)
		resp, err := http.Get(ts.URL + "/api/next_task?worker_id=w1&types=whisper&timeout=0")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("PollSingleTypeParam", func(t *testing.T) {
		ts, svc := newServer(t)
		id, err := svc.Tasks.Submit(ctx, "whisper", nil, nil)
		assert.NoError(t, err)

		resp, err := http.Get(ts.URL + "/api/next_task?worker_id=w1&task_type=whisper&timeout=0")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var assignment models.TaskAssignment
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&assignment))
		assert.Equal(t, id, assignment.ID)
	})

	t.Run("PollValidation", func(t *testing.T) {
		ts, _ := newServer(t)
		for _, path := range []string{
			"/api/next_task?types=whisper",
			"/api/next_task?worker_id=w1",
			"/api/next_task?worker_id=w1&types=whisper&timeout=abc",
		} {
			resp, err := http.Get(ts.URL + path)
			assert.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		}
	})

	t.Run("SubmitValidation", func(t *testing.T) {
		ts, _ := newServer(t)
		resp := postJSON(t, ts.URL+"/api/tasks", map[string]string{})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("GetUnknownTaskReturns404", func(t *testing.T) {
		ts, _ := newServer(t)
		resp, err := http.Get(ts.URL + "/api/tasks/no-such-id")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("ListTasksByStatus", func(t *testing.T) {
		ts, svc := newServer(t)
		id, err := svc.Tasks.Submit(ctx, "whisper", nil, nil)
		assert.NoError(t, err)

		resp, err := http.Get(ts.URL + "/api/tasks?status=pending")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var list internal_http.TasksResponse
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		assert.Equal(t, 1, list.Total)
		assert.Equal(t, id, list.Tasks[0].ID)

		resp, err = http.Get(ts.URL + "/api/tasks?status=bogus")
		assert.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("StaleReportReturns409", func(t *testing.T) {
		ts, svc := newServer(t)
		id, err := svc.Tasks.Submit(ctx, "whisper", nil, nil)
		assert.NoError(t, err)
		_, err = svc.Dispatch.Poll(ctx, "w1", []string{"whisper"}, 0)
		assert.NoError(t, err)

		resp := postJSON(t, ts.URL+"/api/update_task", internal_http.UpdateTaskRequest{
			TaskID:   id,
			WorkerID: "w2",
			Status:   string(models.CompletedTaskStatus),
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("ReportOnPendingTaskReturns409", func(t *testing.T) {
		ts, svc := newServer(t)
		id, err := svc.Tasks.Submit(ctx, "whisper", nil, nil)
		assert.NoError(t, err)

		resp := postJSON(t, ts.URL+"/api/update_task", internal_http.UpdateTaskRequest{
			TaskID:   id,
			WorkerID: "w1",
			Status:   string(models.FailedTaskStatus),
			ErrorMsg: "never ran",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("ReportUnknownTaskReturns404", func(t *testing.T) {
		ts, _ := newServer(t)
		resp := postJSON(t, ts.URL+"/api/update_task", internal_http.UpdateTaskRequest{
			TaskID:   "no-such-id",
			WorkerID: "w1",
			Status:   string(models.CompletedTaskStatus),
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("ReportInvalidStatusReturns400", func(t *testing.T) {
		ts, _ := newServer(t)
		resp := postJSON(t, ts.URL+"/api/update_task", internal_http.UpdateTaskRequest{
			TaskID:   "t1",
			WorkerID: "w1",
			Status:   "processing",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("QueueLength", func(t *testing.T) {
		ts, svc := newServer(t)
		_, err := svc.Tasks.Submit(ctx, "whisper", nil, nil)
		assert.NoError(t, err)
		_, err = svc.Tasks.Submit(ctx, "whisper", nil, nil)
		assert.NoError(t, err)
		_, err = svc.Tasks.Submit(ctx, "index-tts", nil, nil)
		assert.NoError(t, err)

		resp, err := http.Get(ts.URL + "/api/queue/length?task_type=whisper")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		single := map[string]int64{}
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&single))
		assert.Equal(t, map[string]int64{"whisper": 2}, single)

		c := client.NewClient(ts.URL)
		lengths, err := c.QueueLengths(ctx)
		assert.NoError(t, err)
		assert.Equal(t, map[string]int64{"whisper": 2, "index-tts": 1}, lengths)
	})

	t.Run("WorkerEndpoints", func(t *testing.T) {
		ts, _ := newServer(t)
		c := client.NewClient(ts.URL)

		assert.NoError(t, c.RegisterWorker(ctx, models.Worker{ID: "w1", Platform: "linux/amd64"}))
		mem := int64(1 << 30)
		assert.NoError(t, c.Heartbeat(ctx, "w1", &mem))

		resp, err := http.Get(ts.URL + "/api/workers")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var list internal_http.WorkersResponse
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		assert.Len(t, list.Workers, 1)
		assert.Equal(t, "w1", list.Workers[0].ID)
		assert.Equal(t, mem, list.Workers[0].MemoryAvailable)
		assert.True(t, list.Workers[0].Live)

		resp = postJSON(t, ts.URL+"/api/register_worker", map[string]string{})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		ts, _ := newServer(t)
		for path, method := range map[string]string{
			"/api/tasks":       http.MethodDelete,
			"/api/next_task":   http.MethodPost,
			"/api/update_task": http.MethodGet,
			"/api/workers":     http.MethodPost,
		} {
			req, err := http.NewRequest(method, ts.URL+path, nil)
			assert.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			assert.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, fmt.Sprintf("%s %s", method, path))
		}
	})
}
