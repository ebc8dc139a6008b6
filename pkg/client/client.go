package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"

	"github.com/inferlab/dispatchd/pkg/models"
)

// Client is the HTTP client worker processes use to talk to dispatchd.
// Workers never touch the database or the queue backend; this API is
// their only interface.
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError carries a non-2xx response. Callers can inspect StatusCode
// to tell a rejected report (409) from a retryable server failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// SubmitTask creates a task and returns its id.
func (c *Client) SubmitTask(ctx context.Context, taskType string, data types.JSONText, retryTime *int) (string, error) {
	body := map[string]interface{}{"task_type": taskType}
	if len(data) > 0 {
		body["data"] = json.RawMessage(data)
	}
	if retryTime != nil {
		body["retry_time"] = *retryTime
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/api/tasks", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (models.Task, error) {
	var task models.Task
	err := c.getJSON(ctx, "/api/tasks/"+url.PathEscape(id), &task)
	return task, err
}

// NextTask polls for a task of one of the given types, blocking server-
// side up to timeout. Returns (nil, nil) when the window elapsed empty.
func (c *Client) NextTask(ctx context.Context, workerID string, taskTypes []string, timeout time.Duration) (*models.TaskAssignment, error) {
	q := url.Values{}
	q.Set("worker_id", workerID)
	q.Set("types", strings.Join(taskTypes, ","))
	q.Set("timeout", strconv.Itoa(int(timeout/time.Second)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/next_task?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "poll request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var assignment models.TaskAssignment
	if err := json.NewDecoder(resp.Body).Decode(&assignment); err != nil {
		return nil, errors.Wrap(err, "decode assignment")
	}
	return &assignment, nil
}

// ReportSuccess reports a completed task, retrying transient
// connectivity failures. This client-side retry is for the HTTP call
// only and is distinct from the task's own retry budget.
func (c *Client) ReportSuccess(ctx context.Context, taskID, workerID string, result types.JSONText, duration time.Duration) error {
	body := map[string]interface{}{
		"task_id":   taskID,
		"worker_id": workerID,
		"status":    models.CompletedTaskStatus,
		"duration":  duration.Seconds(),
	}
	// A zero-length RawMessage is not valid JSON and would fail to
	// marshal; handlers without a result payload simply omit the field.
	if len(result) > 0 {
		body["task_result"] = json.RawMessage(result)
	}
	return c.reportWithRetry(ctx, body)
}

// ReportFailure reports a failed attempt; the server decides whether
// the task is retried or finalized.
func (c *Client) ReportFailure(ctx context.Context, taskID, workerID, errorMsg string, duration time.Duration) error {
	return c.reportWithRetry(ctx, map[string]interface{}{
		"task_id":   taskID,
		"worker_id": workerID,
		"status":    models.FailedTaskStatus,
		"error_msg": errorMsg,
		"duration":  duration.Seconds(),
	})
}

const reportAttempts = 3

func (c *Client) reportWithRetry(ctx context.Context, body map[string]interface{}) error {
	var err error
	for attempt := 0; attempt < reportAttempts; attempt++ {
		err = c.postJSON(ctx, "/api/update_task", body, nil)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			// The server understood us and said no; retrying won't help.
			return err
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Wrapf(err, "report not delivered after %d attempts", reportAttempts)
}

func (c *Client) RegisterWorker(ctx context.Context, w models.Worker) error {
	return c.postJSON(ctx, "/api/register_worker", map[string]interface{}{
		"worker_id":        w.ID,
		"platform":         w.Platform,
		"memory_total":     w.MemoryTotal,
		"memory_available": w.MemoryAvailable,
		"cpu_count":        w.CPUCount,
		"cpu_freq":         w.CPUFreq,
		"gpu_info":         w.GPUInfo,
	}, nil)
}

func (c *Client) Heartbeat(ctx context.Context, workerID string, memoryAvailable *int64) error {
	body := map[string]interface{}{"worker_id": workerID}
	if memoryAvailable != nil {
		body["memory_available"] = *memoryAvailable
	}
	return c.postJSON(ctx, "/api/update_worker", body, nil)
}

func (c *Client) QueueLengths(ctx context.Context) (map[string]int64, error) {
	lengths := map[string]int64{}
	err := c.getJSON(ctx, "/api/queue/length", &lengths)
	return lengths, err
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return readAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
}
