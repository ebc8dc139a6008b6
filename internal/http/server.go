package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inferlab/dispatchd/internal/log"
	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/service"
	"github.com/inferlab/dispatchd/pkg/storage"
)

// StartServer wires the API routes and blocks serving them.
func StartServer(port string, svc *service.Services, maxPollTimeout time.Duration) error {
	mux := NewMux(svc, maxPollTimeout)
	log.GetLogger().Infof("Starting dispatchd server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

// NewMux builds the route table. Split out so tests can serve it via
// httptest.
func NewMux(svc *service.Services, maxPollTimeout time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/tasks", TasksHandler(svc.Tasks))
	mux.HandleFunc("/api/tasks/", TaskByIDHandler(svc.Tasks))
	mux.HandleFunc("/api/next_task", NextTaskHandler(svc.Dispatch, maxPollTimeout))
	mux.HandleFunc("/api/update_task", UpdateTaskHandler(svc.Results))
	mux.HandleFunc("/api/queue/length", QueueLengthHandler(svc.Tasks))
	mux.HandleFunc("/api/register_worker", RegisterWorkerHandler(svc.Workers))
	mux.HandleFunc("/api/update_worker", UpdateWorkerHandler(svc.Workers))
	mux.HandleFunc("/api/workers", WorkersHandler(svc.Workers))
	return mux
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "dispatchd server is running")
}

type SubmitTaskRequest struct {
	TaskType  string          `json:"task_type"`
	Data      json.RawMessage `json:"data"`
	RetryTime *int            `json:"retry_time,omitempty"`
}

type TasksResponse struct {
	Total int           `json:"total"`
	Tasks []models.Task `json:"tasks"`
}

// TasksHandler serves POST (submit) and GET (list by status) on /api/tasks.
func TasksHandler(tasks *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			submitTaskHTTP(w, r, tasks)
		case http.MethodGet:
			listTasksHTTP(w, r, tasks)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func submitTaskHTTP(w http.ResponseWriter, r *http.Request, tasks *service.TaskService) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.TaskType == "" {
		log.GetLogger().Error("Missing 'task_type' in POST /api/tasks")
		http.Error(w, "Missing 'task_type'", http.StatusBadRequest)
		return
	}
	id, err := tasks.Submit(r.Context(), req.TaskType, types.JSONText(req.Data), req.RetryTime)
	if err != nil {
		log.GetLogger().Errorf("Failed to submit task: %v", err)
		http.Error(w, fmt.Sprintf("Failed to submit task: %v", err), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func listTasksHTTP(w http.ResponseWriter, r *http.Request, tasks *service.TaskService) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = string(models.CompletedTaskStatus)
	}
	if !models.ValidTaskStatus(status) {
		http.Error(w, fmt.Sprintf("Invalid status '%s'", status), http.StatusBadRequest)
		return
	}
	list, err := tasks.ListTasks(models.TaskStatus(status))
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks: %v", err)
		http.Error(w, fmt.Sprintf("Failed to list tasks: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, TasksResponse{Total: len(list), Tasks: list})
}

// TaskByIDHandler serves GET /api/tasks/{id}.
func TaskByIDHandler(tasks *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
		if id == "" {
			http.Error(w, "Missing task id", http.StatusBadRequest)
			return
		}
		task, err := tasks.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to get task %s: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to get task: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// NextTaskHandler serves GET /api/next_task, the worker poll endpoint.
// 204 means the poll window elapsed with nothing queued; workers
// re-poll in a loop.
func NextTaskHandler(dispatch *service.DispatchService, maxTimeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		workerID := q.Get("worker_id")
		if workerID == "" {
			http.Error(w, "Missing 'worker_id'", http.StatusBadRequest)
			return
		}
		taskTypes := splitTypes(q.Get("types"))
		if len(taskTypes) == 0 {
			// Compatibility with single-type pollers.
			taskTypes = splitTypes(q.Get("task_type"))
		}
		if len(taskTypes) == 0 {
			http.Error(w, "Missing 'types'", http.StatusBadRequest)
			return
		}
		timeout := maxTimeout
		if v := q.Get("timeout"); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil || secs < 0 {
				http.Error(w, "Invalid 'timeout'", http.StatusBadRequest)
				return
			}
			if requested := time.Duration(secs) * time.Second; requested < maxTimeout {
				timeout = requested
			}
		}

		assignment, err := dispatch.Poll(r.Context(), workerID, taskTypes, timeout)
		if err != nil {
			log.GetLogger().Errorf("Poll failed for worker %s: %v", workerID, err)
			http.Error(w, fmt.Sprintf("Poll failed: %v", err), http.StatusServiceUnavailable)
			return
		}
		if assignment == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, assignment)
	}
}

type UpdateTaskRequest struct {
	TaskID     string          `json:"task_id"`
	WorkerID   string          `json:"worker_id"`
	Status     string          `json:"status"`
	TaskResult json.RawMessage `json:"task_result,omitempty"`
	ErrorMsg   string          `json:"error_msg,omitempty"`
	Duration   float64         `json:"duration"`
}

// UpdateTaskHandler serves POST /api/update_task, the worker report
// endpoint. Accepted statuses are "completed" and "failed"; everything
// else about the lifecycle is decided here, not by the worker.
func UpdateTaskHandler(results *service.ResultService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req UpdateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.TaskID == "" || req.WorkerID == "" {
			http.Error(w, "Missing 'task_id' or 'worker_id'", http.StatusBadRequest)
			return
		}

		var task models.Task
		var err error
		switch models.TaskStatus(req.Status) {
		case models.CompletedTaskStatus:
			task, err = results.ReportSuccess(req.TaskID, req.WorkerID, types.JSONText(req.TaskResult), req.Duration)
		case models.FailedTaskStatus:
			task, err = results.ReportFailure(r.Context(), req.TaskID, req.WorkerID, req.ErrorMsg, req.Duration)
		default:
			http.Error(w, fmt.Sprintf("Invalid status '%s': must be 'completed' or 'failed'", req.Status), http.StatusBadRequest)
			return
		}
		if err != nil {
			writeReportError(w, req.TaskID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Task updated",
			"status":  task.Status,
		})
	}
}

func writeReportError(w http.ResponseWriter, taskID string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "Task not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrStaleAssignment):
		log.GetLogger().Warnf("Rejected stale report for task %s: %v", taskID, err)
		http.Error(w, "Task is no longer assigned to this worker", http.StatusConflict)
	case errors.Is(err, storage.ErrInvalidTransition):
		http.Error(w, "Task is not processing", http.StatusConflict)
	default:
		log.GetLogger().Errorf("Failed to update task %s: %v", taskID, err)
		http.Error(w, fmt.Sprintf("Failed to update task: %v", err), http.StatusServiceUnavailable)
	}
}

// QueueLengthHandler serves GET /api/queue/length. With a task_type it
// reports that one queue; without, every queue that has ever existed,
// drained ones included.
func QueueLengthHandler(tasks *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if taskType := r.URL.Query().Get("task_type"); taskType != "" {
			n, err := tasks.QueueLength(r.Context(), taskType)
			if err != nil {
				log.GetLogger().Errorf("Failed to get queue length for %s: %v", taskType, err)
				http.Error(w, fmt.Sprintf("Failed to get queue length: %v", err), http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int64{taskType: n})
			return
		}
		lengths, err := tasks.QueueLengths(r.Context())
		if err != nil {
			log.GetLogger().Errorf("Failed to get queue lengths: %v", err)
			http.Error(w, fmt.Sprintf("Failed to get queue lengths: %v", err), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, lengths)
	}
}

type RegisterWorkerRequest struct {
	WorkerID        string  `json:"worker_id"`
	Platform        string  `json:"platform"`
	MemoryTotal     int64   `json:"memory_total"`
	MemoryAvailable int64   `json:"memory_available"`
	CPUCount        int     `json:"cpu_count"`
	CPUFreq         float64 `json:"cpu_freq"`
	GPUInfo         string  `json:"gpu_info,omitempty"`
}

func RegisterWorkerHandler(workers *service.WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req RegisterWorkerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.WorkerID == "" {
			http.Error(w, "Missing 'worker_id'", http.StatusBadRequest)
			return
		}
		err := workers.Register(models.Worker{
			ID:              req.WorkerID,
			Platform:        req.Platform,
			MemoryTotal:     req.MemoryTotal,
			MemoryAvailable: req.MemoryAvailable,
			CPUCount:        req.CPUCount,
			CPUFreq:         req.CPUFreq,
			GPUInfo:         req.GPUInfo,
		})
		if err != nil {
			log.GetLogger().Errorf("Failed to register worker %s: %v", req.WorkerID, err)
			http.Error(w, "Failed to register worker", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Worker registered or updated"})
	}
}

type UpdateWorkerRequest struct {
	WorkerID        string `json:"worker_id"`
	MemoryAvailable *int64 `json:"memory_available,omitempty"`
}

// UpdateWorkerHandler serves POST /api/update_worker, the worker
// heartbeat endpoint.
func UpdateWorkerHandler(workers *service.WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req UpdateWorkerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.WorkerID == "" {
			http.Error(w, "Missing 'worker_id'", http.StatusBadRequest)
			return
		}
		if err := workers.Heartbeat(req.WorkerID, req.MemoryAvailable); err != nil {
			log.GetLogger().Errorf("Failed to update worker %s: %v", req.WorkerID, err)
			http.Error(w, "Failed to update worker", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Worker updated"})
	}
}

type WorkerStatus struct {
	models.Worker
	Live bool `json:"live"`
}

type WorkersResponse struct {
	Workers []WorkerStatus `json:"workers"`
}

func WorkersHandler(workers *service.WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		list, err := workers.ListWorkers()
		if err != nil {
			log.GetLogger().Errorf("Failed to list workers: %v", err)
			http.Error(w, "Failed to list workers", http.StatusServiceUnavailable)
			return
		}
		now := time.Now()
		resp := WorkersResponse{Workers: make([]WorkerStatus, 0, len(list))}
		for _, worker := range list {
			resp.Workers = append(resp.Workers, WorkerStatus{Worker: worker, Live: workers.IsLive(worker, now)})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func splitTypes(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	taskTypes := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			taskTypes = append(taskTypes, p)
		}
	}
	return taskTypes
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
