package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"

	"github.com/inferlab/dispatchd/pkg/client"
	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/service"
)

// Handler executes one task attempt. The returned payload becomes the
// task's result; a non-nil error reports the attempt as failed and the
// server decides whether the task is retried.
type Handler func(ctx context.Context, data types.JSONText) (types.JSONText, error)

// Handlers maps task types to their handler.
type Handlers map[string]Handler

type Config struct {
	ID                string
	TaskTypes         []string
	PollTimeout       time.Duration
	HeartbeatInterval time.Duration
	Descriptor        models.Worker
}

// Worker runs the poll-execute-report loop against a dispatchd server.
// One task is processed at a time; concurrency comes from running more
// worker processes.
type Worker struct {
	client   *client.Client
	cfg      Config
	handlers Handlers
	logger   service.Logger
}

func New(c *client.Client, cfg Config, handlers Handlers, logger service.Logger) *Worker {
	return &Worker{
		client:   c,
		cfg:      cfg,
		handlers: handlers,
		logger:   logger,
	}
}

// Run registers the worker and polls until ctx is cancelled. Heartbeats
// run in the background so a long task doesn't mark the worker stale.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.client.RegisterWorker(ctx, w.cfg.Descriptor); err != nil {
		return errors.Wrap(err, "worker registration failed")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		assignment, err := w.client.NextTask(ctx, w.cfg.ID, w.cfg.TaskTypes, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warnf("Poll failed, backing off: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if assignment == nil {
			continue
		}
		w.execute(ctx, assignment)
	}
}

func (w *Worker) execute(ctx context.Context, assignment *models.TaskAssignment) {
	handler, ok := w.handlers[assignment.TaskType]
	if !ok {
		// Should not happen: we only poll for types we registered
		// handlers for.
		w.report(ctx, assignment.ID, "", fmt.Sprintf("no handler for task type %q", assignment.TaskType), 0)
		return
	}

	w.logger.Infof("Executing task %s (%s)", assignment.ID, assignment.TaskType)
	start := time.Now()
	result, err := handler(ctx, assignment.Data)
	duration := time.Since(start)

	if err != nil {
		w.logger.Warnf("Task %s failed after %.2fs: %v", assignment.ID, duration.Seconds(), err)
		w.report(ctx, assignment.ID, "", err.Error(), duration)
		return
	}
	w.logger.Infof("Task %s completed in %.2fs", assignment.ID, duration.Seconds())
	w.report(ctx, assignment.ID, string(result), "", duration)
}

// report delivers the attempt outcome. Delivery failures are logged and
// dropped; the server's sweeper will reclaim the task if the report
// never lands.
func (w *Worker) report(ctx context.Context, taskID, result, errorMsg string, duration time.Duration) {
	// Use a fresh context so a shutdown mid-task still reports.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var err error
	if errorMsg != "" {
		err = w.client.ReportFailure(reportCtx, taskID, w.cfg.ID, errorMsg, duration)
	} else {
		err = w.client.ReportSuccess(reportCtx, taskID, w.cfg.ID, types.JSONText(result), duration)
	}
	if err != nil {
		w.logger.Errorf("Failed to report task %s: %v", taskID, err)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.client.Heartbeat(ctx, w.cfg.ID, nil); err != nil {
				w.logger.Warnf("Heartbeat failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
