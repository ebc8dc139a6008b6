package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inferlab/dispatchd/internal/metrics"
	"github.com/inferlab/dispatchd/pkg/queue"
	"github.com/inferlab/dispatchd/pkg/storage"
)

// Sweeper reclaims tasks orphaned by crashed or stalled workers. A task
// stuck in processing past the staleness threshold is treated exactly
// like a reported failure with a system-generated error, so reclaiming
// shares the bounded-retry path instead of being a separate mechanism.
// The threshold is task-level: a worker can be live while one of its
// tasks is stuck.
type Sweeper struct {
	store      storage.Store
	queue      queue.Queue
	results    *ResultService
	interval   time.Duration
	staleAfter time.Duration
	logger     Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(store storage.Store, q queue.Queue, results *ResultService, interval, staleAfter time.Duration, logger Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		queue:      q,
		results:    results,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Infof("Sweeper started (interval %s, staleness threshold %s)", s.interval, s.staleAfter)
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Errorf("Sweep failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully stops the sweep loop
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep performs a single pass and returns how many stale tasks were
// reclaimed. Exported so tests and the CLI can trigger a pass directly.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.staleAfter)

	stale, err := s.store.ListStaleTasks(cutoff)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, task := range stale {
		errMsg := fmt.Sprintf("WorkerTimeout: no report from worker %s within %s", task.AssignedWorker, s.staleAfter)
		_, err := s.results.ReportFailure(ctx, task.ID, task.AssignedWorker, errMsg, time.Since(task.UpdatedAt).Seconds())
		if err != nil {
			// A racing report beat us to the transition; the task is no
			// longer ours to reclaim.
			s.logger.Debugf("Skipping stale task %s: %v", task.ID, err)
			continue
		}
		metrics.TasksReclaimedTotal.Inc()
		reclaimed++
		s.logger.Warnf("Reclaimed stale task %s from worker %s", task.ID, task.AssignedWorker)
	}

	if err := s.reconcile(ctx, cutoff); err != nil {
		s.logger.Errorf("Queue reconciliation failed: %v", err)
	}
	return reclaimed, nil
}

// reconcile re-enqueues pending tasks whose queue entry went missing,
// e.g. after a crash between the queue pop and the store claim. The
// staleness cutoff doubles as the post-pop grace period: a freshly
// popped id is never reconciled before its claim had time to land.
func (s *Sweeper) reconcile(ctx context.Context, cutoff time.Time) error {
	pending, err := s.store.ListStalePendingTasks(cutoff)
	if err != nil {
		return err
	}
	for _, task := range pending {
		queued, err := s.queue.Contains(ctx, task.TaskType, task.ID)
		if err != nil {
			return err
		}
		if queued {
			continue
		}
		if err := s.queue.Push(ctx, task.TaskType, task.ID); err != nil {
			return err
		}
		s.logger.Warnf("Re-enqueued leaked pending task %s (%s)", task.ID, task.TaskType)
	}
	return nil
}
