package service

import (
	"time"

	"github.com/inferlab/dispatchd/pkg/queue"
	"github.com/inferlab/dispatchd/pkg/storage"
)

// Logger defines the logging interface the services depend on.
// *logrus.Logger satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Services bundles the dispatch core built over one store and queue.
type Services struct {
	Tasks    *TaskService
	Dispatch *DispatchService
	Results  *ResultService
	Workers  *WorkerService
}

func NewServices(store storage.Store, q queue.Queue, defaultRetry int, staleAfter time.Duration, logger Logger) *Services {
	workers := NewWorkerService(store, staleAfter, logger)
	return &Services{
		Tasks:    NewTaskService(store, q, defaultRetry, logger),
		Dispatch: NewDispatchService(store, q, workers, logger),
		Results:  NewResultService(store, q, logger),
		Workers:  workers,
	}
}
