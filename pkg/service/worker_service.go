package service

import (
	"time"

	"github.com/pkg/errors"

	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/storage"
)

// WorkerService tracks registered workers and their heartbeats. No
// authentication happens at this layer: any caller claiming a worker id
// can heartbeat it. That is a trust boundary with the internal network,
// not a security control.
type WorkerService struct {
	store      storage.Store
	staleAfter time.Duration
	logger     Logger
}

func NewWorkerService(store storage.Store, staleAfter time.Duration, logger Logger) *WorkerService {
	return &WorkerService{
		store:      store,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Register upserts a worker with its descriptors. Descriptors are
// informational telemetry; dispatch never reads them.
func (s *WorkerService) Register(w models.Worker) error {
	if w.ID == "" {
		return errors.New("worker id cannot be empty")
	}
	if err := s.store.SaveWorker(w); err != nil {
		return errors.Wrapf(err, "failed to register worker %s", w.ID)
	}
	s.logger.Infof("Registered worker %s (%s)", w.ID, w.Platform)
	return nil
}

// Heartbeat refreshes the worker's last-seen time. A heartbeat from an
// unknown worker id creates a minimal row rather than failing, so a
// worker that polls before registering is still tracked.
func (s *WorkerService) Heartbeat(workerID string, memoryAvailable *int64) error {
	if workerID == "" {
		return errors.New("worker id cannot be empty")
	}
	err := s.store.TouchWorker(workerID, memoryAvailable)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Debugf("Heartbeat from unregistered worker %s, creating record", workerID)
		w := models.Worker{ID: workerID}
		if memoryAvailable != nil {
			w.MemoryAvailable = *memoryAvailable
		}
		return s.store.SaveWorker(w)
	}
	return err
}

func (s *WorkerService) GetWorker(id string) (models.Worker, error) {
	return s.store.GetWorker(id)
}

func (s *WorkerService) ListWorkers() ([]models.Worker, error) {
	return s.store.ListWorkers()
}

// IsLive reports whether the worker heartbeated within the staleness
// threshold.
func (s *WorkerService) IsLive(w models.Worker, now time.Time) bool {
	return now.Sub(w.UpdatedAt) < s.staleAfter
}
