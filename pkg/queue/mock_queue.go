package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// mockQueue implements Queue with in-memory lists, for unit tests.
// Pops are serialized by the queue lock, so a contested head entry is
// handed to exactly one caller.
type mockQueue struct {
	mu     sync.Mutex
	lists  map[string][]string
	known  map[string]struct{}
	wake   chan struct{} // closed and replaced on every push
	closed bool
}

func NewMockQueue() Queue {
	return &mockQueue{
		lists: make(map[string][]string),
		known: make(map[string]struct{}),
		wake:  make(chan struct{}),
	}
}

func (m *mockQueue) Push(ctx context.Context, taskType, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("queue closed")
	}
	m.lists[taskType] = append(m.lists[taskType], taskID)
	m.known[taskType] = struct{}{}
	// Broadcast to every blocked popper.
	close(m.wake)
	m.wake = make(chan struct{})
	return nil
}

func (m *mockQueue) PopBlocking(ctx context.Context, taskTypes []string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", errors.New("queue closed")
		}
		for _, taskType := range taskTypes {
			if list := m.lists[taskType]; len(list) > 0 {
				taskID := list[0]
				m.lists[taskType] = list[1:]
				m.mu.Unlock()
				return taskID, nil
			}
		}
		wake := m.wake
		m.mu.Unlock()

		if timeout <= 0 {
			return "", nil
		}
		select {
		case <-wake:
		case <-deadline.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *mockQueue) Contains(ctx context.Context, taskType, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.lists[taskType] {
		if id == taskID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockQueue) Length(ctx context.Context, taskType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[taskType])), nil
}

func (m *mockQueue) Lengths(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lengths := make(map[string]int64, len(m.known))
	for taskType := range m.known {
		lengths[taskType] = int64(len(m.lists[taskType]))
	}
	return lengths, nil
}

func (m *mockQueue) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.wake)
		m.wake = make(chan struct{})
	}
	return nil
}
