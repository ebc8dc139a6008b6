package queue

import (
	"context"
	"time"
)

// Queue holds the per-task-type FIFO lists of pending task ids.
// Ordering is owned here; the authoritative task status lives in the
// Store. Entries are only ever removed by a successful pop.
type Queue interface {
	// Push appends a task id to the tail of its type's list. The type
	// is remembered so Lengths covers it even once drained.
	Push(ctx context.Context, taskType, taskID string) error

	// PopBlocking pops the head entry of the first non-empty list among
	// the requested types, waiting up to timeout. No two concurrent
	// callers receive the same id. When several requested lists are
	// non-empty the tie-break is fixed priority in the order the caller
	// listed the types. Returns "" with a nil error when the window
	// elapses with nothing queued.
	PopBlocking(ctx context.Context, taskTypes []string, timeout time.Duration) (string, error)

	// Contains reports whether the id is currently enqueued under the
	// type. Used by the sweeper to detect pending tasks whose queue
	// entry was lost between backends.
	Contains(ctx context.Context, taskType, taskID string) (bool, error)

	Length(ctx context.Context, taskType string) (int64, error)

	// Lengths returns the length of every list that has ever had an
	// entry, including ones currently at zero.
	Lengths(ctx context.Context) (map[string]int64, error)

	Close() error
}
