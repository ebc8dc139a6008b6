package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inferlab/dispatchd/pkg/queue"
)

func TestMockQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("FIFOAndPriority", func(t *testing.T) {
		q := queue.NewMockQueue()
		assert.NoError(t, q.Push(ctx, "whisper", "w1"))
		assert.NoError(t, q.Push(ctx, "whisper", "w2"))
		assert.NoError(t, q.Push(ctx, "index-tts", "i1"))

		got, err := q.PopBlocking(ctx, []string{"index-tts", "whisper"}, 0)
		assert.NoError(t, err)
		assert.Equal(t, "i1", got)

		got, err = q.PopBlocking(ctx, []string{"index-tts", "whisper"}, 0)
		assert.NoError(t, err)
		assert.Equal(t, "w1", got)

		got, err = q.PopBlocking(ctx, []string{"index-tts", "whisper"}, 0)
		assert.NoError(t, err)
		assert.Equal(t, "w2", got)
	})

	t.Run("PushWakesAllBlockedPoppers", func(t *testing.T) {
		q := queue.NewMockQueue()

		const poppers = 4
		var wg sync.WaitGroup
		popped := make(chan string, poppers)
		for i := 0; i < poppers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := q.PopBlocking(ctx, []string{"whisper"}, time.Second)
				assert.NoError(t, err)
				if got != "" {
					popped <- got
				}
			}()
		}

		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, q.Push(ctx, "whisper", "t1"))
		wg.Wait()
		close(popped)

		var got []string
		for id := range popped {
			got = append(got, id)
		}
		assert.Equal(t, []string{"t1"}, got)
	})

	t.Run("PopHonorsContextCancel", func(t *testing.T) {
		q := queue.NewMockQueue()
		cancelCtx, cancel := context.WithCancel(ctx)

		done := make(chan error, 1)
		go func() {
			_, err := q.PopBlocking(cancelCtx, []string{"whisper"}, 5*time.Second)
			done <- err
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("pop did not return on context cancel")
		}
	})

	t.Run("LengthsTrackDrainedTypes", func(t *testing.T) {
		q := queue.NewMockQueue()
		assert.NoError(t, q.Push(ctx, "whisper", "t1"))
		_, err := q.PopBlocking(ctx, []string{"whisper"}, 0)
		assert.NoError(t, err)

		lengths, err := q.Lengths(ctx)
		assert.NoError(t, err)
		assert.Equal(t, map[string]int64{"whisper": 0}, lengths)
	})
}
