package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	pkgqueue "github.com/inferlab/dispatchd/pkg/queue"
)

const (
	// Task lists live under tasks:<task_type>. Queues are created lazily
	// on first push, not pre-declared.
	queueKeyPrefix = "tasks:"
	// Set of every task type that has ever had an entry, so Lengths can
	// report drained queues at zero.
	knownTypesKey = "tasks:types"
)

// RedisQueue backs the per-type FIFO lists with Redis lists. RPUSH
// appends at the tail, BLPOP removes from the head; BLPOP hands any
// given entry to exactly one blocked client, which is what makes the
// dispatch pop race-safe across API replicas.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return &RedisQueue{client: client}, nil
}

func queueKey(taskType string) string {
	return queueKeyPrefix + taskType
}

func (q *RedisQueue) Push(ctx context.Context, taskType, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, knownTypesKey, taskType)
	pipe.RPush(ctx, queueKey(taskType), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "push task %s to queue %s", taskID, taskType)
	}
	return nil
}

// PopBlocking pops the head of the first non-empty list among the
// requested types. BLPOP scans its keys left to right, so the tie-break
// across several ready queues is a fixed priority in the order the
// caller listed the types.
func (q *RedisQueue) PopBlocking(ctx context.Context, taskTypes []string, timeout time.Duration) (string, error) {
	if len(taskTypes) == 0 {
		return "", errors.New("no task types requested")
	}
	keys := make([]string, len(taskTypes))
	for i, taskType := range taskTypes {
		keys[i] = queueKey(taskType)
	}
	if timeout <= 0 {
		// Single non-blocking attempt, same priority order.
		for _, key := range keys {
			taskID, err := q.client.LPop(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return "", errors.Wrapf(err, "pop from %s", key)
			}
			return taskID, nil
		}
		return "", nil
	}
	res, err := q.client.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "blocking pop from %v", taskTypes)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return "", errors.Errorf("unexpected BLPOP reply: %v", res)
	}
	return res[1], nil
}

func (q *RedisQueue) Contains(ctx context.Context, taskType, taskID string) (bool, error) {
	_, err := q.client.LPos(ctx, queueKey(taskType), taskID, redis.LPosArgs{}).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "position of %s in queue %s", taskID, taskType)
	}
	return true, nil
}

func (q *RedisQueue) Length(ctx context.Context, taskType string) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey(taskType)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "queue length for %s", taskType)
	}
	return n, nil
}

func (q *RedisQueue) Lengths(ctx context.Context) (map[string]int64, error) {
	taskTypes, err := q.client.SMembers(ctx, knownTypesKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list known task types")
	}
	lengths := make(map[string]int64, len(taskTypes))
	for _, taskType := range taskTypes {
		n, err := q.client.LLen(ctx, queueKey(taskType)).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "queue length for %s", taskType)
		}
		lengths[taskType] = n
	}
	return lengths, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ pkgqueue.Queue = (*RedisQueue)(nil)

// FlushForTest clears all queue state. Only used from tests running
// against a dedicated Redis instance.
func (q *RedisQueue) FlushForTest(ctx context.Context) error {
	taskTypes, err := q.client.SMembers(ctx, knownTypesKey).Result()
	if err != nil {
		return err
	}
	keys := []string{knownTypesKey}
	for _, taskType := range taskTypes {
		keys = append(keys, queueKey(taskType))
	}
	return q.client.Del(ctx, keys...).Err()
}

func (q *RedisQueue) String() string {
	return fmt.Sprintf("RedisQueue(%s)", q.client.Options().Addr)
}
