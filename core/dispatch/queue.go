package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/runbeam/runbeam/core/infra/bus"
	"github.com/runbeam/runbeam/core/infra/logging"
)

const queueDepthKeyPrefix = "queue:depth:"

// ErrQueueFull indicates the per-engine queue is at capacity. Admission
// control surfaces this as backpressure; it is not a defect.
var ErrQueueFull = errors.New("queue capacity exceeded")

// Queue admits execution tasks into a capacity-bounded work queue and
// reports the task's position on acceptance.
type Queue interface {
	Enqueue(ctx context.Context, env *TaskEnvelope) (position int, err error)
}

// Publisher is the bus surface the queue needs.
type Publisher interface {
	Publish(subject string, v any) error
}

// RedisNATSQueue bounds queue depth with an atomic Redis counter per engine
// and hands accepted tasks to the engine pool over NATS.
type RedisNATSQueue struct {
	client   *redis.Client
	pub      Publisher
	capacity map[Engine]int
}

func NewRedisNATSQueue(client *redis.Client, pub Publisher, capacity map[Engine]int) *RedisNATSQueue {
	return &RedisNATSQueue{client: client, pub: pub, capacity: capacity}
}

// Enqueue reserves a queue slot and publishes the task. The INCR-then-check
// pattern is atomic: when two requests race for the final slot, exactly one
// observes a depth within capacity.
func (q *RedisNATSQueue) Enqueue(ctx context.Context, env *TaskEnvelope) (int, error) {
	if env == nil {
		return 0, fmt.Errorf("nil task envelope")
	}
	if err := env.Validate(); err != nil {
		return 0, err
	}

	limit := q.capacity[env.Engine]
	if limit <= 0 {
		return 0, fmt.Errorf("no queue capacity configured for engine %s", env.Engine)
	}

	depthKey := queueDepthKey(env.Engine)
	depth, err := q.client.Incr(ctx, depthKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth incr: %w", err)
	}
	if depth > int64(limit) {
		if err := q.client.Decr(ctx, depthKey).Err(); err != nil {
			logging.Error("queue", "depth rollback failed", "engine", env.Engine, "error", err)
		}
		return 0, fmt.Errorf("%w: engine %s at %d", ErrQueueFull, env.Engine, limit)
	}

	if err := q.pub.Publish(bus.TaskSubject(string(env.Engine)), env); err != nil {
		// The slot was reserved but the task never made it out; release it
		// and surface the failure as a defect, not backpressure.
		if derr := q.client.Decr(ctx, depthKey).Err(); derr != nil {
			logging.Error("queue", "depth rollback failed", "engine", env.Engine, "error", derr)
		}
		return 0, fmt.Errorf("queue publish: %w", err)
	}
	return int(depth), nil
}

// Release frees a queue slot once the engine reports task pickup.
func (q *RedisNATSQueue) Release(ctx context.Context, engine Engine) error {
	depth, err := q.client.Decr(ctx, queueDepthKey(engine)).Result()
	if err != nil {
		return err
	}
	if depth < 0 {
		// Releases can race a restart that reset the counter.
		return q.client.Incr(ctx, queueDepthKey(engine)).Err()
	}
	return nil
}

// Depth reports the current number of admitted-but-unpicked tasks.
func (q *RedisNATSQueue) Depth(ctx context.Context, engine Engine) (int, error) {
	depth, err := q.client.Get(ctx, queueDepthKey(engine)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return depth, nil
}

func queueDepthKey(engine Engine) string {
	return queueDepthKeyPrefix + string(engine)
}
