package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

const (
	defaultPrefix       = "permitflow"
	defaultTaskTTL      = 7 * 24 * time.Hour
	defaultClaimTimeout = 15 * time.Minute
	promoteBatch        = 100
	msgSuffix           = ":msg"
)

// Verify interface compliance
var _ driven.TaskQueue = (*Queue)(nil)

// promoteScript moves due task IDs from the delay set to the stream. ZREM
// guards each move, so concurrent workers never promote a task twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(due) do
	if redis.call('ZREM', KEYS[1], id) == 1 then
		redis.call('XADD', KEYS[2], '*', 'task_id', id)
		moved = moved + 1
	end
end
return moved
`)

// Config configures the Redis task queue.
type Config struct {
	Client *redis.Client
	// Consumer must be unique per worker process (e.g. hostname + PID).
	Consumer string
	// Prefix namespaces every key. Defaults to "permitflow".
	Prefix string
	// TaskTTL bounds how long task records survive without a purge.
	TaskTTL time.Duration
	// ClaimTimeout is how long a delivered task may stay unacknowledged
	// before another consumer claims it.
	ClaimTimeout time.Duration
	Logger       *slog.Logger
}

// Queue implements TaskQueue on Redis Streams. Ready tasks live in a stream
// read through a consumer group; delayed tasks wait in a sorted set scored by
// due time in milliseconds; task records are JSON strings.
type Queue struct {
	client       *redis.Client
	consumer     string
	stream       string
	group        string
	delayed      string
	taskPrefix   string
	taskTTL      time.Duration
	claimTimeout time.Duration
	logger       *slog.Logger
}

// NewQueue creates the queue and its consumer group.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = defaultTaskTTL
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaultClaimTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		client:       cfg.Client,
		consumer:     cfg.Consumer,
		stream:       cfg.Prefix + ":tasks",
		group:        cfg.Prefix + ":workers",
		delayed:      cfg.Prefix + ":scheduled",
		taskPrefix:   cfg.Prefix + ":task:",
		taskTTL:      cfg.TaskTTL,
		claimTimeout: cfg.ClaimTimeout,
		logger:       logger.With("component", "redis_queue"),
	}

	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isGroupExistsError(err) {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return q, nil
}

func (q *Queue) taskKey(id string) string { return q.taskPrefix + id }
func (q *Queue) msgKey(id string) string  { return q.taskPrefix + id + msgSuffix }

// stage queues the commands that store task and make it visible, either in
// the stream or, when scheduled in the future, in the delay set.
func (q *Queue) stage(ctx context.Context, pipe redis.Pipeliner, task *domain.Task, now time.Time) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	pipe.Set(ctx, q.taskKey(task.ID), data, q.taskTTL)

	if task.ScheduledFor.After(now) {
		pipe.ZAdd(ctx, q.delayed, redis.Z{
			Score:  float64(task.ScheduledFor.UnixMilli()),
			Member: task.ID,
		})
		return nil
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"task_id": task.ID,
			"type":    string(task.Type),
			"key":     task.Key,
		},
	})
	return nil
}

// Enqueue adds a task to the queue for processing.
func (q *Queue) Enqueue(ctx context.Context, task *domain.Task) error {
	if task == nil {
		return errors.New("task is required")
	}
	return q.EnqueueBatch(ctx, []*domain.Task{task})
}

// EnqueueBatch adds tasks in one MULTI/EXEC transaction.
func (q *Queue) EnqueueBatch(ctx context.Context, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	now := time.Now()
	pipe := q.client.TxPipeline()
	for _, task := range tasks {
		if task == nil {
			continue
		}
		if err := q.stage(ctx, pipe, task, now); err != nil {
			pipe.Discard()
			return err
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue tasks: %w", err)
	}
	return nil
}

// Dequeue blocks until a task is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Task, error) {
	return q.DequeueWithTimeout(ctx, 0)
}

// DequeueWithTimeout waits up to timeout; zero blocks indefinitely.
// Returns nil, nil when nothing arrived.
func (q *Queue) DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*domain.Task, error) {
	if _, err := q.promote(ctx, time.Now()); err != nil {
		q.logger.Warn("failed to promote scheduled tasks", "error", err)
	}

	if task, err := q.claimAbandoned(ctx); err != nil {
		q.logger.Debug("claim of abandoned tasks failed", "error", err)
	} else if task != nil {
		return task, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.deliver(ctx, streams[0].Messages[0])
}

// deliver loads the task behind a stream message and marks it processing.
// Messages without a task record are dropped.
func (q *Queue) deliver(ctx context.Context, msg redis.XMessage) (*domain.Task, error) {
	taskID, _ := msg.Values["task_id"].(string)
	if taskID == "" {
		q.dropMessage(ctx, msg.ID)
		return nil, nil
	}

	task, err := q.GetTask(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		q.dropMessage(ctx, msg.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	task.Begin()
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.taskKey(task.ID), data, q.taskTTL)
	pipe.Set(ctx, q.msgKey(task.ID), msg.ID, q.taskTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to mark task processing: %w", err)
	}
	return task, nil
}

func (q *Queue) dropMessage(ctx context.Context, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("failed to drop stream message", "message_id", msgID, "error", err)
	}
}

// Ack acknowledges successful completion of a task.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Complete()
	return q.settle(ctx, task)
}

// Nack retries the task after backoff, or fails it once attempts run out.
func (q *Queue) Nack(ctx context.Context, taskID string, reason string) error {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if !task.Fail(reason) {
		q.logger.Warn("task failed permanently", "task_id", task.ID, "attempts", task.Attempts, "reason", reason)
	}
	return q.settle(ctx, task)
}

// settle acknowledges the delivered message and stores the task's new state.
// A pending task goes back to the delay set.
func (q *Queue) settle(ctx context.Context, task *domain.Task) error {
	msgID, err := q.client.Get(ctx, q.msgKey(task.ID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to get message ID: %w", err)
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	if msgID != "" {
		pipe.XAck(ctx, q.stream, q.group, msgID)
		pipe.XDel(ctx, q.stream, msgID)
	}
	pipe.Set(ctx, q.taskKey(task.ID), data, q.taskTTL)
	if task.Status == domain.TaskStatusPending {
		pipe.ZAdd(ctx, q.delayed, redis.Z{
			Score:  float64(task.ScheduledFor.UnixMilli()),
			Member: task.ID,
		})
	}
	pipe.Del(ctx, q.msgKey(task.ID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to settle task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns domain.ErrNotFound if absent.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	data, err := q.client.Get(ctx, q.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// eachTask calls fn for every stored task record. SCAN is O(N); only
// periodic maintenance and operator listings use it.
func (q *Queue) eachTask(ctx context.Context, fn func(key string, task *domain.Task) bool) error {
	iter := q.client.Scan(ctx, 0, q.taskPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, msgSuffix) {
			continue
		}
		data, err := q.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var task domain.Task
		if json.Unmarshal(data, &task) != nil {
			continue
		}
		if !fn(key, &task) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan tasks: %w", err)
	}
	return nil
}

// ListTasks retrieves tasks matching the filter criteria, in no particular order.
func (q *Queue) ListTasks(ctx context.Context, filter driven.TaskFilter) ([]*domain.Task, error) {
	var (
		tasks   []*domain.Task
		skipped int
	)
	err := q.eachTask(ctx, func(_ string, task *domain.Task) bool {
		if filter.Key != "" && task.Key != filter.Key {
			return true
		}
		if filter.Status != "" && task.Status != filter.Status {
			return true
		}
		if filter.Type != "" && task.Type != filter.Type {
			return true
		}
		if skipped < filter.Offset {
			skipped++
			return true
		}
		tasks = append(tasks, task)
		return filter.Limit <= 0 || len(tasks) < filter.Limit
	})
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	return tasks, nil
}

// CancelTask fails a task that has not started yet.
func (q *Queue) CancelTask(ctx context.Context, taskID string) error {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusPending {
		return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidInput, taskID, task.Status)
	}

	task.Abandon("cancelled")
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.delayed, taskID)
	pipe.Set(ctx, q.taskKey(taskID), data, q.taskTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// PurgeTasks removes completed and failed tasks not updated within olderThan.
func (q *Queue) PurgeTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	var stale []string
	err := q.eachTask(ctx, func(key string, task *domain.Task) bool {
		done := task.Status == domain.TaskStatusCompleted || task.Status == domain.TaskStatusFailed
		if done && task.UpdatedAt.Before(cutoff) {
			stale = append(stale, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	purged, err := q.client.Del(ctx, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	return int(purged), nil
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	stats := &driven.QueueStats{}

	err := q.eachTask(ctx, func(_ string, task *domain.Task) bool {
		switch task.Status {
		case domain.TaskStatusPending:
			stats.PendingCount++
			if age := int64(time.Since(task.CreatedAt).Seconds()); age > stats.OldestPendingAge {
				stats.OldestPendingAge = age
			}
		case domain.TaskStatusProcessing:
			stats.ProcessingCount++
		case domain.TaskStatusCompleted:
			stats.CompletedCount++
		case domain.TaskStatusFailed:
			stats.FailedCount++
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Ping checks if the queue backend is healthy.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the Redis client is shared.
func (q *Queue) Close() error {
	return nil
}

// promote moves tasks due at now from the delay set to the stream.
func (q *Queue) promote(ctx context.Context, now time.Time) (int, error) {
	moved, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayed, q.stream},
		strconv.FormatInt(now.UnixMilli(), 10), promoteBatch,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return moved, nil
}

// claimAbandoned takes over a message another consumer left unacknowledged
// for longer than the claim timeout.
func (q *Queue) claimAbandoned(ctx context.Context) (*domain.Task, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	for _, msg := range msgs {
		task, err := q.deliver(ctx, msg)
		if err != nil || task != nil {
			if task != nil {
				q.logger.Info("claimed abandoned task", "task_id", task.ID, "type", task.Type)
			}
			return task, err
		}
	}
	return nil, nil
}

func isGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
