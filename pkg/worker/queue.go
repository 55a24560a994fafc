package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const queuePrefix = "cyberforge:machines"

// dequeueOrder is the order workers drain the pending lists. Terminate jobs
// come first so ports and container slots free up before new deploys claim
// them.
var dequeueOrder = []JobType{JobTypeTerminate, JobTypeDeploy}

// pendingKey is the list of jobs of one type waiting for a worker.
func pendingKey(t JobType) string {
	return queuePrefix + ":pending:" + string(t)
}

// claimedKey is the per-worker list of in-flight jobs. A job sits here from
// dequeue until Complete/Requeue/Fail, so a worker crash leaves it
// recoverable instead of lost.
func claimedKey(workerID string) string {
	return queuePrefix + ":claimed:" + workerID
}

// Queue is the Redis-backed machine lifecycle job queue.
type Queue struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// QueueConfig holds Redis connection settings
type QueueConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewQueue(cfg QueueConfig, logger *zap.SugaredLogger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Infof("Connected to Redis at %s", cfg.Addr)

	return &Queue{client: client, logger: logger}, nil
}

// Enqueue appends a job to its type's pending list.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	data, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, pendingKey(job.Type), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	q.logger.Debugf("Enqueued %s job for machine %s", job.Type, job.MachineID)
	return nil
}

// Dequeue claims the next job for this worker, checking each pending list in
// dequeueOrder. It blocks briefly per list and returns
// context.DeadlineExceeded when every list is empty; callers loop and retry.
// BRPOPLPUSH moves the claimed job onto the worker's claimed list atomically.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	claimed := claimedKey(workerID)

	for _, t := range dequeueOrder {
		raw, err := q.client.BRPopLPush(ctx, pendingKey(t), claimed, 500*time.Millisecond).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // this list is empty, try the next
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to dequeue from %s: %w", pendingKey(t), err)
		}

		job, err := UnmarshalJob([]byte(raw))
		if err != nil {
			// Drop the malformed entry so it cannot wedge the claimed list.
			q.client.LRem(ctx, claimed, 1, raw)
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		return job, nil
	}

	return nil, context.DeadlineExceeded
}

// Complete releases a finished job from the worker's claimed list.
func (q *Queue) Complete(ctx context.Context, workerID string, job *Job) error {
	data, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal job for release: %w", err)
	}

	if err := q.client.LRem(ctx, claimedKey(workerID), 1, data).Err(); err != nil {
		return fmt.Errorf("failed to release job %s: %w", job.ID, err)
	}

	q.logger.Debugf("Completed %s job for machine %s", job.Type, job.MachineID)
	return nil
}

// Requeue releases a job from the claimed list and puts it back on its
// pending list with the retry count bumped.
func (q *Queue) Requeue(ctx context.Context, workerID string, job *Job) error {
	data, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LRem(ctx, claimedKey(workerID), 1, data).Err(); err != nil {
		q.logger.Warnf("Failed to release job %s before requeue: %v", job.ID, err)
	}

	job.Retries++
	return q.Enqueue(ctx, job)
}

// Fail discards a permanently failed job. The machine's status already
// carries the failure, so the job itself is just released.
func (q *Queue) Fail(ctx context.Context, workerID string, job *Job) error {
	return q.Complete(ctx, workerID, job)
}

// QueueLength is the number of pending jobs across all job types.
func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	var total int64
	for _, t := range dequeueOrder {
		n, err := q.client.LLen(ctx, pendingKey(t)).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
