package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/telemetrygate/telemetrygate/errors"
)

// ResultsLimit bounds the results ring
const ResultsLimit = 100

// DefaultVisibilityTimeout is how long a popped job may sit in processing
// before the janitor hands it back to the pending list.
const DefaultVisibilityTimeout = 5 * time.Minute

// Options configures a Queue
type Options struct {
	Addr              string
	Password          string
	DB                int
	Prefix            string
	MaxRetries        int
	VisibilityTimeout time.Duration
}

// Queue is the Redis-backed job queue
type Queue struct {
	client     *redis.Client
	logger     *slog.Logger
	prefix     string
	maxRetries int
	visibility time.Duration
	now        func() time.Time
}

// New connects a Queue. The connection is verified with a ping.
func New(ctx context.Context, logger *slog.Logger, opts Options) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "New", "ping "+opts.Addr)
	}
	return NewWithClient(logger, client, opts), nil
}

// NewWithClient wraps an existing Redis client, mainly for tests
func NewWithClient(logger *slog.Logger, client *redis.Client, opts Options) *Queue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "telemetrygate"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Queue{
		client:     client,
		logger:     logger.With("component", "queue"),
		prefix:     prefix,
		maxRetries: maxRetries,
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *Queue) pendingKey() string    { return q.prefix + ":pending" }
func (q *Queue) claimKey() string      { return q.prefix + ":claimed" }
func (q *Queue) processingKey() string { return q.prefix + ":processing" }
func (q *Queue) failedKey() string     { return q.prefix + ":failed" }
func (q *Queue) resultsKey() string    { return q.prefix + ":results" }
func (q *Queue) statsKey() string      { return q.prefix + ":stats" }

// MaxRetries returns the configured retry budget
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Close releases the underlying connection
func (q *Queue) Close() error { return q.client.Close() }

// Healthy reports whether the backend answers a ping
func (q *Queue) Healthy(ctx context.Context) bool {
	return q.client.Ping(ctx).Err() == nil
}

// Enqueue pushes a job to the tail of the pending list. Missing ids and
// timestamps are filled in.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = StatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return errors.WrapInvalid(err, "queue", "Enqueue", "encode job "+job.ID)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.pendingKey(), data)
	pipe.HIncrBy(ctx, q.statsKey(), "total_enqueued", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "Enqueue", "push job "+job.ID)
	}
	q.logger.Debug("job enqueued", "job_id", job.ID, "gateway_id", job.GatewayID)
	return nil
}

// Pop atomically moves the head of the pending list into the processing set
// and returns it, or nil when the queue is empty. The raw payload passes
// through a claim list so a crash between the move and the bookkeeping never
// loses the job.
func (q *Queue) Pop(ctx context.Context) (*Job, error) {
	raw, err := q.client.LMove(ctx, q.pendingKey(), q.claimKey(), "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "Pop", "move to claim")
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.client.LRem(ctx, q.claimKey(), 1, raw)
		return nil, errors.WrapInvalid(err, "queue", "Pop", "decode job")
	}

	started := q.now().UTC()
	job.Status = StatusProcessing
	job.ProcessingStarted = &started

	data, err := json.Marshal(&job)
	if err != nil {
		return nil, errors.WrapInvalid(err, "queue", "Pop", "encode job "+job.ID)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.processingKey(), job.ID, data)
	pipe.LRem(ctx, q.claimKey(), 1, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "Pop", "record processing "+job.ID)
	}
	return &job, nil
}

// Complete removes a job from processing and prepends its record to the
// results ring. Calling it for a job no longer in processing is a no-op.
func (q *Queue) Complete(ctx context.Context, id string, result map[string]any) error {
	job, ok, err := q.takeProcessing(ctx, id)
	if err != nil || !ok {
		return err
	}

	done := q.now().UTC()
	job.Status = StatusCompleted
	job.CompletedAt = &done
	job.Result = result
	if job.ProcessingStarted != nil {
		job.ProcessingTimeMS = done.Sub(*job.ProcessingStarted).Milliseconds()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return errors.WrapInvalid(err, "queue", "Complete", "encode job "+id)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.resultsKey(), data)
	pipe.LTrim(ctx, q.resultsKey(), 0, ResultsLimit-1)
	pipe.HIncrBy(ctx, q.statsKey(), "total_processed", 1)
	pipe.HIncrBy(ctx, q.statsKey(), "processing_time_total_ms", job.ProcessingTimeMS)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "Complete", "record result "+id)
	}
	q.logger.Debug("job completed", "job_id", id, "processing_time_ms", job.ProcessingTimeMS)
	return nil
}

// Fail removes a job from processing and either re-queues it with an
// incremented retry counter or dead-letters it. nonRetryable forces an
// immediate dead-letter. Idempotent once the job has left processing.
func (q *Queue) Fail(ctx context.Context, id string, failure string, nonRetryable bool) error {
	job, ok, err := q.takeProcessing(ctx, id)
	if err != nil || !ok {
		return err
	}

	now := q.now().UTC()
	job.RetryCount++
	job.Error = failure

	if nonRetryable || job.RetryCount >= q.maxRetries {
		job.Status = StatusFailed
		job.FailedAt = &now
		data, err := json.Marshal(job)
		if err != nil {
			return errors.WrapInvalid(err, "queue", "Fail", "encode job "+id)
		}
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.failedKey(), id, data)
		pipe.HIncrBy(ctx, q.statsKey(), "total_failed", 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "Fail", "dead-letter "+id)
		}
		q.logger.Warn("job dead-lettered", "job_id", id, "retry_count", job.RetryCount, "error", failure)
		return nil
	}

	job.Status = StatusPending
	job.ProcessingStarted = nil
	data, err := json.Marshal(job)
	if err != nil {
		return errors.WrapInvalid(err, "queue", "Fail", "encode job "+id)
	}
	if err := q.client.RPush(ctx, q.pendingKey(), data).Err(); err != nil {
		return errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "Fail", "requeue "+id)
	}
	q.logger.Info("job requeued", "job_id", id, "retry_count", job.RetryCount, "error", failure)
	return nil
}

// takeProcessing atomically removes a job from the processing set. ok is
// false when the job already left it.
func (q *Queue) takeProcessing(ctx context.Context, id string) (*Job, bool, error) {
	raw, err := q.client.HGet(ctx, q.processingKey(), id).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "takeProcessing", "read "+id)
	}
	removed, err := q.client.HDel(ctx, q.processingKey(), id).Result()
	if err != nil {
		return nil, false, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "takeProcessing", "remove "+id)
	}
	if removed == 0 {
		return nil, false, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, errors.WrapInvalid(err, "queue", "takeProcessing", "decode "+id)
	}
	return &job, true, nil
}

// RetryFailed moves a dead-lettered job back to the pending list with a
// zeroed retry counter.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	raw, err := q.client.HGet(ctx, q.failedKey(), id).Result()
	if err == redis.Nil {
		return errors.ErrNotFound
	}
	if err != nil {
		return errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "RetryFailed", "read "+id)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return errors.WrapInvalid(err, "queue", "RetryFailed", "decode "+id)
	}
	job.Status = StatusPending
	job.RetryCount = 0
	job.Error = ""
	job.FailedAt = nil
	job.ProcessingStarted = nil

	data, err := json.Marshal(&job)
	if err != nil {
		return errors.WrapInvalid(err, "queue", "RetryFailed", "encode "+id)
	}
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.failedKey(), id)
	pipe.RPush(ctx, q.pendingKey(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "RetryFailed", "restore "+id)
	}
	q.logger.Info("dead-lettered job restored", "job_id", id)
	return nil
}

// FailedJobs returns the dead-letter set
func (q *Queue) FailedJobs(ctx context.Context) ([]Job, error) {
	entries, err := q.client.HGetAll(ctx, q.failedKey()).Result()
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "FailedJobs", "read dead-letter")
	}
	jobs := make([]Job, 0, len(entries))
	for id, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn("undecodable dead-letter entry", "job_id", id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Results returns the bounded results ring, most recent first
func (q *Queue) Results(ctx context.Context) ([]Job, error) {
	raws, err := q.client.LRange(ctx, q.resultsKey(), 0, ResultsLimit-1).Result()
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "Results", "read ring")
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ClearAll wipes every queue structure. Operator action only.
func (q *Queue) ClearAll(ctx context.Context) error {
	err := q.client.Del(ctx,
		q.pendingKey(), q.claimKey(), q.processingKey(),
		q.failedKey(), q.resultsKey(), q.statsKey()).Err()
	if err != nil {
		return errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "ClearAll", "delete keys")
	}
	q.logger.Warn("queue cleared")
	return nil
}

// Status reports structure sizes and counters
func (q *Queue) Status(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	processing := pipe.HLen(ctx, q.processingKey())
	failed := pipe.HLen(ctx, q.failedKey())
	results := pipe.LLen(ctx, q.resultsKey())
	stats := pipe.HGetAll(ctx, q.statsKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "Status", "read counters")
	}

	counters := stats.Val()
	out := &Stats{
		Pending:        pending.Val(),
		Processing:     processing.Val(),
		Failed:         failed.Val(),
		Results:        results.Val(),
		TotalEnqueued:  counterValue(counters, "total_enqueued"),
		TotalProcessed: counterValue(counters, "total_processed"),
		TotalFailed:    counterValue(counters, "total_failed"),
	}
	if out.TotalProcessed > 0 {
		out.ProcessingTimeAvg = float64(counterValue(counters, "processing_time_total_ms")) / float64(out.TotalProcessed)
	}
	return out, nil
}

// RequeueOrphans returns stuck work to the pending list: claim-list entries
// from crashed pops, and processing entries whose visibility window elapsed
// without a complete or fail.
func (q *Queue) RequeueOrphans(ctx context.Context) (int, error) {
	requeued := 0

	for {
		err := q.client.LMove(ctx, q.claimKey(), q.pendingKey(), "LEFT", "RIGHT").Err()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return requeued, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "RequeueOrphans", "drain claim list")
		}
		requeued++
	}

	entries, err := q.client.HGetAll(ctx, q.processingKey()).Result()
	if err != nil {
		return requeued, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "RequeueOrphans", "read processing")
	}
	cutoff := q.now().UTC().Add(-q.visibility)
	for id, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.ProcessingStarted != nil && job.ProcessingStarted.After(cutoff) {
			continue
		}
		removed, err := q.client.HDel(ctx, q.processingKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job.Status = StatusPending
		job.ProcessingStarted = nil
		data, err := json.Marshal(&job)
		if err != nil {
			continue
		}
		if err := q.client.RPush(ctx, q.pendingKey(), data).Err(); err != nil {
			return requeued, errors.WrapTransient(errors.ErrQueueUnavailable, "queue", "RequeueOrphans",
				fmt.Sprintf("requeue %s", id))
		}
		requeued++
		q.logger.Warn("orphaned job requeued", "job_id", id)
	}
	return requeued, nil
}

func counterValue(counters map[string]string, key string) int64 {
	var n int64
	fmt.Sscanf(counters[key], "%d", &n)
	return n
}
