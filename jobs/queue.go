// Package jobs implements a durable, delayed, uniquely-keyed job queue on
// top of BoltDB. Jobs survive process restart and are redelivered until a
// handler resolves them, so handlers must be idempotent.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketJobs = []byte("jobs")

// ErrNotFound is returned when no job exists for a key.
var ErrNotFound = errors.New("jobs: not found")

// permanentError marks a failure the queue must not retry.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue drops the job instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Job is one durable unit of work.
type Job struct {
	Key       string          `json:"key"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RunAt     time.Time       `json:"runAt"`
	Attempt   int             `json:"attempt"`
	WorkerID  string          `json:"workerId"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Handler executes a job. Returning nil or a Permanent error resolves the
// job; any other error re-queues it with backoff.
type Handler func(ctx context.Context, job Job) error

// Queue is the durable delayed job queue.
type Queue struct {
	db           *bolt.DB
	handlers     map[string]Handler
	backoffSeed  time.Duration
	backoffCap   time.Duration
	pollInterval time.Duration
	now          func() time.Time
	ready        func() bool
	logger       *slog.Logger
}

// QueueOption customises the queue instance.
type QueueOption func(*Queue)

// WithBackoff tunes the retry schedule: seed doubles per attempt up to cap.
func WithBackoff(seed, cap time.Duration) QueueOption {
	return func(q *Queue) {
		if seed > 0 {
			q.backoffSeed = seed
		}
		if cap > 0 {
			q.backoffCap = cap
		}
	}
}

// WithPollInterval tunes how often due jobs are scanned.
func WithPollInterval(interval time.Duration) QueueOption {
	return func(q *Queue) {
		if interval > 0 {
			q.pollInterval = interval
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithReadyGate installs a connectivity check; dispatch is skipped while it
// reports false.
func WithReadyGate(ready func() bool) QueueOption {
	return func(q *Queue) {
		if ready != nil {
			q.ready = ready
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// Open initialises the queue store at path.
func Open(path string, opts ...QueueOption) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("jobs: store path required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init job store: %w", err)
	}
	q := &Queue{
		db:           db,
		handlers:     make(map[string]Handler),
		backoffSeed:  20 * time.Minute,
		backoffCap:   6 * time.Hour,
		pollInterval: 30 * time.Second,
		now:          time.Now,
		ready:        func() bool { return true },
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Close releases the underlying store.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Register binds a handler to a job kind. Must be called before Run.
func (q *Queue) Register(kind string, handler Handler) {
	q.handlers[kind] = handler
}

// Enqueue stores a delayed job. Re-enqueueing an existing key replaces the
// pending job, so at most one job per key is ever outstanding. The returned
// worker id identifies this scheduling.
func (q *Queue) Enqueue(key, kind string, payload json.RawMessage, delay time.Duration) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("jobs: key required")
	}
	if _, ok := q.handlers[kind]; !ok {
		return "", fmt.Errorf("jobs: no handler registered for kind %q", kind)
	}
	now := q.now()
	job := Job{
		Key:       key,
		Kind:      kind,
		Payload:   payload,
		RunAt:     now.Add(delay),
		WorkerID:  uuid.NewString(),
		CreatedAt: now,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(key), raw)
	})
	if err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	return job.WorkerID, nil
}

// Cancel removes the pending job for key. Cancelling an absent key is a
// no-op.
func (q *Queue) Cancel(key string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(key))
	})
}

// Get loads the pending job for key.
func (q *Queue) Get(key string) (Job, error) {
	var job Job
	err := q.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketJobs).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &job)
	})
	return job, err
}

// Pending returns the number of outstanding jobs.
func (q *Queue) Pending() (int, error) {
	count := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketJobs).Stats().KeyN
		return nil
	})
	return count, err
}

// Run blocks, dispatching due jobs until the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !q.ready() {
				continue
			}
			if err := q.DispatchDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("job dispatch failed", "error", err)
			}
		}
	}
}

// DispatchDue runs every job whose RunAt has passed, applying the retry
// policy to failures. Exposed separately so restarts and tests can drain
// the queue deterministically.
func (q *Queue) DispatchDue(ctx context.Context) error {
	due, err := q.dueJobs()
	if err != nil {
		return err
	}
	for _, job := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.dispatch(ctx, job)
	}
	return nil
}

func (q *Queue) dueJobs() ([]Job, error) {
	now := q.now()
	var due []Job
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var job Job
			if err := json.Unmarshal(raw, &job); err != nil {
				return err
			}
			if !job.RunAt.After(now) {
				due = append(due, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	return due, nil
}

func (q *Queue) dispatch(ctx context.Context, job Job) {
	handler, ok := q.handlers[job.Kind]
	if !ok {
		q.logger.Error("no handler for job", "kind", job.Kind, "key", job.Key)
		_ = q.Cancel(job.Key)
		return
	}
	err := handler(ctx, job)
	switch {
	case err == nil:
		_ = q.Cancel(job.Key)
	case IsPermanent(err):
		q.logger.Error("job failed permanently", "key", job.Key, "error", err)
		_ = q.Cancel(job.Key)
	default:
		retry := job
		retry.Attempt++
		retry.RunAt = q.now().Add(q.backoff(retry.Attempt))
		q.logger.Warn("job failed, retrying", "key", job.Key, "attempt", retry.Attempt, "next", retry.RunAt, "error", err)
		raw, marshalErr := json.Marshal(retry)
		if marshalErr != nil {
			return
		}
		_ = q.db.Update(func(tx *bolt.Tx) error {
			// The job may have been cancelled while the handler ran;
			// do not resurrect it.
			if tx.Bucket(bucketJobs).Get([]byte(job.Key)) == nil {
				return nil
			}
			return tx.Bucket(bucketJobs).Put([]byte(job.Key), raw)
		})
	}
}

// backoff doubles the seed per attempt, capped.
func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.backoffSeed
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.backoffCap {
			return q.backoffCap
		}
	}
	if delay > q.backoffCap {
		return q.backoffCap
	}
	return delay
}
