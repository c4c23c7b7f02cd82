// Package autosell manages the delayed sell-back lifecycle of purchases:
// scheduling durable jobs, executing sells when they mature, and honouring
// user cancellations and retries.
package autosell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"swapflow/jobs"
	"swapflow/purchase"
)

// JobKind is the queue kind for auto-sell jobs.
const JobKind = "auto-sell"

// ErrNotCancellable is returned when the purchase is past the point where a
// user may cancel its auto-sell.
var ErrNotCancellable = errors.New("autosell: purchase can no longer be cancelled")

// ErrNotRetryable is returned when a retry is requested for a purchase in a
// terminal state.
var ErrNotRetryable = errors.New("autosell: purchase is terminal")

// Scheduler owns the mapping between purchases and their durable auto-sell
// jobs. Jobs are keyed by the buy transaction hash, so scheduling twice
// replaces rather than duplicates.
type Scheduler struct {
	queue  *jobs.Queue
	ledger purchase.Ledger
	now    func() time.Time
	logger *slog.Logger
}

// SchedulerOption customises the scheduler instance.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSchedulerLogger installs a custom logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler constructs a scheduler over the queue and ledger.
func NewScheduler(queue *jobs.Queue, ledger purchase.Ledger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:  queue,
		ledger: ledger,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule enqueues the auto-sell job for the purchase, replacing any
// pending job under the same hash. The returned worker id identifies this
// scheduling.
func (s *Scheduler) Schedule(ctx context.Context, p purchase.Purchase) (string, error) {
	delay := p.AutoSellTime.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	workerID, err := s.queue.Enqueue(jobKey(p.TxHash), JobKind, nil, delay)
	if err != nil {
		return "", fmt.Errorf("schedule auto-sell: %w", err)
	}
	s.logger.Info("auto-sell scheduled", "txHash", jobKey(p.TxHash), "runIn", delay, "workerId", workerID)
	return workerID, nil
}

// Unschedule drops any pending auto-sell job for the buy hash without
// touching the purchase record.
func (s *Scheduler) Unschedule(ctx context.Context, txHash string) error {
	return s.queue.Cancel(jobKey(txHash))
}

// Cancel performs a user cancellation: the purchase moves to CANCELLED and
// its job is removed. Only PENDING and HELD purchases may be cancelled; a
// sell already in flight cannot be recalled.
func (s *Scheduler) Cancel(ctx context.Context, txHash string) error {
	p, err := s.ledger.Get(ctx, txHash)
	if err != nil {
		return err
	}
	if !p.Status.CanCancel() {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, p.Status)
	}
	// The guarded status update is the authority; losing the race to a
	// concurrent transition surfaces as ErrInvalidTransition here.
	if err := s.ledger.UpdateStatus(ctx, txHash, purchase.StatusCancelled); err != nil {
		if errors.Is(err, purchase.ErrInvalidTransition) {
			return fmt.Errorf("%w: concurrent transition", ErrNotCancellable)
		}
		return err
	}
	if err := s.queue.Cancel(jobKey(txHash)); err != nil {
		return fmt.Errorf("drop auto-sell job: %w", err)
	}
	s.logger.Info("auto-sell cancelled", "txHash", jobKey(txHash))
	return nil
}

// Retry re-queues a non-terminal purchase for an immediate sell attempt,
// resetting it to HELD first so the worker claims it cleanly.
func (s *Scheduler) Retry(ctx context.Context, txHash string) error {
	p, err := s.ledger.Get(ctx, txHash)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return fmt.Errorf("%w: status %s", ErrNotRetryable, p.Status)
	}
	if p.Status != purchase.StatusHeld {
		if err := s.ledger.UpdateStatus(ctx, txHash, purchase.StatusHeld); err != nil {
			return fmt.Errorf("reset for retry: %w", err)
		}
	}
	workerID, err := s.queue.Enqueue(jobKey(txHash), JobKind, nil, 0)
	if err != nil {
		return fmt.Errorf("re-queue auto-sell: %w", err)
	}
	if err := s.ledger.UpdateWorkerID(ctx, txHash, workerID); err != nil {
		return err
	}
	s.logger.Info("auto-sell retry queued", "txHash", jobKey(txHash), "workerId", workerID)
	return nil
}

// Resync makes sure every live purchase still has a job after a restart,
// re-enqueueing any that were lost. It returns the number restored.
func (s *Scheduler) Resync(ctx context.Context) (int, error) {
	live, err := s.ledger.ListByStatus(ctx, purchase.StatusPending, purchase.StatusHeld, purchase.StatusRetrying)
	if err != nil {
		return 0, fmt.Errorf("list live purchases: %w", err)
	}
	restored := 0
	for _, p := range live {
		if _, err := s.queue.Get(jobKey(p.TxHash)); err == nil {
			continue
		} else if !errors.Is(err, jobs.ErrNotFound) {
			return restored, err
		}
		workerID, err := s.Schedule(ctx, p)
		if err != nil {
			return restored, err
		}
		if err := s.ledger.UpdateWorkerID(ctx, p.TxHash, workerID); err != nil {
			return restored, err
		}
		restored++
	}
	if restored > 0 {
		s.logger.Info("auto-sell jobs restored", "count", restored)
	}
	return restored, nil
}

func jobKey(txHash string) string {
	return strings.ToLower(strings.TrimSpace(txHash))
}
