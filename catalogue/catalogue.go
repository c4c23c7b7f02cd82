// Package catalogue keeps the local tradable-token catalogue in sync with
// the aggregator's paginated listing.
package catalogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"swapflow/aggregator"
	"swapflow/observability"
)

// prefetchSlots bounds how many chains sync concurrently during a prefetch.
const prefetchSlots = 4

// TokenSource serves catalogue pages.
type TokenSource interface {
	Tokens(ctx context.Context, chainID uint64, page, pageSize int) ([]aggregator.Token, error)
}

// Store persists tokens and sync progress.
type Store interface {
	BulkUpsertTokens(ctx context.Context, tokens []aggregator.Token, refreshedAt time.Time) (int, error)
	LastRefreshed(ctx context.Context, chainID uint64) (time.Time, error)
	Checkpoint(ctx context.Context, chainID uint64) (page int, generation int64, ok bool, err error)
	SaveCheckpoint(ctx context.Context, chainID uint64, lastPage int, generation int64) error
}

// Syncer pulls catalogue pages in bounded batches so a large listing never
// holds a connection or transaction open for long.
type Syncer struct {
	source TokenSource
	store  Store

	pageSize     int
	batchPages   int
	pageAttempts int
	retryDelay   time.Duration
	freshness    time.Duration
	limiter      *rate.Limiter
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
	metrics      *observability.CatalogueMetrics

	mu          sync.Mutex
	prefetching bool
}

// SyncerOption customises the syncer instance.
type SyncerOption func(*Syncer)

// WithPageSize sets how many tokens one page requests.
func WithPageSize(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithBatchPages bounds how many pages one SyncBatch call fetches.
func WithBatchPages(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.batchPages = n
		}
	}
}

// WithPageAttempts bounds retries per page before the batch gives up.
func WithPageAttempts(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.pageAttempts = n
		}
	}
}

// WithPageDelay paces consecutive page fetches. Zero disables pacing.
func WithPageDelay(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.limiter = rate.NewLimiter(rate.Every(d), 1)
		} else {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
		}
	}
}

// WithRetryDelay sets the base delay between attempts on a failing page;
// attempt n waits n times this long.
func WithRetryDelay(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// WithFreshness sets how recently a chain must have synced for Prefetch to
// skip it.
func WithFreshness(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.freshness = d
		}
	}
}

// WithSyncerClock overrides the time source.
func WithSyncerClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSyncerSleep overrides the retry delay primitive.
func WithSyncerSleep(sleep func(ctx context.Context, d time.Duration) error) SyncerOption {
	return func(s *Syncer) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithSyncerLogger installs a custom logger.
func WithSyncerLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSyncer constructs a catalogue syncer.
func NewSyncer(source TokenSource, store Store, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		source:       source,
		store:        store,
		pageSize:     100,
		batchPages:   5,
		pageAttempts: 3,
		retryDelay:   500 * time.Millisecond,
		freshness:    5 * time.Minute,
		limiter:      rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		now:          time.Now,
		sleep:        sleepContext,
		logger:       slog.Default(),
		metrics:      observability.Catalogue(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SyncBatch fetches the next batch of pages for the chain, writes them in a
// single transaction, and advances the checkpoint. It reports whether the
// listing is exhausted. Failing mid-batch leaves the checkpoint untouched,
// so the next call resumes the same pages.
func (s *Syncer) SyncBatch(ctx context.Context, chainID uint64) (bool, error) {
	lastPage, generation, ok, err := s.store.Checkpoint(ctx, chainID)
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		lastPage, generation = 0, 1
	}

	var (
		collected []aggregator.Token
		page      = lastPage
		exhausted bool
	)
	for i := 0; i < s.batchPages; i++ {
		page = lastPage + i + 1
		if err := s.limiter.Wait(ctx); err != nil {
			return false, err
		}
		tokens, err := s.fetchPage(ctx, chainID, page)
		if err != nil {
			s.metrics.RecordPage("error")
			return false, fmt.Errorf("page %d: %w", page, err)
		}
		s.metrics.RecordPage("ok")
		collected = append(collected, tokens...)
		if len(tokens) < s.pageSize {
			exhausted = true
			break
		}
	}

	written, err := s.store.BulkUpsertTokens(ctx, collected, s.now())
	if err != nil {
		return false, fmt.Errorf("store tokens: %w", err)
	}
	s.metrics.AddTokens(written)

	checkpointPage := page
	if exhausted {
		// The pass is complete; the next one starts over.
		checkpointPage = 0
		generation++
	}
	if err := s.store.SaveCheckpoint(ctx, chainID, checkpointPage, generation); err != nil {
		return false, fmt.Errorf("save checkpoint: %w", err)
	}
	s.logger.Info("catalogue batch synced",
		"chainId", chainID,
		"throughPage", page,
		"tokens", written,
		"exhausted", exhausted)
	return exhausted, nil
}

// fetchPage retries a failing page with linearly growing delays before
// giving up.
func (s *Syncer) fetchPage(ctx context.Context, chainID uint64, page int) ([]aggregator.Token, error) {
	var lastErr error
	for attempt := 1; attempt <= s.pageAttempts; attempt++ {
		tokens, err := s.source.Tokens(ctx, chainID, page, s.pageSize)
		if err == nil {
			return tokens, nil
		}
		lastErr = err
		if attempt < s.pageAttempts {
			if err := s.sleep(ctx, time.Duration(attempt)*s.retryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// SyncAll drains the listing for one chain batch by batch.
func (s *Syncer) SyncAll(ctx context.Context, chainID uint64) error {
	for {
		done, err := s.SyncBatch(ctx, chainID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Prefetch warms the catalogue for every stale chain with its first page
// only, at most prefetchSlots chains at a time, so token lists render
// immediately while the checkpointed batch sync drains the rest of the
// listing. Only one prefetch runs per process; an overlapping request is a
// no-op skip, not an error.
func (s *Syncer) Prefetch(ctx context.Context, chainIDs ...uint64) error {
	s.mu.Lock()
	if s.prefetching {
		s.mu.Unlock()
		s.metrics.RecordPrefetch("skipped")
		s.logger.Info("catalogue prefetch already running")
		return nil
	}
	s.prefetching = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.prefetching = false
		s.mu.Unlock()
	}()

	var (
		wg   sync.WaitGroup
		sem  = make(chan struct{}, prefetchSlots)
		errs = make([]error, len(chainIDs))
	)
	for i, chainID := range chainIDs {
		refreshed, err := s.store.LastRefreshed(ctx, chainID)
		if err == nil && s.now().Sub(refreshed) < s.freshness {
			s.metrics.RecordPrefetch("fresh")
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, chainID uint64) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.prefetchChain(ctx, chainID); err != nil {
				s.metrics.RecordPrefetch("error")
				errs[i] = fmt.Errorf("chain %d: %w", chainID, err)
				return
			}
			s.metrics.RecordPrefetch("synced")
		}(i, chainID)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// prefetchChain fetches just the first page and leaves the checkpoint alone;
// the batch sync owns draining the listing.
func (s *Syncer) prefetchChain(ctx context.Context, chainID uint64) error {
	tokens, err := s.fetchPage(ctx, chainID, 1)
	if err != nil {
		return err
	}
	written, err := s.store.BulkUpsertTokens(ctx, tokens, s.now())
	if err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	s.metrics.AddTokens(written)
	s.logger.Info("catalogue prefetched", "chainId", chainID, "tokens", written)
	return nil
}
