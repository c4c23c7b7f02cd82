package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ReceiptFetcher is the surface the poller needs from the RPC client.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, chainID uint64, txHash common.Hash) (*Receipt, error)
}

// Poller waits for on-chain confirmation with bounded exponential backoff.
type Poller struct {
	fetcher ReceiptFetcher
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// PollerOption customises the poller instance.
type PollerOption func(*Poller)

// WithPollerClock overrides the time source.
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPollerSleep overrides the delay primitive.
func WithPollerSleep(sleep func(ctx context.Context, d time.Duration) error) PollerOption {
	return func(p *Poller) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// NewPoller constructs a receipt poller over the provided fetcher.
func NewPoller(fetcher ReceiptFetcher, opts ...PollerOption) *Poller {
	p := &Poller{
		fetcher: fetcher,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
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

// WaitForReceipt polls until the transaction is mined or maxWait elapses.
// A nil receipt with nil error means the transaction is still pending; the
// caller must treat that as "unknown outcome", not as failure. Transient
// fetch errors are absorbed and retried within the same deadline.
func (p *Poller) WaitForReceipt(ctx context.Context, txHash common.Hash, chainID uint64, maxWait, initialDelay, maxDelay time.Duration) (*Receipt, error) {
	if initialDelay <= 0 {
		initialDelay = 500 * time.Millisecond
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	start := p.now()
	delay := initialDelay
	for {
		receipt, err := p.fetcher.TransactionReceipt(ctx, chainID, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		elapsed := p.now().Sub(start)
		remaining := maxWait - elapsed
		if remaining <= 0 {
			return nil, nil
		}
		wait := delay
		if wait > remaining {
			wait = remaining
		}
		if err := p.sleep(ctx, wait); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
