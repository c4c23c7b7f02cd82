package autosell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"swapflow/jobs"
	"swapflow/observability"
	"swapflow/purchase"
	"swapflow/swap"
)

// SwapExecutor runs the sell leg through the same pipeline as buys.
type SwapExecutor interface {
	ExecuteSwap(ctx context.Context, req swap.Request) swap.Result
}

// Worker executes matured auto-sell jobs. Handlers are idempotent with
// respect to redelivery: the purchase lifecycle, not the queue, decides
// whether work remains.
type Worker struct {
	ledger   purchase.Ledger
	executor SwapExecutor
	receipts swap.ReceiptWaiter

	usePermit bool
	buyWait   time.Duration
	logger    *slog.Logger
	metrics   *observability.AutoSellMetrics
}

// WorkerOption customises the worker instance.
type WorkerOption func(*Worker)

// WithSellPermit makes sell legs authorise spending via EIP-2612 permits
// instead of approval transactions.
func WithSellPermit(enabled bool) WorkerOption {
	return func(w *Worker) { w.usePermit = enabled }
}

// WithBuyReceiptWait bounds how long the worker polls for a still-pending
// buy before giving the attempt back to the queue.
func WithBuyReceiptWait(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.buyWait = d
		}
	}
}

// WithWorkerLogger installs a custom logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker constructs the auto-sell worker.
func NewWorker(ledger purchase.Ledger, executor SwapExecutor, receipts swap.ReceiptWaiter, opts ...WorkerOption) *Worker {
	w := &Worker{
		ledger:   ledger,
		executor: executor,
		receipts: receipts,
		buyWait:  15 * time.Second,
		logger:   slog.Default(),
		metrics:  observability.AutoSell(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds the worker to the queue's auto-sell kind.
func (w *Worker) Register(queue *jobs.Queue) {
	queue.Register(JobKind, w.Handle)
}

// Handle runs one auto-sell attempt. Returning nil resolves the job; a
// plain error re-queues it with backoff; a Permanent error drops it.
func (w *Worker) Handle(ctx context.Context, job jobs.Job) error {
	p, err := w.ledger.Get(ctx, job.Key)
	if errors.Is(err, purchase.ErrNotFound) {
		w.metrics.RecordAttempt("orphaned")
		return jobs.Permanent(fmt.Errorf("purchase %s: %w", job.Key, err))
	}
	if err != nil {
		return fmt.Errorf("load purchase: %w", err)
	}
	if p.Status.Terminal() {
		return nil
	}

	if p.Status == purchase.StatusPending {
		p, err = w.resolvePendingBuy(ctx, p)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			w.metrics.RecordAttempt("buy_reverted")
			return nil
		}
	}

	if err := w.claim(ctx, &p); err != nil {
		return err
	}
	if p.Status.Terminal() {
		return nil
	}

	amount, integrityErr := w.validate(p)
	if integrityErr != nil {
		w.metrics.RecordAttempt("integrity")
		w.logger.Error("purchase failed integrity check", "txHash", p.TxHash, "error", integrityErr)
		if err := w.ledger.UpdateStatus(ctx, p.TxHash, purchase.StatusHeld); err != nil {
			w.logger.Error("revert to held failed", "txHash", p.TxHash, "error", err)
		}
		return jobs.Permanent(integrityErr)
	}

	res := w.executor.ExecuteSwap(ctx, swap.Request{
		ChainID:   p.ChainID,
		Wallet:    common.HexToAddress(p.WalletAddress),
		TokenIn:   common.HexToAddress(p.TokenAddress),
		TokenOut:  common.HexToAddress(p.StablecoinAddress),
		AmountIn:  amount,
		UsePermit: w.usePermit,
	})
	if res.Outcome == swap.OutcomeConfirmed {
		sellHash := strings.ToLower(res.TxHash.Hex())
		if err := w.ledger.UpdateSold(ctx, p.TxHash, sellHash); err != nil {
			// The sell is on-chain; dropping the job avoids selling twice.
			// The record stays SELLING for manual reconciliation.
			w.logger.Error("sold update failed", "txHash", p.TxHash, "sellTxHash", sellHash, "error", err)
			return jobs.Permanent(err)
		}
		w.metrics.RecordAttempt("sold")
		w.logger.Info("auto-sell completed", "txHash", p.TxHash, "sellTxHash", sellHash)
		return nil
	}

	// Reverted, pending, or failed: the purchase returns to HELD so the user
	// can still cancel while the queue backs off.
	if err := w.ledger.UpdateStatus(ctx, p.TxHash, purchase.StatusHeld); err != nil {
		w.logger.Error("revert to held failed", "txHash", p.TxHash, "error", err)
	}
	w.metrics.RecordAttempt("retry")
	return fmt.Errorf("sell %s at %s: %s", res.Outcome, res.Stage, res.Reason)
}

// resolvePendingBuy settles a purchase whose buy was broadcast but never
// confirmed before the process stopped.
func (w *Worker) resolvePendingBuy(ctx context.Context, p purchase.Purchase) (purchase.Purchase, error) {
	if w.receipts == nil {
		return p, fmt.Errorf("buy %s unconfirmed", p.TxHash)
	}
	receipt, err := w.receipts.WaitForReceipt(ctx, common.HexToHash(p.TxHash), p.ChainID, w.buyWait, 0, 0)
	if err != nil {
		return p, fmt.Errorf("buy receipt: %w", err)
	}
	if receipt == nil {
		return p, fmt.Errorf("buy %s still unconfirmed", p.TxHash)
	}
	if !receipt.Status {
		if err := w.ledger.UpdateStatus(ctx, p.TxHash, purchase.StatusCancelled); err != nil {
			return p, err
		}
		p.Status = purchase.StatusCancelled
		return p, nil
	}
	if err := w.ledger.UpdateStatus(ctx, p.TxHash, purchase.StatusHeld); err != nil {
		return p, err
	}
	p.Status = purchase.StatusHeld
	return p, nil
}

// claim moves the purchase to SELLING. A lost race against cancellation
// resolves the job; a half-claimed record from a crashed attempt is taken
// over.
func (w *Worker) claim(ctx context.Context, p *purchase.Purchase) error {
	err := w.ledger.UpdateStatus(ctx, p.TxHash, purchase.StatusSelling)
	if err == nil {
		p.Status = purchase.StatusSelling
		return nil
	}
	if !errors.Is(err, purchase.ErrInvalidTransition) {
		return fmt.Errorf("claim purchase: %w", err)
	}
	current, getErr := w.ledger.Get(ctx, p.TxHash)
	if getErr != nil {
		return getErr
	}
	*p = current
	switch {
	case current.Status.Terminal():
		return nil
	case current.Status == purchase.StatusSelling:
		return nil
	default:
		return jobs.Permanent(fmt.Errorf("purchase %s unclaimable from %s", p.TxHash, current.Status))
	}
}

// validate checks the fields the sell leg depends on. A purchase that fails
// here is corrupt and must never reach the wallet.
func (w *Worker) validate(p purchase.Purchase) (*big.Int, error) {
	if !common.IsHexAddress(p.WalletAddress) {
		return nil, fmt.Errorf("invalid wallet address %q", p.WalletAddress)
	}
	if !common.IsHexAddress(p.TokenAddress) {
		return nil, fmt.Errorf("invalid token address %q", p.TokenAddress)
	}
	if !common.IsHexAddress(p.StablecoinAddress) {
		return nil, fmt.Errorf("invalid stablecoin address %q", p.StablecoinAddress)
	}
	amount, ok := new(big.Int).SetString(p.AmountOut, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid sell amount %q", p.AmountOut)
	}
	return amount, nil
}
