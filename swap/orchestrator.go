package swap

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"swapflow/aggregator"
	"swapflow/chain"
	"swapflow/erc20"
	"swapflow/observability"
	"swapflow/purchase"
	"swapflow/signer"
)

// permitValidity is how long a signed permit stays acceptable to the router.
const permitValidity = 20 * time.Minute

// RouteClient fetches and encodes routes from the aggregator.
type RouteClient interface {
	GetRoute(ctx context.Context, tokenIn, tokenOut, amountIn string, chainID uint64) (aggregator.RouteSummary, error)
	BuildRoute(ctx context.Context, req aggregator.BuildRequest) (aggregator.BuiltRoute, error)
}

// AllowanceManager checks and grants ERC-20 spending rights.
type AllowanceManager interface {
	GetAllowance(ctx context.Context, token, owner, spender common.Address, chainID uint64) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int, chainID uint64, from common.Address) (common.Hash, error)
}

// PermitIssuer produces EIP-2612 permit calldata.
type PermitIssuer interface {
	SignPermit(ctx context.Context, token, owner, spender common.Address, value *big.Int, deadline int64, chainID uint64) (string, error)
}

// TxSimulator dry-runs the encoded transaction before broadcast.
type TxSimulator interface {
	Simulate(ctx context.Context, from, to common.Address, data []byte, value *big.Int, chainID uint64) chain.SimulationResult
}

// ReceiptWaiter blocks until a transaction is mined or the wait budget runs
// out.
type ReceiptWaiter interface {
	WaitForReceipt(ctx context.Context, txHash common.Hash, chainID uint64, maxWait, initialDelay, maxDelay time.Duration) (*chain.Receipt, error)
}

// SellScheduler manages the delayed auto-sell job attached to a purchase.
type SellScheduler interface {
	// Schedule enqueues (or replaces) the auto-sell job for the purchase and
	// returns the worker id of this scheduling.
	Schedule(ctx context.Context, p purchase.Purchase) (string, error)
	// Unschedule removes any pending auto-sell job for the buy hash.
	Unschedule(ctx context.Context, txHash string) error
}

// Deps are the collaborators the orchestrator drives. Routes and Wallet are
// required; the rest degrade gracefully when nil (no approvals, no
// simulation, no persistence).
type Deps struct {
	Routes     RouteClient
	Allowances AllowanceManager
	Permits    PermitIssuer
	Simulator  TxSimulator
	Wallet     signer.Signer
	Receipts   ReceiptWaiter
	Ledger     purchase.Ledger
	Scheduler  SellScheduler
}

// Orchestrator runs the swap pipeline: validate, authorise spending, build,
// simulate, broadcast, confirm.
type Orchestrator struct {
	deps Deps

	defaultSlippageBps int
	receiptMaxWait     time.Duration
	approvalMaxWait    time.Duration
	simulate           bool
	now                func() time.Time
	logger             *slog.Logger
	metrics            *observability.SwapMetrics
}

// Option customises the orchestrator instance.
type Option func(*Orchestrator)

// WithDefaultSlippage sets the slippage tolerance applied when a request
// does not carry its own.
func WithDefaultSlippage(bps int) Option {
	return func(o *Orchestrator) {
		if bps > 0 {
			o.defaultSlippageBps = bps
		}
	}
}

// WithReceiptWait bounds how long broadcast transactions are polled before
// the attempt resolves as pending.
func WithReceiptWait(maxWait time.Duration) Option {
	return func(o *Orchestrator) {
		if maxWait > 0 {
			o.receiptMaxWait = maxWait
		}
	}
}

// WithApprovalWait bounds how long approval transactions are polled.
func WithApprovalWait(maxWait time.Duration) Option {
	return func(o *Orchestrator) {
		if maxWait > 0 {
			o.approvalMaxWait = maxWait
		}
	}
}

// WithSimulation toggles the pre-broadcast dry run.
func WithSimulation(enabled bool) Option {
	return func(o *Orchestrator) { o.simulate = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New constructs the orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Routes == nil {
		return nil, fmt.Errorf("swap: route client required")
	}
	if deps.Wallet == nil {
		return nil, fmt.Errorf("swap: wallet required")
	}
	o := &Orchestrator{
		deps:               deps,
		defaultSlippageBps: 50,
		receiptMaxWait:     30 * time.Second,
		approvalMaxWait:    60 * time.Second,
		simulate:           true,
		now:                time.Now,
		logger:             slog.Default(),
		metrics:            observability.Swap(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// PurchaseRecord carries the metadata persisted alongside a successful buy
// so the auto-sell worker can later unwind it.
type PurchaseRecord struct {
	TokenSymbol       string
	TokenName         string
	TokenDecimals     int
	StablecoinAddress string
	StablecoinSymbol  string
	AutoSellDelay     time.Duration
}

// Request describes one swap to execute.
type Request struct {
	ChainID     uint64
	Wallet      common.Address
	Recipient   common.Address
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *big.Int
	SlippageBps int
	// UsePermit selects an EIP-2612 permit over an approval transaction
	// when the allowance is insufficient.
	UsePermit bool
	// Route reuses a previously fetched summary. Expired or absent routes
	// are re-fetched.
	Route *aggregator.RouteSummary
	// Record, when set, persists a purchase and schedules its auto-sell
	// once the transaction is broadcast. Sell legs leave it nil.
	Record *PurchaseRecord
}

// ExecuteSwap runs the full pipeline and reports the tagged outcome. It
// never returns a Go error: every failure mode is folded into the Result so
// callers branch on outcome, not on error shape.
func (o *Orchestrator) ExecuteSwap(ctx context.Context, req Request) Result {
	started := o.now()
	res := o.execute(ctx, req)
	o.metrics.ObserveSwap(string(res.Outcome), o.now().Sub(started))
	if res.Outcome == OutcomeFailed {
		o.metrics.RecordError(string(res.Stage))
		o.logger.Warn("swap failed",
			"stage", res.Stage,
			"reason", res.Reason,
			"tokenIn", req.TokenIn,
			"tokenOut", req.TokenOut,
			"chainId", req.ChainID)
	}
	return res
}

func (o *Orchestrator) execute(ctx context.Context, req Request) Result {
	if req.ChainID == 0 {
		return failed(StageValidate, "chain id required")
	}
	if req.Wallet == (common.Address{}) {
		return failed(StageValidate, "wallet address required")
	}
	if req.TokenIn == req.TokenOut {
		return failed(StageValidate, "token in and token out are identical")
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return failed(StageValidate, "amount in must be positive")
	}

	route, result, ok := o.freshRoute(ctx, req, req.Route)
	if !ok {
		return result
	}

	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = o.defaultSlippageBps
	}

	permit, deadline, result, ok := o.authoriseSpend(ctx, req, route)
	if !ok {
		return result
	}

	// An approval wait can outlive the quote; re-fetch rather than hand the
	// aggregator a stale summary.
	route, result, ok = o.freshRoute(ctx, req, route)
	if !ok {
		return result
	}

	built, err := o.deps.Routes.BuildRoute(ctx, aggregator.BuildRequest{
		Route:       *route,
		Sender:      hexAddress(req.Wallet),
		Recipient:   recipientAddress(req),
		Permit:      permit,
		Deadline:    deadline,
		SlippageBps: slippage,
		ChainID:     req.ChainID,
	})
	if err != nil {
		return failed(StageBuild, err.Error())
	}
	data, err := hexutil.Decode(built.Data)
	if err != nil {
		return failed(StageBuild, fmt.Sprintf("invalid calldata: %v", err))
	}
	value := big.NewInt(0)
	if strings.TrimSpace(built.TransactionValue) != "" {
		value, err = parseQuantity(built.TransactionValue)
		if err != nil {
			return failed(StageBuild, fmt.Sprintf("invalid transaction value: %v", err))
		}
	}
	router := common.HexToAddress(built.RouterAddress)

	if o.simulate && o.deps.Simulator != nil {
		sim := o.deps.Simulator.Simulate(ctx, req.Wallet, router, data, value, req.ChainID)
		if !sim.Success {
			return failed(StageSimulate, sim.RevertReason)
		}
	}

	gasLimit, err := BufferGasInt(built.Gas)
	if err != nil {
		return failed(StageBuild, err.Error())
	}

	txHash, err := o.deps.Wallet.SignAndSend(ctx, signer.TxRequest{
		From:     req.Wallet,
		To:       router,
		Data:     data,
		Value:    value,
		GasLimit: gasLimit,
		ChainID:  req.ChainID,
	})
	if err != nil {
		return failed(StageBroadcast, err.Error())
	}
	o.logger.Info("swap broadcast",
		"txHash", txHash,
		"tokenIn", req.TokenIn,
		"tokenOut", req.TokenOut,
		"amountIn", req.AmountIn.String(),
		"chainId", req.ChainID)

	// From here on the transaction is live: bookkeeping problems are logged,
	// never surfaced as a failed swap.
	o.recordPurchase(ctx, req, built, txHash)

	return o.awaitReceipt(ctx, req, txHash)
}

// freshRoute returns route when it is still within its TTL, fetching a new
// summary otherwise.
func (o *Orchestrator) freshRoute(ctx context.Context, req Request, route *aggregator.RouteSummary) (*aggregator.RouteSummary, Result, bool) {
	if route != nil && !route.IsExpired(o.now()) {
		return route, Result{}, true
	}
	if route != nil {
		o.logger.Debug("route expired, re-quoting", "tokenIn", req.TokenIn, "tokenOut", req.TokenOut)
	}
	fetched, err := o.deps.Routes.GetRoute(ctx, hexAddress(req.TokenIn), hexAddress(req.TokenOut), req.AmountIn.String(), req.ChainID)
	if err != nil {
		return nil, failed(StageRoute, err.Error()), false
	}
	return &fetched, Result{}, true
}

// authoriseSpend makes sure the router may pull TokenIn: native tokens need
// nothing, permit-capable flows sign an off-chain permit, and everything
// else falls back to an approval transaction that must confirm before the
// swap proceeds.
func (o *Orchestrator) authoriseSpend(ctx context.Context, req Request, route *aggregator.RouteSummary) (permit string, deadline int64, result Result, ok bool) {
	if erc20.IsNative(req.TokenIn) {
		return "", 0, Result{}, true
	}
	if o.deps.Allowances == nil {
		return "", 0, Result{}, true
	}
	spender := common.HexToAddress(route.RouterAddress)

	allowance, err := o.deps.Allowances.GetAllowance(ctx, req.TokenIn, req.Wallet, spender, req.ChainID)
	if err != nil {
		return "", 0, failed(StageAllowance, err.Error()), false
	}
	if allowance.Cmp(req.AmountIn) >= 0 {
		return "", 0, Result{}, true
	}

	if req.UsePermit && o.deps.Permits != nil {
		deadline = o.now().Add(permitValidity).Unix()
		permit, err = o.deps.Permits.SignPermit(ctx, req.TokenIn, req.Wallet, spender, req.AmountIn, deadline, req.ChainID)
		if err != nil {
			return "", 0, failed(StagePermit, err.Error()), false
		}
		return permit, deadline, Result{}, true
	}

	approveHash, err := o.deps.Allowances.Approve(ctx, req.TokenIn, spender, req.AmountIn, req.ChainID, req.Wallet)
	if err != nil {
		return "", 0, failed(StageAllowance, err.Error()), false
	}
	o.logger.Info("approval broadcast", "txHash", approveHash, "token", req.TokenIn, "spender", spender)
	if o.deps.Receipts == nil {
		return "", 0, Result{}, true
	}
	receipt, err := o.deps.Receipts.WaitForReceipt(ctx, approveHash, req.ChainID, o.approvalMaxWait, 0, 0)
	if err != nil {
		return "", 0, failed(StageAllowance, err.Error()), false
	}
	if receipt == nil {
		return "", 0, failed(StageAllowance, "approval not confirmed in time"), false
	}
	if !receipt.Status {
		return "", 0, failed(StageAllowance, "approval transaction reverted"), false
	}
	return "", 0, Result{}, true
}

// recordPurchase persists the buy and schedules its auto-sell.
func (o *Orchestrator) recordPurchase(ctx context.Context, req Request, built aggregator.BuiltRoute, txHash common.Hash) {
	if req.Record == nil || o.deps.Ledger == nil {
		return
	}
	now := o.now()
	p := purchase.Purchase{
		TxHash:            strings.ToLower(txHash.Hex()),
		TokenAddress:      hexAddress(req.TokenOut),
		TokenSymbol:       req.Record.TokenSymbol,
		TokenName:         req.Record.TokenName,
		TokenDecimals:     req.Record.TokenDecimals,
		StablecoinAddress: req.Record.StablecoinAddress,
		StablecoinSymbol:  req.Record.StablecoinSymbol,
		AmountIn:          req.AmountIn.String(),
		AmountOut:         built.AmountOut,
		ChainID:           req.ChainID,
		WalletAddress:     hexAddress(req.Wallet),
		PurchaseTime:      now,
		AutoSellTime:      now.Add(req.Record.AutoSellDelay),
		Status:            purchase.StatusPending,
	}
	if err := o.deps.Ledger.Create(ctx, p); err != nil {
		o.logger.Error("purchase record failed", "txHash", p.TxHash, "error", err)
		return
	}
	if o.deps.Scheduler == nil {
		return
	}
	workerID, err := o.deps.Scheduler.Schedule(ctx, p)
	if err != nil {
		o.logger.Error("auto-sell scheduling failed", "txHash", p.TxHash, "error", err)
		return
	}
	if err := o.deps.Ledger.UpdateWorkerID(ctx, p.TxHash, workerID); err != nil {
		o.logger.Error("worker id update failed", "txHash", p.TxHash, "error", err)
	}
}

// awaitReceipt resolves the broadcast transaction into the final outcome and
// moves any attached purchase along its lifecycle.
func (o *Orchestrator) awaitReceipt(ctx context.Context, req Request, txHash common.Hash) Result {
	if o.deps.Receipts == nil {
		return pending(txHash)
	}
	receipt, err := o.deps.Receipts.WaitForReceipt(ctx, txHash, req.ChainID, o.receiptMaxWait, 0, 0)
	if err != nil || receipt == nil {
		// Unknown outcome: the transaction may still confirm later.
		return pending(txHash)
	}
	key := strings.ToLower(txHash.Hex())
	if receipt.Status {
		if req.Record != nil && o.deps.Ledger != nil {
			if err := o.deps.Ledger.UpdateStatus(ctx, key, purchase.StatusHeld); err != nil {
				o.logger.Error("purchase hold failed", "txHash", key, "error", err)
			}
		}
		return confirmed(txHash, receipt.GasUsed)
	}
	// The buy never landed: nothing was purchased, so the record and its
	// auto-sell job are retired.
	if req.Record != nil && o.deps.Ledger != nil {
		if err := o.deps.Ledger.UpdateStatus(ctx, key, purchase.StatusCancelled); err != nil {
			o.logger.Error("purchase cancel failed", "txHash", key, "error", err)
		}
		if o.deps.Scheduler != nil {
			if err := o.deps.Scheduler.Unschedule(ctx, key); err != nil {
				o.logger.Error("auto-sell unschedule failed", "txHash", key, "error", err)
			}
		}
	}
	return reverted(txHash, receipt.GasUsed)
}

func hexAddress(addr common.Address) string { return strings.ToLower(addr.Hex()) }

func recipientAddress(req Request) string {
	if req.Recipient == (common.Address{}) {
		return hexAddress(req.Wallet)
	}
	return hexAddress(req.Recipient)
}
