package swap

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"swapflow/aggregator"
	"swapflow/chain"
	"swapflow/purchase"
	"swapflow/signer"
)

var (
	testWallet   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTokenIn  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testTokenOut = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testRouter   = common.HexToAddress("0x4444444444444444444444444444444444444444")
	testBuyHash  = common.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000000001")
)

type fakeRoutes struct {
	route      aggregator.RouteSummary
	routeErr   error
	built      aggregator.BuiltRoute
	buildErr   error
	getCalls   int
	buildCalls int
	lastBuild  aggregator.BuildRequest
}

func (f *fakeRoutes) GetRoute(ctx context.Context, tokenIn, tokenOut, amountIn string, chainID uint64) (aggregator.RouteSummary, error) {
	f.getCalls++
	return f.route, f.routeErr
}

func (f *fakeRoutes) BuildRoute(ctx context.Context, req aggregator.BuildRequest) (aggregator.BuiltRoute, error) {
	f.buildCalls++
	f.lastBuild = req
	return f.built, f.buildErr
}

type fakeAllowances struct {
	allowance    *big.Int
	approveHash  common.Hash
	approveCalls int
	lastSpender  common.Address
	lastAmount   *big.Int
}

func (f *fakeAllowances) GetAllowance(ctx context.Context, token, owner, spender common.Address, chainID uint64) (*big.Int, error) {
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeAllowances) Approve(ctx context.Context, token, spender common.Address, amount *big.Int, chainID uint64, from common.Address) (common.Hash, error) {
	f.approveCalls++
	f.lastSpender = spender
	f.lastAmount = new(big.Int).Set(amount)
	return f.approveHash, nil
}

type fakePermits struct {
	permit string
	calls  int
}

func (f *fakePermits) SignPermit(ctx context.Context, token, owner, spender common.Address, value *big.Int, deadline int64, chainID uint64) (string, error) {
	f.calls++
	return f.permit, nil
}

type fakeSimulator struct {
	result chain.SimulationResult
	calls  int
}

func (f *fakeSimulator) Simulate(ctx context.Context, from, to common.Address, data []byte, value *big.Int, chainID uint64) chain.SimulationResult {
	f.calls++
	return f.result
}

type fakeReceipts struct {
	receipts map[common.Hash]*chain.Receipt
	calls    int
}

func (f *fakeReceipts) WaitForReceipt(ctx context.Context, txHash common.Hash, chainID uint64, maxWait, initialDelay, maxDelay time.Duration) (*chain.Receipt, error) {
	f.calls++
	return f.receipts[txHash], nil
}

type fakeScheduler struct {
	scheduled   []purchase.Purchase
	unscheduled []string
	workerID    string
}

func (f *fakeScheduler) Schedule(ctx context.Context, p purchase.Purchase) (string, error) {
	f.scheduled = append(f.scheduled, p)
	return f.workerID, nil
}

func (f *fakeScheduler) Unschedule(ctx context.Context, txHash string) error {
	f.unscheduled = append(f.unscheduled, txHash)
	return nil
}

// memLedger is an in-memory purchase.Ledger for pipeline tests.
type memLedger struct {
	mu        sync.Mutex
	purchases map[string]purchase.Purchase
}

func newMemLedger() *memLedger {
	return &memLedger{purchases: make(map[string]purchase.Purchase)}
}

func (l *memLedger) Create(ctx context.Context, p purchase.Purchase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purchases[strings.ToLower(p.TxHash)] = p
	return nil
}

func (l *memLedger) Get(ctx context.Context, txHash string) (purchase.Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.purchases[strings.ToLower(txHash)]
	if !ok {
		return purchase.Purchase{}, purchase.ErrNotFound
	}
	return p, nil
}

func (l *memLedger) UpdateStatus(ctx context.Context, txHash string, next purchase.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := strings.ToLower(txHash)
	p, ok := l.purchases[key]
	if !ok {
		return purchase.ErrNotFound
	}
	if !p.Status.CanTransitionTo(next) {
		return purchase.ErrInvalidTransition
	}
	p.Status = next
	l.purchases[key] = p
	return nil
}

func (l *memLedger) UpdateSold(ctx context.Context, txHash, sellTxHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := strings.ToLower(txHash)
	p, ok := l.purchases[key]
	if !ok {
		return purchase.ErrNotFound
	}
	if p.Status != purchase.StatusSelling {
		return purchase.ErrInvalidTransition
	}
	p.Status = purchase.StatusSold
	p.SellTxHash = strings.ToLower(sellTxHash)
	l.purchases[key] = p
	return nil
}

func (l *memLedger) UpdateWorkerID(ctx context.Context, txHash, workerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := strings.ToLower(txHash)
	p, ok := l.purchases[key]
	if !ok {
		return purchase.ErrNotFound
	}
	p.WorkerID = workerID
	l.purchases[key] = p
	return nil
}

func (l *memLedger) ListByStatus(ctx context.Context, statuses ...purchase.Status) ([]purchase.Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []purchase.Purchase
	for _, p := range l.purchases {
		for _, s := range statuses {
			if p.Status == s {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (l *memLedger) ListDue(ctx context.Context, now time.Time) ([]purchase.Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []purchase.Purchase
	for _, p := range l.purchases {
		if (p.Status == purchase.StatusHeld || p.Status == purchase.StatusRetrying) && !p.AutoSellTime.After(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

var _ purchase.Ledger = (*memLedger)(nil)

type harness struct {
	routes     *fakeRoutes
	allowances *fakeAllowances
	permits    *fakePermits
	simulator  *fakeSimulator
	receipts   *fakeReceipts
	scheduler  *fakeScheduler
	ledger     *memLedger
	wallet     *countingWallet
	now        time.Time
}

type countingWallet struct {
	hash  common.Hash
	calls int
	last  signer.TxRequest
}

func (w *countingWallet) SignAndSend(ctx context.Context, req signer.TxRequest) (common.Hash, error) {
	w.calls++
	w.last = req
	return w.hash, nil
}

func (w *countingWallet) SignTypedData(ctx context.Context, owner common.Address, typedDataJSON []byte) (string, error) {
	return "", nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Unix(1_700_000_000, 0).UTC()
	return &harness{
		routes: &fakeRoutes{
			route: aggregator.RouteSummary{
				TokenIn:       strings.ToLower(testTokenIn.Hex()),
				TokenOut:      strings.ToLower(testTokenOut.Hex()),
				AmountIn:      "1000",
				AmountOut:     "2500",
				Gas:           "210000",
				RouterAddress: testRouter.Hex(),
				Raw:           json.RawMessage(`{"routeID":"r-1","checksum":"c-1"}`),
				FetchedAt:     now,
			},
			built: aggregator.BuiltRoute{
				AmountIn:      "1000",
				AmountOut:     "2500",
				Gas:           "210000",
				Data:          "0xdeadbeef",
				RouterAddress: testRouter.Hex(),
			},
		},
		allowances: &fakeAllowances{allowance: big.NewInt(1_000_000)},
		permits:    &fakePermits{permit: "0xpermitblob"},
		simulator:  &fakeSimulator{result: chain.SimulationResult{Success: true}},
		receipts: &fakeReceipts{receipts: map[common.Hash]*chain.Receipt{
			testBuyHash: {TxHash: testBuyHash, Status: true, GasUsed: 180_000},
		}},
		scheduler: &fakeScheduler{workerID: "worker-1"},
		ledger:    newMemLedger(),
		wallet:    &countingWallet{hash: testBuyHash},
		now:       now,
	}
}

func (h *harness) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{WithClock(func() time.Time { return h.now }), WithSimulation(true)}
	o, err := New(Deps{
		Routes:     h.routes,
		Allowances: h.allowances,
		Permits:    h.permits,
		Simulator:  h.simulator,
		Wallet:     h.wallet,
		Receipts:   h.receipts,
		Ledger:     h.ledger,
		Scheduler:  h.scheduler,
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func buyRequest() Request {
	return Request{
		ChainID:  1,
		Wallet:   testWallet,
		TokenIn:  testTokenIn,
		TokenOut: testTokenOut,
		AmountIn: big.NewInt(1000),
		Record: &PurchaseRecord{
			TokenSymbol:       "TKN",
			TokenName:         "Token",
			TokenDecimals:     18,
			StablecoinAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
			StablecoinSymbol:  "USDC",
			AutoSellDelay:     24 * time.Hour,
		},
	}
}

func TestExecuteSwapConfirmedRecordsPurchase(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	res := o.ExecuteSwap(context.Background(), buyRequest())
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("outcome %s (%s: %s)", res.Outcome, res.Stage, res.Reason)
	}
	if res.TxHash != testBuyHash || res.GasUsed != 180_000 {
		t.Fatalf("result %+v", res)
	}
	if h.wallet.calls != 1 {
		t.Fatalf("wallet calls %d", h.wallet.calls)
	}
	if h.simulator.calls != 1 {
		t.Fatalf("simulator calls %d", h.simulator.calls)
	}

	p, err := h.ledger.Get(context.Background(), testBuyHash.Hex())
	if err != nil {
		t.Fatalf("purchase not recorded: %v", err)
	}
	if p.Status != purchase.StatusHeld {
		t.Fatalf("purchase status %s, want HELD", p.Status)
	}
	if p.WorkerID != "worker-1" {
		t.Fatalf("worker id %q", p.WorkerID)
	}
	if !p.AutoSellTime.Equal(h.now.Add(24 * time.Hour)) {
		t.Fatalf("auto-sell time %v", p.AutoSellTime)
	}
	if len(h.scheduler.scheduled) != 1 {
		t.Fatalf("scheduled %d jobs", len(h.scheduler.scheduled))
	}
}

func TestExecuteSwapBuffersGasAndPassesSummary(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	res := o.ExecuteSwap(context.Background(), buyRequest())
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("outcome %s (%s)", res.Outcome, res.Reason)
	}
	// 210000 * 1.5 = 315000
	if h.wallet.last.GasLimit.Cmp(big.NewInt(315_000)) != 0 {
		t.Fatalf("gas limit %s", h.wallet.last.GasLimit)
	}
	if h.wallet.last.To != testRouter {
		t.Fatalf("tx to %s", h.wallet.last.To)
	}
	if string(h.routes.lastBuild.Route.Raw) != `{"routeID":"r-1","checksum":"c-1"}` {
		t.Fatalf("summary altered: %s", h.routes.lastBuild.Route.Raw)
	}
	if h.routes.lastBuild.Recipient != strings.ToLower(testWallet.Hex()) {
		t.Fatalf("recipient %q", h.routes.lastBuild.Recipient)
	}
}

func TestExecuteSwapValidationFailures(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	ctx := context.Background()

	same := buyRequest()
	same.TokenOut = same.TokenIn
	if res := o.ExecuteSwap(ctx, same); res.Outcome != OutcomeFailed || res.Stage != StageValidate {
		t.Fatalf("same-token result %+v", res)
	}

	zero := buyRequest()
	zero.AmountIn = big.NewInt(0)
	if res := o.ExecuteSwap(ctx, zero); res.Outcome != OutcomeFailed || res.Stage != StageValidate {
		t.Fatalf("zero-amount result %+v", res)
	}

	if h.wallet.calls != 0 {
		t.Fatalf("nothing should be broadcast, calls=%d", h.wallet.calls)
	}
}

func TestExecuteSwapApprovesWhenAllowanceShort(t *testing.T) {
	h := newHarness(t)
	h.allowances.allowance = big.NewInt(10)
	approveHash := common.HexToHash("0xbbbb000000000000000000000000000000000000000000000000000000000002")
	h.allowances.approveHash = approveHash
	h.receipts.receipts[approveHash] = &chain.Receipt{TxHash: approveHash, Status: true}
	o := h.orchestrator(t)

	res := o.ExecuteSwap(context.Background(), buyRequest())
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("outcome %s (%s: %s)", res.Outcome, res.Stage, res.Reason)
	}
	if h.allowances.approveCalls != 1 {
		t.Fatalf("approve calls %d", h.allowances.approveCalls)
	}
	if h.allowances.lastSpender != testRouter {
		t.Fatalf("approve spender %s", h.allowances.lastSpender)
	}
	if h.allowances.lastAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("approve amount %s", h.allowances.lastAmount)
	}
	if h.permits.calls != 0 {
		t.Fatalf("permit should not be used")
	}
}

func TestExecuteSwapPermitSkipsApproval(t *testing.T) {
	h := newHarness(t)
	h.allowances.allowance = big.NewInt(0)
	o := h.orchestrator(t)

	req := buyRequest()
	req.UsePermit = true
	res := o.ExecuteSwap(context.Background(), req)
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("outcome %s (%s: %s)", res.Outcome, res.Stage, res.Reason)
	}
	if h.permits.calls != 1 {
		t.Fatalf("permit calls %d", h.permits.calls)
	}
	if h.allowances.approveCalls != 0 {
		t.Fatalf("approve should be skipped, calls=%d", h.allowances.approveCalls)
	}
	if h.routes.lastBuild.Permit != "0xpermitblob" {
		t.Fatalf("permit not forwarded: %q", h.routes.lastBuild.Permit)
	}
	if h.routes.lastBuild.Deadline != h.now.Add(permitValidity).Unix() {
		t.Fatalf("deadline %d", h.routes.lastBuild.Deadline)
	}
}

func TestExecuteSwapSufficientAllowanceSkipsPermit(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	req := buyRequest()
	req.UsePermit = true
	res := o.ExecuteSwap(context.Background(), req)
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("outcome %s", res.Outcome)
	}
	if h.permits.calls != 0 || h.allowances.approveCalls != 0 {
		t.Fatalf("no authorisation needed: permits=%d approves=%d", h.permits.calls, h.allowances.approveCalls)
	}
}

func TestExecuteSwapSimulationRevertAborts(t *testing.T) {
	h := newHarness(t)
	h.simulator.result = chain.SimulationResult{Success: false, RevertReason: "Insufficient liquidity"}
	o := h.orchestrator(t)

	res := o.ExecuteSwap(context.Background(), buyRequest())
	if res.Outcome != OutcomeFailed || res.Stage != StageSimulate {
		t.Fatalf("result %+v", res)
	}
	if res.Reason != "Insufficient liquidity" {
		t.Fatalf("reason %q", res.Reason)
	}
	if h.wallet.calls != 0 {
		t.Fatalf("reverted simulation must not broadcast, calls=%d", h.wallet.calls)
	}
	if _, err := h.ledger.Get(context.Background(), testBuyHash.Hex()); err != purchase.ErrNotFound {
		t.Fatalf("no purchase should exist, got %v", err)
	}
}

func TestExecuteSwapRevertedOnChainCancelsPurchase(t *testing.T) {
	h := newHarness(t)
	h.receipts.receipts[testBuyHash] = &chain.Receipt{TxHash: testBuyHash, Status: false, GasUsed: 90_000}
	o := h.orchestrator(t)

	res := o.ExecuteSwap(context.Background(), buyRequest())
	if res.Outcome != OutcomeReverted {
		t.Fatalf("outcome %s", res.Outcome)
	}
	p, err := h.ledger.Get(context.Background(), testBuyHash.Hex())
	if err != nil {
		t.Fatalf("get purchase: %v", err)
	}
	if p.Status != purchase.StatusCancelled {
		t.Fatalf("purchase status %s, want CANCELLED", p.Status)
	}
	if len(h.scheduler.unscheduled) != 1 {
		t.Fatalf("auto-sell job should be removed, unscheduled=%v", h.scheduler.unscheduled)
	}
}

func TestExecuteSwapPendingWhenReceiptTimesOut(t *testing.T) {
	h := newHarness(t)
	delete(h.receipts.receipts, testBuyHash)
	o := h.orchestrator(t)

	res := o.ExecuteSwap(context.Background(), buyRequest())
	if res.Outcome != OutcomePending {
		t.Fatalf("outcome %s", res.Outcome)
	}
	if res.TxHash != testBuyHash {
		t.Fatalf("tx hash %s", res.TxHash)
	}
	p, err := h.ledger.Get(context.Background(), testBuyHash.Hex())
	if err != nil {
		t.Fatalf("get purchase: %v", err)
	}
	if p.Status != purchase.StatusPending {
		t.Fatalf("purchase status %s, want PENDING", p.Status)
	}
}

func TestExecuteSwapRefetchesExpiredRoute(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	stale := h.routes.route
	stale.FetchedAt = h.now.Add(-time.Minute)
	req := buyRequest()
	req.Route = &stale

	res := o.ExecuteSwap(context.Background(), req)
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("outcome %s (%s)", res.Outcome, res.Reason)
	}
	if h.routes.getCalls != 1 {
		t.Fatalf("expired route must be re-fetched, getCalls=%d", h.routes.getCalls)
	}
}

func TestExecuteSwapReusesFreshRoute(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	fresh := h.routes.route
	req := buyRequest()
	req.Route = &fresh

	res := o.ExecuteSwap(context.Background(), req)
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("outcome %s", res.Outcome)
	}
	if h.routes.getCalls != 0 {
		t.Fatalf("fresh route should be reused, getCalls=%d", h.routes.getCalls)
	}
}

func TestExecuteSwapSellLegRecordsNothing(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	req := buyRequest()
	req.Record = nil
	res := o.ExecuteSwap(context.Background(), req)
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("outcome %s", res.Outcome)
	}
	if len(h.scheduler.scheduled) != 0 {
		t.Fatalf("sell legs must not schedule auto-sells")
	}
	if _, err := h.ledger.Get(context.Background(), testBuyHash.Hex()); err != purchase.ErrNotFound {
		t.Fatalf("sell legs must not create purchases, got %v", err)
	}
}
