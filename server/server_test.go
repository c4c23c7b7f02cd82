package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"swapflow/aggregator"
	"swapflow/autosell"
	"swapflow/config"
	"swapflow/purchase"
	"swapflow/storage"
	"swapflow/swap"

	"github.com/ethereum/go-ethereum/common"
)

type stubSwaps struct {
	result swap.Result
	calls  int
	last   swap.Request
}

func (s *stubSwaps) ExecuteSwap(ctx context.Context, req swap.Request) swap.Result {
	s.calls++
	s.last = req
	return s.result
}

type stubQuotes struct {
	quote aggregator.Quote
	err   error
}

func (s *stubQuotes) GetQuote(ctx context.Context, tokenIn, tokenOut, amountIn string, chainID uint64) (aggregator.Quote, error) {
	return s.quote, s.err
}

type stubLifecycle struct {
	cancelErr error
	retryErr  error
	cancelled []string
	retried   []string
}

func (s *stubLifecycle) Cancel(ctx context.Context, txHash string) error {
	s.cancelled = append(s.cancelled, txHash)
	return s.cancelErr
}

func (s *stubLifecycle) Retry(ctx context.Context, txHash string) error {
	s.retried = append(s.retried, txHash)
	return s.retryErr
}

type stubPrefetcher struct {
	err    error
	chains []uint64
}

func (s *stubPrefetcher) Prefetch(ctx context.Context, chainIDs ...uint64) error {
	s.chains = chainIDs
	return s.err
}

type env struct {
	server     *Server
	store      *storage.Storage
	swaps      *stubSwaps
	quotes     *stubQuotes
	lifecycle  *stubLifecycle
	prefetcher *stubPrefetcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dsn, err := storage.FileDSN(filepath.Join(t.TempDir(), "swapflow.db"))
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	e := &env{
		store: store,
		swaps: &stubSwaps{result: swap.Result{
			Outcome: swap.OutcomeConfirmed,
			Stage:   swap.StageReceipt,
			TxHash:  common.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000000001"),
			GasUsed: 180_000,
		}},
		quotes:     &stubQuotes{},
		lifecycle:  &stubLifecycle{},
		prefetcher: &stubPrefetcher{},
	}
	e.server = New(Deps{
		Swaps:      e.swaps,
		Quotes:     e.quotes,
		Ledger:     store,
		Lifecycle:  e.lifecycle,
		Tokens:     store,
		Prefetcher: e.prefetcher,
		Chains: []config.Chain{
			{ChainID: 1, Name: "mainnet", RPCURL: "http://rpc", Stablecoin: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"},
			{ChainID: 137, Name: "polygon", RPCURL: "http://rpc2", Stablecoin: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174"},
		},
	}, WithAutoSellDelay(24*time.Hour))
	return e
}

func (e *env) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func validSwapBody() map[string]any {
	return map[string]any{
		"chainId":  1,
		"wallet":   "0x1111111111111111111111111111111111111111",
		"tokenIn":  "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
		"tokenOut": "0x2222222222222222222222222222222222222222",
		"amountIn": "1000000000000000000",
		"autoSell": true,
	}
}

func TestSwapEndpointExecutesWithRecord(t *testing.T) {
	e := newEnv(t)
	// Seed the catalogue so the record picks up metadata.
	_, err := e.store.BulkUpsertTokens(context.Background(), []aggregator.Token{
		{Address: "0x2222222222222222222222222222222222222222", Symbol: "TKN", Name: "Token", Decimals: 18, ChainID: 1},
		{Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "USDC", Name: "USD Coin", Decimals: 6, ChainID: 1},
	}, time.Now())
	if err != nil {
		t.Fatalf("seed tokens: %v", err)
	}

	rec := e.request(t, http.MethodPost, "/swaps", validSwapBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["outcome"] != "confirmed" {
		t.Fatalf("outcome %v", body["outcome"])
	}
	if e.swaps.calls != 1 {
		t.Fatalf("swap calls %d", e.swaps.calls)
	}
	got := e.swaps.last
	if got.AmountIn.String() != "1000000000000000000" {
		t.Fatalf("amount %s", got.AmountIn)
	}
	if got.Record == nil {
		t.Fatalf("auto-sell swap must carry a record")
	}
	if got.Record.TokenSymbol != "TKN" || got.Record.StablecoinSymbol != "USDC" {
		t.Fatalf("record %+v", got.Record)
	}
	if got.Record.AutoSellDelay != 24*time.Hour {
		t.Fatalf("delay %v", got.Record.AutoSellDelay)
	}
}

func TestSwapEndpointWithoutAutoSell(t *testing.T) {
	e := newEnv(t)
	body := validSwapBody()
	body["autoSell"] = false

	rec := e.request(t, http.MethodPost, "/swaps", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if e.swaps.last.Record != nil {
		t.Fatalf("record should be nil without autoSell")
	}
}

func TestSwapEndpointRejectsBadInput(t *testing.T) {
	e := newEnv(t)

	bad := validSwapBody()
	bad["wallet"] = "not-an-address"
	if rec := e.request(t, http.MethodPost, "/swaps", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad wallet status %d", rec.Code)
	}

	unknown := validSwapBody()
	unknown["chainId"] = 999
	if rec := e.request(t, http.MethodPost, "/swaps", unknown); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown chain status %d", rec.Code)
	}

	zero := validSwapBody()
	zero["amountIn"] = "0"
	if rec := e.request(t, http.MethodPost, "/swaps", zero); rec.Code != http.StatusBadRequest {
		t.Fatalf("zero amount status %d", rec.Code)
	}

	if e.swaps.calls != 0 {
		t.Fatalf("invalid requests must not execute, calls=%d", e.swaps.calls)
	}
}

func TestSwapEndpointMapsFailureStatus(t *testing.T) {
	e := newEnv(t)
	e.swaps.result = swap.Result{
		Outcome: swap.OutcomeFailed,
		Stage:   swap.StageSimulate,
		Reason:  "Insufficient liquidity",
	}
	body := validSwapBody()
	body["autoSell"] = false

	rec := e.request(t, http.MethodPost, "/swaps", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["reason"] != "Insufficient liquidity" {
		t.Fatalf("reason %v", got["reason"])
	}
}

func seedPurchase(t *testing.T, store *storage.Storage, txHash string, status purchase.Status) {
	t.Helper()
	err := store.Create(context.Background(), purchase.Purchase{
		TxHash:            txHash,
		TokenAddress:      "0x2222222222222222222222222222222222222222",
		TokenSymbol:       "TKN",
		TokenName:         "Token",
		TokenDecimals:     18,
		StablecoinAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		StablecoinSymbol:  "USDC",
		AmountIn:          "1000",
		AmountOut:         "2500",
		ChainID:           1,
		WalletAddress:     "0x1111111111111111111111111111111111111111",
		PurchaseTime:      time.Unix(1_700_000_000, 0),
		AutoSellTime:      time.Unix(1_700_086_400, 0),
		Status:            status,
	})
	if err != nil {
		t.Fatalf("seed purchase: %v", err)
	}
}

func TestGetPurchase(t *testing.T) {
	e := newEnv(t)
	seedPurchase(t, e.store, "0xabc1", purchase.StatusHeld)

	rec := e.request(t, http.MethodGet, "/purchases/0xabc1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "HELD" || body["tokenSymbol"] != "TKN" {
		t.Fatalf("body %v", body)
	}

	if rec := e.request(t, http.MethodGet, "/purchases/0xmissing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing purchase status %d", rec.Code)
	}
}

func TestListPurchasesFiltersStatus(t *testing.T) {
	e := newEnv(t)
	seedPurchase(t, e.store, "0xabc1", purchase.StatusHeld)
	seedPurchase(t, e.store, "0xabc2", purchase.StatusSold)

	rec := e.request(t, http.MethodGet, "/purchases?status=held", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	list, ok := body["purchases"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("purchases %v", body["purchases"])
	}

	rec = e.request(t, http.MethodGet, "/purchases", nil)
	body = decodeBody(t, rec)
	if list, _ := body["purchases"].([]any); len(list) != 2 {
		t.Fatalf("unfiltered list %v", body["purchases"])
	}
}

func TestCancelEndpoint(t *testing.T) {
	e := newEnv(t)
	seedPurchase(t, e.store, "0xabc1", purchase.StatusHeld)

	rec := e.request(t, http.MethodPost, "/purchases/0xabc1/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if len(e.lifecycle.cancelled) != 1 || e.lifecycle.cancelled[0] != "0xabc1" {
		t.Fatalf("cancelled %v", e.lifecycle.cancelled)
	}

	e.lifecycle.cancelErr = autosell.ErrNotCancellable
	if rec := e.request(t, http.MethodPost, "/purchases/0xabc1/cancel", nil); rec.Code != http.StatusConflict {
		t.Fatalf("conflict status %d", rec.Code)
	}

	e.lifecycle.cancelErr = purchase.ErrNotFound
	if rec := e.request(t, http.MethodPost, "/purchases/0xnone/cancel", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("not found status %d", rec.Code)
	}
}

func TestRetryEndpoint(t *testing.T) {
	e := newEnv(t)
	seedPurchase(t, e.store, "0xabc1", purchase.StatusHeld)

	if rec := e.request(t, http.MethodPost, "/purchases/0xabc1/retry", nil); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	e.lifecycle.retryErr = autosell.ErrNotRetryable
	if rec := e.request(t, http.MethodPost, "/purchases/0xabc1/retry", nil); rec.Code != http.StatusConflict {
		t.Fatalf("conflict status %d", rec.Code)
	}
}

func TestTokensEndpoint(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.BulkUpsertTokens(context.Background(), []aggregator.Token{
		{Address: "0x01", Symbol: "AAA", Name: "Alpha", Decimals: 18, ChainID: 1},
		{Address: "0x02", Symbol: "BBB", Name: "Beta", Decimals: 6, ChainID: 1},
	}, time.Now())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if rec := e.request(t, http.MethodGet, "/tokens", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing chainId status %d", rec.Code)
	}

	rec := e.request(t, http.MethodGet, "/tokens?chainId=1&page=1&pageSize=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if list, _ := body["tokens"].([]any); len(list) != 1 {
		t.Fatalf("tokens %v", body["tokens"])
	}
}

func TestPrefetchEndpoint(t *testing.T) {
	e := newEnv(t)

	rec := e.request(t, http.MethodPost, "/catalogue/prefetch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	// Defaults to every configured chain.
	if len(e.prefetcher.chains) != 2 {
		t.Fatalf("chains %v", e.prefetcher.chains)
	}

	e.prefetcher.err = errors.New("upstream unavailable")
	if rec := e.request(t, http.MethodPost, "/catalogue/prefetch", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("failed prefetch status %d", rec.Code)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	e := newEnv(t)
	e.quotes.quote = aggregator.Quote{
		TokenIn:   "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
		TokenOut:  "0x2222222222222222222222222222222222222222",
		AmountIn:  "1000",
		AmountOut: "2500",
		Timestamp: time.Unix(1_700_000_000, 0),
	}

	rec := e.request(t, http.MethodGet,
		"/quote?chainId=1&tokenIn=0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee&tokenOut=0x2222222222222222222222222222222222222222&amountIn=1000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["amountOut"] != "2500" {
		t.Fatalf("body %v", body)
	}

	e.quotes.err = &aggregator.APIError{Code: 4008, Message: "no route"}
	rec = e.request(t, http.MethodGet,
		"/quote?chainId=1&tokenIn=0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee&tokenOut=0x2222222222222222222222222222222222222222&amountIn=1000", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("api error status %d", rec.Code)
	}
}
