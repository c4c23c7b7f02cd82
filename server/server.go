// Package server exposes the swap pipeline and purchase lifecycle over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swapflow/aggregator"
	"swapflow/autosell"
	"swapflow/config"
	"swapflow/purchase"
	"swapflow/swap"
)

// SwapService executes swaps.
type SwapService interface {
	ExecuteSwap(ctx context.Context, req swap.Request) swap.Result
}

// QuoteService prices a pair without executing.
type QuoteService interface {
	GetQuote(ctx context.Context, tokenIn, tokenOut, amountIn string, chainID uint64) (aggregator.Quote, error)
}

// Lifecycle handles user actions on scheduled auto-sells.
type Lifecycle interface {
	Cancel(ctx context.Context, txHash string) error
	Retry(ctx context.Context, txHash string) error
}

// TokenDirectory serves the locally synced token catalogue.
type TokenDirectory interface {
	ListTokens(ctx context.Context, chainID uint64, limit, offset int) ([]aggregator.Token, error)
	GetToken(ctx context.Context, chainID uint64, address string) (aggregator.Token, bool, error)
}

// Prefetcher refreshes the catalogue on demand.
type Prefetcher interface {
	Prefetch(ctx context.Context, chainIDs ...uint64) error
}

// Deps are the collaborators the server fronts.
type Deps struct {
	Swaps      SwapService
	Quotes     QuoteService
	Ledger     purchase.Ledger
	Lifecycle  Lifecycle
	Tokens     TokenDirectory
	Prefetcher Prefetcher
	Chains     []config.Chain
}

// Server is the HTTP front of swapflowd.
type Server struct {
	deps          Deps
	autoSellDelay time.Duration
	logger        *slog.Logger
	router        chi.Router
}

// Option customises the server instance.
type Option func(*Server)

// WithAutoSellDelay sets the default holding period applied to swaps that
// request an auto-sell without their own delay.
func WithAutoSellDelay(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.autoSellDelay = d
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs the server and mounts its routes.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:          deps,
		autoSellDelay: 24 * time.Hour,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/quote", s.handleQuote)
	r.Post("/swaps", s.handleSwap)
	r.Get("/purchases", s.handleListPurchases)
	r.Get("/purchases/{txHash}", s.handleGetPurchase)
	r.Post("/purchases/{txHash}/cancel", s.handleCancel)
	r.Post("/purchases/{txHash}/retry", s.handleRetry)
	r.Get("/tokens", s.handleTokens)
	r.Post("/catalogue/prefetch", s.handlePrefetch)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chainID, err := strconv.ParseUint(q.Get("chainId"), 10, 64)
	if err != nil || chainID == 0 {
		writeError(w, http.StatusBadRequest, "chainId required")
		return
	}
	tokenIn, tokenOut, amountIn := q.Get("tokenIn"), q.Get("tokenOut"), q.Get("amountIn")
	if !common.IsHexAddress(tokenIn) || !common.IsHexAddress(tokenOut) {
		writeError(w, http.StatusBadRequest, "tokenIn and tokenOut must be addresses")
		return
	}
	if _, ok := new(big.Int).SetString(amountIn, 10); !ok {
		writeError(w, http.StatusBadRequest, "amountIn must be a base-unit integer")
		return
	}
	quote, err := s.deps.Quotes.GetQuote(r.Context(), tokenIn, tokenOut, amountIn, chainID)
	if err != nil {
		var apiErr *aggregator.APIError
		if errors.As(err, &apiErr) {
			writeError(w, http.StatusBadGateway, apiErr.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "quote unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tokenIn":      quote.TokenIn,
		"tokenOut":     quote.TokenOut,
		"amountIn":     quote.AmountIn,
		"amountOut":    quote.AmountOut,
		"amountOutUsd": quote.AmountOutUsd,
		"gas":          quote.Gas,
		"gasUsd":       quote.GasUsd,
		"timestamp":    quote.Timestamp.UTC().Format(time.RFC3339),
	})
}

type swapRequest struct {
	ChainID       uint64 `json:"chainId"`
	Wallet        string `json:"wallet"`
	Recipient     string `json:"recipient"`
	TokenIn       string `json:"tokenIn"`
	TokenOut      string `json:"tokenOut"`
	AmountIn      string `json:"amountIn"`
	SlippageBps   int    `json:"slippageBps"`
	UsePermit     bool   `json:"usePermit"`
	AutoSell      bool   `json:"autoSell"`
	AutoSellDelay string `json:"autoSellDelay"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chain, ok := s.chain(req.ChainID)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown chain %d", req.ChainID))
		return
	}
	if !common.IsHexAddress(req.Wallet) || !common.IsHexAddress(req.TokenIn) || !common.IsHexAddress(req.TokenOut) {
		writeError(w, http.StatusBadRequest, "wallet, tokenIn, and tokenOut must be addresses")
		return
	}
	amount, ok := new(big.Int).SetString(req.AmountIn, 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "amountIn must be a positive base-unit integer")
		return
	}

	exec := swap.Request{
		ChainID:     req.ChainID,
		Wallet:      common.HexToAddress(req.Wallet),
		TokenIn:     common.HexToAddress(req.TokenIn),
		TokenOut:    common.HexToAddress(req.TokenOut),
		AmountIn:    amount,
		SlippageBps: req.SlippageBps,
		UsePermit:   req.UsePermit,
	}
	if common.IsHexAddress(req.Recipient) {
		exec.Recipient = common.HexToAddress(req.Recipient)
	}
	if req.AutoSell {
		record, err := s.buildRecord(r.Context(), req, chain)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		exec.Record = record
	}

	res := s.deps.Swaps.ExecuteSwap(r.Context(), exec)
	status := http.StatusOK
	if res.Outcome == swap.OutcomeFailed {
		status = http.StatusUnprocessableEntity
		if res.Stage == swap.StageValidate {
			status = http.StatusBadRequest
		}
	}
	body := map[string]any{
		"outcome": res.Outcome,
		"stage":   res.Stage,
	}
	if res.TxHash != (common.Hash{}) {
		body["txHash"] = res.TxHash.Hex()
	}
	if res.Reason != "" {
		body["reason"] = res.Reason
	}
	if res.GasUsed > 0 {
		body["gasUsed"] = res.GasUsed
	}
	writeJSON(w, status, body)
}

// buildRecord resolves the metadata persisted with an auto-sell purchase:
// the bought token from the local catalogue and the stablecoin from the
// chain's configuration.
func (s *Server) buildRecord(ctx context.Context, req swapRequest, chain config.Chain) (*swap.PurchaseRecord, error) {
	if !common.IsHexAddress(chain.Stablecoin) {
		return nil, fmt.Errorf("chain %d has no stablecoin configured", req.ChainID)
	}
	delay := s.autoSellDelay
	if strings.TrimSpace(req.AutoSellDelay) != "" {
		parsed, err := time.ParseDuration(req.AutoSellDelay)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid autoSellDelay %q", req.AutoSellDelay)
		}
		delay = parsed
	}
	record := &swap.PurchaseRecord{
		StablecoinAddress: strings.ToLower(chain.Stablecoin),
		StablecoinSymbol:  "USD",
		AutoSellDelay:     delay,
	}
	if token, ok, err := s.deps.Tokens.GetToken(ctx, req.ChainID, req.TokenOut); err == nil && ok {
		record.TokenSymbol = token.Symbol
		record.TokenName = token.Name
		record.TokenDecimals = token.Decimals
	}
	if stable, ok, err := s.deps.Tokens.GetToken(ctx, req.ChainID, chain.Stablecoin); err == nil && ok {
		record.StablecoinSymbol = stable.Symbol
	}
	return record, nil
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	statuses := parseStatuses(r.URL.Query().Get("status"))
	list, err := s.deps.Ledger.ListByStatus(r.Context(), statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list purchases failed")
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, p := range list {
		out = append(out, purchaseJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": out})
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Ledger.Get(r.Context(), chi.URLParam(r, "txHash"))
	if errors.Is(err, purchase.ErrNotFound) {
		writeError(w, http.StatusNotFound, "purchase not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load purchase failed")
		return
	}
	writeJSON(w, http.StatusOK, purchaseJSON(p))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	txHash := chi.URLParam(r, "txHash")
	err := s.deps.Lifecycle.Cancel(r.Context(), txHash)
	switch {
	case errors.Is(err, purchase.ErrNotFound):
		writeError(w, http.StatusNotFound, "purchase not found")
	case errors.Is(err, autosell.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel failed")
	default:
		s.respondWithPurchase(w, r, txHash)
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	txHash := chi.URLParam(r, "txHash")
	err := s.deps.Lifecycle.Retry(r.Context(), txHash)
	switch {
	case errors.Is(err, purchase.ErrNotFound):
		writeError(w, http.StatusNotFound, "purchase not found")
	case errors.Is(err, autosell.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "retry failed")
	default:
		s.respondWithPurchase(w, r, txHash)
	}
}

func (s *Server) respondWithPurchase(w http.ResponseWriter, r *http.Request, txHash string) {
	p, err := s.deps.Ledger.Get(r.Context(), txHash)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"txHash": strings.ToLower(txHash)})
		return
	}
	writeJSON(w, http.StatusOK, purchaseJSON(p))
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chainID, err := strconv.ParseUint(q.Get("chainId"), 10, 64)
	if err != nil || chainID == 0 {
		writeError(w, http.StatusBadRequest, "chainId required")
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	if pageSize < 1 || pageSize > 500 {
		pageSize = 100
	}
	tokens, err := s.deps.Tokens.ListTokens(r.Context(), chainID, pageSize, (page-1)*pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list tokens failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens, "page": page, "pageSize": pageSize})
}

type prefetchRequest struct {
	Chains []uint64 `json:"chains"`
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var req prefetchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	chains := req.Chains
	if len(chains) == 0 {
		for _, c := range s.deps.Chains {
			chains = append(chains, c.ChainID)
		}
	}
	if err := s.deps.Prefetcher.Prefetch(r.Context(), chains...); err != nil {
		s.logger.Error("prefetch failed", "error", err)
		writeError(w, http.StatusBadGateway, "prefetch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "synced", "chains": chains})
}

func (s *Server) chain(chainID uint64) (config.Chain, bool) {
	for _, c := range s.deps.Chains {
		if c.ChainID == chainID {
			return c, true
		}
	}
	return config.Chain{}, false
}

func parseStatuses(raw string) []purchase.Status {
	if strings.TrimSpace(raw) == "" {
		return []purchase.Status{
			purchase.StatusPending, purchase.StatusHeld, purchase.StatusSelling,
			purchase.StatusRetrying, purchase.StatusSold, purchase.StatusCancelled,
		}
	}
	var out []purchase.Status
	for _, part := range strings.Split(raw, ",") {
		status := purchase.Status(strings.ToUpper(strings.TrimSpace(part)))
		if status.Valid() {
			out = append(out, status)
		}
	}
	return out
}

func purchaseJSON(p purchase.Purchase) map[string]any {
	out := map[string]any{
		"txHash":            p.TxHash,
		"tokenAddress":      p.TokenAddress,
		"tokenSymbol":       p.TokenSymbol,
		"tokenName":         p.TokenName,
		"tokenDecimals":     p.TokenDecimals,
		"stablecoinAddress": p.StablecoinAddress,
		"stablecoinSymbol":  p.StablecoinSymbol,
		"amountIn":          p.AmountIn,
		"amountOut":         p.AmountOut,
		"chainId":           p.ChainID,
		"walletAddress":     p.WalletAddress,
		"purchaseTime":      p.PurchaseTime.UTC().Format(time.RFC3339),
		"autoSellTime":      p.AutoSellTime.UTC().Format(time.RFC3339),
		"status":            p.Status,
	}
	if p.SellTxHash != "" {
		out["sellTxHash"] = p.SellTxHash
	}
	if p.WorkerID != "" {
		out["workerId"] = p.WorkerID
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
