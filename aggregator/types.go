// Package aggregator consumes the third-party liquidity aggregation API.
package aggregator

import (
	"encoding/json"
	"fmt"
	"time"

	"swapflow/cache"
)

// QuoteTTL is how long a fetched quote or route stays usable. Anything older
// must be re-fetched, never silently reused.
const QuoteTTL = cache.DefaultTTL

// APIError is an application-level aggregator failure: the HTTP exchange
// succeeded but the response carried a non-zero code or no data.
type APIError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("aggregator error %d: %s", e.Code, e.Message)
}

// Quote is an immutable point-in-time price. A stale quote is superseded by
// fetching a new one, never patched.
type Quote struct {
	TokenIn       string
	TokenOut      string
	AmountIn      string
	AmountOut     string
	AmountOutUsd  string
	Gas           string
	GasUsd        string
	RouterAddress string
	RouteID       string
	Timestamp     time.Time
}

// IsExpired reports whether the quote has outlived QuoteTTL at now.
func (q Quote) IsExpired(now time.Time) bool {
	return now.Sub(q.Timestamp) > QuoteTTL
}

// RouteSummary is the richer routing payload produced by the routes endpoint.
// Raw preserves the upstream bytes untouched: the build endpoint validates a
// checksum over them, so the summary must round-trip byte-identical.
type RouteSummary struct {
	TokenIn       string
	TokenOut      string
	AmountIn      string
	AmountOut     string
	AmountOutUsd  string
	Gas           string
	GasUsd        string
	RouteID       string
	RouterAddress string
	Raw           json.RawMessage
	FetchedAt     time.Time
}

// IsExpired reports whether the route has outlived QuoteTTL at now.
func (r RouteSummary) IsExpired(now time.Time) bool {
	return now.Sub(r.FetchedAt) > QuoteTTL
}

// Quote projects the summary onto the lighter quote value.
func (r RouteSummary) Quote() Quote {
	return Quote{
		TokenIn:       r.TokenIn,
		TokenOut:      r.TokenOut,
		AmountIn:      r.AmountIn,
		AmountOut:     r.AmountOut,
		AmountOutUsd:  r.AmountOutUsd,
		Gas:           r.Gas,
		GasUsd:        r.GasUsd,
		RouterAddress: r.RouterAddress,
		RouteID:       r.RouteID,
		Timestamp:     r.FetchedAt,
	}
}

// BuildRequest asks the aggregator to encode a swap transaction for a
// previously fetched route.
type BuildRequest struct {
	Route       RouteSummary
	Sender      string
	Recipient   string
	Permit      string
	Deadline    int64
	SlippageBps int
	ChainID     uint64
}

// BuiltRoute is the encoded transaction returned by the build endpoint.
type BuiltRoute struct {
	AmountIn         string `json:"amountIn"`
	AmountOut        string `json:"amountOut"`
	Gas              string `json:"gas"`
	GasUsd           string `json:"gasUsd"`
	Data             string `json:"data"`
	RouterAddress    string `json:"routerAddress"`
	TransactionValue string `json:"transactionValue"`
}

// Token is one entry of the tradable-token catalogue.
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	ChainID  uint64 `json:"chainId"`
	LogoURI  string `json:"logoURI"`
}
