package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"swapflow/cache"
)

// Client talks to the aggregator REST API and keeps short-lived route and
// quote caches in front of it.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	routes     *cache.TTLCache[RouteSummary]
	now        func() time.Time
}

// ClientOption customises the client instance.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClientID attaches a partner identifier to outbound requests.
func WithClientID(id string) ClientOption {
	return func(c *Client) { c.clientID = id }
}

// WithClock overrides the time source used for freshness checks.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient constructs an aggregator client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.routes = cache.New[RouteSummary](cache.WithClock[RouteSummary](c.now))
	return c
}

// InvalidateRoutes drops every cached route, e.g. on wallet reset.
func (c *Client) InvalidateRoutes() {
	c.routes.Clear()
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type routeData struct {
	RouteSummary  json.RawMessage `json:"routeSummary"`
	RouterAddress string          `json:"routerAddress"`
}

// routeSummaryFields is the subset of the opaque summary the client reads.
// The raw bytes are kept alongside so the checksum survives the round trip.
type routeSummaryFields struct {
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	AmountIn     string `json:"amountIn"`
	AmountOut    string `json:"amountOut"`
	AmountOutUsd string `json:"amountOutUsd"`
	Gas          string `json:"gas"`
	GasUsd       string `json:"gasUsd"`
	RouteID      string `json:"routeID"`
}

// GetRoute fetches the best route for the pair and amount, serving a cached
// summary when one is still inside its TTL.
func (c *Client) GetRoute(ctx context.Context, tokenIn, tokenOut, amountIn string, chainID uint64) (RouteSummary, error) {
	key := cache.Key(tokenIn, tokenOut, amountIn)
	if cached, ok := c.routes.Get(key); ok {
		return cached, nil
	}

	query := url.Values{}
	query.Set("tokenIn", tokenIn)
	query.Set("tokenOut", tokenOut)
	query.Set("amountIn", amountIn)
	query.Set("chainId", strconv.FormatUint(chainID, 10))

	var data routeData
	if err := c.get(ctx, "/routes?"+query.Encode(), &data); err != nil {
		return RouteSummary{}, err
	}
	if len(data.RouteSummary) == 0 {
		return RouteSummary{}, &APIError{Code: -1, Message: "empty route summary"}
	}
	var fields routeSummaryFields
	if err := json.Unmarshal(data.RouteSummary, &fields); err != nil {
		return RouteSummary{}, fmt.Errorf("decode route summary: %w", err)
	}
	summary := RouteSummary{
		TokenIn:       fields.TokenIn,
		TokenOut:      fields.TokenOut,
		AmountIn:      fields.AmountIn,
		AmountOut:     fields.AmountOut,
		AmountOutUsd:  fields.AmountOutUsd,
		Gas:           fields.Gas,
		GasUsd:        fields.GasUsd,
		RouteID:       fields.RouteID,
		RouterAddress: data.RouterAddress,
		Raw:           data.RouteSummary,
		FetchedAt:     c.now(),
	}
	c.routes.Put(key, summary, QuoteTTL)
	return summary, nil
}

// GetQuote fetches (or serves from cache) a quote for the pair and amount.
func (c *Client) GetQuote(ctx context.Context, tokenIn, tokenOut, amountIn string, chainID uint64) (Quote, error) {
	summary, err := c.GetRoute(ctx, tokenIn, tokenOut, amountIn, chainID)
	if err != nil {
		return Quote{}, err
	}
	return summary.Quote(), nil
}

// BuildRoute asks the aggregator to encode the swap transaction. Build
// failures are terminal for the attempt; the caller re-quotes rather than
// retrying the same summary.
func (c *Client) BuildRoute(ctx context.Context, req BuildRequest) (BuiltRoute, error) {
	if len(req.Route.Raw) == 0 {
		return BuiltRoute{}, fmt.Errorf("route summary required")
	}
	recipient := req.Recipient
	if strings.TrimSpace(recipient) == "" {
		recipient = req.Sender
	}
	body := map[string]interface{}{
		"routeSummary": req.Route.Raw,
		"sender":       req.Sender,
		"recipient":    recipient,
	}
	if req.SlippageBps > 0 {
		body["slippageTolerance"] = req.SlippageBps
	}
	if strings.TrimSpace(req.Permit) != "" {
		body["permit"] = req.Permit
	}
	if req.Deadline > 0 {
		body["deadline"] = req.Deadline
	}

	var built BuiltRoute
	if err := c.post(ctx, "/route/build", body, &built); err != nil {
		return BuiltRoute{}, err
	}
	if strings.TrimSpace(built.Data) == "" {
		return BuiltRoute{}, &APIError{Code: -1, Message: "build returned no calldata"}
	}
	return built, nil
}

// Tokens fetches one page of the tradable-token catalogue.
func (c *Client) Tokens(ctx context.Context, chainID uint64, page, pageSize int) ([]Token, error) {
	query := url.Values{}
	query.Set("chainId", strconv.FormatUint(chainID, 10))
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(pageSize))

	var data struct {
		Tokens []Token `json:"tokens"`
	}
	if err := c.get(ctx, "/tokens?"+query.Encode(), &data); err != nil {
		return nil, err
	}
	return data.Tokens, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.clientID != "" {
		req.Header.Set("X-Client-Id", c.clientID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("aggregator request: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return &APIError{Code: -1, Message: "empty response data"}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
