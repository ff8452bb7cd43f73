// File: pkg/broker/upbit/uclient.go
package upbit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eogh234/auto-coin/utilities"

	"golang.org/x/time/rate"
)

// Client is a thin REST client for the Upbit API. Private endpoints are
// authenticated with a per-request JWT; all requests share one rate limiter.
type Client struct {
	BaseURL    string
	AccessKey  string
	SecretKey  string
	HTTPClient *http.Client
	Logger     *utilities.Logger

	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
}

const defaultBaseURL = "https://api.upbit.com"

func NewClient(cfg *utilities.UpbitConfig, httpClient *http.Client, logger *utilities.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	limit := cfg.RateLimitPerSec
	if limit <= 0 {
		limit = 8
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 5
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	retryDelay := time.Duration(cfg.RetryDelaySec) * time.Second
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}

	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		HTTPClient: httpClient,
		Logger:     logger,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: retries,
		retryDelay: retryDelay,
	}
}

// call performs one API request. Query parameters ride in the URL for GET and
// as a form body for POST; private requests get the JWT Authorization header.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, private bool, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("upbit rate limiter: %w", err)
	}

	endpoint := c.BaseURL + path
	var body *strings.Reader
	if method == http.MethodGet {
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}
		body = strings.NewReader("")
	} else {
		body = strings.NewReader(query.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("upbit request build failed: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if private {
		auth, authErr := utilities.GenerateUpbitAuthHeader(c.AccessKey, c.SecretKey, query)
		if authErr != nil {
			return fmt.Errorf("upbit auth header: %w", authErr)
		}
		req.Header.Set("Authorization", auth)
	}

	return utilities.DoJSONRequest(c.HTTPClient, req, c.maxRetries, c.retryDelay, result)
}

// --- Quotation (public) ---

func (c *Client) GetTickerAPI(ctx context.Context, market string) (upbitTicker, error) {
	query := url.Values{}
	query.Set("markets", market)

	var tickers []upbitTicker
	if err := c.call(ctx, http.MethodGet, "/v1/ticker", query, false, &tickers); err != nil {
		return upbitTicker{}, err
	}
	if len(tickers) == 0 {
		return upbitTicker{}, fmt.Errorf("upbit ticker: empty response for %s", market)
	}
	return tickers[0], nil
}

func (c *Client) GetMinuteCandlesAPI(ctx context.Context, market string, unit, count int) ([]upbitCandle, error) {
	query := url.Values{}
	query.Set("market", market)
	query.Set("count", strconv.Itoa(count))

	var candles []upbitCandle
	path := fmt.Sprintf("/v1/candles/minutes/%d", unit)
	if err := c.call(ctx, http.MethodGet, path, query, false, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// --- Exchange (private) ---

func (c *Client) GetAccountsAPI(ctx context.Context) ([]upbitAccount, error) {
	var accounts []upbitAccount
	if err := c.call(ctx, http.MethodGet, "/v1/accounts", nil, true, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (c *Client) PlaceOrderAPI(ctx context.Context, market, side, ordType, volume, price string) (upbitOrder, error) {
	query := url.Values{}
	query.Set("market", market)
	query.Set("side", side)
	query.Set("ord_type", ordType)
	if volume != "" {
		query.Set("volume", volume)
	}
	if price != "" {
		query.Set("price", price)
	}

	var order upbitOrder
	if err := c.call(ctx, http.MethodPost, "/v1/orders", query, true, &order); err != nil {
		return upbitOrder{}, err
	}
	return order, nil
}

func (c *Client) GetClosedOrdersAPI(ctx context.Context, market string, limit int) ([]upbitOrder, error) {
	query := url.Values{}
	query.Set("market", market)
	query.Set("state", "done")
	query.Set("limit", strconv.Itoa(limit))
	query.Set("order_by", "desc")

	var orders []upbitOrder
	if err := c.call(ctx, http.MethodGet, "/v1/orders", query, true, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *Client) GetDepositsAPI(ctx context.Context, limit int) ([]upbitTransfer, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("order_by", "desc")

	var transfers []upbitTransfer
	if err := c.call(ctx, http.MethodGet, "/v1/deposits", query, true, &transfers); err != nil {
		return nil, err
	}
	return transfers, nil
}

func (c *Client) GetWithdrawsAPI(ctx context.Context, limit int) ([]upbitTransfer, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("order_by", "desc")

	var transfers []upbitTransfer
	if err := c.call(ctx, http.MethodGet, "/v1/withdraws", query, true, &transfers); err != nil {
		return nil, err
	}
	return transfers, nil
}
