// Package eodhd provides a client for the EODHD market-data API.
package eodhd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/nahueldlsl/financial-os/internal/metrics"
	"github.com/nahueldlsl/financial-os/internal/model"
)

const (
	DefaultBaseURL   = "https://eodhd.com/api"
	DefaultTimeout   = 5 * time.Second
	DefaultRateLimit = 10 // requests per second
	DefaultExchange  = "US"

	dateLayout = "2006-01-02"
)

// flexFloat64 handles JSON values that may be either a number or a string
// ("NA" and empty strings decode as zero).
type flexFloat64 float64

func (f *flexFloat64) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*f = flexFloat64(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		num, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat64(num)
		return nil
	}
	if string(data) == "null" {
		*f = 0
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into float64", string(data))
}

// Client talks to EODHD.
type Client struct {
	baseURL    string
	apiKey     string
	exchange   string
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets the base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithExchange sets the suffix appended to tickers that carry none.
func WithExchange(exchange string) ClientOption {
	return func(c *Client) {
		c.exchange = exchange
	}
}

// NewClient creates a new EODHD client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		apiKey:   apiKey,
		exchange: DefaultExchange,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an API error.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("EODHD API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// get performs a rate-limited GET request.
func (c *Client) get(ctx context.Context, call, path string, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("api_token", c.apiKey)
	params.Set("fmt", "json")

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	defer metrics.ObserveProvider("eodhd", call, start)
	c.logger.Debug("EODHD API request", "url", c.baseURL+path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   path,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// symbol maps a portfolio ticker to an EODHD code ("AAPL" → "AAPL.US").
func (c *Client) symbol(ticker string) string {
	if strings.Contains(ticker, ".") || c.exchange == "" {
		return ticker
	}
	return ticker + "." + c.exchange
}

type realTimeResponse struct {
	Code  string      `json:"code"`
	Close flexFloat64 `json:"close"`
}

// LastClose fetches the latest price of every ticker in one request.
// Tickers the provider cannot price are absent from the result.
func (c *Client) LastClose(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(tickers))
	if len(tickers) == 0 {
		return out, nil
	}

	byCode := make(map[string]string, len(tickers))
	codes := make([]string, len(tickers))
	for i, t := range tickers {
		codes[i] = c.symbol(t)
		byCode[codes[i]] = t
	}

	params := url.Values{}
	if len(codes) > 1 {
		params.Set("s", strings.Join(codes[1:], ","))
	}

	// A single symbol yields an object, several yield an array.
	var raw json.RawMessage
	if err := c.get(ctx, "real_time", "/real-time/"+url.PathEscape(codes[0]), params, &raw); err != nil {
		return nil, err
	}
	var items []realTimeResponse
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	} else {
		var one realTimeResponse
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		items = []realTimeResponse{one}
	}

	for _, it := range items {
		ticker, ok := byCode[it.Code]
		if !ok || it.Close <= 0 {
			continue
		}
		out[ticker] = decimal.NewFromFloat(float64(it.Close))
	}
	return out, nil
}

type dividendResponse struct {
	Date  string          `json:"date"` // ex-dividend date
	Value decimal.Decimal `json:"value"`
}

// DividendEvents returns per-share dividends with an ex-date strictly after
// since and not after until, oldest first.
func (c *Client) DividendEvents(ctx context.Context, ticker string, since, until time.Time) ([]model.DividendEvent, error) {
	params := url.Values{}
	params.Set("from", since.AddDate(0, 0, 1).Format(dateLayout))
	params.Set("to", until.Format(dateLayout))

	var rows []dividendResponse
	if err := c.get(ctx, "dividends", "/div/"+url.PathEscape(c.symbol(ticker)), params, &rows); err != nil {
		return nil, err
	}

	events := make([]model.DividendEvent, 0, len(rows))
	for _, r := range rows {
		day, err := time.Parse(dateLayout, r.Date)
		if err != nil {
			c.logger.Warn("skipping dividend with bad date", "ticker", ticker, "date", r.Date)
			continue
		}
		if !day.After(truncateDay(since)) || day.After(until) || !r.Value.IsPositive() {
			continue
		}
		events = append(events, model.DividendEvent{Date: day, PerShare: r.Value})
	}
	return events, nil
}

type eodBarResponse struct {
	Date  string      `json:"date"`
	Close flexFloat64 `json:"close"`
}

// HistoricalClose returns the close on day, or on the first trading day
// within lookaheadDays after it. ok is false when no bar exists.
func (c *Client) HistoricalClose(ctx context.Context, ticker string, day time.Time, lookaheadDays int) (decimal.Decimal, time.Time, bool, error) {
	params := url.Values{}
	params.Set("period", "d")
	params.Set("order", "a")
	params.Set("from", day.Format(dateLayout))
	params.Set("to", day.AddDate(0, 0, lookaheadDays).Format(dateLayout))

	var bars []eodBarResponse
	if err := c.get(ctx, "eod", "/eod/"+url.PathEscape(c.symbol(ticker)), params, &bars); err != nil {
		return decimal.Zero, time.Time{}, false, err
	}
	for _, b := range bars {
		if b.Close <= 0 {
			continue
		}
		traded, err := time.Parse(dateLayout, b.Date)
		if err != nil {
			continue
		}
		return decimal.NewFromFloat(float64(b.Close)), traded, true, nil
	}
	return decimal.Zero, time.Time{}, false, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
