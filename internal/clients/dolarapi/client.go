// Package dolarapi fetches the USD/UYU quote from DolarApi.
package dolarapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nahueldlsl/financial-os/internal/metrics"
)

const (
	DefaultBaseURL = "https://uy.dolarapi.com"
	DefaultTimeout = 2 * time.Second
)

// Quote is one buy/sell quote in units of the local currency per USD.
type Quote struct {
	Currency  string
	Buy       decimal.Decimal
	Sell      decimal.Decimal
	UpdatedAt time.Time
}

// Client talks to DolarApi.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets the base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a DolarApi client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type quoteResponse struct {
	Moneda             string          `json:"moneda"`
	Compra             decimal.Decimal `json:"compra"`
	Venta              decimal.Decimal `json:"venta"`
	FechaActualizacion string          `json:"fechaActualizacion"`
}

// Quote fetches the current quote for currency (e.g. "usd").
func (c *Client) Quote(ctx context.Context, currency string) (*Quote, error) {
	url := fmt.Sprintf("%s/v1/cotizaciones/%s", c.baseURL, strings.ToLower(currency))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	defer metrics.ObserveProvider("dolarapi", "quote", time.Now())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("dolarapi: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var qr quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	q := &Quote{Currency: strings.ToUpper(currency), Buy: qr.Compra, Sell: qr.Venta}
	if qr.Moneda != "" {
		q.Currency = qr.Moneda
	}
	if t, err := time.Parse(time.RFC3339, qr.FechaActualizacion); err == nil {
		q.UpdatedAt = t
	}
	return q, nil
}
