// Package ibbroker is a Go client for the ibkr-broker HTTP service.
package ibbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Client talks to one ibkr-broker service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ibkr-broker: %d: %s", e.StatusCode, e.Message)
}

// Health reports the service status. It never triggers a gateway connect.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/", nil, &out)
	return out, err
}

// Quote returns the latest equity quote.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	var out Quote
	err := c.do(ctx, http.MethodPost, "/quote", req, &out)
	return out, err
}

// OptionChain lists the options of an underlying.
func (c *Client) OptionChain(ctx context.Context, req OptionChainRequest) ([]OptionChainItem, error) {
	var out []OptionChainItem
	err := c.do(ctx, http.MethodPost, "/optionChain", req, &out)
	return out, err
}

// OptionQuotes quotes a batch of options. One failing contract fails the
// batch.
func (c *Client) OptionQuotes(ctx context.Context, contracts []OptionContract) ([]OptionQuote, error) {
	if contracts == nil {
		contracts = []OptionContract{}
	}
	body := struct {
		Contracts []OptionContract `json:"contracts"`
	}{contracts}

	var out []OptionQuote
	err := c.do(ctx, http.MethodPost, "/options/quotes", body, &out)
	return out, err
}

// PlaceOrder submits one order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var out OrderResult
	err := c.do(ctx, http.MethodPost, "/placeOrder", req, &out)
	return out, err
}

// Positions lists the account's positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := c.do(ctx, http.MethodGet, "/positions", nil, &out)
	return out, err
}

// Account returns the account summary.
func (c *Client) Account(ctx context.Context) (Account, error) {
	var out Account
	err := c.do(ctx, http.MethodGet, "/account", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
