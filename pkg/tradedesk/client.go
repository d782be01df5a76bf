// Package tradedesk is a Go client for the tradedesk-server HTTP API.
package tradedesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides a Go SDK for interacting with the tradedesk-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradedesk API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradedesk: server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// PlaceStockOrder submits a stock order.
func (c *Client) PlaceStockOrder(ctx context.Context, req PlaceOrderRequest) (*OrderHandle, error) {
	var h OrderHandle
	if err := c.do(ctx, http.MethodPost, "/api/orders/stock", req, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// PlaceOptionOrder submits an option order.
func (c *Client) PlaceOptionOrder(ctx context.Context, req PlaceOrderRequest) (*OrderHandle, error) {
	var h OrderHandle
	if err := c.do(ctx, http.MethodPost, "/api/orders/option", req, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetOrder retrieves one order by its internal ID.
func (c *Client) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+strconv.FormatInt(orderID, 10), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrders retrieves orders newest first. limit <= 0 uses the server
// default.
func (c *Client) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	path := "/api/orders"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp ordersResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// ListFills retrieves fills newest first, optionally scoped to one order.
// orderID <= 0 matches every order; limit <= 0 uses the server default.
func (c *Client) ListFills(ctx context.Context, orderID int64, limit int) ([]Fill, error) {
	q := url.Values{}
	if orderID > 0 {
		q.Set("order_id", strconv.FormatInt(orderID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/fills"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp fillsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Fills, nil
}

// CancelOrder requests cancellation of a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) (*CommandResult, error) {
	var res CommandResult
	if err := c.do(ctx, http.MethodDelete, "/api/orders/"+strconv.FormatInt(orderID, 10), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ModifyOrder changes a working order's quantity, type, price or TIF.
func (c *Client) ModifyOrder(ctx context.Context, orderID int64, req ModifyOrderRequest) (*CommandResult, error) {
	var res CommandResult
	if err := c.do(ctx, http.MethodPatch, "/api/orders/"+strconv.FormatInt(orderID, 10), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Positions retrieves current positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var resp positionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/positions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// AccountValues retrieves account metrics. account may be empty for all
// accounts.
func (c *Client) AccountValues(ctx context.Context, account string) ([]AccountValue, error) {
	path := "/api/account"
	if account != "" {
		path += "?account=" + url.QueryEscape(account)
	}
	var resp accountResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Dashboard retrieves the ledger-wide aggregate statistics.
func (c *Client) Dashboard(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/api/dashboard", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health retrieves the broker session health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
