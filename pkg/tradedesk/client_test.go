package tradedesk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClient(t *testing.T) {
	baseURL := "http://localhost:8080"
	c := NewClient(baseURL)

	if c == nil {
		t.Fatal("expected non-nil client")
	}

	if c.baseURL != baseURL {
		t.Errorf("expected baseURL %q, got %q", baseURL, c.baseURL)
	}

	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestPlaceStockOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/orders/stock" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req PlaceOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Symbol != "AAPL" || req.Quantity != 100 {
			t.Fatalf("unexpected request body: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(OrderHandle{
			OrderID: 1, BrokerOrderID: 555, Symbol: "AAPL",
			Side: "BUY", Quantity: 100, Status: "SUBMITTED",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	h, err := c.PlaceStockOrder(context.Background(), PlaceOrderRequest{
		Symbol: "AAPL", Side: "BUY", Quantity: 100, OrderType: "MKT", TIF: "DAY",
	})
	if err != nil {
		t.Fatalf("PlaceStockOrder: %v", err)
	}
	if h.OrderID != 1 || h.BrokerOrderID != 555 || h.Status != "SUBMITTED" {
		t.Fatalf("handle = %+v", h)
	}
}

func TestListFillsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("order_id"); got != "7" {
			t.Fatalf("order_id = %q, want 7", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("limit = %q, want 5", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fillsResponse{Fills: []Fill{
			{FillID: 2, OrderID: 7, ExecID: "E2"},
			{FillID: 1, OrderID: 7, ExecID: "E1"},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	fills, err := c.ListFills(context.Background(), 7, 5)
	if err != nil {
		t.Fatalf("ListFills: %v", err)
	}
	if len(fills) != 2 || fills[0].ExecID != "E2" {
		t.Fatalf("fills = %+v", fills)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "order 3 is FILLED"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.CancelOrder(context.Background(), 3)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", apiErr.StatusCode)
	}
	if apiErr.Message != "order 3 is FILLED" {
		t.Fatalf("message = %q", apiErr.Message)
	}
}

func TestTrailingSlashTrimmed(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	if c.baseURL != "http://localhost:8080" {
		t.Fatalf("baseURL = %q", c.baseURL)
	}
}
