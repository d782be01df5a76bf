package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/ident"
	"tradedesk/internal/lifecycle"
	"tradedesk/internal/store"
)

// stubSession accepts every submit with sequential broker IDs and keeps
// its event stream silent.
type stubSession struct {
	nextID  atomic.Int64
	cancels atomic.Int64
	events  chan broker.Event
}

func newStubSession() *stubSession {
	s := &stubSession{events: make(chan broker.Event, 16)}
	s.nextID.Store(554)
	return s
}

func (s *stubSession) Name() string    { return "stub" }
func (s *stubSession) Connected() bool { return true }
func (s *stubSession) Close() error    { return nil }

func (s *stubSession) Events() <-chan broker.Event { return s.events }

func (s *stubSession) SubmitOrder(context.Context, *domain.Order) (int64, error) {
	return s.nextID.Add(1), nil
}

func (s *stubSession) CancelOrder(context.Context, int64) error {
	s.cancels.Add(1)
	return nil
}

func (s *stubSession) ModifyOrder(context.Context, int64, *domain.Order) error {
	return nil
}

type testEnv struct {
	ts     *httptest.Server
	sess   *stubSession
	ledger *store.MemoryLedger
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := newStubSession()
	guard := broker.NewGuard(sess, time.Second, logger)
	ledger := store.NewMemoryLedger()
	ids := ident.NewRegistry("", logger)
	eng := engine.NewEngine(ledger, ids, guard, nil, nil, logger)
	srv := NewServer(eng, guard, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return testEnv{ts: ts, sess: sess, ledger: ledger}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func placeStock(t *testing.T, env testEnv, symbol string, qty int64) domain.OrderHandle {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/api/orders/stock", PlaceOrderRequest{
		Symbol: symbol, Side: "BUY", Quantity: qty, OrderType: "MKT", TIF: "DAY",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("place status = %d, want 200", resp.StatusCode)
	}
	var h domain.OrderHandle
	decodeBody(t, resp, &h)
	return h
}

// fillOrder records an execution directly against the ledger, the way the
// reconciler would after a broker fill event.
func fillOrder(t *testing.T, env testEnv, orderID, qty int64, price float64) {
	t.Helper()
	_, err := env.ledger.AppendFill(context.Background(), &domain.Fill{
		OrderID: orderID, ExecID: "E1", Price: price, FilledQty: qty,
	}, func(o *domain.Order) error {
		return lifecycle.ApplyFill(o, qty, price)
	})
	if err != nil {
		t.Fatalf("AppendFill: %v", err)
	}
}

func TestPlaceStockOrder(t *testing.T) {
	env := newTestEnv(t)

	h := placeStock(t, env, "aapl", 100)
	if h.OrderID != 1 {
		t.Fatalf("order id = %d, want 1", h.OrderID)
	}
	if h.BrokerOrderID != 555 {
		t.Fatalf("broker id = %d, want 555", h.BrokerOrderID)
	}
	if h.Symbol != "AAPL" {
		t.Fatalf("symbol = %q, want AAPL", h.Symbol)
	}
	if h.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s, want %s", h.Status, domain.StatusSubmitted)
	}
}

func TestPlaceOptionOrder(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/orders/option", PlaceOrderRequest{
		Symbol: "AAPL", Side: "SELL", Quantity: 2, OrderType: "LMT",
		Price: ptr(3.50), TIF: "DAY",
		Expiry: "20260320", Strike: 190, Right: "C",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var h domain.OrderHandle
	decodeBody(t, resp, &h)
	if h.OrderID != 1 || h.BrokerOrderID != 555 {
		t.Fatalf("handle = %+v", h)
	}
}

func TestPlaceLimitWithoutPriceRejected(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/orders/stock", PlaceOrderRequest{
		Symbol: "MSFT", Side: "BUY", Quantity: 10, OrderType: "LMT", TIF: "DAY",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["error"] == "" {
		t.Fatalf("missing error message in %v", body)
	}

	var list OrdersResponse
	decodeBody(t, env.do(t, http.MethodGet, "/api/orders", nil), &list)
	if len(list.Orders) != 0 {
		t.Fatalf("orders = %d, want none persisted", len(list.Orders))
	}
}

func TestPlaceRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.ts.URL+"/api/orders/stock", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t)
	placeStock(t, env, "AAPL", 100)

	var o domain.Order
	decodeBody(t, env.do(t, http.MethodGet, "/api/orders/1", nil), &o)
	if o.OrderID != 1 || o.Symbol != "AAPL" || o.Status != domain.StatusSubmitted {
		t.Fatalf("order = %+v", o)
	}

	if resp := env.do(t, http.MethodGet, "/api/orders/99", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown order status = %d, want 404", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/orders/abc", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", resp.StatusCode)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	placeStock(t, env, "AAPL", 100)
	placeStock(t, env, "MSFT", 50)

	var list OrdersResponse
	decodeBody(t, env.do(t, http.MethodGet, "/api/orders?limit=10", nil), &list)
	if len(list.Orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(list.Orders))
	}
	if list.Orders[0].OrderID != 2 || list.Orders[1].OrderID != 1 {
		t.Fatalf("order ids = %d,%d, want 2,1", list.Orders[0].OrderID, list.Orders[1].OrderID)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	placeStock(t, env, "AAPL", 100)

	resp := env.do(t, http.MethodDelete, "/api/orders/1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var cr CommandResponse
	decodeBody(t, resp, &cr)
	if !cr.OK || cr.Status != domain.StatusCancelRequested {
		t.Fatalf("response = %+v", cr)
	}
	if env.sess.cancels.Load() != 1 {
		t.Fatalf("broker cancels = %d, want 1", env.sess.cancels.Load())
	}
}

func TestCancelFilledOrderConflict(t *testing.T) {
	env := newTestEnv(t)
	h := placeStock(t, env, "AAPL", 100)
	fillOrder(t, env, h.OrderID, 100, 190)

	resp := env.do(t, http.MethodDelete, "/api/orders/1", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if env.sess.cancels.Load() != 0 {
		t.Fatalf("broker cancels = %d, want 0", env.sess.cancels.Load())
	}
}

func TestModifyOrder(t *testing.T) {
	env := newTestEnv(t)
	placeStock(t, env, "AAPL", 100)

	resp := env.do(t, http.MethodPatch, "/api/orders/1", ModifyOrderRequest{
		Quantity: ptrInt64(150),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var cr CommandResponse
	decodeBody(t, resp, &cr)
	if !cr.OK {
		t.Fatalf("response = %+v", cr)
	}

	var o domain.Order
	decodeBody(t, env.do(t, http.MethodGet, "/api/orders/1", nil), &o)
	if o.Quantity != 150 {
		t.Fatalf("quantity = %d, want 150", o.Quantity)
	}
}

func TestModifyBelowFilledConflict(t *testing.T) {
	env := newTestEnv(t)
	h := placeStock(t, env, "AAPL", 100)
	fillOrder(t, env, h.OrderID, 60, 190)

	resp := env.do(t, http.MethodPatch, "/api/orders/1", ModifyOrderRequest{
		Quantity: ptrInt64(50),
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestListFills(t *testing.T) {
	env := newTestEnv(t)
	h := placeStock(t, env, "AAPL", 100)
	fillOrder(t, env, h.OrderID, 60, 190)

	var fills FillsResponse
	decodeBody(t, env.do(t, http.MethodGet, "/api/fills?order_id=1", nil), &fills)
	if len(fills.Fills) != 1 || fills.Fills[0].ExecID != "E1" {
		t.Fatalf("fills = %+v", fills.Fills)
	}

	if resp := env.do(t, http.MethodGet, "/api/fills?order_id=x", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad order_id status = %d, want 400", resp.StatusCode)
	}
}

func TestEmptyCollectionsStayArrays(t *testing.T) {
	env := newTestEnv(t)

	for path, want := range map[string]string{
		"/api/orders":    `"orders":[]`,
		"/api/fills":     `"fills":[]`,
		"/api/positions": `"positions":[]`,
		"/api/account":   `"values":[]`,
	} {
		resp := env.do(t, http.MethodGet, path, nil)
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if !strings.Contains(string(raw), want) {
			t.Fatalf("%s body = %s, want %s", path, raw, want)
		}
	}
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t)
	h := placeStock(t, env, "AAPL", 100)
	fillOrder(t, env, h.OrderID, 100, 190)

	var stats store.Stats
	decodeBody(t, env.do(t, http.MethodGet, "/api/dashboard", nil), &stats)
	if stats.OrdersByStatus[domain.StatusFilled] != 1 {
		t.Fatalf("filled count = %d, want 1", stats.OrdersByStatus[domain.StatusFilled])
	}
	if stats.OpenOrders != 0 {
		t.Fatalf("open orders = %d, want 0", stats.OpenOrders)
	}
	if stats.SharesFilled != 100 {
		t.Fatalf("shares filled = %d, want 100", stats.SharesFilled)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	var h broker.Health
	decodeBody(t, env.do(t, http.MethodGet, "/api/health", nil), &h)
	if h.Backend != "stub" || !h.Connected {
		t.Fatalf("health = %+v", h)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodOptions, "/api/orders", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q, want *", got)
	}
}

func ptr(f float64) *float64  { return &f }
func ptrInt64(n int64) *int64 { return &n }
