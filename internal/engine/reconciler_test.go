package engine

import (
	"context"
	"testing"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/ident"
	"tradedesk/internal/store"
)

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", desc)
}

// seedWorkingOrder plants a submitted, broker-bound order directly in the
// ledger, as if it had been placed in a previous step.
func seedWorkingOrder(t *testing.T, ledger store.Ledger, ids *ident.Registry, orderID, brokerID, qty int64) {
	t.Helper()
	o := &domain.Order{
		OrderID:       orderID,
		BrokerOrderID: brokerID,
		AssetClass:    domain.AssetStock,
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Quantity:      qty,
		OrderType:     domain.TypeMarket,
		TIF:           domain.TIFDay,
		Status:        domain.StatusSubmitted,
	}
	if err := ledger.PutOrder(context.Background(), o); err != nil {
		t.Fatalf("PutOrder: %v", err)
	}
	if err := ids.Bind(orderID, brokerID); err != nil {
		t.Fatalf("Bind: %v", err)
	}
}

func TestEventsBufferUntilOrderIsBound(t *testing.T) {
	sess := newScriptSession()
	ledger := store.NewMemoryLedger()
	ids := ident.NewRegistry("", testLogger())
	stop := startReconciler(t, ledger, ids, sess, ReconcilerConfig{ResolveWait: 2 * time.Second})
	defer stop()
	ctx := context.Background()

	// The stream outruns the submit path: ack and fill arrive before the
	// order exists anywhere.
	sess.emit(broker.Event{Kind: broker.EventAck, BrokerOrderID: 555})
	sess.emit(broker.Event{Kind: broker.EventFill, BrokerOrderID: 555,
		ExecID: "E1", FillQty: 100, FillPrice: 190})

	o := &domain.Order{
		OrderID: 1, AssetClass: domain.AssetStock, Symbol: "AAPL",
		Side: domain.SideBuy, Quantity: 100,
		OrderType: domain.TypeMarket, TIF: domain.TIFDay,
		Status: domain.StatusPendingSubmit,
	}
	if err := ledger.PutOrder(ctx, o); err != nil {
		t.Fatalf("PutOrder: %v", err)
	}
	if err := ids.Bind(1, 555); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	got := waitForOrder(t, ledger, 1, "FILLED", func(o *domain.Order) bool {
		return o.Status == domain.StatusFilled
	})
	if got.BrokerOrderID != 555 {
		t.Fatalf("broker id = %d, want 555", got.BrokerOrderID)
	}
	fills, _ := ledger.ListFills(ctx, 1, 0)
	if len(fills) != 1 || fills[0].ExecID != "E1" {
		t.Fatalf("fills = %+v, want one E1", fills)
	}
}

func TestUnknownEventsDropAfterWait(t *testing.T) {
	sess := newScriptSession()
	ledger := store.NewMemoryLedger()
	ids := ident.NewRegistry("", testLogger())
	stop := startReconciler(t, ledger, ids, sess, ReconcilerConfig{ResolveWait: 50 * time.Millisecond})
	defer stop()
	ctx := context.Background()

	sess.emit(broker.Event{Kind: broker.EventStatus, BrokerOrderID: 999,
		Status: domain.StatusCancelled})
	time.Sleep(300 * time.Millisecond)

	orders, _ := ledger.ListOrders(ctx, 0)
	if len(orders) != 0 {
		t.Fatalf("unknown event produced %d orders", len(orders))
	}

	// Binding the ID after the drop must not resurrect the event.
	seedWorkingOrder(t, ledger, ids, 1, 999, 100)
	time.Sleep(150 * time.Millisecond)
	o, _ := ledger.GetOrder(ctx, 1)
	if o.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s, dropped event was applied", o.Status)
	}
}

func TestDuplicateExecutionCountedOnce(t *testing.T) {
	sess := newScriptSession()
	ledger := store.NewMemoryLedger()
	ids := ident.NewRegistry("", testLogger())
	stop := startReconciler(t, ledger, ids, sess, ReconcilerConfig{})
	defer stop()
	ctx := context.Background()

	seedWorkingOrder(t, ledger, ids, 1, 555, 100)

	fill := broker.Event{Kind: broker.EventFill, BrokerOrderID: 555,
		ExecID: "E1", FillQty: 60, FillPrice: 190}
	sess.emit(fill)
	sess.emit(fill)
	sess.emit(broker.Event{Kind: broker.EventFill, BrokerOrderID: 555,
		ExecID: "E2", FillQty: 10, FillPrice: 190})

	o := waitForOrder(t, ledger, 1, "70 filled", func(o *domain.Order) bool {
		return o.FilledQty == 70
	})
	if o.Status != domain.StatusPartiallyFilled {
		t.Fatalf("status = %s", o.Status)
	}
	fills, _ := ledger.ListFills(ctx, 1, 0)
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2 after replay", len(fills))
	}
}

func TestAdoptForeignOrder(t *testing.T) {
	sess := newScriptSession()
	ledger := store.NewMemoryLedger()
	ids := ident.NewRegistry("", testLogger())
	stop := startReconciler(t, ledger, ids, sess,
		ReconcilerConfig{AdoptForeignOrders: true})
	defer stop()
	ctx := context.Background()

	price := 120.0
	sess.emit(broker.Event{Kind: broker.EventAck, BrokerOrderID: 888,
		Order: &domain.Order{
			AssetClass: domain.AssetStock, Symbol: "NVDA",
			Side: domain.SideBuy, Quantity: 25,
			OrderType: domain.TypeLimit, Price: price, TIF: domain.TIFDay,
			Status: domain.StatusSubmitted,
		}})

	o := waitForOrder(t, ledger, 1, "adopted", func(o *domain.Order) bool {
		return o.BrokerOrderID == 888
	})
	if o.Symbol != "NVDA" || o.Quantity != 25 {
		t.Fatalf("adopted order = %+v", o)
	}
	if o.Message != "adopted from broker" {
		t.Fatalf("message = %q", o.Message)
	}
	if got, ok := ids.Resolve(888); !ok || got != 1 {
		t.Fatalf("Resolve(888) = %d, %v", got, ok)
	}

	// Subsequent events resolve like any local order.
	sess.emit(broker.Event{Kind: broker.EventFill, BrokerOrderID: 888,
		ExecID: "E9", FillQty: 25, FillPrice: 119.5})
	waitForOrder(t, ledger, 1, "FILLED", func(o *domain.Order) bool {
		return o.Status == domain.StatusFilled
	})
}

func TestForeignOrdersIgnoredWhenAdoptionOff(t *testing.T) {
	sess := newScriptSession()
	ledger := store.NewMemoryLedger()
	ids := ident.NewRegistry("", testLogger())
	stop := startReconciler(t, ledger, ids, sess,
		ReconcilerConfig{ResolveWait: 50 * time.Millisecond})
	defer stop()
	ctx := context.Background()

	sess.emit(broker.Event{Kind: broker.EventAck, BrokerOrderID: 888,
		Order: &domain.Order{Symbol: "NVDA", Quantity: 25, Status: domain.StatusSubmitted}})
	time.Sleep(300 * time.Millisecond)

	orders, _ := ledger.ListOrders(ctx, 0)
	if len(orders) != 0 {
		t.Fatalf("adoption off, but %d orders created", len(orders))
	}
}

func TestCommissionAnnotatesOrder(t *testing.T) {
	sess := newScriptSession()
	ledger := store.NewMemoryLedger()
	ids := ident.NewRegistry("", testLogger())
	stop := startReconciler(t, ledger, ids, sess, ReconcilerConfig{})
	defer stop()

	seedWorkingOrder(t, ledger, ids, 1, 555, 100)
	sess.emit(broker.Event{Kind: broker.EventCommission, BrokerOrderID: 555,
		Commission: 1.25, CommissionCurrency: "USD", RealizedPnL: 10})

	o := waitForOrder(t, ledger, 1, "commission recorded", func(o *domain.Order) bool {
		return o.Commission == 1.25
	})
	if o.CommissionCurrency != "USD" {
		t.Fatalf("currency = %q", o.CommissionCurrency)
	}
	if o.RealizedPnL != 10 {
		t.Fatalf("realized pnl = %v", o.RealizedPnL)
	}
	if o.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s, commission must not transition", o.Status)
	}
}

func TestPositionAndAccountEvents(t *testing.T) {
	sess := newScriptSession()
	ledger := store.NewMemoryLedger()
	ids := ident.NewRegistry("", testLogger())
	stop := startReconciler(t, ledger, ids, sess, ReconcilerConfig{})
	defer stop()
	ctx := context.Background()

	sess.emit(broker.Event{Kind: broker.EventPosition, Position: &domain.Position{
		Account: "SIM1", Symbol: "AAPL", SecType: "STK",
		Position: 100, AvgCost: 190,
	}})
	sess.emit(broker.Event{Kind: broker.EventAccountValue, AccountValue: &domain.AccountValue{
		Account: "SIM1", Tag: "CashBalance", Value: "9750.00", Currency: "USD",
	}})

	waitFor(t, "position row", func() bool {
		rows, _ := ledger.ListPositions(ctx)
		return len(rows) == 1 && rows[0].Position == 100
	})
	waitFor(t, "account value row", func() bool {
		rows, _ := ledger.ListAccountValues(ctx, "SIM1")
		return len(rows) == 1 && rows[0].Value == "9750.00"
	})
}

func TestMalformedEventsDropped(t *testing.T) {
	sess := newScriptSession()
	ledger := store.NewMemoryLedger()
	ids := ident.NewRegistry("", testLogger())
	stop := startReconciler(t, ledger, ids, sess, ReconcilerConfig{})
	defer stop()
	ctx := context.Background()

	seedWorkingOrder(t, ledger, ids, 1, 555, 100)

	// Zero-quantity fill and an event with no broker ID must both be
	// dropped without wedging the stream.
	sess.emit(broker.Event{Kind: broker.EventFill, BrokerOrderID: 555,
		ExecID: "E0", FillQty: 0, FillPrice: 190})
	sess.emit(broker.Event{Kind: broker.EventFill, ExecID: "EX",
		FillQty: 5, FillPrice: 190})
	sess.emit(broker.Event{Kind: broker.EventFill, BrokerOrderID: 555,
		ExecID: "E1", FillQty: 10, FillPrice: 190})

	waitForOrder(t, ledger, 1, "10 filled", func(o *domain.Order) bool {
		return o.FilledQty == 10
	})
	fills, _ := ledger.ListFills(ctx, 1, 0)
	if len(fills) != 1 || fills[0].ExecID != "E1" {
		t.Fatalf("fills = %+v, want only E1", fills)
	}
}
