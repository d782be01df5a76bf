package lifecycle

import (
	"errors"
	"testing"

	"tradedesk/internal/domain"
)

func newOrder(qty int64) *domain.Order {
	return &domain.Order{
		OrderID:    1,
		AssetClass: domain.AssetStock,
		Symbol:     "AAPL",
		Side:       domain.SideBuy,
		Quantity:   qty,
		OrderType:  domain.TypeMarket,
		TIF:        domain.TIFDay,
		Status:     domain.StatusNew,
	}
}

func TestMarketOrderFillSequence(t *testing.T) {
	o := newOrder(100)

	if err := MarkPendingSubmit(o); err != nil {
		t.Fatalf("MarkPendingSubmit: %v", err)
	}
	if got, want := o.Status, domain.StatusPendingSubmit; got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}

	if err := Ack(o, 555); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if got, want := o.Status, domain.StatusSubmitted; got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
	if got, want := o.BrokerOrderID, int64(555); got != want {
		t.Fatalf("broker order id = %d, want %d", got, want)
	}

	if err := ApplyFill(o, 60, 190.00); err != nil {
		t.Fatalf("ApplyFill 60: %v", err)
	}
	if got, want := o.Status, domain.StatusPartiallyFilled; got != want {
		t.Fatalf("status after partial = %s, want %s", got, want)
	}
	if got, want := o.AvgPrice, 190.00; got != want {
		t.Fatalf("avg price after partial = %v, want %v", got, want)
	}

	if err := ApplyFill(o, 40, 190.50); err != nil {
		t.Fatalf("ApplyFill 40: %v", err)
	}
	if got, want := o.Status, domain.StatusFilled; got != want {
		t.Fatalf("status after completion = %s, want %s", got, want)
	}
	if got, want := o.FilledQty, int64(100); got != want {
		t.Fatalf("filled qty = %d, want %d", got, want)
	}
	if got, want := o.AvgPrice, 190.20; got != want {
		t.Fatalf("avg price = %v, want %v", got, want)
	}
}

func TestApplyFillGuards(t *testing.T) {
	o := newOrder(100)
	o.Status = domain.StatusSubmitted

	if err := ApplyFill(o, 0, 190); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("zero-quantity fill: err = %v, want ErrInvalidState", err)
	}
	if err := ApplyFill(o, 120, 190); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("overrun fill: err = %v, want ErrInvalidState", err)
	}
	if got, want := o.FilledQty, int64(0); got != want {
		t.Fatalf("filled qty mutated on rejected fill: %d", got)
	}

	o.Status = domain.StatusFilled
	o.FilledQty = 100
	if err := ApplyFill(o, 1, 190); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("fill on terminal: err = %v, want ErrInvalidState", err)
	}
}

func TestCancelOverlay(t *testing.T) {
	o := newOrder(100)
	o.Status = domain.StatusSubmitted
	o.BrokerOrderID = 555

	if err := RequestCancel(o); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if got, want := o.Status, domain.StatusCancelRequested; got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}

	// A partial fill racing the cancel advances quantity but keeps the
	// overlay in place.
	if err := ApplyFill(o, 30, 50.0); err != nil {
		t.Fatalf("ApplyFill during cancel: %v", err)
	}
	if got, want := o.Status, domain.StatusCancelRequested; got != want {
		t.Fatalf("status after racing fill = %s, want %s", got, want)
	}
	if got, want := o.FilledQty, int64(30); got != want {
		t.Fatalf("filled qty = %d, want %d", got, want)
	}

	if err := ApplyStatus(o, domain.StatusCancelled, 30, 50.0, ""); err != nil {
		t.Fatalf("ApplyStatus cancelled: %v", err)
	}
	if got, want := o.Status, domain.StatusCancelled; got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
}

func TestCancelRefusedRestoresReportedState(t *testing.T) {
	o := newOrder(100)
	o.Status = domain.StatusPartiallyFilled
	o.FilledQty = 40
	o.BrokerOrderID = 555

	if err := RequestCancel(o); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if err := ApplyStatus(o, domain.StatusPartiallyFilled, 40, 0, ""); err != nil {
		t.Fatalf("ApplyStatus restore: %v", err)
	}
	if got, want := o.Status, domain.StatusPartiallyFilled; got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
}

func TestCancelFromIllegalStates(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusNew,
		domain.StatusPendingSubmit,
		domain.StatusFilled,
		domain.StatusCancelled,
		domain.StatusRejected,
		domain.StatusError,
		domain.StatusCancelRequested,
	} {
		o := newOrder(10)
		o.Status = s
		if err := RequestCancel(o); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("RequestCancel from %s: err = %v, want ErrInvalidState", s, err)
		}
	}
}

func TestCompletingFillDuringCancelWins(t *testing.T) {
	o := newOrder(100)
	o.Status = domain.StatusSubmitted
	if err := RequestCancel(o); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if err := ApplyFill(o, 100, 20.0); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if got, want := o.Status, domain.StatusFilled; got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
}

func TestApplyStatusNeverRegresses(t *testing.T) {
	o := newOrder(100)
	o.Status = domain.StatusPartiallyFilled
	o.FilledQty = 60

	if err := ApplyStatus(o, domain.StatusSubmitted, 0, 0, ""); err != nil {
		t.Fatalf("ApplyStatus: %v", err)
	}
	if got, want := o.Status, domain.StatusPartiallyFilled; got != want {
		t.Fatalf("stale status regressed order: %s, want %s", got, want)
	}
	if got, want := o.FilledQty, int64(60); got != want {
		t.Fatalf("filled qty = %d, want %d", got, want)
	}
}

func TestApplyStatusFilledRequiresMatchingQuantity(t *testing.T) {
	o := newOrder(100)
	o.Status = domain.StatusSubmitted

	// Completion report ahead of the fill stream: aggregates apply, the
	// terminal flip waits for the quantities to agree.
	if err := ApplyStatus(o, domain.StatusFilled, 60, 190.0, ""); err != nil {
		t.Fatalf("ApplyStatus: %v", err)
	}
	if got, want := o.Status, domain.StatusPartiallyFilled; got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}

	if err := ApplyStatus(o, domain.StatusFilled, 100, 190.2, ""); err != nil {
		t.Fatalf("ApplyStatus: %v", err)
	}
	if got, want := o.Status, domain.StatusFilled; got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
	if got, want := o.AvgPrice, 190.2; got != want {
		t.Fatalf("avg price = %v, want %v", got, want)
	}
}

func TestAckRebindRejected(t *testing.T) {
	o := newOrder(10)
	o.Status = domain.StatusPendingSubmit

	if err := Ack(o, 555); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := Ack(o, 555); err != nil {
		t.Fatalf("re-ack same id: %v", err)
	}
	if err := Ack(o, 777); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("re-ack new id: err = %v, want ErrInvalidState", err)
	}
	if got, want := o.BrokerOrderID, int64(555); got != want {
		t.Fatalf("broker order id = %d, want %d", got, want)
	}
}

func TestCheckModify(t *testing.T) {
	base := func() *domain.Order {
		o := newOrder(100)
		o.Status = domain.StatusPartiallyFilled
		o.FilledQty = 40
		o.OrderType = domain.TypeLimit
		o.Price = 50
		return o
	}

	tests := []struct {
		name    string
		cur     func() *domain.Order
		next    func(n *domain.Order)
		wantErr error
	}{
		{
			name: "raise quantity",
			cur:  base,
			next: func(n *domain.Order) { n.Quantity = 200 },
		},
		{
			name: "shrink to filled",
			cur:  base,
			next: func(n *domain.Order) { n.Quantity = 40 },
		},
		{
			name:    "shrink below filled",
			cur:     base,
			next:    func(n *domain.Order) { n.Quantity = 30 },
			wantErr: domain.ErrInvalidModification,
		},
		{
			name:    "zero quantity",
			cur:     base,
			next:    func(n *domain.Order) { n.Quantity = 0 },
			wantErr: domain.ErrInvalidModification,
		},
		{
			name:    "limit without price",
			cur:     base,
			next:    func(n *domain.Order) { n.Price = 0 },
			wantErr: domain.ErrInvalidModification,
		},
		{
			name: "switch to market drops price requirement",
			cur:  base,
			next: func(n *domain.Order) { n.OrderType = domain.TypeMarket; n.Price = 0 },
		},
		{
			name:    "bad tif",
			cur:     base,
			next:    func(n *domain.Order) { n.TIF = "IOC" },
			wantErr: domain.ErrInvalidModification,
		},
		{
			name: "while cancel pending",
			cur: func() *domain.Order {
				o := base()
				o.Status = domain.StatusCancelRequested
				return o
			},
			next:    func(n *domain.Order) { n.Quantity = 200 },
			wantErr: domain.ErrInvalidState,
		},
		{
			name: "terminal",
			cur: func() *domain.Order {
				o := base()
				o.Status = domain.StatusFilled
				o.FilledQty = 100
				return o
			},
			next:    func(n *domain.Order) { n.Quantity = 200 },
			wantErr: domain.ErrInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := tt.cur()
			next := cur.Clone()
			tt.next(next)
			err := CheckModify(cur, next)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("CheckModify: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckModify err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyModifyWritesMergedFields(t *testing.T) {
	o := newOrder(100)
	o.Status = domain.StatusSubmitted
	o.OrderType = domain.TypeLimit
	o.Price = 50

	next := o.Clone()
	next.Quantity = 150
	next.Price = 48.5
	next.TIF = domain.TIFGTC

	if err := ApplyModify(o, next); err != nil {
		t.Fatalf("ApplyModify: %v", err)
	}
	if got, want := o.Quantity, int64(150); got != want {
		t.Fatalf("quantity = %d, want %d", got, want)
	}
	if got, want := o.Price, 48.5; got != want {
		t.Fatalf("price = %v, want %v", got, want)
	}
	if got, want := o.TIF, domain.TIFGTC; got != want {
		t.Fatalf("tif = %s, want %s", got, want)
	}
	if got, want := o.Status, domain.StatusSubmitted; got != want {
		t.Fatalf("modify changed status: %s", got)
	}
}

func TestRejectAndFail(t *testing.T) {
	o := newOrder(10)
	o.Status = domain.StatusSubmitted
	if err := Reject(o, "margin exceeded"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got, want := o.Status, domain.StatusRejected; got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
	if got, want := o.Message, "margin exceeded"; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
	if err := Fail(o, "late"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("Fail on terminal: err = %v, want ErrInvalidState", err)
	}

	o2 := newOrder(10)
	o2.Status = domain.StatusPendingSubmit
	if err := Fail(o2, "connection refused"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if got, want := o2.Status, domain.StatusError; got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
}
