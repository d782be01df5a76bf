// Package broker defines the brokerage session contract and its two
// implementations: a deterministic simulator and the Alpaca adapter. A
// session accepts mutating calls (submit, cancel, modify) addressed by
// broker order ID and reports everything that happens back on a single
// event stream.
package broker

import (
	"context"
	"time"

	"tradedesk/internal/domain"
)

// EventKind tags a session event.
type EventKind string

const (
	// EventAck acknowledges a submitted order and carries its broker ID.
	EventAck EventKind = "ack"
	// EventFill reports one execution.
	EventFill EventKind = "fill"
	// EventStatus reports an order status change, including cancel and
	// reject outcomes.
	EventStatus EventKind = "status"
	// EventCommission reports commission and realized P&L for an order.
	EventCommission EventKind = "commission"
	// EventPosition carries one row of a position snapshot.
	EventPosition EventKind = "position"
	// EventAccountValue carries one account metric.
	EventAccountValue EventKind = "account_value"
)

// Event is the normalized stream record every session emits. Only the
// fields for the event's kind are set; BrokerOrderID addresses order-scoped
// events.
type Event struct {
	Kind EventKind
	At   time.Time

	BrokerOrderID int64

	// EventStatus and EventAck. FilledQty and AvgPrice are the broker's
	// running aggregates when it reports them, zero otherwise.
	Status    domain.Status
	FilledQty int64
	AvgPrice  float64
	Message   string

	// EventFill.
	ExecID    string
	FillQty   int64
	FillPrice float64
	FillTime  string

	// EventCommission.
	Commission         float64
	CommissionCurrency string
	RealizedPnL        float64

	// Order is the broker's own snapshot of the order, attached only when
	// the session can tell the order did not originate here. A consumer
	// may use it to adopt the order into the ledger.
	Order *domain.Order

	// EventPosition.
	Position *domain.Position

	// EventAccountValue.
	AccountValue *domain.AccountValue
}

// Session is a single logical brokerage connection. Mutating calls may block
// on the wire; callers front them with a Guard. Events delivers the
// asynchronous stream until Close.
type Session interface {
	// Name identifies the backend ("sim", "alpaca").
	Name() string

	// Connected reports whether the session can currently reach the broker.
	Connected() bool

	// SubmitOrder sends a new order and returns the broker-assigned ID.
	SubmitOrder(ctx context.Context, o *domain.Order) (int64, error)

	// CancelOrder requests cancellation of a working order. The outcome
	// arrives as an event.
	CancelOrder(ctx context.Context, brokerOrderID int64) error

	// ModifyOrder replaces a working order's quantity, type, price or TIF
	// with the merged values carried by o.
	ModifyOrder(ctx context.Context, brokerOrderID int64, o *domain.Order) error

	// Events returns the session's event stream. The channel closes when
	// the session shuts down.
	Events() <-chan Event

	// Close tears the session down and closes the event stream.
	Close() error
}
