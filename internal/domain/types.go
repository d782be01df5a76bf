// Package domain defines the core record types of the order engine: orders,
// fills, positions and account values, together with the enumerations and
// validation rules shared by every layer.
package domain

import "time"

// AssetClass distinguishes stock from option orders.
type AssetClass string

const (
	AssetStock  AssetClass = "STK"
	AssetOption AssetClass = "OPT"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType selects the execution style.
type OrderType string

const (
	TypeMarket OrderType = "MKT"
	TypeLimit  OrderType = "LMT"
	TypeStop   OrderType = "STP"
)

// TIF is the time-in-force of an order.
type TIF string

const (
	TIFDay TIF = "DAY"
	TIFGTC TIF = "GTC"
)

// OptionRight is the call/put flag on an option contract.
type OptionRight string

const (
	RightCall OptionRight = "C"
	RightPut  OptionRight = "P"
)

// Status is the lifecycle state of an order. CANCEL_REQUESTED overlays a
// working state while a cancel is pending at the broker.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusPendingSubmit   Status = "PENDING_SUBMIT"
	StatusSubmitted       Status = "SUBMITTED"
	StatusAcked           Status = "ACKED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	StatusError           Status = "ERROR"
	StatusCancelRequested Status = "CANCEL_REQUESTED"
)

// Terminal reports whether s is an end state that accepts no further
// transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusError:
		return true
	}
	return false
}

// Working reports whether s is a live broker-side state: the order has been
// handed to the broker and has not reached a terminal state.
func (s Status) Working() bool {
	switch s {
	case StatusSubmitted, StatusAcked, StatusPartiallyFilled:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// Order is the master record for one order. OrderID is assigned internally
// and never changes; BrokerOrderID is zero until the broker acknowledges.
type Order struct {
	OrderID       int64      `json:"order_id"`
	BrokerOrderID int64      `json:"broker_order_id,omitempty"`
	AssetClass    AssetClass `json:"asset_class"`
	Symbol        string     `json:"symbol"`

	// Option contract fields, set iff AssetClass == AssetOption.
	Expiry string      `json:"expiry,omitempty"`
	Strike float64     `json:"strike,omitempty"`
	Right  OptionRight `json:"right,omitempty"`

	Side      Side      `json:"side"`
	Quantity  int64     `json:"quantity"`
	OrderType OrderType `json:"order_type"`
	Price     float64   `json:"price,omitempty"`
	TIF       TIF       `json:"tif"`

	Status    Status  `json:"status"`
	FilledQty int64   `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price,omitempty"`
	Message   string  `json:"message,omitempty"`

	Commission         float64 `json:"commission,omitempty"`
	CommissionCurrency string  `json:"commission_currency,omitempty"`
	RealizedPnL        float64 `json:"realized_pnl,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the order safe for the caller to mutate.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Fill is one execution against an order. Fills are immutable once recorded;
// ExecID dedupes broker replays. Time is the broker-reported execution
// timestamp, passed through as text.
type Fill struct {
	FillID        int64   `json:"fill_id"`
	OrderID       int64   `json:"order_id"`
	ExecID        string  `json:"exec_id"`
	Price         float64 `json:"price"`
	FilledQty     int64   `json:"filled_qty"`
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Time          string  `json:"time"`
	BrokerOrderID int64   `json:"broker_order_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PositionKey identifies one position row.
type PositionKey struct {
	Account  string
	Symbol   string
	SecType  string
	Exchange string
	ConID    int64
}

// Position is a broker-reported holding. Quantity is signed: positive long,
// negative short.
type Position struct {
	Account  string  `json:"account"`
	Symbol   string  `json:"symbol"`
	SecType  string  `json:"sec_type"`
	Exchange string  `json:"exchange"`
	ConID    int64   `json:"con_id"`
	Position float64 `json:"position"`
	AvgCost  float64 `json:"avg_cost"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the identity tuple for this position.
func (p *Position) Key() PositionKey {
	return PositionKey{
		Account:  p.Account,
		Symbol:   p.Symbol,
		SecType:  p.SecType,
		Exchange: p.Exchange,
		ConID:    p.ConID,
	}
}

// AccountValueKey identifies one account metric row.
type AccountValueKey struct {
	Account  string
	Tag      string
	Currency string
}

// AccountValue is a broker-reported account metric. Value stays a string:
// different tags carry different formats and the engine never interprets
// them.
type AccountValue struct {
	Account  string `json:"account"`
	Tag      string `json:"tag"`
	Currency string `json:"currency"`
	Value    string `json:"value"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the identity tuple for this account value.
func (v *AccountValue) Key() AccountValueKey {
	return AccountValueKey{Account: v.Account, Tag: v.Tag, Currency: v.Currency}
}

// OrderHandle is returned by place operations: the assigned internal ID plus
// whatever the broker reported synchronously.
type OrderHandle struct {
	OrderID       int64     `json:"order_id"`
	BrokerOrderID int64     `json:"broker_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      int64     `json:"quantity"`
	Status        Status    `json:"status"`
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
