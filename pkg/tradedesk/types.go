package tradedesk

import "time"

// PlaceOrderRequest is the body for the order entry endpoints. Price must
// be set for limit orders. The option contract fields apply to
// PlaceOptionOrder only.
type PlaceOrderRequest struct {
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	Quantity  int64    `json:"quantity"`
	OrderType string   `json:"order_type"`
	Price     *float64 `json:"price,omitempty"`
	TIF       string   `json:"tif"`

	Expiry string  `json:"expiry,omitempty"`
	Strike float64 `json:"strike,omitempty"`
	Right  string  `json:"right,omitempty"`
}

// ModifyOrderRequest carries the fields to change on a working order.
// Absent fields mean "no change".
type ModifyOrderRequest struct {
	Quantity  *int64   `json:"quantity,omitempty"`
	OrderType *string  `json:"order_type,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	TIF       *string  `json:"tif,omitempty"`
}

// OrderHandle is returned by the place endpoints.
type OrderHandle struct {
	OrderID       int64     `json:"order_id"`
	BrokerOrderID int64     `json:"broker_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      int64     `json:"quantity"`
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Order is the server's full view of one order.
type Order struct {
	OrderID       int64  `json:"order_id"`
	BrokerOrderID int64  `json:"broker_order_id,omitempty"`
	AssetClass    string `json:"asset_class"`
	Symbol        string `json:"symbol"`

	Expiry string  `json:"expiry,omitempty"`
	Strike float64 `json:"strike,omitempty"`
	Right  string  `json:"right,omitempty"`

	Side      string  `json:"side"`
	Quantity  int64   `json:"quantity"`
	OrderType string  `json:"order_type"`
	Price     float64 `json:"price,omitempty"`
	TIF       string  `json:"tif"`

	Status    string  `json:"status"`
	FilledQty int64   `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price,omitempty"`
	Message   string  `json:"message,omitempty"`

	Commission         float64 `json:"commission,omitempty"`
	CommissionCurrency string  `json:"commission_currency,omitempty"`
	RealizedPnL        float64 `json:"realized_pnl,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fill is one recorded execution.
type Fill struct {
	FillID        int64     `json:"fill_id"`
	OrderID       int64     `json:"order_id"`
	ExecID        string    `json:"exec_id"`
	Price         float64   `json:"price"`
	FilledQty     int64     `json:"filled_qty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Time          string    `json:"time"`
	BrokerOrderID int64     `json:"broker_order_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Position is a broker-reported holding.
type Position struct {
	Account   string    `json:"account"`
	Symbol    string    `json:"symbol"`
	SecType   string    `json:"sec_type"`
	Exchange  string    `json:"exchange"`
	ConID     int64     `json:"con_id"`
	Position  float64   `json:"position"`
	AvgCost   float64   `json:"avg_cost"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountValue is a broker-reported account metric.
type AccountValue struct {
	Account   string    `json:"account"`
	Tag       string    `json:"tag"`
	Currency  string    `json:"currency"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CommandResult reports the outcome of a cancel or modify.
type CommandResult struct {
	OK      bool   `json:"ok"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Stats is the dashboard aggregate.
type Stats struct {
	OrdersByStatus map[string]int `json:"orders_by_status"`
	OpenOrders     int            `json:"open_orders"`
	Fills          int            `json:"fills"`
	SharesFilled   int64          `json:"shares_filled"`
	Notional       float64        `json:"notional"`
	Commission     float64        `json:"commission"`
	RealizedPnL    float64        `json:"realized_pnl"`
	OpenPositions  int            `json:"open_positions"`
}

// Health is the broker session health report.
type Health struct {
	Backend     string    `json:"backend"`
	Connected   bool      `json:"connected"`
	InFlight    bool      `json:"in_flight"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Timeouts    int64     `json:"timeouts"`
}

type ordersResponse struct {
	Orders []Order `json:"orders"`
}

type fillsResponse struct {
	Fills []Fill `json:"fills"`
}

type positionsResponse struct {
	Positions []Position `json:"positions"`
}

type accountResponse struct {
	Values []AccountValue `json:"values"`
}
