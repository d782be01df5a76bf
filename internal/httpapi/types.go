// Package httpapi exposes the order desk over HTTP: JSON endpoints for
// order entry, cancels and modifies, ledger reads and session health, plus
// a websocket stream of live updates.
package httpapi

import (
	"strings"

	"tradedesk/internal/domain"
)

// PlaceOrderRequest is the body for the order entry endpoints. Price is a
// pointer so absent and zero stay distinguishable.
type PlaceOrderRequest struct {
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	Quantity  int64    `json:"quantity"`
	OrderType string   `json:"order_type"`
	Price     *float64 `json:"price,omitempty"`
	TIF       string   `json:"tif"`

	// Option contract fields, used by the option endpoint only.
	Expiry string  `json:"expiry,omitempty"`
	Strike float64 `json:"strike,omitempty"`
	Right  string  `json:"right,omitempty"`
}

// Spec converts the request into a domain spec. Enumerated fields are
// upper-cased so clients may send either case.
func (r *PlaceOrderRequest) Spec() domain.OrderSpec {
	return domain.OrderSpec{
		Symbol:    strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Side:      domain.Side(strings.ToUpper(r.Side)),
		Quantity:  r.Quantity,
		OrderType: domain.OrderType(strings.ToUpper(r.OrderType)),
		Price:     r.Price,
		TIF:       domain.TIF(strings.ToUpper(r.TIF)),
		Expiry:    r.Expiry,
		Strike:    r.Strike,
		Right:     domain.OptionRight(strings.ToUpper(r.Right)),
	}
}

// ModifyOrderRequest is the body for PATCH /api/orders/{id}. Absent fields
// mean "no change".
type ModifyOrderRequest struct {
	Quantity  *int64   `json:"quantity,omitempty"`
	OrderType *string  `json:"order_type,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	TIF       *string  `json:"tif,omitempty"`
}

func (r *ModifyOrderRequest) changes() domain.ModifyRequest {
	m := domain.ModifyRequest{Quantity: r.Quantity, Price: r.Price}
	if r.OrderType != nil {
		ot := domain.OrderType(strings.ToUpper(*r.OrderType))
		m.OrderType = &ot
	}
	if r.TIF != nil {
		tif := domain.TIF(strings.ToUpper(*r.TIF))
		m.TIF = &tif
	}
	return m
}

// CommandResponse reports the outcome of a cancel or modify.
type CommandResponse struct {
	OK      bool          `json:"ok"`
	Status  domain.Status `json:"status"`
	Message string        `json:"message,omitempty"`
}

// OrdersResponse wraps an order listing.
type OrdersResponse struct {
	Orders []*domain.Order `json:"orders"`
}

// FillsResponse wraps a fill listing.
type FillsResponse struct {
	Fills []*domain.Fill `json:"fills"`
}

// PositionsResponse wraps a position listing.
type PositionsResponse struct {
	Positions []*domain.Position `json:"positions"`
}

// AccountResponse wraps account value rows.
type AccountResponse struct {
	Values []*domain.AccountValue `json:"values"`
}
