package domain

import "fmt"

// OrderSpec is a validated place request. Price is a pointer so "absent" and
// "zero" stay distinguishable at the boundary; option fields are required iff
// AssetClass is AssetOption.
type OrderSpec struct {
	AssetClass AssetClass
	Symbol     string

	Expiry string
	Strike float64
	Right  OptionRight

	Side      Side
	Quantity  int64
	OrderType OrderType
	Price     *float64
	TIF       TIF
}

// Normalize fills defaults: empty OrderType becomes MKT, empty TIF becomes
// DAY.
func (s *OrderSpec) Normalize() {
	if s.OrderType == "" {
		s.OrderType = TypeMarket
	}
	if s.TIF == "" {
		s.TIF = TIFDay
	}
}

// Validate checks the spec against the order rules. It returns a
// *ValidationError naming the first offending field, or nil. The broker is
// never contacted for a spec that fails here.
func (s *OrderSpec) Validate() error {
	if s.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	switch s.Side {
	case SideBuy, SideSell:
	default:
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("%q is not BUY or SELL", s.Side)}
	}
	if s.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	switch s.OrderType {
	case TypeMarket:
		// Price, if supplied, is ignored for market orders.
	case TypeLimit, TypeStop:
		if s.Price == nil {
			return &ValidationError{Field: "price", Reason: fmt.Sprintf("required for %s orders", s.OrderType)}
		}
		if *s.Price <= 0 {
			return &ValidationError{Field: "price", Reason: "must be positive"}
		}
	default:
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("%q is not MKT, LMT or STP", s.OrderType)}
	}
	switch s.TIF {
	case TIFDay, TIFGTC:
	default:
		return &ValidationError{Field: "tif", Reason: fmt.Sprintf("%q is not DAY or GTC", s.TIF)}
	}

	switch s.AssetClass {
	case AssetStock:
		// Option fields must not leak onto stock orders.
		if s.Expiry != "" || s.Strike != 0 || s.Right != "" {
			return &ValidationError{Field: "asset_class", Reason: "option fields set on a stock order"}
		}
	case AssetOption:
		if len(s.Expiry) != 8 || !allDigits(s.Expiry) {
			return &ValidationError{Field: "expiry", Reason: "must be YYYYMMDD"}
		}
		if s.Strike <= 0 {
			return &ValidationError{Field: "strike", Reason: "must be positive"}
		}
		if s.Right != RightCall && s.Right != RightPut {
			return &ValidationError{Field: "right", Reason: "must be C or P"}
		}
	default:
		return &ValidationError{Field: "asset_class", Reason: fmt.Sprintf("%q is not STK or OPT", s.AssetClass)}
	}
	return nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ModifyRequest carries the changed fields of a modify command. Nil means
// "no change"; the engine merges each set field over the stored order before
// re-validating.
type ModifyRequest struct {
	Quantity  *int64
	OrderType *OrderType
	Price     *float64
	TIF       *TIF
}

// Empty reports whether the request changes nothing.
func (m *ModifyRequest) Empty() bool {
	return m.Quantity == nil && m.OrderType == nil && m.Price == nil && m.TIF == nil
}
