package engine

import (
	"fmt"

	"tradedesk/internal/domain"
)

// Limits enforces pre-trade checks before an order is accepted for
// submission. Violations surface as validation errors, never as broker
// calls.
type Limits struct {
	maxOrderQty   int64
	maxOpenOrders int
}

// NewLimits creates a Limits checker. A zero threshold disables that check.
func NewLimits(maxOrderQty int64, maxOpenOrders int) *Limits {
	return &Limits{
		maxOrderQty:   maxOrderQty,
		maxOpenOrders: maxOpenOrders,
	}
}

// CheckQuantity rejects quantities over the per-order cap.
func (l *Limits) CheckQuantity(qty int64) error {
	if l.maxOrderQty > 0 && qty > l.maxOrderQty {
		return &domain.ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%d exceeds the per-order cap of %d", qty, l.maxOrderQty),
		}
	}
	return nil
}

// CheckOpenOrders rejects a new order once too many are already open.
func (l *Limits) CheckOpenOrders(open int) error {
	if l.maxOpenOrders > 0 && open >= l.maxOpenOrders {
		return &domain.ValidationError{
			Field:  "open_orders",
			Reason: fmt.Sprintf("%d open orders reached the cap of %d", open, l.maxOpenOrders),
		}
	}
	return nil
}
