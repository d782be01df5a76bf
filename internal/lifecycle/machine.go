// Package lifecycle is the single authority on order state transitions.
// Every mutation of an order record, whether driven by a client command or a
// broker event, is validated and applied here; the ledger never accepts a
// change these functions reject.
package lifecycle

import (
	"fmt"

	"tradedesk/internal/domain"
)

// statusRank orders the forward progress of the non-terminal states. Broker
// status events must never move an order backwards (a stale SUBMITTED after
// a partial fill is dropped).
var statusRank = map[domain.Status]int{
	domain.StatusNew:             0,
	domain.StatusPendingSubmit:   1,
	domain.StatusSubmitted:       2,
	domain.StatusAcked:           3,
	domain.StatusPartiallyFilled: 4,
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

// CanCancel reports whether a cancel command is legal for status s.
func CanCancel(s domain.Status) bool { return s.Working() }

// CanModify reports whether a modify command is legal for status s. An order
// with a pending cancel cannot be modified.
func CanModify(s domain.Status) bool { return s.Working() }

// ---------------------------------------------------------------------------
// Command-driven transitions
// ---------------------------------------------------------------------------

// MarkPendingSubmit moves a freshly created order to PENDING_SUBMIT. Only
// NEW orders qualify; this is the one client-initiated transition.
func MarkPendingSubmit(o *domain.Order) error {
	if o.Status != domain.StatusNew {
		return fmt.Errorf("submit from %s: %w", o.Status, domain.ErrInvalidState)
	}
	o.Status = domain.StatusPendingSubmit
	return nil
}

// MarkSubmitted records a successful broker submit with the ID the broker
// returned synchronously.
func MarkSubmitted(o *domain.Order, brokerOrderID int64) error {
	return Ack(o, brokerOrderID)
}

// RequestCancel overlays CANCEL_REQUESTED on a working order. The overlay
// resolves when the broker confirms (CANCELLED) or reports the order's
// actual state (cancel refused).
func RequestCancel(o *domain.Order) error {
	if !CanCancel(o.Status) {
		return fmt.Errorf("cancel from %s: %w", o.Status, domain.ErrInvalidState)
	}
	o.Status = domain.StatusCancelRequested
	return nil
}

// CheckModify validates a merged modify candidate against the current order
// without mutating either. next carries the post-merge quantity, order type,
// price and TIF.
func CheckModify(o, next *domain.Order) error {
	if !CanModify(o.Status) {
		return fmt.Errorf("modify from %s: %w", o.Status, domain.ErrInvalidState)
	}
	if next.Quantity <= 0 {
		return fmt.Errorf("quantity %d must be positive: %w", next.Quantity, domain.ErrInvalidModification)
	}
	if next.Quantity < o.FilledQty {
		return fmt.Errorf("quantity %d below filled %d: %w", next.Quantity, o.FilledQty, domain.ErrInvalidModification)
	}
	switch next.OrderType {
	case domain.TypeMarket:
	case domain.TypeLimit, domain.TypeStop:
		if next.Price <= 0 {
			return fmt.Errorf("%s requires a positive price: %w", next.OrderType, domain.ErrInvalidModification)
		}
	default:
		return fmt.Errorf("order type %q: %w", next.OrderType, domain.ErrInvalidModification)
	}
	switch next.TIF {
	case domain.TIFDay, domain.TIFGTC:
	default:
		return fmt.Errorf("tif %q: %w", next.TIF, domain.ErrInvalidModification)
	}
	return nil
}

// ApplyModify writes the merged modify fields onto the order after the
// broker accepted the replacement. The broker-side order keeps its ID, so
// identity fields never change.
func ApplyModify(o, next *domain.Order) error {
	if err := CheckModify(o, next); err != nil {
		return err
	}
	o.Quantity = next.Quantity
	o.OrderType = next.OrderType
	o.Price = next.Price
	o.TIF = next.TIF
	return nil
}

// ---------------------------------------------------------------------------
// Event-driven transitions
// ---------------------------------------------------------------------------

// Ack records the broker acknowledgement. Re-acks with the same ID are
// no-ops; an ack carrying a different ID than the one already bound is
// rejected (the broker never reassigns post-ack).
func Ack(o *domain.Order, brokerOrderID int64) error {
	if o.Status.Terminal() {
		return fmt.Errorf("ack on terminal %s: %w", o.Status, domain.ErrInvalidState)
	}
	if o.BrokerOrderID != 0 && brokerOrderID != 0 && o.BrokerOrderID != brokerOrderID {
		return fmt.Errorf("order %d already bound to broker id %d, got %d: %w",
			o.OrderID, o.BrokerOrderID, brokerOrderID, domain.ErrInvalidState)
	}
	if brokerOrderID != 0 {
		o.BrokerOrderID = brokerOrderID
	}
	if o.Status == domain.StatusNew || o.Status == domain.StatusPendingSubmit {
		o.Status = domain.StatusSubmitted
	}
	return nil
}

// ApplyFill folds one execution into the order: filled quantity grows by the
// increment and the average price is recomputed as a volume-weighted mean.
// The caller is responsible for exec_id dedup; this function guards the
// quantity invariant and the terminal states.
func ApplyFill(o *domain.Order, qty int64, price float64) error {
	if o.Status.Terminal() {
		return fmt.Errorf("fill on terminal %s: %w", o.Status, domain.ErrInvalidState)
	}
	if qty <= 0 {
		return fmt.Errorf("fill quantity %d must be positive: %w", qty, domain.ErrInvalidState)
	}
	newFilled := o.FilledQty + qty
	if newFilled > o.Quantity {
		return fmt.Errorf("fill overruns order: %d + %d > %d: %w",
			o.FilledQty, qty, o.Quantity, domain.ErrInvalidState)
	}
	o.AvgPrice = (o.AvgPrice*float64(o.FilledQty) + price*float64(qty)) / float64(newFilled)
	o.FilledQty = newFilled
	switch {
	case newFilled == o.Quantity:
		o.Status = domain.StatusFilled
	case o.Status == domain.StatusCancelRequested:
		// Partial fill while a cancel is pending: quantity advances but the
		// overlay stays until the broker resolves the cancel.
	default:
		o.Status = domain.StatusPartiallyFilled
	}
	return nil
}

// ApplyStatus folds a broker status report into the order. Fill aggregates
// in the report are applied monotonically; the status itself never moves the
// order backwards except to resolve a CANCEL_REQUESTED overlay to the state
// the broker actually reports.
func ApplyStatus(o *domain.Order, reported domain.Status, filledQty int64, avgPrice float64, msg string) error {
	if o.Status.Terminal() {
		return fmt.Errorf("status %s on terminal %s: %w", reported, o.Status, domain.ErrInvalidState)
	}
	if filledQty > o.Quantity {
		return fmt.Errorf("reported filled %d exceeds quantity %d: %w",
			filledQty, o.Quantity, domain.ErrInvalidState)
	}
	if filledQty > o.FilledQty {
		o.FilledQty = filledQty
	}
	if avgPrice > 0 {
		o.AvgPrice = avgPrice
	}
	if msg != "" {
		o.Message = msg
	}

	switch reported {
	case domain.StatusCancelled:
		o.Status = domain.StatusCancelled
	case domain.StatusRejected:
		o.Status = domain.StatusRejected
	case domain.StatusError:
		o.Status = domain.StatusError
	case domain.StatusFilled:
		// Trust a completion report only when the quantities agree;
		// otherwise the remaining fill events will finish the job.
		if o.FilledQty == o.Quantity {
			o.Status = domain.StatusFilled
		} else if o.Status != domain.StatusCancelRequested && o.FilledQty > 0 {
			o.Status = domain.StatusPartiallyFilled
		}
	case domain.StatusSubmitted, domain.StatusAcked, domain.StatusPartiallyFilled:
		if o.Status == domain.StatusCancelRequested {
			// Broker refused or ignored the cancel: restore the live state.
			o.Status = reported
			return nil
		}
		if statusRank[reported] > statusRank[o.Status] {
			o.Status = reported
		}
	case domain.StatusCancelRequested, domain.StatusNew, domain.StatusPendingSubmit:
		// Not states a broker reports; ignore.
	default:
		return fmt.Errorf("unrecognized status %q: %w", reported, domain.ErrInvalidState)
	}
	return nil
}

// Reject terminates a non-terminal order with REJECTED and records the
// broker's reason.
func Reject(o *domain.Order, msg string) error {
	if o.Status.Terminal() {
		return fmt.Errorf("reject on terminal %s: %w", o.Status, domain.ErrInvalidState)
	}
	o.Status = domain.StatusRejected
	o.Message = msg
	return nil
}

// Fail terminates a non-terminal order with ERROR and records the reason.
// Used both for broker error events and for submit failures, so the attempt
// stays auditable.
func Fail(o *domain.Order, msg string) error {
	if o.Status.Terminal() {
		return fmt.Errorf("error on terminal %s: %w", o.Status, domain.ErrInvalidState)
	}
	o.Status = domain.StatusError
	o.Message = msg
	return nil
}
