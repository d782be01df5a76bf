package domain

import (
	"errors"
	"fmt"
)

// Command error taxonomy. Callers branch with errors.Is; the API layer maps
// each to an HTTP status.
var (
	// ErrNotFound reports an unknown order_id.
	ErrNotFound = errors.New("order not found")

	// ErrInvalidState reports a command that is illegal for the order's
	// current lifecycle state, e.g. cancel on a terminal order.
	ErrInvalidState = errors.New("invalid order state")

	// ErrInvalidModification reports a modify that violates the
	// filled-quantity or price-requirement guard.
	ErrInvalidModification = errors.New("invalid modification")

	// ErrBrokerUnavailable reports that no broker session is connected. The
	// order is still persisted as ERROR so the attempt stays auditable.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrBrokerTimeout reports a broker call that was dispatched but did not
	// complete in time. The outcome is unknown: callers must re-query, not
	// resubmit.
	ErrBrokerTimeout = errors.New("broker call timed out")

	// ErrUnknownOrder reports a broker event that could not be mapped to an
	// internal order within the bounded wait.
	ErrUnknownOrder = errors.New("unknown broker order")

	// ErrAlreadyBound reports an attempt to bind an order to a second broker
	// ID, or a broker ID to a second order. Bindings are write-once.
	ErrAlreadyBound = errors.New("identity already bound")
)

// ValidationError reports a malformed request field. Requests failing
// validation never reach the broker and are never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
