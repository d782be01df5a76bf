// Package engine coordinates the order desk: client commands flow through
// the Engine, broker events flow through the Reconciler, and both funnel
// every order mutation through the lifecycle rules into the ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/ident"
	"tradedesk/internal/lifecycle"
	"tradedesk/internal/store"
)

// Engine executes client commands against the ledger and the brokerage
// session. Every accepted order is persisted before it is sent, so a crash
// between the two leaves an auditable PENDING_SUBMIT record rather than an
// untracked working order.
type Engine struct {
	ledger   store.Ledger
	ids      *ident.Registry
	session  broker.Session
	limits   *Limits
	notifier Notifier
	locks    *keyedLocks
	log      *slog.Logger
}

// NewEngine creates an Engine wired with the given dependencies. The
// session is normally a broker.Guard. A nil notifier discards updates.
func NewEngine(
	ledger store.Ledger,
	ids *ident.Registry,
	session broker.Session,
	limits *Limits,
	notifier Notifier,
	log *slog.Logger,
) *Engine {
	if limits == nil {
		limits = NewLimits(0, 0)
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		ledger:   ledger,
		ids:      ids,
		session:  session,
		limits:   limits,
		notifier: notifier,
		locks:    newKeyedLocks(),
		log:      log.With("component", "engine"),
	}
}

// ---------------------------------------------------------------------------
// Place
// ---------------------------------------------------------------------------

// PlaceStock validates and submits a stock order, returning its handle once
// the broker has accepted it.
func (e *Engine) PlaceStock(ctx context.Context, spec domain.OrderSpec) (*domain.OrderHandle, error) {
	spec.AssetClass = domain.AssetStock
	return e.place(ctx, spec)
}

// PlaceOption validates and submits an option order.
func (e *Engine) PlaceOption(ctx context.Context, spec domain.OrderSpec) (*domain.OrderHandle, error) {
	spec.AssetClass = domain.AssetOption
	return e.place(ctx, spec)
}

func (e *Engine) place(ctx context.Context, spec domain.OrderSpec) (*domain.OrderHandle, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := e.limits.CheckQuantity(spec.Quantity); err != nil {
		return nil, err
	}
	open, err := e.ledger.CountOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("count open orders: %w", err)
	}
	if err := e.limits.CheckOpenOrders(open); err != nil {
		return nil, err
	}

	orderID := e.ids.Allocate()
	o := orderFromSpec(orderID, spec)
	if err := lifecycle.MarkPendingSubmit(o); err != nil {
		return nil, fmt.Errorf("order %d: %w", orderID, err)
	}
	if err := e.ledger.PutOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("persist order %d: %w", orderID, err)
	}
	e.notifier.OrderUpdated(o)

	unlock := e.locks.lock(orderID)
	defer unlock()

	brokerID, err := e.session.SubmitOrder(ctx, o)
	if err != nil {
		if failed, ferr := e.ledger.MutateOrder(ctx, orderID, func(o *domain.Order) error {
			return lifecycle.Fail(o, err.Error())
		}); ferr != nil {
			e.log.Error("mark submit failure", "order_id", orderID, "err", ferr)
		} else {
			e.notifier.OrderUpdated(failed)
		}
		return nil, fmt.Errorf("submit order %d: %w", orderID, err)
	}

	if err := e.ids.Bind(orderID, brokerID); err != nil {
		e.log.Error("bind broker id", "order_id", orderID, "broker_order_id", brokerID, "err", err)
	}
	acked, err := e.ledger.MutateOrder(ctx, orderID, func(o *domain.Order) error {
		return lifecycle.Ack(o, brokerID)
	})
	if err != nil {
		// Stream events can carry the order past the ack, even to a fill,
		// between Bind and here.
		cur, gerr := e.ledger.GetOrder(ctx, orderID)
		if gerr != nil || cur.BrokerOrderID != brokerID {
			return nil, fmt.Errorf("ack order %d: %w", orderID, err)
		}
		acked = cur
	} else {
		e.notifier.OrderUpdated(acked)
	}

	e.log.Info("order placed",
		"order_id", orderID, "broker_order_id", brokerID, "symbol", o.Symbol,
		"side", o.Side, "qty", o.Quantity, "type", o.OrderType)
	return handleFrom(acked), nil
}

// ---------------------------------------------------------------------------
// Cancel and modify
// ---------------------------------------------------------------------------

// Cancel requests cancellation of a working order. The returned record
// shows CANCEL_REQUESTED; the terminal CANCELLED arrives with the broker's
// confirmation through the event stream.
func (e *Engine) Cancel(ctx context.Context, orderID int64) (*domain.Order, error) {
	unlock := e.locks.lock(orderID)
	defer unlock()

	var prev domain.Status
	var brokerID int64
	requested, err := e.ledger.MutateOrder(ctx, orderID, func(o *domain.Order) error {
		prev = o.Status
		if err := lifecycle.RequestCancel(o); err != nil {
			return err
		}
		brokerID = o.BrokerOrderID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	e.notifier.OrderUpdated(requested)

	if err := e.session.CancelOrder(ctx, brokerID); err != nil {
		if !errors.Is(err, domain.ErrBrokerTimeout) {
			// The broker never took the request; put the order back. On a
			// timeout the overlay stays, since the cancel may still land.
			if restored, rerr := e.ledger.MutateOrder(ctx, orderID, func(o *domain.Order) error {
				return lifecycle.ApplyStatus(o, prev, o.FilledQty, o.AvgPrice, "cancel not sent")
			}); rerr != nil {
				e.log.Error("restore after failed cancel", "order_id", orderID, "err", rerr)
			} else {
				e.notifier.OrderUpdated(restored)
			}
		}
		return nil, fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	e.log.Info("cancel requested", "order_id", orderID, "broker_order_id", brokerID)
	return requested, nil
}

// Modify submits a replacement for a working order. Nil request fields keep
// their current values. The ledger changes only after the broker accepts
// the replacement.
func (e *Engine) Modify(ctx context.Context, orderID int64, req domain.ModifyRequest) (*domain.Order, error) {
	if req.Empty() {
		return nil, &domain.ValidationError{Field: "modify", Reason: "no fields to change"}
	}

	unlock := e.locks.lock(orderID)
	defer unlock()

	cur, err := e.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("modify order %d: %w", orderID, err)
	}
	next := mergeModify(cur, req)
	if err := lifecycle.CheckModify(cur, next); err != nil {
		return nil, fmt.Errorf("modify order %d: %w", orderID, err)
	}
	if err := e.limits.CheckQuantity(next.Quantity); err != nil {
		return nil, err
	}

	if err := e.session.ModifyOrder(ctx, cur.BrokerOrderID, next); err != nil {
		return nil, fmt.Errorf("modify order %d: %w", orderID, err)
	}

	updated, err := e.ledger.MutateOrder(ctx, orderID, func(o *domain.Order) error {
		return lifecycle.ApplyModify(o, next)
	})
	if err != nil {
		// A fill raced in between the broker accept and the commit; the
		// broker reconciles the replacement on its side.
		return nil, fmt.Errorf("modify order %d: %w", orderID, err)
	}
	e.notifier.OrderUpdated(updated)

	e.log.Info("order modified",
		"order_id", orderID, "broker_order_id", cur.BrokerOrderID,
		"qty", updated.Quantity, "price", updated.Price)
	return updated, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetOrder returns one order by its internal ID.
func (e *Engine) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	return e.ledger.GetOrder(ctx, orderID)
}

// ListOrders returns orders newest first. A non-positive limit applies the
// store's default bound.
func (e *Engine) ListOrders(ctx context.Context, limit int) ([]*domain.Order, error) {
	return e.ledger.ListOrders(ctx, limit)
}

// ListFills returns executions newest first, scoped to one order when
// orderID is positive.
func (e *Engine) ListFills(ctx context.Context, orderID int64, limit int) ([]*domain.Fill, error) {
	if orderID > 0 {
		if _, err := e.ledger.GetOrder(ctx, orderID); err != nil {
			return nil, err
		}
	}
	return e.ledger.ListFills(ctx, orderID, limit)
}

// Positions returns the current position rows.
func (e *Engine) Positions(ctx context.Context) ([]*domain.Position, error) {
	return e.ledger.ListPositions(ctx)
}

// AccountValues returns account metrics, optionally filtered by account.
func (e *Engine) AccountValues(ctx context.Context, account string) ([]*domain.AccountValue, error) {
	return e.ledger.ListAccountValues(ctx, account)
}

// Stats returns ledger aggregates for dashboards.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.ledger.Stats(ctx)
}

// ---------------------------------------------------------------------------
// Warm start
// ---------------------------------------------------------------------------

// Restore seeds the ledger and the identity registry from archived state.
// Orders that never received a broker ID are failed: their submit outcome
// was lost with the previous process, and no event will ever resolve them.
func (e *Engine) Restore(ctx context.Context, orders []*domain.Order, maxOrderID int64) error {
	for _, o := range orders {
		if err := e.ledger.PutOrder(ctx, o); err != nil {
			return fmt.Errorf("restore order %d: %w", o.OrderID, err)
		}
	}
	e.ids.Restore(orders)
	e.ids.Seed(maxOrderID)

	for _, o := range orders {
		if o.BrokerOrderID != 0 || o.Status.Terminal() {
			continue
		}
		if _, err := e.ledger.MutateOrder(ctx, o.OrderID, func(o *domain.Order) error {
			return lifecycle.Fail(o, "submit outcome lost in restart")
		}); err != nil {
			e.log.Warn("settle unbound order", "order_id", o.OrderID, "err", err)
			continue
		}
		e.log.Warn("order failed on restore, submit outcome unknown", "order_id", o.OrderID)
	}

	e.log.Info("state restored", "orders", len(orders), "max_order_id", maxOrderID)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func orderFromSpec(orderID int64, spec domain.OrderSpec) *domain.Order {
	o := &domain.Order{
		OrderID:    orderID,
		AssetClass: spec.AssetClass,
		Symbol:     spec.Symbol,
		Side:       spec.Side,
		Quantity:   spec.Quantity,
		OrderType:  spec.OrderType,
		TIF:        spec.TIF,
		Status:     domain.StatusNew,
	}
	if spec.Price != nil {
		o.Price = *spec.Price
	}
	if spec.AssetClass == domain.AssetOption {
		o.Expiry = spec.Expiry
		o.Strike = spec.Strike
		o.Right = spec.Right
	}
	return o
}

func mergeModify(cur *domain.Order, req domain.ModifyRequest) *domain.Order {
	next := cur.Clone()
	if req.Quantity != nil {
		next.Quantity = *req.Quantity
	}
	if req.OrderType != nil {
		next.OrderType = *req.OrderType
	}
	if req.Price != nil {
		next.Price = *req.Price
	}
	if req.TIF != nil {
		next.TIF = *req.TIF
	}
	return next
}

func handleFrom(o *domain.Order) *domain.OrderHandle {
	return &domain.OrderHandle{
		OrderID:       o.OrderID,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Status:        o.Status,
		Message:       o.Message,
		CreatedAt:     o.CreatedAt,
	}
}
