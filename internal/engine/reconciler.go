package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/ident"
	"tradedesk/internal/lifecycle"
	"tradedesk/internal/store"
)

// maxPending bounds the unresolved-event buffer. Past it the oldest entry
// is dropped.
const maxPending = 1024

// ReconcilerConfig tunes event reconciliation.
type ReconcilerConfig struct {
	// AdoptForeignOrders creates ledger records for orders the broker
	// reports that were not placed by this process.
	AdoptForeignOrders bool
	// ResolveWait bounds how long an event may wait for its order's broker
	// binding before it is dropped. Defaults to 5 seconds.
	ResolveWait time.Duration
}

// Reconciler is the single consumer of the broker event stream. It resolves
// each event to an internal order through the identity registry and folds
// it into the ledger under the lifecycle rules. Events that arrive before
// their order's binding, which happens when the stream outruns the submit
// call, wait in a bounded buffer; per-order arrival order is preserved.
type Reconciler struct {
	ledger   store.Ledger
	ids      *ident.Registry
	session  broker.Session
	notifier Notifier
	cfg      ReconcilerConfig
	log      *slog.Logger

	pending []pendingEvent
}

type pendingEvent struct {
	event    broker.Event
	deadline time.Time
}

// NewReconciler creates a reconciler for the session's event stream.
func NewReconciler(
	ledger store.Ledger,
	ids *ident.Registry,
	session broker.Session,
	notifier Notifier,
	cfg ReconcilerConfig,
	log *slog.Logger,
) *Reconciler {
	if cfg.ResolveWait <= 0 {
		cfg.ResolveWait = 5 * time.Second
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Reconciler{
		ledger:   ledger,
		ids:      ids,
		session:  session,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With("component", "reconciler"),
	}
}

// Run consumes events until ctx is cancelled or the session closes its
// stream. It must be the stream's only consumer.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.cfg.ResolveWait / 4
	if interval < 25*time.Millisecond {
		interval = 25 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("reconciler started", "resolve_wait", r.cfg.ResolveWait,
		"adopt_foreign", r.cfg.AdoptForeignOrders)
	events := r.session.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				r.log.Info("event stream closed")
				return nil
			}
			r.handle(ctx, e)
		case <-ticker.C:
			r.flushPending(ctx)
		}
	}
}

// handle routes one event. Position and account events carry their own
// identity; everything else is addressed by broker order ID.
func (r *Reconciler) handle(ctx context.Context, e broker.Event) {
	switch e.Kind {
	case broker.EventPosition:
		if e.Position == nil {
			r.log.Warn("position event without a row dropped")
			return
		}
		if err := r.ledger.UpsertPosition(ctx, e.Position); err != nil {
			r.log.Error("upsert position", "symbol", e.Position.Symbol, "err", err)
			return
		}
		r.notifier.PositionUpdated(e.Position)

	case broker.EventAccountValue:
		if e.AccountValue == nil {
			r.log.Warn("account event without a value dropped")
			return
		}
		if err := r.ledger.UpsertAccountValue(ctx, e.AccountValue); err != nil {
			r.log.Error("upsert account value", "tag", e.AccountValue.Tag, "err", err)
			return
		}
		r.notifier.AccountValueUpdated(e.AccountValue)

	case broker.EventAck, broker.EventFill, broker.EventStatus, broker.EventCommission:
		r.routeOrderEvent(ctx, e)

	default:
		r.log.Warn("unrecognized event dropped", "kind", e.Kind)
	}
}

func (r *Reconciler) routeOrderEvent(ctx context.Context, e broker.Event) {
	if e.BrokerOrderID == 0 {
		r.log.Warn("order event without broker id dropped", "kind", e.Kind)
		return
	}
	// Once one event for this broker ID waits, everything behind it waits
	// too, or fills would apply ahead of their ack.
	if r.hasPending(e.BrokerOrderID) {
		r.buffer(e)
		return
	}
	orderID, ok := r.ids.Resolve(e.BrokerOrderID)
	if !ok {
		if r.cfg.AdoptForeignOrders && e.Order != nil {
			id, err := r.adoptOrder(ctx, e)
			if err != nil {
				r.log.Error("adopt external order",
					"broker_order_id", e.BrokerOrderID, "err", err)
				return
			}
			orderID = id
		} else {
			r.buffer(e)
			return
		}
	}
	r.apply(ctx, orderID, e)
}

// apply folds one resolved event into the ledger.
func (r *Reconciler) apply(ctx context.Context, orderID int64, e broker.Event) {
	log := r.log.With("order_id", orderID, "broker_order_id", e.BrokerOrderID)

	switch e.Kind {
	case broker.EventAck:
		updated, err := r.ledger.MutateOrder(ctx, orderID, func(o *domain.Order) error {
			return lifecycle.Ack(o, e.BrokerOrderID)
		})
		if err != nil {
			log.Warn("ack dropped", "err", err)
			return
		}
		r.notifier.OrderUpdated(updated)

	case broker.EventFill:
		f := &domain.Fill{
			OrderID:       orderID,
			ExecID:        e.ExecID,
			Price:         e.FillPrice,
			FilledQty:     e.FillQty,
			Time:          e.FillTime,
			BrokerOrderID: e.BrokerOrderID,
		}
		rec, err := r.ledger.AppendFill(ctx, f, func(o *domain.Order) error {
			return lifecycle.ApplyFill(o, e.FillQty, e.FillPrice)
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicateExec) {
				log.Debug("duplicate execution dropped", "exec_id", e.ExecID)
				return
			}
			log.Warn("fill dropped", "exec_id", e.ExecID, "err", err)
			return
		}
		r.notifier.FillRecorded(rec)
		if updated, err := r.ledger.GetOrder(ctx, orderID); err == nil {
			r.notifier.OrderUpdated(updated)
		}
		log.Info("fill applied", "exec_id", e.ExecID, "qty", e.FillQty, "price", e.FillPrice)

	case broker.EventStatus:
		updated, err := r.ledger.MutateOrder(ctx, orderID, func(o *domain.Order) error {
			return lifecycle.ApplyStatus(o, e.Status, e.FilledQty, e.AvgPrice, e.Message)
		})
		if err != nil {
			log.Warn("status report dropped", "status", e.Status, "err", err)
			return
		}
		r.notifier.OrderUpdated(updated)
		log.Info("status applied", "status", updated.Status)

	case broker.EventCommission:
		// An annotation, not a lifecycle transition.
		updated, err := r.ledger.MutateOrder(ctx, orderID, func(o *domain.Order) error {
			o.Commission += e.Commission
			if e.CommissionCurrency != "" {
				o.CommissionCurrency = e.CommissionCurrency
			}
			o.RealizedPnL += e.RealizedPnL
			return nil
		})
		if err != nil {
			log.Warn("commission dropped", "err", err)
			return
		}
		r.notifier.OrderUpdated(updated)
	}
}

// adoptOrder creates a ledger record for an order placed outside this
// process, using the broker's own snapshot.
func (r *Reconciler) adoptOrder(ctx context.Context, e broker.Event) (int64, error) {
	orderID := r.ids.Allocate()
	if err := r.ids.Bind(orderID, e.BrokerOrderID); err != nil {
		return 0, err
	}
	o := e.Order.Clone()
	o.OrderID = orderID
	o.BrokerOrderID = e.BrokerOrderID
	if o.Status == "" {
		o.Status = domain.StatusSubmitted
	}
	o.Message = "adopted from broker"
	if err := r.ledger.PutOrder(ctx, o); err != nil {
		return 0, err
	}
	r.notifier.OrderUpdated(o)
	r.log.Info("adopted external order",
		"order_id", orderID, "broker_order_id", e.BrokerOrderID, "symbol", o.Symbol)
	return orderID, nil
}

// ---------------------------------------------------------------------------
// Pending buffer
// ---------------------------------------------------------------------------

func (r *Reconciler) hasPending(brokerOrderID int64) bool {
	for _, p := range r.pending {
		if p.event.BrokerOrderID == brokerOrderID {
			return true
		}
	}
	return false
}

func (r *Reconciler) buffer(e broker.Event) {
	if len(r.pending) >= maxPending {
		drop := r.pending[0]
		r.pending = r.pending[1:]
		r.log.Warn("pending buffer full, dropping oldest",
			"kind", drop.event.Kind, "broker_order_id", drop.event.BrokerOrderID)
	}
	r.pending = append(r.pending, pendingEvent{
		event:    e,
		deadline: time.Now().Add(r.cfg.ResolveWait),
	})
}

// flushPending retries buffered events. Entries that resolve are applied in
// arrival order; entries past their deadline are dropped as unknown.
func (r *Reconciler) flushPending(ctx context.Context) {
	if len(r.pending) == 0 {
		return
	}
	now := time.Now()
	blocked := make(map[int64]bool)
	kept := r.pending[:0]
	for _, p := range r.pending {
		id := p.event.BrokerOrderID
		if blocked[id] {
			kept = append(kept, p)
			continue
		}
		orderID, ok := r.ids.Resolve(id)
		if !ok {
			if now.After(p.deadline) {
				r.log.Warn("event dropped",
					"kind", p.event.Kind, "broker_order_id", id,
					"err", domain.ErrUnknownOrder)
				continue
			}
			blocked[id] = true
			kept = append(kept, p)
			continue
		}
		r.apply(ctx, orderID, p.event)
	}
	r.pending = kept
}
