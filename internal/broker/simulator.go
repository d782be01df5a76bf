package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"tradedesk/internal/domain"
)

// Compile-time interface check.
var _ Session = (*SimSession)(nil)

// defaultMarkPrice is used when a market order has no limit price to take a
// fill price from and no prior mark exists for the symbol.
const defaultMarkPrice = 100.0

// SimConfig tunes the simulated session.
type SimConfig struct {
	// Account is the account code stamped on position and account events.
	Account string
	// FillDelay is the latency between the ack and each fill slice.
	FillDelay time.Duration
	// FillSlices splits an order into this many partial fills. 0 or 1 fills
	// in one execution.
	FillSlices int
	// StartCash seeds the simulated cash balance.
	StartCash float64
	// CommissionPerShare is charged per filled share, minimum one dollar
	// per execution. Zero disables commission events.
	CommissionPerShare float64
}

type simOrder struct {
	order     *domain.Order
	remaining int64
	cancelled bool
	done      bool
}

type simPosition struct {
	qty     float64
	avgCost float64
	secType string
}

// SimSession is a deterministic in-process brokerage for paper trading and
// tests. Orders ack immediately, then fill in configurable slices after a
// configurable delay; cancels take effect between slices. Positions, cash
// and commissions are tracked and reported through the same event stream a
// live session uses.
type SimSession struct {
	cfg    SimConfig
	events chan Event
	log    *slog.Logger

	mu           sync.Mutex
	nextBrokerID int64
	nextExec     int64
	orders       map[int64]*simOrder
	positions    map[string]*simPosition
	marks        map[string]float64
	cash         float64
	closed       bool

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSimSession creates a simulated session. Zero-value config fields get
// sensible paper-trading defaults.
func NewSimSession(cfg SimConfig, log *slog.Logger) *SimSession {
	if cfg.Account == "" {
		cfg.Account = "SIM1"
	}
	if cfg.FillSlices <= 0 {
		cfg.FillSlices = 1
	}
	if cfg.StartCash <= 0 {
		cfg.StartCash = 1_000_000
	}
	return &SimSession{
		cfg:          cfg,
		events:       make(chan Event, 256),
		log:          log.With("broker", "sim"),
		nextBrokerID: 1000,
		orders:       make(map[int64]*simOrder),
		positions:    make(map[string]*simPosition),
		marks:        make(map[string]float64),
		cash:         cfg.StartCash,
		stop:         make(chan struct{}),
	}
}

// Name returns "sim".
func (s *SimSession) Name() string { return "sim" }

// Connected always reports true until Close.
func (s *SimSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Events returns the session's event stream.
func (s *SimSession) Events() <-chan Event { return s.events }

// Close stops all pending fills and closes the event stream.
func (s *SimSession) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

// SubmitOrder assigns a broker ID, acks immediately, and schedules the
// fill slices.
func (s *SimSession) SubmitOrder(_ context.Context, o *domain.Order) (int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("sim session closed")
	}
	id := s.nextBrokerID
	s.nextBrokerID++
	so := &simOrder{order: o.Clone(), remaining: o.Quantity}
	s.orders[id] = so
	s.mu.Unlock()

	s.emit(Event{Kind: EventAck, BrokerOrderID: id, Status: domain.StatusSubmitted})

	s.wg.Add(1)
	go s.runFills(id)
	return id, nil
}

// CancelOrder cancels the unfilled remainder. A cancel for a finished order
// re-reports its state instead, matching how a live broker refuses the
// cancel.
func (s *SimSession) CancelOrder(_ context.Context, brokerOrderID int64) error {
	s.mu.Lock()
	so, ok := s.orders[brokerOrderID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("sim: unknown broker order %d", brokerOrderID)
	}
	if so.done {
		status := domain.StatusFilled
		if so.cancelled {
			status = domain.StatusCancelled
		}
		filled := so.order.Quantity - so.remaining
		s.mu.Unlock()
		s.emit(Event{Kind: EventStatus, BrokerOrderID: brokerOrderID,
			Status: status, FilledQty: filled, Message: "cancel refused"})
		return nil
	}
	so.cancelled = true
	so.done = true
	filled := so.order.Quantity - so.remaining
	s.mu.Unlock()

	s.emit(Event{Kind: EventStatus, BrokerOrderID: brokerOrderID,
		Status: domain.StatusCancelled, FilledQty: filled})
	return nil
}

// ModifyOrder replaces quantity, type, price and TIF on a working order.
// The broker ID is preserved.
func (s *SimSession) ModifyOrder(_ context.Context, brokerOrderID int64, o *domain.Order) error {
	s.mu.Lock()
	so, ok := s.orders[brokerOrderID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("sim: unknown broker order %d", brokerOrderID)
	}
	if so.done {
		s.mu.Unlock()
		return fmt.Errorf("sim: broker order %d is finished", brokerOrderID)
	}
	filled := so.order.Quantity - so.remaining
	if o.Quantity < filled {
		s.mu.Unlock()
		return fmt.Errorf("sim: quantity %d below filled %d", o.Quantity, filled)
	}
	so.order.Quantity = o.Quantity
	so.order.OrderType = o.OrderType
	so.order.Price = o.Price
	so.order.TIF = o.TIF
	so.remaining = o.Quantity - filled
	s.mu.Unlock()

	s.emit(Event{Kind: EventStatus, BrokerOrderID: brokerOrderID,
		Status: domain.StatusSubmitted, FilledQty: filled, Message: "replaced"})
	return nil
}

// runFills emits the order's fill slices, stopping early on cancel or
// session shutdown.
func (s *SimSession) runFills(brokerOrderID int64) {
	defer s.wg.Done()

	for slice := 0; ; slice++ {
		if s.cfg.FillDelay > 0 {
			select {
			case <-s.stop:
				return
			case <-time.After(s.cfg.FillDelay):
			}
		} else {
			select {
			case <-s.stop:
				return
			default:
			}
		}

		s.mu.Lock()
		so, ok := s.orders[brokerOrderID]
		if !ok || so.done {
			s.mu.Unlock()
			return
		}
		qty := s.sliceQty(so)
		if qty <= 0 {
			so.done = true
			s.mu.Unlock()
			return
		}
		price := s.fillPrice(so.order)
		so.remaining -= qty
		if so.remaining == 0 {
			so.done = true
		}
		s.nextExec++
		execID := fmt.Sprintf("SIM-%d-%d", brokerOrderID, s.nextExec)
		secType := string(domain.AssetStock)
		if so.order.AssetClass == domain.AssetOption {
			secType = string(domain.AssetOption)
		}
		s.applyFillLocked(so.order, qty, price)
		posEvt, acctEvts := s.snapshotLocked(so.order.Symbol, secType)
		s.mu.Unlock()

		s.emit(Event{
			Kind:          EventFill,
			BrokerOrderID: brokerOrderID,
			ExecID:        execID,
			FillQty:       qty,
			FillPrice:     price,
			FillTime:      time.Now().UTC().Format(time.RFC3339Nano),
		})
		if s.cfg.CommissionPerShare > 0 {
			commission := math.Max(1.0, s.cfg.CommissionPerShare*float64(qty))
			s.emit(Event{
				Kind:               EventCommission,
				BrokerOrderID:      brokerOrderID,
				ExecID:             execID,
				Commission:         commission,
				CommissionCurrency: "USD",
			})
		}
		s.emit(posEvt)
		for _, e := range acctEvts {
			s.emit(e)
		}

		s.mu.Lock()
		finished := s.orders[brokerOrderID].done
		s.mu.Unlock()
		if finished {
			return
		}
	}
}

// sliceQty returns the next fill slice size. Must be called with mu held.
func (s *SimSession) sliceQty(so *simOrder) int64 {
	per := so.order.Quantity / int64(s.cfg.FillSlices)
	if per <= 0 {
		per = 1
	}
	if per > so.remaining {
		per = so.remaining
	}
	return per
}

// fillPrice picks the execution price: the limit/stop price when present,
// otherwise the last mark for the symbol.
func (s *SimSession) fillPrice(o *domain.Order) float64 {
	if o.Price > 0 {
		s.marks[o.Symbol] = o.Price
		return o.Price
	}
	if mark, ok := s.marks[o.Symbol]; ok {
		return mark
	}
	s.marks[o.Symbol] = defaultMarkPrice
	return defaultMarkPrice
}

// applyFillLocked updates cash and the position book for one execution.
// Must be called with mu held.
func (s *SimSession) applyFillLocked(o *domain.Order, qty int64, price float64) {
	secType := string(domain.AssetStock)
	if o.AssetClass == domain.AssetOption {
		secType = string(domain.AssetOption)
	}
	key := o.Symbol + "/" + secType
	pos, ok := s.positions[key]
	if !ok {
		pos = &simPosition{secType: secType}
		s.positions[key] = pos
	}

	signed := float64(qty)
	if o.Side == domain.SideSell {
		signed = -signed
	}
	s.cash -= signed * price

	newQty := pos.qty + signed
	switch {
	case newQty == 0:
		pos.qty = 0
		pos.avgCost = 0
	case (pos.qty >= 0) == (signed >= 0) || pos.qty == 0:
		// Adding to the same side re-averages the cost basis.
		pos.avgCost = (math.Abs(pos.qty)*pos.avgCost + math.Abs(signed)*price) / math.Abs(newQty)
		pos.qty = newQty
	default:
		// Reducing or flipping keeps, then resets, the basis.
		if (newQty >= 0) != (pos.qty >= 0) {
			pos.avgCost = price
		}
		pos.qty = newQty
	}
	if pos.qty == 0 {
		delete(s.positions, key)
	}
}

// snapshotLocked builds the position and account events that follow a fill.
// Must be called with mu held.
func (s *SimSession) snapshotLocked(symbol, secType string) (Event, []Event) {
	now := time.Now().UTC()

	var posEvt Event
	if pos, ok := s.positions[symbol+"/"+secType]; ok {
		posEvt = Event{Kind: EventPosition, At: now, Position: &domain.Position{
			Account:  s.cfg.Account,
			Symbol:   symbol,
			SecType:  secType,
			Exchange: "SIM",
			Position: pos.qty,
			AvgCost:  pos.avgCost,
		}}
	} else {
		// Flat after this fill: report the zero row so the ledger drops it.
		posEvt = Event{Kind: EventPosition, At: now, Position: &domain.Position{
			Account:  s.cfg.Account,
			Symbol:   symbol,
			SecType:  secType,
			Exchange: "SIM",
			Position: 0,
		}}
	}

	acctEvts := []Event{
		{Kind: EventAccountValue, At: now, AccountValue: &domain.AccountValue{
			Account: s.cfg.Account, Tag: "CashBalance", Currency: "USD",
			Value: fmt.Sprintf("%.2f", s.cash),
		}},
	}
	return posEvt, acctEvts
}

// emit delivers an event, giving up only on session shutdown. The stream
// must not drop events; the reconciler is the single consumer and keeps up.
func (s *SimSession) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case s.events <- e:
	case <-s.stop:
	}
}
