package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/util"
)

// Compile-time interface check.
var _ Session = (*AlpacaSession)(nil)

// clientOrderPrefix marks client order IDs placed by this process. Trade
// updates without it belong to orders placed elsewhere.
const clientOrderPrefix = "tradedesk-"

// AlpacaConfig configures the live session.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	// BaseURL selects paper or live trading. Empty uses the SDK default.
	BaseURL string
	// PollInterval paces the position/account snapshot poller. Defaults to
	// 30 seconds.
	PollInterval time.Duration
	// RequestsPerMinute caps REST calls issued by the poller. Defaults to
	// 200, the documented account limit.
	RequestsPerMinute int
}

// AlpacaSession adapts the Alpaca trading API to the Session contract.
// Alpaca addresses orders by UUID; the session assigns each UUID a numeric
// broker ID and keeps the two-way mapping, so the rest of the engine only
// ever sees int64 broker IDs. Trade updates stream in over a websocket the
// SDK maintains; positions and account values arrive from a paced REST
// poller on the same event channel.
type AlpacaSession struct {
	cfg     AlpacaConfig
	client  *alpaca.Client
	account string
	log     *slog.Logger

	events chan Event
	raw    chan Event

	idMu   sync.Mutex
	byUUID map[string]int64
	byNum  map[int64]string
	nextID int64

	posMu    sync.Mutex
	lastSeen map[string]domain.PositionKey

	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	once      sync.Once
}

// NewAlpacaSession creates a session. Call Start before use.
func NewAlpacaSession(cfg AlpacaConfig, log *slog.Logger) *AlpacaSession {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 200
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	return &AlpacaSession{
		cfg:      cfg,
		client:   client,
		log:      log.With("broker", "alpaca"),
		events:   make(chan Event, 256),
		raw:      make(chan Event, 256),
		byUUID:   make(map[string]int64),
		byNum:    make(map[int64]string),
		nextID:   1,
		lastSeen: make(map[string]domain.PositionKey),
	}
}

// Start probes the account, opens the trade-update stream, and launches the
// snapshot poller.
func (s *AlpacaSession) Start(ctx context.Context) error {
	var acct *alpaca.Account
	err := util.Retry(ctx, 3, time.Second, func() error {
		var err error
		acct, err = s.client.GetAccount()
		return err
	})
	if err != nil {
		return fmt.Errorf("probing alpaca account: %w", err)
	}
	s.account = acct.AccountNumber
	s.log.Info("alpaca session ready", "account", s.account, "status", acct.Status)

	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.client.StreamTradeUpdatesInBackground(streamCtx, s.handleTradeUpdate); err != nil {
		cancel()
		return fmt.Errorf("opening trade update stream: %w", err)
	}

	s.wg.Add(2)
	go s.forward(streamCtx)
	go s.poll(streamCtx)

	s.connected.Store(true)
	return nil
}

// Name returns "alpaca".
func (s *AlpacaSession) Name() string { return "alpaca" }

// Connected reports whether Start succeeded and Close has not been called.
func (s *AlpacaSession) Connected() bool { return s.connected.Load() }

// Events returns the session's event stream.
func (s *AlpacaSession) Events() <-chan Event { return s.events }

// Close stops the stream and poller and closes the event channel.
func (s *AlpacaSession) Close() error {
	s.once.Do(func() {
		s.connected.Store(false)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

// ---------------------------------------------------------------------------
// Mutating calls
// ---------------------------------------------------------------------------

// SubmitOrder places the order and returns its numeric broker ID.
func (s *AlpacaSession) SubmitOrder(_ context.Context, o *domain.Order) (int64, error) {
	qty := decimal.NewFromInt(o.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:      orderSymbol(o),
		Qty:         &qty,
		Side:        toAlpacaSide(o.Side),
		Type:        toAlpacaType(o.OrderType),
		TimeInForce: toAlpacaTIF(o.TIF),
	}
	switch o.OrderType {
	case domain.TypeLimit:
		px := decimal.NewFromFloat(o.Price)
		req.LimitPrice = &px
	case domain.TypeStop:
		px := decimal.NewFromFloat(o.Price)
		req.StopPrice = &px
	}
	if o.OrderID > 0 {
		req.ClientOrderID = fmt.Sprintf("%s%d", clientOrderPrefix, o.OrderID)
	}

	placed, err := s.client.PlaceOrder(req)
	if err != nil {
		return 0, fmt.Errorf("placing %s %s: %w", o.Side, req.Symbol, err)
	}
	return s.numFor(placed.ID), nil
}

// CancelOrder cancels by the UUID behind the numeric ID.
func (s *AlpacaSession) CancelOrder(_ context.Context, brokerOrderID int64) error {
	uuid, err := s.uuidFor(brokerOrderID)
	if err != nil {
		return err
	}
	if err := s.client.CancelOrder(uuid); err != nil {
		return fmt.Errorf("cancelling order %d: %w", brokerOrderID, err)
	}
	return nil
}

// ModifyOrder issues a replace. Alpaca assigns the replacement a new UUID;
// the session aliases it to the existing numeric ID so events keep routing
// to the same order.
func (s *AlpacaSession) ModifyOrder(_ context.Context, brokerOrderID int64, o *domain.Order) error {
	uuid, err := s.uuidFor(brokerOrderID)
	if err != nil {
		return err
	}
	qty := decimal.NewFromInt(o.Quantity)
	req := alpaca.ReplaceOrderRequest{Qty: &qty}
	switch o.OrderType {
	case domain.TypeLimit:
		px := decimal.NewFromFloat(o.Price)
		req.LimitPrice = &px
	case domain.TypeStop:
		px := decimal.NewFromFloat(o.Price)
		req.StopPrice = &px
	}

	replaced, err := s.client.ReplaceOrder(uuid, req)
	if err != nil {
		return fmt.Errorf("replacing order %d: %w", brokerOrderID, err)
	}
	s.alias(replaced.ID, brokerOrderID)
	return nil
}

// ---------------------------------------------------------------------------
// ID mapping
// ---------------------------------------------------------------------------

// numFor returns the numeric ID for an Alpaca UUID, allocating one for a
// UUID seen for the first time.
func (s *AlpacaSession) numFor(uuid string) int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if num, ok := s.byUUID[uuid]; ok {
		return num
	}
	num := s.nextID
	s.nextID++
	s.byUUID[uuid] = num
	s.byNum[num] = uuid
	return num
}

// uuidFor resolves a numeric ID back to its current UUID.
func (s *AlpacaSession) uuidFor(num int64) (string, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	uuid, ok := s.byNum[num]
	if !ok {
		return "", fmt.Errorf("no alpaca order mapped to broker id %d", num)
	}
	return uuid, nil
}

// alias points a new UUID at an existing numeric ID (replacements).
func (s *AlpacaSession) alias(uuid string, num int64) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.byUUID[uuid] = num
	s.byNum[num] = uuid
}

// ---------------------------------------------------------------------------
// Stream handling
// ---------------------------------------------------------------------------

// handleTradeUpdate normalizes one SDK trade update into session events.
// Runs on the SDK's stream goroutine; it only ever writes to the raw
// channel, which the forwarder owns.
func (s *AlpacaSession) handleTradeUpdate(tu alpaca.TradeUpdate) {
	if tu.Event == "replaced" && tu.Order.ReplacedBy != nil {
		// Keep routing the replacement to the same numeric ID.
		s.alias(*tu.Order.ReplacedBy, s.numFor(tu.Order.ID))
	}
	num := s.numFor(tu.Order.ID)
	at := tu.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	// Snapshot attached only for orders placed outside this process, so
	// the reconciler can adopt them.
	snap := foreignSnapshot(tu.Order)
	emit := func(e Event) {
		e.Order = snap
		s.send(e)
	}

	switch tu.Event {
	case "new", "accepted", "pending_new":
		emit(Event{Kind: EventAck, At: at, BrokerOrderID: num, Status: domain.StatusSubmitted})
	case "fill", "partial_fill":
		evt := Event{
			Kind:          EventFill,
			At:            at,
			BrokerOrderID: num,
			ExecID:        tu.ExecutionID,
		}
		if tu.Qty != nil {
			evt.FillQty = tu.Qty.IntPart()
		}
		if tu.Price != nil {
			evt.FillPrice = tu.Price.InexactFloat64()
		}
		if tu.Timestamp != nil {
			evt.FillTime = tu.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		emit(evt)
	case "canceled":
		emit(Event{Kind: EventStatus, At: at, BrokerOrderID: num,
			Status: domain.StatusCancelled, FilledQty: tu.Order.FilledQty.IntPart()})
	case "expired", "done_for_day":
		emit(Event{Kind: EventStatus, At: at, BrokerOrderID: num,
			Status: domain.StatusCancelled, Message: tu.Event,
			FilledQty: tu.Order.FilledQty.IntPart()})
	case "rejected":
		emit(Event{Kind: EventStatus, At: at, BrokerOrderID: num,
			Status: domain.StatusRejected, Message: "rejected by broker"})
	case "replaced":
		emit(Event{Kind: EventStatus, At: at, BrokerOrderID: num,
			Status: domain.StatusSubmitted, Message: "replaced"})
	case "order_cancel_rejected", "order_replace_rejected":
		// Re-report the order's actual state so a pending cancel overlay
		// resolves.
		emit(statusEventFromOrder(num, at, tu.Order, tu.Event))
	case "pending_cancel", "pending_replace", "calculated", "stopped", "suspended":
		// Intermediate states the engine models locally.
	default:
		s.log.Debug("unhandled trade update", "event", tu.Event, "order", tu.Order.ID)
	}
}

// foreignSnapshot converts the broker's order record into a ledger order
// when the client order ID shows it was not placed by this process. Returns
// nil for our own orders.
func foreignSnapshot(o alpaca.Order) *domain.Order {
	if strings.HasPrefix(o.ClientOrderID, clientOrderPrefix) {
		return nil
	}
	snap := &domain.Order{
		AssetClass: domain.AssetClass(fromAlpacaAssetClass(string(o.AssetClass))),
		Symbol:     o.Symbol,
		Side:       fromAlpacaSide(o.Side),
		OrderType:  fromAlpacaType(o.Type),
		TIF:        fromAlpacaTIF(o.TimeInForce),
		Status:     fromAlpacaStatus(string(o.Status)),
		FilledQty:  o.FilledQty.IntPart(),
	}
	if o.Qty != nil {
		snap.Quantity = o.Qty.IntPart()
	}
	switch {
	case o.LimitPrice != nil:
		snap.Price = o.LimitPrice.InexactFloat64()
	case o.StopPrice != nil:
		snap.Price = o.StopPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		snap.AvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return snap
}

// statusEventFromOrder maps an order snapshot to a status event.
func statusEventFromOrder(num int64, at time.Time, o alpaca.Order, msg string) Event {
	evt := Event{
		Kind:          EventStatus,
		At:            at,
		BrokerOrderID: num,
		Status:        fromAlpacaStatus(string(o.Status)),
		FilledQty:     o.FilledQty.IntPart(),
		Message:       msg,
	}
	if o.FilledAvgPrice != nil {
		evt.AvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return evt
}

// send queues an event for the forwarder. Drops only when the raw buffer is
// full and the session is shutting down anyway.
func (s *AlpacaSession) send(e Event) {
	select {
	case s.raw <- e:
	default:
		s.log.Warn("event buffer full, dropping", "kind", e.Kind, "broker_order_id", e.BrokerOrderID)
	}
}

// forward owns the events channel: it moves raw events out and is the only
// goroutine that closes it, so stream callbacks can never race a close.
func (s *AlpacaSession) forward(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.raw:
			select {
			case s.events <- e:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Snapshot poller
// ---------------------------------------------------------------------------

// poll periodically mirrors positions and account metrics into the event
// stream. Position rows that disappear between snapshots are reported with
// zero quantity so the ledger drops them.
func (s *AlpacaSession) poll(ctx context.Context) {
	defer s.wg.Done()
	limiter := util.NewRateLimiter(s.cfg.RequestsPerMinute)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.snapshot(ctx, limiter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.snapshot(ctx, limiter)
		}
	}
}

func (s *AlpacaSession) snapshot(ctx context.Context, limiter *util.RateLimiter) {
	if err := limiter.Wait(ctx); err != nil {
		return
	}
	now := time.Now().UTC()

	positions, err := s.client.GetPositions()
	if err != nil {
		s.log.Warn("position snapshot failed", "error", err)
	} else {
		seen := make(map[string]domain.PositionKey, len(positions))
		for _, p := range positions {
			pos := &domain.Position{
				Account:  s.account,
				Symbol:   p.Symbol,
				SecType:  fromAlpacaAssetClass(string(p.AssetClass)),
				Exchange: p.Exchange,
				Position: p.Qty.InexactFloat64(),
				AvgCost:  p.AvgEntryPrice.InexactFloat64(),
			}
			seen[p.Symbol+"/"+pos.SecType] = pos.Key()
			s.send(Event{Kind: EventPosition, At: now, Position: pos})
		}
		s.posMu.Lock()
		for key, pk := range s.lastSeen {
			if _, ok := seen[key]; ok {
				continue
			}
			s.send(Event{Kind: EventPosition, At: now, Position: &domain.Position{
				Account: pk.Account, Symbol: pk.Symbol, SecType: pk.SecType,
				Exchange: pk.Exchange, ConID: pk.ConID, Position: 0,
			}})
		}
		s.lastSeen = seen
		s.posMu.Unlock()
	}

	if err := limiter.Wait(ctx); err != nil {
		return
	}
	acct, err := s.client.GetAccount()
	if err != nil {
		s.log.Warn("account snapshot failed", "error", err)
		return
	}
	for tag, value := range map[string]string{
		"CashBalance":    acct.Cash.String(),
		"BuyingPower":    acct.BuyingPower.String(),
		"NetLiquidation": acct.Equity.String(),
		"PortfolioValue": acct.PortfolioValue.String(),
	} {
		s.send(Event{Kind: EventAccountValue, At: now, AccountValue: &domain.AccountValue{
			Account:  s.account,
			Tag:      tag,
			Currency: acct.Currency,
			Value:    value,
		}})
	}
}

// ---------------------------------------------------------------------------
// Enum and symbol mapping
// ---------------------------------------------------------------------------

func toAlpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func toAlpacaType(t domain.OrderType) alpaca.OrderType {
	switch t {
	case domain.TypeLimit:
		return alpaca.Limit
	case domain.TypeStop:
		return alpaca.Stop
	default:
		return alpaca.Market
	}
}

func toAlpacaTIF(t domain.TIF) alpaca.TimeInForce {
	if t == domain.TIFGTC {
		return alpaca.GTC
	}
	return alpaca.Day
}

func fromAlpacaSide(s alpaca.Side) domain.Side {
	if s == alpaca.Sell {
		return domain.SideSell
	}
	return domain.SideBuy
}

func fromAlpacaType(t alpaca.OrderType) domain.OrderType {
	switch t {
	case alpaca.Limit:
		return domain.TypeLimit
	case alpaca.Stop:
		return domain.TypeStop
	default:
		return domain.TypeMarket
	}
}

func fromAlpacaTIF(t alpaca.TimeInForce) domain.TIF {
	if t == alpaca.GTC {
		return domain.TIFGTC
	}
	return domain.TIFDay
}

func fromAlpacaStatus(status string) domain.Status {
	switch status {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "replaced", "pending_replace":
		return domain.StatusSubmitted
	case "partially_filled":
		return domain.StatusPartiallyFilled
	case "filled":
		return domain.StatusFilled
	case "canceled", "expired", "done_for_day":
		return domain.StatusCancelled
	case "pending_cancel":
		return domain.StatusCancelRequested
	case "rejected", "denied":
		return domain.StatusRejected
	default:
		return domain.StatusError
	}
}

func fromAlpacaAssetClass(class string) string {
	if class == "us_option" {
		return string(domain.AssetOption)
	}
	return string(domain.AssetStock)
}

// orderSymbol renders the wire symbol: plain for stock, OCC for options
// (underlying, yymmdd expiry, right, strike in thousandths padded to eight
// digits).
func orderSymbol(o *domain.Order) string {
	if o.AssetClass != domain.AssetOption {
		return o.Symbol
	}
	expiry := o.Expiry
	if len(expiry) == 8 {
		expiry = expiry[2:]
	}
	strike := int64(math.Round(o.Strike * 1000))
	return fmt.Sprintf("%s%s%s%08d", o.Symbol, expiry, o.Right, strike)
}
