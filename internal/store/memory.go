package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradedesk/internal/domain"
)

// Compile-time interface checks.
var _ Ledger = (*MemoryLedger)(nil)
var _ ChangeLog = (*MemoryLedger)(nil)

type execKey struct {
	orderID int64
	execID  string
}

// MemoryLedger is the in-memory system of record. All reads return private
// copies; all writes go through the single mutex, which is also what makes
// the change log a faithful serialization of commit order.
type MemoryLedger struct {
	mu            sync.RWMutex
	orders        map[int64]*domain.Order
	fills         []*domain.Fill
	execSeen      map[execKey]bool
	nextFillID    int64
	positions     map[domain.PositionKey]*domain.Position
	accountValues map[domain.AccountValueKey]*domain.AccountValue

	changes []Change
	nextSeq int64
	trimmed int64 // highest Seq dropped by TrimChanges
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		orders:        make(map[int64]*domain.Order),
		execSeen:      make(map[execKey]bool),
		nextFillID:    1,
		positions:     make(map[domain.PositionKey]*domain.Position),
		accountValues: make(map[domain.AccountValueKey]*domain.AccountValue),
		nextSeq:       1,
	}
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// PutOrder inserts a new order. The order ID must be unused.
func (m *MemoryLedger) PutOrder(_ context.Context, o *domain.Order) error {
	if o.OrderID <= 0 {
		return fmt.Errorf("put order: id %d must be positive", o.OrderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return fmt.Errorf("put order: id %d already exists", o.OrderID)
	}
	cp := o.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.orders[cp.OrderID] = cp
	m.appendChangeLocked(Change{Kind: ChangeOrder, Order: cp.Clone()})
	return nil
}

// GetOrder returns a copy of the order, or domain.ErrNotFound.
func (m *MemoryLedger) GetOrder(_ context.Context, orderID int64) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, domain.ErrNotFound)
	}
	return o.Clone(), nil
}

// ListOrders returns up to limit orders, newest first.
func (m *MemoryLedger) ListOrders(_ context.Context, limit int) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].OrderID > all[j].OrderID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*domain.Order, len(all))
	for i, o := range all {
		out[i] = o.Clone()
	}
	return out, nil
}

// MutateOrder applies fn to a copy of the order under the ledger lock and
// commits the copy only if fn succeeds.
func (m *MemoryLedger) MutateOrder(_ context.Context, orderID int64, fn func(o *domain.Order) error) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, domain.ErrNotFound)
	}
	work := cur.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = work
	m.appendChangeLocked(Change{Kind: ChangeOrder, Order: work.Clone()})
	return work.Clone(), nil
}

// CountOpenOrders returns the number of orders not in a terminal state.
func (m *MemoryLedger) CountOpenOrders(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// FillStore implementation
// ---------------------------------------------------------------------------

// AppendFill records one execution and applies mutate to the owning order in
// the same critical section.
func (m *MemoryLedger) AppendFill(_ context.Context, f *domain.Fill, mutate func(o *domain.Order) error) (*domain.Fill, error) {
	if f.OrderID <= 0 {
		return nil, fmt.Errorf("append fill: order id %d must be positive", f.OrderID)
	}
	if f.ExecID == "" {
		return nil, fmt.Errorf("append fill: empty exec id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[f.OrderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", f.OrderID, domain.ErrNotFound)
	}
	key := execKey{orderID: f.OrderID, execID: f.ExecID}
	if m.execSeen[key] {
		return nil, fmt.Errorf("exec %s for order %d: %w", f.ExecID, f.OrderID, ErrDuplicateExec)
	}

	work := cur.Clone()
	if mutate != nil {
		if err := mutate(work); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	work.UpdatedAt = now

	cp := *f
	cp.FillID = m.nextFillID
	m.nextFillID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.Symbol == "" {
		cp.Symbol = work.Symbol
	}
	if cp.Side == "" {
		cp.Side = work.Side
	}
	if cp.BrokerOrderID == 0 {
		cp.BrokerOrderID = work.BrokerOrderID
	}

	m.execSeen[key] = true
	m.fills = append(m.fills, &cp)
	m.orders[work.OrderID] = work

	fillSnap := cp
	m.appendChangeLocked(Change{Kind: ChangeFill, Fill: &fillSnap})
	m.appendChangeLocked(Change{Kind: ChangeOrder, Order: work.Clone()})

	out := cp
	return &out, nil
}

// ListFills returns fills newest first. The backing slice is append-ordered
// with ascending fill IDs, so a reverse scan yields creation order
// descending with IDs breaking ties.
func (m *MemoryLedger) ListFills(_ context.Context, orderID int64, limit int) ([]*domain.Fill, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Fill
	for i := len(m.fills) - 1; i >= 0 && len(out) < limit; i-- {
		f := m.fills[i]
		if orderID > 0 && f.OrderID != orderID {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

// FillsSince returns fills recorded after the given fill ID in execution
// order.
func (m *MemoryLedger) FillsSince(_ context.Context, afterID int64) ([]*domain.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Fill
	for _, f := range m.fills {
		if f.FillID <= afterID {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// UpsertPosition replaces the row for the position's identity key. A zero
// quantity removes the row; the change entry still carries the zero row so
// the archive can mirror the delete.
func (m *MemoryLedger) UpsertPosition(_ context.Context, p *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	key := cp.Key()
	if cp.Position == 0 {
		delete(m.positions, key)
	} else {
		stored := cp
		m.positions[key] = &stored
	}
	snap := cp
	m.appendChangeLocked(Change{Kind: ChangePosition, Position: &snap})
	return nil
}

// ListPositions returns all open positions.
func (m *MemoryLedger) ListPositions(_ context.Context) ([]*domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].SecType < out[j].SecType
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// AccountStore implementation
// ---------------------------------------------------------------------------

// UpsertAccountValue replaces the value for (account, tag, currency).
func (m *MemoryLedger) UpsertAccountValue(_ context.Context, v *domain.AccountValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	stored := cp
	m.accountValues[cp.Key()] = &stored
	snap := cp
	m.appendChangeLocked(Change{Kind: ChangeAccountValue, AccountValue: &snap})
	return nil
}

// ListAccountValues returns values for one account, or all when account is
// empty.
func (m *MemoryLedger) ListAccountValues(_ context.Context, account string) ([]*domain.AccountValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AccountValue
	for _, v := range m.accountValues {
		if account != "" && v.Account != account {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// StatsStore implementation
// ---------------------------------------------------------------------------

// Stats aggregates all tables under one read lock.
func (m *MemoryLedger) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &Stats{OrdersByStatus: make(map[domain.Status]int)}
	for _, o := range m.orders {
		s.OrdersByStatus[o.Status]++
		if !o.Status.Terminal() {
			s.OpenOrders++
		}
		s.Commission += o.Commission
		s.RealizedPnL += o.RealizedPnL
	}
	for _, f := range m.fills {
		s.Fills++
		s.SharesFilled += f.FilledQty
		s.Notional += f.Price * float64(f.FilledQty)
	}
	s.OpenPositions = len(m.positions)
	return s, nil
}

// ---------------------------------------------------------------------------
// ChangeLog implementation
// ---------------------------------------------------------------------------

// SeedChanges positions the change log after seq, so a restarted process
// continues the archived audit stream instead of restarting it and
// colliding with sequence numbers the archive already holds. Call before
// any writes.
func (m *MemoryLedger) SeedChanges(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq >= m.nextSeq && len(m.changes) == 0 {
		m.nextSeq = seq + 1
		m.trimmed = seq
	}
}

// ChangesSince returns up to limit changes with Seq > afterSeq.
func (m *MemoryLedger) ChangesSince(_ context.Context, afterSeq int64, limit int) ([]Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := afterSeq - m.trimmed
	if start < 0 {
		start = 0
	}
	if start >= int64(len(m.changes)) {
		return nil, nil
	}
	tail := m.changes[start:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Change, len(tail))
	copy(out, tail)
	return out, nil
}

// TrimChanges drops log entries with Seq <= upToSeq.
func (m *MemoryLedger) TrimChanges(upToSeq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := upToSeq - m.trimmed
	if drop <= 0 {
		return
	}
	if drop > int64(len(m.changes)) {
		drop = int64(len(m.changes))
	}
	m.changes = append([]Change(nil), m.changes[drop:]...)
	m.trimmed += drop
}

// appendChangeLocked stamps and appends one change entry. Must be called
// with mu held for writing.
func (m *MemoryLedger) appendChangeLocked(c Change) {
	c.Seq = m.nextSeq
	m.nextSeq++
	c.At = time.Now().UTC()
	m.changes = append(m.changes, c)
}
