// Package store holds the order ledger: the in-memory system of record for
// orders, fills, positions, and account values, plus the SQLite archive and
// Parquet fill journal that persist it. The ledger itself never talks to the
// broker and never decides state transitions; callers pass transition
// functions in and the ledger applies them atomically.
package store

import (
	"context"
	"errors"
	"time"

	"tradedesk/internal/domain"
)

// DefaultListLimit bounds order listings when the caller does not supply a
// positive limit.
const DefaultListLimit = 50

// ErrDuplicateExec reports a fill whose (order_id, exec_id) pair was already
// recorded. Replayed executions change nothing.
var ErrDuplicateExec = errors.New("duplicate execution")

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// PutOrder inserts a new order. The order ID must be unused.
	PutOrder(ctx context.Context, o *domain.Order) error

	// GetOrder returns a copy of the order, or domain.ErrNotFound.
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)

	// ListOrders returns up to limit orders, newest first (created_at
	// descending, order_id descending on ties). A non-positive limit applies
	// DefaultListLimit.
	ListOrders(ctx context.Context, limit int) ([]*domain.Order, error)

	// MutateOrder applies fn to a copy of the order under the ledger lock
	// and commits the copy only if fn succeeds. Returns the committed state.
	MutateOrder(ctx context.Context, orderID int64, fn func(o *domain.Order) error) (*domain.Order, error)

	// CountOpenOrders returns the number of orders not in a terminal state.
	CountOpenOrders(ctx context.Context) (int, error)
}

// FillStore persists and retrieves execution records.
type FillStore interface {
	// AppendFill records one execution and applies mutate to the owning
	// order in the same critical section, so the fill row and the order's
	// aggregates can never diverge. A replayed (order_id, exec_id) pair
	// returns ErrDuplicateExec and changes nothing.
	AppendFill(ctx context.Context, f *domain.Fill, mutate func(o *domain.Order) error) (*domain.Fill, error)

	// ListFills returns up to limit fills, newest first (created_at
	// descending, fill_id descending on ties). A non-positive orderID
	// matches every order; a non-positive limit applies DefaultListLimit.
	ListFills(ctx context.Context, orderID int64, limit int) ([]*domain.Fill, error)

	// FillsSince returns fills with FillID > afterID in execution order,
	// for incremental consumers like the journal.
	FillsSince(ctx context.Context, afterID int64) ([]*domain.Fill, error)
}

// PositionStore persists and retrieves brokerage position rows.
type PositionStore interface {
	// UpsertPosition replaces the row for the position's identity key. A
	// zero quantity removes the row.
	UpsertPosition(ctx context.Context, p *domain.Position) error

	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]*domain.Position, error)
}

// AccountStore persists and retrieves account value rows.
type AccountStore interface {
	// UpsertAccountValue replaces the value for (account, tag, currency).
	UpsertAccountValue(ctx context.Context, v *domain.AccountValue) error

	// ListAccountValues returns values for one account, or all accounts when
	// account is empty.
	ListAccountValues(ctx context.Context, account string) ([]*domain.AccountValue, error)
}

// Stats is a point-in-time aggregate over the ledger, cheap enough to
// serve on every dashboard request.
type Stats struct {
	OrdersByStatus map[domain.Status]int `json:"orders_by_status"`
	OpenOrders     int                   `json:"open_orders"`
	Fills          int                   `json:"fills"`
	SharesFilled   int64                 `json:"shares_filled"`
	Notional       float64               `json:"notional"`
	Commission     float64               `json:"commission"`
	RealizedPnL    float64               `json:"realized_pnl"`
	OpenPositions  int                   `json:"open_positions"`
}

// StatsStore summarizes the ledger for dashboards.
type StatsStore interface {
	// Stats returns aggregates over all tables in one consistent snapshot.
	Stats(ctx context.Context) (*Stats, error)
}

// Ledger is the full contract the engine and reconciler program against.
type Ledger interface {
	OrderStore
	FillStore
	PositionStore
	AccountStore
	StatsStore
}

// ---------------------------------------------------------------------------
// Change log
// ---------------------------------------------------------------------------

// ChangeKind tags an entry in the ledger change log.
type ChangeKind string

const (
	ChangeOrder        ChangeKind = "order"
	ChangeFill         ChangeKind = "fill"
	ChangePosition     ChangeKind = "position"
	ChangeAccountValue ChangeKind = "account_value"
)

// Change is one entry in the ledger's ordered change log. Every ledger write
// appends exactly one entry per touched record, under the same lock as the
// write, so the log replays in commit order. Snapshots are private copies
// and must be treated as read-only.
type Change struct {
	Seq          int64                `json:"seq"`
	Kind         ChangeKind           `json:"kind"`
	At           time.Time            `json:"at"`
	Order        *domain.Order        `json:"order,omitempty"`
	Fill         *domain.Fill         `json:"fill,omitempty"`
	Position     *domain.Position     `json:"position,omitempty"`
	AccountValue *domain.AccountValue `json:"account_value,omitempty"`
}

// ChangeLog exposes the ledger's ordered change feed for archival.
type ChangeLog interface {
	// ChangesSince returns up to limit changes with Seq > afterSeq, in
	// sequence order. A non-positive limit returns all available.
	ChangesSince(ctx context.Context, afterSeq int64, limit int) ([]Change, error)

	// TrimChanges drops log entries with Seq <= upToSeq. Called by the
	// drainer once entries are durably archived.
	TrimChanges(upToSeq int64)
}
