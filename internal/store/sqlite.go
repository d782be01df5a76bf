package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tradedesk/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Archive mirrors the in-memory ledger into SQLite. It is written only by
// the outbox drainer and read only at startup (warm start, counter seed), so
// the hot path never touches the database.
type Archive struct {
	db  *sql.DB
	log *slog.Logger
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id            INTEGER PRIMARY KEY,
	broker_order_id     INTEGER NOT NULL DEFAULT 0,
	asset_class         TEXT NOT NULL,
	symbol              TEXT NOT NULL,
	expiry              TEXT NOT NULL DEFAULT '',
	strike              REAL NOT NULL DEFAULT 0,
	option_right        TEXT NOT NULL DEFAULT '',
	side                TEXT NOT NULL,
	quantity            INTEGER NOT NULL,
	order_type          TEXT NOT NULL,
	price               REAL NOT NULL DEFAULT 0,
	tif                 TEXT NOT NULL,
	status              TEXT NOT NULL,
	filled_qty          INTEGER NOT NULL DEFAULT 0,
	avg_price           REAL NOT NULL DEFAULT 0,
	message             TEXT NOT NULL DEFAULT '',
	commission          REAL NOT NULL DEFAULT 0,
	commission_currency TEXT NOT NULL DEFAULT '',
	realized_pnl        REAL NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	fill_id         INTEGER PRIMARY KEY,
	order_id        INTEGER NOT NULL,
	exec_id         TEXT NOT NULL,
	price           REAL NOT NULL,
	filled_qty      INTEGER NOT NULL,
	symbol          TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL DEFAULT '',
	fill_time       TEXT NOT NULL DEFAULT '',
	broker_order_id INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	UNIQUE (order_id, exec_id)
);

CREATE TABLE IF NOT EXISTS positions (
	account  TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	sec_type TEXT NOT NULL,
	exchange TEXT NOT NULL DEFAULT '',
	con_id   INTEGER NOT NULL DEFAULT 0,
	position REAL NOT NULL,
	avg_cost REAL NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (account, symbol, sec_type, exchange, con_id)
);

CREATE TABLE IF NOT EXISTS account_values (
	account  TEXT NOT NULL,
	tag      TEXT NOT NULL,
	currency TEXT NOT NULL DEFAULT '',
	value    TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (account, tag, currency)
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq     INTEGER PRIMARY KEY,
	kind    TEXT NOT NULL,
	at      TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox_checkpoints (
	consumer TEXT PRIMARY KEY,
	seq      INTEGER NOT NULL
);
`

// NewArchive opens (or creates) the archive database at dbPath and runs the
// schema migration.
func NewArchive(dbPath string, log *slog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening archive db: %w", err)
	}
	// Single writer keeps modernc's file locking out of the way; the drainer
	// is the only writer anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating archive schema: %w", err)
	}
	return &Archive{db: db, log: log}, nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// ---------------------------------------------------------------------------
// Outbox apply path
// ---------------------------------------------------------------------------

// ApplyChanges projects a batch of ledger changes into the archive tables,
// appends them to the audit log, and advances the consumer's checkpoint, all
// in one transaction. Re-applying a batch after a crash is harmless: rows
// upsert and the audit log ignores duplicate sequence numbers.
func (a *Archive) ApplyChanges(ctx context.Context, consumer string, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range changes {
		switch c.Kind {
		case ChangeOrder:
			err = upsertOrderTx(ctx, tx, c.Order)
		case ChangeFill:
			err = insertFillTx(ctx, tx, c.Fill)
		case ChangePosition:
			err = upsertPositionTx(ctx, tx, c.Position)
		case ChangeAccountValue:
			err = upsertAccountValueTx(ctx, tx, c.AccountValue)
		default:
			err = fmt.Errorf("unknown change kind %q", c.Kind)
		}
		if err != nil {
			return fmt.Errorf("applying change %d (%s): %w", c.Seq, c.Kind, err)
		}
		if err := appendAuditTx(ctx, tx, c); err != nil {
			return fmt.Errorf("appending audit %d: %w", c.Seq, err)
		}
	}

	last := changes[len(changes)-1].Seq
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_checkpoints (consumer, seq) VALUES (?, ?)
		 ON CONFLICT (consumer) DO UPDATE SET seq = excluded.seq`,
		consumer, last); err != nil {
		return fmt.Errorf("advancing checkpoint: %w", err)
	}
	return tx.Commit()
}

// Checkpoint returns the last sequence number durably applied for consumer,
// or 0 if the consumer has never drained.
func (a *Archive) Checkpoint(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := a.db.QueryRowContext(ctx,
		`SELECT seq FROM outbox_checkpoints WHERE consumer = ?`, consumer).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading checkpoint: %w", err)
	}
	return seq, nil
}

func upsertOrderTx(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	if o == nil {
		return fmt.Errorf("nil order snapshot")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (
			order_id, broker_order_id, asset_class, symbol, expiry, strike,
			option_right, side, quantity, order_type, price, tif, status,
			filled_qty, avg_price, message, commission, commission_currency,
			realized_pnl, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (order_id) DO UPDATE SET
			broker_order_id = excluded.broker_order_id,
			quantity = excluded.quantity,
			order_type = excluded.order_type,
			price = excluded.price,
			tif = excluded.tif,
			status = excluded.status,
			filled_qty = excluded.filled_qty,
			avg_price = excluded.avg_price,
			message = excluded.message,
			commission = excluded.commission,
			commission_currency = excluded.commission_currency,
			realized_pnl = excluded.realized_pnl,
			updated_at = excluded.updated_at`,
		o.OrderID, o.BrokerOrderID, string(o.AssetClass), o.Symbol, o.Expiry,
		o.Strike, string(o.Right), string(o.Side), o.Quantity,
		string(o.OrderType), o.Price, string(o.TIF), string(o.Status),
		o.FilledQty, o.AvgPrice, o.Message, o.Commission, o.CommissionCurrency,
		o.RealizedPnL, formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	return err
}

func insertFillTx(ctx context.Context, tx *sql.Tx, f *domain.Fill) error {
	if f == nil {
		return fmt.Errorf("nil fill snapshot")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (
			fill_id, order_id, exec_id, price, filled_qty, symbol, side,
			fill_time, broker_order_id, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.FillID, f.OrderID, f.ExecID, f.Price, f.FilledQty, f.Symbol,
		string(f.Side), f.Time, f.BrokerOrderID, formatTime(f.CreatedAt))
	return err
}

func upsertPositionTx(ctx context.Context, tx *sql.Tx, p *domain.Position) error {
	if p == nil {
		return fmt.Errorf("nil position snapshot")
	}
	if p.Position == 0 {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM positions
			WHERE account = ? AND symbol = ? AND sec_type = ? AND exchange = ? AND con_id = ?`,
			p.Account, p.Symbol, p.SecType, p.Exchange, p.ConID)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (
			account, symbol, sec_type, exchange, con_id, position, avg_cost, updated_at
		) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (account, symbol, sec_type, exchange, con_id) DO UPDATE SET
			position = excluded.position,
			avg_cost = excluded.avg_cost,
			updated_at = excluded.updated_at`,
		p.Account, p.Symbol, p.SecType, p.Exchange, p.ConID,
		p.Position, p.AvgCost, formatTime(p.UpdatedAt))
	return err
}

func upsertAccountValueTx(ctx context.Context, tx *sql.Tx, v *domain.AccountValue) error {
	if v == nil {
		return fmt.Errorf("nil account value snapshot")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO account_values (account, tag, currency, value, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (account, tag, currency) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		v.Account, v.Tag, v.Currency, v.Value, formatTime(v.UpdatedAt))
	return err
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_log (seq, kind, at, payload)
		VALUES (?,?,?,?)`,
		c.Seq, string(c.Kind), formatTime(c.At), string(payload))
	return err
}

// ---------------------------------------------------------------------------
// Startup reads
// ---------------------------------------------------------------------------

// LoadOpenOrders returns all archived orders that are not in a terminal
// state, oldest first. Used to warm the in-memory ledger after a restart.
func (a *Archive) LoadOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT order_id, broker_order_id, asset_class, symbol, expiry, strike,
			option_right, side, quantity, order_type, price, tif, status,
			filled_qty, avg_price, message, commission, commission_currency,
			realized_pnl, created_at, updated_at
		FROM orders
		WHERE status NOT IN (?,?,?,?)
		ORDER BY order_id`,
		string(domain.StatusFilled), string(domain.StatusCancelled),
		string(domain.StatusRejected), string(domain.StatusError))
	if err != nil {
		return nil, fmt.Errorf("querying open orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MaxOrderID returns the highest order ID ever archived, or 0 for an empty
// archive. Seeds the ID counter so restarts never reuse an ID.
func (a *Archive) MaxOrderID(ctx context.Context) (int64, error) {
	var max int64
	err := a.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(order_id), 0) FROM orders`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("reading max order id: %w", err)
	}
	return max, nil
}

// LoadFills returns archived fills for an order, oldest first. A
// non-positive orderID returns all fills.
func (a *Archive) LoadFills(ctx context.Context, orderID int64) ([]*domain.Fill, error) {
	query := `
		SELECT fill_id, order_id, exec_id, price, filled_qty, symbol, side,
			fill_time, broker_order_id, created_at
		FROM fills`
	var args []any
	if orderID > 0 {
		query += ` WHERE order_id = ?`
		args = append(args, orderID)
	}
	query += ` ORDER BY fill_id`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fills: %w", err)
	}
	defer rows.Close()

	var out []*domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side, created string
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.ExecID, &f.Price,
			&f.FilledQty, &f.Symbol, &side, &f.Time, &f.BrokerOrderID,
			&created); err != nil {
			return nil, fmt.Errorf("scanning fill: %w", err)
		}
		f.Side = domain.Side(side)
		f.CreatedAt = parseTime(created)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func scanOrder(rows *sql.Rows) (*domain.Order, error) {
	var o domain.Order
	var assetClass, right, side, orderType, tif, status, created, updated string
	if err := rows.Scan(&o.OrderID, &o.BrokerOrderID, &assetClass, &o.Symbol,
		&o.Expiry, &o.Strike, &right, &side, &o.Quantity, &orderType,
		&o.Price, &tif, &status, &o.FilledQty, &o.AvgPrice, &o.Message,
		&o.Commission, &o.CommissionCurrency, &o.RealizedPnL,
		&created, &updated); err != nil {
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	o.AssetClass = domain.AssetClass(assetClass)
	o.Right = domain.OptionRight(right)
	o.Side = domain.Side(side)
	o.OrderType = domain.OrderType(orderType)
	o.TIF = domain.TIF(tif)
	o.Status = domain.Status(status)
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	return &o, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
