package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradedesk/internal/domain"
)

// FillJournal writes executions to daily Parquet files for offline analysis
// (slippage, per-symbol volume, commissions reconciliation). The journal is
// a secondary copy: the SQLite archive stays the recovery source.
type FillJournal struct {
	DataDir string
}

// NewFillJournal creates a journal rooted at the given data directory.
func NewFillJournal(dataDir string) *FillJournal {
	return &FillJournal{DataDir: dataDir}
}

// FillRecord is the Parquet schema for execution rows.
type FillRecord struct {
	FillID        int64   `parquet:"fill_id"`
	OrderID       int64   `parquet:"order_id"`
	ExecID        string  `parquet:"exec_id"`
	Symbol        string  `parquet:"symbol"`
	Side          string  `parquet:"side"`
	Price         float64 `parquet:"price"`
	FilledQty     int64   `parquet:"filled_qty"`
	BrokerOrderID int64   `parquet:"broker_order_id"`
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// WriteFills writes fills to Parquet files organized by execution date.
// Each date produces a separate file at:
//
//	<DataDir>/fills/<YYYY-MM-DD>.parquet
//
// Existing rows merge by (order_id, exec_id), so re-journaling the same
// fills is idempotent.
func (j *FillJournal) WriteFills(_ context.Context, fills []*domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}

	groups := make(map[string][]FillRecord)
	for _, f := range fills {
		date := f.CreatedAt.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], FillRecord{
			FillID:        f.FillID,
			OrderID:       f.OrderID,
			ExecID:        f.ExecID,
			Symbol:        f.Symbol,
			Side:          string(f.Side),
			Price:         f.Price,
			FilledQty:     f.FilledQty,
			BrokerOrderID: f.BrokerOrderID,
			Timestamp:     f.CreatedAt.UnixMilli(),
		})
	}

	for date, records := range groups {
		path := j.fillPath(date)

		existing, _ := readParquetFile[FillRecord](path)
		merged := mergeFillRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing fills for %s: %w", date, err)
		}
	}
	return nil
}

// ReadFills reads journaled fills whose execution time falls in [start, end].
func (j *FillJournal) ReadFills(_ context.Context, start, end time.Time) ([]*domain.Fill, error) {
	var fills []*domain.Fill
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end); d = d.AddDate(0, 0, 1) {
		path := j.fillPath(d.Format("2006-01-02"))
		records, err := readParquetFile[FillRecord](path)
		if err != nil {
			// File doesn't exist for this date — skip.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			fills = append(fills, &domain.Fill{
				FillID:        r.FillID,
				OrderID:       r.OrderID,
				ExecID:        r.ExecID,
				Symbol:        r.Symbol,
				Side:          domain.Side(r.Side),
				Price:         r.Price,
				FilledQty:     r.FilledQty,
				BrokerOrderID: r.BrokerOrderID,
				CreatedAt:     ts,
			})
		}
	}
	return fills, nil
}

// fillPath returns the filesystem path for a daily fill file.
// Layout: <dataDir>/fills/<YYYY-MM-DD>.parquet
func (j *FillJournal) fillPath(date string) string {
	return filepath.Join(j.DataDir, "fills", date+".parquet")
}

// RunJournal copies new ledger fills into the journal on a fixed interval
// until ctx is cancelled, with a final flush on shutdown. The cursor starts
// at zero, so a restart re-reads everything; merge-by-exec makes that
// harmless.
func RunJournal(ctx context.Context, fills FillStore, journal *FillJournal, interval time.Duration, log *slog.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	log = log.With("component", "fill_journal")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastID int64
	flush := func(ctx context.Context) {
		batch, err := fills.FillsSince(ctx, lastID)
		if err != nil {
			log.Error("listing fills", "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		if err := journal.WriteFills(ctx, batch); err != nil {
			log.Error("journaling fills", "error", err)
			return
		}
		lastID = batch[len(batch)-1].FillID
	}

	log.Info("fill journal started", "interval", interval, "dir", journal.DataDir)
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(flushCtx)
			cancel()
			log.Info("fill journal stopped")
			return ctx.Err()
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeFillRecords deduplicates fill records by (order_id, exec_id),
// preferring new records over existing ones. Results are sorted by fill ID.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	type key struct {
		orderID int64
		execID  string
	}
	seen := make(map[key]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.OrderID, r.ExecID}] = r
	}
	for _, r := range incoming {
		seen[key{r.OrderID, r.ExecID}] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].FillID < merged[j].FillID
	})
	return merged
}
