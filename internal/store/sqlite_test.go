package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradedesk/internal/domain"
)

func testArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := NewArchive(filepath.Join(t.TempDir(), "archive.db"), testLogger())
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return a
}

func TestArchiveApplyChanges(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	open := stockOrder(1)
	open.Status = domain.StatusSubmitted
	open.BrokerOrderID = 555
	open.CreatedAt = now
	open.UpdatedAt = now

	done := stockOrder(2)
	done.Status = domain.StatusFilled
	done.FilledQty = done.Quantity
	done.AvgPrice = 190.2
	done.CreatedAt = now
	done.UpdatedAt = now

	changes := []Change{
		{Seq: 1, Kind: ChangeOrder, At: now, Order: open},
		{Seq: 2, Kind: ChangeOrder, At: now, Order: done},
		{Seq: 3, Kind: ChangeFill, At: now, Fill: &domain.Fill{
			FillID: 1, OrderID: 2, ExecID: "E1", Price: 190.2, FilledQty: 100,
			Symbol: "AAPL", Side: domain.SideBuy, BrokerOrderID: 777, CreatedAt: now,
		}},
		{Seq: 4, Kind: ChangePosition, At: now, Position: &domain.Position{
			Account: "DU1", Symbol: "AAPL", SecType: "STK", Position: 100, AvgCost: 190.2, UpdatedAt: now,
		}},
		{Seq: 5, Kind: ChangeAccountValue, At: now, AccountValue: &domain.AccountValue{
			Account: "DU1", Tag: "NetLiquidation", Currency: "USD", Value: "100000", UpdatedAt: now,
		}},
	}

	if err := a.ApplyChanges(ctx, "sqlite-archive", changes); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	// Re-applying the same batch after a crash must be harmless.
	if err := a.ApplyChanges(ctx, "sqlite-archive", changes); err != nil {
		t.Fatalf("ApplyChanges replay: %v", err)
	}

	seq, err := a.Checkpoint(ctx, "sqlite-archive")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if seq != 5 {
		t.Fatalf("checkpoint = %d, want 5", seq)
	}

	orders, err := a.LoadOpenOrders(ctx)
	if err != nil {
		t.Fatalf("LoadOpenOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != 1 {
		t.Fatalf("LoadOpenOrders = %+v", orders)
	}
	if orders[0].Status != domain.StatusSubmitted || orders[0].BrokerOrderID != 555 {
		t.Fatalf("open order round trip = %+v", orders[0])
	}
	if !orders[0].CreatedAt.Equal(now) {
		t.Fatalf("created_at round trip = %v, want %v", orders[0].CreatedAt, now)
	}

	max, err := a.MaxOrderID(ctx)
	if err != nil {
		t.Fatalf("MaxOrderID: %v", err)
	}
	if max != 2 {
		t.Fatalf("MaxOrderID = %d, want 2", max)
	}

	fills, err := a.LoadFills(ctx, 2)
	if err != nil {
		t.Fatalf("LoadFills: %v", err)
	}
	if len(fills) != 1 || fills[0].ExecID != "E1" || fills[0].Price != 190.2 {
		t.Fatalf("LoadFills = %+v", fills)
	}
}

func TestArchivePositionZeroDeletes(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()
	now := time.Now().UTC()

	put := []Change{{Seq: 1, Kind: ChangePosition, At: now, Position: &domain.Position{
		Account: "DU1", Symbol: "TSLA", SecType: "STK", Position: 50, UpdatedAt: now,
	}}}
	if err := a.ApplyChanges(ctx, "sqlite-archive", put); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}

	zero := []Change{{Seq: 2, Kind: ChangePosition, At: now, Position: &domain.Position{
		Account: "DU1", Symbol: "TSLA", SecType: "STK", Position: 0, UpdatedAt: now,
	}}}
	if err := a.ApplyChanges(ctx, "sqlite-archive", zero); err != nil {
		t.Fatalf("ApplyChanges zero: %v", err)
	}

	var count int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM positions`).Scan(&count); err != nil {
		t.Fatalf("counting positions: %v", err)
	}
	if count != 0 {
		t.Fatalf("positions rows = %d, want 0", count)
	}
	// The audit log still records both transitions.
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&count); err != nil {
		t.Fatalf("counting audit rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("audit rows = %d, want 2", count)
	}
}

func TestArchiveCheckpointEmpty(t *testing.T) {
	a := testArchive(t)
	seq, err := a.Checkpoint(context.Background(), "sqlite-archive")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if seq != 0 {
		t.Fatalf("empty checkpoint = %d, want 0", seq)
	}
}
