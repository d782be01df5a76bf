package store

import (
	"context"
	"testing"

	"tradedesk/internal/domain"
)

func TestDrainerDrainAll(t *testing.T) {
	m := NewMemoryLedger()
	a := testArchive(t)
	ctx := context.Background()

	if err := m.PutOrder(ctx, stockOrder(1)); err != nil {
		t.Fatalf("PutOrder: %v", err)
	}
	if _, err := m.MutateOrder(ctx, 1, func(o *domain.Order) error {
		o.Status = domain.StatusSubmitted
		o.BrokerOrderID = 555
		return nil
	}); err != nil {
		t.Fatalf("MutateOrder: %v", err)
	}
	if _, err := m.AppendFill(ctx, &domain.Fill{OrderID: 1, ExecID: "E1", Price: 190, FilledQty: 100}, func(o *domain.Order) error {
		o.FilledQty = 100
		o.AvgPrice = 190
		o.Status = domain.StatusFilled
		return nil
	}); err != nil {
		t.Fatalf("AppendFill: %v", err)
	}

	// Batch size 2 forces multiple passes over the 4-entry log.
	d := NewDrainer(m, a, 0, 2, testLogger())
	if err := d.DrainAll(ctx); err != nil {
		t.Fatalf("DrainAll: %v", err)
	}

	seq, err := a.Checkpoint(ctx, "sqlite-archive")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if seq != 4 {
		t.Fatalf("checkpoint = %d, want 4", seq)
	}

	// The drained log is trimmed behind the checkpoint.
	left, err := m.ChangesSince(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("%d changes left after drain", len(left))
	}

	// Idle drain is a no-op.
	if err := d.DrainAll(ctx); err != nil {
		t.Fatalf("idle DrainAll: %v", err)
	}

	fills, err := a.LoadFills(ctx, 1)
	if err != nil {
		t.Fatalf("LoadFills: %v", err)
	}
	if len(fills) != 1 || fills[0].ExecID != "E1" {
		t.Fatalf("archived fills = %+v", fills)
	}
	max, err := a.MaxOrderID(ctx)
	if err != nil {
		t.Fatalf("MaxOrderID: %v", err)
	}
	if max != 1 {
		t.Fatalf("MaxOrderID = %d, want 1", max)
	}
}

func TestDrainerResumesFromCheckpoint(t *testing.T) {
	m := NewMemoryLedger()
	a := testArchive(t)
	ctx := context.Background()

	if err := m.PutOrder(ctx, stockOrder(1)); err != nil {
		t.Fatalf("PutOrder: %v", err)
	}
	d := NewDrainer(m, a, 0, 0, testLogger())
	if err := d.DrainAll(ctx); err != nil {
		t.Fatalf("DrainAll: %v", err)
	}

	// New writes after the first drain pick up from the stored checkpoint.
	if err := m.PutOrder(ctx, stockOrder(2)); err != nil {
		t.Fatalf("PutOrder: %v", err)
	}
	if err := d.DrainAll(ctx); err != nil {
		t.Fatalf("second DrainAll: %v", err)
	}

	max, err := a.MaxOrderID(ctx)
	if err != nil {
		t.Fatalf("MaxOrderID: %v", err)
	}
	if max != 2 {
		t.Fatalf("MaxOrderID = %d, want 2", max)
	}
}
