package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ArchiveConsumer is the checkpoint name the drainer advances. Startup code
// reads the same checkpoint to position the change log after a restart.
const ArchiveConsumer = "sqlite-archive"

// Drainer replays the ledger change log into the SQLite archive. It polls
// the log from the archive's checkpoint, applies batches transactionally
// (projection rows, audit entries and checkpoint advance commit together),
// and trims the in-memory log behind the checkpoint. Exactly one drainer
// runs per archive.
type Drainer struct {
	ledger   ChangeLog
	archive  *Archive
	consumer string
	interval time.Duration
	batch    int
	log      *slog.Logger
}

// NewDrainer creates a drainer. interval <= 0 defaults to one second,
// batch <= 0 to 256.
func NewDrainer(ledger ChangeLog, archive *Archive, interval time.Duration, batch int, log *slog.Logger) *Drainer {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 256
	}
	return &Drainer{
		ledger:   ledger,
		archive:  archive,
		consumer: ArchiveConsumer,
		interval: interval,
		batch:    batch,
		log:      log.With("component", "outbox"),
	}
}

// Run drains on a fixed interval until ctx is cancelled, then performs one
// final drain so a clean shutdown loses nothing.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info("outbox drainer started", "interval", d.interval, "batch", d.batch)
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.DrainAll(flushCtx); err != nil {
				d.log.Error("final drain failed", "error", err)
			}
			d.log.Info("outbox drainer stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := d.DrainAll(ctx); err != nil {
				d.log.Error("drain failed", "error", err)
			}
		}
	}
}

// DrainAll drains batches until the change log is exhausted.
func (d *Drainer) DrainAll(ctx context.Context) error {
	for {
		n, err := d.drainOnce(ctx)
		if err != nil {
			return err
		}
		if n < d.batch {
			return nil
		}
	}
}

// drainOnce applies at most one batch and returns how many changes it
// applied.
func (d *Drainer) drainOnce(ctx context.Context) (int, error) {
	seq, err := d.archive.Checkpoint(ctx, d.consumer)
	if err != nil {
		return 0, fmt.Errorf("loading checkpoint: %w", err)
	}
	changes, err := d.ledger.ChangesSince(ctx, seq, d.batch)
	if err != nil {
		return 0, fmt.Errorf("reading change log: %w", err)
	}
	if len(changes) == 0 {
		return 0, nil
	}
	if err := d.archive.ApplyChanges(ctx, d.consumer, changes); err != nil {
		return 0, fmt.Errorf("archiving changes: %w", err)
	}
	last := changes[len(changes)-1].Seq
	d.ledger.TrimChanges(last)
	d.log.Debug("drained changes", "count", len(changes), "through_seq", last)
	return len(changes), nil
}
