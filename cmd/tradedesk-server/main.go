package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/engine"
	"tradedesk/internal/feed"
	"tradedesk/internal/httpapi"
	"tradedesk/internal/ident"
	"tradedesk/internal/store"
	"tradedesk/internal/util"
)

func main() {
	cfgPath := "config/tradedesk.yaml"
	if p := os.Getenv("TRADEDESK_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Ledger and durable archive. The change log must be positioned past
	// the archive checkpoint before anything writes to the ledger, or the
	// drainer would replay stale sequence numbers.
	ledger := store.NewMemoryLedger()
	archive, err := store.NewArchive(cfg.Storage.SQLitePath, logger)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer archive.Close()

	cp, err := archive.Checkpoint(ctx, store.ArchiveConsumer)
	if err != nil {
		return fmt.Errorf("reading archive checkpoint: %w", err)
	}
	ledger.SeedChanges(cp)

	// Broker session behind the single-flight guard.
	session, err := buildSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	guard := broker.NewGuard(session, time.Duration(cfg.Broker.TimeoutSec)*time.Second, logger)
	defer guard.Close()

	// Live update fan-out: websocket hub, plus Kafka when enabled.
	hub := httpapi.NewHub(logger)
	go hub.Run()

	notifier := engine.MultiNotifier{hub}
	var publisher *feed.Publisher
	if cfg.Feed.Kafka.Enabled {
		publisher = feed.NewPublisher(cfg.Feed.Kafka.Brokers, cfg.Feed.Kafka.Topic, logger)
		notifier = append(notifier, publisher)
	}

	ids := ident.NewRegistry(cfg.Storage.IDFile, logger)
	limits := engine.NewLimits(cfg.Engine.MaxOrderQty, cfg.Engine.MaxOpenOrders)
	eng := engine.NewEngine(ledger, ids, guard, limits, notifier, logger)

	// Replay open orders from the previous run before taking commands.
	open, err := archive.LoadOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading open orders: %w", err)
	}
	maxID, err := archive.MaxOrderID(ctx)
	if err != nil {
		return fmt.Errorf("reading max order id: %w", err)
	}
	if err := eng.Restore(ctx, open, maxID); err != nil {
		return fmt.Errorf("restoring orders: %w", err)
	}

	errCh := make(chan error, 1)
	fatal := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	rec := engine.NewReconciler(ledger, ids, guard, notifier, engine.ReconcilerConfig{
		AdoptForeignOrders: cfg.Engine.AdoptForeignOrders,
		ResolveWait:        time.Duration(cfg.Engine.ResolveWaitSec) * time.Second,
	}, logger)
	go func() {
		if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
			fatal(fmt.Errorf("reconciler: %w", err))
		}
	}()

	drainer := store.NewDrainer(ledger, archive,
		time.Duration(cfg.Storage.DrainIntervalSec)*time.Second, cfg.Storage.DrainBatch, logger)
	go func() {
		if err := drainer.Run(ctx); err != nil && ctx.Err() == nil {
			fatal(fmt.Errorf("drainer: %w", err))
		}
	}()

	if cfg.Storage.DataDir != "" {
		journal := store.NewFillJournal(cfg.Storage.DataDir)
		interval := time.Duration(cfg.Storage.JournalIntervalSec) * time.Second
		go func() {
			if err := store.RunJournal(ctx, ledger, journal, interval, logger); err != nil && ctx.Err() == nil {
				fatal(fmt.Errorf("fill journal: %w", err))
			}
		}()
	}

	if publisher != nil {
		go func() {
			if err := publisher.Run(ctx); err != nil && ctx.Err() == nil {
				fatal(fmt.Errorf("kafka feed: %w", err))
			}
		}()
	}

	api := httpapi.NewServer(eng, guard, hub, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: api.Handler()}

	go func() {
		logger.Info("listening", "addr", addr, "backend", guard.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(fmt.Errorf("http server: %w", err))
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "signal")
	case runErr = <-errCh:
		logger.Error("shutting down", "reason", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	// Final flush so the archive holds everything the ledger committed.
	if err := drainer.DrainAll(shutdownCtx); err != nil {
		logger.Error("final drain", "error", err)
	}

	return runErr
}

func buildSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Session, error) {
	switch cfg.Broker.Backend {
	case "", "sim":
		return broker.NewSimSession(broker.SimConfig{
			Account:            cfg.Broker.Sim.Account,
			FillDelay:          time.Duration(cfg.Broker.Sim.FillDelayMs) * time.Millisecond,
			FillSlices:         cfg.Broker.Sim.FillSlices,
			StartCash:          cfg.Broker.Sim.StartCash,
			CommissionPerShare: cfg.Broker.Sim.CommissionPerShare,
		}, logger), nil

	case "alpaca":
		s := broker.NewAlpacaSession(broker.AlpacaConfig{
			APIKey:            cfg.Broker.Alpaca.APIKey,
			APISecret:         cfg.Broker.Alpaca.APISecret,
			BaseURL:           cfg.Broker.Alpaca.BaseURL,
			PollInterval:      time.Duration(cfg.Broker.Alpaca.PollIntervalSec) * time.Second,
			RequestsPerMinute: cfg.Broker.Alpaca.RequestsPerMin,
		}, logger)
		if err := s.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting alpaca session: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}
