// notlike — multi-venue trading backend: DEX aggregation with
// best-price routing, conditional spot orders, copy trading, and a
// P2P escrow marketplace.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires everything, waits for SIGINT/SIGTERM
//	aggregator/            — fans quotes out to venues, ranks them, executes swaps with cascade
//	orders/engine.go       — spot order lifecycle: create, idempotent execute, cancel, recover
//	orders/watcher.go      — polls prices and fires STOP_LOSS / TAKE_PROFIT triggers
//	orders/copy.go         — mirrors leaders' fills onto followers
//	p2p/engine.go          — escrow state machine for fiat-vs-crypto deals
//	venue/client.go        — per-DEX HTTP client with retry and rate limiting
//	cache/                 — TTL key-value store backing quotes and trigger indexes
//	storage/               — sqlite persistence for orders, deals, journal, social graph
//	scheduler/             — periodic jobs: expiry sweep, backups, daily fee summary
//	backup/                — VACUUM INTO snapshots with retention
//	telemetry/             — Prometheus metrics and system gauges
//	api/                   — ops HTTP server: health, rankings, P2P book, /metrics, /ws stream
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoYakushev/notlike/internal/aggregator"
	"github.com/GoYakushev/notlike/internal/api"
	"github.com/GoYakushev/notlike/internal/backup"
	"github.com/GoYakushev/notlike/internal/cache"
	"github.com/GoYakushev/notlike/internal/config"
	"github.com/GoYakushev/notlike/internal/notify"
	"github.com/GoYakushev/notlike/internal/orders"
	"github.com/GoYakushev/notlike/internal/p2p"
	"github.com/GoYakushev/notlike/internal/scheduler"
	"github.com/GoYakushev/notlike/internal/storage"
	"github.com/GoYakushev/notlike/internal/telemetry"
	"github.com/GoYakushev/notlike/internal/venue"
	"github.com/GoYakushev/notlike/internal/wallet"
	"github.com/GoYakushev/notlike/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("NOTLIKE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(2)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	memCache := cache.NewMemory()
	go memCache.Run(ctx)

	metrics := telemetry.New()
	go metrics.Run(ctx, store, logger)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Timeout, logger)
	}

	// One aggregator per network, each fanning out to its configured venues.
	routers := make(map[types.Network]orders.Router, len(cfg.Networks))
	rankings := make(map[types.Network]*aggregator.Stats, len(cfg.Networks))
	for name, nc := range cfg.Networks {
		network := types.Network(name)
		clients := make([]aggregator.VenueClient, 0, len(nc.Venues))
		for venueName, baseURL := range nc.Venues {
			clients = append(clients, venue.New(network, venueName, baseURL, logger))
		}
		stats := aggregator.NewStats()
		rankings[network] = stats
		routers[network] = aggregator.New(network, clients, memCache, stats,
			store, metrics, cfg.Orders.QuoteTTL, cfg.Orders.SlippageBps, logger)
	}

	ledger := wallet.NewLedger()
	orderEngine := orders.New(store, memCache, routers, notifier, metrics, cfg, logger)
	p2pEngine := p2p.New(store, ledger, notifier, metrics, cfg, logger)

	if err := orderEngine.Recover(ctx); err != nil {
		return fmt.Errorf("order recovery: %w", err)
	}

	watcher := orders.NewWatcher(orderEngine, cfg.Orders.WatcherInterval, logger)
	go watcher.Run(ctx)

	dispatcher := orders.NewCopyDispatcher(orderEngine, store, ledger, logger)
	go dispatcher.Run(ctx)

	backups := backup.New(store, cfg.Backup, nil, logger)

	sched := scheduler.New(logger)
	sched.Register("p2p-expiry-sweep", cfg.P2P.SweepInterval, func(ctx context.Context) error {
		_, err := p2pEngine.SweepExpired(ctx)
		return err
	})
	sched.Register("db-backup", cfg.Backup.Interval, backups.Job())
	sched.DailyAt("fee-summary", cfg.Fees.NotifyHourUTC, feeSummaryJob(store, notifier))
	go sched.Run(ctx)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, orderEngine, p2pEngine, rankings, metrics, logger)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
		logger.Info("ops server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	logger.Info("notlike backend started",
		"networks", len(cfg.Networks),
		"watcher_interval", cfg.Orders.WatcherInterval,
		"p2p_ttl", cfg.P2P.OrderTTL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("ops server stop failed", "error", err)
		}
	}
	cancel()
	// Give tickers and in-flight notifications a moment to drain.
	time.Sleep(time.Second)
	logger.Info("shutdown complete")
	return nil
}

// feeSummaryJob notifies each user of the fees charged over the last day.
func feeSummaryJob(store *storage.Store, notifier notify.Notifier) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		totals, err := store.FeeTotalsSince(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			return err
		}
		for userID, total := range totals {
			notifier.Notify(ctx, notify.Event{
				UserID: userID,
				Kind:   "fee_summary",
				Text:   fmt.Sprintf("Fees charged over the last 24h: %s", total),
			})
		}
		return nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
