package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/dutchclear/config"
	"github.com/alejandrodnm/dutchclear/internal/adapters/escrow"
	"github.com/alejandrodnm/dutchclear/internal/adapters/httpapi"
	"github.com/alejandrodnm/dutchclear/internal/adapters/indexer"
	"github.com/alejandrodnm/dutchclear/internal/adapters/metrics"
	"github.com/alejandrodnm/dutchclear/internal/adapters/notify"
	"github.com/alejandrodnm/dutchclear/internal/adapters/signer"
	"github.com/alejandrodnm/dutchclear/internal/adapters/storage"
	"github.com/alejandrodnm/dutchclear/internal/application/ledger"
	"github.com/alejandrodnm/dutchclear/internal/application/monitor"
	"github.com/alejandrodnm/dutchclear/internal/application/settlement"
	"github.com/alejandrodnm/dutchclear/internal/application/tracker"
	"github.com/alejandrodnm/dutchclear/internal/ports"
)

// store es lo que el proceso necesita de la capa de persistencia.
type store interface {
	ports.Store
	ports.AuditLog
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	memory := flag.Bool("memory", false, "keep everything in memory instead of SQLite")
	preview := flag.String("preview", "", "print auctions plus the settlement preview of this auction and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("clearingd starting",
		"config", *configPath,
		"addr", cfg.Server.Addr,
		"network", cfg.Escrow.Network,
		"indexer", cfg.Indexer.BaseURL,
		"memory", *memory,
		"monitor", cfg.MonitorEnabled(),
	)

	st, err := openStore(cfg.Storage, *memory)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer st.Close()

	deriver, err := escrow.NewDeriver(cfg.Escrow.Seed, escrow.Network(cfg.Escrow.Network))
	if err != nil {
		slog.Error("failed to build escrow deriver", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc := ledger.New(st, deriver)

	if *preview != "" {
		if err := runPreview(ctx, svc, st, *preview); err != nil {
			slog.Error("preview failed", "err", err, "auction", *preview)
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, cfg, svc, st, deriver); err != nil {
		slog.Error("clearingd exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("clearingd stopped cleanly")
}

func openStore(cfg config.StorageConfig, memory bool) (store, error) {
	if memory {
		return storage.NewMemoryStorage(), nil
	}
	return storage.NewSQLiteStorage(cfg.DSN)
}

func serve(ctx context.Context, cfg *config.Config, svc *ledger.Service, st store, deriver *escrow.Deriver) error {
	chain := indexer.NewClient(indexer.Config{
		BaseURL:    cfg.Indexer.BaseURL,
		Timeout:    config.Seconds(cfg.Indexer.TimeoutSeconds),
		RatePerSec: cfg.Indexer.RatePerSec,
		Burst:      cfg.Indexer.Burst,
		MaxRetries: cfg.Indexer.MaxRetries,
		RetryWait:  config.Millis(cfg.Indexer.RetryWaitMs),
	})
	prom := metrics.New("")

	tr := tracker.New(svc, chain, tracker.Config{
		Workers:         cfg.Tracker.Workers,
		PollTimeout:     config.Seconds(cfg.Tracker.PollTimeoutSeconds),
		AutoPair:        cfg.Tracker.AutoPair,
		ConfirmAttempts: cfg.Tracker.ConfirmAttempts,
		ConfirmInterval: config.Seconds(cfg.Tracker.ConfirmIntervalSeconds),
	},
		tracker.WithObserver(notify.NewActivityLogger(slog.Default())),
		tracker.WithMetrics(prom),
	)

	sign, err := buildSigner(cfg.Signer)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}

	orch := settlement.New(svc, sign, chain, settlement.Config{
		Concurrency:   cfg.Settlement.Concurrency,
		StepTimeout:   config.Seconds(cfg.Settlement.StepTimeoutSeconds),
		Confirmations: cfg.Settlement.Confirmations,
	},
		settlement.WithConfirmer(tr),
		settlement.WithAddressValidator(deriver),
		settlement.WithAuditLog(st),
		settlement.WithMetrics(prom),
	)

	opts := []httpapi.Option{}
	if cfg.Server.Metrics {
		opts = append(opts, httpapi.WithMetricsHandler(prom.Handler()))
	}

	var mon *monitor.Monitor
	if cfg.MonitorEnabled() {
		mon = monitor.New(svc, tr, monitor.Config{
			Interval:     cfg.MonitorInterval(),
			CycleTimeout: config.Seconds(cfg.Monitor.CycleTimeoutSeconds),
		}, monitor.WithMetrics(prom))
		mon.Start(ctx)
		defer mon.Stop()
		opts = append(opts, httpapi.WithMonitor(mon))
	}

	api := httpapi.NewServer(svc, tr, orch, opts...)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: config.Seconds(cfg.Server.ReadTimeoutSeconds),
		ReadTimeout:       config.Seconds(cfg.Server.ReadTimeoutSeconds),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down", "timeout", config.Seconds(cfg.Server.ShutdownTimeoutSeconds))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Server.ShutdownTimeoutSeconds))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// buildSigner usa el signer remoto si hay URL; sin él, cada transfer se omite.
func buildSigner(cfg config.SignerConfig) (ports.TransferSigner, error) {
	if cfg.URL == "" {
		slog.Warn("signer: no url configured, settlement transfers will be skipped")
		return signer.Unavailable{}, nil
	}
	return signer.NewRemote(signer.Config{
		URL:     cfg.URL,
		Timeout: config.Seconds(cfg.TimeoutSeconds),
		Secret:  cfg.Secret,
	})
}

func runPreview(ctx context.Context, svc *ledger.Service, st store, auctionID string) error {
	console := notify.NewConsole()

	auctions, err := svc.ListAuctions(ctx, "")
	if err != nil {
		return fmt.Errorf("list auctions: %w", err)
	}
	console.PrintAuctions(auctions)

	a, err := svc.GetAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	s, err := svc.Preview(ctx, auctionID)
	if err != nil {
		return err
	}
	console.PrintPreview(a, s)

	runs, err := st.ListSettlementRuns(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	console.PrintRuns(runs)
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
