package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"tokenvote/auth"
	"tokenvote/claim"
	"tokenvote/config"
	"tokenvote/db"
	"tokenvote/issue"
	"tokenvote/metrics"
	"tokenvote/outbox"
	"tokenvote/token"
)

func main() {
	if err := run(); err != nil {
		slog.Error("tokenvote api exited", "module", "api", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if cfg.ApplyMigrations {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied", "module", "api", "layer", "bootstrap")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gov := metrics.New()
	gov.Register(registry)

	ledger := token.NewLedger()
	writer := outbox.NewWriter()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret).
		WithTTL(cfg.TokenTTL).
		WithLogger(logger)
	claimService := claim.NewService(pool, claim.NewRepository(), ledger, writer).
		WithMetrics(gov).
		WithLogger(logger)
	tokenService := token.NewService(pool, ledger, writer).
		WithLogger(logger)
	issueService := issue.NewService(pool, issue.NewRepository(), ledger, writer).
		WithMetrics(gov).
		WithLogger(logger)

	relay := outbox.NewRelay(pool, outbox.NewRepository(), outbox.LogPublisher{Logger: logger}).
		WithBatchSize(cfg.OutboxBatchSize).
		WithMaxAttempts(cfg.OutboxMaxAttempts).
		WithLogger(logger)

	server := NewServer(
		authService,
		claimService,
		tokenService,
		issueService,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		logger,
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "module", "api", "layer", "transport", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx, cfg.OutboxPollInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down", "module", "api", "layer", "bootstrap")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
