package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/zoff-tech/corporate-actions/pkg/api"
	"github.com/zoff-tech/corporate-actions/pkg/broker"
	"github.com/zoff-tech/corporate-actions/pkg/config"
	"github.com/zoff-tech/corporate-actions/pkg/processor"
	"github.com/zoff-tech/corporate-actions/pkg/service"
	"github.com/zoff-tech/corporate-actions/pkg/settlement"
	"github.com/zoff-tech/corporate-actions/pkg/store"
	"github.com/zoff-tech/corporate-actions/pkg/telemetry"
)

func main() {
	// Load configuration from file, environment overlay and env vars
	cfg, err := config.LoadFromFile("./cmd/corpactions")
	if err != nil {
		slog.Error("Error loading configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Settings, logger *slog.Logger) error {
	// Initialize tracing when an exporter is configured
	if cfg.Observability.Enabled {
		shutdownTelemetry, err := telemetry.Init(cfg.Observability)
		if err != nil {
			return fmt.Errorf("initialize telemetry: %w", err)
		}
		defer shutdownTelemetry()
	}

	eventStore, err := store.NewStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer eventStore.Close()

	var msgBroker broker.MessageBroker
	if cfg.Broker.Type != "none" {
		msgBroker, err = broker.NewBroker(ctx, &cfg.Broker)
		if err != nil {
			return fmt.Errorf("initialize broker: %w", err)
		}
		defer msgBroker.Close()
	}

	settler, err := newSettler(cfg, msgBroker)
	if err != nil {
		return err
	}

	engineOpts := []processor.Option{
		processor.WithLogger(logger),
		processor.WithMetrics(telemetry.NewEngineMetrics(nil)),
	}
	var svcOpts []service.Option
	if msgBroker != nil {
		notifier := processor.NewBrokerNotifier(msgBroker, cfg.Broker.Exchange)
		engineOpts = append(engineOpts, processor.WithNotifier(notifier))
		svcOpts = append(svcOpts, service.WithNotifier(notifier))
	}
	engine := processor.New(eventStore, settler, processor.ConfigFromSettings(cfg.Engine), engineOpts...)
	svc := service.New(eventStore, engine, append(svcOpts, service.WithLogger(logger))...)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewHandler(svc, logger, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(engineCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("HTTP server shutdown failed", slog.Any("error", shutdownErr))
	}
	stopEngine()
	wg.Wait()
	return err
}

// newSettler selects the settlement backend. Every backend is wrapped so that
// an attempt that already settled is never applied twice.
func newSettler(cfg *config.Settings, msgBroker broker.MessageBroker) (settlement.Settler, error) {
	switch cfg.Settlement.Mode {
	case "broker":
		if msgBroker == nil {
			return nil, errors.New("settlement mode broker requires a broker")
		}
		return settlement.Deduplicate(settlement.NewBrokerSettler(msgBroker, cfg.Broker.SettlementExchange)), nil
	default:
		return settlement.Deduplicate(settlement.NewSimulated(cfg.Settlement.FailureRate, cfg.Settlement.Delay)), nil
	}
}
