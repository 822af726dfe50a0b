// Worker: consumes event envelopes from Kafka and fans them out to
// webhooks. Runs as multiple instances in one consumer group; the
// sweeper in each instance also re-attempts due retries, coordinated
// through the store's claim semantics.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/cabibbz/koya-caller-sub002/internal/clock"
	"github.com/cabibbz/koya-caller-sub002/internal/config"
	"github.com/cabibbz/koya-caller-sub002/internal/dispatcher"
	"github.com/cabibbz/koya-caller-sub002/internal/domain"
	"github.com/cabibbz/koya-caller-sub002/internal/observability"
	"github.com/cabibbz/koya-caller-sub002/internal/repository/postgres"
	"github.com/cabibbz/koya-caller-sub002/internal/retry"
	"github.com/cabibbz/koya-caller-sub002/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS is required for the worker")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	webhookRepo := postgres.NewWebhookRepository(pool)
	deliveryRepo := postgres.NewDeliveryRepository(pool)

	metrics := observability.NewMetrics("koya_worker")
	healthHandler := observability.NewHealthHandler()
	healthHandler.AddCheck("database", pool)

	httpClient := &http.Client{Timeout: 30 * time.Second}

	guardCfg := dispatcher.DefaultGuardConfig()
	guardCfg.OnStateChange = func(webhookID string, from, to gobreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(webhookID).Set(breakerStateValue(to))
		if to == gobreaker.StateOpen {
			metrics.CircuitBreakerTrips.WithLabelValues(webhookID).Inc()
		}
	}

	disp := dispatcher.New(
		dispatcher.Config{
			Workers:   cfg.Workers,
			QueueSize: cfg.DispatchQueue,
		},
		webhookRepo,
		deliveryRepo,
		httpClient,
		clock.RealClock{},
		retry.DefaultSchedule(),
		logger,
	).WithGuard(dispatcher.NewEndpointGuard(guardCfg)).WithMetrics(
		func(status domain.DeliveryStatus) { metrics.Deliveries.WithLabelValues(string(status)).Inc() },
		metrics.DeliveryDuration.Observe,
		metrics.DeliveryAttempts.Inc,
		metrics.DeliveriesDropped.Inc,
	)

	disp.Start(ctx)
	defer disp.Stop()

	sweeper := retry.NewSweeper(deliveryRepo, disp, retry.SweeperConfig{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	}, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	consumerCfg := stream.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.Topic = cfg.KafkaTopic
	consumerCfg.GroupID = cfg.KafkaGroup
	consumerCfg.InstanceID = cfg.InstanceID

	consumer := stream.NewConsumer(consumerCfg, func(ctx context.Context, env *stream.Envelope) error {
		eventType := domain.EventType(env.Type)
		if !eventType.Valid() {
			logger.Warn("skipping envelope with unknown type", "event_id", env.ID, "event_type", env.Type)
			return nil
		}
		disp.Dispatch(ctx, env.TenantID, eventType, json.RawMessage(env.Payload))
		return nil
	}, logger)

	consumer.Start(ctx)
	defer consumer.Stop()

	healthHandler.SetReady(true)

	// Diagnostics only; the tenant API lives in the server binary.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler.Health)
	mux.HandleFunc("/ready", healthHandler.Ready)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info("starting diagnostics server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("diagnostics server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown diagnostics server", "error", err)
	}

	logger.Info("shutdown complete")
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
