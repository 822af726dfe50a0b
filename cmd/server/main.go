// API server: tenant-facing HTTP surface, inbound provider callbacks,
// and in-process webhook fan-out. When KAFKA_BROKERS is set, submitted
// events go through Kafka and the worker binary handles fan-out;
// otherwise the dispatcher runs in this process.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/cabibbz/koya-caller-sub002/internal/api"
	"github.com/cabibbz/koya-caller-sub002/internal/clock"
	"github.com/cabibbz/koya-caller-sub002/internal/config"
	"github.com/cabibbz/koya-caller-sub002/internal/dispatcher"
	"github.com/cabibbz/koya-caller-sub002/internal/domain"
	"github.com/cabibbz/koya-caller-sub002/internal/gateway"
	"github.com/cabibbz/koya-caller-sub002/internal/observability"
	"github.com/cabibbz/koya-caller-sub002/internal/ratelimit"
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

	metrics := observability.NewMetrics("koya")
	healthHandler := observability.NewHealthHandler()
	healthHandler.AddCheck("database", pool)

	limiterOpts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithDecisionHook(func(policy ratelimit.Policy, mode string, allowed bool) {
			metrics.ObserveDecision(string(policy), mode, allowed)
		}),
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to parse REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()

		// An unreachable Redis is not fatal: the limiter falls back to
		// its degraded local budgets until the counter recovers.
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup, limiter will degrade", "error", err)
		} else {
			logger.Info("connected to redis")
		}

		counter := ratelimit.NewRedisCounter(redisClient, ratelimit.DefaultCounterTimeout)
		limiterOpts = append(limiterOpts, ratelimit.WithCounter(counter))
		// Informational only: the limiter rides out a counter outage on
		// degraded local budgets, so redis must not gate readiness.
		healthHandler.AddInfoCheck("redis", redisPinger{redisClient})
	} else {
		logger.Info("REDIS_URL not set, rate limiting is per-instance")
	}

	limiter := ratelimit.New(ratelimit.DefaultTable(), limiterOpts...)

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

	var sink api.EventSink
	var producer *stream.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producerCfg := stream.DefaultProducerConfig()
		producerCfg.Brokers = cfg.KafkaBrokers
		producerCfg.Topic = cfg.KafkaTopic
		producer = stream.NewProducer(producerCfg, logger)
		defer producer.Close()
		sink = kafkaSink{producer: producer}
		logger.Info("events routed through kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		sink = dispatcherSink{disp: disp}
		logger.Info("events dispatched in process")
	}

	disp.Start(ctx)
	defer disp.Stop()

	// The sweeper re-attempts due retries and reclaims deliveries that
	// were dropped from a full queue or abandoned by a crashed instance.
	sweeper := retry.NewSweeper(deliveryRepo, disp, retry.SweeperConfig{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	}, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	gw := gateway.New(gateway.Options{
		Production:      cfg.Production(),
		AllowUnverified: cfg.VerificationBypassed(),
		VoiceAuthToken:  cfg.VoiceAuthToken,
		BillingSecret:   cfg.BillingSigningSecret,
		CRMSecret:       cfg.CRMSigningSecret,
		OnVerification: func(provider, outcome string) {
			metrics.InboundVerifications.WithLabelValues(provider, outcome).Inc()
		},
	}, logger, clock.RealClock{})

	handler := api.NewHandler(webhookRepo, deliveryRepo, sink, logger)
	router := api.NewRouter(api.RouterConfig{
		Handler:        handler,
		HealthHandler:  healthHandler,
		Metrics:        metrics,
		Logger:         logger,
		Limiter:        limiter,
		Gateway:        gw,
		VoiceHandler:   voiceHandler(sink, logger),
		BillingHandler: logOnlyHandler(logger, "billing"),
		CRMHandler:     logOnlyHandler(logger, "crm"),
	})

	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
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

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// dispatcherSink fans out in process. Dispatch never returns an error:
// fan-out failures are logged and recovered by the sweeper.
type dispatcherSink struct {
	disp *dispatcher.Dispatcher
}

func (s dispatcherSink) Accept(ctx context.Context, tenantID string, eventType domain.EventType, payload json.RawMessage) error {
	s.disp.Dispatch(ctx, tenantID, eventType, payload)
	return nil
}

type kafkaSink struct {
	producer *stream.Producer
}

func (s kafkaSink) Accept(ctx context.Context, tenantID string, eventType domain.EventType, payload json.RawMessage) error {
	return s.producer.Publish(ctx, stream.Envelope{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Type:       string(eventType),
		Payload:    payload,
		OccurredAt: time.Now(),
	})
}

// voiceHandler turns verified call-status callbacks into domain events.
// The telephony provider posts form-encoded bodies; the tenant is
// resolved from the custom TenantID parameter set on the callback URL at
// number-provisioning time.
func voiceHandler(sink api.EventSink, logger *slog.Logger) gateway.Handler {
	return func(ctx context.Context, payload []byte) error {
		params, err := url.ParseQuery(string(payload))
		if err != nil {
			logger.Error("unparseable voice callback", "error", err)
			return nil
		}

		tenantID := params.Get("TenantID")
		if tenantID == "" {
			logger.Warn("voice callback without tenant", "call_sid", params.Get("CallSid"))
			return nil
		}

		var eventType domain.EventType
		switch params.Get("CallStatus") {
		case "in-progress":
			eventType = domain.EventCallStarted
		case "completed", "busy", "no-answer", "failed":
			eventType = domain.EventCallEnded
		default:
			return nil
		}

		body, err := json.Marshal(map[string]string{
			"call_sid": params.Get("CallSid"),
			"status":   params.Get("CallStatus"),
			"duration": params.Get("CallDuration"),
			"from":     params.Get("From"),
			"to":       params.Get("To"),
		})
		if err != nil {
			return err
		}

		return sink.Accept(ctx, tenantID, eventType, body)
	}
}

// logOnlyHandler acknowledges verified callbacks that have no fan-out of
// their own yet. Billing and CRM payloads are consumed by their
// respective services; this service only vouches for their signatures.
func logOnlyHandler(logger *slog.Logger, provider string) gateway.Handler {
	return func(_ context.Context, payload []byte) error {
		logger.Info("verified inbound callback", "provider", provider, "bytes", len(payload))
		return nil
	}
}
