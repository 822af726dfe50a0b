package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cabibbz/koya-caller-sub002/internal/domain"
	"github.com/cabibbz/koya-caller-sub002/internal/gateway"
	"github.com/cabibbz/koya-caller-sub002/internal/observability"
	"github.com/cabibbz/koya-caller-sub002/internal/ratelimit"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger

	Limiter *ratelimit.Limiter
	Gateway *gateway.Gateway

	// Domain handlers invoked after inbound signature verification.
	VoiceHandler   gateway.Handler
	BillingHandler gateway.Handler
	CRMHandler     gateway.Handler
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Dashboard surface: keyed per authenticated user so one busy tenant
	// cannot starve the rest.
	r.Group(func(r chi.Router) {
		r.Use(gateway.RateLimit(cfg.Limiter, ratelimit.PolicyDashboard, gateway.KeyByUser))

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", cfg.Handler.CreateWebhook)
			r.Get("/", cfg.Handler.ListWebhooks)
			r.Get("/{id}", cfg.Handler.GetWebhook)
			r.Put("/{id}", cfg.Handler.UpdateWebhook)
			r.Delete("/{id}", cfg.Handler.DeleteWebhook)
			r.Get("/{id}/deliveries", cfg.Handler.ListDeliveries)
		})

		r.Post("/events", cfg.Handler.SubmitEvent)
	})

	// Provider callbacks share one global budget: the providers retry on
	// 429, and the budget protects signature verification from floods.
	r.Group(func(r chi.Router) {
		r.Use(gateway.RateLimit(cfg.Limiter, ratelimit.PolicyWebhook, gateway.KeyGlobal))

		r.Post("/inbound/voice", cfg.Gateway.Voice(cfg.VoiceHandler))
		r.Post("/inbound/billing", cfg.Gateway.Billing(cfg.BillingHandler))
		r.Post("/inbound/crm", cfg.Gateway.CRM(cfg.CRMHandler))
	})

	// Unauthenticated surface, keyed per client IP.
	r.Group(func(r chi.Router) {
		r.Use(gateway.RateLimit(cfg.Limiter, ratelimit.PolicyPublic, gateway.KeyByIP))

		r.Get("/event-types", listEventTypes)
	})

	return r
}

func listEventTypes(w http.ResponseWriter, r *http.Request) {
	types := domain.EventTypes()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	respondJSON(w, http.StatusOK, map[string][]string{"event_types": names})
}
