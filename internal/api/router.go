package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/webhook"
)

// queryTimeout bounds read endpoints. Send endpoints are not bounded here:
// a paced SMS batch runs as long as its recipient list requires.
const queryTimeout = 30 * time.Second

// RouterConfig collects what the HTTP surface is built from.
type RouterConfig struct {
	Handler  *Handler
	WhatsApp *webhook.WhatsAppHandler // nil disables the WhatsApp webhook
	SMS      *webhook.SMSHandler      // nil disables SMS delivery reports
	Limiter  Limiter                  // nil disables rate limiting
	Logger   *zap.Logger

	CORSOrigins []string

	// Health reports dependency health; nil means always healthy.
	Health func(ctx context.Context) error
}

// NewRouter wires middleware, API routes, webhooks, health and metrics.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Owner-ID"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Idempotency-Replayed"},
		MaxAge:         300,
	}))

	h := cfg.Handler
	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Logger, OwnerKeyFunc))

		r.Post("/messages/{channel}", h.SendMessage)
		r.Post("/conversations/{id}/messages", h.SendToConversation)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(queryTimeout))

			r.Get("/deliveries", h.ListDeliveries)
			r.Get("/deliveries/{id}", h.GetDelivery)
			r.Get("/conversations", h.ListConversations)
			r.Get("/conversations/{id}/messages", h.ListMessages)
			r.Post("/conversations/{id}/read", h.MarkConversationRead)
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		if cfg.WhatsApp != nil {
			r.Get("/whatsapp", cfg.WhatsApp.Verify)
			r.Post("/whatsapp", cfg.WhatsApp.Receive)
		}
		if cfg.SMS != nil {
			r.Post("/sms", cfg.SMS.Receive)
		}
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Health(ctx); err != nil {
				cfg.Logger.Warn("health check failed", zap.Error(err))
				http.Error(w, "UNAVAILABLE", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	return r
}
