package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/metrics"
	"github.com/lalithlochan/nicotrack/internal/redis"
)

// HealthFunc reports whether the service can serve traffic.
type HealthFunc func(r *http.Request) error

// NewRouter wires the handler into a chi router with the standard
// middleware stack. limiter and health may be nil.
func NewRouter(h *Handler, limiter *redis.RateLimiter, health HealthFunc) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(h.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, h.deps.Clock, h.logger, FirstKey(ClientKeyFunc, IPKeyFunc)))

		r.Post("/notifications", h.CreateNotification)
		r.Post("/goals/achievements", h.GoalAchieved)
		r.Post("/queue/drain", h.DrainQueue)
		r.Get("/breakers", h.ListBreakers)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/history", h.ListHistory)
			r.Post("/notifications/test", h.SendTestNotification)
			r.Post("/webhooks/test", h.TestWebhook)
			r.Post("/emails/{kind}", h.SendAccountEmail)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r); err != nil {
				h.logger.Warn("health check failed", zap.Error(err))
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}
