package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/expedition-reservations/internal/idempotency"
	"github.com/robertarktes/expedition-reservations/internal/observability"
	"github.com/robertarktes/expedition-reservations/internal/rateLimit"
)

// RouterDeps carries the optional cross-cutting pieces. A nil limiter or
// idempotency store disables that middleware.
type RouterDeps struct {
	Logger      observability.Logger
	Verifier    *Verifier
	RateLimiter *rateLimit.RateLimiter
	Idempotency *idempotency.Idempotency
}

func SetupRouter(h *Handlers, deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Provider callbacks are authenticated by their checksum, not a token.
	r.Post("/v1/payments/webhook", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(deps.Verifier))
		if deps.RateLimiter != nil {
			r.Use(RateLimitMiddleware(deps.RateLimiter))
		}

		r.Group(func(r chi.Router) {
			if deps.Idempotency != nil {
				r.Use(IdempotencyMiddleware(deps.Idempotency, deps.Logger))
			}
			r.Post("/v1/bookings", h.CreateBooking)
		})
		r.Get("/v1/bookings/{id}", h.GetBooking)
		r.Post("/v1/bookings/{id}/cancel", h.CancelBooking)
		r.Get("/v1/bookings/{id}/ticket", h.GetBookingTicket)
		r.Post("/v1/discounts/validate", h.ValidateDiscount)
		r.Post("/v1/payments/transactions/{id}/sync", h.SyncTransaction)

		r.With(RequireRole(RoleAdmin)).Post("/v1/bookings/{id}/refund", h.RefundBooking)
		r.With(RequireRole(RoleAdmin)).Get("/v1/buyers/{id}/audit", h.BuyerHistory)
		r.With(RequireRole(RoleAttendant, RoleAdmin)).Get("/v1/tickets/{code}", h.GetTicket)
		r.With(RequireRole(RoleAttendant, RoleAdmin)).Post("/v1/tickets/{code}/claim", h.ClaimTicket)
	})

	return r
}
