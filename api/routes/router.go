package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/residenza/backoffice/api/controllers"
	paymentcontrollers "github.com/residenza/backoffice/api/controllers/payments"
	reconcilecontrollers "github.com/residenza/backoffice/api/controllers/reconcile"
	servicecontrollers "github.com/residenza/backoffice/api/controllers/services"
	webhookcontrollers "github.com/residenza/backoffice/api/controllers/webhooks"
	"github.com/residenza/backoffice/api/middleware"
	"github.com/residenza/backoffice/internal/gateways"
	"github.com/residenza/backoffice/internal/payments"
	"github.com/residenza/backoffice/internal/reconcile"
	"github.com/residenza/backoffice/internal/services"
	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/db"
	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/redis"
)

// Reconciler is the part of the reconciliation engine exposed over HTTP.
type Reconciler interface {
	HandleWebhook(ctx context.Context, provider enums.PaymentProvider, req gateways.WebhookRequest) (*reconcile.WebhookResult, error)
	PollStatus(ctx context.Context, orderID string) (*reconcile.PollResult, error)
	Sweep(ctx context.Context) (*reconcile.SweepReport, error)
}

type StatusWaiter interface {
	Wait(ctx context.Context, orderID string) (*reconcile.PollResult, error)
}

type rateLimitStore interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	RateLimitKey(scope string) string
}

type RouterParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         db.Pinger
	Redis      *redis.Client
	Payments   payments.Service
	Services   services.Service
	Reconciler Reconciler
	Waiter     StatusWaiter
	Metrics    prometheus.Gatherer
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	// a nil *redis.Client must not reach the middleware as a non-nil interface
	var (
		idempotencyStore redis.IdempotencyStore
		rateStore        rateLimitStore
		cachePinger      controllers.Pinger
	)
	if params.Redis != nil {
		idempotencyStore = params.Redis
		rateStore = params.Redis
		cachePinger = params.Redis
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, params.DB, cachePinger, logg))
	})

	if params.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(params.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/{provider}", webhookcontrollers.Gateway(params.Reconciler, logg))
		// Satispay calls back with a GET carrying ?payment_id=
		r.Get("/satispay", webhookcontrollers.Provider(enums.PaymentProviderSatispay, params.Reconciler, logg))
	})

	paymentPolicy := middleware.NewRateLimitPolicy(
		"payments",
		cfg.RateLimit.Window,
		cfg.RateLimit.IPLimit,
		cfg.RateLimit.SiglaLimit,
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/payments/status/{orderId}", paymentcontrollers.Status(params.Reconciler, params.Waiter, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.Idempotency(idempotencyStore, logg))

			r.With(
				middleware.RequireRole(logg, enums.StaffRoleAdmin, enums.StaffRoleStaff, enums.StaffRoleKiosk),
				middleware.RateLimit(paymentPolicy, rateStore, logg),
			).Post("/payments", paymentcontrollers.Create(params.Payments, logg))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(logg, enums.StaffRoleAdmin, enums.StaffRoleStaff))
				r.Get("/payments/{orderId}", paymentcontrollers.Detail(params.Payments, logg))
				r.Get("/services", servicecontrollers.List(params.Services, logg))
				r.Post("/services", servicecontrollers.Create(params.Services, logg))
				r.Patch("/services/{id}", servicecontrollers.Patch(params.Services, logg))
				r.Post("/reconcile/sweep", reconcilecontrollers.Sweep(params.Reconciler, logg))
			})
		})
	})

	return r
}
