// Package bootstrap builds the components shared by the api and cron-worker
// binaries from loaded configuration.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/residenza/backoffice/internal/gateways"
	"github.com/residenza/backoffice/internal/payments"
	"github.com/residenza/backoffice/internal/reconcile"
	"github.com/residenza/backoffice/internal/services"
	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/db"
	"github.com/residenza/backoffice/pkg/dedupe"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/metrics"
	"github.com/residenza/backoffice/pkg/outbox"
	"github.com/residenza/backoffice/pkg/redis"
)

// Components is everything the binaries need around the reconcile engine.
type Components struct {
	Gateways *gateways.Registry
	Orders   payments.Repository
	Items    services.Repository
	Outbox   *outbox.Repository
	Engine   *reconcile.Engine
}

// OpenRedis connects when an endpoint is configured. A nil client means the
// process runs without Redis.
func OpenRedis(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*redis.Client, error) {
	if !cfg.Redis.Enabled() {
		logg.Warn(ctx, "redis not configured; using database dedupe and local locks")
		return nil, nil
	}
	return redis.New(ctx, cfg.Redis, logg)
}

func Build(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, reconcileMetrics *metrics.ReconcileMetrics) (*Components, error) {
	registry, err := gateways.Build(ctx, cfg, logg)
	if err != nil {
		return nil, fmt.Errorf("building gateways: %w", err)
	}

	conn := dbClient.DB()
	c := &Components{
		Gateways: registry,
		Orders:   payments.NewRepository(conn),
		Items:    services.NewRepository(conn),
		Outbox:   outbox.NewRepository(conn),
	}

	params := reconcile.EngineParams{
		DB:          dbClient,
		Orders:      c.Orders,
		Items:       c.Items,
		Gateways:    registry,
		Outbox:      outbox.NewService(c.Outbox, logg),
		Webhooks:    reconcile.NewWebhookEventRepository(conn),
		Metrics:     reconcileMetrics,
		Logger:      logg,
		GracePeriod: cfg.Reconcile.GracePeriod,
		SweepBatch:  cfg.Reconcile.SweepBatchSize,
	}
	if redisClient != nil {
		guard, err := dedupe.NewGuard(redisClient, cfg.Webhook.IdempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("building webhook guard: %w", err)
		}
		params.Guard = guard
		params.Cache = redisClient
	}

	c.Engine, err = reconcile.NewEngine(params)
	if err != nil {
		return nil, fmt.Errorf("building reconcile engine: %w", err)
	}
	return c, nil
}
