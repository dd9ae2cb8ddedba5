package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/residenza/backoffice/internal/bootstrap"
	"github.com/residenza/backoffice/internal/cron"
	"github.com/residenza/backoffice/pkg/bigquery"
	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/db"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/metrics"
	"github.com/residenza/backoffice/pkg/migrate"
	"github.com/residenza/backoffice/pkg/outbox"
)

const (
	serviceName = "cron-worker"
	// local hour for outbox pruning
	maintenanceHour = 3
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})
	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logg); err != nil {
		logg.Error(ctx, "cron worker stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logg *logger.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Kind = serviceName
	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "serviceKind": cfg.Service.Kind})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeWith(ctx, logg, "database", dbClient.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}

	redisClient, err := bootstrap.OpenRedis(ctx, cfg, logg)
	if err != nil {
		return fmt.Errorf("open redis: %w", err)
	}
	if redisClient != nil {
		defer closeWith(ctx, logg, "redis", redisClient.Close)
	}

	reg := prometheus.NewRegistry()
	reconcileMetrics := metrics.NewReconcileMetrics(reg)

	components, err := bootstrap.Build(ctx, cfg, logg, dbClient, redisClient, reconcileMetrics)
	if err != nil {
		return fmt.Errorf("build reconcile components: %w", err)
	}

	var exporter cron.ReportExporter
	if cfg.BigQuery.Enabled() {
		bq, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
		if err != nil {
			return fmt.Errorf("open bigquery: %w", err)
		}
		defer closeWith(ctx, logg, "bigquery", bq.Close)
		if exporter, err = cron.NewBigQueryReportExporter(bq, cfg.BigQuery.DailyReportTable); err != nil {
			return err
		}
	}

	jobs, err := buildRegistry(cfg, logg, dbClient, components, reconcileMetrics, exporter)
	if err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}

	var lock cron.Lock = cron.NewLocalLock()
	if redisClient != nil {
		if lock, err = cron.NewRedisLock(redisClient, 0); err != nil {
			return fmt.Errorf("cron lock: %w", err)
		}
	}

	scheduler, err := cron.NewScheduler(cron.SchedulerParams{
		Logger:   logg,
		Registry: jobs,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if addr := cfg.Service.MetricsAddr; addr != "" {
		srv := serveMetrics(ctx, logg, addr, reg)
		defer srv.Close()
	}

	logg.Info(ctx, "starting cron worker")
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	<-ctx.Done()
	scheduler.Stop()
	logg.Info(ctx, "cron worker shutting down gracefully")
	return nil
}

func serveMetrics(ctx context.Context, logg *logger.Logger, addr string, reg *prometheus.Registry) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "metrics server stopped", err)
		}
	}()
	return srv
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, c *bootstrap.Components, reconcileMetrics *metrics.ReconcileMetrics, exporter cron.ReportExporter) (*cron.Registry, error) {
	sweep, err := cron.NewSweepJob(cron.SweepJobParams{Logger: logg, Sweeper: c.Engine})
	if err != nil {
		return nil, err
	}
	report, err := cron.NewDailyReportJob(cron.DailyReportJobParams{
		Logger:      logg,
		Orders:      c.Orders,
		Ledger:      c.Items,
		Metrics:     reconcileMetrics,
		Exporter:    exporter,
		GracePeriod: cfg.Reconcile.GracePeriod,
	})
	if err != nil {
		return nil, err
	}
	maintenance, err := cron.NewOutboxMaintenanceJob(cron.OutboxMaintenanceJobParams{
		Logger:      logg,
		DB:          dbClient,
		Outbox:      c.Outbox,
		DeadLetters: outbox.NewDLQRepository(dbClient.DB()),
		Metrics:     reconcileMetrics,
		MinAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	return cron.NewRegistry(
		cron.Entry{Job: sweep, Schedule: cron.Every(cfg.Reconcile.SweepInterval), RunOnStart: true},
		cron.Entry{Job: report, Schedule: cron.DailyAt(cfg.Reconcile.DailyReportHour, time.Local)},
		cron.Entry{Job: maintenance, Schedule: cron.DailyAt(maintenanceHour, time.Local)},
	), nil
}

func closeWith(ctx context.Context, logg *logger.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(ctx, "closing "+what, err)
	}
}
