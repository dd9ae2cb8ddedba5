package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/metrics"
)

const (
	OutboxMaintenanceJobName = "outbox-maintenance"

	outboxRetention   = 30 * 24 * time.Hour
	outboxMinAttempts = 5
	dlqLookback       = 24 * time.Hour
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxStore interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error)
	CountPending(ctx context.Context) (int64, error)
}

type deadLetterCounter interface {
	CountSince(ctx context.Context, since time.Time) (int64, error)
}

type OutboxMaintenanceJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Outbox      outboxStore
	DeadLetters deadLetterCounter
	Metrics     *metrics.ReconcileMetrics
	Retention   time.Duration
	MinAttempts int
}

// NewOutboxMaintenanceJob prunes delivered settlement notifications, exports
// the publish backlog, and warns when notifications were dead-lettered.
func NewOutboxMaintenanceJob(params OutboxMaintenanceJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	if params.DeadLetters == nil {
		return nil, fmt.Errorf("dlq repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = outboxRetention
	}
	minAttempts := params.MinAttempts
	if minAttempts <= 0 {
		minAttempts = outboxMinAttempts
	}
	return &outboxMaintenanceJob{
		logg:        params.Logger,
		db:          params.DB,
		outbox:      params.Outbox,
		dlq:         params.DeadLetters,
		metrics:     params.Metrics,
		retention:   retention,
		minAttempts: minAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

type outboxMaintenanceJob struct {
	logg        *logger.Logger
	db          txRunner
	outbox      outboxStore
	dlq         deadLetterCounter
	metrics     *metrics.ReconcileMetrics
	retention   time.Duration
	minAttempts int
	now         func() time.Time
}

func (j *outboxMaintenanceJob) Name() string { return OutboxMaintenanceJobName }

func (j *outboxMaintenanceJob) Run(ctx context.Context) error {
	now := j.now()
	cutoff := now.Add(-j.retention)

	var deleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		deleted, err = j.outbox.DeletePublishedBefore(ctx, tx, cutoff, j.minAttempts)
		return err
	})
	if err != nil {
		return fmt.Errorf("prune outbox: %w", err)
	}

	pending, err := j.outbox.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("count pending outbox events: %w", err)
	}
	deadLettered, err := j.dlq.CountSince(ctx, now.Add(-dlqLookback))
	if err != nil {
		return fmt.Errorf("count dead letters: %w", err)
	}
	j.metrics.SetOutboxBacklog(pending, deadLettered)

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":        cutoff,
		"min_attempts":  j.minAttempts,
		"rows_deleted":  deleted,
		"pending":       pending,
		"dead_lettered": deadLettered,
	})
	if deadLettered > 0 {
		j.logg.Warn(logCtx, "settlement notifications dead-lettered; check outbox_dlq")
	}
	j.logg.Info(logCtx, "outbox maintenance complete")
	return nil
}
