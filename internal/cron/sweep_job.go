package cron

import (
	"context"
	"fmt"

	"github.com/residenza/backoffice/internal/reconcile"
	"github.com/residenza/backoffice/pkg/logger"
)

const SweepJobName = "payment-sweep"

type sweeper interface {
	Sweep(ctx context.Context) (*reconcile.SweepReport, error)
}

type SweepJobParams struct {
	Logger  *logger.Logger
	Sweeper sweeper
}

// NewSweepJob re-checks stale processing orders against their provider.
func NewSweepJob(params SweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	return &sweepJob{logg: params.Logger, sweeper: params.Sweeper}, nil
}

type sweepJob struct {
	logg    *logger.Logger
	sweeper sweeper
}

func (j *sweepJob) Name() string { return SweepJobName }

func (j *sweepJob) Run(ctx context.Context) error {
	report, err := j.sweeper.Sweep(ctx)
	if report != nil {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"checked":   report.Checked,
			"settled":   report.Settled,
			"failed":    report.Failed,
			"unchanged": report.Unchanged,
			"errors":    report.Errors,
		}), "payment sweep finished")
	}
	if err != nil {
		return fmt.Errorf("payment sweep: %w", err)
	}
	return nil
}
