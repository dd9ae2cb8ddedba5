package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/residenza/backoffice/internal/payments"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/metrics"
	"github.com/residenza/backoffice/pkg/money"
)

const (
	DailyReportJobName = "daily-report"
	reportWindow       = 24 * time.Hour
)

type reportOrders interface {
	Summarize(ctx context.Context, since time.Time) ([]payments.ProviderSummary, error)
	CountByStatus(ctx context.Context, status enums.PaymentStatus) (int64, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.PaymentOrder, error)
}

type reportLedger interface {
	SumUnpaid(ctx context.Context) (int64, error)
}

// ReportExporter ships a finished report somewhere durable.
type ReportExporter interface {
	Export(ctx context.Context, report *DailyReport) error
}

type DailyReportJobParams struct {
	Logger      *logger.Logger
	Orders      reportOrders
	Ledger      reportLedger
	Metrics     *metrics.ReconcileMetrics
	Exporter    ReportExporter
	GracePeriod time.Duration
}

// DailyReport is the snapshot the job logs and exports.
type DailyReport struct {
	GeneratedAt  time.Time
	Since        time.Time
	ByProvider   []payments.ProviderSummary
	ByStatus     map[string]int64
	SettledCents int64
	Processing   int64
	Stuck        int64
	UnpaidCents  int64
}

func NewDailyReportJob(params DailyReportJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("services repository required")
	}
	grace := params.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &dailyReportJob{
		logg:    params.Logger,
		orders:  params.Orders,
		ledger:  params.Ledger,
		metrics: params.Metrics,
		export:  params.Exporter,
		grace:   grace,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

type dailyReportJob struct {
	logg    *logger.Logger
	orders  reportOrders
	ledger  reportLedger
	metrics *metrics.ReconcileMetrics
	export  ReportExporter
	grace   time.Duration
	now     func() time.Time
}

func (j *dailyReportJob) Name() string { return DailyReportJobName }

func (j *dailyReportJob) Run(ctx context.Context) error {
	report, err := j.build(ctx)
	if err != nil {
		return err
	}
	j.metrics.SetDailyReport(report.ByStatus, report.Stuck, report.SettledCents)

	for _, row := range report.ByProvider {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"provider": row.Provider,
			"status":   row.Status,
			"count":    row.Count,
			"amount":   money.Format(row.AmountCents),
		}), "daily report line")
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"since":      report.Since,
		"completed":  report.ByStatus[string(enums.PaymentStatusCompleted)],
		"failed":     report.ByStatus[string(enums.PaymentStatusFailed)],
		"settled":    money.Format(report.SettledCents),
		"processing": report.Processing,
		"stuck":      report.Stuck,
		"unpaid":     money.Format(report.UnpaidCents),
	}), "daily payment report")

	if j.export != nil {
		if err := j.export.Export(ctx, report); err != nil {
			return fmt.Errorf("export daily report: %w", err)
		}
	}
	return nil
}

func (j *dailyReportJob) build(ctx context.Context) (*DailyReport, error) {
	now := j.now()
	report := &DailyReport{
		GeneratedAt: now,
		Since:       now.Add(-reportWindow),
		ByStatus:    map[string]int64{},
	}
	summary, err := j.orders.Summarize(ctx, report.Since)
	if err != nil {
		return nil, fmt.Errorf("summarize orders: %w", err)
	}
	report.ByProvider = summary
	for _, row := range summary {
		report.ByStatus[string(row.Status)] += row.Count
		if row.Status == enums.PaymentStatusCompleted {
			report.SettledCents += row.AmountCents
		}
	}

	if report.Processing, err = j.orders.CountByStatus(ctx, enums.PaymentStatusProcessing); err != nil {
		return nil, fmt.Errorf("count processing orders: %w", err)
	}
	report.ByStatus[string(enums.PaymentStatusProcessing)] = report.Processing

	stale, err := j.orders.ListStale(ctx, now.Add(-j.grace), 0)
	if err != nil {
		return nil, fmt.Errorf("list stuck orders: %w", err)
	}
	report.Stuck = int64(len(stale))

	if report.UnpaidCents, err = j.ledger.SumUnpaid(ctx); err != nil {
		return nil, fmt.Errorf("sum unpaid services: %w", err)
	}
	return report, nil
}
