package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/residenza/backoffice/pkg/enums"
)

// rowInserter is satisfied by pkg/bigquery.Client.
type rowInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// reportRow is one line of the exported report. Provider and status are
// empty on the totals row.
type reportRow struct {
	ReportDate   string    `bigquery:"report_date"`
	GeneratedAt  time.Time `bigquery:"generated_at"`
	Provider     string    `bigquery:"provider"`
	Status       string    `bigquery:"status"`
	OrderCount   int64     `bigquery:"order_count"`
	AmountCents  int64     `bigquery:"amount_cents"`
	Processing   int64     `bigquery:"processing"`
	Stuck        int64     `bigquery:"stuck"`
	UnpaidCents  int64     `bigquery:"unpaid_cents"`
	SettledCents int64     `bigquery:"settled_cents"`
}

// InsertID keys the row on date, provider and status so exporting the same
// day twice streams the same ids.
func (r reportRow) InsertID() string {
	if r.Provider == "" && r.Status == "" {
		return r.ReportDate + "|totals"
	}
	return r.ReportDate + "|" + r.Provider + "|" + r.Status
}

// BigQueryReportExporter streams the daily report into a BigQuery table.
type BigQueryReportExporter struct {
	client rowInserter
	table  string
}

func NewBigQueryReportExporter(client rowInserter, table string) (*BigQueryReportExporter, error) {
	if client == nil {
		return nil, fmt.Errorf("bigquery client required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("report table required")
	}
	return &BigQueryReportExporter{client: client, table: strings.TrimSpace(table)}, nil
}

func (e *BigQueryReportExporter) Export(ctx context.Context, report *DailyReport) error {
	if report == nil {
		return nil
	}
	return e.client.InsertRows(ctx, e.table, reportRows(report))
}

func reportRows(report *DailyReport) []any {
	date := report.GeneratedAt.UTC().Format(time.DateOnly)
	rows := make([]any, 0, len(report.ByProvider)+1)
	for _, line := range report.ByProvider {
		rows = append(rows, reportRow{
			ReportDate:  date,
			GeneratedAt: report.GeneratedAt,
			Provider:    string(line.Provider),
			Status:      string(line.Status),
			OrderCount:  line.Count,
			AmountCents: line.AmountCents,
		})
	}
	rows = append(rows, reportRow{
		ReportDate:   date,
		GeneratedAt:  report.GeneratedAt,
		OrderCount:   report.ByStatus[string(enums.PaymentStatusCompleted)] + report.ByStatus[string(enums.PaymentStatusFailed)],
		Processing:   report.Processing,
		Stuck:        report.Stuck,
		UnpaidCents:  report.UnpaidCents,
		SettledCents: report.SettledCents,
	})
	return rows
}
