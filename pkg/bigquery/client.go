package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/residenza/backoffice/pkg/config"
	gcpopts "github.com/residenza/backoffice/pkg/gcp"
	"github.com/residenza/backoffice/pkg/logger"
)

const lookupTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery table name is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// Deduplicated rows carry a stable id. BigQuery drops repeats of the same id
// seen within its streaming dedupe window, so a re-run export does not double
// count.
type Deduplicated interface {
	InsertID() string
}

// Client streams report rows into one dataset. The dataset and report table
// are provisioned out of band and only checked here.
type Client struct {
	bq          *bigquery.Client
	dataset     *bigquery.Dataset
	reportTable string
}

func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	datasetID := strings.TrimSpace(cfg.Dataset)
	table := strings.TrimSpace(cfg.DailyReportTable)
	switch {
	case projectID == "":
		return nil, errProjectIDRequired
	case datasetID == "":
		return nil, errDatasetRequired
	case table == "":
		return nil, errTableNameRequired
	}

	bq, err := bigquery.NewClient(ctx, projectID, gcpopts.ClientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	c := &Client{bq: bq, dataset: bq.Dataset(datasetID), reportTable: table}
	if err := c.Ping(ctx); err != nil {
		_ = bq.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"dataset": datasetID, "table": table}), "bigquery client initialized")
	}
	return c, nil
}

// Ping looks up the dataset and the report table.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	if _, err := c.dataset.Metadata(ctx); err != nil {
		return describeLookup("dataset", c.dataset.DatasetID, err)
	}
	if _, err := c.dataset.Table(c.reportTable).Metadata(ctx); err != nil {
		return describeLookup("table", c.reportTable, err)
	}
	return nil
}

// InsertRows streams rows into table. Rows are structs tagged with
// `bigquery:"column"`; an empty batch is a no-op.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.bq == nil {
		return errClientNotInitialized
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return errTableNameRequired
	}
	if len(rows) == 0 {
		return nil
	}
	if err := c.dataset.Table(table).Inserter().Put(ctx, savers(rows)); err != nil {
		return fmt.Errorf("inserting %d rows into %s: %w", len(rows), table, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.bq == nil {
		return nil
	}
	return c.bq.Close()
}

// savers wraps Deduplicated rows so their insert id reaches the API. Other
// rows are passed through and get a random id from the inserter.
func savers(rows []any) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		if d, ok := row.(Deduplicated); ok && d.InsertID() != "" {
			out[i] = &bigquery.StructSaver{Struct: row, InsertID: d.InsertID()}
			continue
		}
		out[i] = row
	}
	return out
}

func describeLookup(kind, name string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%s %q does not exist", kind, name)
	}
	return fmt.Errorf("checking %s %q: %w", kind, name, err)
}
