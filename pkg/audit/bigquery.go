package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// TableConfig names the audit table.
type TableConfig struct {
	DatasetID string
	TableID   string
}

// NewBigQueryClient creates a BigQuery client using Application Default
// Credentials unless opts say otherwise.
func NewBigQueryClient(ctx context.Context, projectID string, logger zerolog.Logger, opts ...option.ClientOption) (*bigquery.Client, error) {
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("BigQuery client created.")
	return client, nil
}

// TableWriter streams audit rows into a BigQuery table.
type TableWriter struct {
	table    *bigquery.Table
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewTableWriter returns a writer for the configured table, creating the
// table from the Record schema if it does not exist yet.
func NewTableWriter(ctx context.Context, client *bigquery.Client, cfg TableConfig, logger zerolog.Logger) (*TableWriter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("bigquery dataset and table IDs are required")
	}

	logger = logger.With().
		Str("component", "AuditTableWriter").
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if err := ensureTable(ctx, table, logger); err != nil {
		return nil, err
	}

	return &TableWriter{
		table:    table,
		inserter: table.Inserter(),
		logger:   logger,
	}, nil
}

func ensureTable(ctx context.Context, table *bigquery.Table, logger zerolog.Logger) error {
	_, err := table.Metadata(ctx)
	if err == nil {
		logger.Info().Msg("Using existing audit table.")
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to read audit table metadata: %w", err)
	}

	schema, err := bigquery.InferSchema(Record{})
	if err != nil {
		return fmt.Errorf("failed to infer audit schema: %w", err)
	}
	meta := &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "timestamp",
		},
	}
	if err := table.Create(ctx, meta); err != nil {
		return fmt.Errorf("failed to create audit table %s.%s: %w", table.DatasetID, table.TableID, err)
	}
	logger.Info().Int("field_count", len(schema)).Msg("Audit table created.")
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// WriteRows inserts rows using the event ID as the insert ID, so a retried
// batch does not duplicate rows.
func (w *TableWriter) WriteRows(ctx context.Context, rows []*Record) error {
	if len(rows) == 0 {
		return nil
	}

	savers := make([]*bigquery.StructSaver, len(rows))
	for i, row := range rows {
		savers[i] = &bigquery.StructSaver{Struct: row, InsertID: row.EventID}
	}

	if err := w.inserter.Put(ctx, savers); err != nil {
		var multi bigquery.PutMultiError
		if errors.As(err, &multi) {
			for _, rowErr := range multi {
				w.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Str("event_id", rows[rowErr.RowIndex].EventID).
					Msgf("Audit row rejected: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("failed to insert %d audit rows: %w", len(rows), err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (w *TableWriter) Close() error {
	return nil
}
