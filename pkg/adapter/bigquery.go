package adapter

import (
	"context"
	"errors"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/googleapi"
)

// BigQuery is the subset of BigQuery operations used to export statistics
type BigQuery interface {
	// EnsureTable creates the table with schema when it does not exist yet
	EnsureTable(ctx context.Context, datasetID, table string, schema bigquery.Schema) error

	// Insert streams rows into the table. rows must be a struct, a struct
	// pointer or a slice of them with bigquery field tags.
	Insert(ctx context.Context, datasetID, table string, rows any) error

	Close() error
}

type bigqueryClient struct {
	client *bigquery.Client
}

// NewBigQuery creates a new BigQuery client
func NewBigQuery(ctx context.Context, projectID string) (BigQuery, error) {
	if projectID == "" {
		return nil, goerr.New("BigQuery project ID is required")
	}

	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client", goerr.V("project_id", projectID))
	}

	return &bigqueryClient{client: client}, nil
}

func (bq *bigqueryClient) EnsureTable(ctx context.Context, datasetID, table string, schema bigquery.Schema) error {
	ref := bq.client.Dataset(datasetID).Table(table)

	if _, err := ref.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return goerr.Wrap(err, "failed to get table metadata",
			goerr.V("dataset", datasetID), goerr.V("table", table))
	}

	if err := ref.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil && !isConflict(err) {
		return goerr.Wrap(err, "failed to create table",
			goerr.V("dataset", datasetID), goerr.V("table", table))
	}
	return nil
}

func (bq *bigqueryClient) Insert(ctx context.Context, datasetID, table string, rows any) error {
	inserter := bq.client.Dataset(datasetID).Table(table).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return goerr.Wrap(err, "failed to insert rows",
			goerr.V("dataset", datasetID), goerr.V("table", table))
	}
	return nil
}

func (bq *bigqueryClient) Close() error {
	if err := bq.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close BigQuery client")
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func isConflict(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}
