package bigquery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/zorgdata/omopetl/internal/config"
	"github.com/zorgdata/omopetl/internal/db"
	"github.com/zorgdata/omopetl/internal/platform/logger"
)

// Service runs the ETL against BigQuery. Bulk loads stage the local
// file in a GCS bucket first; BigQuery load jobs only read from GCS.
type Service struct {
	log     *logger.Logger
	client  *bigquery.Client
	storage *storage.Client
	cfg     config.BigQueryConfig
	dialect db.Dialect
}

func New(ctx context.Context, log *logger.Logger, cfg config.BigQueryConfig) (*Service, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery: create client: %w", err)
	}
	client.Location = cfg.Location

	stOpts := append([]option.ClientOption{}, opts...)
	stOpts = append(stOpts, option.WithScopes(storage.ScopeReadWrite))
	stClient, err := storage.NewClient(ctx, stOpts...)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bigquery: create storage client: %w", err)
	}

	return &Service{
		log:     log.With("component", "bigquery"),
		client:  client,
		storage: stClient,
		cfg:     cfg,
		dialect: db.Dialect{
			Engine:      "bigquery",
			WorkPrefix:  cfg.ProjectID + "." + cfg.DatasetWork,
			FinalPrefix: cfg.ProjectID + "." + cfg.DatasetOMOP,
			QuoteOpen:   "`",
			QuoteClose:  "`",
		},
	}, nil
}

func (s *Service) Dialect() db.Dialect { return s.dialect }

func (s *Service) Close() error {
	serr := s.storage.Close()
	if err := s.client.Close(); err != nil {
		return err
	}
	return serr
}

func (s *Service) RunQuery(ctx context.Context, sql string, params map[string]any) ([]map[string]any, error) {
	q := s.client.Query(sql)
	q.Location = s.cfg.Location
	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			q.Parameters = append(q.Parameters, bigquery.QueryParameter{Name: name, Value: params[name]})
		}
	}

	job, err := q.Run(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := status.Err(); err != nil {
		return nil, mapErr(err)
	}

	it, err := job.Read(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	var rows []map[string]any
	for {
		var row map[string]bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapErr(err)
		}
		out := make(map[string]any, len(row))
		for k, v := range row {
			out[k] = v
		}
		rows = append(rows, out)
	}
	return rows, nil
}

// BulkLoad stages localFile under etl-load/ in the configured bucket,
// then runs a truncating load job into the work dataset.
func (s *Service) BulkLoad(ctx context.Context, localFile string, destTable string) (int64, error) {
	object := "etl-load/" + filepath.Base(localFile)
	if err := s.uploadObject(ctx, localFile, object); err != nil {
		return 0, err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.storage.Bucket(s.cfg.Bucket).Object(object).Delete(dctx)
	}()

	gcsRef := bigquery.NewGCSReference(fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, object))
	switch strings.ToLower(filepath.Ext(localFile)) {
	case ".parquet":
		gcsRef.SourceFormat = bigquery.Parquet
	case ".csv":
		gcsRef.SourceFormat = bigquery.CSV
		gcsRef.SkipLeadingRows = 1
		gcsRef.AllowQuotedNewlines = true
		gcsRef.AutoDetect = true
	default:
		return 0, fmt.Errorf("bigquery: unsupported load format %q", filepath.Ext(localFile))
	}

	loader := s.client.Dataset(s.cfg.DatasetWork).Table(destTable).LoaderFrom(gcsRef)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.Location = s.cfg.Location

	job, err := loader.Run(ctx)
	if err != nil {
		return 0, mapErr(err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, mapErr(err)
	}
	if err := status.Err(); err != nil {
		return 0, mapErr(err)
	}
	if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
		return stats.OutputRows, nil
	}
	return 0, nil
}

func (s *Service) uploadObject(ctx context.Context, localFile, object string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return fmt.Errorf("bigquery: open %s: %w", localFile, err)
	}
	defer f.Close()

	uctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	w := s.storage.Bucket(s.cfg.Bucket).Object(object).NewWriter(uctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("bigquery: stage %s to gs://%s/%s: %w", localFile, s.cfg.Bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("bigquery: close staged object writer: %w", err)
	}
	return nil
}

func (s *Service) DeleteTable(ctx context.Context, table string) error {
	err := s.client.Dataset(s.cfg.DatasetWork).Table(table).Delete(ctx)
	if err != nil && !isNotFound(err) {
		return mapErr(err)
	}
	return nil
}

func (s *Service) TruncateTable(ctx context.Context, table string) error {
	_, err := s.RunQuery(ctx, fmt.Sprintf("TRUNCATE TABLE %s", s.dialect.Final(table)), nil)
	return err
}

func (s *Service) ListTables(ctx context.Context) ([]string, error) {
	it := s.client.Dataset(s.cfg.DatasetWork).Tables(ctx)
	var out []string
	for {
		tbl, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, tbl.TableID)
	}
	sort.Strings(out)
	return out, nil
}

// GetColumns inspects the destination table in the final dataset.
func (s *Service) GetColumns(ctx context.Context, table string) ([]db.Column, error) {
	md, err := s.client.Dataset(s.cfg.DatasetOMOP).Table(table).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, db.ErrNotFound
		}
		return nil, mapErr(err)
	}
	cols := make([]db.Column, 0, len(md.Schema))
	for _, f := range md.Schema {
		cols = append(cols, db.Column{
			Name:     f.Name,
			Type:     strings.ToLower(string(f.Type)),
			Nullable: !f.Required,
		})
	}
	return cols, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

func mapErr(err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %v", db.ErrNotFound, err)
	}
	return err
}
