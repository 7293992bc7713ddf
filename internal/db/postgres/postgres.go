package postgres

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zorgdata/omopetl/internal/config"
	"github.com/zorgdata/omopetl/internal/db"
	"github.com/zorgdata/omopetl/internal/platform/logger"
)

// Service runs the ETL against Postgres. Queries go through gorm; bulk
// loads stream CSV straight into COPY over a dedicated pgx pool.
type Service struct {
	log     *logger.Logger
	orm     *gorm.DB
	pool    *pgxpool.Pool
	cfg     config.PostgresConfig
	dialect db.Dialect
}

func New(ctx context.Context, log *logger.Logger, cfg config.PostgresConfig) (*Service, error) {
	orm, err := gorm.Open(gormpg.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: create copy pool: %w", err)
	}

	s := &Service{
		log:  log.With("component", "postgres"),
		orm:  orm,
		pool: pool,
		cfg:  cfg,
		dialect: db.Dialect{
			Engine:      "postgres",
			WorkPrefix:  cfg.SchemaWork,
			FinalPrefix: cfg.SchemaOMOP,
			QuoteOpen:   `"`,
			QuoteClose:  `"`,
		},
	}
	for _, schema := range []string{cfg.SchemaWork, cfg.SchemaOMOP} {
		if err := orm.WithContext(ctx).Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s.dialect.Quote(schema))).Error; err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: ensure schema %s: %w", schema, err)
		}
	}
	return s, nil
}

func (s *Service) Dialect() db.Dialect { return s.dialect }

func (s *Service) Close() error {
	s.pool.Close()
	sqlDB, err := s.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Service) RunQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	args := make([]any, 0, len(params))
	for name, value := range params {
		args = append(args, sql.Named(name, value))
	}

	trimmed := strings.ToLower(strings.TrimSpace(query))
	returnsRows := strings.HasPrefix(trimmed, "select") || strings.HasPrefix(trimmed, "with") ||
		strings.Contains(trimmed, "returning")
	if !returnsRows {
		if err := s.orm.WithContext(ctx).Exec(query, args...).Error; err != nil {
			return nil, mapErr(err)
		}
		return nil, nil
	}

	rows, err := s.orm.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// BulkLoad replaces destTable in the work schema with the contents of a
// local CSV file. Columns come from the header and are typed text; the
// generated merge SQL casts where the model needs it.
func (s *Service) BulkLoad(ctx context.Context, localFile string, destTable string) (int64, error) {
	header, err := readHeader(localFile)
	if err != nil {
		return 0, err
	}
	qualified := s.dialect.Work(destTable)

	cols := make([]string, len(header))
	for i, name := range header {
		cols[i] = s.dialect.Quote(name) + " text"
	}
	ddl := fmt.Sprintf("DROP TABLE IF EXISTS %s; CREATE TABLE %s (%s)",
		qualified, qualified, strings.Join(cols, ", "))
	if _, err := s.RunQuery(ctx, ddl, nil); err != nil {
		return 0, err
	}

	f, err := os.Open(localFile)
	if err != nil {
		return 0, fmt.Errorf("postgres: open %s: %w", localFile, err)
	}
	defer f.Close()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: acquire copy connection: %w", err)
	}
	defer conn.Release()

	copySQL := fmt.Sprintf("COPY %s FROM STDIN WITH (FORMAT csv, HEADER true)", qualified)
	tag, err := conn.Conn().PgConn().CopyFrom(ctx, f, copySQL)
	if err != nil {
		return 0, fmt.Errorf("postgres: copy into %s: %w", destTable, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Service) DeleteTable(ctx context.Context, table string) error {
	_, err := s.RunQuery(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.dialect.Work(table)), nil)
	return err
}

func (s *Service) TruncateTable(ctx context.Context, table string) error {
	_, err := s.RunQuery(ctx, fmt.Sprintf("TRUNCATE TABLE %s", s.dialect.Final(table)), nil)
	return err
}

func (s *Service) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.RunQuery(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = @schema ORDER BY table_name",
		map[string]any{"schema": s.cfg.SchemaWork})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, fmt.Sprint(row["table_name"]))
	}
	return out, nil
}

// GetColumns inspects the destination table in the final schema.
func (s *Service) GetColumns(ctx context.Context, table string) ([]db.Column, error) {
	rows, err := s.RunQuery(ctx,
		`SELECT column_name, data_type, is_nullable
		   FROM information_schema.columns
		  WHERE table_schema = @schema AND table_name = @table
		  ORDER BY ordinal_position`,
		map[string]any{"schema": s.cfg.SchemaOMOP, "table": table})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, db.ErrNotFound
	}
	cols := make([]db.Column, 0, len(rows))
	for _, row := range rows {
		cols = append(cols, db.Column{
			Name:     fmt.Sprint(row["column_name"]),
			Type:     strings.ToLower(fmt.Sprint(row["data_type"])),
			Nullable: strings.EqualFold(fmt.Sprint(row["is_nullable"]), "YES"),
		})
	}
	return cols, nil
}

func readHeader(localFile string) ([]string, error) {
	f, err := os.Open(localFile)
	if err != nil {
		return nil, fmt.Errorf("postgres: open %s: %w", localFile, err)
	}
	defer f.Close()
	header, err := csv.NewReader(f).Read()
	if err != nil {
		return nil, fmt.Errorf("postgres: read header of %s: %w", localFile, err)
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("postgres: %s has an empty header", localFile)
	}
	return header, nil
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	// 42P01: undefined_table
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("%w: %v", db.ErrNotFound, err)
	}
	return err
}
