package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a referenced table does not exist in the
// warehouse. Callers that tolerate missing tables test for it with
// errors.Is.
var ErrNotFound = errors.New("db: not found")

// Column describes one column of a warehouse table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// Backend is the narrow warehouse surface the ETL engine runs against.
// Implementations exist for BigQuery and Postgres; tests use an
// in-memory fake.
type Backend interface {
	// RunQuery executes sql with named parameters (referenced as @name)
	// and returns the result rows, column name to value. Statements
	// without a result set return nil rows.
	RunQuery(ctx context.Context, sql string, params map[string]any) ([]map[string]any, error)

	// BulkLoad streams a local Parquet or CSV file into destTable,
	// creating or replacing it. It returns the loaded row count.
	BulkLoad(ctx context.Context, localFile string, destTable string) (int64, error)

	// DeleteTable drops a work-area table if it exists.
	DeleteTable(ctx context.Context, table string) error

	// TruncateTable empties a destination table in the final area.
	TruncateTable(ctx context.Context, table string) error

	// ListTables returns the bare table names in the work area.
	ListTables(ctx context.Context) ([]string, error)

	// GetColumns returns the columns of table, or ErrNotFound.
	GetColumns(ctx context.Context, table string) ([]Column, error)

	Dialect() Dialect
	Close() error
}

// Dialect carries the naming rules of one warehouse engine: how
// identifiers are quoted and where the work and final areas live
// (datasets on BigQuery, schemas on Postgres).
type Dialect struct {
	Engine      string
	WorkPrefix  string
	FinalPrefix string
	QuoteOpen   string
	QuoteClose  string
}

func (d Dialect) Quote(ident string) string {
	return d.QuoteOpen + ident + d.QuoteClose
}

// Work returns the quoted, fully qualified name of a work-area table.
func (d Dialect) Work(table string) string {
	return d.qualify(d.WorkPrefix, table)
}

// Final returns the quoted, fully qualified name of a final-area table.
func (d Dialect) Final(table string) string {
	return d.qualify(d.FinalPrefix, table)
}

func (d Dialect) qualify(prefix, table string) string {
	if prefix == "" {
		return d.Quote(table)
	}
	parts := strings.Split(prefix, ".")
	quoted := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		quoted = append(quoted, d.Quote(p))
	}
	quoted = append(quoted, d.Quote(table))
	return strings.Join(quoted, ".")
}

// UploadTable names the work table holding the raw result of one
// extraction query of a destination table.
func UploadTable(table, queryName string) string {
	return fmt.Sprintf("%s__upload__%s", table, queryName)
}

// UsagiTable names the work table holding the loaded mapping rows of
// one concept column.
func UsagiTable(table, conceptColumn string) string {
	return fmt.Sprintf("%s__%s_usagi", table, conceptColumn)
}

// ConceptTable names the work table holding the loaded custom concepts
// of one concept column.
func ConceptTable(table, conceptColumn string) string {
	return fmt.Sprintf("%s__%s_concept", table, conceptColumn)
}

// SwapTable names the persistent primary-key swap table of a
// destination table, keyed by its auto-numbered primary key column.
func SwapTable(pkColumn string) string {
	return pkColumn + "_swap"
}

// ConceptIDSwapTable holds the persistent custom-concept id
// assignments of the whole warehouse.
const ConceptIDSwapTable = "concept_id_swap"
