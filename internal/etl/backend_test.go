package etl

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/zorgdata/omopetl/internal/cdm"
	"github.com/zorgdata/omopetl/internal/config"
	"github.com/zorgdata/omopetl/internal/db"
	"github.com/zorgdata/omopetl/internal/platform/logger"
	"github.com/zorgdata/omopetl/internal/project"
)

// fakeBackend is the in-memory warehouse the engine tests run against.
// Queries are routed by substring to registered handlers; anything
// unmatched succeeds with no rows. Every issued statement and bulk load
// is recorded for assertions.
type fakeBackend struct {
	mu      sync.Mutex
	dialect db.Dialect

	queries   []issuedQuery
	loads     map[string]loadedTable
	dropped   []string
	truncated []string
	tables    []string
	columns   map[string][]db.Column
	routes    []queryRoute
}

type issuedQuery struct {
	sql    string
	params map[string]any
}

type loadedTable struct {
	header []string
	rows   [][]string
}

type queryRoute struct {
	substr string
	fn     func(sql string, params map[string]any) ([]map[string]any, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		dialect: db.Dialect{
			Engine:      "postgres",
			WorkPrefix:  "work",
			FinalPrefix: "omop",
			QuoteOpen:   `"`,
			QuoteClose:  `"`,
		},
		loads:   make(map[string]loadedTable),
		columns: make(map[string][]db.Column),
	}
}

func (f *fakeBackend) onQuery(substr string, fn func(sql string, params map[string]any) ([]map[string]any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, queryRoute{substr: substr, fn: fn})
}

func (f *fakeBackend) rowsFor(substr string, rows []map[string]any) {
	f.onQuery(substr, func(string, map[string]any) ([]map[string]any, error) {
		return rows, nil
	})
}

func (f *fakeBackend) queriesMatching(substr string) []issuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []issuedQuery
	for _, q := range f.queries {
		if strings.Contains(q.sql, substr) {
			out = append(out, q)
		}
	}
	return out
}

// queryIndex returns the position of the first issued statement
// containing substr, or -1.
func (f *fakeBackend) queryIndex(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, q := range f.queries {
		if strings.Contains(q.sql, substr) {
			return i
		}
	}
	return -1
}

func (f *fakeBackend) load(table string) (loadedTable, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lt, ok := f.loads[table]
	return lt, ok
}

func (f *fakeBackend) droppedTables() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dropped...)
}

// truncateIndex returns the position of table in the truncation
// sequence, or -1.
func (f *fakeBackend) truncateIndex(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.truncated {
		if t == table {
			return i
		}
	}
	return -1
}

func (f *fakeBackend) RunQuery(ctx context.Context, sql string, params map[string]any) ([]map[string]any, error) {
	f.mu.Lock()
	f.queries = append(f.queries, issuedQuery{sql: sql, params: params})
	routes := append([]queryRoute(nil), f.routes...)
	f.mu.Unlock()
	for _, r := range routes {
		if strings.Contains(sql, r.substr) {
			return r.fn(sql, params)
		}
	}
	return nil, nil
}

func (f *fakeBackend) BulkLoad(ctx context.Context, localFile, destTable string) (int64, error) {
	file, err := os.Open(localFile)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return 0, err
	}
	lt := loadedTable{}
	if len(records) > 0 {
		lt.header = records[0]
		lt.rows = records[1:]
	}
	f.mu.Lock()
	f.loads[destTable] = lt
	f.mu.Unlock()
	return int64(len(lt.rows)), nil
}

func (f *fakeBackend) DeleteTable(ctx context.Context, table string) error {
	f.mu.Lock()
	f.dropped = append(f.dropped, table)
	delete(f.loads, table)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) TruncateTable(ctx context.Context, table string) error {
	f.mu.Lock()
	f.truncated = append(f.truncated, table)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) ListTables(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tables...), nil
}

func (f *fakeBackend) GetColumns(ctx context.Context, table string) ([]db.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cols, ok := f.columns[table]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cols, nil
}

func (f *fakeBackend) Dialect() db.Dialect { return f.dialect }
func (f *fakeBackend) Close() error        { return nil }

// knowColumns registers destination metadata so the merge step finds
// the table.
func (f *fakeBackend) knowColumns(c *cdm.Catalog, tables ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range tables {
		t := c.Table(name)
		cols := make([]db.Column, 0, len(t.Columns))
		for _, col := range t.Columns {
			cols = append(cols, db.Column{Name: col.Name, Type: col.Type, Nullable: !col.Required})
		}
		f.columns[name] = cols
	}
}

// -------------------- shared fixtures --------------------

func testCatalog(t *testing.T) *cdm.Catalog {
	t.Helper()
	c, err := cdm.Load()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

func newTestEngine(t *testing.T, fb *fakeBackend, proj *project.Project) *Engine {
	t.Helper()
	e := New(logger.NewNop(), fb, testCatalog(t), proj, config.RunConfig{RetryMaxAttempts: 1})
	e.tmpDir = t.TempDir()
	return e
}

func newTestRunState(opts RunOptions, tables []string) *runState {
	if opts.MaxParallelTables < 1 {
		opts.MaxParallelTables = 1
	}
	if opts.MaxWorkerThreadsPerTable < 1 {
		opts.MaxWorkerThreadsPerTable = 1
	}
	return &runState{
		opts:          opts,
		runDate:       "2026-08-25",
		scope:         tables,
		tracker:       newStateTracker(tables),
		collector:     newReportCollector(),
		conceptIDs:    &conceptIDAssigner{},
		customDomains: make(map[int64]string),
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// scanProject builds an on-disk project from table name to extraction
// SQL and scans it.
func scanProject(t *testing.T, queries map[string]string) *project.Project {
	t.Helper()
	root := t.TempDir()
	for table, sql := range queries {
		writeFile(t, filepath.Join(root, table, "load.sql"), sql)
	}
	p, err := project.Scan(root)
	if err != nil {
		t.Fatalf("scan project: %v", err)
	}
	return p
}
