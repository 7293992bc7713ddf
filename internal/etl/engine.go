package etl

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zorgdata/omopetl/internal/cdm"
	"github.com/zorgdata/omopetl/internal/config"
	"github.com/zorgdata/omopetl/internal/db"
	"github.com/zorgdata/omopetl/internal/platform/logger"
	"github.com/zorgdata/omopetl/internal/project"
)

// RunOptions is the per-invocation context. Read-only once the run
// starts.
type RunOptions struct {
	// TableFilter restricts the run to a single destination table.
	TableFilter string
	// QueryFilter restricts the run to a single extraction query
	// (requires TableFilter).
	QueryFilter string

	SkipUsagiAndCustomConceptUpload bool
	ProcessSemiApprovedMappings     bool
	FailFast                        bool

	MaxParallelTables        int
	MaxWorkerThreadsPerTable int
}

// Engine sequences the whole load: dependency levels, concept
// reconciliation, key swapping, merging, and the deferred event pass.
type Engine struct {
	log     *logger.Logger
	backend db.Backend
	catalog *cdm.Catalog
	proj    *project.Project
	gen     sqlgen
	retry   RetryPolicy
	tele    *Telemetry
	tmpDir  string

	// maxParallel bounds the table fan-out of operations that do not
	// carry their own RunOptions, like Cleanup.
	maxParallel int

	// scmMu serializes writers to the shared source_to_concept_map.
	scmMu sync.Mutex
}

func New(log *logger.Logger, backend db.Backend, catalog *cdm.Catalog, proj *project.Project, runCfg config.RunConfig) *Engine {
	maxParallel := runCfg.MaxParallelTables
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Engine{
		log:         log.With("component", "etl"),
		backend:     backend,
		catalog:     catalog,
		proj:        proj,
		gen:         sqlgen{d: backend.Dialect()},
		retry:       defaultRetryPolicy(runCfg.RetryMaxAttempts, runCfg.RetryMaxElapsed),
		tele:        &Telemetry{},
		tmpDir:      os.TempDir(),
		maxParallel: maxParallel,
	}
}

// Telemetry exposes the run-wide counters.
func (e *Engine) Telemetry() *Telemetry { return e.tele }

// runState is the mutable state of one Run invocation.
type runState struct {
	opts    RunOptions
	runID   string
	runDate string
	scope   []string
	levels  cdm.Levels

	tracker   *stateTracker
	collector *reportCollector

	conceptIDs *conceptIDAssigner

	// Domains of custom concepts assigned this run, used by the domain
	// allow-list check before the concept merge is queryable.
	customDomainsMu sync.Mutex
	customDomains   map[int64]string
}

func (rs *runState) rememberCustomDomains(records []project.ConceptRecord, byCode map[string]int64) {
	rs.customDomainsMu.Lock()
	defer rs.customDomainsMu.Unlock()
	for _, rec := range records {
		if id, ok := byCode[rec.ConceptCode]; ok {
			rs.customDomains[id] = rec.DomainID
		}
	}
}

func (rs *runState) customDomain(id int64) (string, bool) {
	rs.customDomainsMu.Lock()
	defer rs.customDomainsMu.Unlock()
	d, ok := rs.customDomains[id]
	return d, ok
}

// Run executes the ETL. Configuration problems abort before any table
// work; per-unit validation failures are collected into the report and
// only stop the run when fail-fast is requested.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	started := time.Now().UTC()
	if opts.MaxParallelTables < 1 {
		opts.MaxParallelTables = 1
	}
	if opts.MaxWorkerThreadsPerTable < 1 {
		opts.MaxWorkerThreadsPerTable = 1
	}
	if opts.QueryFilter != "" && opts.TableFilter == "" {
		return nil, configErrf("a query filter requires a table filter")
	}

	scope, err := e.resolveScope(opts)
	if err != nil {
		return nil, err
	}
	levels, err := cdm.BuildLevels(e.catalog, scope)
	if err != nil {
		var cyc *cdm.CycleError
		if errors.As(err, &cyc) {
			return nil, &ConfigurationError{Msg: "dependency cycle between tables " + strings.Join(cyc.Tables, ", ")}
		}
		return nil, &ConfigurationError{Msg: "resolve dependency levels", Err: err}
	}

	if err := e.ensureAuditTables(ctx); err != nil {
		return nil, err
	}

	rs := &runState{
		opts:          opts,
		runID:         uuid.NewString(),
		runDate:       started.Format("2006-01-02"),
		scope:         scope,
		levels:        levels,
		tracker:       newStateTracker(levels.Tables()),
		collector:     newReportCollector(),
		conceptIDs:    &conceptIDAssigner{},
		customDomains: make(map[int64]string),
	}

	e.log.Info("starting run",
		"run_id", rs.runID,
		"tables", len(scope), "levels", len(levels),
		"max_parallel_tables", opts.MaxParallelTables,
		"max_worker_threads", opts.MaxWorkerThreadsPerTable)

	if err := e.drainLevels(ctx, rs); err != nil {
		return e.buildReport(rs, started), err
	}
	if err := e.resolveAllEvents(ctx, rs); err != nil {
		return e.buildReport(rs, started), err
	}

	report := e.buildReport(rs, started)
	e.log.Info("run finished",
		"run_id", rs.runID,
		"failed_units", len(report.Failures), "skipped_tables", len(report.Skipped),
		"queries", report.Telemetry.Queries, "rows_loaded", report.Telemetry.RowsLoaded)
	return report, nil
}

// resolveScope intersects the project folders with the catalog.
// Folders without a descriptor are warned about and ignored; a filter
// naming an unknown table is a configuration error.
func (e *Engine) resolveScope(opts RunOptions) ([]string, error) {
	if opts.TableFilter != "" {
		name := strings.ToLower(opts.TableFilter)
		if e.catalog.Table(name) == nil {
			return nil, configErrf("unknown table %q in table filter", opts.TableFilter)
		}
		if e.proj.Table(name) == nil {
			return nil, configErrf("table %q has no folder in the project", opts.TableFilter)
		}
		return []string{name}, nil
	}
	var scope []string
	for _, name := range e.proj.Tables() {
		if e.catalog.Table(name) == nil {
			e.log.Warn("project folder is not a known destination table, ignoring", "folder", name)
			continue
		}
		scope = append(scope, name)
	}
	if len(scope) == 0 {
		return nil, configErrf("project %s holds no known destination tables", e.proj.Root)
	}
	return scope, nil
}

func (e *Engine) ensureAuditTables(ctx context.Context) error {
	for _, stmt := range e.gen.createAuditTables() {
		if _, err := e.runQuery(ctx, "ensure audit tables", stmt, nil); err != nil {
			return &ConfigurationError{Msg: "create audit tables", Err: err}
		}
	}
	return nil
}

// drainLevels walks the dependency levels strictly in order. Level n+1
// never starts before every table of level n finished (merged, failed,
// or skipped).
func (e *Engine) drainLevels(ctx context.Context, rs *runState) error {
	for i, level := range rs.levels {
		e.log.Info("processing level", "level", i, "tables", level)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(rs.opts.MaxParallelTables)
		for _, table := range level {
			table := table
			if blocked, reason := e.blockedByDependency(rs, table); blocked {
				rs.collector.skip(table, reason)
				_ = rs.tracker.advance(table, StateSkipped)
				e.log.Warn("skipping table", "table", table, "reason", reason)
				continue
			}
			g.Go(func() error {
				err := e.tablePipeline(gctx, rs, table)
				if err == nil {
					return nil
				}
				var collected *collectedError
				if !errors.As(err, &collected) {
					e.tele.recordFailedUnit()
					rs.collector.fail(table, "", err)
				}
				_ = rs.tracker.advance(table, StateFailed)
				e.log.Error("table pipeline failed", "table", table, "error", err)
				if rs.opts.FailFast {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			// Fail-fast: remaining dispatched work in this level was
			// canceled; completed levels stay committed.
			return err
		}
	}
	return nil
}

// blockedByDependency reports whether a dependency of table failed or
// was skipped earlier in the run, which makes running table unsafe.
func (e *Engine) blockedByDependency(rs *runState, table string) (bool, string) {
	failed := rs.collector.failedTables()
	if len(failed) == 0 {
		return false, ""
	}
	t := e.catalog.Table(table)
	for _, ref := range t.ForeignKeys {
		if ref.Table != table && failed[ref.Table] {
			return true, fmt.Sprintf("dependency %s failed or was skipped", ref.Table)
		}
	}
	for _, dep := range t.ExtraDeps {
		if failed[dep] {
			return true, fmt.Sprintf("dependency %s failed or was skipped", dep)
		}
	}
	return false, ""
}

// tablePipeline drives one table through the state machine up to
// MergedToFinal (EventsResolved for tables without event columns).
func (e *Engine) tablePipeline(ctx context.Context, rs *runState, table string) error {
	t := e.catalog.Table(table)
	pt := e.proj.Table(table)
	log := e.log.With("table", table)

	queries := pt.Queries
	if rs.opts.QueryFilter != "" {
		queries = nil
		for _, q := range pt.Queries {
			if q.Name == rs.opts.QueryFilter {
				queries = append(queries, q)
			}
		}
		if len(queries) == 0 {
			return configErrf("table %s has no extraction query %q", table, rs.opts.QueryFilter)
		}
	}

	// Concept reconciliation per concept column, bounded by the
	// intra-table worker budget. A failed unit aborts this table's
	// merge; sibling tables continue.
	usagiCols, err := e.reconcileAllConceptColumns(ctx, rs, t, pt)
	if err != nil {
		return err
	}

	if len(queries) == 0 {
		log.Debug("no extraction queries, nothing to stage")
		rs.collector.skip(table, "no extraction queries")
		_ = rs.tracker.advance(table, StateSkipped)
		return nil
	}

	if err := e.stageUploads(ctx, rs, t, queries); err != nil {
		return err
	}
	if err := rs.tracker.advance(table, StateStagingLoaded); err != nil {
		return err
	}

	queryNames := make([]string, 0, len(queries))
	for _, q := range queries {
		queryNames = append(queryNames, q.Name)
	}

	hasSwap := t.PKAutoNumbering()
	if hasSwap {
		if err := e.buildSwapTable(ctx, rs, t, queryNames); err != nil {
			return err
		}
		if err := rs.tracker.advance(table, StateKeysAndConceptsSwapped); err != nil {
			return err
		}
	}

	if t.PrimaryKey != "" {
		if err := e.checkDuplicateKeys(ctx, t, queryNames); err != nil {
			return err
		}
	}

	merged, err := e.mergeToFinal(ctx, rs, t, queryNames, hasSwap, usagiCols)
	if err != nil {
		return err
	}
	if !merged {
		// Destination metadata missing; tolerated, see the merge step.
		rs.collector.skip(table, "destination table metadata not found")
		return rs.tracker.advance(table, StateSkipped)
	}
	if err := rs.tracker.advance(table, StateMergedToFinal); err != nil {
		return err
	}

	if hasSwap {
		if err := e.persistIDMap(ctx, rs, t); err != nil {
			return err
		}
	}

	if !t.HasEvents() {
		if err := rs.tracker.advance(table, StateEventsResolved); err != nil {
			return err
		}
	}
	log.Info("table merged", "state", rs.tracker.get(table).String())
	return nil
}

func (e *Engine) reconcileAllConceptColumns(ctx context.Context, rs *runState, t *cdm.TableDescriptor, pt *project.Table) ([]string, error) {
	known := make(map[string]bool)
	for _, col := range t.ConceptColumns() {
		known[col] = true
	}

	var mu sync.Mutex
	var usagiCols []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rs.opts.MaxWorkerThreadsPerTable)
	for _, cc := range pt.ConceptColumns {
		cc := cc
		if !known[cc.Column] {
			e.log.Warn("mapping folder does not match a concept column, ignoring",
				"table", t.Name, "folder", cc.Column)
			continue
		}
		g.Go(func() error {
			mapped, err := e.reconcileConceptColumn(gctx, rs, t, cc)
			if err != nil {
				e.tele.recordFailedUnit()
				rs.collector.fail(t.Name, cc.Column, err)
				return &collectedError{err: fmt.Errorf("concept column %s: %w", cc.Column, err)}
			}
			if mapped {
				mu.Lock()
				usagiCols = append(usagiCols, cc.Column)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return usagiCols, nil
}

// stageUploads runs the extraction queries into upload work tables, one
// worker per query up to the intra-table budget.
func (e *Engine) stageUploads(ctx context.Context, rs *runState, t *cdm.TableDescriptor, queries []project.Query) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rs.opts.MaxWorkerThreadsPerTable)
	for _, q := range queries {
		q := q
		g.Go(func() error {
			raw, err := os.ReadFile(q.Path)
			if err != nil {
				return fmt.Errorf("read extraction query %s: %w", q.Path, err)
			}
			stmt := e.gen.createUpload(t.Name, q.Name, strings.TrimSpace(string(raw)))
			if _, err := e.runQuery(gctx, "stage "+db.UploadTable(t.Name, q.Name), stmt, nil); err != nil {
				return fmt.Errorf("extraction query %s: %w", q.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// buildSwapTable assigns surrogate keys to every staged natural key,
// reusing prior valid assignments from the id map so re-runs are
// stable.
func (e *Engine) buildSwapTable(ctx context.Context, rs *runState, t *cdm.TableDescriptor, queryNames []string) error {
	keyRows, err := e.runQuery(ctx, "collect natural keys",
		e.gen.distinctSourceKeys(t.Name, t.PrimaryKey, queryNames), nil)
	if err != nil {
		return err
	}

	existing := make(map[string]int64)
	mapRows, err := e.runQuery(ctx, "load id map", e.gen.validIDMap(),
		map[string]any{"omop_table": t.Name})
	if err != nil && !isNotFound(err) {
		return err
	}
	for _, row := range mapRows {
		existing[asString(row["source_id"])] = asInt64(row["omop_id"])
	}

	next := int64(1)
	maxRows, err := e.runQuery(ctx, "max assigned id", e.gen.maxAssignedOmopID(), nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	if len(maxRows) > 0 {
		if m := asInt64(maxRows[0]["max_id"]); m >= next {
			next = m + 1
		}
	}

	rows := make([][]string, 0, len(keyRows))
	for _, row := range keyRows {
		sourceID := asString(row["source_id"])
		id, ok := existing[sourceID]
		if !ok {
			id = next
			next++
		}
		rows = append(rows, []string{sourceID, fmt.Sprintf("%d", id)})
	}
	_, err = e.bulkLoadCSV(ctx, db.SwapTable(t.PrimaryKey), []string{"source_id", "omop_id"}, rows)
	return err
}

// checkDuplicateKeys aborts the merge when a natural key was staged
// twice: that is an extraction-query bug, not data to be deduplicated.
func (e *Engine) checkDuplicateKeys(ctx context.Context, t *cdm.TableDescriptor, queryNames []string) error {
	rows, err := e.runQuery(ctx, "check duplicate keys",
		e.gen.duplicateKeys(t.Name, t.PrimaryKey, queryNames), nil)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	offending := make([]string, 0, len(rows))
	for _, row := range rows {
		offending = append(offending,
			fmt.Sprintf("natural key %q staged %d times", asString(row["source_id"]), asInt64(row["n"])))
	}
	return &ValidationError{Table: t.Name, Msg: "duplicate natural keys across extraction queries", Rows: offending}
}

// mergeToFinal is the single-statement upsert of the staged rows. The
// false return covers the tolerated missing-destination case: metadata
// for the table is absent in the warehouse, merge is skipped.
//
// TODO: decide whether missing destination metadata should become a
// hard ConfigurationError once partial schemas are no longer used.
func (e *Engine) mergeToFinal(ctx context.Context, rs *runState, t *cdm.TableDescriptor, queryNames []string, hasSwap bool, usagiCols []string) (bool, error) {
	if _, err := e.getColumns(ctx, t.Name); err != nil {
		if isNotFound(err) {
			e.log.Debug("destination table metadata not found, skipping merge", "table", t.Name)
			return false, nil
		}
		return false, err
	}

	if t.HasEvents() {
		// First phase merges into a work table with textual event
		// columns; the deferred pass finishes the job.
		work := t.Name + "__work"
		if err := e.deleteWorkTable(ctx, work); err != nil {
			return false, err
		}
		stmt := e.gen.createTable(e.gen.d.Work(work), t, true)
		if _, err := e.runQuery(ctx, "create work table "+work, stmt, nil); err != nil {
			return false, err
		}
	}

	inScope := make(map[string]bool, len(rs.scope))
	for _, name := range rs.scope {
		inScope[name] = true
	}
	fks := make(map[string]cdm.FKRef)
	for col, ref := range t.ForeignKeys {
		if ref.Table != t.Name && inScope[ref.Table] && e.catalog.Table(ref.Table).PKAutoNumbering() {
			fks[col] = ref
		}
	}

	stmt := e.gen.mergeTable(mergeSpec{
		table:      t,
		queries:    queryNames,
		hasSwap:    hasSwap,
		usagiCols:  usagiCols,
		inScopeFKs: fks,
		intoWork:   t.HasEvents(),
	})
	if _, err := e.runQuery(ctx, "merge "+t.Name, stmt, nil); err != nil {
		return false, err
	}
	return true, nil
}

// persistIDMap writes this run's key assignments into the audit map and
// soft-invalidates assignments whose source ids disappeared.
func (e *Engine) persistIDMap(ctx context.Context, rs *runState, t *cdm.TableDescriptor) error {
	params := map[string]any{"omop_table": t.Name, "run_date": rs.runDate}
	for _, stmt := range e.gen.mergeIDMap(t.Name, t.PrimaryKey) {
		if _, err := e.runQuery(ctx, "persist id map "+t.Name, stmt, params); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildReport(rs *runState, started time.Time) *RunReport {
	states := make(map[string]TableState, len(rs.scope))
	for _, table := range rs.scope {
		states[table] = rs.tracker.get(table)
	}
	rs.collector.mu.Lock()
	failures := append([]UnitError(nil), rs.collector.failures...)
	skipped := make(map[string]string, len(rs.collector.skipped))
	for k, v := range rs.collector.skipped {
		skipped[k] = v
	}
	rs.collector.mu.Unlock()
	return &RunReport{
		RunID:     rs.runID,
		Started:   started,
		Finished:  time.Now().UTC(),
		States:    states,
		Failures:  failures,
		Skipped:   skipped,
		Telemetry: e.tele.Snapshot(),
	}
}

// -------------------- backend access --------------------

// runQuery wraps Backend.RunQuery with retry and telemetry.
func (e *Engine) runQuery(ctx context.Context, name, sql string, params map[string]any) ([]map[string]any, error) {
	var rows []map[string]any
	start := time.Now()
	err := withRetry(ctx, e.log, e.retry, name, func() error {
		var err error
		rows, err = e.backend.RunQuery(ctx, sql, params)
		if err != nil && !isNotFound(err) && IsTransient(err) {
			e.tele.recordRetry()
		}
		return err
	})
	e.tele.recordQuery(time.Since(start))
	return rows, err
}

func (e *Engine) getColumns(ctx context.Context, table string) ([]db.Column, error) {
	var cols []db.Column
	err := withRetry(ctx, e.log, e.retry, "get columns "+table, func() error {
		var err error
		cols, err = e.backend.GetColumns(ctx, table)
		if err != nil && isNotFound(err) {
			return err
		}
		return err
	})
	return cols, err
}

func (e *Engine) deleteWorkTable(ctx context.Context, table string) error {
	return withRetry(ctx, e.log, e.retry, "drop "+table, func() error {
		return e.backend.DeleteTable(ctx, table)
	})
}

// truncateDestination empties the final-area rows of table through the
// backend.
func (e *Engine) truncateDestination(ctx context.Context, table string) error {
	return withRetry(ctx, e.log, e.retry, "truncate "+table, func() error {
		return e.backend.TruncateTable(ctx, table)
	})
}

// bulkLoadCSV writes rows to a temp CSV and streams it into a work
// table through the backend's bulk loader.
func (e *Engine) bulkLoadCSV(ctx context.Context, destTable string, header []string, rows [][]string) (int64, error) {
	f, err := os.CreateTemp(e.tmpDir, "omopetl-"+destTable+"-*.csv")
	if err != nil {
		return 0, fmt.Errorf("create staging file for %s: %w", destTable, err)
	}
	defer os.Remove(f.Name())

	w := csv.NewWriter(f)
	if err := w.Write(header); err == nil {
		err = w.WriteAll(rows)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("write staging file for %s: %w", destTable, err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	var n int64
	start := time.Now()
	err = withRetry(ctx, e.log, e.retry, "bulk load "+destTable, func() error {
		var err error
		n, err = e.backend.BulkLoad(ctx, f.Name(), destTable)
		return err
	})
	e.tele.recordBulkLoad(n, time.Since(start))
	return n, err
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		var n int64
		_, _ = fmt.Sscan(x, &n)
		return n
	default:
		return 0
	}
}
