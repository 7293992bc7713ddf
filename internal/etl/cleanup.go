package etl

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/zorgdata/omopetl/internal/cdm"
	"github.com/zorgdata/omopetl/internal/db"
)

// Cleanup tears down the artifacts of one table (or everything) plus
// every table downstream of it, in reverse dependency order: a table
// cannot be truncated while another still holds foreign keys into it.
//
// Removed per table: staging work tables, swap tables, id-map rows,
// source-to-concept-map rows, and the destination rows. Custom concept
// ids are cleared from the shared concept table unless
// preserveCustomIDs keeps them stable for downstream cohorts.
func (e *Engine) Cleanup(ctx context.Context, target string, preserveCustomIDs bool) error {
	scope, err := e.cleanupScope(target)
	if err != nil {
		return err
	}
	levels, err := cdm.BuildLevels(e.catalog, scope)
	if err != nil {
		var cyc *cdm.CycleError
		if errors.As(err, &cyc) {
			return &ConfigurationError{Msg: "dependency cycle between tables " + strings.Join(cyc.Tables, ", ")}
		}
		return &ConfigurationError{Msg: "resolve cleanup order", Err: err}
	}

	workTables, err := e.backend.ListTables(ctx)
	if err != nil {
		return err
	}

	// Tables of one level hold no keys into each other, so a level is
	// torn down in parallel; levels stay strictly ordered.
	for _, level := range levels.Reversed() {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.maxParallel)
		for _, table := range level {
			table := table
			g.Go(func() error {
				return e.cleanupTable(gctx, table, workTables, preserveCustomIDs)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	e.log.Info("cleanup finished", "target", targetName(target), "tables", len(scope),
		"preserve_custom_ids", preserveCustomIDs)
	return nil
}

func targetName(target string) string {
	if target == "" {
		return "all"
	}
	return target
}

func (e *Engine) cleanupScope(target string) ([]string, error) {
	if target == "" || strings.EqualFold(target, "all") {
		return e.catalog.ETLTables(), nil
	}
	name := strings.ToLower(target)
	if e.catalog.Table(name) == nil {
		return nil, configErrf("unknown table %q in cleanup target", target)
	}
	return append([]string{name}, cdm.Downstream(e.catalog, nil, name)...), nil
}

func (e *Engine) cleanupTable(ctx context.Context, table string, workTables []string, preserveCustomIDs bool) error {
	t := e.catalog.Table(table)
	log := e.log.With("table", table)

	// Staging artifacts are namespaced by table name prefix.
	for _, wt := range workTables {
		if strings.HasPrefix(wt, table+"__") {
			if err := e.deleteWorkTable(ctx, wt); err != nil {
				return err
			}
		}
	}
	if t.PKAutoNumbering() {
		if err := e.deleteWorkTable(ctx, db.SwapTable(t.PrimaryKey)); err != nil {
			return err
		}
	}

	if _, err := e.runQuery(ctx, "delete id map rows "+table, e.gen.deleteIDMapRows(),
		map[string]any{"omop_table": table}); err != nil && !isNotFound(err) {
		return err
	}

	// The shared map tables have one cleanup writer at a time.
	e.scmMu.Lock()
	_, err := e.runQuery(ctx, "delete source_to_concept_map rows "+table, e.gen.deleteSCMRows(),
		map[string]any{"unit_prefix": table + "__%"})
	e.scmMu.Unlock()
	if err != nil && !isNotFound(err) {
		return err
	}

	if !preserveCustomIDs {
		if _, err := e.runQuery(ctx, "delete custom concepts "+table, e.gen.deleteCustomConcepts(),
			map[string]any{"omop_table": table}); err != nil && !isNotFound(err) {
			return err
		}
		if _, err := e.runQuery(ctx, "delete concept id assignments "+table, e.gen.deleteConceptIDSwapRows(),
			map[string]any{"omop_table": table}); err != nil && !isNotFound(err) {
			return err
		}
	}

	if t.Schema == "vocab" {
		// The imported vocabulary is managed separately; leave it.
		log.Debug("skipping vocabulary-schema truncate")
		return nil
	}
	if err := e.truncateDestination(ctx, table); err != nil && !isNotFound(err) {
		return err
	}
	log.Info("table cleaned")
	return nil
}
