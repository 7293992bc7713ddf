package etl

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// resolveAllEvents is the deferred second pass. It only starts once no
// table can still reach MergedToFinal, because event columns may point
// at rows of any other destination table.
func (e *Engine) resolveAllEvents(ctx context.Context, rs *runState) error {
	if !rs.tracker.allMergedOrFinished() {
		return configErrf("event resolution started while tables were still merging")
	}
	pending := rs.tracker.tablesIn(StateMergedToFinal)
	if len(pending) == 0 {
		return nil
	}
	e.log.Info("resolving event columns", "tables", pending)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rs.opts.MaxParallelTables)
	for _, table := range pending {
		table := table
		g.Go(func() error {
			err := e.resolveTableEvents(gctx, rs, table)
			if err == nil {
				return nil
			}
			e.tele.recordFailedUnit()
			rs.collector.fail(table, "", err)
			_ = rs.tracker.advance(table, StateFailed)
			e.log.Error("event resolution failed", "table", table, "error", err)
			if rs.opts.FailFast {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) resolveTableEvents(ctx context.Context, rs *runState, table string) error {
	t := e.catalog.Table(table)
	log := e.log.With("table", table)

	// Re-read the staged event targets. A missing work table means the
	// first phase staged nothing; that is a no-op, not a failure.
	rows, err := e.runQuery(ctx, "list event target tables", e.gen.eventTargetTables(t), nil)
	if err != nil {
		if isNotFound(err) {
			log.Debug("no staged event rows, nothing to resolve")
			return rs.tracker.advance(table, StateEventsResolved)
		}
		return err
	}

	targets := make(map[string]bool)
	for _, row := range rows {
		if name := asString(row["event_table"]); name != "" {
			targets[name] = true
		}
	}
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if e.catalog.Table(name) == nil {
			return &ValidationError{
				Table: table,
				Msg:   "staged event rows reference unknown table",
				Rows:  []string{"event target " + name},
			}
		}
		switch rs.tracker.get(name) {
		case StateFailed, StateSkipped:
			log.Warn("event target table did not finish this run, its event keys resolve to null",
				"target", name)
		}
	}

	if _, err := e.runQuery(ctx, "resolve events "+table, e.gen.resolveEvents(t), nil); err != nil {
		return err
	}
	return rs.tracker.advance(table, StateEventsResolved)
}
