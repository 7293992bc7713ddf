package etl

import (
	"context"
)

// CreateDatabase creates the destination tables of the clinical model
// plus the audit tables. Existing tables are left alone, so the call is
// safe to repeat.
func (e *Engine) CreateDatabase(ctx context.Context) error {
	for _, name := range e.catalog.ETLTables() {
		t := e.catalog.Table(name)
		stmt := e.gen.createTable(e.gen.d.Final(name), t, false)
		if _, err := e.runQuery(ctx, "create table "+name, stmt, nil); err != nil {
			return err
		}
	}
	if err := e.ensureAuditTables(ctx); err != nil {
		return err
	}
	e.log.Info("destination schema ready",
		"tables", len(e.catalog.ETLTables()), "model_version", e.catalog.Version())
	return nil
}
