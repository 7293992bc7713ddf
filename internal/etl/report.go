package etl

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// UnitError is one failed unit of work: a whole table, or one
// (table, concept column) pair.
type UnitError struct {
	Table  string
	Column string
	Err    error
}

func (u UnitError) String() string {
	unit := u.Table
	if u.Column != "" {
		unit += "." + u.Column
	}
	return fmt.Sprintf("%s: %v", unit, u.Err)
}

// RunReport is the end-of-run summary: every unit that failed and why,
// every table skipped and why, plus the telemetry counters.
type RunReport struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	States    map[string]TableState
	Failures  []UnitError
	Skipped   map[string]string
	Telemetry Telemetry
}

func (r *RunReport) OK() bool {
	return len(r.Failures) == 0 && len(r.Skipped) == 0
}

func (r *RunReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run finished in %s: %d tables", r.Finished.Sub(r.Started).Round(time.Millisecond), len(r.States))
	if r.OK() {
		b.WriteString(", all succeeded")
		return b.String()
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, "\nfailed units (%d):", len(r.Failures))
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "\n  - %s", f)
		}
	}
	if len(r.Skipped) > 0 {
		names := make([]string, 0, len(r.Skipped))
		for t := range r.Skipped {
			names = append(names, t)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "\nskipped tables (%d):", len(names))
		for _, t := range names {
			fmt.Fprintf(&b, "\n  - %s: %s", t, r.Skipped[t])
		}
	}
	return b.String()
}

// collectedError marks a failure that already landed in the report
// with its own unit entry; the level loop must not record it again.
type collectedError struct {
	err error
}

func (c *collectedError) Error() string { return c.err.Error() }
func (c *collectedError) Unwrap() error { return c.err }

// reportCollector gathers failures and skips from concurrent table
// pipelines.
type reportCollector struct {
	mu       sync.Mutex
	failures []UnitError
	skipped  map[string]string
}

func newReportCollector() *reportCollector {
	return &reportCollector{skipped: make(map[string]string)}
}

func (rc *reportCollector) fail(table, column string, err error) {
	rc.mu.Lock()
	rc.failures = append(rc.failures, UnitError{Table: table, Column: column, Err: err})
	rc.mu.Unlock()
}

func (rc *reportCollector) skip(table, reason string) {
	rc.mu.Lock()
	rc.skipped[table] = reason
	rc.mu.Unlock()
}

func (rc *reportCollector) failedTables() map[string]bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]bool, len(rc.failures)+len(rc.skipped))
	for _, f := range rc.failures {
		out[f.Table] = true
	}
	for t := range rc.skipped {
		out[t] = true
	}
	return out
}
