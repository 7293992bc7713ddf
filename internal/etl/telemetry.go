package etl

import (
	"sync"
	"time"
)

// Telemetry accumulates run-wide counters. It is the single shared
// mutable accumulator of a run and is guarded by one mutex; everything
// else is namespaced per table.
type Telemetry struct {
	mu sync.Mutex

	Queries     int64
	BulkLoads   int64
	RowsLoaded  int64
	RemoteTime  time.Duration
	RetriedOps  int64
	FailedUnits int64
}

func (t *Telemetry) recordQuery(d time.Duration) {
	t.mu.Lock()
	t.Queries++
	t.RemoteTime += d
	t.mu.Unlock()
}

func (t *Telemetry) recordBulkLoad(rows int64, d time.Duration) {
	t.mu.Lock()
	t.BulkLoads++
	t.RowsLoaded += rows
	t.RemoteTime += d
	t.mu.Unlock()
}

func (t *Telemetry) recordRetry() {
	t.mu.Lock()
	t.RetriedOps++
	t.mu.Unlock()
}

func (t *Telemetry) recordFailedUnit() {
	t.mu.Lock()
	t.FailedUnits++
	t.mu.Unlock()
}

// Snapshot returns a copy safe to read after the run finished.
func (t *Telemetry) Snapshot() Telemetry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Telemetry{
		Queries:     t.Queries,
		BulkLoads:   t.BulkLoads,
		RowsLoaded:  t.RowsLoaded,
		RemoteTime:  t.RemoteTime,
		RetriedOps:  t.RetriedOps,
		FailedUnits: t.FailedUnits,
	}
}
