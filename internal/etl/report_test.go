package etl

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunReportSummary(t *testing.T) {
	started := time.Now().UTC()
	ok := &RunReport{
		Started:  started,
		Finished: started.Add(3 * time.Second),
		States:   map[string]TableState{"person": StateEventsResolved},
	}
	if !ok.OK() {
		t.Fatalf("report without failures or skips must be OK")
	}
	if s := ok.Summary(); !strings.Contains(s, "all succeeded") {
		t.Fatalf("summary = %q", s)
	}

	bad := &RunReport{
		Started:  started,
		Finished: started.Add(time.Second),
		States: map[string]TableState{
			"person":           StateEventsResolved,
			"visit_occurrence": StateFailed,
		},
		Failures: []UnitError{
			{Table: "visit_occurrence", Err: errors.New("duplicate natural keys")},
			{Table: "person", Column: "gender_concept_id", Err: errors.New("domain not allowed")},
		},
		Skipped: map[string]string{"condition_occurrence": "dependency visit_occurrence failed or was skipped"},
	}
	if bad.OK() {
		t.Fatalf("report with failures must not be OK")
	}
	s := bad.Summary()
	for _, want := range []string{
		"failed units (2)",
		"visit_occurrence: duplicate natural keys",
		"person.gender_concept_id: domain not allowed",
		"skipped tables (1)",
		"condition_occurrence: dependency visit_occurrence",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("summary misses %q:\n%s", want, s)
		}
	}
}

func TestTelemetrySnapshot(t *testing.T) {
	var tel Telemetry
	tel.recordQuery(10 * time.Millisecond)
	tel.recordQuery(20 * time.Millisecond)
	tel.recordBulkLoad(42, 5*time.Millisecond)
	tel.recordRetry()
	tel.recordFailedUnit()

	snap := tel.Snapshot()
	if snap.Queries != 2 || snap.BulkLoads != 1 || snap.RowsLoaded != 42 {
		t.Fatalf("snapshot = %+v", &snap)
	}
	if snap.RetriedOps != 1 || snap.FailedUnits != 1 {
		t.Fatalf("snapshot = %+v", &snap)
	}
	if snap.RemoteTime != 35*time.Millisecond {
		t.Fatalf("remote time = %v", snap.RemoteTime)
	}
}
