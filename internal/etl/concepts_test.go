package etl

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zorgdata/omopetl/internal/db"
	"github.com/zorgdata/omopetl/internal/project"
)

const usagiHeader = "sourceCode,sourceName,mappingStatus,conceptId\n"
const conceptHeader = "concept_id,concept_name,domain_id,vocabulary_id,concept_class_id,standard_concept,concept_code,valid_start_date,valid_end_date\n"

// genderUnit builds the mapping inputs of person.gender_concept_id from
// raw CSV bodies.
func genderUnit(t *testing.T, usagi, custom string) *project.ConceptColumn {
	t.Helper()
	dir := t.TempDir()
	cc := &project.ConceptColumn{Column: "gender_concept_id"}
	if usagi != "" {
		path := filepath.Join(dir, "gender.usagi.csv")
		writeFile(t, path, usagiHeader+usagi)
		cc.UsagiFiles = []string{path}
	}
	if custom != "" {
		path := filepath.Join(dir, "custom", "gender_concept.csv")
		writeFile(t, path, conceptHeader+custom)
		cc.ConceptFiles = []string{path}
	}
	return cc
}

func TestCustomConceptsGetSurrogateIDs(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb, nil)
	rs := newTestRunState(RunOptions{}, []string{"person"})
	cc := genderUnit(t,
		"M,Male,UNCHECKED,0\nF,Female,UNCHECKED,0\n",
		",Male gender,gender,LOCAL_GENDER,Gender,,M,,\n,Female gender,gender,LOCAL_GENDER,Gender,,F,,\n")

	mapped, err := e.reconcileConceptColumn(context.Background(), rs, e.catalog.Table("person"), cc)
	if err != nil {
		t.Fatalf("reconcileConceptColumn: %v", err)
	}
	if !mapped {
		t.Fatalf("unit with mappings should report mapped")
	}

	concepts, ok := fb.load(db.ConceptTable("person", "gender_concept_id"))
	if !ok || len(concepts.rows) != 2 {
		t.Fatalf("staged concepts = %v", concepts.rows)
	}
	seen := map[string]bool{}
	for _, row := range concepts.rows {
		id := asInt64(row[0])
		if id < CustomConceptIDStart {
			t.Fatalf("custom concept id %d below the surrogate range", id)
		}
		if seen[row[0]] {
			t.Fatalf("surrogate id %s assigned twice", row[0])
		}
		seen[row[0]] = true
	}

	// The custom codes in the mapping file were rewritten to the
	// surrogate ids and trusted.
	usagi, ok := fb.load(db.UsagiTable("person", "gender_concept_id"))
	if !ok || len(usagi.rows) != 2 {
		t.Fatalf("staged mappings = %v", usagi.rows)
	}
	if usagi.rows[0][0] != "M" || usagi.rows[0][1] != "2000000000" {
		t.Fatalf("first mapping = %v, want M -> 2000000000", usagi.rows[0])
	}
	if usagi.rows[1][0] != "F" || usagi.rows[1][1] != "2000000001" {
		t.Fatalf("second mapping = %v, want F -> 2000000001", usagi.rows[1])
	}

	// Assignments are persisted for the next run, sorted by key.
	swap, ok := fb.load(db.ConceptIDSwapTable)
	if !ok || len(swap.rows) != 2 {
		t.Fatalf("concept id swap = %v", swap.rows)
	}
	if swap.rows[0][0] != "F" || swap.rows[1][0] != "M" {
		t.Fatalf("swap rows = %v, want sorted by vocabulary and code", swap.rows)
	}

	// The unit landed in the shared map: invalidate old rows, insert new.
	scm := fb.queriesMatching(`"omop"."source_to_concept_map"`)
	if len(scm) != 2 {
		t.Fatalf("source_to_concept_map statements = %d, want 2", len(scm))
	}
	for _, q := range scm {
		if q.params["unit"] != "person__gender_concept_id" {
			t.Fatalf("unit param = %v", q.params["unit"])
		}
	}
}

func TestCustomConceptIDsAreReusedAcrossRuns(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb, nil)
	fb.rowsFor("SELECT concept_code, vocabulary_id, omop_table, concept_id", []map[string]any{
		{"concept_code": "M", "vocabulary_id": "LOCAL_GENDER", "omop_table": "person", "concept_id": int64(2000000007)},
	})
	rs := newTestRunState(RunOptions{}, []string{"person"})
	cc := genderUnit(t,
		"M,Male,UNCHECKED,0\nF,Female,UNCHECKED,0\n",
		",Male gender,gender,LOCAL_GENDER,Gender,,M,,\n,Female gender,gender,LOCAL_GENDER,Gender,,F,,\n")

	if _, err := e.reconcileConceptColumn(context.Background(), rs, e.catalog.Table("person"), cc); err != nil {
		t.Fatalf("reconcileConceptColumn: %v", err)
	}
	usagi, ok := fb.load(db.UsagiTable("person", "gender_concept_id"))
	if !ok || len(usagi.rows) != 2 {
		t.Fatalf("staged mappings = %v", usagi.rows)
	}
	if usagi.rows[0][1] != "2000000007" {
		t.Fatalf("M mapped to %s, want the prior run's 2000000007", usagi.rows[0][1])
	}
	if usagi.rows[1][1] != "2000000008" {
		t.Fatalf("F mapped to %s, want a fresh id above the prior max", usagi.rows[1][1])
	}
}

func TestSameDayRerunSupersedesConceptMapRows(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb, nil)
	fb.rowsFor("= ANY(@concept_ids)", []map[string]any{
		{"concept_id": int64(8507), "domain_id": "gender"},
	})
	person := e.catalog.Table("person")

	for pass := 1; pass <= 2; pass++ {
		rs := newTestRunState(RunOptions{}, []string{"person"})
		cc := genderUnit(t, "M,Male,APPROVED,8507\n", "")
		if _, err := e.reconcileConceptColumn(context.Background(), rs, person, cc); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
	}

	scm := fb.queriesMatching(`"omop"."source_to_concept_map"`)
	if len(scm) != 4 {
		t.Fatalf("source_to_concept_map statements = %d, want invalidate+insert per pass", len(scm))
	}
	for pass := 0; pass < 2; pass++ {
		invalidate, insert := scm[pass*2], scm[pass*2+1]
		if !strings.Contains(invalidate.sql, "SET invalid_reason = 'R'") ||
			!strings.Contains(invalidate.sql, "valid_start_date <= @run_date") {
			t.Fatalf("pass %d: rows written earlier the same day must be superseded:\n%s",
				pass+1, invalidate.sql)
		}
		if !strings.Contains(insert.sql, "INSERT INTO") {
			t.Fatalf("pass %d: the invalidation must precede the insert:\n%s", pass+1, insert.sql)
		}
	}
}

func TestDuplicateMappingPairAbortsTheUnit(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb, nil)
	fb.rowsFor("= ANY(@concept_ids)", []map[string]any{
		{"concept_id": int64(8507), "domain_id": "gender"},
	})
	rs := newTestRunState(RunOptions{}, []string{"person"})
	cc := genderUnit(t, "M,Male,APPROVED,8507\nM,Male variant,APPROVED,8507\n", "")

	_, err := e.reconcileConceptColumn(context.Background(), rs, e.catalog.Table("person"), cc)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want validation error, got %v", err)
	}
	if verr.Column != "gender_concept_id" || !strings.Contains(verr.Msg, "duplicate (source code, concept id)") {
		t.Fatalf("unexpected validation error: %v", verr)
	}
	if len(verr.Rows) != 1 || !strings.Contains(verr.Rows[0], "Male") || !strings.Contains(verr.Rows[0], "Male variant") {
		t.Fatalf("the error must name both offending rows, got %v", verr.Rows)
	}

	// Nothing of the unit may land: no staged mappings, no map upsert.
	if _, ok := fb.load(db.UsagiTable("person", "gender_concept_id")); ok {
		t.Fatalf("aborted unit must not stage mappings")
	}
	if n := len(fb.queriesMatching(`"omop"."source_to_concept_map"`)); n != 0 {
		t.Fatalf("aborted unit issued %d map statements", n)
	}
}

func TestUnmappedApprovedRowAborts(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb, nil)
	rs := newTestRunState(RunOptions{}, []string{"person"})
	cc := genderUnit(t, "X,Unknown,APPROVED,0\n", "")

	_, err := e.reconcileConceptColumn(context.Background(), rs, e.catalog.Table("person"), cc)
	var verr *ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Msg, "unmapped") {
		t.Fatalf("want unmapped-rows validation error, got %v", err)
	}
}

func TestDomainAllowListIsEnforced(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb, nil)
	// 4182210 is a Condition concept; gender_concept_id only allows gender.
	fb.rowsFor("= ANY(@concept_ids)", []map[string]any{
		{"concept_id": int64(4182210), "domain_id": "condition"},
	})
	rs := newTestRunState(RunOptions{}, []string{"person"})
	cc := genderUnit(t, "M,Male,APPROVED,4182210\n", "")

	_, err := e.reconcileConceptColumn(context.Background(), rs, e.catalog.Table("person"), cc)
	var verr *ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Msg, "domain not allowed") {
		t.Fatalf("want domain validation error, got %v", err)
	}
}

func TestCustomConceptDomainsCountTowardTheAllowList(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb, nil)
	rs := newTestRunState(RunOptions{}, []string{"person"})
	// The custom concept's domain is checked before the concept merge is
	// queryable, from the in-run record.
	cc := genderUnit(t,
		"M,Male,UNCHECKED,0\n",
		",Male gender,condition,LOCAL_GENDER,Gender,,M,,\n")

	_, err := e.reconcileConceptColumn(context.Background(), rs, e.catalog.Table("person"), cc)
	var verr *ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Msg, "domain not allowed") {
		t.Fatalf("want domain validation error for the custom concept, got %v", err)
	}
}

func TestUntrustedStatusesAreDropped(t *testing.T) {
	body := "A,Approved row,APPROVED,2000000000\n" +
		"B,Semi row,SEMI-APPROVED,2000000000\n" +
		"C,Flagged row,FLAGGED,2000000000\n"

	for _, tc := range []struct {
		name string
		semi bool
		want int
	}{
		{"approved only", false, 1},
		{"with semi-approved", true, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fb := newFakeBackend()
			e := newTestEngine(t, fb, nil)
			rs := newTestRunState(RunOptions{ProcessSemiApprovedMappings: tc.semi}, []string{"person"})
			cc := genderUnit(t, body, "")

			if _, err := e.reconcileConceptColumn(context.Background(), rs, e.catalog.Table("person"), cc); err != nil {
				t.Fatalf("reconcileConceptColumn: %v", err)
			}
			usagi, ok := fb.load(db.UsagiTable("person", "gender_concept_id"))
			if !ok || len(usagi.rows) != tc.want {
				t.Fatalf("staged mappings = %v, want %d rows", usagi.rows, tc.want)
			}
		})
	}
}

func TestDuplicateCustomConceptIDAborts(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb, nil)
	rs := newTestRunState(RunOptions{}, []string{"person"})
	cc := genderUnit(t, "",
		"2000000100,Male gender,gender,LOCAL_GENDER,Gender,,M,,\n"+
			"2000000100,Female gender,gender,LOCAL_GENDER,Gender,,F,,\n")

	_, err := e.reconcileConceptColumn(context.Background(), rs, e.catalog.Table("person"), cc)
	var verr *ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Msg, "duplicate concept_id") {
		t.Fatalf("want duplicate concept_id validation error, got %v", err)
	}
	if len(verr.Rows) != 1 || !strings.Contains(verr.Rows[0], `"M"`) || !strings.Contains(verr.Rows[0], `"F"`) {
		t.Fatalf("the error must name both codes, got %v", verr.Rows)
	}
	if _, ok := fb.load(db.ConceptTable("person", "gender_concept_id")); ok {
		t.Fatalf("aborted batch must not stage concepts")
	}
}

func TestSkipUploadReusesWarehouseMappings(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb, nil)
	rs := newTestRunState(RunOptions{SkipUsagiAndCustomConceptUpload: true}, []string{"person"})
	cc := genderUnit(t,
		"M,Male,APPROVED,8507\n",
		",Male gender,gender,LOCAL_GENDER,Gender,,M,,\n")

	mapped, err := e.reconcileConceptColumn(context.Background(), rs, e.catalog.Table("person"), cc)
	if err != nil {
		t.Fatalf("reconcileConceptColumn: %v", err)
	}
	if mapped {
		t.Fatalf("skip mode stages nothing this run")
	}
	if _, ok := fb.load(db.UsagiTable("person", "gender_concept_id")); ok {
		t.Fatalf("skip mode must not re-stage mappings")
	}
	if _, ok := fb.load(db.ConceptTable("person", "gender_concept_id")); ok {
		t.Fatalf("skip mode must not re-stage concepts")
	}
}
