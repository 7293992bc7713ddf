package etl

import (
	"context"
	"testing"
)

func TestCreateDatabaseEmitsEveryTable(t *testing.T) {
	fb := newFakeBackend()
	e := newTestEngine(t, fb, nil)

	if err := e.CreateDatabase(context.Background()); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	creates := fb.queriesMatching("CREATE TABLE IF NOT EXISTS")
	// Every destination table plus the two audit maps and the concept id
	// swap.
	want := len(e.catalog.ETLTables()) + 3
	if len(creates) != want {
		t.Fatalf("create statements = %d, want %d", len(creates), want)
	}
	for _, table := range []string{
		`"omop"."person"`,
		`"omop"."vocabulary"`,
		`"omop"."source_to_concept_map"`,
		`"omop"."source_id_to_omop_id_map"`,
		`"work"."concept_id_swap"`,
	} {
		if fb.queryIndex(table) < 0 {
			t.Fatalf("no create statement for %s", table)
		}
	}
}
