package etl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zorgdata/omopetl/internal/cdm"
	"github.com/zorgdata/omopetl/internal/db"
)

// Audit table names in the final area, plus the persistent custom
// concept id assignments in the work area.
const (
	sourceToConceptMapTable = "source_to_concept_map"
	sourceIDToOmopIDTable   = "source_id_to_omop_id_map"
)

// sqlgen assembles the dialect-specific SQL statements the engine
// issues. The statements are deliberately mechanical; the sequencing
// logic lives in the engine.
type sqlgen struct {
	d db.Dialect
}

func (g sqlgen) castText(expr string) string {
	if g.d.Engine == "bigquery" {
		return fmt.Sprintf("CAST(%s AS STRING)", expr)
	}
	return fmt.Sprintf("CAST(%s AS text)", expr)
}

func (g sqlgen) castInt(expr string) string {
	if g.d.Engine == "bigquery" {
		return fmt.Sprintf("CAST(%s AS INT64)", expr)
	}
	return fmt.Sprintf("CAST(%s AS bigint)", expr)
}

func (g sqlgen) columnType(catalogType string) string {
	t := strings.ToLower(catalogType)
	if g.d.Engine == "bigquery" {
		switch {
		case t == "integer", t == "bigint":
			return "INT64"
		case t == "float":
			return "FLOAT64"
		case t == "date":
			return "DATE"
		case t == "datetime":
			return "DATETIME"
		default:
			return "STRING"
		}
	}
	switch {
	case t == "integer":
		return "integer"
	case t == "bigint":
		return "bigint"
	case t == "float":
		return "double precision"
	case t == "date":
		return "date"
	case t == "datetime":
		return "timestamp"
	case t == "varchar(max)", t == "text":
		return "text"
	case strings.HasPrefix(t, "varchar("):
		return t
	default:
		return "text"
	}
}

func (g sqlgen) textType() string {
	if g.d.Engine == "bigquery" {
		return "STRING"
	}
	return "text"
}

// createTable builds the DDL of a destination table. When
// eventColumnsAsText is set (the first-phase work table of an
// event-bearing table), event columns and their field columns are typed
// text so they can carry unresolved source keys and table names.
func (g sqlgen) createTable(qualified string, t *cdm.TableDescriptor, eventColumnsAsText bool) string {
	textual := make(map[string]bool)
	if eventColumnsAsText {
		for col, ev := range t.Events {
			textual[col] = true
			if ev.FieldConceptColumn != "" {
				textual[ev.FieldConceptColumn] = true
			}
		}
	}
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		typ := g.columnType(c.Type)
		if textual[c.Name] {
			typ = g.textType()
		}
		cols = append(cols, fmt.Sprintf("%s %s", g.d.Quote(c.Name), typ))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", qualified, strings.Join(cols, ",\n  "))
}

func (g sqlgen) createAuditTables() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  %s %s,
  source_concept_id %s,
  source_vocabulary_id %s,
  target_concept_id %s,
  target_vocabulary_id %s,
  valid_start_date DATE,
  valid_end_date DATE,
  invalid_reason %s
)`,
			g.d.Final(sourceToConceptMapTable),
			g.d.Quote("source_code"), g.textType(),
			g.columnType("bigint"), g.textType(), g.columnType("bigint"),
			g.textType(), g.textType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  omop_table %s,
  source_id %s,
  omop_id %s,
  valid_start_date DATE,
  invalid_reason %s
)`,
			g.d.Final(sourceIDToOmopIDTable),
			g.textType(), g.textType(), g.columnType("bigint"), g.textType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  concept_code %s,
  vocabulary_id %s,
  omop_table %s,
  concept_id %s,
  valid_start_date DATE
)`,
			g.d.Work(db.ConceptIDSwapTable),
			g.textType(), g.textType(), g.textType(), g.columnType("bigint")),
	}
}

func (g sqlgen) createUpload(table, queryName, selectSQL string) string {
	target := g.d.Work(db.UploadTable(table, queryName))
	if g.d.Engine == "bigquery" {
		return fmt.Sprintf("CREATE OR REPLACE TABLE %s AS\n%s", target, selectSQL)
	}
	return fmt.Sprintf("DROP TABLE IF EXISTS %s; CREATE TABLE %s AS\n%s", target, target, selectSQL)
}

func (g sqlgen) unionUploads(table string, queries []string, selectList string) string {
	parts := make([]string, 0, len(queries))
	for _, q := range queries {
		parts = append(parts, fmt.Sprintf("SELECT %s FROM %s", selectList, g.d.Work(db.UploadTable(table, q))))
	}
	return strings.Join(parts, "\nUNION ALL\n")
}

// distinctSourceKeys lists every natural key value across the upload
// tables of one destination table.
func (g sqlgen) distinctSourceKeys(table, pk string, queries []string) string {
	inner := g.unionUploads(table, queries, g.castText(g.d.Quote(pk))+" AS source_id")
	return fmt.Sprintf("SELECT DISTINCT source_id FROM (\n%s\n) u WHERE source_id IS NOT NULL", inner)
}

// duplicateKeys finds natural keys staged more than once, which points
// at an extraction-query bug and must abort the merge.
func (g sqlgen) duplicateKeys(table, pk string, queries []string) string {
	inner := g.unionUploads(table, queries, g.castText(g.d.Quote(pk))+" AS source_id")
	return fmt.Sprintf(`SELECT source_id, COUNT(*) AS n FROM (
%s
) u GROUP BY source_id HAVING COUNT(*) > 1 ORDER BY source_id`, inner)
}

func (g sqlgen) validIDMap() string {
	return fmt.Sprintf(
		"SELECT source_id, omop_id FROM %s WHERE omop_table = @omop_table AND invalid_reason IS NULL",
		g.d.Final(sourceIDToOmopIDTable))
}

func (g sqlgen) maxAssignedOmopID() string {
	return fmt.Sprintf("SELECT MAX(omop_id) AS max_id FROM %s", g.d.Final(sourceIDToOmopIDTable))
}

// mergeIDMap upserts this run's swap rows and soft-invalidates rows
// whose source ids no longer exist, dated before the run start.
func (g sqlgen) mergeIDMap(table, pkColumn string) []string {
	m := g.d.Final(sourceIDToOmopIDTable)
	swap := g.d.Work(db.SwapTable(pkColumn))
	return []string{
		fmt.Sprintf(`INSERT INTO %s (omop_table, source_id, omop_id, valid_start_date, invalid_reason)
SELECT @omop_table, s.source_id, %s, @run_date, NULL
  FROM %s s
 WHERE NOT EXISTS (
   SELECT 1 FROM %s m
    WHERE m.omop_table = @omop_table AND m.source_id = s.source_id AND m.invalid_reason IS NULL
 )`, m, g.castInt("s.omop_id"), swap, m),
		fmt.Sprintf(`UPDATE %s SET invalid_reason = 'R'
 WHERE omop_table = @omop_table
   AND invalid_reason IS NULL
   AND valid_start_date < @run_date
   AND source_id NOT IN (SELECT source_id FROM %s)`, m, swap),
	}
}

// conceptMerge inserts staged custom concepts into the shared concept
// table, never overwriting an existing concept id.
func (g sqlgen) conceptMerge(table, conceptColumn string) string {
	concept := g.d.Final("concept")
	staged := g.d.Work(db.ConceptTable(table, conceptColumn))
	return fmt.Sprintf(`INSERT INTO %s (concept_id, concept_name, domain_id, vocabulary_id,
  concept_class_id, standard_concept, concept_code, valid_start_date, valid_end_date, invalid_reason)
SELECT %s, s.concept_name, s.domain_id, s.vocabulary_id,
  s.concept_class_id, s.standard_concept, s.concept_code,
  %s, %s, NULL
  FROM %s s
 WHERE NOT EXISTS (SELECT 1 FROM %s c WHERE c.concept_id = %s)`,
		concept,
		g.castInt("s.concept_id"),
		g.castDate("s.valid_start_date"), g.castDate("s.valid_end_date"),
		staged, concept, g.castInt("s.concept_id"))
}

func (g sqlgen) castDate(expr string) string {
	if g.d.Engine == "bigquery" {
		return fmt.Sprintf("CAST(%s AS DATE)", expr)
	}
	return fmt.Sprintf("CAST(NULLIF(%s, '') AS date)", expr)
}

// conceptDomains fetches the domain of every mapped target concept so
// the engine can enforce the per-column domain allow-list.
func (g sqlgen) conceptDomains() string {
	return fmt.Sprintf(
		"SELECT concept_id, domain_id FROM %s WHERE concept_id IN UNNEST(@concept_ids)",
		g.d.Final("concept"))
}

func (g sqlgen) conceptDomainsPostgres() string {
	return fmt.Sprintf(
		"SELECT concept_id, domain_id FROM %s WHERE concept_id = ANY(@concept_ids)",
		g.d.Final("concept"))
}

func (g sqlgen) selectConceptDomains() string {
	if g.d.Engine == "bigquery" {
		return g.conceptDomains()
	}
	return g.conceptDomainsPostgres()
}

// mergeSourceToConceptMap writes the reconciled rows of one
// (table, concept column) unit. Every previously valid row of the unit
// is soft-invalidated first — same-day rows included — so a re-run
// leaves exactly one valid row per source code.
func (g sqlgen) mergeSourceToConceptMap(table, conceptColumn string) []string {
	m := g.d.Final(sourceToConceptMapTable)
	staged := g.d.Work(db.UsagiTable(table, conceptColumn))
	return []string{
		fmt.Sprintf(`UPDATE %s SET invalid_reason = 'R'
 WHERE source_vocabulary_id = @unit
   AND invalid_reason IS NULL
   AND valid_start_date <= @run_date`, m),
		fmt.Sprintf(`INSERT INTO %s (source_code, source_concept_id, source_vocabulary_id,
  target_concept_id, target_vocabulary_id, valid_start_date, valid_end_date, invalid_reason)
SELECT s.source_code, 0, @unit, %s, 'None', @run_date, CAST('2099-12-31' AS DATE), NULL
  FROM %s s`, m, g.castInt("s.target_concept_id"), staged),
	}
}

// scmUnit names the source-vocabulary context of one (table, column)
// pair inside source_to_concept_map.
func scmUnit(table, conceptColumn string) string {
	return table + "__" + conceptColumn
}

type mergeSpec struct {
	table      *cdm.TableDescriptor
	queries    []string
	hasSwap    bool
	usagiCols  []string // concept columns with reconciled mappings
	inScopeFKs map[string]cdm.FKRef
	intoWork   bool // event-bearing tables merge into a work table first
}

// mergeTable builds the single-statement merge of the staged rows into
// the destination (or, for event-bearing tables, the pre-resolution
// work table). Substitutions happen inline: primary key via the swap
// table, foreign keys via the id map of the referenced table, concept
// columns via source_to_concept_map.
func (g sqlgen) mergeTable(spec mergeSpec) string {
	t := spec.table
	usagi := make(map[string]bool, len(spec.usagiCols))
	for _, c := range spec.usagiCols {
		usagi[c] = true
	}
	eventCols := make(map[string]bool)
	fieldCols := make(map[string]bool)
	if spec.intoWork {
		for col, ev := range t.Events {
			eventCols[col] = true
			if ev.FieldConceptColumn != "" {
				fieldCols[ev.FieldConceptColumn] = true
			}
		}
	}

	var selects []string
	var joins []string
	for _, c := range t.Columns {
		col := c.Name
		q := "u." + g.d.Quote(col)
		switch {
		case spec.intoWork && (eventCols[col] || fieldCols[col]):
			// Carried through as text; resolved in the deferred pass.
			selects = append(selects, g.castText(q)+" AS "+g.d.Quote(col))
		case spec.hasSwap && col == t.PrimaryKey:
			swap := "swap_pk"
			joins = append(joins, fmt.Sprintf("LEFT JOIN %s %s ON %s.source_id = %s",
				g.d.Work(db.SwapTable(t.PrimaryKey)), swap, swap, g.castText(q)))
			selects = append(selects, fmt.Sprintf("%s AS %s", g.castInt(swap+".omop_id"), g.d.Quote(col)))
		case spec.inScopeFKs[col].Table != "":
			ref := spec.inScopeFKs[col]
			alias := "fk_" + col
			joins = append(joins, fmt.Sprintf(
				"LEFT JOIN %s %s ON %s.omop_table = '%s' AND %s.invalid_reason IS NULL AND %s.source_id = %s",
				g.d.Final(sourceIDToOmopIDTable), alias, alias, ref.Table, alias, alias, g.castText(q)))
			selects = append(selects, fmt.Sprintf("%s.omop_id AS %s", alias, g.d.Quote(col)))
		case usagi[col]:
			alias := "scm_" + col
			joins = append(joins, fmt.Sprintf(
				"LEFT JOIN %s %s ON %s.source_vocabulary_id = '%s' AND %s.invalid_reason IS NULL AND %s.source_code = %s",
				g.d.Final(sourceToConceptMapTable), alias, alias, scmUnit(t.Name, col), alias, alias, g.castText(q)))
			selects = append(selects, fmt.Sprintf("COALESCE(%s.target_concept_id, %s, 0) AS %s",
				alias, g.castInt(q), g.d.Quote(col)))
		default:
			selects = append(selects, q+" AS "+g.d.Quote(col))
		}
	}

	source := fmt.Sprintf("(\n%s\n) u", g.unionUploads(t.Name, spec.queries, "*"))
	target := g.d.Final(t.Name)
	if spec.intoWork {
		target = g.d.Work(t.Name + "__work")
	}

	body := fmt.Sprintf("SELECT DISTINCT\n  %s\nFROM %s\n%s",
		strings.Join(selects, ",\n  "), source, strings.Join(joins, "\n"))

	if t.PrimaryKey == "" {
		return fmt.Sprintf("INSERT INTO %s (%s)\n%s", target, g.columnList(t), body)
	}
	pk := g.d.Quote(t.PrimaryKey)
	return fmt.Sprintf(`MERGE INTO %s AS t
USING (
%s
) AS s
ON t.%s = s.%s
WHEN MATCHED THEN UPDATE SET %s
WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)`,
		target, body, pk, pk,
		g.updateSet(t), g.columnList(t), g.valueList(t))
}

func (g sqlgen) columnList(t *cdm.TableDescriptor) string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, g.d.Quote(c.Name))
	}
	return strings.Join(names, ", ")
}

func (g sqlgen) valueList(t *cdm.TableDescriptor) string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, "s."+g.d.Quote(c.Name))
	}
	return strings.Join(names, ", ")
}

func (g sqlgen) updateSet(t *cdm.TableDescriptor) string {
	var parts []string
	for _, c := range t.Columns {
		if c.Name == t.PrimaryKey {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = s.%s", g.d.Quote(c.Name), g.d.Quote(c.Name)))
	}
	return strings.Join(parts, ", ")
}

// eventTargetTables lists the distinct destination tables the staged
// event columns of one table point at.
func (g sqlgen) eventTargetTables(t *cdm.TableDescriptor) string {
	work := g.d.Work(t.Name + "__work")
	var parts []string
	cols := make([]string, 0, len(t.Events))
	for _, ev := range t.Events {
		if ev.FieldConceptColumn != "" {
			cols = append(cols, ev.FieldConceptColumn)
		}
	}
	sort.Strings(cols)
	for _, col := range cols {
		parts = append(parts, fmt.Sprintf(
			"SELECT DISTINCT %s AS event_table FROM %s WHERE %s IS NOT NULL",
			g.d.Quote(col), work, g.d.Quote(col)))
	}
	return strings.Join(parts, "\nUNION ALL\n") // engine dedups
}

// resolveEvents merges the pre-resolution work table of an
// event-bearing table into its destination, rewriting every event
// column to the generated key of the referenced row. The staged field
// column holds the referenced table name; it is rewritten to the
// matching model-vocabulary concept where one exists.
func (g sqlgen) resolveEvents(t *cdm.TableDescriptor) string {
	work := g.d.Work(t.Name + "__work")
	idMap := g.d.Final(sourceIDToOmopIDTable)
	concept := g.d.Final("concept")

	var selects []string
	var joins []string
	for _, c := range t.Columns {
		col := c.Name
		q := "u." + g.d.Quote(col)
		if ev, ok := t.Events[col]; ok {
			alias := "ev_" + col
			field := "u." + g.d.Quote(ev.FieldConceptColumn)
			joins = append(joins, fmt.Sprintf(
				"LEFT JOIN %s %s ON %s.omop_table = %s AND %s.invalid_reason IS NULL AND %s.source_id = %s",
				idMap, alias, alias, field, alias, alias, q))
			selects = append(selects, fmt.Sprintf("%s.omop_id AS %s", alias, g.d.Quote(col)))
			continue
		}
		isField := false
		for _, ev := range t.Events {
			if ev.FieldConceptColumn == col {
				isField = true
			}
		}
		if isField {
			alias := "fc_" + col
			joins = append(joins, fmt.Sprintf(
				"LEFT JOIN %s %s ON %s.vocabulary_id = 'CDM' AND LOWER(%s.concept_name) = %s",
				concept, alias, alias, alias, "LOWER("+q+")"))
			selects = append(selects, fmt.Sprintf("COALESCE(%s.concept_id, 0) AS %s", alias, g.d.Quote(col)))
			continue
		}
		selects = append(selects, q+" AS "+g.d.Quote(col))
	}

	body := fmt.Sprintf("SELECT DISTINCT\n  %s\nFROM %s u\n%s",
		strings.Join(selects, ",\n  "), work, strings.Join(joins, "\n"))

	target := g.d.Final(t.Name)
	if t.PrimaryKey == "" {
		return fmt.Sprintf("INSERT INTO %s (%s)\n%s", target, g.columnList(t), body)
	}
	pk := g.d.Quote(t.PrimaryKey)
	return fmt.Sprintf(`MERGE INTO %s AS t
USING (
%s
) AS s
ON t.%s = s.%s
WHEN MATCHED THEN UPDATE SET %s
WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)`,
		target, body, pk, pk,
		g.updateSet(t), g.columnList(t), g.valueList(t))
}

func (g sqlgen) deleteIDMapRows() string {
	return fmt.Sprintf("DELETE FROM %s WHERE omop_table = @omop_table", g.d.Final(sourceIDToOmopIDTable))
}

func (g sqlgen) deleteSCMRows() string {
	return fmt.Sprintf("DELETE FROM %s WHERE source_vocabulary_id LIKE @unit_prefix", g.d.Final(sourceToConceptMapTable))
}

// deleteCustomConcepts removes this table's generated custom concepts
// from the shared concept table, via the persistent id swap.
func (g sqlgen) deleteCustomConcepts() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE concept_id IN (
  SELECT concept_id FROM %s WHERE omop_table = @omop_table
)`, g.d.Final("concept"), g.d.Work(db.ConceptIDSwapTable))
}

func (g sqlgen) deleteConceptIDSwapRows() string {
	return fmt.Sprintf("DELETE FROM %s WHERE omop_table = @omop_table", g.d.Work(db.ConceptIDSwapTable))
}

func (g sqlgen) selectConceptIDSwap() string {
	return fmt.Sprintf(
		"SELECT concept_code, vocabulary_id, omop_table, concept_id FROM %s",
		g.d.Work(db.ConceptIDSwapTable))
}
