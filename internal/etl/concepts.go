package etl

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zorgdata/omopetl/internal/cdm"
	"github.com/zorgdata/omopetl/internal/db"
	"github.com/zorgdata/omopetl/internal/project"
)

// CustomConceptIDStart is the bottom of the surrogate concept id range.
// Everything at or above it was minted by this engine.
const CustomConceptIDStart int64 = 2_000_000_000

// conceptIDAssigner hands out surrogate concept ids. Assignments are
// persisted in the concept_id_swap work table so a re-run reuses the
// same id for the same (vocabulary, code) instead of minting a fresh
// one. Ids are strictly increasing within a run.
type conceptIDAssigner struct {
	mu     sync.Mutex
	loaded bool
	byKey  map[string]assignedConcept
	next   int64
	dirty  bool
}

type assignedConcept struct {
	conceptID int64
	omopTable string
}

func swapKey(vocabularyID, conceptCode string) string {
	return vocabularyID + "|" + conceptCode
}

func (a *conceptIDAssigner) load(ctx context.Context, e *Engine) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return nil
	}
	a.byKey = make(map[string]assignedConcept)
	a.next = CustomConceptIDStart
	rows, err := e.runQuery(ctx, "load concept_id_swap", e.gen.selectConceptIDSwap(), nil)
	if err != nil {
		if isNotFound(err) {
			a.loaded = true
			return nil
		}
		return err
	}
	for _, row := range rows {
		id := asInt64(row["concept_id"])
		key := swapKey(asString(row["vocabulary_id"]), asString(row["concept_code"]))
		a.byKey[key] = assignedConcept{conceptID: id, omopTable: asString(row["omop_table"])}
		if id >= a.next {
			a.next = id + 1
		}
	}
	a.loaded = true
	return nil
}

// assign returns the surrogate id for one custom concept, reusing a
// prior run's assignment when present.
func (a *conceptIDAssigner) assign(vocabularyID, conceptCode, omopTable string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := swapKey(vocabularyID, conceptCode)
	if got, ok := a.byKey[key]; ok {
		return got.conceptID
	}
	id := a.next
	a.next++
	a.byKey[key] = assignedConcept{conceptID: id, omopTable: omopTable}
	a.dirty = true
	return id
}

// register records an explicitly numbered custom concept so later runs
// and cleanup see it.
func (a *conceptIDAssigner) register(vocabularyID, conceptCode, omopTable string, id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := swapKey(vocabularyID, conceptCode)
	if _, ok := a.byKey[key]; !ok {
		a.byKey[key] = assignedConcept{conceptID: id, omopTable: omopTable}
		a.dirty = true
	}
	if id >= a.next {
		a.next = id + 1
	}
}

// flush rewrites the persistent swap table when assignments changed.
func (a *conceptIDAssigner) flush(ctx context.Context, e *Engine, runDate string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dirty {
		return nil
	}
	keys := make([]string, 0, len(a.byKey))
	for k := range a.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		vocab, code, _ := strings.Cut(k, "|")
		got := a.byKey[k]
		rows = append(rows, []string{code, vocab, got.omopTable, strconv.FormatInt(got.conceptID, 10), runDate})
	}
	_, err := e.bulkLoadCSV(ctx, db.ConceptIDSwapTable,
		[]string{"concept_code", "vocabulary_id", "omop_table", "concept_id", "valid_start_date"}, rows)
	if err != nil {
		return err
	}
	a.dirty = false
	return nil
}

// reconcileConceptColumn runs the full reconciliation of one
// (table, concept column) unit: custom concepts first, then the Usagi
// mappings, then the upsert into source_to_concept_map. A returned
// ValidationError aborts only this unit.
func (e *Engine) reconcileConceptColumn(ctx context.Context, rs *runState, t *cdm.TableDescriptor, cc *project.ConceptColumn) (bool, error) {
	table, col := t.Name, cc.Column

	// Idempotent: clear this unit's previous staging artifacts.
	for _, wt := range []string{db.UsagiTable(table, col), db.ConceptTable(table, col)} {
		if err := e.deleteWorkTable(ctx, wt); err != nil {
			return false, err
		}
	}

	customByCode, err := e.loadCustomConcepts(ctx, rs, t, cc)
	if err != nil {
		return false, err
	}

	usagi, err := e.loadUsagiMappings(ctx, rs, t, cc, customByCode)
	if err != nil {
		return false, err
	}
	if len(usagi) == 0 {
		return len(customByCode) > 0, nil
	}

	if err := e.validateMappings(ctx, rs, t, col, usagi); err != nil {
		return false, err
	}

	// Stage and upsert into the shared map. The map table has one
	// writer at a time.
	rows := make([][]string, 0, len(usagi))
	for _, u := range usagi {
		rows = append(rows, []string{u.SourceCode, strconv.FormatInt(u.ConceptID, 10)})
	}
	if _, err := e.bulkLoadCSV(ctx, db.UsagiTable(table, col), []string{"source_code", "target_concept_id"}, rows); err != nil {
		return false, err
	}

	e.scmMu.Lock()
	defer e.scmMu.Unlock()
	params := map[string]any{"unit": scmUnit(table, col), "run_date": rs.runDate}
	for _, stmt := range e.gen.mergeSourceToConceptMap(table, col) {
		if _, err := e.runQuery(ctx, "upsert source_to_concept_map", stmt, params); err != nil {
			return false, err
		}
	}
	return true, nil
}

// loadCustomConcepts ingests the locally defined concepts of one unit,
// assigns surrogate ids, and merges them into the shared concept table
// without overwriting existing rows. Returns code → assigned id.
func (e *Engine) loadCustomConcepts(ctx context.Context, rs *runState, t *cdm.TableDescriptor, cc *project.ConceptColumn) (map[string]int64, error) {
	if len(cc.ConceptFiles) == 0 || rs.opts.SkipUsagiAndCustomConceptUpload {
		return nil, nil
	}
	if err := rs.conceptIDs.load(ctx, e); err != nil {
		return nil, err
	}

	var records []project.ConceptRecord
	for _, path := range cc.ConceptFiles {
		recs, err := project.ReadConceptFile(path)
		if err != nil {
			return nil, &ValidationError{Table: t.Name, Column: cc.Column, Msg: err.Error()}
		}
		records = append(records, recs...)
	}
	if len(records) == 0 {
		return nil, nil
	}

	byCode := make(map[string]int64, len(records))
	seenID := make(map[int64]string, len(records))
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		id := rec.ConceptID
		if id == 0 {
			id = rs.conceptIDs.assign(rec.VocabularyID, rec.ConceptCode, t.Name)
		} else {
			rs.conceptIDs.register(rec.VocabularyID, rec.ConceptCode, t.Name, id)
		}
		if prev, dup := seenID[id]; dup {
			return nil, &ValidationError{
				Table: t.Name, Column: cc.Column,
				Msg:  "duplicate concept_id in custom concept batch",
				Rows: []string{fmt.Sprintf("concept_id %d used by %q and %q", id, prev, rec.ConceptCode)},
			}
		}
		seenID[id] = rec.ConceptCode
		byCode[rec.ConceptCode] = id
		rows = append(rows, []string{
			strconv.FormatInt(id, 10), rec.ConceptName, rec.DomainID, rec.VocabularyID,
			rec.ConceptClassID, rec.StandardConcept, rec.ConceptCode,
			orDefault(rec.ValidStartDate, "1970-01-01"), orDefault(rec.ValidEndDate, "2099-12-31"),
		})
	}

	header := []string{"concept_id", "concept_name", "domain_id", "vocabulary_id",
		"concept_class_id", "standard_concept", "concept_code", "valid_start_date", "valid_end_date"}
	if _, err := e.bulkLoadCSV(ctx, db.ConceptTable(t.Name, cc.Column), header, rows); err != nil {
		return nil, err
	}
	if _, err := e.runQuery(ctx, "merge custom concepts", e.gen.conceptMerge(t.Name, cc.Column), nil); err != nil {
		return nil, err
	}
	if err := rs.conceptIDs.flush(ctx, e, rs.runDate); err != nil {
		return nil, err
	}

	// Remember the domains of this unit's custom concepts for the
	// allow-list check; they are not queryable before the merge lands.
	rs.rememberCustomDomains(records, byCode)
	return byCode, nil
}

// loadUsagiMappings ingests the reviewed mapping rows of one unit.
// Source codes that were just custom-assigned are rewritten to their
// surrogate id and auto-approved. Untrusted review statuses are
// dropped with a warning; they are reviewer work in progress, not an
// engine failure.
func (e *Engine) loadUsagiMappings(ctx context.Context, rs *runState, t *cdm.TableDescriptor, cc *project.ConceptColumn, customByCode map[string]int64) ([]project.UsagiRow, error) {
	if len(cc.UsagiFiles) == 0 || rs.opts.SkipUsagiAndCustomConceptUpload {
		return nil, nil
	}
	var out []project.UsagiRow
	dropped := 0
	for _, path := range cc.UsagiFiles {
		rows, err := project.ReadUsagiFile(path)
		if err != nil {
			return nil, &ValidationError{Table: t.Name, Column: cc.Column, Msg: err.Error()}
		}
		for _, row := range rows {
			if id, ok := customByCode[row.SourceCode]; ok {
				row.ConceptID = id
				row.MappingStatus = project.StatusApproved
			}
			if !project.StatusTrusted(row.MappingStatus, rs.opts.ProcessSemiApprovedMappings) {
				dropped++
				continue
			}
			out = append(out, row)
		}
	}
	if dropped > 0 {
		e.log.Warn("dropping mappings with untrusted review status",
			"table", t.Name, "column", cc.Column, "dropped", dropped)
	}
	return out, nil
}

// validateMappings enforces the per-unit invariants: no unmapped
// targets, domains on the allow-list, and no duplicate
// (source code, concept id) pairs.
func (e *Engine) validateMappings(ctx context.Context, rs *runState, t *cdm.TableDescriptor, col string, usagi []project.UsagiRow) error {
	var unmapped []string
	for _, u := range usagi {
		if u.ConceptID == 0 {
			unmapped = append(unmapped, fmt.Sprintf("source code %q has concept id 0", u.SourceCode))
		}
	}
	if len(unmapped) > 0 {
		return &ValidationError{Table: t.Name, Column: col, Msg: "unmapped rows", Rows: unmapped}
	}

	if err := e.checkDomains(ctx, rs, t, col, usagi); err != nil {
		return err
	}

	seen := make(map[string]string, len(usagi))
	var dups []string
	for _, u := range usagi {
		key := u.SourceCode + "|" + strconv.FormatInt(u.ConceptID, 10)
		if prev, ok := seen[key]; ok {
			dups = append(dups,
				fmt.Sprintf("(%s, %d) mapped by %q and %q", u.SourceCode, u.ConceptID, prev, u.SourceName))
			continue
		}
		seen[key] = u.SourceName
	}
	if len(dups) > 0 {
		return &ValidationError{Table: t.Name, Column: col, Msg: "duplicate (source code, concept id) pairs", Rows: dups}
	}
	return nil
}

// checkDomains verifies every mapped target concept sits in the
// column's domain allow-list (when the model declares one).
func (e *Engine) checkDomains(ctx context.Context, rs *runState, t *cdm.TableDescriptor, col string, usagi []project.UsagiRow) error {
	allowed := t.ConceptDomains[col]
	if len(allowed) == 0 {
		return nil
	}
	allowSet := make(map[string]bool, len(allowed))
	for _, d := range allowed {
		allowSet[strings.ToLower(d)] = true
	}

	var standardIDs []int64
	seen := make(map[int64]bool)
	for _, u := range usagi {
		if u.ConceptID >= CustomConceptIDStart || seen[u.ConceptID] {
			continue
		}
		seen[u.ConceptID] = true
		standardIDs = append(standardIDs, u.ConceptID)
	}

	domains := make(map[int64]string)
	if len(standardIDs) > 0 {
		rows, err := e.runQuery(ctx, "fetch concept domains", e.gen.selectConceptDomains(),
			map[string]any{"concept_ids": standardIDs})
		if err != nil && !isNotFound(err) {
			return err
		}
		for _, row := range rows {
			domains[asInt64(row["concept_id"])] = asString(row["domain_id"])
		}
	}
	var bad []string
	for _, u := range usagi {
		domain, known := domains[u.ConceptID]
		if !known {
			domain, known = rs.customDomain(u.ConceptID)
		}
		if !known {
			continue // vocabulary not loaded or concept pending; not a domain violation
		}
		if !allowSet[strings.ToLower(domain)] {
			bad = append(bad, fmt.Sprintf("source code %q → concept %d has domain %q, want one of %s",
				u.SourceCode, u.ConceptID, domain, strings.Join(allowed, "/")))
		}
	}
	if len(bad) > 0 {
		return &ValidationError{Table: t.Name, Column: col, Msg: "concept domain not allowed", Rows: bad}
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
