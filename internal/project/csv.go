package project

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Mapping review statuses the engine trusts. Anything else is ignored.
const (
	StatusApproved     = "APPROVED"
	StatusSemiApproved = "SEMI-APPROVED"
)

// UsagiRow is one reviewed source-to-concept mapping.
type UsagiRow struct {
	SourceCode    string
	SourceName    string
	MappingStatus string
	ConceptID     int64
}

// ConceptRecord is one custom concept shipped with the project. A zero
// ConceptID means the engine assigns one from the surrogate range.
type ConceptRecord struct {
	ConceptID       int64
	ConceptName     string
	DomainID        string
	VocabularyID    string
	ConceptClassID  string
	StandardConcept string
	ConceptCode     string
	ValidStartDate  string
	ValidEndDate    string
	InvalidReason   string
}

// ReadUsagiFile parses a Usagi mapping export. Columns are matched by
// header name, so extra review columns are fine in any order.
func ReadUsagiFile(path string) ([]UsagiRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("project: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("project: read header of %s: %w", path, err)
	}
	idx := headerIndex(header)
	for _, req := range []string{"sourcecode", "mappingstatus", "conceptid"} {
		if _, ok := idx[req]; !ok {
			return nil, fmt.Errorf("project: %s misses required column %q", path, req)
		}
	}

	var rows []UsagiRow
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("project: %s line %d: %w", path, line, err)
		}
		row := UsagiRow{
			SourceCode:    field(rec, idx, "sourcecode"),
			SourceName:    field(rec, idx, "sourcename"),
			MappingStatus: strings.ToUpper(field(rec, idx, "mappingstatus")),
		}
		raw := field(rec, idx, "conceptid")
		if raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("project: %s line %d: conceptId %q is not numeric", path, line, raw)
			}
			row.ConceptID = id
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadConceptFile parses a custom concept CSV. The concept_id column
// may be absent, empty, or 0; those concepts get generated ids.
func ReadConceptFile(path string) ([]ConceptRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("project: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("project: read header of %s: %w", path, err)
	}
	idx := headerIndex(header)
	for _, req := range []string{"concept_name", "domain_id", "vocabulary_id", "concept_class_id", "concept_code"} {
		if _, ok := idx[req]; !ok {
			return nil, fmt.Errorf("project: %s misses required column %q", path, req)
		}
	}

	var rows []ConceptRecord
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("project: %s line %d: %w", path, line, err)
		}
		row := ConceptRecord{
			ConceptName:     field(rec, idx, "concept_name"),
			DomainID:        field(rec, idx, "domain_id"),
			VocabularyID:    field(rec, idx, "vocabulary_id"),
			ConceptClassID:  field(rec, idx, "concept_class_id"),
			StandardConcept: field(rec, idx, "standard_concept"),
			ConceptCode:     field(rec, idx, "concept_code"),
			ValidStartDate:  field(rec, idx, "valid_start_date"),
			ValidEndDate:    field(rec, idx, "valid_end_date"),
			InvalidReason:   field(rec, idx, "invalid_reason"),
		}
		if raw := field(rec, idx, "concept_id"); raw != "" && raw != "0" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("project: %s line %d: concept_id %q is not numeric", path, line, raw)
			}
			row.ConceptID = id
		}
		if row.ConceptCode == "" {
			return nil, fmt.Errorf("project: %s line %d: concept_code is empty", path, line)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// StatusTrusted reports whether a mapping review status is good enough
// to load. SEMI-APPROVED only counts when the run opts in.
func StatusTrusted(status string, semiApproved bool) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case StatusApproved:
		return true
	case StatusSemiApproved:
		return semiApproved
	}
	return false
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimPrefix(name, "\ufeff") // Usagi exports can carry a BOM
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return idx
}

func field(rec []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
