// Package project reads the on-disk ETL project: one folder per
// destination table holding the extraction queries, plus one subfolder
// per concept column holding the mapping CSVs and custom concepts.
//
//	cdm_folder/
//	  person/
//	    gp_patients.sql
//	    gender_concept_id/
//	      gender.usagi.csv
//	      custom/
//	        gender_concept.csv
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Query struct {
	// Name is the file name without the .sql extension. It becomes part
	// of the upload work table name.
	Name string
	Path string
}

// ConceptColumn holds the mapping inputs of one concept column.
type ConceptColumn struct {
	Column       string
	UsagiFiles   []string
	ConceptFiles []string
}

// Table is the on-disk definition of one destination table.
type Table struct {
	Name           string
	Dir            string
	Queries        []Query
	ConceptColumns map[string]*ConceptColumn
}

type Project struct {
	Root   string
	tables map[string]*Table
}

// Scan walks root and collects the per-table folders. Folder and file
// discovery is lenient: unknown folders are kept (the engine decides
// what is a destination table), hidden entries are skipped.
func Scan(root string) (*Project, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("project: read %s: %w", root, err)
	}
	p := &Project{Root: root, tables: make(map[string]*Table)}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		t, err := scanTable(filepath.Join(root, e.Name()), strings.ToLower(e.Name()))
		if err != nil {
			return nil, err
		}
		p.tables[t.Name] = t
	}
	return p, nil
}

func scanTable(dir, name string) (*Table, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("project: read %s: %w", dir, err)
	}
	t := &Table{Name: name, Dir: dir, ConceptColumns: make(map[string]*ConceptColumn)}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			cc, err := scanConceptColumn(filepath.Join(dir, e.Name()), strings.ToLower(e.Name()))
			if err != nil {
				return nil, err
			}
			t.ConceptColumns[cc.Column] = cc
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			t.Queries = append(t.Queries, Query{
				Name: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
				Path: filepath.Join(dir, e.Name()),
			})
		}
	}
	sort.Slice(t.Queries, func(i, j int) bool { return t.Queries[i].Name < t.Queries[j].Name })
	return t, nil
}

func scanConceptColumn(dir, column string) (*ConceptColumn, error) {
	cc := &ConceptColumn{Column: column}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("project: read %s: %w", dir, err)
	}
	for _, e := range entries {
		lower := strings.ToLower(e.Name())
		if e.IsDir() && lower == "custom" {
			customEntries, err := os.ReadDir(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("project: read %s: %w", filepath.Join(dir, e.Name()), err)
			}
			for _, ce := range customEntries {
				if !ce.IsDir() && strings.HasSuffix(strings.ToLower(ce.Name()), "_concept.csv") {
					cc.ConceptFiles = append(cc.ConceptFiles, filepath.Join(dir, e.Name(), ce.Name()))
				}
			}
			continue
		}
		if !e.IsDir() && strings.HasSuffix(lower, ".usagi.csv") {
			cc.UsagiFiles = append(cc.UsagiFiles, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(cc.UsagiFiles)
	sort.Strings(cc.ConceptFiles)
	return cc, nil
}

// Table returns the on-disk definition for name, or nil.
func (p *Project) Table(name string) *Table {
	return p.tables[strings.ToLower(name)]
}

// Tables returns the scanned table folder names, sorted.
func (p *Project) Tables() []string {
	out := make([]string, 0, len(p.tables))
	for name := range p.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasCustomConcepts reports whether any concept column of the table
// ships custom concepts.
func (t *Table) HasCustomConcepts() bool {
	for _, cc := range t.ConceptColumns {
		if len(cc.ConceptFiles) > 0 {
			return true
		}
	}
	return false
}
