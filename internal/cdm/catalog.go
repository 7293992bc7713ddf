package cdm

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

//go:embed cdm54.json
var cdm54JSON []byte

// FKRef points a foreign-key column at its referenced table and column.
type FKRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// EventRef describes an event column: a column whose value is the
// generated key of a row in an arbitrary other destination table. The
// companion field-concept column records which table the key points at.
type EventRef struct {
	FieldConceptColumn string `json:"field_concept_column"`
}

type ColumnDescriptor struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// TableDescriptor is the static description of one destination table.
// It is immutable after Load.
type TableDescriptor struct {
	Name        string              `json:"name"`
	Schema      string              `json:"schema"`
	PrimaryKey  string              `json:"primary_key,omitempty"`
	Columns     []ColumnDescriptor  `json:"columns"`
	ForeignKeys map[string]FKRef    `json:"foreign_keys,omitempty"`
	Events      map[string]EventRef `json:"events,omitempty"`

	// ExtraDeps carries load-order dependencies that are not expressed as
	// foreign keys (the era tables derive from the exposure tables).
	ExtraDeps []string `json:"extra_deps,omitempty"`

	// ConceptDomains restricts the domains allowed per concept column.
	ConceptDomains map[string][]string `json:"concept_domains,omitempty"`
}

// ConceptColumns returns the concept-id columns of the table, in
// declaration order.
func (t *TableDescriptor) ConceptColumns() []string {
	var cols []string
	for _, c := range t.Columns {
		if strings.Contains(c.Name, "concept_id") {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

func (t *TableDescriptor) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t *TableDescriptor) RequiredColumns() []string {
	var cols []string
	for _, c := range t.Columns {
		if c.Required {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// PKAutoNumbering reports whether the primary key is an auto-numbered
// surrogate: a declared integer primary key gets its source values
// swapped for generated sequential keys. Vocabulary-schema ids are real
// external identifiers and are never swapped.
func (t *TableDescriptor) PKAutoNumbering() bool {
	if t.PrimaryKey == "" || t.Schema == "vocab" {
		return false
	}
	for _, c := range t.Columns {
		if c.Name == t.PrimaryKey {
			return c.Type == "integer" || c.Type == "bigint"
		}
	}
	return false
}

// HasEvents reports whether the table carries event columns that need
// the deferred second resolution pass.
func (t *TableDescriptor) HasEvents() bool { return len(t.Events) > 0 }

type catalogDoc struct {
	Version string             `json:"version"`
	Tables  []*TableDescriptor `json:"tables"`
}

// Catalog holds the table descriptors of the target clinical model.
type Catalog struct {
	version string
	byName  map[string]*TableDescriptor
	ordered []string
}

// Load parses and validates the embedded CDM descriptors. Validation
// happens once here; descriptor access never fails afterwards.
func Load() (*Catalog, error) {
	var doc catalogDoc
	if err := json.Unmarshal(cdm54JSON, &doc); err != nil {
		return nil, fmt.Errorf("cdm: parse embedded descriptors: %w", err)
	}
	c := &Catalog{
		version: doc.Version,
		byName:  make(map[string]*TableDescriptor, len(doc.Tables)),
	}
	for _, t := range doc.Tables {
		name := strings.ToLower(strings.TrimSpace(t.Name))
		if name == "" {
			return nil, fmt.Errorf("cdm: table descriptor without a name")
		}
		if _, dup := c.byName[name]; dup {
			return nil, fmt.Errorf("cdm: duplicate table descriptor %q", name)
		}
		t.Name = name
		c.byName[name] = t
		c.ordered = append(c.ordered, name)
	}
	for _, t := range doc.Tables {
		if err := c.validateTable(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) validateTable(t *TableDescriptor) error {
	cols := make(map[string]bool, len(t.Columns))
	for _, col := range t.Columns {
		if cols[col.Name] {
			return fmt.Errorf("cdm: table %q: duplicate column %q", t.Name, col.Name)
		}
		cols[col.Name] = true
	}
	if t.PrimaryKey != "" && !cols[t.PrimaryKey] {
		return fmt.Errorf("cdm: table %q: primary key %q is not a column", t.Name, t.PrimaryKey)
	}
	for col, ref := range t.ForeignKeys {
		if !cols[col] {
			return fmt.Errorf("cdm: table %q: foreign key column %q is not a column", t.Name, col)
		}
		if _, ok := c.byName[ref.Table]; !ok {
			return fmt.Errorf("cdm: table %q: foreign key %q references unknown table %q", t.Name, col, ref.Table)
		}
	}
	for col, ev := range t.Events {
		if !cols[col] {
			return fmt.Errorf("cdm: table %q: event column %q is not a column", t.Name, col)
		}
		if ev.FieldConceptColumn != "" && !cols[ev.FieldConceptColumn] {
			return fmt.Errorf("cdm: table %q: event column %q names unknown field concept column %q",
				t.Name, col, ev.FieldConceptColumn)
		}
	}
	for _, dep := range t.ExtraDeps {
		if _, ok := c.byName[dep]; !ok {
			return fmt.Errorf("cdm: table %q: extra dependency on unknown table %q", t.Name, dep)
		}
	}
	return nil
}

func (c *Catalog) Version() string { return c.version }

// Table returns the descriptor for name, or nil if unknown.
func (c *Catalog) Table(name string) *TableDescriptor {
	return c.byName[strings.ToLower(name)]
}

// ETLTables returns every table the ETL loads, in descriptor order.
func (c *Catalog) ETLTables() []string {
	out := make([]string, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// CDMTables returns the clinical tables (excluding the vocabulary).
func (c *Catalog) CDMTables() []string {
	var out []string
	for _, name := range c.ordered {
		if c.byName[name].Schema != "vocab" {
			out = append(out, name)
		}
	}
	return out
}

// EventTables returns the tables carrying event columns, sorted.
func (c *Catalog) EventTables() []string {
	var out []string
	for _, name := range c.ordered {
		if c.byName[name].HasEvents() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
