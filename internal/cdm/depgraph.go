package cdm

import (
	"fmt"
	"sort"
	"strings"
)

// VocabularyTable is always loaded first, alone in level 0, so that the
// concept lookups of every clinical table see a settled vocabulary.
const VocabularyTable = "vocabulary"

// Levels is a load order: every table in level n only depends on tables
// in levels < n. Tables inside one level are independent and may load
// in parallel.
type Levels [][]string

// Reversed returns the levels back to front, each level's tables kept
// in order. Cleanup walks the graph this way so dependents are removed
// before their dependencies.
func (l Levels) Reversed() Levels {
	out := make(Levels, len(l))
	for i := range l {
		out[len(l)-1-i] = l[i]
	}
	return out
}

func (l Levels) Tables() []string {
	var out []string
	for _, lvl := range l {
		out = append(out, lvl...)
	}
	return out
}

// CycleError reports a genuine dependency cycle between tables. Self
// references are dropped before detection, so every table named here is
// part of a real multi-table loop.
type CycleError struct {
	Tables []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cdm: dependency cycle between tables: %s", strings.Join(e.Tables, ", "))
}

// BuildLevels peels the table dependency graph into load levels. Scope
// restricts the graph to the named tables (nil means every table in the
// catalog); dependencies pointing outside the scope are ignored.
//
// Dependencies come from the declared foreign keys plus the extra
// load-order deps (the era tables depend on the exposure tables they
// are derived from). Self references are dropped.
func BuildLevels(c *Catalog, scope []string) (Levels, error) {
	inScope := make(map[string]bool)
	if scope == nil {
		for _, name := range c.ETLTables() {
			inScope[name] = true
		}
	} else {
		for _, name := range scope {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if c.Table(name) == nil {
				return nil, fmt.Errorf("cdm: unknown table %q in scope", name)
			}
			inScope[name] = true
		}
	}

	var levels Levels
	if inScope[VocabularyTable] {
		levels = append(levels, []string{VocabularyTable})
		delete(inScope, VocabularyTable)
	}

	deps := make(map[string]map[string]bool, len(inScope))
	for name := range inScope {
		t := c.Table(name)
		d := make(map[string]bool)
		for _, ref := range t.ForeignKeys {
			if ref.Table != name && inScope[ref.Table] {
				d[ref.Table] = true
			}
		}
		for _, extra := range t.ExtraDeps {
			if extra != name && inScope[extra] {
				d[extra] = true
			}
		}
		deps[name] = d
	}

	remaining := make(map[string]bool, len(inScope))
	for name := range inScope {
		remaining[name] = true
	}
	for len(remaining) > 0 {
		var level []string
		for name := range remaining {
			if len(deps[name]) == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			cyc := make([]string, 0, len(remaining))
			for name := range remaining {
				cyc = append(cyc, name)
			}
			sort.Strings(cyc)
			return nil, &CycleError{Tables: cyc}
		}
		sort.Strings(level)
		for _, name := range level {
			delete(remaining, name)
			for _, d := range deps {
				delete(d, name)
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Downstream returns every in-scope table that transitively depends on
// table, excluding table itself. The result is sorted.
func Downstream(c *Catalog, scope []string, table string) []string {
	inScope := make(map[string]bool)
	if scope == nil {
		for _, name := range c.ETLTables() {
			inScope[name] = true
		}
	} else {
		for _, name := range scope {
			inScope[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}

	dependents := make(map[string][]string)
	for name := range inScope {
		t := c.Table(name)
		if t == nil {
			continue
		}
		seen := make(map[string]bool)
		for _, ref := range t.ForeignKeys {
			if ref.Table != name && inScope[ref.Table] && !seen[ref.Table] {
				seen[ref.Table] = true
				dependents[ref.Table] = append(dependents[ref.Table], name)
			}
		}
		for _, extra := range t.ExtraDeps {
			if extra != name && inScope[extra] && !seen[extra] {
				seen[extra] = true
				dependents[extra] = append(dependents[extra], name)
			}
		}
	}

	visited := make(map[string]bool)
	stack := []string{strings.ToLower(table)}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range dependents[cur] {
			if !visited[dep] {
				visited[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	out := make([]string, 0, len(visited))
	for name := range visited {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
