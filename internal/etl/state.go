package etl

import (
	"fmt"
	"sort"
	"sync"
)

// TableState is the per-table position in the load pipeline.
//
//	Pending → StagingLoaded → KeysAndConceptsSwapped → MergedToFinal → EventsResolved
//
// KeysAndConceptsSwapped only exists for tables with an auto-numbered
// primary key; EventsResolved is entered immediately after merge for
// tables without event columns and deferred to the end-of-run sweep for
// the rest.
type TableState int

const (
	StatePending TableState = iota
	StateStagingLoaded
	StateKeysAndConceptsSwapped
	StateMergedToFinal
	StateEventsResolved
	StateFailed
	StateSkipped
)

func (s TableState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStagingLoaded:
		return "staging_loaded"
	case StateKeysAndConceptsSwapped:
		return "keys_and_concepts_swapped"
	case StateMergedToFinal:
		return "merged_to_final"
	case StateEventsResolved:
		return "events_resolved"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Skipped is reachable from every pre-merge state: a table can be
// blocked before it starts, or turn out to have no destination after
// its staging work already ran.
var validNext = map[TableState][]TableState{
	StatePending:                {StateStagingLoaded, StateFailed, StateSkipped},
	StateStagingLoaded:          {StateKeysAndConceptsSwapped, StateMergedToFinal, StateFailed, StateSkipped},
	StateKeysAndConceptsSwapped: {StateMergedToFinal, StateFailed, StateSkipped},
	StateMergedToFinal:          {StateEventsResolved, StateFailed},
}

// stateTracker records the state of every table in the run. It is
// shared across the level workers and the event sweep.
type stateTracker struct {
	mu     sync.Mutex
	states map[string]TableState
}

func newStateTracker(tables []string) *stateTracker {
	st := &stateTracker{states: make(map[string]TableState, len(tables))}
	for _, t := range tables {
		st.states[t] = StatePending
	}
	return st
}

func (st *stateTracker) get(table string) TableState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.states[table]
}

// advance moves table to next, enforcing the legal transitions. An
// illegal transition is a programming error in the pipeline, not a data
// problem, so it returns an error instead of panicking.
func (st *stateTracker) advance(table string, next TableState) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur := st.states[table]
	for _, ok := range validNext[cur] {
		if ok == next {
			st.states[table] = next
			return nil
		}
	}
	return fmt.Errorf("etl: table %s: illegal state transition %s → %s", table, cur, next)
}

// allMergedOrFinished reports whether no table can still make progress
// toward MergedToFinal: everything is merged, failed, or skipped.
func (st *stateTracker) allMergedOrFinished() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.states {
		switch s {
		case StateMergedToFinal, StateEventsResolved, StateFailed, StateSkipped:
		default:
			return false
		}
	}
	return true
}

func (st *stateTracker) tablesIn(want TableState) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []string
	for t, s := range st.states {
		if s == want {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
