package etl

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError aborts the run before any table work starts: a
// broken dependency graph, a missing descriptor, an unusable project
// folder. Nothing is retried.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// ValidationError is scoped to one table or one (table, concept column)
// unit: duplicate rows, a disallowed concept domain, an unresolved
// mapping status. The unit aborts; the run continues unless fail-fast
// is requested.
type ValidationError struct {
	Table  string
	Column string
	Msg    string
	Rows   []string
}

func (e *ValidationError) Error() string {
	unit := e.Table
	if e.Column != "" {
		unit += "." + e.Column
	}
	if len(e.Rows) == 0 {
		return fmt.Sprintf("validation: %s: %s", unit, e.Msg)
	}
	return fmt.Sprintf("validation: %s: %s: %s", unit, e.Msg, strings.Join(e.Rows, "; "))
}

// TransientError marks a remote failure worth retrying: timeouts,
// connection resets, rate limits. The backends and the retry loop are
// the only producers.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient classifies an error for the retry loop. Wrapped
// TransientError values always count; otherwise it falls back to
// message sniffing for the connection/timeout class, since the two
// warehouse clients surface those differently.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"ratelimitexceeded",
		"backenderror",
		"internalerror",
		"temporarily unavailable",
		"503",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
