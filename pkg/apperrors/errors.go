// Package apperrors defines the engine's error taxonomy. Every error carries
// a machine-readable kind plus structured context (table, column, relation,
// operation) so callers can map failures to responses without parsing
// messages, and no backend stack detail leaks outward.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is matching across package boundaries.
var (
	ErrValidation   = errors.New("validation failed")
	ErrDuplicate    = errors.New("resource already exists")
	ErrNotFound     = errors.New("resource not found")
	ErrDatabase     = errors.New("database operation failed")
	ErrSchemaLocked = errors.New("schema is locked")
)

// Kind classifies an Error. Kinds map one-to-one onto the sentinels above.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindDuplicate    Kind = "duplicate"
	KindNotFound     Kind = "not_found"
	KindDatabase     Kind = "database"
	KindSchemaLocked Kind = "schema_locked"
)

// Error is the engine's structured error. Context fields are optional; set
// only what is known at the failure site.
type Error struct {
	Kind      Kind
	Message   string
	Table     string
	Column    string
	Relation  string
	Operation string
	LockedBy  string // schema-locked only: current holder for diagnostics
	Err       error  // wrapped cause, never surfaced externally
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	var ctx []string
	if e.Table != "" {
		ctx = append(ctx, "table="+e.Table)
	}
	if e.Column != "" {
		ctx = append(ctx, "column="+e.Column)
	}
	if e.Relation != "" {
		ctx = append(ctx, "relation="+e.Relation)
	}
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if e.LockedBy != "" {
		ctx = append(ctx, "lockedBy="+e.LockedBy)
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel corresponding to the error's kind, so
// errors.Is(err, apperrors.ErrValidation) works on any *Error.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrDuplicate:
		return e.Kind == KindDuplicate
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrDatabase:
		return e.Kind == KindDatabase
	case ErrSchemaLocked:
		return e.Kind == KindSchemaLocked
	}
	return false
}

// Validation builds a caller-fixable validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Duplicate reports a name collision on create.
func Duplicate(resource, name string) *Error {
	return &Error{
		Kind:    KindDuplicate,
		Message: fmt.Sprintf("%s %q already exists", resource, name),
		Table:   name,
	}
}

// NotFound reports an unknown id or name on read/update/delete.
func NotFound(resource, identifier string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, identifier),
	}
}

// Database wraps an unexpected backend failure. Table and operation are
// mandatory context: a database error without them is undiagnosable.
func Database(table, operation string, err error) *Error {
	return &Error{
		Kind:      KindDatabase,
		Message:   "database operation failed",
		Table:     table,
		Operation: operation,
		Err:       err,
	}
}

// SchemaLocked reports that another process holds the migration lock.
func SchemaLocked(lockedBy string) *Error {
	return &Error{
		Kind:     KindSchemaLocked,
		Message:  "schema migration lock is held by another process",
		LockedBy: lockedBy,
	}
}

// WithTable returns a copy of the error annotated with a table name.
func (e *Error) WithTable(table string) *Error {
	clone := *e
	clone.Table = table
	return &clone
}

// WithColumn returns a copy of the error annotated with a column name.
func (e *Error) WithColumn(column string) *Error {
	clone := *e
	clone.Column = column
	return &clone
}

// WithRelation returns a copy of the error annotated with a relation
// property name.
func (e *Error) WithRelation(relation string) *Error {
	clone := *e
	clone.Relation = relation
	return &clone
}

// WithOperation returns a copy of the error annotated with an operation name.
func (e *Error) WithOperation(op string) *Error {
	clone := *e
	clone.Operation = op
	return &clone
}
