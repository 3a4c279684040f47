package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned by Create when the document exists.
	ErrAlreadyExists = errors.New("document already exists")
	// ErrContention is returned when a transaction keeps conflicting after
	// the configured number of attempts.
	ErrContention = errors.New("transaction contention: retries exhausted")
)

// Store is the document-store capability the loyalty core depends on:
// single-document reads and writes, ordered/filtered/paginated queries over a
// collection, and atomic multi-document read-modify-write transactions with
// built-in conflict retry.
type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Create(ctx context.Context, path string, v interface{}) error
	Set(ctx context.Context, path string, v interface{}) error
	Delete(ctx context.Context, path string) error
	Query(ctx context.Context, q Query) ([]Snapshot, error)

	// RunTransaction runs fn inside one atomic transaction. When the commit
	// detects a conflicting concurrent write, fn is re-run from scratch. Any
	// error returned by fn aborts the transaction without retry and nothing
	// staged by fn is applied.
	RunTransaction(ctx context.Context, fn TxFunc) error
}

// TxFunc is the body of an atomic transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Tx is the handle passed to a transaction body. Reads observe a consistent
// snapshot; staged writes are applied together at commit, in staging order.
// Reads do not observe writes staged earlier in the same transaction.
type Tx interface {
	// Get reads a document (readSnapshot).
	Get(ctx context.Context, path string) (Snapshot, error)

	// Create stages a write that fails the commit if the document exists.
	Create(path string, v interface{})
	// Set stages a full overwrite (stageWrite).
	Set(path string, v interface{})
	// Merge stages a partial update of dotted field paths; the document must
	// exist at commit.
	Merge(path string, fields map[string]interface{})
	// Delete stages a removal.
	Delete(path string)
	// Increment stages an atomic integer add on a field (stageFieldIncrement).
	Increment(path, field string, delta int64)
	// ArrayUnion stages adding values not already present (stageArrayAdd).
	ArrayUnion(path, field string, values ...interface{})
	// ArrayRemove stages removing every occurrence of values (stageArrayRemove).
	ArrayRemove(path, field string, values ...interface{})

	// Time is the server timestamp of this transaction attempt.
	Time() time.Time
}

// Op is a filter comparison operator.
type Op string

const (
	OpEqual        Op = "=="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
)

// Filter constrains a field. The Go type of Value decides how the field is
// compared: time.Time compares as a timestamp, integers numerically, strings
// and bools by equality/ordering of their values.
type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

// FieldType tells backends how to order a field.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt
	FieldTime
)

// Order sorts query results. Ties are broken by document id in the same
// direction.
type Order struct {
	Field string
	Type  FieldType
	Desc  bool
}

// Query selects documents from exactly one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    Order
	// StartAfter resumes after the given document in OrderBy order.
	StartAfter *Snapshot
	// Limit caps the number of results; zero means unlimited.
	Limit int
}

// Where appends a filter and returns the query for chaining.
func (q Query) Where(field string, op Op, value interface{}) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}
