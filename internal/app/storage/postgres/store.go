package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
)

const defaultMaxAttempts = 5

// SQLSTATE codes Postgres raises when a SERIALIZABLE transaction loses a race.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

const selectColumns = `path, id, data, create_time, update_time, version`

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// Store implements storage.Store on a single jsonb documents table. Every
// transaction runs at SERIALIZABLE isolation and is retried when Postgres
// reports a serialization failure or deadlock.
type Store struct {
	db          *sqlx.DB
	maxAttempts int
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, maxAttempts: defaultMaxAttempts}
}

// WithMaxAttempts returns a copy of the store with a different retry bound.
func (s *Store) WithMaxAttempts(n int) *Store {
	cp := *s
	if n > 0 {
		cp.maxAttempts = n
	}
	return &cp
}

type documentRow struct {
	Path       string    `db:"path"`
	ID         string    `db:"id"`
	Data       []byte    `db:"data"`
	CreateTime time.Time `db:"create_time"`
	UpdateTime time.Time `db:"update_time"`
	Version    int64     `db:"version"`
}

func (r documentRow) snapshot() storage.Snapshot {
	return storage.Snapshot{
		Path:       r.Path,
		ID:         r.ID,
		Data:       r.Data,
		CreateTime: r.CreateTime.UTC(),
		UpdateTime: r.UpdateTime.UTC(),
		Version:    r.Version,
	}
}

func (s *Store) Get(ctx context.Context, path string) (storage.Snapshot, error) {
	return getDocument(ctx, s.db, path)
}

func (s *Store) Create(ctx context.Context, path string, v interface{}) error {
	return s.RunTransaction(ctx, func(_ context.Context, tx storage.Tx) error {
		tx.Create(path, v)
		return nil
	})
}

func (s *Store) Set(ctx context.Context, path string, v interface{}) error {
	return s.RunTransaction(ctx, func(_ context.Context, tx storage.Tx) error {
		tx.Set(path, v)
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.RunTransaction(ctx, func(_ context.Context, tx storage.Tx) error {
		tx.Delete(path)
		return nil
	})
}

func (s *Store) Query(ctx context.Context, q storage.Query) ([]storage.Snapshot, error) {
	query, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]storage.Snapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.snapshot())
	}
	return out, nil
}

func (s *Store) RunTransaction(ctx context.Context, fn storage.TxFunc) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return storage.ErrContention
}

func (s *Store) runOnce(ctx context.Context, fn storage.TxFunc) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	var now time.Time
	if err = sqlTx.GetContext(ctx, &now, `SELECT now()`); err != nil {
		return err
	}
	t := &tx{sqlTx: sqlTx, now: now.UTC()}
	if err = fn(ctx, t); err != nil {
		return err
	}
	if err = t.Err(); err != nil {
		return err
	}
	if err = t.flush(ctx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected
	}
	return false
}

type tx struct {
	storage.WriteSet
	sqlTx *sqlx.Tx
	now   time.Time
}

func (t *tx) Get(ctx context.Context, path string) (storage.Snapshot, error) {
	return getDocument(ctx, t.sqlTx, path)
}

func (t *tx) Time() time.Time { return t.now }

// flush applies the staged mutations. Each touched document is locked and
// read once, folded through every mutation in staging order and written back.
func (t *tx) flush(ctx context.Context) error {
	type pendingDoc struct {
		data   []byte
		exists bool
	}
	pending := make(map[string]*pendingDoc)
	var order []string

	for _, m := range t.Mutations() {
		doc, ok := pending[m.Path]
		if !ok {
			var data []byte
			err := t.sqlTx.GetContext(ctx, &data, `SELECT data FROM documents WHERE path = $1 FOR UPDATE`, m.Path)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				data = nil
			case err != nil:
				return err
			}
			doc = &pendingDoc{data: data, exists: data != nil}
			pending[m.Path] = doc
			order = append(order, m.Path)
		}
		next, err := storage.Apply(doc.data, m)
		if err != nil {
			return err
		}
		doc.data = next
	}

	for _, path := range order {
		doc := pending[path]
		var err error
		switch {
		case doc.data == nil && doc.exists:
			_, err = t.sqlTx.ExecContext(ctx, `DELETE FROM documents WHERE path = $1`, path)
		case doc.data == nil:
			continue
		case doc.exists:
			_, err = t.sqlTx.ExecContext(ctx, `
				UPDATE documents
				SET data = $2, update_time = $3, version = version + 1
				WHERE path = $1
			`, path, doc.data, t.now)
		default:
			_, err = t.sqlTx.ExecContext(ctx, `
				INSERT INTO documents (path, collection, id, data, create_time, update_time, version)
				VALUES ($1, $2, $3, $4, $5, $5, 1)
			`, path, storage.Parent(path), storage.ID(path), doc.data, t.now)
		}
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
				return fmt.Errorf("%s: %w", path, storage.ErrAlreadyExists)
			}
			return err
		}
	}
	return nil
}

func getDocument(ctx context.Context, q sqlx.QueryerContext, path string) (storage.Snapshot, error) {
	var row documentRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+selectColumns+` FROM documents WHERE path = $1`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Snapshot{}, err
	}
	return row.snapshot(), nil
}

// buildQuery renders a storage.Query into SQL over the documents table.
func buildQuery(q storage.Query) (string, []interface{}, error) {
	var (
		sb   strings.Builder
		args []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	sb.WriteString(`SELECT ` + selectColumns + ` FROM documents WHERE collection = ` + arg(q.Collection))

	for _, f := range q.Filters {
		cond, err := filterSQL(f, arg)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" AND " + cond)
	}

	var orderExpr string
	if q.OrderBy.Field != "" {
		expr, err := orderSQL(q.OrderBy)
		if err != nil {
			return "", nil, err
		}
		orderExpr = expr
	}

	cmp, dir, nulls := ">", "ASC", "NULLS FIRST"
	if q.OrderBy.Desc {
		cmp, dir, nulls = "<", "DESC", "NULLS LAST"
	}

	if q.StartAfter != nil {
		if orderExpr == "" {
			sb.WriteString(" AND id " + cmp + " " + arg(q.StartAfter.ID))
		} else {
			key := storage.OrderValue(*q.StartAfter, q.OrderBy)
			sb.WriteString(fmt.Sprintf(" AND (%s, id) %s (%s, %s)", orderExpr, cmp, arg(key), arg(q.StartAfter.ID)))
		}
	}

	sb.WriteString(" ORDER BY ")
	if orderExpr != "" {
		sb.WriteString(orderExpr + " " + dir + " " + nulls + ", ")
	}
	sb.WriteString("id " + dir)

	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return sb.String(), args, nil
}

func jsonPath(field string) (string, error) {
	if !fieldNamePattern.MatchString(field) {
		return "", fmt.Errorf("invalid field path %q", field)
	}
	return "'{" + strings.ReplaceAll(field, ".", ",") + "}'", nil
}

func orderSQL(o storage.Order) (string, error) {
	p, err := jsonPath(o.Field)
	if err != nil {
		return "", err
	}
	switch o.Type {
	case storage.FieldTime:
		return "document_ts(data #> " + p + ")", nil
	case storage.FieldInt:
		return "(data #>> " + p + ")::bigint", nil
	default:
		return "(data #>> " + p + ")", nil
	}
}

func filterSQL(f storage.Filter, arg func(interface{}) string) (string, error) {
	p, err := jsonPath(f.Field)
	if err != nil {
		return "", err
	}
	switch f.Op {
	case storage.OpEqual, storage.OpLess, storage.OpLessEqual, storage.OpGreater, storage.OpGreaterEqual:
	default:
		return "", fmt.Errorf("unsupported operator %q", f.Op)
	}
	op := string(f.Op)
	if f.Op == storage.OpEqual {
		op = "="
	}

	if t, ok := f.Value.(time.Time); ok {
		return fmt.Sprintf("document_ts(data #> %s) %s %s", p, op, arg(t.UTC())), nil
	}
	rv := reflect.ValueOf(f.Value)
	switch rv.Kind() {
	case reflect.String:
		return fmt.Sprintf("(data #>> %s) %s %s", p, op, arg(rv.String())), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprintf("(data #>> %s)::bigint %s %s", p, op, arg(rv.Int())), nil
	case reflect.Bool:
		return fmt.Sprintf("(data #>> %s) %s %s", p, op, arg(strconv.FormatBool(rv.Bool()))), nil
	}
	return "", fmt.Errorf("unsupported filter value %T for %s", f.Value, f.Field)
}
